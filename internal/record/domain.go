package record

import (
	"log/slog"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var structValidate = validator.New()

func init() {
	structValidate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

// Auction is the top-level gongpeng (auction pen) event. Status names are
// kept in the vocabulary the upstream site actually emits.
type Auction struct {
	ID                    int64
	Name                  string
	OrganizerName         *string
	OrganizerPhone        *string
	CustomerServicePhone  *string
	StartTime             *int64
	EndTime               *int64
	StatusName            *string
	LiveStatusName        *string
}

// Status-name vocabulary. These are the literal values the upstream site
// stores and emits; StatusFinished etc. are English-named handles onto
// that live vocabulary, not a translation of it.
const (
	StatusInProgress = "进行中"
	StatusFinished   = "已完成"
	StatusSettled    = "已结拍"
)

var auctionSchema = schemaOf(
	"id", "name", "organizername", "organizerphone", "customerservicephone",
	"starttime", "endtime", "statusname", "livestatusname",
)

// AuctionDescriptor drives construction of Auction from an upstream
// mapping: field names already match the internal schema 1:1, so
// FieldMapping is empty.
var AuctionDescriptor = Descriptor{
	Schema: auctionSchema,
	Defaults: map[string]func() any{
		"organizername": nilDefault, "organizerphone": nilDefault,
		"customerservicephone": nilDefault, "starttime": nilDefault,
		"endtime": nilDefault, "statusname": nilDefault, "livestatusname": nilDefault,
	},
	Converters: map[string]Converter{
		"id":                    mustIntOrAbsent,
		"name":                  EmptyToAbsent,
		"organizername":         EmptyToAbsent,
		"organizerphone":        EmptyToAbsent,
		"customerservicephone":  EmptyToAbsent,
		"statusname":            EmptyToAbsent,
		"livestatusname":        EmptyToAbsent,
		"starttime":             TimestampToSeconds,
		"endtime":               TimestampToSeconds,
	},
	Validators: []RowValidator{EndAfterStart("starttime", "endtime")},
}

// NewAuction builds an Auction from an upstream mapping via AuctionDescriptor.
func NewAuction(external map[string]any, logger *slog.Logger) (Auction, error) {
	row, err := AuctionDescriptor.Build(external, logger)
	if err != nil {
		return Auction{}, err
	}
	return Auction{
		ID:                   asInt64(row["id"]),
		Name:                 asString(row["name"]),
		OrganizerName:        asStringPtr(row["organizername"]),
		OrganizerPhone:       asStringPtr(row["organizerphone"]),
		CustomerServicePhone: asStringPtr(row["customerservicephone"]),
		StartTime:            asInt64Ptr(row["starttime"]),
		EndTime:              asInt64Ptr(row["endtime"]),
		StatusName:           asStringPtr(row["statusname"]),
		LiveStatusName:       asStringPtr(row["livestatusname"]),
	}, nil
}

// Section is one professional section (专场) within an auction.
type Section struct {
	ID           int64
	AuctionID    int64
	Name         string
	StartRanking *int64
	EndRanking   *int64   `validate:"omitempty,gtefield=StartRanking"`
	Count        *int64   `validate:"omitempty,min=0"`
	SortType     *string          `validate:"omitempty,oneof=asc desc"`
	StartPrice   *decimal.Decimal `validate:"omitempty,min=0"`
	StatusName   *string
}

var sectionSchema = schemaOf(
	"id", "auction_id", "name", "startranking", "endranking", "count",
	"sorttype", "startprice", "statusname",
)

var SectionDescriptor = Descriptor{
	Schema: sectionSchema,
	FieldMapping: map[string]string{
		"auctionid": "auction_id",
	},
	Defaults: map[string]func() any{
		"startranking": nilDefault, "endranking": nilDefault, "count": nilDefault,
		"sorttype": nilDefault, "startprice": nilDefault, "statusname": nilDefault,
	},
	Converters: map[string]Converter{
		"id":           mustIntOrAbsent,
		"auction_id":   mustIntOrAbsent,
		"startranking": IntOrAbsent,
		"endranking":   IntOrAbsent,
		"count":        IntOrAbsent,
		"startprice":   FloatOrAbsent,
		"name":         EmptyToAbsent,
		"sorttype":     EmptyToAbsent,
		"statusname":   EmptyToAbsent,
	},
}

// NewSection builds a Section from an upstream mapping. The gongpeng
// cascade (auctionStatus) overrides statusname when present, so a
// finished auction's sections are written finished in the same pass.
// Ranking order, non-negative count/price, and sort-type membership are
// checked on the typed result via struct validation tags, matching
// mydataclass/section.py's ensure_end_ge_start and sort_type-in-(asc,desc)
// checks.
func NewSection(external map[string]any, auctionStatus *string, logger *slog.Logger) (Section, error) {
	row, err := SectionDescriptor.Build(external, logger)
	if err != nil {
		return Section{}, err
	}
	statusName := asStringPtr(row["statusname"])
	if auctionStatus != nil {
		statusName = auctionStatus
	}
	section := Section{
		ID:           asInt64(row["id"]),
		AuctionID:    asInt64(row["auction_id"]),
		Name:         asString(row["name"]),
		StartRanking: asInt64Ptr(row["startranking"]),
		EndRanking:   asInt64Ptr(row["endranking"]),
		Count:        asInt64Ptr(row["count"]),
		SortType:     asStringPtr(row["sorttype"]),
		StartPrice:   asDecimalPtr(row["startprice"]),
		StatusName:   statusName,
	}
	if err := structValidate.Struct(section); err != nil {
		return Section{}, fieldError(err.Error())
	}
	return section, nil
}

// Pigeon is a single lot within a section.
type Pigeon struct {
	ID          int64
	Code        string
	AuctionID   int64
	SectionID   *int64
	Name        string
	MatcherName *string
	FootRing    *string
	Status      *string
	StatusName  *string
	Quote       *decimal.Decimal
	IsCurrent   *bool
	CreateTime  *int64
	StartTime   *int64
	EndTime     *int64
	MarginRatio *float64 `validate:"omitempty,min=0,max=1"`
}

var pigeonSchema = schemaOf(
	"id", "code", "auction_id", "section_id", "name", "matcher_name",
	"foot_ring", "status", "status_name", "quote", "is_current",
	"create_time", "start_time", "end_time", "margin_ratio",
)

var PigeonDescriptor = Descriptor{
	Schema: pigeonSchema,
	FieldMapping: map[string]string{
		"auctionid":   "auction_id",
		"sectionid":   "section_id",
		"matchername": "matcher_name",
		"footring":    "foot_ring",
		"statusname":  "status_name",
		"createtime":  "create_time",
		"starttime":   "start_time",
		"endtime":     "end_time",
		"iscurrent":   "is_current",
		"marginratio": "margin_ratio",
	},
	Defaults: map[string]func() any{
		"section_id": nilDefault, "matcher_name": nilDefault, "foot_ring": nilDefault,
		"status": nilDefault, "status_name": nilDefault, "quote": nilDefault,
		"is_current": nilDefault, "create_time": nilDefault,
		"start_time": nilDefault, "end_time": nilDefault, "margin_ratio": nilDefault,
	},
	Converters: map[string]Converter{
		"id":           mustIntOrAbsent,
		"auction_id":   mustIntOrAbsent,
		"section_id":   IntOrAbsent,
		"code":         EmptyToAbsent,
		"name":         EmptyToAbsent,
		"matcher_name": EmptyToAbsent,
		"foot_ring":    EmptyToAbsent,
		"status":       EmptyToAbsent,
		"status_name":  EmptyToAbsent,
		"quote":        FloatOrAbsent,
		"is_current":   BoolOrAbsent,
		"create_time":  TimestampToSeconds,
		"start_time":   TimestampToSeconds,
		"end_time":     TimestampToSeconds,
		"margin_ratio": FloatOrAbsent,
	},
	Validators: []RowValidator{EndAfterStart("start_time", "end_time")},
}

// NewPigeon builds a Pigeon from an upstream mapping. margin_ratio is
// bounds-checked to [0,1] on the typed result, matching
// mydataclass/pigeon.py's commented-out range validator.
func NewPigeon(external map[string]any, logger *slog.Logger) (Pigeon, error) {
	row, err := PigeonDescriptor.Build(external, logger)
	if err != nil {
		return Pigeon{}, err
	}
	pigeon := Pigeon{
		ID:          asInt64(row["id"]),
		Code:        asString(row["code"]),
		AuctionID:   asInt64(row["auction_id"]),
		SectionID:   asInt64Ptr(row["section_id"]),
		Name:        asString(row["name"]),
		MatcherName: asStringPtr(row["matcher_name"]),
		FootRing:    asStringPtr(row["foot_ring"]),
		Status:      asStringPtr(row["status"]),
		StatusName:  asStringPtr(row["status_name"]),
		Quote:       asDecimalPtr(row["quote"]),
		IsCurrent:   asBoolPtr(row["is_current"]),
		CreateTime:  asInt64Ptr(row["create_time"]),
		StartTime:   asInt64Ptr(row["start_time"]),
		EndTime:     asInt64Ptr(row["end_time"]),
		MarginRatio: asFloatPtr(row["margin_ratio"]),
	}
	if err := structValidate.Struct(pigeon); err != nil {
		return Pigeon{}, fieldError(err.Error())
	}
	return pigeon, nil
}

type fieldErr string

func (e fieldErr) Error() string { return string(e) }
func fieldError(msg string) error { return fieldErr(msg) }

func schemaOf(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func nilDefault() any { return nil }

// mustIntOrAbsent is IntOrAbsent with the same absent-on-failure
// semantics, used for identity fields (id, auction_id, pigeon_id). A
// missing or unparseable identity field leaves the typed record's field at
// zero; no constructor rejects the row for it.
var mustIntOrAbsent = IntOrAbsent
