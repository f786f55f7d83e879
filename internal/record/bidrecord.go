package record

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// BidRecord is one bid ledger entry, enriched in two passes: once at
// construction time (field mapping/conversion) and once per-batch (the
// count field, and later by the enrichment engine, the results/auction_*
// fields).
type BidRecord struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	AuctionID int64           `json:"auction_id"`
	PigeonID  int64           `json:"pigeon_id"`
	Quote     decimal.Decimal `json:"quote"`

	// Count is the number of times UserCode appears within the batch this
	// record was constructed in, populated by NewBidRecordBatch.
	Count int `json:"count"`

	PigeonCode    *string          `json:"pigeon_code,omitempty"`
	PigeonName    *string          `json:"pigeon_name,omitempty"`
	UserID        *int64           `json:"user_id,omitempty"`
	UserCode      *string          `json:"user_code,omitempty"`
	UserNickname  *string          `json:"user_nickname,omitempty"`
	UserAvatar    *string          `json:"user_avatar,omitempty"`
	Type          *string          `json:"type,omitempty"`
	Margin        *decimal.Decimal `json:"margin,omitempty"`
	Status        *string          `json:"status,omitempty"`
	StatusTime    *int64           `json:"status_time,omitempty"`
	CreateUserID  *int64           `json:"create_user_id,omitempty"`
	CreateAdminID *int64           `json:"create_admin_id,omitempty"`
	CreateTime    *int64           `json:"create_time,omitempty"`
	CancelUserID  *int64           `json:"cancel_user_id,omitempty"`
	CancelAdminID *int64           `json:"cancel_admin_id,omitempty"`

	// MatchScore and the eight auction_* aggregates are populated by the
	// enrichment engine, not by construction: four restricted to the
	// current auction, four ("...All") across every auction the bidder
	// has ever appeared in.
	MatchScore                  *float64        `json:"match_score,omitempty"`
	AuctionBidCount              int             `json:"auction_bid_count"`
	AuctionTotalPrice            decimal.Decimal `json:"auction_total_price"`
	AuctionHighestPrice          decimal.Decimal `json:"auction_highest_price"`
	AuctionSecondHighestPrice    decimal.Decimal `json:"auction_second_highest_price"`
	AuctionBidCountAll           int             `json:"auction_bid_count_all"`
	AuctionTotalPriceAll         decimal.Decimal `json:"auction_total_price_all"`
	AuctionHighestPriceAll       decimal.Decimal `json:"auction_highest_price_all"`
	AuctionSecondHighestPriceAll decimal.Decimal `json:"auction_second_highest_price_all"`

	// Results maps UserCode to its ranked history rows across all
	// auctions; History is the same slice flattened for convenience,
	// both populated by the enrichment engine.
	Results map[string][]HistoryRow `json:"results,omitempty"`
	History []HistoryRow            `json:"history,omitempty"`
}

var bidRecordSchema = schemaOf(
	"id", "code", "auction_id", "pigeon_id", "quote",
	"pigeon_code", "pigeon_name", "user_id", "user_code", "user_nickname",
	"user_avatar", "type", "margin", "status", "status_time",
	"create_user_id", "create_admin_id", "create_time",
	"cancel_user_id", "cancel_admin_id",
)

var BidRecordDescriptor = Descriptor{
	Schema: bidRecordSchema,
	FieldMapping: map[string]string{
		"auctionid":      "auction_id",
		"pigeonid":       "pigeon_id",
		"pigeoncode":     "pigeon_code",
		"pigeonname":     "pigeon_name",
		"userid":         "user_id",
		"usercode":       "user_code",
		"usernickname":   "user_nickname",
		"useravatar":     "user_avatar",
		"statustime":     "status_time",
		"createuserid":   "create_user_id",
		"createadminid":  "create_admin_id",
		"createtime":     "create_time",
		"canceluserid":   "cancel_user_id",
		"canceladminid":  "cancel_admin_id",
	},
	Defaults: map[string]func() any{
		"pigeon_code": nilDefault, "pigeon_name": nilDefault, "user_id": nilDefault,
		"user_code": nilDefault, "user_nickname": nilDefault, "user_avatar": nilDefault,
		"type": nilDefault, "margin": nilDefault, "status": nilDefault,
		"status_time": nilDefault, "create_user_id": nilDefault, "create_admin_id": nilDefault,
		"create_time": nilDefault, "cancel_user_id": nilDefault, "cancel_admin_id": nilDefault,
	},
	Converters: map[string]Converter{
		"id":              mustIntOrAbsent,
		"auction_id":      mustIntOrAbsent,
		"pigeon_id":       mustIntOrAbsent,
		"user_id":         IntOrAbsent,
		"create_user_id":  IntOrAbsent,
		"create_admin_id": IntOrAbsent,
		"cancel_user_id":  IntOrAbsent,
		"cancel_admin_id": IntOrAbsent,
		"quote":           FloatOrAbsent,
		"margin":          FloatOrAbsent,
		"create_time":     TimestampToSeconds,
		"status_time":     TimestampToSeconds,
		"code":            EmptyToAbsent,
		"pigeon_code":     EmptyToAbsent,
		"pigeon_name":     EmptyToAbsent,
		"user_code":       EmptyToAbsent,
		"user_nickname":   EmptyToAbsent,
		"user_avatar":     EmptyToAbsent,
		"type":            EmptyToAbsent,
		"status":          EmptyToAbsent,
	},
}

// NewBidRecord builds one BidRecord from an upstream mapping. Count is left
// at zero; use NewBidRecordBatch to populate it.
func NewBidRecord(external map[string]any, logger *slog.Logger) (BidRecord, error) {
	row, err := BidRecordDescriptor.Build(external, logger)
	if err != nil {
		return BidRecord{}, err
	}
	return BidRecord{
		ID:            asInt64(row["id"]),
		Code:          asString(row["code"]),
		AuctionID:     asInt64(row["auction_id"]),
		PigeonID:      asInt64(row["pigeon_id"]),
		Quote:         asDecimal(row["quote"]),
		PigeonCode:    asStringPtr(row["pigeon_code"]),
		PigeonName:    asStringPtr(row["pigeon_name"]),
		UserID:        asInt64Ptr(row["user_id"]),
		UserCode:      asStringPtr(row["user_code"]),
		UserNickname:  asStringPtr(row["user_nickname"]),
		UserAvatar:    asStringPtr(row["user_avatar"]),
		Type:          asStringPtr(row["type"]),
		Margin:        asDecimalPtr(row["margin"]),
		Status:        asStringPtr(row["status"]),
		StatusTime:    asInt64Ptr(row["status_time"]),
		CreateUserID:  asInt64Ptr(row["create_user_id"]),
		CreateAdminID: asInt64Ptr(row["create_admin_id"]),
		CreateTime:    asInt64Ptr(row["create_time"]),
		CancelUserID:  asInt64Ptr(row["cancel_user_id"]),
		CancelAdminID: asInt64Ptr(row["cancel_admin_id"]),
	}, nil
}

// NewBidRecordBatch builds every item in rows, skipping items that fail
// construction in lenient mode (strict propagates the first failure), then
// tallies each record's intra-batch bid frequency into Count: the number
// of times its UserCode recurs within this same batch.
func NewBidRecordBatch(rows []map[string]any, strict bool, logger *slog.Logger) ([]BidRecord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]BidRecord, 0, len(rows))
	for idx, row := range rows {
		rec, err := NewBidRecord(row, logger)
		if err != nil {
			if strict {
				return nil, err
			}
			logger.Warn("record: skipping bid record", slog.Int("index", idx), slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}

	counts := make(map[string]int, len(out))
	for _, r := range out {
		if r.UserCode != nil {
			counts[*r.UserCode]++
		}
	}
	for i := range out {
		if out[i].UserCode != nil {
			out[i].Count = counts[*out[i].UserCode]
		}
	}
	return out, nil
}

// HistoryRow is one past deal, as returned by the deal-history query and
// then annotated in place by the enrichment engine.
type HistoryRow struct {
	AuctionID   int64           `json:"auction_id"`
	PigeonID    int64           `json:"pigeon_id"`
	MatcherName string          `json:"matcher_name"`
	Name        string          `json:"name,omitempty"`
	FootRing    string          `json:"foot_ring,omitempty"`
	Quote       decimal.Decimal `json:"quote"`
	StatusName  string          `json:"status_name"`
	CreateTime  *int64          `json:"create_time,omitempty"`

	// The following are populated by the enrichment engine, not by the
	// deal-history query itself.
	AggCount int             `json:"agg_count"`
	AggTotal decimal.Decimal `json:"agg_total"`
	Score    float64         `json:"_match_score"`
	Exact    bool            `json:"_match_exact"`
	Hit      bool            `json:"_match_hit"`
	Spans    []Span          `json:"_match_spans,omitempty"`
}

// Span is a half-open [Start, End) rune-index range into a raw name
// string, produced by the enrichment engine's LCS highlight computation.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}
