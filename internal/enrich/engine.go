package enrich

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/store"
)

// HistoryFetcher is the subset of the Store Adapter the engine depends on,
// so tests can substitute a fake without needing a live Postgres pool.
type HistoryFetcher interface {
	DealHistory(ctx context.Context, userCodes []string, auctionID int64, statusWhitelist []string, chunkSize int) (map[string]store.Statistics, map[string][]record.HistoryRow, error)
}

// onlineType is the BidRecord.Type value that participates in enrichment;
// offline bids are carried through untouched.
const onlineType = "online"

// Engine runs the enrichment/ranking pipeline described in the package doc.
type Engine struct {
	history         HistoryFetcher
	logger          *slog.Logger
	statusWhitelist []string
	historyChunk    int
}

// New constructs an Engine. statusWhitelist defaults to {"completed","settled"}
// and historyChunkSize to 100 when zero.
func New(history HistoryFetcher, logger *slog.Logger, statusWhitelist []string, historyChunkSize int) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if len(statusWhitelist) == 0 {
		statusWhitelist = []string{"completed", "settled"}
	}
	if historyChunkSize <= 0 {
		historyChunkSize = 100
	}
	return &Engine{history: history, logger: logger, statusWhitelist: statusWhitelist, historyChunk: historyChunkSize}
}

// Enrich joins records with historical deals, attaches per-bidder
// aggregates, and ranks each record's result rows by fuzzy match to
// consignor. It mutates records in place and also returns the slice.
func (e *Engine) Enrich(ctx context.Context, records []record.BidRecord, auctionID int64, consignor string) ([]record.BidRecord, error) {
	defer func(start time.Time) { metrics.EnrichDuration.Observe(time.Since(start).Seconds()) }(time.Now())
	userCodes := uniqueOnlineUserCodes(records)
	if len(userCodes) == 0 {
		for i := range records {
			key := ""
			if records[i].UserCode != nil {
				key = *records[i].UserCode
			}
			records[i].Results = map[string][]record.HistoryRow{key: {}}
		}
		return records, nil
	}

	statistics, deals, err := e.history.DealHistory(ctx, userCodes, auctionID, e.statusWhitelist, e.historyChunk)
	if err != nil {
		return nil, err
	}

	normConsignor := Norm(consignor)

	for i := range records {
		r := &records[i]
		if r.UserCode == nil {
			continue
		}
		code := *r.UserCode
		history := append([]record.HistoryRow(nil), deals[code]...)
		r.Results = map[string][]record.HistoryRow{code: history}

		if stats, ok := statistics[code]; ok {
			r.AuctionBidCount = stats.DealCount
			r.AuctionTotalPrice = stats.TotalPrice
			r.AuctionHighestPrice = stats.HighestPrice
			r.AuctionSecondHighestPrice = stats.SecondHighestPrice
			r.AuctionBidCountAll = stats.DealCountAll
			r.AuctionTotalPriceAll = stats.TotalPriceAll
			r.AuctionHighestPriceAll = stats.HighestPriceAll
			r.AuctionSecondHighestPriceAll = stats.SecondHighestPriceAll
		}

		rankHistory(history, consignor, normConsignor)
		r.History = history

		var best *float64
		for _, h := range history {
			score := h.Score
			if best == nil || score > *best {
				s := score
				best = &s
			}
		}
		r.MatchScore = best
	}
	return records, nil
}

// uniqueOnlineUserCodes collects, in first-seen order, the distinct
// user_code values among records whose type is "online" and user_code is
// present.
func uniqueOnlineUserCodes(records []record.BidRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		if r.Type == nil || *r.Type != onlineType {
			continue
		}
		if r.UserCode == nil || *r.UserCode == "" {
			continue
		}
		if _, ok := seen[*r.UserCode]; ok {
			continue
		}
		seen[*r.UserCode] = struct{}{}
		out = append(out, *r.UserCode)
	}
	return out
}

// rankHistory computes per-matcher_name aggregates and similarity fields on
// each row in place, then stably sorts the slice by
// (-exact, -hit, -score, -agg_count, -agg_total).
func rankHistory(history []record.HistoryRow, consignorRaw, normConsignor string) {
	if len(history) == 0 {
		return
	}

	type agg struct {
		count int
		total decimal.Decimal
	}
	aggs := make(map[string]*agg, len(history))
	for _, h := range history {
		a, ok := aggs[h.MatcherName]
		if !ok {
			a = &agg{}
			aggs[h.MatcherName] = a
		}
		a.count++
		a.total = a.total.Add(h.Quote)
	}

	for i := range history {
		h := &history[i]
		a := aggs[h.MatcherName]
		h.AggCount = a.count
		h.AggTotal = a.total

		normMatcher := Norm(h.MatcherName)
		h.Score = Ratio(normMatcher, normConsignor)
		h.Exact = normMatcher == normConsignor && normMatcher != ""
		h.Hit = h.Score >= Threshold
		h.Spans = HighlightSpans(h.MatcherName, consignorRaw)
	}

	sort.SliceStable(history, func(i, j int) bool {
		a, b := history[i], history[j]
		if a.Exact != b.Exact {
			return a.Exact
		}
		if a.Hit != b.Hit {
			return a.Hit
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.AggCount != b.AggCount {
			return a.AggCount > b.AggCount
		}
		return a.AggTotal.GreaterThan(b.AggTotal)
	})
}
