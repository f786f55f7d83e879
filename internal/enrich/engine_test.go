package enrich

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/store"
)

func money(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type fakeHistoryFetcher struct {
	statistics map[string]store.Statistics
	deals      map[string][]record.HistoryRow
	calledWith []string
}

func (f *fakeHistoryFetcher) DealHistory(ctx context.Context, userCodes []string, auctionID int64, statusWhitelist []string, chunkSize int) (map[string]store.Statistics, map[string][]record.HistoryRow, error) {
	f.calledWith = userCodes
	return f.statistics, f.deals, nil
}

func strPtr(s string) *string { return &s }

func TestEngine_Enrich_NoOnlineUserCodesAttachesEmptyResultsAndSkipsQuery(t *testing.T) {
	fake := &fakeHistoryFetcher{}
	e := New(fake, nil, nil, 0)
	offline := "offline"
	records := []record.BidRecord{
		{ID: 1, Type: &offline, UserCode: strPtr("ABC")},
	}

	out, err := e.Enrich(context.Background(), records, 1, "Li Ming")
	require.NoError(t, err)
	assert.Nil(t, fake.calledWith)
	assert.Equal(t, []record.HistoryRow{}, out[0].Results["ABC"])
}

func TestEngine_Enrich_PopulatesStatisticsAndResults(t *testing.T) {
	online := "online"
	fake := &fakeHistoryFetcher{
		statistics: map[string]store.Statistics{
			"GUGU007": {DealCount: 2, TotalPrice: money(2700), HighestPrice: money(1500), SecondHighestPrice: money(1200),
				DealCountAll: 3, TotalPriceAll: money(3600), HighestPriceAll: money(1500), SecondHighestPriceAll: money(1200)},
		},
		deals: map[string][]record.HistoryRow{
			"GUGU007": {
				{AuctionID: 1, MatcherName: "Li Ming", Quote: money(1500)},
				{AuctionID: 1, MatcherName: "Li Ming", Quote: money(1200)},
				{AuctionID: 2, MatcherName: "Zhang", Quote: money(900)},
			},
		},
	}
	e := New(fake, nil, nil, 0)
	records := []record.BidRecord{
		{ID: 1, Type: &online, UserCode: strPtr("GUGU007")},
	}

	out, err := e.Enrich(context.Background(), records, 1, "Li Ming")
	require.NoError(t, err)
	assert.Equal(t, []string{"GUGU007"}, fake.calledWith)

	r := out[0]
	assert.Equal(t, 2, r.AuctionBidCount)
	assert.True(t, money(1500).Equal(r.AuctionHighestPriceAll))
	require.Len(t, r.Results["GUGU007"], 3)
}

func TestEngine_Enrich_RanksExactBeforeHitBeforeScore(t *testing.T) {
	online := "online"
	fake := &fakeHistoryFetcher{
		statistics: map[string]store.Statistics{},
		deals: map[string][]record.HistoryRow{
			"U1": {
				{MatcherName: "Zhang", Quote: money(1)},
				{MatcherName: "Li Ming", Quote: money(1)},
				{MatcherName: "Liu Ming", Quote: money(1)},
				{MatcherName: "li  ming", Quote: money(1)},
			},
		},
	}
	e := New(fake, nil, nil, 0)
	records := []record.BidRecord{
		{ID: 1, Type: &online, UserCode: strPtr("U1")},
	}

	out, err := e.Enrich(context.Background(), records, 1, "Li Ming")
	require.NoError(t, err)

	ranked := out[0].Results["U1"]
	require.Len(t, ranked, 4)
	assert.Equal(t, "Li Ming", ranked[0].MatcherName)
	assert.True(t, ranked[0].Exact)
	assert.Equal(t, "li  ming", ranked[1].MatcherName)
	assert.Equal(t, "Liu Ming", ranked[2].MatcherName)
	assert.Equal(t, "Zhang", ranked[3].MatcherName)

	require.NotNil(t, out[0].MatchScore)
	assert.Equal(t, 1.0, *out[0].MatchScore)
}

func TestEngine_Enrich_AggregatesCountAndTotalPerMatcher(t *testing.T) {
	online := "online"
	fake := &fakeHistoryFetcher{
		statistics: map[string]store.Statistics{},
		deals: map[string][]record.HistoryRow{
			"U1": {
				{MatcherName: "Li Ming", Quote: money(100)},
				{MatcherName: "Li Ming", Quote: money(200)},
			},
		},
	}
	e := New(fake, nil, nil, 0)
	records := []record.BidRecord{{ID: 1, Type: &online, UserCode: strPtr("U1")}}

	out, err := e.Enrich(context.Background(), records, 1, "Li Ming")
	require.NoError(t, err)
	for _, h := range out[0].Results["U1"] {
		assert.Equal(t, 2, h.AggCount)
		assert.True(t, money(300).Equal(h.AggTotal))
	}
}

func TestEngine_Enrich_DefaultsStatusWhitelistAndChunkSize(t *testing.T) {
	fake := &fakeHistoryFetcher{}
	e := New(fake, nil, nil, 0)
	assert.Equal(t, []string{"completed", "settled"}, e.statusWhitelist)
	assert.Equal(t, 100, e.historyChunk)
}
