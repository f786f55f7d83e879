package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/crawlerpool"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/enrich"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/httpcrawler"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/scrape"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/store"
)

type fakeFetcher struct{}

func (fakeFetcher) DealHistory(ctx context.Context, userCodes []string, auctionID int64, statusWhitelist []string, chunkSize int) (map[string]store.Statistics, map[string][]record.HistoryRow, error) {
	return map[string]store.Statistics{
			"GUGU007": {DealCount: 1, TotalPrice: decimal.NewFromInt(1500), HighestPrice: decimal.NewFromInt(1500), DealCountAll: 1, TotalPriceAll: decimal.NewFromInt(1500), HighestPriceAll: decimal.NewFromInt(1500)},
		}, map[string][]record.HistoryRow{
			"GUGU007": {{MatcherName: "Li Ming", Quote: decimal.NewFromInt(1500), AuctionID: 187099}},
		}, nil
}

func newTestFlow(t *testing.T, server *httptest.Server) *Flow {
	t.Helper()

	crawlerCfg := httpcrawler.Config{MaxRetries: 0}
	scrapeCfg := scrape.Config{
		CurrentLot: scrape.Endpoint{URLTemplate: server.URL + "/current"},
		Ledger:     scrape.Endpoint{URLTemplate: server.URL + "/ledger/%d"},
	}

	factory := func() crawlerpool.Scraper {
		c := httpcrawler.New(crawlerCfg, nil, httpcrawler.Hooks{})
		return &pidScraper{client: scrape.New(c, nil, scrapeCfg, nil)}
	}
	currentFactory := func() crawlerpool.CurrentScraper {
		c := httpcrawler.New(crawlerCfg, nil, httpcrawler.Hooks{})
		return &currentProbe{client: scrape.New(c, nil, scrapeCfg, nil)}
	}
	pool := crawlerpool.New(1, factory, currentFactory, nil)
	t.Cleanup(pool.Close)

	primary := httpcrawler.New(crawlerCfg, nil, httpcrawler.Hooks{})
	scraper := scrape.New(primary, nil, scrapeCfg, nil)

	eng := enrich.New(fakeFetcher{}, nil, nil, 0)
	bus := snapshotbus.New()

	return New(pool, eng, bus, nil, scraper, nil, nil, Config{Debounce: 50 * time.Millisecond})
}

func TestFlow_RunOnce_PublishesEnrichedSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/current":
			json.NewEncoder(w).Encode(map[string]any{"id": 187099, "footring": "2025-CN-1234", "matchername": "Li Ming"})
		case "/ledger/187099":
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 1, "code": "BID1", "auctionid": 187099, "pigeonid": 187099, "usercode": "GUGU007", "quote": 1500, "type": "online"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := newTestFlow(t, server)
	f.runOnce(context.Background())

	snap, ok := f.bus.Peek()
	require.True(t, ok)
	assert.Equal(t, 187099, snap.Current.ID)
	assert.Equal(t, "2025-CN-1234", snap.Current.FootRing)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "GUGU007", *snap.Items[0].UserCode)
	require.NotNil(t, snap.Items[0].MatchScore)
	assert.Equal(t, 1.0, *snap.Items[0].MatchScore)
}

func TestFlow_RunOnce_NoCurrentLotPublishesNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newTestFlow(t, server)
	f.runOnce(context.Background())

	_, ok := f.bus.Peek()
	assert.False(t, ok)
}

func TestFlow_Enter_DropsWithinDebounceWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newTestFlow(t, server)
	assert.True(t, f.enter(1))
	assert.False(t, f.enter(1))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, f.enter(1))
}

func TestFlow_Enter_IndependentPerPID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newTestFlow(t, server)
	assert.True(t, f.enter(1))
	assert.True(t, f.enter(2))
}

func TestToMapSlice_DropsNonMappingItems(t *testing.T) {
	out := toMapSlice([]any{map[string]any{"a": 1}, "not a map", 42}, nil)
	assert.Len(t, out, 1)
}
