package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/httpcrawler"
)

func newCrawler() *httpcrawler.Crawler {
	return httpcrawler.New(httpcrawler.Config{MinDelay: 0, MaxDelay: 0}, nil, httpcrawler.Hooks{})
}

func TestCrawlAllAuctions_StopsOnShortPage(t *testing.T) {
	var page int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&page, 1)
		if n == 1 {
			w.Write([]byte(`[{"id":1},{"id":2}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(newCrawler(), nil, Config{AuctionList: Endpoint{URLTemplate: srv.URL}, PageSize: 2}, nil)
	items, err := c.CrawlAllAuctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCrawlAllAuctions_AcceptsObjectEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":1}]}`))
	}))
	defer srv.Close()

	c := New(newCrawler(), nil, Config{AuctionList: Endpoint{URLTemplate: srv.URL}, PageSize: 50}, nil)
	items, err := c.CrawlAllAuctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFetchAllSections_CoversEveryAuction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("auction_id")
		w.Write([]byte(fmt.Sprintf(`[{"section_for":%s}]`, id)))
	}))
	defer srv.Close()

	fanout := []*httpcrawler.Crawler{newCrawler(), newCrawler(), newCrawler()}
	c := New(newCrawler(), fanout, Config{Sections: Endpoint{URLTemplate: srv.URL}}, nil)

	ids := []int{1, 2, 3, 4, 5}
	results := c.FetchAllSections(context.Background(), ids)
	assert.Len(t, results, 5)
	for _, id := range ids {
		assert.Len(t, results[id], 1)
	}
}

func TestFetchCurrentLot_DecodesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":187099,"footring":"NL-23-1234567","matchername":"J. Doe"}`))
	}))
	defer srv.Close()

	c := New(newCrawler(), nil, Config{CurrentLot: Endpoint{URLTemplate: srv.URL}}, nil)
	lot, ok, err := c.FetchCurrentLot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 187099, lot.ID)
	assert.Equal(t, "NL-23-1234567", lot.FootRing)
	assert.Equal(t, "J. Doe", lot.MatcherName)
}

func TestFetchBidsForPigeon_NormalizesEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"code data array", `{"code":0,"data":[{"quote":1}]}`},
		{"bids key", `{"bids":[{"quote":1}]}`},
		{"records key", `{"records":[{"quote":1}]}`},
		{"list key", `{"list":[{"quote":1}]}`},
		{"plain array", `[{"quote":1}]`},
		{"nested data object", `{"data":{"bids":[{"quote":1}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(newCrawler(), nil, Config{Ledger: Endpoint{URLTemplate: srv.URL + "/%d"}}, nil)
			items, err := c.FetchBidsForPigeon(context.Background(), 187099)
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestFetchBidsForPigeon_UnrecognizedEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected":true}`))
	}))
	defer srv.Close()

	c := New(newCrawler(), nil, Config{Ledger: Endpoint{URLTemplate: srv.URL + "/%d"}}, nil)
	_, err := c.FetchBidsForPigeon(context.Background(), 1)
	assert.Error(t, err)
}
