// Package scrape implements the auction-site scrape endpoints: paginated
// auction listing, section/pigeon fan-out, the current-lot probe, and
// per-pigeon ledger fetches, each tolerant of the handful of JSON envelope
// shapes the upstream API has been observed to use.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/httpcrawler"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
)

// Endpoint configures one scrape target, mirroring the (url_template,
// params_template, delay, timeout, max_retries) tuple loaded from
// spider.yaml.
type Endpoint struct {
	URLTemplate string
	Params      map[string]string
	Delay       time.Duration
	Timeout     time.Duration
	MaxRetries  int
}

// Config bundles every endpoint this package knows how to scrape.
type Config struct {
	AuctionList Endpoint
	Sections    Endpoint
	Pigeons     Endpoint
	CurrentLot  Endpoint
	Ledger      Endpoint
	PageSize    int
}

func (c Config) pageSize() int {
	if c.PageSize <= 0 {
		return 50
	}
	return c.PageSize
}

// Client issues scrape requests. primary serves single-shot endpoints
// (auction list, current lot); fanout is a round-robin pool of crawlers
// used for section/pigeon fan-out, each independently rate-limited.
type Client struct {
	primary *httpcrawler.Crawler
	fanout  []*httpcrawler.Crawler
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Client. If fanout is empty, primary also serves fan-out
// requests (sequentially, with no independent throttling benefit).
func New(primary *httpcrawler.Crawler, fanout []*httpcrawler.Crawler, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if len(fanout) == 0 {
		fanout = []*httpcrawler.Crawler{primary}
	}
	return &Client{primary: primary, fanout: fanout, cfg: cfg, logger: logger}
}

// CurrentLot is the normalized shape of the current-lot probe response.
type CurrentLot struct {
	ID          int    `json:"id"`
	FootRing    string `json:"footring"`
	MatcherName string `json:"matchername"`
}

// SectionRef identifies a pigeon list fetch target.
type SectionRef struct {
	AuctionID int
	SectionID int
}

// CrawlAllAuctions paginates the auction list from page 1, stopping when a
// page returns fewer than the configured page size or is empty.
func (c *Client) CrawlAllAuctions(ctx context.Context) ([]any, error) {
	defer observeScrape("auction_list", time.Now())
	var all []any
	pageSize := c.cfg.pageSize()

	for page := 1; ; page++ {
		params := url.Values{}
		for k, v := range c.cfg.AuctionList.Params {
			params.Set(k, v)
		}
		params.Set("pageno", strconv.Itoa(page))
		params.Set("pagesize", strconv.Itoa(pageSize))

		res, ok := c.primary.Fetch(ctx, c.cfg.AuctionList.URLTemplate, params, nil, nil)
		if !ok {
			return all, fmt.Errorf("scrape: auction list page %d failed", page)
		}
		items, err := normalizeArray(res.Body)
		if err != nil {
			return all, fmt.Errorf("scrape: auction list page %d: %w", page, err)
		}
		all = append(all, items...)
		if len(items) < pageSize || len(items) == 0 {
			break
		}
	}
	return all, nil
}

// FetchSections fetches the section list for one auction.
func (c *Client) FetchSections(ctx context.Context, auctionID int) ([]any, error) {
	return c.fetchList(ctx, c.primary, c.cfg.Sections, map[string]string{"auction_id": strconv.Itoa(auctionID)})
}

// FetchAllSections fans section-list requests out across the fan-out
// crawler pool, round-robin, after shuffling the input order so the same
// crawler doesn't always draw the same auction.
func (c *Client) FetchAllSections(ctx context.Context, auctionIDs []int) map[int][]any {
	results := fanOut(c.fanout, len(auctionIDs), func(i int, crawler *httpcrawler.Crawler) (int, []any) {
		id := auctionIDs[i]
		items, err := c.fetchList(ctx, crawler, c.cfg.Sections, map[string]string{"auction_id": strconv.Itoa(id)})
		if err != nil {
			c.logger.Warn("scrape: fetch_sections failed", slog.Int("auction_id", id), slog.String("error", err.Error()))
			return id, nil
		}
		return id, items
	})
	return results
}

// FetchPigeons fetches the pigeon list for one section of one auction.
func (c *Client) FetchPigeons(ctx context.Context, ref SectionRef) ([]any, error) {
	return c.fetchList(ctx, c.primary, c.cfg.Pigeons, map[string]string{
		"auction_id": strconv.Itoa(ref.AuctionID),
		"section_id": strconv.Itoa(ref.SectionID),
	})
}

// FetchAllPigeons fans pigeon-list requests out across the fan-out crawler
// pool, analogous to FetchAllSections.
func (c *Client) FetchAllPigeons(ctx context.Context, refs []SectionRef) map[SectionRef][]any {
	return fanOut(c.fanout, len(refs), func(i int, crawler *httpcrawler.Crawler) (SectionRef, []any) {
		ref := refs[i]
		items, err := c.fetchList(ctx, crawler, c.cfg.Pigeons, map[string]string{
			"auction_id": strconv.Itoa(ref.AuctionID),
			"section_id": strconv.Itoa(ref.SectionID),
		})
		if err != nil {
			c.logger.Warn("scrape: fetch_pigeons failed",
				slog.Int("auction_id", ref.AuctionID), slog.Int("section_id", ref.SectionID),
				slog.String("error", err.Error()))
			return ref, nil
		}
		return ref, items
	})
}

// FetchCurrentLot probes for the currently active lot.
func (c *Client) FetchCurrentLot(ctx context.Context) (CurrentLot, bool, error) {
	defer observeScrape("current_lot", time.Now())
	res, ok := c.primary.Fetch(ctx, c.cfg.CurrentLot.URLTemplate, toValues(c.cfg.CurrentLot.Params), nil, nil)
	if !ok {
		metrics.ScrapeResultsTotal.WithLabelValues("current_lot", "error").Inc()
		return CurrentLot{}, false, fmt.Errorf("scrape: current lot probe failed")
	}
	metrics.ScrapeResultsTotal.WithLabelValues("current_lot", "ok").Inc()
	var lot CurrentLot
	if err := json.Unmarshal(res.Body, &lot); err != nil {
		return CurrentLot{}, false, fmt.Errorf("scrape: decode current lot: %w", err)
	}
	return lot, true, nil
}

// FetchBidsForPigeon fetches one pigeon's ledger, tolerating the wider set
// of envelope shapes the ledger endpoint has been observed to return:
// {code,data:[...]}, {bids:[...]}, {records:[...]}, {list:[...]}, a plain
// array, or {data:{<key>:[...]}}.
func (c *Client) FetchBidsForPigeon(ctx context.Context, pid int) ([]any, error) {
	defer observeScrape("ledger", time.Now())
	urlTmpl := fmt.Sprintf(c.cfg.Ledger.URLTemplate, pid)
	res, ok := c.primary.Fetch(ctx, urlTmpl, toValues(c.cfg.Ledger.Params), nil, nil)
	if !ok {
		metrics.ScrapeResultsTotal.WithLabelValues("ledger", "error").Inc()
		return nil, fmt.Errorf("scrape: ledger fetch failed for pid=%d", pid)
	}
	metrics.ScrapeResultsTotal.WithLabelValues("ledger", "ok").Inc()
	return normalizeLedger(res.Body, c.logger)
}

func (c *Client) fetchList(ctx context.Context, crawler *httpcrawler.Crawler, ep Endpoint, extra map[string]string) ([]any, error) {
	defer observeScrape("list", time.Now())
	params := url.Values{}
	for k, v := range ep.Params {
		params.Set(k, v)
	}
	for k, v := range extra {
		params.Set(k, v)
	}
	res, ok := crawler.Fetch(ctx, ep.URLTemplate, params, nil, nil)
	if !ok {
		metrics.ScrapeResultsTotal.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("scrape: request failed")
	}
	metrics.ScrapeResultsTotal.WithLabelValues("list", "ok").Inc()
	return normalizeArray(res.Body)
}

// observeScrape records the duration of a scrape call under endpoint's
// label, from start to now.
func observeScrape(endpoint string, start time.Time) {
	metrics.ScrapeDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// fanOut distributes n work items round-robin across the fanout crawler
// pool's worker count, in a shuffled order, collecting results under a
// mutex. Each of len(crawlers) goroutines processes its assigned subset
// sequentially, so requests issued through the same crawler stay
// serialized (and independently rate-limited) while different crawlers
// run concurrently.
func fanOut[K comparable](crawlers []*httpcrawler.Crawler, n int, work func(i int, crawler *httpcrawler.Crawler) (K, []any)) map[K][]any {
	results := make(map[K][]any, n)
	if n == 0 {
		return results
	}

	order := rand.Perm(n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	perWorker := make([][]int, len(crawlers))
	for i, idx := range order {
		w := i % len(crawlers)
		perWorker[w] = append(perWorker[w], idx)
	}
	for w, indices := range perWorker {
		wg.Add(1)
		go func(indices []int, crawler *httpcrawler.Crawler) {
			defer wg.Done()
			for _, i := range indices {
				key, val := work(i, crawler)
				mu.Lock()
				results[key] = val
				mu.Unlock()
			}
		}(indices, crawlers[w])
	}
	wg.Wait()
	return results
}

func toValues(m map[string]string) url.Values {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

// normalizeArray accepts either a top-level JSON array or an object
// exposing the array under data|list|records.
func normalizeArray(body []byte) ([]any, error) {
	var arr []any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("scrape: response is neither array nor object: %w", err)
	}
	for _, key := range []string{"data", "list", "records"} {
		if v, ok := obj[key]; ok {
			if arr, ok := v.([]any); ok {
				return arr, nil
			}
		}
	}
	return nil, fmt.Errorf("scrape: no array field among data|list|records")
}

// normalizeLedger is normalizeArray widened with the ledger endpoint's
// extra envelope shapes: {code,data:[...]}, {bids:[...]}, {records:[...]},
// {list:[...]}, a plain array, or {data:{<key>:[...]}}. The last of those
// is the non-canonical branch spec.md calls out: conformant implementations
// accept it but log a WARN when it's actually hit.
func normalizeLedger(body []byte, logger *slog.Logger) ([]any, error) {
	if arr, err := normalizeArray(body); err == nil {
		return arr, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("scrape: ledger response unparseable: %w", err)
	}
	for _, key := range []string{"bids", "records", "list"} {
		if v, ok := obj[key]; ok {
			if arr, ok := v.([]any); ok {
				return arr, nil
			}
		}
	}
	if v, ok := obj["data"]; ok {
		if nested, ok := v.(map[string]any); ok {
			for key, inner := range nested {
				if arr, ok := inner.([]any); ok {
					if logger == nil {
						logger = slog.Default()
					}
					logger.Warn("scrape: ledger response used non-canonical data.<key> envelope", slog.String("key", key))
					return arr, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("scrape: unrecognized ledger envelope")
}
