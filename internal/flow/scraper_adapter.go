package flow

import (
	"context"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/crawlerpool"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/scrape"
)

// pidScraper adapts a scrape.Client to crawlerpool.Scraper. The client's
// crawler, with its rate limiter and session state, may be shared with
// other slots, as NewPidScraperFactory does.
type pidScraper struct {
	client *scrape.Client
}

func (s *pidScraper) RunCrawl(ctx context.Context, pid int) (any, error) {
	return s.client.FetchBidsForPigeon(ctx, pid)
}

func (s *pidScraper) Close() error { return nil }

// currentProbe adapts a scrape.Client to crawlerpool.CurrentScraper.
type currentProbe struct {
	client *scrape.Client
}

func (s *currentProbe) GetCurrentPigeonID(ctx context.Context) (int, bool, error) {
	lot, ok, err := s.client.FetchCurrentLot(ctx)
	if err != nil || !ok {
		return 0, false, err
	}
	return lot.ID, true, nil
}

func (s *currentProbe) Close() error { return nil }

var _ crawlerpool.Scraper = (*pidScraper)(nil)
var _ crawlerpool.CurrentScraper = (*currentProbe)(nil)

// NewPidScraperFactory builds the crawlerpool.Scraper factory closure the
// composition root passes to crawlerpool.New: one pidScraper per slot,
// all sharing client's rate-limited transport.
func NewPidScraperFactory(client *scrape.Client) func() crawlerpool.Scraper {
	return func() crawlerpool.Scraper { return &pidScraper{client: client} }
}

// NewCurrentProbeFactory builds the crawlerpool.CurrentScraper factory
// closure for the pool's dedicated current-lot slot.
func NewCurrentProbeFactory(client *scrape.Client) func() crawlerpool.CurrentScraper {
	return func() crawlerpool.CurrentScraper { return &currentProbe{client: client} }
}
