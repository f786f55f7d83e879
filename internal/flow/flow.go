// Package flow wires the Trigger Bus to the Crawler Pool, the Enrichment
// Engine, and the Snapshot Bus, and drives the periodic catalog sweep that
// keeps the relational store current independently of the reactive path.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/contextlookup"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/crawlerpool"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/enrich"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/scrape"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshot"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/store"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/trigger"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/wsframe"
)

// TriggerPattern matches the topic the bus routes to HandleTrigger.
const TriggerPattern = `^pigeon/auctions/(?P<auction>\d+)/pigeons/(?P<pigeon>\d+)$`

// DefaultDebounce and DefaultSweepInterval are the spec's stated defaults.
const (
	DefaultDebounce      = 2 * time.Second
	DefaultSweepInterval = 60 * time.Minute
)

// Config bundles the Flow's tunables.
type Config struct {
	Debounce        time.Duration
	SweepInterval   time.Duration
	StatusWhitelist []string

	// BootstrapPIDs and BootstrapUseCurrent seed the reactive path once at
	// startup, before any broker trigger has arrived.
	BootstrapPIDs       []int
	BootstrapUseCurrent bool
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Flow is the reactive-and-periodic orchestrator.
type Flow struct {
	pool     *crawlerpool.Pool
	engine   *enrich.Engine
	bus      *snapshotbus.Bus
	store    *store.Store
	scraper  *scrape.Client
	ctxTable *contextlookup.Table
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	lastRun map[int]time.Time
}

// New constructs a Flow. ctxTable may be nil, in which case context
// enrichment is skipped (equivalent to an empty table).
func New(pool *crawlerpool.Pool, engine *enrich.Engine, bus *snapshotbus.Bus, st *store.Store, scraper *scrape.Client, ctxTable *contextlookup.Table, logger *slog.Logger, cfg Config) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if ctxTable == nil {
		ctxTable, _ = contextlookup.Load("")
	}
	return &Flow{
		pool:     pool,
		engine:   engine,
		bus:      bus,
		store:    st,
		scraper:  scraper,
		ctxTable: ctxTable,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		lastRun:  make(map[int]time.Time),
	}
}

// Register wires the reactive topic handler and the startup bootstrap hook
// onto bus. The bootstrap hook runs each configured BootstrapPID through
// the same debounce-then-scrape path a live trigger would, then (if
// BootstrapUseCurrent) runs once more unconditionally.
func (f *Flow) Register(bus *trigger.Bus) error {
	if err := bus.OnTopic(TriggerPattern, f.handleTrigger); err != nil {
		return fmt.Errorf("flow: register trigger pattern: %w", err)
	}
	bus.OnStartup(func(ctx context.Context) { f.bootstrap(ctx) })
	return nil
}

// bootstrap seeds the reactive path at startup: one debounced run per
// configured PID, then an unconditional run when BootstrapUseCurrent is set.
func (f *Flow) bootstrap(ctx context.Context) {
	for _, pid := range f.cfg.BootstrapPIDs {
		if !f.enter(pid) {
			continue
		}
		f.logger.Info("flow: bootstrap run", slog.Int("pid", pid))
		f.runOnce(ctx)
	}
	if f.cfg.BootstrapUseCurrent {
		f.logger.Info("flow: bootstrap run (current lot)")
		f.runOnce(ctx)
	}
}

// handleTrigger debounces per-PID, then runs the scrape/enrich/publish
// chain once. The PID named in the topic only gates debounce; which lot is
// actually scraped is resolved independently via the current-lot probe.
func (f *Flow) handleTrigger(ctx context.Context, ev wsframe.Event, match map[string]string) {
	pid, err := strconv.Atoi(match["pigeon"])
	if err != nil {
		f.logger.Warn("flow: trigger with non-numeric pigeon id", slog.String("raw", match["pigeon"]))
		return
	}
	if !f.enter(pid) {
		f.logger.Debug("flow: dropped trigger inside debounce window", slog.Int("pid", pid))
		metrics.FlowDebounceDropsTotal.Inc()
		return
	}
	f.runOnce(ctx)
}

// DebounceState is a point-in-time snapshot of the per-PID debounce map,
// exposed for operational introspection.
type DebounceState struct {
	PID          int       `json:"pid"`
	LastRun      time.Time `json:"last_run"`
	CoolingUntil time.Time `json:"cooling_until"`
}

// Stats reports the current debounce map, for the debug endpoint.
func (f *Flow) Stats() []DebounceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DebounceState, 0, len(f.lastRun))
	for pid, last := range f.lastRun {
		out = append(out, DebounceState{PID: pid, LastRun: last, CoolingUntil: last.Add(f.cfg.Debounce)})
	}
	return out
}

// enter reports whether pid may run now, recording the attempt's timestamp
// when it does. Calls inside the debounce window are dropped.
func (f *Flow) enter(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if last, ok := f.lastRun[pid]; ok && now.Sub(last) < f.cfg.Debounce {
		return false
	}
	f.lastRun[pid] = now
	return true
}

// runOnce resolves the current lot, scrapes its ledger, enriches it, and
// publishes the resulting snapshot. The Crawler Pool's dedicated
// current-lot slot already serializes concurrent resolutions, so no
// additional "running" state is tracked here.
func (f *Flow) runOnce(ctx context.Context) {
	pid, raw, ok, err := f.pool.RunCurrentOnce(ctx)
	if err != nil {
		f.logger.Error("flow: run_current_once failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		f.logger.Debug("flow: no current lot")
		return
	}

	rows, _ := raw.([]any)
	records, err := record.NewBidRecordBatch(toMapSlice(rows, f.logger), false, f.logger)
	if err != nil {
		f.logger.Error("flow: bid record batch construction failed", slog.Int("pid", pid), slog.String("error", err.Error()))
		return
	}

	lot, lotOK, err := f.scraper.FetchCurrentLot(ctx)
	if err != nil || !lotOK {
		f.logger.Error("flow: current lot meta fetch failed", slog.Int("pid", pid))
		return
	}

	var auctionID int64
	if len(records) > 0 {
		auctionID = records[0].AuctionID
	}
	records, err = f.engine.Enrich(ctx, records, auctionID, lot.MatcherName)
	if err != nil {
		f.logger.Error("flow: enrichment failed", slog.Int("pid", pid), slog.String("error", err.Error()))
		return
	}

	cur := snapshot.CurrentLot{ID: lot.ID, FootRing: lot.FootRing, MatcherName: lot.MatcherName}
	if row, ok := f.ctxTable.Lookup(lot.FootRing); ok {
		cur.Context = row
	}

	snap := snapshot.New(time.Now().UnixMilli(), cur, records)
	f.bus.Publish(snap)
	f.logger.Info("flow: snapshot published", slog.Int("pid", pid), slog.Int("items", len(records)))
}

// StartSweepLoop runs RunSweep every cfg.SweepInterval until ctx is done.
// Sweep failures are logged and never propagate to the reactive flow.
func (f *Flow) StartSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.RunSweep(ctx); err != nil {
				f.logger.Error("flow: periodic sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunSweep refreshes auctions, then sections for unfinished auctions, then
// pigeons for those sections, upserting each level and sweeping stale rows
// to finished along the way.
func (f *Flow) RunSweep(ctx context.Context) error {
	defer func(start time.Time) { metrics.FlowSweepDuration.Observe(time.Since(start).Seconds()) }(time.Now())
	rawAuctions, err := f.scraper.CrawlAllAuctions(ctx)
	if err != nil {
		return fmt.Errorf("flow: sweep auction list: %w", err)
	}
	auctions := buildAuctions(rawAuctions, f.logger)
	if err := f.store.UpsertAuctions(ctx, auctions); err != nil {
		return fmt.Errorf("flow: sweep upsert auctions: %w", err)
	}

	presentAuctionIDs := make([]int64, len(auctions))
	statusByID := make(map[int64]*string, len(auctions))
	for i, a := range auctions {
		presentAuctionIDs[i] = a.ID
		statusByID[a.ID] = a.StatusName
	}
	if err := f.store.SweepFinishedAuctions(ctx, presentAuctionIDs, record.StatusFinished); err != nil {
		f.logger.Warn("flow: sweep finished auctions failed", slog.String("error", err.Error()))
	}

	unfinished, err := f.store.UnfinishedAuctionIDs(ctx, record.StatusFinished)
	if err != nil {
		return fmt.Errorf("flow: sweep unfinished auctions: %w", err)
	}
	auctionIDs := make([]int, len(unfinished))
	for i, id := range unfinished {
		auctionIDs[i] = int(id)
	}

	sectionsByAuction := f.scraper.FetchAllSections(ctx, auctionIDs)
	var allSections []record.Section
	for auctionID, rawSections := range sectionsByAuction {
		allSections = append(allSections, buildSections(rawSections, statusByID[int64(auctionID)], f.logger)...)
	}
	if err := f.store.UpsertSections(ctx, allSections); err != nil {
		return fmt.Errorf("flow: sweep upsert sections: %w", err)
	}

	refs := make([]scrape.SectionRef, len(allSections))
	for i, sec := range allSections {
		refs[i] = scrape.SectionRef{AuctionID: int(sec.AuctionID), SectionID: int(sec.ID)}
	}
	pigeonsByRef := f.scraper.FetchAllPigeons(ctx, refs)

	pigeonsByAuction := make(map[int64][]record.Pigeon)
	for _, rawPigeons := range pigeonsByRef {
		for _, p := range buildPigeons(rawPigeons, f.logger) {
			pigeonsByAuction[p.AuctionID] = append(pigeonsByAuction[p.AuctionID], p)
		}
	}

	var allPigeons []record.Pigeon
	for _, ps := range pigeonsByAuction {
		allPigeons = append(allPigeons, ps...)
	}
	if err := f.store.UpsertPigeons(ctx, allPigeons); err != nil {
		return fmt.Errorf("flow: sweep upsert pigeons: %w", err)
	}

	for auctionID, ps := range pigeonsByAuction {
		ids := make([]int64, len(ps))
		for i, p := range ps {
			ids[i] = p.ID
		}
		if err := f.store.SweepFinished(ctx, auctionID, ids, record.StatusFinished); err != nil {
			f.logger.Warn("flow: sweep finished pigeons failed", slog.Int64("auction_id", auctionID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func buildAuctions(rows []any, logger *slog.Logger) []record.Auction {
	out := make([]record.Auction, 0, len(rows))
	for i, m := range toMapSlice(rows, logger) {
		a, err := record.NewAuction(m, logger)
		if err != nil {
			logger.Warn("flow: skipping auction row", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		out = append(out, a)
	}
	return out
}

func buildSections(rows []any, auctionStatus *string, logger *slog.Logger) []record.Section {
	out := make([]record.Section, 0, len(rows))
	for i, m := range toMapSlice(rows, logger) {
		s, err := record.NewSection(m, auctionStatus, logger)
		if err != nil {
			logger.Warn("flow: skipping section row", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		out = append(out, s)
	}
	return out
}

func buildPigeons(rows []any, logger *slog.Logger) []record.Pigeon {
	out := make([]record.Pigeon, 0, len(rows))
	for i, m := range toMapSlice(rows, logger) {
		p, err := record.NewPigeon(m, logger)
		if err != nil {
			logger.Warn("flow: skipping pigeon row", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		out = append(out, p)
	}
	return out
}

// toMapSlice coerces each element to map[string]any, dropping non-mapping
// items with a warning.
func toMapSlice(rows []any, logger *slog.Logger) []map[string]any {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			logger.Warn("flow: dropping non-mapping ledger row", slog.Int("index", i))
			continue
		}
		out = append(out, m)
	}
	return out
}
