// Package crawlerpool manages a fixed-size pool of persistent scraper
// instances, each pinned to its own goroutine so a single scraper is never
// entered concurrently. Dispatch is round-robin; a slot that panics is
// rebuilt rather than left dead.
package crawlerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
)

// Scraper performs one blocking scrape for a given pigeon id. Implementations
// are not expected to be safe for concurrent use; the pool guarantees a
// single slot goroutine ever calls a given instance.
type Scraper interface {
	RunCrawl(ctx context.Context, pid int) (any, error)
	Close() error
}

// CurrentScraper resolves the pigeon id of the currently active lot.
type CurrentScraper interface {
	GetCurrentPigeonID(ctx context.Context) (pid int, ok bool, err error)
	Close() error
}

// ErrClosed is returned by pool operations invoked after Close.
var ErrClosed = errors.New("crawlerpool: pool closed")

type job struct {
	ctx    context.Context
	pid    int
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// slot owns one persistent scraper and the single goroutine permitted to
// touch it. A slot self-heals: if the scraper panics mid-call, the slot
// rebuilds a fresh instance rather than propagating the panic to the pool.
type slot struct {
	index   int
	factory func() Scraper
	logger  *slog.Logger

	work chan job
	stop chan struct{}
	done chan struct{}
}

func newSlot(index int, factory func() Scraper, logger *slog.Logger) *slot {
	s := &slot{
		index:   index,
		factory: factory,
		logger:  logger,
		work:    make(chan job),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *slot) run() {
	defer close(s.done)
	scraper := s.factory()
	for {
		select {
		case <-s.stop:
			scraper.Close()
			return
		case j := <-s.work:
			metrics.CrawlerPoolSlotsBusy.Inc()
			value, err := s.callSafely(scraper, j)
			if err == errSlotPanicked {
				s.logger.Warn("crawlerpool: slot recovering from panic", slog.Int("slot", s.index))
				scraper.Close()
				scraper = s.factory()
				metrics.CrawlerPoolRebuildsTotal.Inc()
				err = fmt.Errorf("crawlerpool: slot %d recovered after panic", s.index)
				value = nil
			}
			metrics.CrawlerPoolSlotsBusy.Dec()
			j.result <- jobResult{value: value, err: err}
		}
	}
}

var errSlotPanicked = errors.New("crawlerpool: slot panicked")

func (s *slot) callSafely(scraper Scraper, j job) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("crawlerpool: scraper panicked", slog.Int("slot", s.index), slog.Any("panic", rec))
			err = errSlotPanicked
		}
	}()
	return scraper.RunCrawl(j.ctx, j.pid)
}

func (s *slot) submit(ctx context.Context, pid int) (any, error) {
	result := make(chan jobResult, 1)
	select {
	case s.work <- job{ctx: ctx, pid: pid, result: result}:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slot) close() {
	close(s.stop)
	<-s.done
}

// currentSlot is the dedicated single-slot worker serializing access to the
// current-lot scraper, analogous to the original's "current" executor.
type currentSlot struct {
	factory func() CurrentScraper
	logger  *slog.Logger

	mu      sync.Mutex
	scraper CurrentScraper
	work    chan func(CurrentScraper)
	stop    chan struct{}
	done    chan struct{}
}

func newCurrentSlot(factory func() CurrentScraper, logger *slog.Logger) *currentSlot {
	c := &currentSlot{
		factory: factory,
		logger:  logger,
		work:    make(chan func(CurrentScraper)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *currentSlot) run() {
	defer close(c.done)
	scraper := c.factory()
	for {
		select {
		case <-c.stop:
			scraper.Close()
			return
		case fn := <-c.work:
			c.callSafely(scraper, fn)
		}
	}
}

func (c *currentSlot) callSafely(scraper CurrentScraper, fn func(CurrentScraper)) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("crawlerpool: current scraper panicked", slog.Any("panic", rec))
		}
	}()
	fn(scraper)
}

func (c *currentSlot) getCurrentPID(ctx context.Context) (int, bool, error) {
	type res struct {
		pid int
		ok  bool
		err error
	}
	out := make(chan res, 1)
	task := func(s CurrentScraper) {
		pid, ok, err := s.GetCurrentPigeonID(ctx)
		out <- res{pid, ok, err}
	}
	select {
	case c.work <- task:
	case <-c.done:
		return 0, false, ErrClosed
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	select {
	case r := <-out:
		return r.pid, r.ok, r.err
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (c *currentSlot) close() {
	close(c.stop)
	<-c.done
}

// Pool is a fixed-size set of persistent, slot-affine scraper instances.
type Pool struct {
	logger *slog.Logger
	slots  []*slot
	rr     atomic.Uint64
	cur    *currentSlot

	closeOnce sync.Once
}

// New builds a pool of size slots, each producing its scraper via factory,
// plus one dedicated current-lot slot from currentFactory.
func New(size int, factory func() Scraper, currentFactory func() CurrentScraper, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	slots := make([]*slot, size)
	for i := range slots {
		slots[i] = newSlot(i, factory, logger)
	}
	return &Pool{
		logger: logger,
		slots:  slots,
		cur:    newCurrentSlot(currentFactory, logger),
	}
}

// RunPid schedules a blocking scrape on a round-robin slot and returns which
// slot served it alongside the scraper's result.
func (p *Pool) RunPid(ctx context.Context, pid int) (slotIndex int, result any, err error) {
	idx := int(p.rr.Add(1)-1) % len(p.slots)
	value, err := p.slots[idx].submit(ctx, pid)
	return idx, value, err
}

// GetCurrentPID resolves the currently active lot's pigeon id, if any.
func (p *Pool) GetCurrentPID(ctx context.Context) (pid int, ok bool, err error) {
	return p.cur.getCurrentPID(ctx)
}

// RunCurrentOnce resolves the current pid then scrapes it. ok is false when
// there is no current lot.
func (p *Pool) RunCurrentOnce(ctx context.Context) (pid int, result any, ok bool, err error) {
	pid, ok, err = p.GetCurrentPID(ctx)
	if err != nil || !ok {
		return 0, nil, false, err
	}
	_, result, err = p.RunPid(ctx, pid)
	return pid, result, true, err
}

// Close shuts down every slot exactly once, in index order, then the
// current slot.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, s := range p.slots {
			s.close()
		}
		p.cur.close()
	})
}

// Size reports the number of pid-scrape slots.
func (p *Pool) Size() int { return len(p.slots) }
