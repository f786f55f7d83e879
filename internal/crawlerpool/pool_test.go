package crawlerpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScraper struct {
	id        int
	mu        sync.Mutex
	inflight  int
	maxInflight int
	calls     int32
	panicOn   int
}

func (f *fakeScraper) RunCrawl(ctx context.Context, pid int) (any, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	n := atomic.AddInt32(&f.calls, 1)
	if f.panicOn != 0 && int(n) == f.panicOn {
		panic("simulated scraper failure")
	}
	time.Sleep(2 * time.Millisecond)
	return fmt.Sprintf("scraper-%d:pid-%d", f.id, pid), nil
}

func (f *fakeScraper) Close() error { return nil }

type fakeCurrent struct {
	pid int
	ok  bool
}

func (f *fakeCurrent) GetCurrentPigeonID(ctx context.Context) (int, bool, error) {
	return f.pid, f.ok, nil
}
func (f *fakeCurrent) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_RoundRobinDispatch(t *testing.T) {
	var nextID int32
	factory := func() Scraper {
		id := atomic.AddInt32(&nextID, 1)
		return &fakeScraper{id: int(id)}
	}
	pool := New(3, factory, func() CurrentScraper { return &fakeCurrent{} }, discardLogger())
	defer pool.Close()

	var slots []int
	for i := 0; i < 6; i++ {
		idx, _, err := pool.RunPid(context.Background(), i)
		require.NoError(t, err)
		slots = append(slots, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, slots)
}

func TestPool_SerializesCallsWithinASlot(t *testing.T) {
	scraper := &fakeScraper{id: 1}
	pool := New(1, func() Scraper { return scraper }, func() CurrentScraper { return &fakeCurrent{} }, discardLogger())
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			_, _, err := pool.RunPid(context.Background(), pid)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, scraper.maxInflight)
}

func TestPool_RunCurrentOnceNoCurrentLot(t *testing.T) {
	pool := New(1, func() Scraper { return &fakeScraper{id: 1} }, func() CurrentScraper { return &fakeCurrent{ok: false} }, discardLogger())
	defer pool.Close()

	pid, result, ok, err := pool.RunCurrentOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, pid)
	assert.Nil(t, result)
}

func TestPool_RunCurrentOnceScrapesResolvedPid(t *testing.T) {
	pool := New(1, func() Scraper { return &fakeScraper{id: 1} }, func() CurrentScraper { return &fakeCurrent{pid: 187099, ok: true} }, discardLogger())
	defer pool.Close()

	pid, result, ok, err := pool.RunCurrentOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 187099, pid)
	assert.Equal(t, "scraper-1:pid-187099", result)
}

func TestPool_SlotSelfHealsAfterPanic(t *testing.T) {
	scraper := &fakeScraper{id: 1, panicOn: 2}
	pool := New(1, func() Scraper { return scraper }, func() CurrentScraper { return &fakeCurrent{} }, discardLogger())
	defer pool.Close()

	_, _, err := pool.RunPid(context.Background(), 1)
	require.NoError(t, err)

	_, _, err = pool.RunPid(context.Background(), 2)
	assert.Error(t, err)

	_, result, err := pool.RunPid(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "scraper-1:pid-3", result)
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	pool := New(2, func() Scraper { return &fakeScraper{id: 1} }, func() CurrentScraper { return &fakeCurrent{} }, discardLogger())
	pool.Close()
	pool.Close()
}
