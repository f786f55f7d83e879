// Package trigger implements the bounded-queue-fed worker pool that routes
// decoded WebSocket events to topic-pattern-matched handlers.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/dropqueue"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/wsframe"
)

// DefaultWorkers matches the original trigger_main.py's n_workers=4.
const DefaultWorkers = 4

// Handler reacts to a routed event. match carries the named capture groups
// from the pattern that matched ev.Topic.
type Handler func(ctx context.Context, ev wsframe.Event, match map[string]string)

// StartupHook runs once after workers start and before traffic is served.
type StartupHook func(ctx context.Context)

type route struct {
	pattern *regexp.Regexp
	handler Handler
}

// Bus pulls frames off a drop-head queue, decodes them, and fans each
// decoded event out to every handler whose registered pattern matches the
// event's topic.
type Bus struct {
	logger *slog.Logger
	opts   wsframe.Options
	queue  *dropqueue.Queue[wsframe.Frame]

	mu           sync.RWMutex
	routes       []route
	startupHooks []StartupHook

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Bus reading frames from queue, decoding with opts.
func New(logger *slog.Logger, queue *dropqueue.Queue[wsframe.Frame], opts wsframe.Options) *Bus {
	return &Bus{logger: logger, queue: queue, opts: opts}
}

// OnTopic registers a handler invoked for every event whose topic matches
// pattern. pattern may use named capture groups, exposed to the handler as
// the match map.
func (b *Bus) OnTopic(pattern string, h Handler) error {
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("trigger: compile pattern %q: %w", pattern, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append(b.routes, route{pattern: rx, handler: h})
	return nil
}

// OnStartup registers a one-shot hook run by RunStartupHooks.
func (b *Bus) OnStartup(fn StartupHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startupHooks = append(b.startupHooks, fn)
}

// PushRaw enqueues a raw frame for decoding and routing.
func (b *Bus) PushRaw(f wsframe.Frame) {
	dropped := b.queue.Dropped()
	b.queue.Put(f)
	if b.queue.Dropped() > dropped {
		metrics.QueueDropsTotal.Inc()
	}
	metrics.QueueDepth.Set(float64(b.queue.Len()))
}

// Start spawns n worker goroutines. Stop cancels them. Calling Start twice
// without an intervening Stop is a programmer error.
func (b *Bus) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = DefaultWorkers
	}
	workerCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	for i := 0; i < n; i++ {
		b.wg.Add(1)
		go b.worker(workerCtx, i)
	}
}

// Stop signals all workers to exit and waits for them to drain.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// RunStartupHooks invokes every registered startup hook once, in
// registration order.
func (b *Bus) RunStartupHooks(ctx context.Context) {
	b.mu.RLock()
	hooks := append([]StartupHook(nil), b.startupHooks...)
	b.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx)
	}
}

func (b *Bus) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		frame, ok := b.queue.Get(ctx)
		metrics.QueueDepth.Set(float64(b.queue.Len()))
		if !ok {
			return
		}
		ev, ok := wsframe.Decode(frame, b.opts)
		if !ok {
			continue
		}
		if ev.Kind != wsframe.KindMQTTPublish {
			continue
		}
		metrics.TriggerWorkersActive.Inc()
		b.dispatch(ctx, ev)
		metrics.TriggerWorkersActive.Dec()
	}
}

// dispatch fans ev out to every matching handler concurrently, swallowing
// per-handler panics and logging them with a structured line rather than
// letting one misbehaving handler take down a worker.
func (b *Bus) dispatch(ctx context.Context, ev wsframe.Event) {
	b.mu.RLock()
	routes := b.routes
	b.mu.RUnlock()

	metrics.TriggerDispatchTotal.WithLabelValues(ev.Topic).Inc()

	var wg sync.WaitGroup
	for _, r := range routes {
		match := r.pattern.FindStringSubmatch(ev.Topic)
		if match == nil {
			continue
		}
		groups := namedGroups(r.pattern, match)

		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					b.logger.Error("trigger: handler panicked",
						slog.String("topic", ev.Topic),
						slog.Any("panic", rec))
				}
			}()
			start := time.Now()
			h(ctx, ev, groups)
			metrics.TriggerHandlerDuration.Observe(time.Since(start).Seconds())
		}(r.handler)
	}
	wg.Wait()
}

func namedGroups(rx *regexp.Regexp, match []string) map[string]string {
	names := rx.SubexpNames()
	groups := make(map[string]string, len(names))
	for i, name := range names {
		if name == "" || i >= len(match) {
			continue
		}
		groups[name] = match[i]
	}
	return groups
}
