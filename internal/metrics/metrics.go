// Package metrics exposes the pipeline's Prometheus collectors, grounded
// on the teacher's promauto-based metrics.go, re-themed from the vehicle
// auction's domain to this one's ingest/crawl/store/SSE pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ==========================================================================
	// HTTP Metrics
	// ==========================================================================
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// ==========================================================================
	// Ingest Queue Metrics (Drop-Head Queue, §4.B)
	// ==========================================================================
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current depth of the MQTT-frame ingest queue",
		},
	)

	QueueDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_queue_drops_total",
			Help: "Total number of events dropped from the head of the ingest queue under backpressure",
		},
	)

	// ==========================================================================
	// Trigger Bus Metrics
	// ==========================================================================
	TriggerDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_dispatch_total",
			Help: "Total number of topic events dispatched to matching handlers",
		},
		[]string{"topic"},
	)

	TriggerWorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trigger_workers_active",
			Help: "Number of trigger-bus worker goroutines currently processing a handler",
		},
	)

	TriggerHandlerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trigger_handler_duration_seconds",
			Help:    "Time spent running a single trigger handler",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// ==========================================================================
	// Crawler Pool Metrics
	// ==========================================================================
	CrawlerPoolSlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_pool_slots_busy",
			Help: "Number of crawler pool slots currently running a crawl",
		},
	)

	CrawlerPoolRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_pool_rebuilds_total",
			Help: "Total number of crawler pool slots rebuilt after a scraper panic",
		},
	)

	// ==========================================================================
	// Scrape Metrics
	// ==========================================================================
	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_duration_seconds",
			Help:    "Duration of a single scrape endpoint call",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	ScrapeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_results_total",
			Help: "Total scrape calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: ok, error
	)

	// ==========================================================================
	// Store Adapter Metrics
	// ==========================================================================
	StoreUpsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_upsert_duration_seconds",
			Help:    "Duration of a batch upsert against the relational store",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"table"},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_retries_total",
			Help: "Total number of deadlock-triggered retries against the relational store",
		},
		[]string{"table"},
	)

	// ==========================================================================
	// Enrichment Metrics
	// ==========================================================================
	EnrichDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrich_duration_seconds",
			Help:    "Duration of one enrichment/ranking pass over a bid batch",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)

	// ==========================================================================
	// Snapshot / SSE Metrics
	// ==========================================================================
	SnapshotsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshots_published_total",
			Help: "Total number of enriched snapshots published to the snapshot bus",
		},
	)

	SSESubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_subscribers_active",
			Help: "Number of active SSE subscribers on /sse/pigeon",
		},
	)

	SSEMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_messages_sent_total",
			Help: "Total SSE messages sent",
		},
		[]string{"event_type"}, // bids, keepalive, error
	)

	// ==========================================================================
	// Flow Orchestrator Metrics
	// ==========================================================================
	FlowDebounceDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_debounce_drops_total",
			Help: "Total number of reactive triggers dropped inside the per-PID debounce window",
		},
	)

	FlowSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flow_sweep_duration_seconds",
			Help:    "Duration of a full periodic catalog sweep",
			Buckets: []float64{.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)
