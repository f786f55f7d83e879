// Package sse serves the Snapshot Bus's latest value to browsers over
// Server-Sent Events, with an initial frame on connect and keep-alive
// comments while idle.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/middleware"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
)

// KeepAliveInterval is the wait_update timeout between keep-alive comments.
const KeepAliveInterval = 15 * time.Second

// DefaultIntervalMS and MinIntervalMS bound the client-requested minimum
// spacing between consecutive "bids" frames on one connection.
const (
	DefaultIntervalMS = 500
	MinIntervalMS     = 50
)

// Handler serves /sse/pigeon.
type Handler struct {
	bus    *snapshotbus.Bus
	logger *slog.Logger
}

// NewHandler builds a Handler around bus.
func NewHandler(bus *snapshotbus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, logger: logger}
}

// ServeHTTP streams bids snapshots as they are published.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	interval := parseIntervalMS(r.URL.Query().Get("interval_ms"))

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Encoding", "identity")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	requestID := middleware.GetRequestID(r.Context())
	h.logger.Info("sse_connection_opened", slog.String("request_id", requestID))
	metrics.SSESubscribersActive.Inc()
	defer metrics.SSESubscribersActive.Dec()
	defer h.logger.Info("sse_connection_closed", slog.String("request_id", requestID))

	var lastSent time.Time
	if snap, ok := h.bus.Peek(); ok {
		if err := writeFrame(w, "bids", snap); err != nil {
			return
		}
		flusher.Flush()
		metrics.SSEMessagesSent.WithLabelValues("bids").Inc()
		lastSent = time.Now()
	}

	ctx := r.Context()
	for {
		snap, ok := h.bus.WaitUpdate(ctx, KeepAliveInterval)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !ok {
			if _, err := w.Write([]byte(":\n\n")); err != nil {
				return
			}
			flusher.Flush()
			metrics.SSEMessagesSent.WithLabelValues("keepalive").Inc()
			continue
		}

		if since := time.Since(lastSent); since < interval {
			select {
			case <-time.After(interval - since):
			case <-ctx.Done():
				return
			}
			if latest, ok := h.bus.Peek(); ok {
				snap = latest
			}
		}

		if err := writeFrame(w, "bids", snap); err != nil {
			return
		}
		flusher.Flush()
		metrics.SSEMessagesSent.WithLabelValues("bids").Inc()
		lastSent = time.Now()
	}
}

// parseIntervalMS reads the interval_ms query parameter, defaulting and
// clamping per the transport's contract.
func parseIntervalMS(raw string) time.Duration {
	ms := DefaultIntervalMS
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			ms = v
		}
	}
	if ms < MinIntervalMS {
		ms = MinIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

func writeFrame(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// writeError emits a single error frame instead of a protocol error, per
// the transport's error-framing contract.
func (h *Handler) writeError(w http.ResponseWriter, code, message string) {
	body := map[string]any{
		"code":    code,
		"message": message,
		"ts":      time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(body)
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	metrics.SSEMessagesSent.WithLabelValues("error").Inc()
}
