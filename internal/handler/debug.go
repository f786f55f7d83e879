package handler

import (
	"encoding/json"
	"net/http"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/crawlerpool"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/dropqueue"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/flow"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/wsframe"
)

// DebugHandler exposes internal pipeline state as JSON for operators,
// following the teacher's internal-state-dump idiom.
type DebugHandler struct {
	pool  *crawlerpool.Pool
	queue *dropqueue.Queue[wsframe.Frame]
	flow  *flow.Flow
}

// NewDebugHandler builds a DebugHandler around the pipeline's components.
func NewDebugHandler(pool *crawlerpool.Pool, queue *dropqueue.Queue[wsframe.Frame], f *flow.Flow) *DebugHandler {
	return &DebugHandler{pool: pool, queue: queue, flow: f}
}

// Pool reports crawler pool slot counts.
func (h *DebugHandler) Pool(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"slots": h.pool.Size(),
	})
}

// Queue reports the ingest queue's current depth and lifetime drop count.
func (h *DebugHandler) Queue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"depth":   h.queue.Len(),
		"dropped": h.queue.Dropped(),
	})
}

// Flow reports the flow orchestrator's per-PID debounce state.
func (h *DebugHandler) Flow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"debounce": h.flow.Stats(),
	})
}
