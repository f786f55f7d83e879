package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
)

// TriggerHandler serves POST /api/trigger: the last published snapshot, or
// a structured 503 error payload when nothing has been published yet.
type TriggerHandler struct {
	bus *snapshotbus.Bus
}

// NewTriggerHandler builds a TriggerHandler around bus.
func NewTriggerHandler(bus *snapshotbus.Bus) *TriggerHandler {
	return &TriggerHandler{bus: bus}
}

func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap, ok := h.bus.Peek()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "no_snapshot",
			"message": "no snapshot has been published yet",
			"ts":      time.Now().UnixMilli(),
		})
		return
	}
	json.NewEncoder(w).Encode(snap)
}
