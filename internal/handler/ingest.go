package handler

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/trigger"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/wsframe"
)

// ingestFrame is the wire shape the browser/automation layer posts for
// every intercepted WebSocket message: binary payloads arrive
// base64-encoded, text payloads arrive as-is.
type ingestFrame struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// IngestHandler accepts pushed {url, kind, data} frames from the
// browser/automation layer and enqueues them onto the Trigger Bus.
type IngestHandler struct {
	bus    *trigger.Bus
	logger *slog.Logger
}

// NewIngestHandler builds an IngestHandler feeding bus.
func NewIngestHandler(bus *trigger.Bus, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{bus: bus, logger: logger}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var in ingestFrame
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.logger.Warn("ingest: malformed frame body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	frame := wsframe.Frame{URL: in.URL}
	switch in.Kind {
	case string(wsframe.FrameText):
		frame.Kind = wsframe.FrameText
		frame.Data = []byte(in.Data)
	case string(wsframe.FrameBinary):
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			h.logger.Warn("ingest: invalid base64 binary payload", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		frame.Kind = wsframe.FrameBinary
		frame.Data = data
	default:
		h.logger.Warn("ingest: unrecognized frame kind", slog.String("kind", in.Kind))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.bus.PushRaw(frame)
	w.WriteHeader(http.StatusAccepted)
}
