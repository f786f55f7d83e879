package wsframe

// Kind enumerates the domain event kinds the decoder can emit.
type Kind string

const (
	KindMQTTPublish Kind = "mqtt_publish"
	KindBinary      Kind = "binary"
	KindWSText      Kind = "ws_text"
)

// FrameKind is the raw WebSocket frame kind reported by the browser tap.
type FrameKind string

const (
	FrameText   FrameKind = "text"
	FrameBinary FrameKind = "binary"
)

// Frame is the interface-boundary shape pushed by the browser/automation
// layer: {url, kind, data}. Binary payloads arrive base64-decoded into Data
// by the caller before reaching Decode.
type Frame struct {
	URL  string
	Kind FrameKind
	Data []byte
}

// Event is the decoded domain event produced from a Frame.
type Event struct {
	Kind           Kind
	URL            string
	Topic          string
	PayloadPreview string
	Length         int
}

// textPreviewBytes bounds ws_text payload previews.
const textPreviewBytes = 256

// Options configures which non-PUBLISH frames the decoder surfaces.
type Options struct {
	// TriggerText, when true, emits ws_text events for text frames.
	TriggerText bool
	// MinBinLen is the minimum binary buffer length considered for
	// decoding; shorter buffers are dropped.
	MinBinLen int
	// SurfaceOtherBinary, when true, emits a generic "binary" event for
	// binary frames that are neither heartbeats nor MQTT PUBLISH packets.
	SurfaceOtherBinary bool
}

// DefaultOptions mirrors the original sniffer's defaults.
func DefaultOptions() Options {
	return Options{TriggerText: false, MinBinLen: 10, SurfaceOtherBinary: false}
}

// Decode turns a single Frame into an Event, or returns ok=false when the
// frame carries no event worth routing (heartbeat, too-short buffer, or a
// text frame with TriggerText disabled).
func Decode(f Frame, opts Options) (Event, bool) {
	switch f.Kind {
	case FrameText:
		if !opts.TriggerText {
			return Event{}, false
		}
		return Event{
			Kind:           KindWSText,
			URL:            f.URL,
			PayloadPreview: previewUTF8(f.Data, textPreviewBytes),
		}, true

	case FrameBinary:
		if IsPing(f.Data) {
			return Event{}, false
		}
		if len(f.Data) < opts.MinBinLen {
			return Event{}, false
		}
		if pub, err := decodePublish(f.Data); err == nil {
			return Event{
				Kind:           KindMQTTPublish,
				URL:            f.URL,
				Topic:          pub.topic,
				PayloadPreview: previewUTF8(f.Data[pub.payloadStart:pub.payloadEnd], previewBytes),
			}, true
		}
		if opts.SurfaceOtherBinary {
			return Event{Kind: KindBinary, URL: f.URL, Length: len(f.Data)}, true
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
