// Package snapshot defines the wire shape published on the Snapshot Bus and
// served to browsers over Server-Sent Events.
package snapshot

import "github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/record"

// Type is the fixed event type tag carried on every snapshot.
const Type = "pigeon/bids"

// SchemaVersion is the wire schema version tag.
const SchemaVersion = "1.0"

// CurrentLot is the current lot's meta, plus an optional context row
// attached by the ring-number side-table lookup.
type CurrentLot struct {
	ID          int            `json:"id"`
	FootRing    string         `json:"footring"`
	MatcherName string         `json:"matchername"`
	Context     map[string]any `json:"content,omitempty"`
}

// Snapshot is one published enrichment result covering the current lot and
// its ranked bidders.
type Snapshot struct {
	Type          string              `json:"type"`
	SchemaVersion string              `json:"schema_version"`
	Ts            int64               `json:"ts"`
	Current       CurrentLot          `json:"current_id"`
	Items         []record.BidRecord `json:"items"`
}

// New builds a Snapshot with the fixed type/schema_version tags set.
func New(ts int64, current CurrentLot, items []record.BidRecord) Snapshot {
	return Snapshot{
		Type:          Type,
		SchemaVersion: SchemaVersion,
		Ts:            ts,
		Current:       current,
		Items:         items,
	}
}
