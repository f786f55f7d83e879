// Package contextlookup loads the ring-number side table used to attach an
// optional context row to the current lot in each published snapshot.
//
// The upstream side table is a spreadsheet; no example repo in the
// retrieved pack imports an xlsx library, so this loads the same shape from
// CSV (the spreadsheet's "save as" escape hatch) via the standard library's
// encoding/csv, normalizing the ring-number key the same way §4.I's norm
// normalizes consignor names (hyphen folding, case folding).
package contextlookup

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/enrich"
)

// Table is a read-only ring-number to row map, loaded once at startup.
type Table struct {
	rows map[string]map[string]any
}

// Load reads a CSV file whose first row is the header; the header's first
// column is treated as the ring-number key. Returns an empty Table (Lookup
// always misses) when path is "", matching the spec's optional spreadsheet
// path.
func Load(path string) (*Table, error) {
	if path == "" {
		return &Table{rows: map[string]map[string]any{}}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("contextlookup: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFrom(f)
}

// LoadFrom reads the CSV content from r, for tests and callers that already
// have the data in memory.
func LoadFrom(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return &Table{rows: map[string]map[string]any{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contextlookup: read header: %w", err)
	}

	rows := make(map[string]map[string]any)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("contextlookup: read row: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		key := normKey(record[0])
		rows[key] = row
	}
	return &Table{rows: rows}, nil
}

// Lookup returns the row for ringNumber, normalized the same way as the
// keys were loaded, and whether one was found.
func (t *Table) Lookup(ringNumber string) (map[string]any, bool) {
	row, ok := t.rows[normKey(ringNumber)]
	return row, ok
}

// Len reports how many rows were loaded.
func (t *Table) Len() int { return len(t.rows) }

func normKey(s string) string {
	return enrich.Norm(s)
}
