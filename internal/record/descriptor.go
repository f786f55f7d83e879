// Package record implements the generic "construct typed record from a
// loosely-typed mapping" pipeline shared by every domain record type:
// field mapping, default expansion, per-field conversion, row-level
// validation, and schema-trimmed construction.
package record

import (
	"fmt"
	"log/slog"
)

// Converter transforms one field's raw value. A converter error is either
// fatal (strict mode) or logged with the original value passed through
// unconverted (lenient mode).
type Converter func(any) (any, error)

// RowValidator inspects the fully-mapped, fully-converted row. A returned
// error drops the row and is returned to the caller in both strict and
// lenient mode; lenient mode also logs it.
type RowValidator func(row map[string]any) error

// Descriptor configures the five tables that drive construction of one
// record type from an external mapping.
type Descriptor struct {
	// FieldMapping maps an external key to the internal key it feeds.
	// Multiple external keys mapping to the same internal key log a
	// conflict warning; the last one encountered (by map iteration, which
	// Go does not order — callers relying on deterministic "last one wins"
	// should pre-merge their input) wins.
	FieldMapping map[string]string
	// Defaults maps internal key to a factory producing its default value.
	// Called fresh per row so mutable defaults are never shared.
	Defaults map[string]func() any
	Converters map[string]Converter
	Validators []RowValidator
	// Schema is the set of internal keys the constructed record declares;
	// everything else is discarded after conversion.
	Schema map[string]struct{}
	// Strict, when true, raises converter and validator failures instead
	// of logging and continuing/dropping.
	Strict bool
}

// Build runs one external mapping through field mapping, default
// expansion, conversion, and validation, returning the schema-trimmed
// internal row ready for a typed constructor to consume.
func (d Descriptor) Build(external map[string]any, logger *slog.Logger) (map[string]any, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mapped := make(map[string]any, len(external))
	seen := make(map[string]string, len(external))
	for k, v := range external {
		internal, ok := d.FieldMapping[k]
		if !ok {
			internal = k
		}
		if _, declared := d.Schema[internal]; !declared {
			continue
		}
		if prior, dup := seen[internal]; dup {
			logger.Warn("record: field mapping conflict",
				slog.String("internal", internal),
				slog.String("first_external", prior),
				slog.String("second_external", k))
		}
		seen[internal] = k
		mapped[internal] = v
	}

	combined := make(map[string]any, len(d.Defaults)+len(mapped))
	for k, factory := range d.Defaults {
		combined[k] = factory()
	}
	for k, v := range mapped {
		combined[k] = v
	}

	for key, conv := range d.Converters {
		v, ok := combined[key]
		if !ok {
			continue
		}
		nv, err := conv(v)
		if err != nil {
			if d.Strict {
				return nil, fmt.Errorf("record: convert %q: %w", key, err)
			}
			logger.Warn("record: conversion failed, passing through",
				slog.String("field", key), slog.String("error", err.Error()))
			continue
		}
		combined[key] = nv
	}

	for _, validate := range d.Validators {
		if err := validate(combined); err != nil {
			if d.Strict {
				return nil, fmt.Errorf("record: validation failed: %w", err)
			}
			logger.Warn("record: row dropped by validator", slog.String("error", err.Error()))
			return nil, err
		}
	}

	slim := make(map[string]any, len(d.Schema))
	for k := range d.Schema {
		if v, ok := combined[k]; ok {
			slim[k] = v
		}
	}
	return slim, nil
}

// BuildBatch runs Build over every item in rows, skipping items that fail
// Build, unless d.Strict is set, in which case the first failure is
// returned immediately.
func BuildBatch(d Descriptor, rows []map[string]any, logger *slog.Logger) ([]map[string]any, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]map[string]any, 0, len(rows))
	for idx, row := range rows {
		built, err := d.Build(row, logger)
		if err != nil {
			if d.Strict {
				return nil, fmt.Errorf("record: row %d: %w", idx, err)
			}
			continue
		}
		out = append(out, built)
	}
	return out, nil
}
