package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor_FieldMappingAndDefaults(t *testing.T) {
	d := Descriptor{
		Schema:       schemaOf("id", "name"),
		FieldMapping: map[string]string{"pk": "id"},
		Defaults:     map[string]func() any{"name": func() any { return "unnamed" }},
	}
	row, err := d.Build(map[string]any{"pk": 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, row["id"])
	assert.Equal(t, "unnamed", row["name"])
}

func TestDescriptor_UndeclaredKeysDiscarded(t *testing.T) {
	d := Descriptor{Schema: schemaOf("id")}
	row, err := d.Build(map[string]any{"id": 1, "extra": "drop me"}, nil)
	require.NoError(t, err)
	_, present := row["extra"]
	assert.False(t, present)
}

func TestDescriptor_ConverterFailureLenientPassesThrough(t *testing.T) {
	failing := func(v any) (any, error) { return nil, errors.New("boom") }
	d := Descriptor{
		Schema:     schemaOf("id"),
		Converters: map[string]Converter{"id": failing},
	}
	row, err := d.Build(map[string]any{"id": 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, row["id"])
}

func TestDescriptor_ConverterFailureStrictErrors(t *testing.T) {
	failing := func(v any) (any, error) { return nil, errors.New("boom") }
	d := Descriptor{
		Schema:     schemaOf("id"),
		Converters: map[string]Converter{"id": failing},
		Strict:     true,
	}
	_, err := d.Build(map[string]any{"id": 5}, nil)
	assert.Error(t, err)
}

func TestDescriptor_ValidatorDropsRowEvenInLenientMode(t *testing.T) {
	alwaysFails := func(row map[string]any) error { return errors.New("invalid row") }
	d := Descriptor{Schema: schemaOf("id"), Validators: []RowValidator{alwaysFails}}
	_, err := d.Build(map[string]any{"id": 1}, nil)
	assert.Error(t, err)
}

func TestBuildBatch_SkipsFailuresInLenientMode(t *testing.T) {
	d := Descriptor{
		Schema: schemaOf("id"),
		Validators: []RowValidator{func(row map[string]any) error {
			if row["id"] == 2 {
				return errors.New("reject 2")
			}
			return nil
		}},
	}
	rows := []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}}
	out, err := BuildBatch(d, rows, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
