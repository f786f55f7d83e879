package contextlookup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "ring,breed,owner\n2025-CN-1234,Janssen,Li Ming\n2025-CN-9999,Van Loon,Zhang San\n"

func TestLoadFrom_ParsesRowsKeyedByFirstColumn(t *testing.T) {
	tbl, err := LoadFrom(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	row, ok := tbl.Lookup("2025-CN-1234")
	require.True(t, ok)
	assert.Equal(t, "Janssen", row["breed"])
	assert.Equal(t, "Li Ming", row["owner"])
}

func TestLoadFrom_LookupNormalizesHyphenAndCase(t *testing.T) {
	tbl, err := LoadFrom(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	_, ok := tbl.Lookup("2025‐CN‐1234")
	assert.True(t, ok)
	_, ok = tbl.Lookup("2025-cn-1234")
	assert.True(t, ok)
}

func TestLoadFrom_UnknownRingMisses(t *testing.T) {
	tbl, err := LoadFrom(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	_, ok := tbl.Lookup("nope")
	assert.False(t, ok)
}

func TestLoad_EmptyPathReturnsEmptyTable(t *testing.T) {
	tbl, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.Lookup("anything")
	assert.False(t, ok)
}

func TestLoadFrom_HeaderOnlyIsEmptyTable(t *testing.T) {
	tbl, err := LoadFrom(strings.NewReader("ring,breed\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())
}
