package record

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBidRecord_MapsExternalKeysAndConverts(t *testing.T) {
	external := map[string]any{
		"id": "42", "code": "B-1", "auctionid": 245, "pigeonid": 187099,
		"quote": "1500.50", "usercode": "U-7", "createtime": float64(1_700_000_000_000),
	}
	rec, err := NewBidRecord(external, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, int64(245), rec.AuctionID)
	assert.Equal(t, int64(187099), rec.PigeonID)
	assert.True(t, decimal.NewFromFloat(1500.5).Equal(rec.Quote))
	require.NotNil(t, rec.UserCode)
	assert.Equal(t, "U-7", *rec.UserCode)
	require.NotNil(t, rec.CreateTime)
	assert.Equal(t, int64(1_700_000_000), *rec.CreateTime)
}

func TestNewBidRecordBatch_TalliesIntraLedgerFrequency(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "auctionid": 1, "pigeonid": 1, "quote": 10, "usercode": "A"},
		{"id": 2, "auctionid": 1, "pigeonid": 1, "quote": 20, "usercode": "A"},
		{"id": 3, "auctionid": 1, "pigeonid": 1, "quote": 30, "usercode": "B"},
	}
	out, err := NewBidRecordBatch(rows, false, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2, out[0].Count)
	assert.Equal(t, 2, out[1].Count)
	assert.Equal(t, 1, out[2].Count)
}

func TestNewBidRecordBatch_LenientKeepsRowsMissingIdentityFields(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "auctionid": 1, "pigeonid": 1, "quote": 10},
		{"quote": 20}, // missing id/auctionid/pigeonid but still constructs with zero values
	}
	out, err := NewBidRecordBatch(rows, false, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
