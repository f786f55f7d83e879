package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSection_RejectsNegativeStartPrice(t *testing.T) {
	_, err := NewSection(map[string]any{
		"id": 1, "auctionid": 1, "name": "A", "startprice": -5,
	}, nil, nil)
	assert.Error(t, err)
}

func TestNewSection_AcceptsZeroStartPrice(t *testing.T) {
	s, err := NewSection(map[string]any{
		"id": 1, "auctionid": 1, "name": "A", "startprice": 0,
	}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, s.StartPrice)
	assert.True(t, s.StartPrice.IsZero())
}

func TestNewAuction_ValidatesEndAfterStart(t *testing.T) {
	_, err := NewAuction(map[string]any{
		"id": 1, "name": "Spring Classic", "starttime": 2000, "endtime": 1000,
	}, nil)
	assert.Error(t, err)
}

func TestNewAuction_PreservesChineseStatusVocabulary(t *testing.T) {
	a, err := NewAuction(map[string]any{"id": 1, "name": "x", "statusname": StatusFinished}, nil)
	require.NoError(t, err)
	require.NotNil(t, a.StatusName)
	assert.Equal(t, "已完成", *a.StatusName)
}

func TestNewSection_RejectsInvertedRanking(t *testing.T) {
	_, err := NewSection(map[string]any{
		"id": 1, "auctionid": 1, "name": "A", "startranking": 10, "endranking": 1,
	}, nil, nil)
	assert.Error(t, err)
}

func TestNewSection_CascadesAuctionStatus(t *testing.T) {
	finished := StatusFinished
	s, err := NewSection(map[string]any{
		"id": 1, "auctionid": 1, "name": "A", "statusname": StatusInProgress,
	}, &finished, nil)
	require.NoError(t, err)
	require.NotNil(t, s.StatusName)
	assert.Equal(t, StatusFinished, *s.StatusName)
}

func TestNewSection_RejectsInvalidSortType(t *testing.T) {
	_, err := NewSection(map[string]any{
		"id": 1, "auctionid": 1, "name": "A", "sorttype": "sideways",
	}, nil, nil)
	assert.Error(t, err)
}

func TestNewPigeon_MapsAliasedKeys(t *testing.T) {
	p, err := NewPigeon(map[string]any{
		"id": 187099, "code": "C-1", "auctionid": 245, "name": "Blue Bar",
		"matchername": "J. Doe", "footring": "NL-23-1234567", "iscurrent": "true",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(187099), p.ID)
	require.NotNil(t, p.MatcherName)
	assert.Equal(t, "J. Doe", *p.MatcherName)
	require.NotNil(t, p.FootRing)
	assert.Equal(t, "NL-23-1234567", *p.FootRing)
	require.NotNil(t, p.IsCurrent)
	assert.True(t, *p.IsCurrent)
}
