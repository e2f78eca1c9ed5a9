package orphan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

func twoChunkResult() *ScanResult {
	r := newScanResult(cluster.Namespace{Name: "test.c"}, cluster.ModeExact)
	r.add(chunk("test.c", int32(0), int32(10), "s2"), "s1", 3)
	r.add(chunk("test.c", int32(10), int32(20), "s1"), "s2", 4)
	return r
}

func TestCursor_Walk(t *testing.T) {
	c := twoChunkResult().Cursor()

	assert.Equal(t, -1, c.Position())
	_, err := c.Current()
	assert.ErrorIs(t, err, ErrNoCurrentChunk)
	assert.True(t, c.HasNext())

	first, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.OrphanCount)
	cur, err := c.Current()
	require.NoError(t, err)
	assert.Same(t, first, cur)
	assert.True(t, c.HasNext())

	second, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "s2", second.OrphanedOn)
	assert.Equal(t, 1, c.Position())
	assert.False(t, c.HasNext())

	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoMoreResults)
	assert.Equal(t, 2, c.Position())
	_, err = c.Current()
	assert.ErrorIs(t, err, ErrNoCurrentChunk)
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoMoreResults)

	c.Rewind()
	assert.Equal(t, -1, c.Position())
	again, err := c.Next()
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestCursor_Empty(t *testing.T) {
	c := newScanResult(cluster.Namespace{Name: "test.c"}, cluster.ModeExact).Cursor()
	assert.False(t, c.HasNext())
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrNoMoreResults)
	assert.Empty(t, c.ListAll())
}

func TestCursor_IndependentPositions(t *testing.T) {
	r := twoChunkResult()
	a, b := r.Cursor(), r.Cursor()

	_, err := a.Next()
	require.NoError(t, err)
	_, err = a.Next()
	require.NoError(t, err)

	assert.Equal(t, 1, a.Position())
	assert.Equal(t, -1, b.Position())
}

func TestCursor_ListAllDoesNotMove(t *testing.T) {
	r := twoChunkResult()
	c := r.Cursor()
	_, err := c.Next()
	require.NoError(t, err)

	all := c.ListAll()
	require.Len(t, all, 2)
	assert.Equal(t, 0, c.Position())

	all[0] = nil
	assert.NotNil(t, r.BadChunks[0])
}

func TestScanResult_Totals(t *testing.T) {
	r := twoChunkResult()
	assert.Equal(t, int64(7), r.Count)
	assert.Equal(t, map[string]int64{"s1": 3, "s2": 4}, r.ShardCounts)
	assert.False(t, r.Incomplete())

	r.BadChunks[0].Removed = true
	assert.Equal(t, int64(4), r.Remaining())

	r.SkippedChunks = append(r.SkippedChunks, chunk("test.c", int32(5), int32(6), "s1"))
	assert.True(t, r.Incomplete())
}
