package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func TestNewGrid(t *testing.T) {
	t.Parallel()

	g, err := NewGrid(100, 100, 32)
	require.NoError(t, err)
	assert.Equal(t, 3, g.PerRow)
	assert.Equal(t, 3, g.PerCol)
	assert.Equal(t, 9, g.Total())

	_, err = NewGrid(16, 100, 16)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = NewGrid(100, 100, 8)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = NewGrid(100, 100, 256)
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
	_, err = NewGrid(16*200, 16*200, 16)
	require.ErrorIs(t, err, storetype.ErrBufferFull)
}

func TestGridIndex(t *testing.T) {
	t.Parallel()

	g, err := NewGrid(160, 64, 16)
	require.NoError(t, err)
	for idx := range g.Total() {
		c := g.Coord(idx)
		got, err := g.Index(c)
		require.NoError(t, err)
		assert.Equal(t, idx, got)
	}

	idx, err := g.Index(Coord{X: 3, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, 2*10+3, idx)

	for _, c := range []Coord{{-1, 0}, {0, -1}, {10, 0}, {0, 4}} {
		_, err := g.Index(c)
		assert.ErrorIs(t, err, storetype.ErrInvalidFormat, c.String())
	}
}

func TestBitmap(t *testing.T) {
	t.Parallel()

	b := NewBitmap(130)
	for _, i := range []int{0, 63, 64, 129} {
		b.Set(i)
	}
	b.Set(63)
	assert.Equal(t, 4, b.Count())
	assert.Equal(t, []int{0, 63, 64, 129}, b.Indices())
	assert.True(t, b.Test(129))

	b.Clear(63)
	b.Clear(63)
	assert.Equal(t, 3, b.Count())
	assert.False(t, b.Test(63))

	b.Reset()
	assert.Zero(t, b.Count())
	assert.Empty(t, b.Indices())
}

func TestLayersEncodeDecode(t *testing.T) {
	t.Parallel()

	l := newLayers(16)
	l.Set(LayerTiles, 1, 2, 0xBEEF)
	l.Set(LayerRoads, 15, 15, 0x1FF)
	l.Set(LayerAgents, 0, 0, 0xDEADBEEF)

	raw := l.encode()
	require.Len(t, raw, RecordSize(16))

	got, err := decodeLayers(16, raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xBEEF), got.Get(LayerTiles, 1, 2))
	assert.Equal(t, uint32(0xFF), got.Get(LayerRoads, 15, 15))
	assert.Equal(t, uint32(0xDEADBEEF), got.Get(LayerAgents, 0, 0))

	_, err = decodeLayers(16, raw[:len(raw)-1])
	require.ErrorIs(t, err, storetype.ErrInvalidFormat)
}

func TestChunkCacheSkipsPinned(t *testing.T) {
	t.Parallel()

	pinned := map[int]bool{0: true}
	var evicted []int
	c := newChunkCache(2, func(idx int) bool { return pinned[idx] })
	c.onEvict = func(idx int) { evicted = append(evicted, idx) }

	for idx := range 4 {
		c.put(idx, newChunk(Coord{X: idx}, 16))
	}
	assert.Equal(t, 2, c.len())
	assert.Equal(t, []int{1, 2}, evicted)
	_, ok := c.get(0)
	assert.True(t, ok, "pinned entry evicted")

	// Everything pinned: the cache grows past capacity.
	pinned[3] = true
	pinned[4] = true
	c.put(4, newChunk(Coord{X: 4}, 16))
	assert.Equal(t, 3, c.len())

	delete(pinned, 0)
	delete(pinned, 3)
	delete(pinned, 4)
	assert.Equal(t, 1, c.shrink())
	assert.Equal(t, 2, c.len())
}
