package world

import (
	"fmt"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// World size limits.
const (
	MinWorldSize   = 32
	MinChunkSize   = 16
	MaxChunkSize   = 128
	MaxWorldChunks = 16384
)

// Coord addresses a chunk in chunk units.
type Coord struct {
	X, Y int
}

// String renders the coordinate as "(x,y)".
func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Grid maps chunk coordinates onto the flat chunk index used by the dirty
// bitmap, the chunk cache and the on-disk chunk table.
type Grid struct {
	Width     int
	Height    int
	ChunkSize int
	PerRow    int
	PerCol    int
}

// NewGrid validates world dimensions in tiles. Partial chunks at the right
// and bottom edges are dropped.
func NewGrid(width, height, chunkSize int) (Grid, error) {
	if width < MinWorldSize || height < MinWorldSize {
		return Grid{}, fmt.Errorf("%w: world %dx%d smaller than %d", storetype.ErrInvalidFormat, width, height, MinWorldSize)
	}
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return Grid{}, fmt.Errorf("%w: chunk size %d outside [%d,%d]", storetype.ErrInvalidFormat, chunkSize, MinChunkSize, MaxChunkSize)
	}
	g := Grid{
		Width:     width,
		Height:    height,
		ChunkSize: chunkSize,
		PerRow:    width / chunkSize,
		PerCol:    height / chunkSize,
	}
	if g.PerRow == 0 || g.PerCol == 0 {
		return Grid{}, fmt.Errorf("%w: world %dx%d holds no %d-tile chunk", storetype.ErrInvalidFormat, width, height, chunkSize)
	}
	if total := g.Total(); total > MaxWorldChunks {
		return Grid{}, fmt.Errorf("%w: %d chunks exceeds %d", storetype.ErrBufferFull, total, MaxWorldChunks)
	}
	return g, nil
}

// Total returns the number of chunks.
func (g Grid) Total() int {
	return g.PerRow * g.PerCol
}

// Contains reports whether c lies inside the grid.
func (g Grid) Contains(c Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < g.PerRow && c.Y < g.PerCol
}

// Index returns the canonical flat index y*PerRow + x.
func (g Grid) Index(c Coord) (int, error) {
	if !g.Contains(c) {
		return 0, fmt.Errorf("%w: chunk %s outside %dx%d grid", storetype.ErrInvalidFormat, c, g.PerRow, g.PerCol)
	}
	return c.Y*g.PerRow + c.X, nil
}

// Coord is the inverse of Index.
func (g Grid) Coord(idx int) Coord {
	return Coord{X: idx % g.PerRow, Y: idx / g.PerRow}
}
