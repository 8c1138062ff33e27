package world

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Layer identifies one per-tile data plane of a chunk.
type Layer uint8

const (
	LayerTiles Layer = iota
	LayerBuildings
	LayerRoads
	LayerUtilities
	LayerZoning
	LayerAgents
	LayerEconomy
	LayerEnvironment
	LayerCount
)

var bytesPerTile = [LayerCount]int{
	LayerTiles:       2,
	LayerBuildings:   2,
	LayerRoads:       1,
	LayerUtilities:   1,
	LayerZoning:      1,
	LayerAgents:      4,
	LayerEconomy:     4,
	LayerEnvironment: 2,
}

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTiles:
		return "tiles"
	case LayerBuildings:
		return "buildings"
	case LayerRoads:
		return "roads"
	case LayerUtilities:
		return "utilities"
	case LayerZoning:
		return "zoning"
	case LayerAgents:
		return "agents"
	case LayerEconomy:
		return "economy"
	case LayerEnvironment:
		return "environment"
	default:
		return fmt.Sprintf("layer(%d)", l)
	}
}

// BytesPerTile returns the width of one tile's value in layer l.
func (l Layer) BytesPerTile() int {
	return bytesPerTile[l]
}

// RecordSize returns the encoded size of a chunk with the given edge
// length.
func RecordSize(chunkSize int) int {
	total := 0
	for _, b := range bytesPerTile {
		total += b
	}
	return chunkSize * chunkSize * total
}

// Layers is the tile data of one chunk, one byte plane per layer.
type Layers struct {
	size   int
	planes [LayerCount][]byte
}

func newLayers(size int) Layers {
	l := Layers{size: size}
	for i := range l.planes {
		l.planes[i] = make([]byte, size*size*bytesPerTile[i])
	}
	return l
}

// Size returns the chunk edge length in tiles.
func (l *Layers) Size() int { return l.size }

// Plane returns the raw bytes of layer id. Values are little-endian.
func (l *Layers) Plane(id Layer) []byte { return l.planes[id] }

// Get returns the value at tile (x, y) of layer id.
func (l *Layers) Get(id Layer, x, y int) uint32 {
	w := bytesPerTile[id]
	off := (y*l.size + x) * w
	p := l.planes[id][off : off+w]
	switch w {
	case 1:
		return uint32(p[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(p))
	default:
		return binary.LittleEndian.Uint32(p)
	}
}

// Set stores v at tile (x, y) of layer id, truncated to the layer width.
func (l *Layers) Set(id Layer, x, y int, v uint32) {
	w := bytesPerTile[id]
	off := (y*l.size + x) * w
	p := l.planes[id][off : off+w]
	switch w {
	case 1:
		p[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(v)) //nolint:gosec // truncation is the layer contract
	default:
		binary.LittleEndian.PutUint32(p, v)
	}
}

func (l *Layers) encode() []byte {
	out := make([]byte, 0, RecordSize(l.size))
	for _, p := range l.planes {
		out = append(out, p...)
	}
	return out
}

func decodeLayers(size int, record []byte) (Layers, error) {
	if len(record) != RecordSize(size) {
		return Layers{}, fmt.Errorf("%w: chunk record is %d bytes, want %d", storetype.ErrInvalidFormat, len(record), RecordSize(size))
	}
	l := Layers{size: size}
	off := 0
	for i := range l.planes {
		n := size * size * bytesPerTile[i]
		l.planes[i] = record[off : off+n : off+n]
		off += n
	}
	return l, nil
}

// Chunk is a resident square of tiles. Reads go through View; writes go
// through Store.Mutate so the chunk is marked dirty.
type Chunk struct {
	coord  Coord
	mu     sync.RWMutex
	layers Layers
}

func newChunk(c Coord, size int) *Chunk {
	return &Chunk{coord: c, layers: newLayers(size)}
}

// Coord returns the chunk coordinate.
func (c *Chunk) Coord() Coord { return c.coord }

// Size returns the chunk edge length in tiles.
func (c *Chunk) Size() int { return c.layers.size }

// View calls fn with the chunk's layers under a read lock. fn must not
// retain or modify them.
func (c *Chunk) View(fn func(*Layers)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(&c.layers)
}

// Get returns one tile value.
func (c *Chunk) Get(id Layer, x, y int) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layers.Get(id, x, y)
}

func (c *Chunk) update(fn func(*Layers)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.layers)
}

func (c *Chunk) encode() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layers.encode()
}
