package format

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// World section layout constants.
const (
	WorldMagic        = "WRLD"
	WorldMetaSize     = 80
	WorldMetaVersion  = 1
	ChunkEntrySize    = 48
	IncrementalMagic  = "WINC"
	IncrementalSize   = 64
	IncrementalFormat = 1
)

// World metadata flags.
const (
	// WorldFlagGenesis marks a base written before any chunk was saved.
	WorldFlagGenesis uint32 = 1 << 0
)

// Chunk table entry flags.
const (
	// ChunkFlagEmpty marks a chunk that has never been written.
	ChunkFlagEmpty uint32 = 1 << 0
)

// WorldMeta is the 80 byte block at the start of the World section.
//
// Layout:
//   - Bytes 0-3:   Magic ("WRLD")
//   - Bytes 4-7:   Version
//   - Bytes 8-23:  Width, height, chunk size, total chunks (uint32 each)
//   - Bytes 24-31: Creation time (unix ns)
//   - Bytes 32-39: Last save time (unix ns)
//   - Bytes 40-43: Save count
//   - Bytes 44-47: Flags
//   - Bytes 48-51: CRC32 of the chunk table
//   - Bytes 52-55: Chunk compression
//   - Bytes 56-71: Save id
//   - Bytes 72-79: Last full save time (unix ns)
type WorldMeta struct {
	Version      uint32
	Width        uint32
	Height       uint32
	ChunkSize    uint32
	TotalChunks  uint32
	Created      int64
	LastSave     int64
	SaveCount    uint32
	Flags        uint32
	TableCRC     uint32
	Compression  storetype.Compression
	SaveID       [16]byte
	LastFullSave int64
}

// Put encodes m into b.
func (m *WorldMeta) Put(b []byte) {
	_ = b[WorldMetaSize-1]
	copy(b[0:4], WorldMagic)
	le := binary.LittleEndian
	le.PutUint32(b[4:8], m.Version)
	le.PutUint32(b[8:12], m.Width)
	le.PutUint32(b[12:16], m.Height)
	le.PutUint32(b[16:20], m.ChunkSize)
	le.PutUint32(b[20:24], m.TotalChunks)
	le.PutUint64(b[24:32], uint64(m.Created))  //nolint:gosec // bit pattern round-trips
	le.PutUint64(b[32:40], uint64(m.LastSave)) //nolint:gosec // bit pattern round-trips
	le.PutUint32(b[40:44], m.SaveCount)
	le.PutUint32(b[44:48], m.Flags)
	le.PutUint32(b[48:52], m.TableCRC)
	le.PutUint32(b[52:56], uint32(m.Compression))
	copy(b[56:72], m.SaveID[:])
	le.PutUint64(b[72:80], uint64(m.LastFullSave)) //nolint:gosec // bit pattern round-trips
}

// ParseWorldMeta decodes and magic-checks a world metadata block.
func ParseWorldMeta(b []byte) (WorldMeta, error) {
	var m WorldMeta
	if len(b) < WorldMetaSize {
		return m, fmt.Errorf("%w: world metadata truncated", storetype.ErrInvalidFormat)
	}
	if string(b[0:4]) != WorldMagic {
		return m, fmt.Errorf("%w: bad world magic %q", storetype.ErrInvalidFormat, b[0:4])
	}
	le := binary.LittleEndian
	m.Version = le.Uint32(b[4:8])
	m.Width = le.Uint32(b[8:12])
	m.Height = le.Uint32(b[12:16])
	m.ChunkSize = le.Uint32(b[16:20])
	m.TotalChunks = le.Uint32(b[20:24])
	m.Created = int64(le.Uint64(b[24:32]))  //nolint:gosec // bit pattern round-trips
	m.LastSave = int64(le.Uint64(b[32:40])) //nolint:gosec // bit pattern round-trips
	m.SaveCount = le.Uint32(b[40:44])
	m.Flags = le.Uint32(b[44:48])
	m.TableCRC = le.Uint32(b[48:52])
	m.Compression = storetype.Compression(le.Uint32(b[52:56]))
	copy(m.SaveID[:], b[56:72])
	m.LastFullSave = int64(le.Uint64(b[72:80])) //nolint:gosec // bit pattern round-trips
	if m.Version > WorldMetaVersion {
		return m, fmt.Errorf("%w: world metadata version %d", storetype.ErrVersionMismatch, m.Version)
	}
	return m, nil
}

// ChunkEntry describes one chunk record, in the base chunk table or in an
// incremental file.
//
// Layout:
//   - Bytes 0-23:  X, Y, flags, version, uncompressed size, compressed size (uint32 each)
//   - Bytes 24-31: Record offset
//   - Bytes 32-35: CRC32 of the uncompressed record
//   - Bytes 36-39: Compression
//   - Bytes 40-47: Last modified (unix ns)
//
// Offsets in the base table are relative to the start of the World
// section payload; offsets in incremental files are absolute.
type ChunkEntry struct {
	X, Y         uint32
	Flags        uint32
	Version      uint32
	Uncompressed uint32
	Compressed   uint32
	Offset       uint64
	CRC          uint32
	Compression  storetype.Compression
	Modified     int64
}

// Empty reports whether the chunk has no stored record.
func (e *ChunkEntry) Empty() bool {
	return e.Flags&ChunkFlagEmpty != 0
}

// Put encodes e into b.
func (e *ChunkEntry) Put(b []byte) {
	_ = b[ChunkEntrySize-1]
	le := binary.LittleEndian
	le.PutUint32(b[0:4], e.X)
	le.PutUint32(b[4:8], e.Y)
	le.PutUint32(b[8:12], e.Flags)
	le.PutUint32(b[12:16], e.Version)
	le.PutUint32(b[16:20], e.Uncompressed)
	le.PutUint32(b[20:24], e.Compressed)
	le.PutUint64(b[24:32], e.Offset)
	le.PutUint32(b[32:36], e.CRC)
	le.PutUint32(b[36:40], uint32(e.Compression))
	le.PutUint64(b[40:48], uint64(e.Modified)) //nolint:gosec // bit pattern round-trips
}

// ParseChunkEntry decodes a chunk table entry.
func ParseChunkEntry(b []byte) (ChunkEntry, error) {
	var e ChunkEntry
	if len(b) < ChunkEntrySize {
		return e, fmt.Errorf("%w: chunk entry truncated", storetype.ErrInvalidFormat)
	}
	le := binary.LittleEndian
	e.X = le.Uint32(b[0:4])
	e.Y = le.Uint32(b[4:8])
	e.Flags = le.Uint32(b[8:12])
	e.Version = le.Uint32(b[12:16])
	e.Uncompressed = le.Uint32(b[16:20])
	e.Compressed = le.Uint32(b[20:24])
	e.Offset = le.Uint64(b[24:32])
	e.CRC = le.Uint32(b[32:36])
	e.Compression = storetype.Compression(le.Uint32(b[36:40]))
	e.Modified = int64(le.Uint64(b[40:48])) //nolint:gosec // bit pattern round-trips
	if !e.Compression.Valid() || e.Compression == storetype.CompressionDefault {
		return e, fmt.Errorf("%w: chunk (%d,%d) compression %s", storetype.ErrInvalidFormat, e.X, e.Y, e.Compression)
	}
	return e, nil
}

// IncrementalHeader opens an incremental save file.
//
// Layout:
//   - Bytes 0-3:   Magic ("WINC")
//   - Bytes 4-7:   Version
//   - Bytes 8-23:  Base save id
//   - Bytes 24-27: Sequence number since the base
//   - Bytes 28-31: Chunk record count
//   - Bytes 32-39: Creation time (unix ns)
//   - Bytes 40-43: CRC32 of everything after the header
//   - Bytes 44-63: Reserved
type IncrementalHeader struct {
	Version  uint32
	BaseID   [16]byte
	Sequence uint32
	Count    uint32
	Created  int64
	CRC      uint32
}

// Put encodes h into b.
func (h *IncrementalHeader) Put(b []byte) {
	_ = b[IncrementalSize-1]
	le := binary.LittleEndian
	copy(b[0:4], IncrementalMagic)
	le.PutUint32(b[4:8], h.Version)
	copy(b[8:24], h.BaseID[:])
	le.PutUint32(b[24:28], h.Sequence)
	le.PutUint32(b[28:32], h.Count)
	le.PutUint64(b[32:40], uint64(h.Created)) //nolint:gosec // bit pattern round-trips
	le.PutUint32(b[40:44], h.CRC)
	clear(b[44:64])
}

// ParseIncrementalHeader decodes and magic-checks an incremental header.
func ParseIncrementalHeader(b []byte) (IncrementalHeader, error) {
	var h IncrementalHeader
	if len(b) < IncrementalSize {
		return h, fmt.Errorf("%w: incremental header truncated", storetype.ErrInvalidFormat)
	}
	if string(b[0:4]) != IncrementalMagic {
		return h, fmt.Errorf("%w: bad incremental magic %q", storetype.ErrInvalidFormat, b[0:4])
	}
	le := binary.LittleEndian
	h.Version = le.Uint32(b[4:8])
	copy(h.BaseID[:], b[8:24])
	h.Sequence = le.Uint32(b[24:28])
	h.Count = le.Uint32(b[28:32])
	h.Created = int64(le.Uint64(b[32:40])) //nolint:gosec // bit pattern round-trips
	h.CRC = le.Uint32(b[40:44])
	if h.Version > IncrementalFormat {
		return h, fmt.Errorf("%w: incremental version %d", storetype.ErrVersionMismatch, h.Version)
	}
	return h, nil
}
