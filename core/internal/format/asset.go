package format

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Asset index layout constants.
const (
	AssetMagic        = "ASST"
	AssetIndexVersion = 1
	AssetHeaderSize   = 32
	AssetEntrySize    = 128
	AssetPathSize     = 80
)

// AssetIndexHeader opens an asset index file.
//
// Layout:
//   - Bytes 0-3:   Magic ("ASST")
//   - Bytes 4-7:   Version
//   - Bytes 8-11:  Entry count
//   - Bytes 12-15: Index size in bytes (header plus entries)
//   - Bytes 16-23: Timestamp (unix ns)
//   - Bytes 24-27: CRC32 of the entry region
//   - Bytes 28-31: Reserved
type AssetIndexHeader struct {
	Version   uint32
	Count     uint32
	IndexSize uint32
	Timestamp int64
	CRC       uint32
}

// Put encodes h into b.
func (h *AssetIndexHeader) Put(b []byte) {
	_ = b[AssetHeaderSize-1]
	le := binary.LittleEndian
	copy(b[0:4], AssetMagic)
	le.PutUint32(b[4:8], h.Version)
	le.PutUint32(b[8:12], h.Count)
	le.PutUint32(b[12:16], h.IndexSize)
	le.PutUint64(b[16:24], uint64(h.Timestamp)) //nolint:gosec // bit pattern round-trips
	le.PutUint32(b[24:28], h.CRC)
	clear(b[28:32])
}

// ParseAssetIndexHeader decodes and magic-checks an asset index header.
func ParseAssetIndexHeader(b []byte) (AssetIndexHeader, error) {
	var h AssetIndexHeader
	if len(b) < AssetHeaderSize {
		return h, fmt.Errorf("%w: asset index header truncated", storetype.ErrInvalidFormat)
	}
	if string(b[0:4]) != AssetMagic {
		return h, fmt.Errorf("%w: bad asset index magic %q", storetype.ErrInvalidFormat, b[0:4])
	}
	le := binary.LittleEndian
	h.Version = le.Uint32(b[4:8])
	h.Count = le.Uint32(b[8:12])
	h.IndexSize = le.Uint32(b[12:16])
	h.Timestamp = int64(le.Uint64(b[16:24])) //nolint:gosec // bit pattern round-trips
	h.CRC = le.Uint32(b[24:28])
	if h.Version > AssetIndexVersion {
		return h, fmt.Errorf("%w: asset index version %d", storetype.ErrVersionMismatch, h.Version)
	}
	return h, nil
}

// AssetEntry is one 128 byte asset index record.
//
// Layout:
//   - Bytes 0-3:    Id
//   - Bytes 4-5:    Type
//   - Byte  6:      State
//   - Byte  7:      Flags
//   - Bytes 8-15:   Size
//   - Bytes 16-23:  Offset within the file at Path
//   - Bytes 24-27:  CRC32 of the asset bytes
//   - Bytes 28-31:  Ref count
//   - Bytes 32-39:  Last used (unix ns)
//   - Bytes 40-47:  Data pointer (in-memory only, zero on disk)
//   - Bytes 48-127: Path, NUL padded
type AssetEntry struct {
	ID       uint32
	Type     uint16
	State    uint8
	Flags    uint8
	Size     uint64
	Offset   uint64
	CRC      uint32
	RefCount uint32
	LastUsed int64
	Path     string
}

// Put encodes e into b. Paths longer than AssetPathSize are rejected.
func (e *AssetEntry) Put(b []byte) error {
	_ = b[AssetEntrySize-1]
	if len(e.Path) > AssetPathSize {
		return fmt.Errorf("%w: asset %d path longer than %d bytes", storetype.ErrInvalidFormat, e.ID, AssetPathSize)
	}
	le := binary.LittleEndian
	le.PutUint32(b[0:4], e.ID)
	le.PutUint16(b[4:6], e.Type)
	b[6] = e.State
	b[7] = e.Flags
	le.PutUint64(b[8:16], e.Size)
	le.PutUint64(b[16:24], e.Offset)
	le.PutUint32(b[24:28], e.CRC)
	le.PutUint32(b[28:32], e.RefCount)
	le.PutUint64(b[32:40], uint64(e.LastUsed)) //nolint:gosec // bit pattern round-trips
	clear(b[40:48])
	clear(b[48:128])
	copy(b[48:128], e.Path)
	return nil
}

// ParseAssetEntry decodes an asset index record.
func ParseAssetEntry(b []byte) (AssetEntry, error) {
	var e AssetEntry
	if len(b) < AssetEntrySize {
		return e, fmt.Errorf("%w: asset entry truncated", storetype.ErrInvalidFormat)
	}
	le := binary.LittleEndian
	e.ID = le.Uint32(b[0:4])
	e.Type = le.Uint16(b[4:6])
	e.State = b[6]
	e.Flags = b[7]
	e.Size = le.Uint64(b[8:16])
	e.Offset = le.Uint64(b[16:24])
	e.CRC = le.Uint32(b[24:28])
	e.RefCount = le.Uint32(b[28:32])
	e.LastUsed = int64(le.Uint64(b[32:40])) //nolint:gosec // bit pattern round-trips
	path := b[48:128]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	e.Path = string(path)
	return e, nil
}
