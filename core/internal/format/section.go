package format

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Section header sizes. Archives from format version 1 use the basic
// header; later versions use the extended one.
const (
	BasicSectionHeaderSize    = 16
	ExtendedSectionHeaderSize = 24
)

// SectionHeader precedes every section payload.
//
// Layout (extended):
//   - Bytes 0-3:   Section id
//   - Bytes 4-11:  Uncompressed size
//   - Bytes 12-15: Compressed size
//   - Bytes 16-19: CRC32 of the uncompressed payload
//   - Bytes 20-23: Compression
//
// The basic layout stops after byte 15.
type SectionHeader struct {
	ID           storetype.SectionID
	Uncompressed uint64
	Compressed   uint32
	CRC          uint32
	Compression  storetype.Compression
}

// SectionHeaderSize returns the section header size used by archives of
// version v.
func SectionHeaderSize(v storetype.Version) int {
	if v.Major < 2 {
		return BasicSectionHeaderSize
	}
	return ExtendedSectionHeaderSize
}

// PutExtended encodes h in the extended layout.
func (h *SectionHeader) PutExtended(b []byte) {
	_ = b[ExtendedSectionHeaderSize-1]
	h.PutBasic(b)
	binary.LittleEndian.PutUint32(b[16:20], h.CRC)
	binary.LittleEndian.PutUint32(b[20:24], uint32(h.Compression))
}

// PutBasic encodes h in the basic layout. CRC and compression are dropped.
func (h *SectionHeader) PutBasic(b []byte) {
	_ = b[BasicSectionHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.ID))
	binary.LittleEndian.PutUint64(b[4:12], h.Uncompressed)
	binary.LittleEndian.PutUint32(b[12:16], h.Compressed)
}

// ParseSectionHeader decodes a header of the given size. Basic headers
// inherit the archive-wide compression and carry no CRC.
func ParseSectionHeader(b []byte, size int, archive storetype.Compression) (SectionHeader, error) {
	var h SectionHeader
	if len(b) < size {
		return h, fmt.Errorf("%w: section header truncated", storetype.ErrInvalidFormat)
	}
	h.ID = storetype.SectionID(binary.LittleEndian.Uint32(b[0:4]))
	h.Uncompressed = binary.LittleEndian.Uint64(b[4:12])
	h.Compressed = binary.LittleEndian.Uint32(b[12:16])
	h.Compression = archive
	if size >= ExtendedSectionHeaderSize {
		h.CRC = binary.LittleEndian.Uint32(b[16:20])
		h.Compression = storetype.Compression(binary.LittleEndian.Uint32(b[20:24]))
	}
	if !h.ID.Valid() {
		return h, fmt.Errorf("%w: unknown section id %d", storetype.ErrInvalidFormat, uint32(h.ID))
	}
	if !h.Compression.Valid() || h.Compression == storetype.CompressionDefault {
		return h, fmt.Errorf("%w: section %s compression %s", storetype.ErrInvalidFormat, h.ID, h.Compression)
	}
	return h, nil
}
