package format

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Save archive layout constants.
const (
	SaveMagic      = "SIMC"
	SaveHeaderSize = 76

	// SaveCRCOffset is the position of the whole-file CRC inside the
	// header. The checksum is computed with these four bytes zeroed.
	SaveCRCOffset = 24
	SaveCRCSize   = 4

	// OffsetSlots is the number of section offsets recorded in the
	// header (World, Agents, Economy, Infrastructure).
	OffsetSlots = 4
)

// SaveHeader is the 76 byte archive header.
//
// Layout:
//   - Bytes 0-3:   Magic ("SIMC")
//   - Bytes 4-5:   Version major (uint16)
//   - Bytes 6-7:   Version minor (uint16)
//   - Bytes 8-15:  Timestamp (unix nanoseconds)
//   - Bytes 16-23: File size
//   - Bytes 24-27: CRC32 of the whole file with this field zeroed
//   - Bytes 28-31: Compression
//   - Bytes 32-35: Section mask
//   - Bytes 36-67: Section header offsets (World, Agents, Economy, Infrastructure)
//   - Bytes 68-75: Reserved
type SaveHeader struct {
	Version     storetype.Version
	Timestamp   int64
	FileSize    uint64
	CRC         uint32
	Compression storetype.Compression
	Sections    storetype.SectionMask
	Offsets     [OffsetSlots]uint64
	Reserved    [8]byte
}

// Offset returns the recorded header offset for id, or 0 when the id has
// no slot (Settings) or was not written.
func (h *SaveHeader) Offset(id storetype.SectionID) uint64 {
	if id < storetype.SectionWorld || int(id) > OffsetSlots {
		return 0
	}
	return h.Offsets[id-1]
}

// SetOffset records the header offset for id when it has a slot.
func (h *SaveHeader) SetOffset(id storetype.SectionID, off uint64) {
	if id < storetype.SectionWorld || int(id) > OffsetSlots {
		return
	}
	h.Offsets[id-1] = off
}

// Put encodes h into b.
func (h *SaveHeader) Put(b []byte) {
	_ = b[SaveHeaderSize-1]
	copy(b[0:4], SaveMagic)
	binary.LittleEndian.PutUint16(b[4:6], h.Version.Major)
	binary.LittleEndian.PutUint16(b[6:8], h.Version.Minor)
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.Timestamp)) //nolint:gosec // bit pattern round-trips
	binary.LittleEndian.PutUint64(b[16:24], h.FileSize)
	binary.LittleEndian.PutUint32(b[24:28], h.CRC)
	binary.LittleEndian.PutUint32(b[28:32], uint32(h.Compression))
	binary.LittleEndian.PutUint32(b[32:36], uint32(h.Sections))
	for i, off := range h.Offsets {
		binary.LittleEndian.PutUint64(b[36+i*8:44+i*8], off)
	}
	copy(b[68:76], h.Reserved[:])
}

// Bytes returns the encoded header.
func (h *SaveHeader) Bytes() []byte {
	b := make([]byte, SaveHeaderSize)
	h.Put(b)
	return b
}

// ParseSaveHeader decodes and magic-checks a save header.
func ParseSaveHeader(b []byte) (SaveHeader, error) {
	var h SaveHeader
	if len(b) < SaveHeaderSize {
		return h, fmt.Errorf("%w: save header truncated (%d bytes)", storetype.ErrInvalidFormat, len(b))
	}
	if string(b[0:4]) != SaveMagic {
		return h, fmt.Errorf("%w: bad save magic %q", storetype.ErrInvalidFormat, b[0:4])
	}
	h.Version.Major = binary.LittleEndian.Uint16(b[4:6])
	h.Version.Minor = binary.LittleEndian.Uint16(b[6:8])
	h.Timestamp = int64(binary.LittleEndian.Uint64(b[8:16])) //nolint:gosec // bit pattern round-trips
	h.FileSize = binary.LittleEndian.Uint64(b[16:24])
	h.CRC = binary.LittleEndian.Uint32(b[24:28])
	h.Compression = storetype.Compression(binary.LittleEndian.Uint32(b[28:32]))
	h.Sections = storetype.SectionMask(binary.LittleEndian.Uint32(b[32:36]))
	for i := range h.Offsets {
		h.Offsets[i] = binary.LittleEndian.Uint64(b[36+i*8 : 44+i*8])
	}
	copy(h.Reserved[:], b[68:76])
	return h, nil
}
