package worldstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/codec"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/sizing"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// SectionInfo locates one section inside an archive.
type SectionInfo struct {
	SectionHeader

	// HeaderOffset is the absolute offset of the section header.
	HeaderOffset uint64

	// PayloadOffset is the absolute offset of the stored payload.
	PayloadOffset uint64
}

// Archive provides read access to the sections of a save archive.
type Archive struct {
	r        io.ReaderAt
	closer   io.Closer
	size     int64
	hdr      Header
	sections map[SectionID]SectionInfo
	order    []SectionID
	opts     options
}

// Open opens the archive at path and indexes its sections.
func Open(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, storetype.ClassifyIOError(err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, storetype.ClassifyIOError(err))
	}
	a, err := NewArchive(f, info.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.closer = f
	return a, nil
}

// NewArchive indexes an archive held by r.
func NewArchive(r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		r:        r,
		size:     size,
		hdr:      hdr,
		sections: make(map[SectionID]SectionInfo, storetype.SectionCount),
		opts:     newOptions(opts),
	}
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

// scan walks the section records that follow the header.
func (a *Archive) scan() error {
	hsize := format.SectionHeaderSize(a.hdr.Version)
	end := uint64(a.size) //nolint:gosec // file sizes are non-negative
	if a.hdr.FileSize != 0 && a.hdr.FileSize < end {
		end = a.hdr.FileSize
	}
	buf := make([]byte, hsize)
	off := uint64(format.SaveHeaderSize)
	for off < end {
		if off+uint64(hsize) > end {
			return fmt.Errorf("%w: truncated section header at offset %d", ErrInvalidFormat, off)
		}
		if err := a.readAt(buf, off); err != nil {
			return err
		}
		sh, err := format.ParseSectionHeader(buf, hsize, a.hdr.Compression)
		if err != nil {
			return fmt.Errorf("section at offset %d: %w", off, err)
		}
		payloadOff := off + uint64(hsize)
		next := payloadOff + uint64(sh.Compressed)
		if next > end {
			return fmt.Errorf("%w: section %s overruns archive (%d > %d)", ErrInvalidFormat, sh.ID, next, end)
		}
		if _, dup := a.sections[sh.ID]; dup {
			return fmt.Errorf("%w: section %s appears twice", ErrInvalidFormat, sh.ID)
		}
		if !a.hdr.Sections.Has(sh.ID) {
			return fmt.Errorf("%w: section %s missing from header mask %s", ErrInvalidFormat, sh.ID, a.hdr.Sections)
		}
		if rec := a.hdr.Offset(sh.ID); rec != 0 && rec != off {
			return fmt.Errorf("%w: section %s recorded at %d, found at %d", ErrInvalidFormat, sh.ID, rec, off)
		}
		a.sections[sh.ID] = SectionInfo{SectionHeader: sh, HeaderOffset: off, PayloadOffset: payloadOff}
		a.order = append(a.order, sh.ID)
		off = next
	}
	for _, id := range a.hdr.Sections.IDs() {
		if _, ok := a.sections[id]; !ok {
			return fmt.Errorf("%w: section %s declared but not present", ErrInvalidFormat, id)
		}
	}
	return nil
}

// Header returns the archive header.
func (a *Archive) Header() Header { return a.hdr }

// Size returns the archive size in bytes.
func (a *Archive) Size() int64 { return a.size }

// Sections returns the mask of sections present.
func (a *Archive) Sections() SectionMask { return a.hdr.Sections }

// Section returns the location of section id.
func (a *Archive) Section(id SectionID) (SectionInfo, bool) {
	info, ok := a.sections[id]
	return info, ok
}

// SectionOrder returns section ids in file order.
func (a *Archive) SectionOrder() []SectionID {
	return append([]SectionID(nil), a.order...)
}

// ReadSection decompresses section id and verifies its CRC32. Archives
// with basic section headers carry no per-section CRC.
func (a *Archive) ReadSection(id SectionID) ([]byte, error) {
	info, ok := a.sections[id]
	if !ok {
		return nil, fmt.Errorf("section %s: %w: not present", id, ErrInvalidFormat)
	}
	return a.readSection(info)
}

// ReadRawSection returns the stored (possibly compressed) bytes of id.
func (a *Archive) ReadRawSection(id SectionID) ([]byte, error) {
	info, ok := a.sections[id]
	if !ok {
		return nil, fmt.Errorf("section %s: %w: not present", id, ErrInvalidFormat)
	}
	raw := make([]byte, info.Compressed)
	if err := a.readAt(raw, info.PayloadOffset); err != nil {
		return nil, fmt.Errorf("section %s: %w", id, err)
	}
	return raw, nil
}

func (a *Archive) readSection(info SectionInfo) ([]byte, error) {
	raw, err := a.ReadRawSection(info.ID)
	if err != nil {
		return nil, err
	}
	size, err := sizing.ToInt(info.Uncompressed, ErrOutOfMemory)
	if err != nil || info.Uncompressed > MaxSaveFileSize*8 {
		return nil, fmt.Errorf("section %s: %w: %d bytes uncompressed", info.ID, ErrOutOfMemory, info.Uncompressed)
	}
	data, err := codec.Decompress(raw, info.Compression, size)
	if err != nil {
		return nil, fmt.Errorf("section %s: %w", info.ID, err)
	}
	if a.hdr.Version.Major >= 2 {
		if got := checksum.CRC32(data); got != info.CRC {
			return nil, fmt.Errorf("section %s: %w: stored %08x, computed %08x", info.ID, ErrChecksumMismatch, info.CRC, got)
		}
	}
	return data, nil
}

// ReaderAt exposes the underlying archive bytes.
func (a *Archive) ReaderAt() io.ReaderAt { return a.r }

// Close releases the underlying file when the archive was opened by path.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *Archive) readAt(p []byte, off uint64) error {
	n, err := a.r.ReadAt(p, int64(off)) //nolint:gosec // offsets bounded by archive size
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read at offset %d", ErrInvalidFormat, off)
	}
	return storetype.ClassifyIOError(err)
}
