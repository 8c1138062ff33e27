package worldstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/codec"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/sizing"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Writer streams sections into a new save archive.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	f        *platform.AtomicFile
	opts     options
	hdr      format.SaveHeader
	declared SectionMask
	off      uint64
	err      error
}

// Create starts a new archive that will replace path on Close. Only the
// sections in mask may be written; compression is the default codec for
// sections written with CompressionDefault.
//
// Create fails with ErrFileNotFound when the directory of path does not
// exist and ErrPermissionDenied when it cannot be written.
func Create(path string, mask SectionMask, compression Compression, opts ...Option) (*Writer, error) {
	o := newOptions(opts)
	if !compression.Valid() {
		return nil, fmt.Errorf("create %s: %w: compression %s", path, ErrInvalidFormat, compression)
	}
	if mask&^AllSections != 0 || mask == 0 {
		return nil, fmt.Errorf("create %s: %w: section mask %#x", path, ErrInvalidFormat, uint32(mask))
	}
	if !knownVersion(o.version) {
		return nil, fmt.Errorf("create %s: %w: cannot write version %s", path, ErrVersionMismatch, o.version)
	}

	f, err := platform.CreateAtomic(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &Writer{
		f:        f,
		opts:     o,
		declared: mask,
		off:      format.SaveHeaderSize,
		hdr: format.SaveHeader{
			Version:     o.version,
			Timestamp:   o.now().UnixNano(),
			Compression: compression,
		},
	}
	// Placeholder; Close rewrites the header once sizes and offsets are known.
	if _, err := f.Write(w.hdr.Bytes()); err != nil {
		f.Discard()
		return nil, fmt.Errorf("create %s: write header: %w", path, storetype.ClassifyIOError(err))
	}
	return w, nil
}

// WriteSection compresses data and appends it as section id. The CRC32 is
// computed over the uncompressed bytes. Passing CompressionDefault uses
// the archive's compression. FastBlock payloads that do not shrink are
// stored uncompressed.
//
// WriteSection returns ErrBufferFull if id was already written or the
// archive would exceed its size limit.
func (w *Writer) WriteSection(id SectionID, data []byte, compression Compression) error {
	if w.err != nil {
		return w.err
	}
	if !id.Valid() || !w.declared.Has(id) {
		return fmt.Errorf("section %s: %w: not declared in %s", id, ErrInvalidFormat, w.declared)
	}
	if w.hdr.Sections.Has(id) {
		return fmt.Errorf("section %s: %w: already written", id, ErrBufferFull)
	}
	if compression == CompressionDefault {
		compression = w.hdr.Compression
	}
	if !compression.Valid() {
		return fmt.Errorf("section %s: %w: compression %s", id, ErrInvalidFormat, compression)
	}

	legacy := w.hdr.Version.Major < 2
	if legacy {
		// Basic headers have no per-section compression field.
		compression = w.hdr.Compression
	}

	crc := checksum.CRC32(data)
	payload, err := codec.Compress(data, compression)
	if errors.Is(err, codec.ErrIncompressible) {
		if legacy {
			return fmt.Errorf("section %s: %w: incompressible under %s", id, ErrCompressionFailure, compression)
		}
		compression = CompressionNone
		payload, err = data, nil
	}
	if err != nil {
		return fmt.Errorf("section %s: %w", id, err)
	}

	compressed, err := sizing.ToUint32(len(payload), ErrBufferFull)
	if err != nil {
		return fmt.Errorf("section %s: %w: payload of %d bytes", id, err, len(payload))
	}
	sh := format.SectionHeader{
		ID:           id,
		Uncompressed: uint64(len(data)),
		Compressed:   compressed,
		CRC:          crc,
		Compression:  compression,
	}
	hsize := format.SectionHeaderSize(w.hdr.Version)
	end, ok := sizing.AddUint64(w.off, uint64(hsize)+uint64(compressed))
	if !ok || end > w.opts.maxSize {
		return fmt.Errorf("section %s: %w: archive would exceed %d bytes", id, ErrBufferFull, w.opts.maxSize)
	}

	buf := make([]byte, hsize)
	if legacy {
		sh.PutBasic(buf)
	} else {
		sh.PutExtended(buf)
	}
	if _, err := w.f.Write(buf); err != nil {
		return w.fail(fmt.Errorf("section %s: write header: %w", id, storetype.ClassifyIOError(err)))
	}
	if _, err := w.f.Write(payload); err != nil {
		return w.fail(fmt.Errorf("section %s: write payload: %w", id, storetype.ClassifyIOError(err)))
	}

	w.hdr.SetOffset(id, w.off)
	w.hdr.Sections |= id.Bit()
	w.off = end
	w.opts.log().Debug("section written",
		"path", w.f.Target(),
		"section", id.String(),
		"size", len(data),
		"stored", compressed,
		"compression", compression.String())
	return nil
}

// Close finalizes the header and atomically replaces the target file.
// If Close fails the previous file at the target path is left intact.
func (w *Writer) Close() error {
	if w.err != nil {
		w.f.Discard()
		return w.err
	}
	w.err = errors.New("worldstore: writer closed")

	// Format 1.0 and 2.0 never recorded size or checksum.
	if !w.hdr.Version.Less(Version{Major: 2, Minor: 1}) {
		w.hdr.FileSize = w.off
	}
	w.hdr.CRC = 0
	if _, err := w.f.WriteAt(w.hdr.Bytes(), 0); err != nil {
		w.f.Discard()
		return fmt.Errorf("finalize %s: %w", w.f.Target(), storetype.ClassifyIOError(err))
	}
	if w.hdr.FileSize != 0 {
		crc, err := fileCRC(w.f.File, int64(w.off)) //nolint:gosec // bounded by maxSize
		if err != nil {
			w.f.Discard()
			return fmt.Errorf("finalize %s: %w", w.f.Target(), err)
		}
		w.hdr.CRC = crc
		if _, err := w.f.WriteAt(w.hdr.Bytes(), 0); err != nil {
			w.f.Discard()
			return fmt.Errorf("finalize %s: %w", w.f.Target(), storetype.ClassifyIOError(err))
		}
	}
	if err := w.f.Commit(); err != nil {
		return err
	}
	w.opts.log().Info("archive saved",
		"path", w.f.Target(),
		"version", w.hdr.Version.String(),
		"sections", w.hdr.Sections.String(),
		"size", w.off)
	return nil
}

// Abort discards the partially written archive.
func (w *Writer) Abort() error {
	w.err = errors.New("worldstore: writer aborted")
	return w.f.Discard()
}

// Header returns the header as it will be written, minus size and CRC.
func (w *Writer) Header() Header {
	return w.hdr
}

func (w *Writer) fail(err error) error {
	w.err = err
	return err
}

// fileCRC computes the archive checksum of the first size bytes of r with
// the header CRC field treated as zero.
func fileCRC(r io.ReaderAt, size int64) (uint32, error) {
	crc, n, err := checksum.Masked(io.NewSectionReader(r, 0, size), format.SaveCRCOffset, format.SaveCRCSize)
	if err != nil {
		return 0, storetype.ClassifyIOError(err)
	}
	if n != size {
		return 0, fmt.Errorf("%w: read %d of %d bytes", ErrAsyncFailure, n, size)
	}
	return crc, nil
}

// Load reads and checks the header of the archive at path. It fails with
// ErrVersionMismatch when the archive's major version is newer than
// SupportedVersion.
func Load(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("load %s: %w", path, storetype.ClassifyIOError(err))
	}
	defer f.Close()

	hdr, err := readHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("load %s: %w", path, err)
	}
	return hdr, nil
}

func readHeader(r io.ReaderAt) (Header, error) {
	buf := make([]byte, format.SaveHeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: file shorter than header (%d bytes)", ErrInvalidFormat, n)
		}
		return Header{}, storetype.ClassifyIOError(err)
	}
	hdr, err := format.ParseSaveHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if hdr.Version.Major > SupportedVersion.Major {
		return Header{}, fmt.Errorf("%w: archive version %s, supported %s", ErrVersionMismatch, hdr.Version, SupportedVersion)
	}
	return hdr, nil
}

func knownVersion(v Version) bool {
	_, ok := migrations[v]
	return ok || v == SupportedVersion
}
