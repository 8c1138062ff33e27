package integrity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	worldstore "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/codec"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/sizing"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Actions is the set of repairs applied to an archive.
type Actions uint8

// Repair actions.
const (
	HeaderRestored Actions = 1 << iota
	Resized
	ChecksumRewritten
	SectionsRestored
)

func (a Actions) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Actions
		name string
	}{
		{HeaderRestored, "header-restored"},
		{Resized, "resized"},
		{ChecksumRewritten, "checksum-rewritten"},
		{SectionsRestored, "sections-restored"},
	} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every action in b was taken.
func (a Actions) Has(b Actions) bool { return a&b == b }

// Option configures Repair.
type Option func(*repairer)

// WithLogger sets the logger for repair actions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *repairer) {
		r.logger = logger
	}
}

// WithDryRun computes the repairs without writing the result.
func WithDryRun(dry bool) Option {
	return func(r *repairer) {
		r.dryRun = dry
	}
}

type repairer struct {
	path   string
	backup string
	logger *slog.Logger
	dryRun bool
}

func (r *repairer) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// maxPasses bounds the validate/fix loop. Each class is fixed at most
// once, so a repairable archive converges well within it.
const maxPasses = 6

// Repair validates the archive at path and fixes what it finds:
//
//   - magic mismatch: the header is restored from backup
//   - size mismatch: the file is truncated or zero-extended to the declared size
//   - checksum mismatch: the whole-file CRC32 is recomputed and rewritten
//   - section error: damaged sections are replaced with the backup's copies
//
// Fixes can expose further damage, so validation repeats until the
// archive passes. The repaired file replaces path atomically; if any class
// cannot be fixed the file is left untouched. A magic or section repair
// without a backup fails with ErrFileNotFound. The returned Actions
// report exactly what was changed, and are zero when the archive was
// already valid.
func Repair(path, backup string, opts ...Option) (Actions, error) {
	r := &repairer{path: path, backup: backup}
	for _, opt := range opts {
		opt(r)
	}

	if err := Validate(path); err == nil {
		return 0, nil
	} else if c := ClassOf(err); c == FileAccess || c == ReadError {
		return 0, err
	}

	data, err := readImage(path, worldstore.MaxSaveFileSize)
	if err != nil {
		return 0, fmt.Errorf("repair %s: %w", path, err)
	}

	var done Actions
	for range maxPasses {
		verr := check(byteReader(data), int64(len(data)))
		if verr == nil {
			break
		}
		verr.Path = path
		var act Actions
		switch verr.Class {
		case MagicMismatch:
			act = HeaderRestored
		case SizeMismatch:
			act = Resized
		case ChecksumMismatch:
			act = ChecksumRewritten
		case SectionError:
			act = SectionsRestored
		default:
			return 0, fmt.Errorf("repair %s: %w", path, verr)
		}
		if done.Has(act) {
			return 0, fmt.Errorf("repair %s: %s persists after %s: %w", path, verr.Class, act, verr)
		}
		if data, err = r.fix(act, data, verr); err != nil {
			return 0, fmt.Errorf("repair %s: %w", path, err)
		}
		done |= act
		r.log().Info("archive repaired", "path", path, "action", act.String(), "class", verr.Class.String())
	}
	if verr := check(byteReader(data), int64(len(data))); verr != nil {
		verr.Path = path
		return 0, fmt.Errorf("repair %s: %w", path, verr)
	}

	if r.dryRun {
		return done, nil
	}
	if err := platform.WriteFile(path, data); err != nil {
		return 0, fmt.Errorf("repair %s: %w", path, err)
	}
	return done, nil
}

func (r *repairer) fix(act Actions, data []byte, verr *ValidationError) ([]byte, error) {
	switch act {
	case HeaderRestored:
		return r.restoreHeader(data)
	case Resized:
		return resize(data)
	case ChecksumRewritten:
		return rewriteChecksum(data)
	case SectionsRestored:
		return r.restoreSections(data, verr.Section)
	}
	return nil, fmt.Errorf("%w: unknown repair %d", storetype.ErrInvalidFormat, act)
}

func (r *repairer) needBackup(what string) error {
	if r.backup == "" {
		return fmt.Errorf("%s: %w: no backup supplied", what, storetype.ErrFileNotFound)
	}
	return nil
}

// restoreHeader replaces the fixed header with the backup's. Later passes
// reconcile the size, offsets and checksum with the local payload.
func (r *repairer) restoreHeader(data []byte) ([]byte, error) {
	if err := r.needBackup("restore header"); err != nil {
		return nil, err
	}
	hdr, err := worldstore.Load(r.backup)
	if err != nil {
		return nil, fmt.Errorf("restore header: backup: %w", err)
	}
	if len(data) < format.SaveHeaderSize {
		data = append(data, make([]byte, format.SaveHeaderSize-len(data))...)
	}
	hdr.Put(data[:format.SaveHeaderSize])
	return data, nil
}

// resize truncates or zero-extends data to the declared size.
func resize(data []byte) ([]byte, error) {
	if len(data) < format.SaveHeaderSize {
		return append(data, make([]byte, format.SaveHeaderSize-len(data))...), nil
	}
	hdr, err := format.ParseSaveHeader(data)
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	if hdr.FileSize < format.SaveHeaderSize || hdr.FileSize > worldstore.MaxSaveFileSize {
		return nil, fmt.Errorf("resize: %w: declared size %d out of range", storetype.ErrInvalidFormat, hdr.FileSize)
	}
	size := int(hdr.FileSize) //nolint:gosec // bounded by MaxSaveFileSize
	if size <= len(data) {
		return data[:size], nil
	}
	return append(data, make([]byte, size-len(data))...), nil
}

// rewriteChecksum recomputes the whole-file CRC32 in place.
func rewriteChecksum(data []byte) ([]byte, error) {
	crc, _, err := checksum.Masked(byteReader(data), format.SaveCRCOffset, format.SaveCRCSize)
	if err != nil {
		return nil, fmt.Errorf("rewrite checksum: %w", err)
	}
	binary.LittleEndian.PutUint32(data[format.SaveCRCOffset:], crc)
	return data, nil
}

// record is one section header plus its stored payload.
type record struct {
	hdr     format.SectionHeader
	payload []byte
}

// restoreSections rebuilds the archive from its intact sections, taking
// damaged or unreachable ones from the backup. The header's offsets,
// size and checksum are recomputed for the new layout.
func (r *repairer) restoreSections(data []byte, damaged storetype.SectionID) ([]byte, error) {
	if err := r.needBackup("restore sections"); err != nil {
		return nil, err
	}
	hdr, err := format.ParseSaveHeader(data)
	if err != nil {
		return nil, fmt.Errorf("restore sections: %w", err)
	}
	intact := salvage(data, hdr)
	delete(intact, damaged)

	backup, err := worldstore.Open(r.backup)
	if err != nil {
		return nil, fmt.Errorf("restore sections: backup: %w", err)
	}
	defer backup.Close()
	if format.SectionHeaderSize(backup.Header().Version) != format.SectionHeaderSize(hdr.Version) {
		return nil, fmt.Errorf("restore sections: %w: backup is format %s, archive is %s",
			storetype.ErrVersionMismatch, backup.Header().Version, hdr.Version)
	}

	ids := hdr.Sections.IDs()
	slices.Sort(ids)
	recs := make([]record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := intact[id]; ok {
			recs = append(recs, rec)
			continue
		}
		info, ok := backup.Section(id)
		if !ok {
			return nil, fmt.Errorf("restore sections: %w: section %s missing from backup", storetype.ErrFileNotFound, id)
		}
		if _, err := backup.ReadSection(id); err != nil {
			return nil, fmt.Errorf("restore sections: backup: %w", err)
		}
		payload, err := backup.ReadRawSection(id)
		if err != nil {
			return nil, fmt.Errorf("restore sections: backup: %w", err)
		}
		recs = append(recs, record{hdr: info.SectionHeader, payload: payload})
		r.log().Debug("section restored from backup", "path", r.path, "section", id.String(), "bytes", len(payload))
	}
	return assemble(hdr, recs)
}

// salvage walks the section records of data and returns those whose
// payload decodes and matches its CRC32. The walk stops at the first
// record whose header cannot be trusted.
func salvage(data []byte, hdr format.SaveHeader) map[storetype.SectionID]record {
	out := make(map[storetype.SectionID]record)
	hsize := format.SectionHeaderSize(hdr.Version)
	off := format.SaveHeaderSize
	for off+hsize <= len(data) {
		sh, err := format.ParseSectionHeader(data[off:], hsize, hdr.Compression)
		if err != nil {
			break
		}
		start := off + hsize
		end := start + int(sh.Compressed)
		if end > len(data) || !hdr.Sections.Has(sh.ID) {
			break
		}
		if _, dup := out[sh.ID]; !dup && sectionOK(sh, data[start:end], hdr.Version) {
			out[sh.ID] = record{hdr: sh, payload: data[start:end]}
		}
		off = end
	}
	return out
}

func sectionOK(sh format.SectionHeader, payload []byte, v storetype.Version) bool {
	size, err := sizing.ToInt(sh.Uncompressed, storetype.ErrOutOfMemory)
	if err != nil || sh.Uncompressed > worldstore.MaxSaveFileSize*8 {
		return false
	}
	plain, err := codec.Decompress(payload, sh.Compression, size)
	if err != nil {
		return false
	}
	return v.Major < 2 || checksum.CRC32(plain) == sh.CRC
}

// assemble lays out a fresh archive image from hdr and recs.
func assemble(hdr format.SaveHeader, recs []record) ([]byte, error) {
	hsize := format.SectionHeaderSize(hdr.Version)
	size := format.SaveHeaderSize
	for _, rec := range recs {
		size += hsize + len(rec.payload)
	}
	out := make([]byte, size)
	hdr.Offsets = [format.OffsetSlots]uint64{}
	off := format.SaveHeaderSize
	for _, rec := range recs {
		hdr.SetOffset(rec.hdr.ID, uint64(off)) //nolint:gosec // bounded by size
		if hsize == format.ExtendedSectionHeaderSize {
			rec.hdr.PutExtended(out[off:])
		} else {
			rec.hdr.PutBasic(out[off:])
		}
		copy(out[off+hsize:], rec.payload)
		off += hsize + len(rec.payload)
	}
	hadCRC := hdr.CRC != 0
	if hdr.FileSize != 0 {
		hdr.FileSize = uint64(size) //nolint:gosec // bounded by MaxSaveFileSize
	}
	hdr.CRC = 0
	hdr.Put(out)
	if hadCRC {
		return rewriteChecksum(out)
	}
	return out, nil
}

// readImage reads the whole archive, failing once more than limit bytes
// arrive.
func readImage(path string, limit uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	defer f.Close()
	data, err := sizing.ReadAllWithLimit(f, limit, storetype.ErrOutOfMemory)
	if errors.Is(err, storetype.ErrOutOfMemory) {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", err, path, limit)
	}
	if err != nil {
		return nil, storetype.ClassifyIOError(err)
	}
	return data, nil
}
