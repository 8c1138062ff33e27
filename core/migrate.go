package worldstore

import (
	"bytes"
	"fmt"
	"os"

	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/platform"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// migration rewrites a complete archive image from one version to the
// next. Steps chain until SupportedVersion is reached.
type migration struct {
	to    Version
	apply func(image []byte) ([]byte, error)
}

var migrations = map[Version]migration{
	{Major: 1, Minor: 0}: {to: Version{Major: 2, Minor: 0}, apply: extendSectionHeaders},
	{Major: 2, Minor: 0}: {to: Version{Major: 2, Minor: 1}, apply: recordSizeAndCRC},
}

// Migrate upgrades the archive at path to SupportedVersion. Compatible
// archives are left untouched; incompatible ones fail with
// ErrVersionMismatch. The rewrite is atomic.
func Migrate(path string, opts ...Option) (Compatibility, error) {
	o := newOptions(opts)
	compat, from, err := VersionCheck(path)
	if err != nil {
		return compat, err
	}
	switch compat {
	case Compatible:
		return compat, nil
	case Incompatible:
		return compat, fmt.Errorf("migrate %s: %w: archive %s, supported %s", path, ErrVersionMismatch, from, SupportedVersion)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return compat, fmt.Errorf("migrate %s: %w", path, storetype.ClassifyIOError(err))
	}
	if len(image) > MaxSaveFileSize {
		return compat, fmt.Errorf("migrate %s: %w: %d bytes", path, ErrOutOfMemory, len(image))
	}

	v := from
	for v != SupportedVersion {
		step, ok := migrations[v]
		if !ok {
			return compat, fmt.Errorf("migrate %s: %w: no migration from %s", path, ErrVersionMismatch, v)
		}
		image, err = step.apply(image)
		if err != nil {
			return compat, fmt.Errorf("migrate %s: %s -> %s: %w", path, v, step.to, err)
		}
		o.log().Info("archive migrated", "path", path, "from", v.String(), "to", step.to.String())
		v = step.to
	}

	if err := platform.WriteFile(path, image); err != nil {
		return compat, fmt.Errorf("migrate %s: %w", path, err)
	}
	return compat, nil
}

// extendSectionHeaders converts a 1.0 image, whose sections use basic
// 16 byte headers and the archive-wide codec, into a 2.0 image with
// extended headers carrying each section's CRC32 and codec. Payloads are
// decoded once to compute the CRC and kept in their stored form.
func extendSectionHeaders(image []byte) ([]byte, error) {
	a, err := NewArchive(bytes.NewReader(image), int64(len(image)))
	if err != nil {
		return nil, err
	}
	hdr := a.Header()
	hdr.Version = Version{Major: 2, Minor: 0}
	hdr.FileSize = 0
	hdr.CRC = 0
	hdr.Offsets = [format.OffsetSlots]uint64{}

	out := make([]byte, format.SaveHeaderSize, len(image)+len(a.order)*8)
	for _, id := range a.SectionOrder() {
		info, _ := a.Section(id)
		data, err := a.ReadSection(id)
		if err != nil {
			return nil, err
		}
		raw, err := a.ReadRawSection(id)
		if err != nil {
			return nil, err
		}
		sh := info.SectionHeader
		sh.CRC = checksum.CRC32(data)
		hdr.SetOffset(id, uint64(len(out)))
		buf := make([]byte, format.ExtendedSectionHeaderSize)
		sh.PutExtended(buf)
		out = append(out, buf...)
		out = append(out, raw...)
	}
	hdr.Put(out[:format.SaveHeaderSize])
	return out, nil
}

// recordSizeAndCRC stamps a 2.0 image with its size and whole-file CRC32,
// which 2.0 writers left zero.
func recordSizeAndCRC(image []byte) ([]byte, error) {
	hdr, err := format.ParseSaveHeader(image)
	if err != nil {
		return nil, err
	}
	hdr.Version = Version{Major: 2, Minor: 1}
	hdr.FileSize = uint64(len(image))
	hdr.CRC = 0
	hdr.Put(image[:format.SaveHeaderSize])
	hdr.CRC = checksum.CRC32(image)
	hdr.Put(image[:format.SaveHeaderSize])
	return image, nil
}
