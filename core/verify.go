package worldstore

import (
	"fmt"
	"os"

	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Verify re-validates the archive at path: the magic, the declared size,
// the whole-file CRC32 when the header records one, and every section's
// CRC32.
//
// Besides ErrFileNotFound, ErrPermissionDenied, ErrInvalidFormat and
// ErrChecksumMismatch, Verify returns ErrVersionMismatch for an archive
// written by a newer major version, whose layout it cannot check.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, storetype.ClassifyIOError(err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, storetype.ClassifyIOError(err))
	}
	hdr, err := readHeader(f)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	size := info.Size()
	if hdr.FileSize != 0 && hdr.FileSize != uint64(size) { //nolint:gosec // file sizes are non-negative
		return fmt.Errorf("verify %s: %w: header declares %d bytes, file has %d", path, ErrInvalidFormat, hdr.FileSize, size)
	}
	if hdr.CRC != 0 {
		got, err := fileCRC(f, size)
		if err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
		if got != hdr.CRC {
			return fmt.Errorf("verify %s: %w: stored %08x, computed %08x", path, ErrChecksumMismatch, hdr.CRC, got)
		}
	}

	a, err := NewArchive(f, size)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	for _, id := range a.SectionOrder() {
		if _, err := a.ReadSection(id); err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
	}
	return nil
}

// VersionCheck classifies the archive at path against SupportedVersion.
// Unlike Load it does not reject newer archives; they report Incompatible.
func VersionCheck(path string) (Compatibility, Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return Incompatible, Version{}, fmt.Errorf("version check %s: %w", path, storetype.ClassifyIOError(err))
	}
	defer f.Close()

	buf := make([]byte, format.SaveHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Incompatible, Version{}, fmt.Errorf("version check %s: %w: %w", path, ErrInvalidFormat, err)
	}
	hdr, err := format.ParseSaveHeader(buf)
	if err != nil {
		return Incompatible, Version{}, fmt.Errorf("version check %s: %w", path, err)
	}
	return CheckVersion(hdr.Version, SupportedVersion), hdr.Version, nil
}
