// Package integrity validates save archives against their own declared
// size, checksums and section layout, and repairs the damage it can
// classify.
package integrity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	worldstore "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/internal/checksum"
	"github.com/meigma/worldstore/core/internal/format"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// Class identifies what kind of damage validation found.
type Class uint8

// Validation failure classes.
const (
	FileAccess Class = iota + 1
	ReadError
	MagicMismatch
	SizeMismatch
	ChecksumMismatch
	SectionError
	Unsupported
)

func (c Class) String() string {
	switch c {
	case FileAccess:
		return "file access"
	case ReadError:
		return "read error"
	case MagicMismatch:
		return "magic mismatch"
	case SizeMismatch:
		return "size mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case SectionError:
		return "section error"
	case Unsupported:
		return "unsupported version"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ValidationError reports the first problem found in an archive. Err
// wraps one of the storage sentinels, so errors.Is works through it.
type ValidationError struct {
	Path  string
	Class Class

	// Section is the damaged section, or zero when the damage is not
	// attributable to one section.
	Section storetype.SectionID

	Err error
}

func (e *ValidationError) Error() string {
	if e.Section != 0 {
		return fmt.Sprintf("validate %s: %s in section %s: %v", e.Path, e.Class, e.Section, e.Err)
	}
	return fmt.Sprintf("validate %s: %s: %v", e.Path, e.Class, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ClassOf returns the class of a validation failure, or 0 when err is not
// one.
func ClassOf(err error) Class {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Class
	}
	return 0
}

// Validate checks the archive at path. Checks run in order: the file can
// be opened and read, the magic, the declared size, every section record
// and its CRC32, then the whole-file CRC32. The first failure is returned
// as a *ValidationError.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{Path: path, Class: FileAccess, Err: storetype.ClassifyIOError(err)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return &ValidationError{Path: path, Class: FileAccess, Err: storetype.ClassifyIOError(err)}
	}
	if verr := check(f, info.Size()); verr != nil {
		verr.Path = path
		return verr
	}
	return nil
}

// ValidateBytes checks an archive image held in memory.
func ValidateBytes(data []byte) error {
	if verr := check(byteReader(data), int64(len(data))); verr != nil {
		verr.Path = "<memory>"
		return verr
	}
	return nil
}

func check(r io.ReaderAt, size int64) *ValidationError {
	buf := make([]byte, format.SaveHeaderSize)
	n, err := r.ReadAt(buf, 0)
	if n < 4 || (string(buf[:4]) != format.SaveMagic) {
		if err != nil && !errors.Is(err, io.EOF) {
			return &ValidationError{Class: ReadError, Err: storetype.ClassifyIOError(err)}
		}
		return &ValidationError{Class: MagicMismatch, Err: fmt.Errorf("%w: bad magic %q", storetype.ErrInvalidFormat, buf[:min(n, 4)])}
	}
	if n < len(buf) {
		if err != nil && !errors.Is(err, io.EOF) {
			return &ValidationError{Class: ReadError, Err: storetype.ClassifyIOError(err)}
		}
		return &ValidationError{Class: SizeMismatch, Err: fmt.Errorf("%w: file shorter than header (%d bytes)", storetype.ErrInvalidFormat, n)}
	}
	hdr, err := format.ParseSaveHeader(buf)
	if err != nil {
		return &ValidationError{Class: MagicMismatch, Err: err}
	}
	if hdr.Version.Major > worldstore.SupportedVersion.Major {
		return &ValidationError{Class: Unsupported, Err: fmt.Errorf("%w: archive version %s, supported %s", storetype.ErrVersionMismatch, hdr.Version, worldstore.SupportedVersion)}
	}
	if hdr.FileSize != 0 && hdr.FileSize != uint64(size) { //nolint:gosec // file sizes are non-negative
		return &ValidationError{Class: SizeMismatch, Err: fmt.Errorf("%w: header declares %d bytes, file has %d", storetype.ErrInvalidFormat, hdr.FileSize, size)}
	}

	a, err := worldstore.NewArchive(r, size)
	if err != nil {
		return sectionFailure(0, err)
	}
	for _, id := range a.SectionOrder() {
		if _, err := a.ReadSection(id); err != nil {
			return sectionFailure(id, err)
		}
	}

	if hdr.CRC != 0 {
		got, n, err := checksum.Masked(io.NewSectionReader(r, 0, size), format.SaveCRCOffset, format.SaveCRCSize)
		if err != nil {
			return &ValidationError{Class: ReadError, Err: storetype.ClassifyIOError(err)}
		}
		if n != size {
			return &ValidationError{Class: ReadError, Err: fmt.Errorf("%w: read %d of %d bytes", storetype.ErrAsyncFailure, n, size)}
		}
		if got != hdr.CRC {
			return &ValidationError{Class: ChecksumMismatch, Err: fmt.Errorf("%w: stored %08x, computed %08x", storetype.ErrChecksumMismatch, hdr.CRC, got)}
		}
	}
	return nil
}

// sectionFailure separates damaged section data from I/O failures.
func sectionFailure(id storetype.SectionID, err error) *ValidationError {
	switch {
	case errors.Is(err, storetype.ErrInvalidFormat),
		errors.Is(err, storetype.ErrChecksumMismatch),
		errors.Is(err, storetype.ErrCompressionFailure),
		errors.Is(err, storetype.ErrBufferTooSmall),
		errors.Is(err, storetype.ErrOutOfMemory):
		return &ValidationError{Class: SectionError, Section: id, Err: err}
	default:
		return &ValidationError{Class: ReadError, Section: id, Err: err}
	}
}

func byteReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
