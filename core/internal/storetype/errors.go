package storetype

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors for storage operations. Callers match them with errors.Is;
// wrapping layers add context but never swap one kind for another.
var (
	// ErrFileNotFound is returned when a save, index or asset file does not exist.
	ErrFileNotFound = errors.New("worldstore: file not found")

	// ErrPermissionDenied is returned when the filesystem refuses access.
	ErrPermissionDenied = errors.New("worldstore: permission denied")

	// ErrOutOfMemory is returned when a payload exceeds the configured memory budget.
	ErrOutOfMemory = errors.New("worldstore: out of memory")

	// ErrInvalidFormat is returned for bad magic, malformed headers and out-of-range arguments.
	ErrInvalidFormat = errors.New("worldstore: invalid format")

	// ErrCompressionFailure is returned when a codec fails for reasons other than format.
	ErrCompressionFailure = errors.New("worldstore: compression failure")

	// ErrChecksumMismatch is returned when a CRC32 does not match its content.
	ErrChecksumMismatch = errors.New("worldstore: checksum mismatch")

	// ErrVersionMismatch is returned when a file's major version is newer than supported.
	ErrVersionMismatch = errors.New("worldstore: version mismatch")

	// ErrTimeout is returned when an operation exceeds its time budget.
	ErrTimeout = errors.New("worldstore: timeout")

	// ErrAsyncFailure is returned for I/O failures discovered mid-operation.
	ErrAsyncFailure = errors.New("worldstore: i/o failure")

	// ErrBufferFull is returned when a bounded pool, queue or table has no room.
	ErrBufferFull = errors.New("worldstore: buffer full")

	// ErrBufferTooSmall is returned by codecs when the destination cannot hold the output.
	ErrBufferTooSmall = errors.New("worldstore: buffer too small")
)

// ClassifyIOError maps an error from the os package onto the storage taxonomy.
// The original error stays in the chain.
func ClassifyIOError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrAsyncFailure):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", ErrAsyncFailure, err)
	}
}
