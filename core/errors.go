package worldstore

import "github.com/meigma/worldstore/core/internal/storetype"

// Sentinel errors re-exported from internal/storetype.
var (
	// ErrFileNotFound is returned when a save, index or asset file does not exist.
	ErrFileNotFound = storetype.ErrFileNotFound

	// ErrPermissionDenied is returned when the filesystem refuses access.
	ErrPermissionDenied = storetype.ErrPermissionDenied

	// ErrOutOfMemory is returned when a payload exceeds a memory budget.
	ErrOutOfMemory = storetype.ErrOutOfMemory

	// ErrInvalidFormat is returned for bad magic, malformed headers and bad arguments.
	ErrInvalidFormat = storetype.ErrInvalidFormat

	// ErrCompressionFailure is returned when a codec fails.
	ErrCompressionFailure = storetype.ErrCompressionFailure

	// ErrChecksumMismatch is returned when stored and computed CRC32 values differ.
	ErrChecksumMismatch = storetype.ErrChecksumMismatch

	// ErrVersionMismatch is returned for archives newer than this build supports.
	ErrVersionMismatch = storetype.ErrVersionMismatch

	// ErrTimeout is returned when an operation exceeds its time budget.
	ErrTimeout = storetype.ErrTimeout

	// ErrAsyncFailure is returned for I/O failures discovered mid-operation.
	ErrAsyncFailure = storetype.ErrAsyncFailure

	// ErrBufferFull is returned when a bounded structure has no room.
	ErrBufferFull = storetype.ErrBufferFull

	// ErrBufferTooSmall is returned when a destination buffer is too small.
	ErrBufferTooSmall = storetype.ErrBufferTooSmall
)
