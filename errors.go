package worldstore

import (
	"errors"

	core "github.com/meigma/worldstore/core"
	"github.com/meigma/worldstore/core/async"
)

// Errors re-exported from core.
var (
	// ErrFileNotFound is returned when a save, index or asset file does not exist.
	ErrFileNotFound = core.ErrFileNotFound

	// ErrPermissionDenied is returned when the filesystem refuses access.
	ErrPermissionDenied = core.ErrPermissionDenied

	// ErrOutOfMemory is returned when a payload exceeds a memory budget.
	ErrOutOfMemory = core.ErrOutOfMemory

	// ErrInvalidFormat is returned for malformed files and bad arguments.
	ErrInvalidFormat = core.ErrInvalidFormat

	// ErrCompressionFailure is returned when a codec fails.
	ErrCompressionFailure = core.ErrCompressionFailure

	// ErrChecksumMismatch is returned when stored and computed CRC32 values differ.
	ErrChecksumMismatch = core.ErrChecksumMismatch

	// ErrVersionMismatch is returned for files newer than this build supports.
	ErrVersionMismatch = core.ErrVersionMismatch

	// ErrTimeout is returned when an async operation exceeds its time budget.
	ErrTimeout = core.ErrTimeout

	// ErrAsyncFailure is returned for I/O failures discovered mid-operation.
	ErrAsyncFailure = core.ErrAsyncFailure

	// ErrBufferFull is returned when the async pool or queue has no room.
	ErrBufferFull = core.ErrBufferFull

	// ErrBufferTooSmall is returned when a destination buffer is too small.
	ErrBufferTooSmall = core.ErrBufferTooSmall
)

// Errors re-exported from async.
var (
	// ErrNotCancellable is returned when cancelling an operation that
	// already left the queue.
	ErrNotCancellable = async.ErrNotCancellable
)

// ErrClosed is returned by Engine methods called after Close.
var ErrClosed = errors.New("worldstore: engine closed")
