package worldstore

import (
	"log/slog"
	"time"
)

// Option configures archive writers and readers.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	now     func() time.Time
	version Version
	maxSize uint64
}

func newOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		version: SupportedVersion,
		maxSize: MaxSaveFileSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// log returns the logger, falling back to a discard logger if nil.
func (o *options) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// WithLogger sets the logger for archive operations.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source used for header timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFormatVersion makes Create write an older archive layout (1.0 or
// 2.0) that older readers understand. Migrate upgrades such archives.
func WithFormatVersion(v Version) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithMaxSize lowers the archive size limit below MaxSaveFileSize.
func WithMaxSize(n uint64) Option {
	return func(o *options) {
		if n > 0 && n < MaxSaveFileSize {
			o.maxSize = n
		}
	}
}
