package worldstore

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/worldstore/core/asset"
	assethttp "github.com/meigma/worldstore/core/http"
	"github.com/meigma/worldstore/core/observe"
)

// Option configures an Engine.
type Option func(*Engine) error

// Quick-save slots are numbered 0 through MaxSlot.
const MaxSlot = 9

// --- Ambient Options ---

// WithLogger sets the logger shared by every engine component.
// By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithClock overrides the time source of the monitor, world store and
// catalog.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

// --- Monitoring Options ---

// WithAlertHandler receives every alert the monitor raises, in addition
// to the log line it writes.
func WithAlertHandler(fn func(observe.Alert)) Option {
	return func(e *Engine) error {
		e.monitorOpts = append(e.monitorOpts, observe.WithAlertHandler(fn))
		return nil
	}
}

// WithMonitorOptions passes extra options to the monitor, such as a
// tracer or meter.
func WithMonitorOptions(opts ...observe.MonitorOption) Option {
	return func(e *Engine) error {
		e.monitorOpts = append(e.monitorOpts, opts...)
		return nil
	}
}

// --- Asset Options ---

// WithAssetIndex uses idx instead of reading the index file named by the
// configuration.
func WithAssetIndex(idx *asset.Index) Option {
	return func(e *Engine) error {
		if idx == nil {
			return errors.New("asset index must not be nil")
		}
		e.index = idx
		return nil
	}
}

// WithAssetSource replaces the default local/remote router.
func WithAssetSource(src asset.Source) Option {
	return func(e *Engine) error {
		if src == nil {
			return errors.New("asset source must not be nil")
		}
		e.source = src
		return nil
	}
}

// WithHTTPOptions configures requests made for remote (http/https) asset
// paths, for example authentication headers.
func WithHTTPOptions(opts ...assethttp.Option) Option {
	return func(e *Engine) error {
		e.httpOpts = append(e.httpOpts, opts...)
		return nil
	}
}
