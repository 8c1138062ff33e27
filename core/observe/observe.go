// Package observe receives timing hooks and cache counters from the
// storage engine and raises alerts when operations get slow, memory grows
// or the asset cache stops earning its keep.
package observe

import (
	"context"
	"fmt"
	"time"
)

// Category groups observed operations.
type Category uint8

const (
	CategorySave Category = iota
	CategoryLoad
	CategoryAsset
	categoryCount
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategorySave:
		return "save"
	case CategoryLoad:
		return "load"
	case CategoryAsset:
		return "asset"
	default:
		return fmt.Sprintf("category(%d)", c)
	}
}

// Finish ends an observed operation. bytes is the payload size moved by
// the operation; err is its outcome.
type Finish func(bytes int64, err error)

// Observer receives start/end hooks per operation and cache counters.
// Implementations must be safe for concurrent use.
type Observer interface {
	Begin(ctx context.Context, cat Category, name string) (context.Context, Finish)
	CacheHit()
	CacheMiss()
	Memory(source string, bytes int64)
}

// Nop discards every observation.
type Nop struct{}

// Begin implements Observer.
func (Nop) Begin(ctx context.Context, _ Category, _ string) (context.Context, Finish) {
	return ctx, func(int64, error) {}
}

// CacheHit implements Observer.
func (Nop) CacheHit() {}

// CacheMiss implements Observer.
func (Nop) CacheMiss() {}

// Memory implements Observer.
func (Nop) Memory(string, int64) {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// Thresholds configure when a Monitor raises alerts.
type Thresholds struct {
	SlowSave      time.Duration
	SlowLoad      time.Duration
	Memory        int64
	MinHitRatio   float64
	MinHitSamples uint64
}

// DefaultThresholds returns the stock alert thresholds: saves over 5s,
// loads over 3s, memory over 128 MiB, and a hit ratio under 70% once at
// least 100 lookups were observed.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowSave:      5 * time.Second,
		SlowLoad:      3 * time.Second,
		Memory:        128 << 20,
		MinHitRatio:   0.70,
		MinHitSamples: 100,
	}
}
