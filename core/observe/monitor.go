package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/meigma/worldstore"

// maxAlerts bounds the alert history kept by a Monitor.
const maxAlerts = 64

// AlertKind identifies the condition that raised an alert.
type AlertKind uint8

const (
	AlertSlowSave AlertKind = iota + 1
	AlertSlowLoad
	AlertHighMemory
	AlertLowHitRatio
)

// String returns the alert kind name.
func (k AlertKind) String() string {
	switch k {
	case AlertSlowSave:
		return "slow_save"
	case AlertSlowLoad:
		return "slow_load"
	case AlertHighMemory:
		return "high_memory"
	case AlertLowHitRatio:
		return "low_hit_ratio"
	default:
		return fmt.Sprintf("alert(%d)", k)
	}
}

// Alert is one threshold violation.
type Alert struct {
	Kind      AlertKind
	Message   string
	Value     float64
	Threshold float64
	At        time.Time
}

// CategoryStats aggregates the operations of one category.
type CategoryStats struct {
	Count    uint64
	Failures uint64
	Bytes    int64
	Total    time.Duration
	Last     time.Duration
	Max      time.Duration
}

// Average returns the mean operation duration.
func (s CategoryStats) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count) //nolint:gosec // counts stay far below MaxInt64
}

// Snapshot is a point-in-time copy of a Monitor's counters.
type Snapshot struct {
	Save       CategoryStats
	Load       CategoryStats
	Asset      CategoryStats
	Hits       uint64
	Misses     uint64
	Memory     int64
	PeakMemory int64
	Alerts     int
}

// HitRatio returns hits / (hits + misses), or 0 without samples.
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Monitor is the standard Observer. It keeps per-category statistics,
// emits OpenTelemetry spans and metrics, and logs alerts.
type Monitor struct {
	mu         sync.Mutex
	stats      [categoryCount]CategoryStats
	hits       uint64
	misses     uint64
	memory     map[string]int64
	peak       int64
	alerts     []Alert
	lowRatio   bool
	highMemory bool

	thresholds Thresholds
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	onAlert    func(Alert)

	meter     metric.Meter
	durations metric.Float64Histogram
	lookups   metric.Int64Counter
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger used for alerts.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithTracer sets the tracer for operation spans (default: the global
// provider's tracer).
func WithTracer(t trace.Tracer) MonitorOption {
	return func(m *Monitor) {
		m.tracer = t
	}
}

// WithMeter sets the meter for operation metrics (default: the global
// provider's meter).
func WithMeter(meter metric.Meter) MonitorOption {
	return func(m *Monitor) {
		m.meter = meter
	}
}

// WithThresholds replaces the alert thresholds.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAlertHandler registers a function called for every alert, outside
// the monitor's lock.
func WithAlertHandler(fn func(Alert)) MonitorOption {
	return func(m *Monitor) {
		m.onAlert = fn
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(instrumentationName)
	}
	if m.meter == nil {
		m.meter = otel.Meter(instrumentationName)
	}
	// Instrument creation only fails for invalid names; fall back to no-ops.
	if h, err := m.meter.Float64Histogram("worldstore.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of save, load and asset operations.")); err == nil {
		m.durations = h
	}
	if c, err := m.meter.Int64Counter("worldstore.cache.lookups",
		metric.WithDescription("Asset cache lookups by result.")); err == nil {
		m.lookups = c
	}
	return m
}

// log returns the logger, falling back to a discard logger if nil.
func (m *Monitor) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Begin starts a span and a timer for one operation.
func (m *Monitor) Begin(ctx context.Context, cat Category, name string) (context.Context, Finish) {
	ctx, span := m.tracer.Start(ctx, cat.String()+"."+name,
		trace.WithAttributes(attribute.String("worldstore.category", cat.String())))
	start := m.now()
	var once sync.Once
	return ctx, func(bytes int64, err error) {
		once.Do(func() {
			elapsed := m.now().Sub(start)
			span.SetAttributes(attribute.Int64("worldstore.bytes", bytes))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			if m.durations != nil {
				m.durations.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
					attribute.String("category", cat.String()),
					attribute.Bool("error", err != nil)))
			}
			m.finish(cat, name, elapsed, bytes, err)
		})
	}
}

func (m *Monitor) finish(cat Category, name string, elapsed time.Duration, bytes int64, err error) {
	var alert *Alert

	m.mu.Lock()
	if cat < categoryCount {
		s := &m.stats[cat]
		s.Count++
		if err != nil {
			s.Failures++
		}
		s.Bytes += bytes
		s.Total += elapsed
		s.Last = elapsed
		s.Max = max(s.Max, elapsed)
	}
	switch {
	case cat == CategorySave && m.thresholds.SlowSave > 0 && elapsed > m.thresholds.SlowSave:
		alert = m.raise(AlertSlowSave, fmt.Sprintf("save %s took %s", name, elapsed), elapsed.Seconds(), m.thresholds.SlowSave.Seconds())
	case cat == CategoryLoad && m.thresholds.SlowLoad > 0 && elapsed > m.thresholds.SlowLoad:
		alert = m.raise(AlertSlowLoad, fmt.Sprintf("load %s took %s", name, elapsed), elapsed.Seconds(), m.thresholds.SlowLoad.Seconds())
	}
	m.mu.Unlock()

	m.emit(alert)
}

// CacheHit records an asset cache hit.
func (m *Monitor) CacheHit() { m.lookup(true) }

// CacheMiss records an asset cache miss.
func (m *Monitor) CacheMiss() { m.lookup(false) }

func (m *Monitor) lookup(hit bool) {
	if m.lookups != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		m.lookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}

	var alert *Alert
	m.mu.Lock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	total := m.hits + m.misses
	if m.thresholds.MinHitSamples > 0 && total >= m.thresholds.MinHitSamples {
		ratio := float64(m.hits) / float64(total)
		switch {
		case ratio < m.thresholds.MinHitRatio && !m.lowRatio:
			m.lowRatio = true
			alert = m.raise(AlertLowHitRatio,
				fmt.Sprintf("cache hit ratio %.1f%% over %d lookups", ratio*100, total),
				ratio, m.thresholds.MinHitRatio)
		case ratio >= m.thresholds.MinHitRatio:
			m.lowRatio = false
		}
	}
	m.mu.Unlock()

	m.emit(alert)
}

// Memory records the bytes currently held by source (a cache name). The
// memory alert applies to the sum over all sources.
func (m *Monitor) Memory(source string, bytes int64) {
	var alert *Alert
	m.mu.Lock()
	if m.memory == nil {
		m.memory = make(map[string]int64)
	}
	m.memory[source] = bytes
	bytes = m.totalMemory()
	m.peak = max(m.peak, bytes)
	switch {
	case m.thresholds.Memory > 0 && bytes > m.thresholds.Memory && !m.highMemory:
		m.highMemory = true
		alert = m.raise(AlertHighMemory, fmt.Sprintf("memory usage %d bytes", bytes),
			float64(bytes), float64(m.thresholds.Memory))
	case bytes <= m.thresholds.Memory:
		m.highMemory = false
	}
	m.mu.Unlock()

	m.emit(alert)
}

func (m *Monitor) totalMemory() int64 {
	var total int64
	for _, b := range m.memory {
		total += b
	}
	return total
}

// raise records an alert. The caller must hold m.mu.
func (m *Monitor) raise(kind AlertKind, msg string, value, threshold float64) *Alert {
	a := Alert{Kind: kind, Message: msg, Value: value, Threshold: threshold, At: m.now()}
	if len(m.alerts) == maxAlerts {
		copy(m.alerts, m.alerts[1:])
		m.alerts = m.alerts[:maxAlerts-1]
	}
	m.alerts = append(m.alerts, a)
	return &a
}

func (m *Monitor) emit(a *Alert) {
	if a == nil {
		return
	}
	m.log().Warn("performance alert",
		"kind", a.Kind.String(),
		"message", a.Message,
		"value", a.Value,
		"threshold", a.Threshold)
	if m.onAlert != nil {
		m.onAlert(*a)
	}
}

// Alerts returns the retained alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Save:       m.stats[CategorySave],
		Load:       m.stats[CategoryLoad],
		Asset:      m.stats[CategoryAsset],
		Hits:       m.hits,
		Misses:     m.misses,
		Memory:     m.totalMemory(),
		PeakMemory: m.peak,
		Alerts:     len(m.alerts),
	}
}

// Reset clears statistics and alerts.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = [categoryCount]CategoryStats{}
	m.hits, m.misses = 0, 0
	m.memory, m.peak = nil, 0
	m.alerts = nil
	m.lowRatio, m.highMemory = false, false
}

var _ Observer = (*Monitor)(nil)
