package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func TestMonitorRecordsStatsAndSpans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	clock := &stepClock{t: time.Unix(0, 0), step: 10 * time.Millisecond}
	m := NewMonitor(WithTracer(tp.Tracer("test")), WithClock(clock.Now))

	_, done := m.Begin(context.Background(), CategorySave, "world")
	done(1024, nil)
	done(1024, nil) // second call ignored

	_, done = m.Begin(context.Background(), CategoryLoad, "world")
	done(0, errors.New("boom"))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Save.Count)
	assert.Equal(t, int64(1024), s.Save.Bytes)
	assert.Equal(t, 10*time.Millisecond, s.Save.Average())
	assert.Equal(t, uint64(1), s.Load.Failures)
	assert.Empty(t, m.Alerts())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "save.world", spans[0].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMonitorSlowOperationAlerts(t *testing.T) {
	t.Parallel()

	var got []Alert
	clock := &stepClock{t: time.Unix(0, 0), step: 6 * time.Second}
	m := NewMonitor(WithClock(clock.Now), WithAlertHandler(func(a Alert) { got = append(got, a) }))

	_, done := m.Begin(context.Background(), CategorySave, "full")
	done(0, nil)
	_, done = m.Begin(context.Background(), CategoryLoad, "full")
	done(0, nil)
	_, done = m.Begin(context.Background(), CategoryAsset, "texture")
	done(0, nil)

	require.Len(t, got, 2)
	assert.Equal(t, AlertSlowSave, got[0].Kind)
	assert.Equal(t, AlertSlowLoad, got[1].Kind)
	assert.Equal(t, got, m.Alerts())
}

func TestMonitorHitRatioAlert(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	for range 60 {
		m.CacheHit()
	}
	for range 39 {
		m.CacheMiss()
	}
	assert.Empty(t, m.Alerts(), "no alert below the sample minimum")

	m.CacheMiss() // 100 samples, 60% hits
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowHitRatio, alerts[0].Kind)
	assert.InDelta(t, 0.60, alerts[0].Value, 1e-9)

	m.CacheMiss()
	assert.Len(t, m.Alerts(), 1, "alert fires once per excursion")
	assert.InDelta(t, 60.0/101.0, m.Stats().HitRatio(), 1e-9)
}

func TestMonitorMemoryAlert(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	m.Memory("chunks", 64<<20)
	m.Memory("assets", 60<<20)
	assert.Empty(t, m.Alerts())
	assert.Equal(t, int64(124<<20), m.Stats().Memory)

	m.Memory("assets", 100<<20)
	m.Memory("assets", 101<<20)
	require.Len(t, m.Alerts(), 1)
	assert.Equal(t, AlertHighMemory, m.Alerts()[0].Kind)
	assert.Equal(t, int64(165<<20), m.Stats().PeakMemory)

	m.Reset()
	assert.Empty(t, m.Alerts())
	assert.Zero(t, m.Stats().PeakMemory)
}

func TestSetupTracingDisabled(t *testing.T) {
	t.Parallel()

	shutdown, err := SetupTracing(context.Background(), TracingConfig{Enabled: false, Endpoint: "http://localhost:4318"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestNop(t *testing.T) {
	t.Parallel()

	o := OrNop(nil)
	ctx, done := o.Begin(context.Background(), CategoryAsset, "x")
	assert.NotNil(t, ctx)
	done(1, nil)
	o.CacheHit()
	o.CacheMiss()
	o.Memory("x", 1)
}
