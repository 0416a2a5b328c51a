package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/pesio-ai/be-plt-workflows/internal/service"

// Option customises a service.
type Option func(*options)

type options struct {
	now      func() time.Time
	newID    func() string
	meter    metric.Meter
	notifier Notifier
}

// WithClock replaces time.Now. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces uuid.NewString.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithMeter replaces the global otel meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func buildOptions(opts []Option) options {
	o := options{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	if o.meter == nil {
		o.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	return o
}

// ── Metrics ───────────────────────────────────────────────────────────────────

// metrics counts committed transitions and guard rejections. An instrument
// that fails to register falls back to a no-op counter.
type metrics struct {
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
}

func newMetrics(m metric.Meter) *metrics {
	transitions, err := m.Int64Counter("workflows.transitions",
		metric.WithDescription("Committed state transitions"))
	if err != nil {
		transitions = noop.Int64Counter{}
	}
	conflicts, err := m.Int64Counter("workflows.conflicts",
		metric.WithDescription("Transitions rejected because state changed concurrently"))
	if err != nil {
		conflicts = noop.Int64Counter{}
	}
	return &metrics{transitions: transitions, conflicts: conflicts}
}

func (m *metrics) transition(ctx context.Context, aggregate, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate", aggregate),
		attribute.String("to", to),
	))
}

func (m *metrics) conflict(ctx context.Context, aggregate string) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate", aggregate)))
}
