package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the metric instruments for the command engine.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event metrics
	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram

	// Aggregate metrics
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	// Breaker metrics
	BreakerTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventengine.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"eventengine.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"eventengine.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventengine.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"eventengine.events.published",
		metric.WithDescription("Total events published to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"eventengine.publish.latency",
		metric.WithDescription("Event publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.latency: %w", err)
	}

	m.AggregateLoads, err = meter.Int64Counter(
		"eventengine.aggregate.loads",
		metric.WithDescription("Total aggregate rebuilds"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"eventengine.snapshot.hits",
		metric.WithDescription("Rebuilds accelerated by a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"eventengine.snapshot.misses",
		metric.WithDescription("Rebuilds replayed from the full log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	m.BreakerTransitions, err = meter.Int64Counter(
		"eventengine.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating breaker.transitions: %w", err)
	}

	return m, nil
}

// Noop returns metrics backed by no-op instruments, for wiring paths
// that don't configure telemetry.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("eventengine"))
	if err != nil {
		panic(err) // no-op instruments cannot fail
	}
	return m
}

// RecordCommand records command execution metrics.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordAppend records a durable append.
func (m *Metrics) RecordAppend(ctx context.Context, eventType string) {
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordPublish records a publish outcome by event type and status
// ("success", "rejected", "circuit_open", "error").
func (m *Metrics) RecordPublish(ctx context.Context, eventType, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("status", status),
	}

	m.PublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAggregateLoad records a rebuild and whether a snapshot was used.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}

	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
