package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/resilience"
)

// Publisher delivers appended events to the downstream bus through a
// circuit breaker and a bounded retry policy. One publisher (and one
// breaker) guards one downstream dependency and is shared by all
// concurrent command pipelines targeting it.
type Publisher struct {
	bus     EventBus
	breaker *resilience.Breaker
	retry   resilience.Policy
	logger  *slog.Logger
	metrics *observability.Metrics

	sourceService string
	schemaVersion string
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy resilience.Policy) PublisherOption {
	return func(p *Publisher) { p.retry = policy }
}

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSource sets the source_service and schema_version stamped on
// outgoing message metadata.
func WithSource(service, schemaVersion string) PublisherOption {
	return func(p *Publisher) {
		p.sourceService = service
		p.schemaVersion = schemaVersion
	}
}

// NewPublisher creates a publisher around bus, guarded by breaker.
func NewPublisher(bus EventBus, breaker *resilience.Breaker, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:           bus,
		breaker:       breaker,
		retry:         resilience.DefaultPolicy(),
		logger:        slog.Default(),
		metrics:       observability.Noop(),
		sourceService: "eventengine",
		schemaVersion: "1.0",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers one event. The return value reports delivery:
//
//   - (true, nil): the bus acknowledged the event.
//   - (false, nil): the event is durably appended but not delivered —
//     the breaker was open, the downstream rejected the event, or the
//     transient retry budget was exhausted. Delivery is reconciled by an
//     out-of-band re-publish sweep.
//
// Transient transport failures are retried; rejection and an open
// breaker are not.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) (bool, error) {
	start := time.Now()

	meta := event.Metadata
	meta.SourceService = p.sourceService
	meta.SchemaVersion = p.schemaVersion
	if meta.CorrelationID == "" {
		meta.CorrelationID = meta.CausationID
	}
	stamped := *event
	stamped.Metadata = meta

	err := p.retry.Do(ctx, func() error {
		return p.breaker.Do(func() error {
			return p.bus.Publish(ctx, []*domain.Event{&stamped})
		})
	})

	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "event published",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
		)
		p.metrics.RecordPublish(ctx, event.EventType, "success", elapsed)
		return true, nil

	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		p.logger.ErrorContext(ctx, "publish skipped, circuit open",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
		)
		p.metrics.RecordPublish(ctx, event.EventType, "circuit_open", elapsed)
		return false, nil

	case errors.Is(err, domain.ErrPublishRejected):
		// the downstream accepted the call and refused the event; the
		// event stays appended and the sweep re-delivers it
		p.logger.ErrorContext(ctx, "event rejected by downstream",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
		p.metrics.RecordPublish(ctx, event.EventType, "rejected", elapsed)
		return false, nil

	case domain.IsTransient(err):
		p.logger.ErrorContext(ctx, "publish retries exhausted",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
		p.metrics.RecordPublish(ctx, event.EventType, "error", elapsed)
		return false, nil

	default:
		p.metrics.RecordPublish(ctx, event.EventType, "error", elapsed)
		return false, err
	}
}

// BreakerState exposes the guarded dependency's breaker state.
func (p *Publisher) BreakerState() resilience.BreakerState {
	return p.breaker.State()
}
