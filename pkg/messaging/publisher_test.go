package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/messaging"
	"github.com/plaenen/eventengine/pkg/resilience"
)

// fakeBus scripts Publish outcomes and records what it was given.
type fakeBus struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	published []*domain.Event
}

func (b *fakeBus) Publish(ctx context.Context, events []*domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	var err error
	if len(b.errs) > 0 {
		err = b.errs[0]
		b.errs = b.errs[1:]
	}
	if err == nil {
		b.published = append(b.published, events...)
	}
	return err
}

func (b *fakeBus) Subscribe(filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) Close() error { return nil }

func fastRetry() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func newBreaker() *resilience.Breaker {
	return newBreakerWithThreshold(2)
}

func newBreakerWithThreshold(failures uint32) *resilience.Breaker {
	return resilience.MustNewBreaker(resilience.BreakerConfig{
		FailureThreshold: failures,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	})
}

func sampleEvent() *domain.Event {
	return &domain.Event{
		ID:            "evt-1",
		AggregateID:   "order-1",
		AggregateType: "Order",
		EventType:     "OrderCreated",
		Version:       1,
		Timestamp:     time.Now(),
		Metadata: domain.EventMetadata{
			CausationID: "key-1",
		},
	}
}

func TestPublisherDelivers(t *testing.T) {
	bus := &fakeBus{}
	p := messaging.NewPublisher(bus, newBreaker(),
		messaging.WithRetryPolicy(fastRetry()),
		messaging.WithSource("order-service", "2.1"),
	)

	published, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.True(t, published)
	require.Len(t, bus.published, 1)

	// metadata is stamped on the wire copy
	stamped := bus.published[0]
	require.Equal(t, "order-service", stamped.Metadata.SourceService)
	require.Equal(t, "2.1", stamped.Metadata.SchemaVersion)
	require.Equal(t, "key-1", stamped.Metadata.CorrelationID)
}

func TestPublisherRetriesTransientFailures(t *testing.T) {
	bus := &fakeBus{errs: []error{
		domain.Transient(errors.New("connection reset")),
		domain.Transient(errors.New("connection reset")),
	}}
	// threshold above the scripted failures, so the breaker stays closed
	// across the whole retry sequence
	p := messaging.NewPublisher(bus, newBreakerWithThreshold(10), messaging.WithRetryPolicy(fastRetry()))

	published, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.True(t, published)
	require.Equal(t, 3, bus.calls)
}

func TestPublisherSoftFailsWhenRetriesExhaust(t *testing.T) {
	transient := domain.Transient(errors.New("broker down"))
	bus := &fakeBus{errs: []error{transient, transient, transient}}

	p := messaging.NewPublisher(bus, newBreakerWithThreshold(10), messaging.WithRetryPolicy(fastRetry()))

	published, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.False(t, published)
	require.Equal(t, 3, bus.calls)
}

func TestPublisherSoftFailsOnOpenCircuit(t *testing.T) {
	transient := domain.Transient(errors.New("broker down"))
	bus := &fakeBus{errs: []error{transient, transient, transient, transient}}
	breaker := newBreaker()
	p := messaging.NewPublisher(bus, breaker, messaging.WithRetryPolicy(fastRetry()))

	// two failures trip the breaker mid-retry
	published, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.False(t, published)
	require.Equal(t, resilience.BreakerOpen, p.BreakerState())
	require.Equal(t, 2, bus.calls)

	// subsequent publishes soft-fail without touching the bus
	published, err = p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.False(t, published)
	require.Equal(t, 2, bus.calls)
}

func TestPublisherDoesNotRetryRejection(t *testing.T) {
	bus := &fakeBus{errs: []error{domain.ErrPublishRejected}}
	breaker := newBreaker()
	p := messaging.NewPublisher(bus, breaker, messaging.WithRetryPolicy(fastRetry()))

	published, err := p.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.False(t, published)
	require.Equal(t, 1, bus.calls)

	// a rejection is a downstream answer, not a downstream outage
	require.Equal(t, resilience.BreakerClosed, p.BreakerState())
}
