package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/messaging"
)

type fakeLedger struct {
	unpublished []*domain.CommandResult
	marked      []string
}

func (l *fakeLedger) Unpublished(ctx context.Context, limit int) ([]*domain.CommandResult, error) {
	if len(l.unpublished) > limit {
		return l.unpublished[:limit], nil
	}
	return l.unpublished, nil
}

func (l *fakeLedger) MarkPublished(ctx context.Context, key string) error {
	l.marked = append(l.marked, key)
	return nil
}

type fakeStore struct {
	events map[string][]*domain.Event
}

func (s *fakeStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, e := range s.events[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestSweeperRedeliversUnpublishedEvents(t *testing.T) {
	event := &domain.Event{
		ID:            "evt-1",
		AggregateID:   "order-1",
		AggregateType: "Order",
		EventType:     "OrderCreated",
		Version:       1,
		Timestamp:     time.Now(),
	}
	ledger := &fakeLedger{unpublished: []*domain.CommandResult{{
		IdempotencyKey: "key-1",
		AggregateID:    "order-1",
		EventID:        "evt-1",
		Version:        1,
	}}}
	store := &fakeStore{events: map[string][]*domain.Event{"order-1": {event}}}

	bus := &fakeBus{}
	publisher := messaging.NewPublisher(bus, newBreaker(), messaging.WithRetryPolicy(fastRetry()))
	sweeper := messaging.NewSweeper(ledger, store, publisher)

	delivered, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, []string{"key-1"}, ledger.marked)
	require.Len(t, bus.published, 1)
	require.Equal(t, "evt-1", bus.published[0].ID)
}

func TestSweeperLeavesRecordWhenDeliveryStillFails(t *testing.T) {
	ledger := &fakeLedger{unpublished: []*domain.CommandResult{{
		IdempotencyKey: "key-1",
		AggregateID:    "order-1",
		EventID:        "evt-1",
		Version:        1,
	}}}
	store := &fakeStore{events: map[string][]*domain.Event{"order-1": {{
		ID:          "evt-1",
		AggregateID: "order-1",
		Version:     1,
	}}}}

	transient := domain.Transient(errors.New("still down"))
	bus := &fakeBus{errs: []error{transient, transient, transient}}
	publisher := messaging.NewPublisher(bus, newBreaker(), messaging.WithRetryPolicy(fastRetry()))
	sweeper := messaging.NewSweeper(ledger, store, publisher)

	delivered, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	require.Empty(t, ledger.marked)
}

func TestSweeperSkipsMissingEvents(t *testing.T) {
	ledger := &fakeLedger{unpublished: []*domain.CommandResult{{
		IdempotencyKey: "key-ghost",
		AggregateID:    "order-ghost",
		EventID:        "evt-ghost",
		Version:        1,
	}}}
	store := &fakeStore{events: map[string][]*domain.Event{}}

	bus := &fakeBus{}
	publisher := messaging.NewPublisher(bus, newBreaker(), messaging.WithRetryPolicy(fastRetry()))
	sweeper := messaging.NewSweeper(ledger, store, publisher)

	delivered, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	require.Empty(t, bus.published)
}
