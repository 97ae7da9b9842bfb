package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/sqlite"
)

func newTestStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	store, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(aggregateID string, version int64, eventType string) *domain.Event {
	return &domain.Event{
		ID:            fmt.Sprintf("evt-%s-%d", aggregateID, version),
		AggregateID:   aggregateID,
		AggregateType: "Order",
		EventType:     eventType,
		Version:       version,
		Timestamp:     time.Now(),
		Payload:       json.RawMessage(`{"order_id":"` + aggregateID + `"}`),
		Metadata: domain.EventMetadata{
			CausationID: "cmd-" + aggregateID,
		},
	}
}

func TestEventStoreAppendAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		if err := store.Append(ctx, testEvent("order-1", v, "ItemAdded")); err != nil {
			t.Fatalf("append version %d: %v", v, err)
		}
	}

	t.Run("LoadFromStart", func(t *testing.T) {
		events, err := store.LoadEvents(ctx, "order-1", 1)
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, e := range events {
			if e.Version != int64(i+1) {
				t.Errorf("expected version %d at index %d, got %d", i+1, i, e.Version)
			}
		}
		if events[0].Metadata.CausationID != "cmd-order-1" {
			t.Errorf("metadata not round-tripped: %+v", events[0].Metadata)
		}
	})

	t.Run("LoadFromVersion", func(t *testing.T) {
		events, err := store.LoadEvents(ctx, "order-1", 3)
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(events) != 1 || events[0].Version != 3 {
			t.Fatalf("expected only version 3, got %d events", len(events))
		}
	})

	t.Run("UnknownAggregateIsEmpty", func(t *testing.T) {
		events, err := store.LoadEvents(ctx, "order-missing", 1)
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("expected no events, got %d", len(events))
		}
	})

	t.Run("AggregateVersion", func(t *testing.T) {
		version, err := store.AggregateVersion(ctx, "order-1")
		if err != nil {
			t.Fatalf("aggregate version: %v", err)
		}
		if version != 3 {
			t.Errorf("expected version 3, got %d", version)
		}

		version, err = store.AggregateVersion(ctx, "order-missing")
		if err != nil {
			t.Fatalf("aggregate version: %v", err)
		}
		if version != 0 {
			t.Errorf("expected version 0 for unknown aggregate, got %d", version)
		}
	})
}

func TestEventStoreConcurrencyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, testEvent("order-2", 1, "OrderCreated")); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := store.Append(ctx, testEvent("order-2", 1, "OrderCreated"))
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	// the losing append must not have written anything
	version, err := store.AggregateVersion(ctx, "order-2")
	if err != nil {
		t.Fatalf("aggregate version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after conflict, got %d", version)
	}
}

func TestEventStoreRejectsInvalidVersion(t *testing.T) {
	store := newTestStore(t)

	err := store.Append(context.Background(), testEvent("order-3", 0, "OrderCreated"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for version 0, got %v", err)
	}
}

func TestEventStoreConcurrentAppendsOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const racers = 10

	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := testEvent("order-race", 1, "OrderCreated")
			event.ID = fmt.Sprintf("evt-race-%d", i)
			errs[i] = store.Append(ctx, event)
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrConcurrencyConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if conflicts != racers-1 {
		t.Errorf("expected %d conflicts, got %d", racers-1, conflicts)
	}
}

func TestEventStoreLoadAllEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"order-a", "order-b"} {
		for v := int64(1); v <= 2; v++ {
			if err := store.Append(ctx, testEvent(id, v, "ItemAdded")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}

	events, err := store.LoadAllEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load all events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	// append order interleaves the aggregates
	if events[0].AggregateID != "order-a" || events[1].AggregateID != "order-a" {
		t.Errorf("unexpected order: %s, %s", events[0].AggregateID, events[1].AggregateID)
	}

	limited, err := store.LoadAllEvents(ctx, 2, 10)
	if err != nil {
		t.Fatalf("load all events from position: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events after position 2, got %d", len(limited))
	}
}
