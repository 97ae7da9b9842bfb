package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/eventengine/pkg/domain"
)

// UnpublishedLister surfaces command records whose event was appended
// but never delivered to the bus.
type UnpublishedLister interface {
	Unpublished(ctx context.Context, limit int) ([]*domain.CommandResult, error)
	MarkPublished(ctx context.Context, key string) error
}

// EventLoader loads appended events for re-delivery.
type EventLoader interface {
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error)
}

// Sweeper reconciles publish soft failures: it scans the ledger for
// events that were durably appended but never acknowledged by the bus
// and re-publishes them. Broker-side deduplication on the event ID
// keeps redeliveries harmless.
type Sweeper struct {
	ledger    UnpublishedLister
	store     EventLoader
	publisher *Publisher
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a sweeper over the given ledger and store.
func NewSweeper(ledger UnpublishedLister, store EventLoader, publisher *Publisher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger:    ledger,
		store:     store,
		publisher: publisher,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithBatchSize sets how many records one sweep pass covers.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sweep runs one reconciliation pass and reports how many events were
// re-delivered. Records whose delivery still fails stay unpublished for
// the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	records, err := s.ledger.Unpublished(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}

	delivered := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		event, err := s.loadEvent(ctx, record)
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep could not load event",
				slog.String("event_id", record.EventID),
				slog.String("aggregate_id", record.AggregateID),
				slog.String("error", err.Error()),
			)
			continue
		}

		published, err := s.publisher.Publish(ctx, event)
		if err != nil {
			return delivered, fmt.Errorf("re-publish event %s: %w", event.ID, err)
		}
		if !published {
			// downstream still unavailable, the next pass retries
			continue
		}

		if err := s.ledger.MarkPublished(ctx, record.IdempotencyKey); err != nil {
			s.logger.ErrorContext(ctx, "sweep could not mark record published",
				slog.String("idempotency_key", record.IdempotencyKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		s.logger.InfoContext(ctx, "sweep re-delivered events", slog.Int("count", delivered))
	}

	return delivered, nil
}

func (s *Sweeper) loadEvent(ctx context.Context, record *domain.CommandResult) (*domain.Event, error) {
	events, err := s.store.LoadEvents(ctx, record.AggregateID, record.Version)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.ID == record.EventID {
			return event, nil
		}
	}
	return nil, fmt.Errorf("event %s not found at version %d: %w", record.EventID, record.Version, domain.ErrNotFound)
}
