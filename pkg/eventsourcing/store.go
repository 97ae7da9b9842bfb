package eventsourcing

import (
	"context"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// EventStore defines the contract for the append-only per-aggregate log.
// Append is the single serialization point that gives each aggregate
// single-writer consistency without a global lock.
type EventStore interface {
	// Append persists one event. Returns domain.ErrConcurrencyConflict if
	// an event already exists at (aggregate_id, version): two concurrent
	// appends at the same version race, the store accepts exactly one,
	// the loser must reload and retry.
	Append(ctx context.Context, event *domain.Event) error

	// LoadEvents returns events for an aggregate with version >= fromVersion,
	// in ascending version order. An aggregate with no history yields an
	// empty slice, not an error.
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error)

	// AggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)
}

// SnapshotStore defines the contract for snapshot persistence.
// Snapshots bound replay cost; they are never authoritative.
type SnapshotStore interface {
	// Save persists a snapshot for an aggregate.
	Save(ctx context.Context, snapshot *domain.Snapshot) error

	// Latest retrieves the most recent snapshot for an aggregate.
	// Returns domain.ErrNotFound if none exists.
	Latest(ctx context.Context, aggregateID string) (*domain.Snapshot, error)
}

// IdempotencyLedger records processed command keys with a bounded
// retention window, guarding at-most-once execution.
type IdempotencyLedger interface {
	// Get returns the cached result for key, or domain.ErrNoRecord when
	// no unexpired record exists.
	Get(ctx context.Context, key string) (*domain.CommandResult, error)

	// Record stores the result for key. Repeated keys after the TTL
	// expires are treated as new commands.
	Record(ctx context.Context, key string, result *domain.CommandResult, ttl time.Duration) error
}

// SnapshotStrategy decides when the handler materializes a snapshot.
type SnapshotStrategy interface {
	// ShouldSnapshot reports whether a snapshot should be created after
	// an event at the given version was appended.
	ShouldSnapshot(version int64) bool
}

// IntervalSnapshotStrategy creates a snapshot every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots every
// interval events.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

// ShouldSnapshot reports true on every interval-th version.
func (s *IntervalSnapshotStrategy) ShouldSnapshot(version int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return version%s.Interval == 0
}

// DefaultCommandTTL is the default retention window for processed
// command keys.
const DefaultCommandTTL = 7 * 24 * time.Hour
