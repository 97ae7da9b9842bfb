package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/eventengine/pkg/domain"
)

// State is the constraint for aggregate state types. State values are
// plain data rebuilt by a pure fold; Version reports the version of the
// last applied event (0 for the zero state).
type State interface {
	Version() int64
}

// ApplyFunc is the pure fold step: it returns a new state value with the
// event applied and never mutates its input. Implementations must take
// the version from the event itself, so that unknown event types can
// fold through as no-ops without breaking the version sequence.
type ApplyFunc[T State] func(state T, event *domain.Event) T

// Rebuilder reconstructs aggregate state from an optional snapshot plus
// the trailing events. Rebuild is referentially transparent: the same
// event history always yields the same state value, independent of
// snapshot cadence.
type Rebuilder[T State] struct {
	store         EventStore
	snapshots     SnapshotStore // optional
	aggregateType string
	empty         func(aggregateID string) T
	apply         ApplyFunc[T]
	logger        *slog.Logger
}

// NewRebuilder creates a rebuilder for one aggregate family.
// empty returns the zero-state aggregate at version 0; apply is the fold.
func NewRebuilder[T State](
	store EventStore,
	aggregateType string,
	empty func(aggregateID string) T,
	apply ApplyFunc[T],
) *Rebuilder[T] {
	return &Rebuilder[T]{
		store:         store,
		aggregateType: aggregateType,
		empty:         empty,
		apply:         apply,
		logger:        slog.Default(),
	}
}

// WithSnapshots enables snapshot-accelerated rebuilds. Snapshot state is
// decoded from JSON; a snapshot that cannot be read or decoded falls
// back to a full replay because snapshots are advisory.
func (r *Rebuilder[T]) WithSnapshots(snapshots SnapshotStore) *Rebuilder[T] {
	r.snapshots = snapshots
	return r
}

// WithLogger sets the logger used for advisory snapshot failures.
func (r *Rebuilder[T]) WithLogger(logger *slog.Logger) *Rebuilder[T] {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// AggregateType returns the aggregate family name.
func (r *Rebuilder[T]) AggregateType() string {
	return r.aggregateType
}

// Empty returns the zero-state aggregate for id.
func (r *Rebuilder[T]) Empty(aggregateID string) T {
	return r.empty(aggregateID)
}

// Apply folds a single event into state.
func (r *Rebuilder[T]) Apply(state T, event *domain.Event) T {
	return r.apply(state, event)
}

// Rebuild loads the latest snapshot (if any), then left-folds the events
// with version > snapshot version in append order. An aggregate with no
// history rebuilds to its zero state.
func (r *Rebuilder[T]) Rebuild(ctx context.Context, aggregateID string) (T, bool, error) {
	state := r.empty(aggregateID)
	fromVersion := int64(1)
	snapshotUsed := false

	if r.snapshots != nil {
		snap, err := r.snapshots.Latest(ctx, aggregateID)
		switch {
		case err == nil:
			if uerr := json.Unmarshal(snap.State, &state); uerr != nil {
				r.logger.WarnContext(ctx, "snapshot decode failed, replaying full history",
					slog.String("aggregate_id", aggregateID),
					slog.Int64("snapshot_version", snap.Version),
					slog.String("error", uerr.Error()),
				)
				state = r.empty(aggregateID)
			} else {
				fromVersion = snap.Version + 1
				snapshotUsed = true
			}
		case errors.Is(err, domain.ErrNotFound):
			// no snapshot yet
		default:
			// snapshots are advisory: fall back to full replay
			r.logger.WarnContext(ctx, "snapshot load failed, replaying full history",
				slog.String("aggregate_id", aggregateID),
				slog.String("error", err.Error()),
			)
		}
	}

	events, err := r.store.LoadEvents(ctx, aggregateID, fromVersion)
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("load events for %s: %w", aggregateID, err)
	}

	for _, event := range events {
		state = r.apply(state, event)
	}

	return state, snapshotUsed, nil
}

// MarshalState serializes state for snapshotting. A snapshot at version V
// is byte-for-byte reproducible by folding events 1..V from empty state.
func MarshalState[T State](state T) ([]byte, error) {
	return json.Marshal(state)
}
