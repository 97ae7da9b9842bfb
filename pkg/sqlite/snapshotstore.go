package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// SnapshotStore is a SQLite-backed snapshot store. It usually shares a
// database with the EventStore.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store on an existing database.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot, replacing any existing snapshot at the same
// (aggregate_id, version).
func (s *SnapshotStore) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snapshot.AggregateID,
		snapshot.AggregateType,
		snapshot.Version,
		snapshot.State,
		snapshot.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("save snapshot: %w", err))
	}
	return nil
}

// Latest retrieves the most recent snapshot for an aggregate, or
// domain.ErrNotFound if none exists.
func (s *SnapshotStore) Latest(ctx context.Context, aggregateID string) (*domain.Snapshot, error) {
	var (
		snap domain.Snapshot
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC
		LIMIT 1`,
		aggregateID,
	).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.State, &ts)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load snapshot: %w", err))
	}

	snap.CreatedAt = time.Unix(0, ts)
	return &snap, nil
}

// DeleteOlderThan removes snapshots below the given version for an
// aggregate, keeping the newest ones.
func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, aggregateID string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ? AND version < ?`,
		aggregateID, version,
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("delete snapshots: %w", err))
	}
	return nil
}
