package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// EventStore is a SQLite-backed implementation of the append-only
// per-aggregate event log with optimistic concurrency control.
type EventStore struct {
	db *sql.DB
}

// NewEventStore opens (and migrates) a SQLite event store.
//
//	// in-memory database for testing
//	store, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...Option) (*EventStore, error) {
	db, err := open(opts...)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db}, nil
}

// DB exposes the underlying handle so that the snapshot store and
// ledger can share one database.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Append persists one event. The UNIQUE (aggregate_id, version) index is
// the serialization point: if an event already exists at that version the
// insert fails and the caller observes domain.ErrConcurrencyConflict.
func (s *EventStore) Append(ctx context.Context, event *domain.Event) error {
	if event.Version < 1 {
		return fmt.Errorf("%w: version %d", domain.ErrValidation, event.Version)
	}

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.Version,
		event.Timestamp.UnixNano(),
		string(event.Payload),
		string(metadataJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConcurrencyConflict
		}
		return domain.Transient(fmt.Errorf("insert event: %w", err))
	}

	return nil
}

// LoadEvents returns events for an aggregate with version >= fromVersion
// in ascending version order. No history yields an empty slice.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, metadata
		FROM events
		WHERE aggregate_id = ? AND version >= ?
		ORDER BY version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAllEvents returns events from all aggregates in append order,
// starting after fromPosition. This is the hook for projection builders
// and the out-of-band re-publish sweep.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, metadata
		FROM events
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?`,
		fromPosition, limit,
	)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("query all events: %w", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AggregateVersion returns the current version of an aggregate, 0 if it
// doesn't exist.
func (s *EventStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("query aggregate version: %w", err))
	}
	return version, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	events := make([]*domain.Event, 0)
	for rows.Next() {
		var (
			event        domain.Event
			ts           int64
			payloadJSON  string
			metadataJSON string
		)
		if err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.Version,
			&ts,
			&payloadJSON,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		event.Timestamp = time.Unix(0, ts)
		event.Payload = json.RawMessage(payloadJSON)
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("iterate events: %w", err))
	}

	return events, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
