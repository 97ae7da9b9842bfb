package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// Ledger is a SQLite-backed idempotency ledger. Records expire after a
// TTL and expired records are treated as absent.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger on an existing database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Get returns the recorded result for an idempotency key, or
// domain.ErrNoRecord when the key is unknown or its record has expired.
func (l *Ledger) Get(ctx context.Context, key string) (*domain.CommandResult, error) {
	var (
		result      domain.CommandResult
		published   int
		processedAt int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT idempotency_key, aggregate_id, event_id, version, published, processed_at
		FROM processed_commands
		WHERE idempotency_key = ? AND expires_at > ?`,
		key, domain.Now().UnixNano(),
	).Scan(&result.IdempotencyKey, &result.AggregateID, &result.EventID, &result.Version, &published, &processedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoRecord
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load command record: %w", err))
	}

	result.Published = published != 0
	result.ProcessedAt = time.Unix(0, processedAt)
	return &result, nil
}

// Record stores a command result under its idempotency key. Re-recording
// the same key overwrites the previous entry and refreshes its expiry.
func (l *Ledger) Record(ctx context.Context, key string, result *domain.CommandResult, ttl time.Duration) error {
	published := 0
	if result.Published {
		published = 1
	}

	now := domain.Now()
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO processed_commands
			(idempotency_key, aggregate_id, event_id, version, published, processed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key,
		result.AggregateID,
		result.EventID,
		result.Version,
		published,
		result.ProcessedAt.UnixNano(),
		now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("record command: %w", err))
	}
	return nil
}

// Unpublished lists live records whose event was appended but never
// acknowledged by the bus. Feeds the re-publish sweep.
func (l *Ledger) Unpublished(ctx context.Context, limit int) ([]*domain.CommandResult, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT idempotency_key, aggregate_id, event_id, version, processed_at
		FROM processed_commands
		WHERE published = 0 AND expires_at > ?
		ORDER BY processed_at ASC
		LIMIT ?`,
		domain.Now().UnixNano(), limit,
	)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("query unpublished commands: %w", err))
	}
	defer rows.Close()

	results := make([]*domain.CommandResult, 0)
	for rows.Next() {
		var (
			result      domain.CommandResult
			processedAt int64
		)
		if err := rows.Scan(&result.IdempotencyKey, &result.AggregateID, &result.EventID, &result.Version, &processedAt); err != nil {
			return nil, fmt.Errorf("scan command record: %w", err)
		}
		result.ProcessedAt = time.Unix(0, processedAt)
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("iterate command records: %w", err))
	}

	return results, nil
}

// MarkPublished flips a record's published flag after a successful
// re-delivery.
func (l *Ledger) MarkPublished(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE processed_commands SET published = 1 WHERE idempotency_key = ?`,
		key,
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("mark published: %w", err))
	}
	return nil
}

// PurgeExpired removes expired ledger records and reports how many were
// deleted. Intended to run periodically.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_commands WHERE expires_at <= ?`,
		domain.Now().UnixNano(),
	)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("purge expired commands: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("count purged commands: %w", err))
	}
	return n, nil
}
