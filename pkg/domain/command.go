package domain

import (
	"encoding/json"
	"time"
)

// Command is the envelope describing an intent to change an aggregate.
// It is handed to the engine by a transport-layer collaborator.
type Command struct {
	// CommandType routes the command to its business rule (e.g., "CreateOrder")
	CommandType string `json:"command_type"`

	// AggregateID is the ID of the aggregate this command targets
	AggregateID string `json:"aggregate_id"`

	// IdempotencyKey is the caller-supplied token that gives the command
	// at-most-once effect despite retries.
	IdempotencyKey string `json:"idempotency_key"`

	// Payload is the command-type-specific body, serialized as JSON
	Payload json.RawMessage `json:"payload"`

	// CorrelationID traces related commands and events across aggregates
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CommandResult is the outcome of processing a command. It is also the
// value cached in the idempotency ledger, so a retried duplicate command
// returns the same (event id, version) pair without re-executing.
type CommandResult struct {
	// IdempotencyKey is the key of the command that was processed
	IdempotencyKey string `json:"idempotency_key"`

	// AggregateID is the aggregate the command targeted
	AggregateID string `json:"aggregate_id"`

	// EventID is the ID of the event produced by the command
	EventID string `json:"event_id"`

	// Version is the aggregate version after the event was appended
	Version int64 `json:"version"`

	// Duplicate indicates the result was served from the idempotency ledger
	Duplicate bool `json:"duplicate,omitempty"`

	// Published indicates the event reached the downstream bus. A false
	// value means the event is durably stored but delivery is pending.
	Published bool `json:"published"`

	// ProcessedAt is when the command was originally processed
	ProcessedAt time.Time `json:"processed_at"`
}
