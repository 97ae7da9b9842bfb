package domain

import (
	"encoding/json"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"event_id"`

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the type name of the aggregate (e.g., "Order", "Account")
	AggregateType string `json:"aggregate_type"`

	// EventType is the type name of the event (e.g., "OrderCreated")
	EventType string `json:"event_type"`

	// Version is the version number of the aggregate after applying this event.
	// Versions form a gap-free ascending sequence per aggregate, starting at 1.
	Version int64 `json:"version"`

	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`

	// Payload is the event-type-specific body, serialized as JSON
	Payload json.RawMessage `json:"payload"`

	// Metadata contains additional contextual information
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the idempotency key of the command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:"correlation_id,omitempty"`

	// SourceService identifies the service that emitted this event
	SourceService string `json:"source_service,omitempty"`

	// SchemaVersion is the version of the event schema
	SchemaVersion string `json:"schema_version,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// Snapshot is a materialized aggregate state at a specific version.
// Snapshots are advisory. The event log is the source of truth and a
// snapshot at version V must be reproducible by folding events 1..V.
type Snapshot struct {
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       int64     `json:"version"`
	State         []byte    `json:"state"`
	CreatedAt     time.Time `json:"timestamp"`
}

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}
