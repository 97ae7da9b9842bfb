package messaging

import (
	"context"

	"github.com/plaenen/eventengine/pkg/domain"
)

// EventBus is the contract a downstream broker adapter must satisfy:
// publish-with-ack plus filtered subscription. The engine is
// broker-agnostic; pkg/nats provides a JetStream implementation.
type EventBus interface {
	// Publish publishes events to all subscribers. Errors are classified:
	// domain.ErrPublishRejected for a negative ack, domain.ErrTransient
	// for timeouts and connection failures.
	Publish(ctx context.Context, events []*domain.Event) error

	// Subscribe subscribes to events matching the filter. The handler is
	// called for each event; returning an error nacks the event for
	// redelivery.
	Subscribe(filter EventFilter, handler EventHandler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// AggregateTypes filters by aggregate type (empty = all types)
	AggregateTypes []string

	// EventTypes filters by event type (empty = all types)
	EventTypes []string
}

// Matches reports whether an event passes the filter. An empty list
// matches everything.
func (f EventFilter) Matches(event *domain.Event) bool {
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, event.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, event.EventType) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// EventHandler processes a delivered event.
type EventHandler func(event *domain.Event) error

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops receiving events and cleans up resources.
	Unsubscribe() error
}
