// Package nats provides a NATS JetStream implementation of the
// messaging.EventBus contract, plus an embedded server for tests.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/messaging"
)

// EventBus publishes events to NATS JetStream for durable streaming with
// at-least-once delivery. Subjects follow events.<AggregateType>.<EventType>.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
}

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for events
	StreamName string

	// StreamSubjects are the subjects the stream captures (default: "events.>")
	StreamSubjects []string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// NewEventBus connects to NATS and ensures the event stream exists.
func NewEventBus(config Config) (*EventBus, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return bus, nil
}

func (b *EventBus) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		_, err = b.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		_, err = b.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}

	return nil
}

// Publish delivers events to JetStream. The event ID doubles as the
// JetStream message ID, so redeliveries of the same event deduplicate on
// the broker side. Transport failures are classified: broker rejections
// map to domain.ErrPublishRejected, everything else retryable maps to a
// transient error.
func (b *EventBus) Publish(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, event := range events {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("%w: serialize event %s: %w", domain.ErrPublishRejected, event.ID, err)
		}

		subject := fmt.Sprintf("events.%s.%s", event.AggregateType, event.EventType)

		_, err = b.js.Publish(subject, eventJSON, nats.MsgId(event.ID), nats.Context(ctx))
		if err != nil {
			return classifyPublishError(event.ID, err)
		}
	}

	return nil
}

// classifyPublishError maps NATS errors onto the engine's error
// taxonomy. Rejections are permanent and must not be retried; connection
// and timeout failures are worth another attempt.
func classifyPublishError(eventID string, err error) error {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		// the broker processed the request and refused the message
		return fmt.Errorf("%w: event %s: %w", domain.ErrPublishRejected, eventID, err)
	}
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrInvalidMsg) {
		return fmt.Errorf("%w: event %s: %w", domain.ErrPublishRejected, eventID, err)
	}
	return domain.Transient(fmt.Errorf("publish event %s: %w", eventID, err))
}

// Subscribe delivers events matching the filter to handler on a durable
// queue consumer. A handler error naks the message for redelivery.
func (b *EventBus) Subscribe(filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := buildSubject(filter)
	consumerName := fmt.Sprintf("consumer_%s", idgen.MustNewSortableID()[:8])

	sub, err := b.js.QueueSubscribe(
		subject,
		consumerName,
		func(msg *nats.Msg) {
			var event domain.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				msg.Nak()
				return
			}
			if !filter.Matches(&event) {
				msg.Ack()
				return
			}
			if err := handler(&event); err != nil {
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subs[consumerName] = sub

	return &subscription{
		bus:          b,
		sub:          sub,
		consumerName: consumerName,
	}, nil
}

// buildSubject builds a NATS subject from an event filter. Filters that
// don't map onto a single subject subscribe wide and narrow in the
// handler.
func buildSubject(filter messaging.EventFilter) string {
	if len(filter.AggregateTypes) == 1 {
		if len(filter.EventTypes) == 1 {
			return fmt.Sprintf("events.%s.%s", filter.AggregateTypes[0], filter.EventTypes[0])
		}
		if len(filter.EventTypes) == 0 {
			return fmt.Sprintf("events.%s.>", filter.AggregateTypes[0])
		}
	}
	return "events.>"
}

// Close unsubscribes all consumers and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Close()

	return nil
}

type subscription struct {
	bus          *EventBus
	sub          *nats.Subscription
	consumerName string
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.consumerName)
	return s.sub.Unsubscribe()
}
