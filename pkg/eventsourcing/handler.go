package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/idgen"
	"github.com/plaenen/eventengine/pkg/observability"
)

// BusinessRule validates a command against rebuilt aggregate state and,
// on success, returns the event to append. The rule supplies EventType
// and Payload; the handler stamps identity, version and timestamp.
// New command types add a new rule, not a change to the handler.
type BusinessRule[T State] func(cmd *domain.Command, state T) (*domain.Event, error)

// EventPublisher delivers a freshly appended event downstream. A false
// result means the event is durably stored but not yet delivered.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) (bool, error)
}

// Handler orchestrates the command pipeline for one aggregate family:
// idempotency check, rebuild, business rule, append, publish, record.
// Each stage short-circuits on failure.
type Handler[T State] struct {
	rebuilder *Rebuilder[T]
	store     EventStore
	ledger    IdempotencyLedger
	publisher EventPublisher   // optional
	snapshots SnapshotStore    // optional
	strategy  SnapshotStrategy // optional
	ttl       time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// HandlerOption configures a Handler.
type HandlerOption[T State] func(*Handler[T])

// WithPublisher sets the downstream event publisher. Publish failures
// are soft: the event stays durably appended and delivery is reconciled
// out of band.
func WithPublisher[T State](p EventPublisher) HandlerOption[T] {
	return func(h *Handler[T]) { h.publisher = p }
}

// WithSnapshotting enables periodic snapshots after append.
func WithSnapshotting[T State](store SnapshotStore, strategy SnapshotStrategy) HandlerOption[T] {
	return func(h *Handler[T]) {
		h.snapshots = store
		h.strategy = strategy
	}
}

// WithCommandTTL sets the idempotency retention window.
func WithCommandTTL[T State](ttl time.Duration) HandlerOption[T] {
	return func(h *Handler[T]) { h.ttl = ttl }
}

// WithLogger sets the handler logger.
func WithLogger[T State](logger *slog.Logger) HandlerOption[T] {
	return func(h *Handler[T]) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments recorded by the pipeline.
func WithMetrics[T State](m *observability.Metrics) HandlerOption[T] {
	return func(h *Handler[T]) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHandler creates a command handler for one aggregate family.
func NewHandler[T State](
	rebuilder *Rebuilder[T],
	store EventStore,
	ledger IdempotencyLedger,
	opts ...HandlerOption[T],
) *Handler[T] {
	h := &Handler[T]{
		rebuilder: rebuilder,
		store:     store,
		ledger:    ledger,
		ttl:       DefaultCommandTTL,
		logger:    slog.Default(),
		metrics:   observability.Noop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs the command pipeline. A duplicate command returns the
// cached result with the same (event id, version) pair and executes no
// business logic. domain.ErrConcurrencyConflict surfaces untouched: the
// caller must reload before retrying, so the handler never auto-retries.
func (h *Handler[T]) Handle(ctx context.Context, cmd *domain.Command, rule BusinessRule[T]) (*domain.CommandResult, error) {
	// Envelope rejections happen before the command is touched for
	// anything else, nil commands included.
	if err := checkEnvelope(cmd); err != nil {
		return nil, err
	}

	start := domain.Now()

	result, err := h.handle(ctx, cmd, rule)
	h.metrics.RecordCommand(ctx, cmd.CommandType, time.Since(start), err)
	return result, err
}

func (h *Handler[T]) handle(ctx context.Context, cmd *domain.Command, rule BusinessRule[T]) (*domain.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient(err)
	}

	// Idempotency check. Ledger read errors fail open so a ledger outage
	// does not block new commands, at the cost of a rare duplicate.
	cached, err := h.ledger.Get(ctx, cmd.IdempotencyKey)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "duplicate command served from ledger",
			slog.String("command_type", cmd.CommandType),
			slog.String("idempotency_key", cmd.IdempotencyKey),
			slog.String("event_id", cached.EventID),
		)
		dup := *cached
		dup.Duplicate = true
		return &dup, nil
	case errors.Is(err, domain.ErrNoRecord):
		// first sighting of this key
	default:
		h.logger.WarnContext(ctx, "idempotency ledger read failed, continuing",
			slog.String("idempotency_key", cmd.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}

	state, snapshotUsed, err := h.rebuilder.Rebuild(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	h.metrics.RecordAggregateLoad(ctx, h.rebuilder.AggregateType(), snapshotUsed)

	event, err := rule(cmd, state)
	if err != nil {
		return nil, err
	}

	h.stamp(event, cmd, state)

	if err := h.store.Append(ctx, event); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("append event: %w", err)
	}
	h.metrics.RecordAppend(ctx, event.EventType)

	result := &domain.CommandResult{
		IdempotencyKey: cmd.IdempotencyKey,
		AggregateID:    cmd.AggregateID,
		EventID:        event.ID,
		Version:        event.Version,
		ProcessedAt:    domain.Now(),
	}

	// The event is durable from here on. A publish failure downgrades the
	// result, never the append; delivery resumes via retry or sweep.
	if h.publisher != nil {
		published, perr := h.publisher.Publish(ctx, event)
		if perr != nil {
			h.logger.ErrorContext(ctx, "publish failed",
				slog.String("event_id", event.ID),
				slog.String("error", perr.Error()),
			)
		}
		result.Published = published
	}

	if err := h.ledger.Record(ctx, cmd.IdempotencyKey, result, h.ttl); err != nil {
		// best effort: a lost record allows a rare duplicate, it does not
		// lose the event
		h.logger.WarnContext(ctx, "idempotency ledger write failed",
			slog.String("idempotency_key", cmd.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}

	h.maybeSnapshot(ctx, cmd.AggregateID, state, event)

	return result, nil
}

// stamp fills in the parts of the event the handler owns. The version is
// always state version + 1, which is what the store's optimistic lock
// checks against.
func (h *Handler[T]) stamp(event *domain.Event, cmd *domain.Command, state T) {
	if event.ID == "" {
		event.ID = idgen.NewEventID()
	}
	event.AggregateID = cmd.AggregateID
	event.AggregateType = h.rebuilder.AggregateType()
	event.Version = state.Version() + 1
	event.Timestamp = domain.Now()
	event.Metadata.CausationID = cmd.IdempotencyKey
	if event.Metadata.CorrelationID == "" {
		event.Metadata.CorrelationID = cmd.CorrelationID
	}
}

func (h *Handler[T]) maybeSnapshot(ctx context.Context, aggregateID string, state T, event *domain.Event) {
	if h.snapshots == nil || h.strategy == nil || !h.strategy.ShouldSnapshot(event.Version) {
		return
	}

	post := h.rebuilder.Apply(state, event)
	data, err := MarshalState(post)
	if err != nil {
		h.logger.WarnContext(ctx, "snapshot marshal failed",
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
		return
	}

	snap := &domain.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: h.rebuilder.AggregateType(),
		Version:       event.Version,
		State:         data,
		CreatedAt:     domain.Now(),
	}
	if err := h.snapshots.Save(ctx, snap); err != nil {
		// advisory: rebuilds still work from the full log
		h.logger.WarnContext(ctx, "snapshot save failed",
			slog.String("aggregate_id", aggregateID),
			slog.Int64("version", snap.Version),
			slog.String("error", err.Error()),
		)
	}
}

func checkEnvelope(cmd *domain.Command) error {
	if cmd == nil {
		return domain.NewValidationError("CommandRequired")
	}
	if cmd.AggregateID == "" {
		return domain.NewValidationError("AggregateIdRequired")
	}
	if cmd.IdempotencyKey == "" {
		return domain.NewValidationError("IdempotencyKeyRequired")
	}
	return nil
}
