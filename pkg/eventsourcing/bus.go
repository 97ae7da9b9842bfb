package eventsourcing

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/eventengine/pkg/domain"
)

// Dispatch executes a command and returns its result.
type Dispatch func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error)

// Middleware wraps command dispatch with cross-cutting concerns.
type Middleware func(next Dispatch) Dispatch

// ErrCommandNotFound is returned when no business rule is registered for
// a command type.
var ErrCommandNotFound = fmt.Errorf("%w: unknown command type", domain.ErrValidation)

// Bus routes commands of one aggregate family to their business rules.
// Adding a command type means registering a new rule; the pipeline stays
// untouched.
type Bus[T State] struct {
	handler    *Handler[T]
	rules      map[string]BusinessRule[T]
	middleware []Middleware
	mu         sync.RWMutex
}

// NewBus creates a command bus backed by the given handler.
func NewBus[T State](handler *Handler[T]) *Bus[T] {
	return &Bus[T]{
		handler: handler,
		rules:   make(map[string]BusinessRule[T]),
	}
}

// Register registers the business rule for a command type.
// Panics on double registration; that is a wiring bug, not a runtime
// condition.
func (b *Bus[T]) Register(commandType string, rule BusinessRule[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.rules[commandType]; exists {
		panic(fmt.Sprintf("business rule already registered for command type: %s", commandType))
	}
	b.rules[commandType] = rule
}

// Use adds middleware to the dispatch pipeline. Middleware runs in the
// order it was added (first added = outermost).
func (b *Bus[T]) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Dispatch resolves the command's business rule and runs the handler
// pipeline through the middleware chain.
func (b *Bus[T]) Dispatch(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
	if cmd == nil {
		return nil, domain.NewValidationError("CommandRequired")
	}

	b.mu.RLock()
	rule, exists := b.rules[cmd.CommandType]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.CommandType)
	}

	dispatch := func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
		return b.handler.Handle(ctx, cmd, rule)
	}
	for i := len(middleware) - 1; i >= 0; i-- {
		dispatch = middleware[i](dispatch)
	}

	return dispatch(ctx, cmd)
}

// CommandTypes returns the registered command types.
func (b *Bus[T]) CommandTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.rules))
	for t := range b.rules {
		types = append(types, t)
	}
	return types
}
