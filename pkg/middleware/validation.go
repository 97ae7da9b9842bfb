package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
)

// Validator validates a command before dispatch.
type Validator interface {
	Validate(cmd *domain.Command) error
}

// Validation runs a validator ahead of the handler. Validation failures
// are permanent and never hit the ledger or the store.
func Validation(validator Validator) eventsourcing.Middleware {
	return func(next eventsourcing.Dispatch) eventsourcing.Dispatch {
		return func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
			if err := validator.Validate(cmd); err != nil {
				return nil, err
			}
			return next(ctx, cmd)
		}
	}
}

// Envelope checks the required command envelope fields.
func Envelope() eventsourcing.Middleware {
	return Validation(envelopeValidator{})
}

type envelopeValidator struct{}

func (envelopeValidator) Validate(cmd *domain.Command) error {
	if cmd == nil || cmd.CommandType == "" {
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

// PayloadValidator decodes command payloads into registered typed
// structs and validates them with govalidator struct tags.
type PayloadValidator struct {
	factories map[string]func() any
}

// NewPayloadValidator creates an empty payload validator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{factories: make(map[string]func() any)}
}

// RegisterPayload binds a command type to a payload constructor. The
// constructed value must be a pointer to a struct with valid tags.
func (v *PayloadValidator) RegisterPayload(commandType string, factory func() any) {
	v.factories[commandType] = factory
}

func (v *PayloadValidator) Validate(cmd *domain.Command) error {
	factory, ok := v.factories[cmd.CommandType]
	if ok {
		payload := factory()
		if err := json.Unmarshal(cmd.Payload, payload); err != nil {
			return fmt.Errorf("%w: malformed payload: %w", domain.ErrValidation, err)
		}
		if _, err := govalidator.ValidateStruct(payload); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
	}
	return nil
}
