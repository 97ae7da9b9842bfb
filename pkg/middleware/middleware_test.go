package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
	"github.com/plaenen/eventengine/pkg/middleware"
)

func okDispatch(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
	return &domain.CommandResult{
		IdempotencyKey: cmd.IdempotencyKey,
		AggregateID:    cmd.AggregateID,
		EventID:        "evt-1",
		Version:        1,
	}, nil
}

func TestLoggingPassesThrough(t *testing.T) {
	dispatch := middleware.Logging(slog.Default())(okDispatch)

	result, err := dispatch(context.Background(), &domain.Command{
		CommandType:    "CreateOrder",
		AggregateID:    "order-1",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, "evt-1", result.EventID)
}

func TestRecoveryConvertsPanic(t *testing.T) {
	panicking := func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
		panic("rule exploded")
	}
	dispatch := middleware.Recovery(slog.Default())(panicking)

	result, err := dispatch(context.Background(), &domain.Command{CommandType: "CreateOrder"})
	require.Error(t, err)
	require.Nil(t, result)
	require.Contains(t, err.Error(), "panicked")
}

func TestEnvelopeValidation(t *testing.T) {
	dispatch := middleware.Envelope()(okDispatch)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  *domain.Command
		code string
	}{
		{"MissingType", &domain.Command{AggregateID: "a", IdempotencyKey: "k"}, "CommandRequired"},
		{"MissingAggregate", &domain.Command{CommandType: "CreateOrder", IdempotencyKey: "k"}, "AggregateIdRequired"},
		{"MissingKey", &domain.Command{CommandType: "CreateOrder", AggregateID: "a"}, "IdempotencyKeyRequired"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dispatch(ctx, tc.cmd)
			require.ErrorIs(t, err, domain.ErrValidation)
			require.Equal(t, tc.code, domain.ValidationCode(err))
		})
	}

	t.Run("CompleteEnvelope", func(t *testing.T) {
		_, err := dispatch(ctx, &domain.Command{
			CommandType:    "CreateOrder",
			AggregateID:    "order-1",
			IdempotencyKey: "key-1",
		})
		require.NoError(t, err)
	})
}

func TestPayloadValidator(t *testing.T) {
	type createOrder struct {
		CustomerID string `json:"customer_id" valid:"required"`
	}

	validator := middleware.NewPayloadValidator()
	validator.RegisterPayload("CreateOrder", func() any { return &createOrder{} })
	dispatch := middleware.Validation(validator)(okDispatch)
	ctx := context.Background()

	t.Run("ValidPayload", func(t *testing.T) {
		_, err := dispatch(ctx, &domain.Command{
			CommandType:    "CreateOrder",
			AggregateID:    "order-1",
			IdempotencyKey: "key-1",
			Payload:        json.RawMessage(`{"customer_id":"cust-1"}`),
		})
		require.NoError(t, err)
	})

	t.Run("MissingField", func(t *testing.T) {
		_, err := dispatch(ctx, &domain.Command{
			CommandType:    "CreateOrder",
			AggregateID:    "order-1",
			IdempotencyKey: "key-1",
			Payload:        json.RawMessage(`{}`),
		})
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := dispatch(ctx, &domain.Command{
			CommandType:    "CreateOrder",
			AggregateID:    "order-1",
			IdempotencyKey: "key-1",
			Payload:        json.RawMessage(`{`),
		})
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("UnregisteredTypePasses", func(t *testing.T) {
		_, err := dispatch(ctx, &domain.Command{
			CommandType:    "UnknownCommand",
			AggregateID:    "order-1",
			IdempotencyKey: "key-1",
		})
		require.NoError(t, err)
	})
}

var _ eventsourcing.Middleware = middleware.Envelope()

func TestOrderingOutermostFirst(t *testing.T) {
	var calls []string
	tag := func(name string) eventsourcing.Middleware {
		return func(next eventsourcing.Dispatch) eventsourcing.Dispatch {
			return func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
				calls = append(calls, name)
				return next(ctx, cmd)
			}
		}
	}

	failing := func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
		return nil, errors.New("boom")
	}

	dispatch := tag("outer")(tag("inner")(failing))
	_, err := dispatch(context.Background(), &domain.Command{CommandType: "X"})
	require.Error(t, err)
	require.Equal(t, []string{"outer", "inner"}, calls)
}
