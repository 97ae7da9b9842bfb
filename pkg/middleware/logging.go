// Package middleware provides cross-cutting dispatch middleware for the
// command bus: logging, panic recovery and payload validation.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
)

// Logging logs command dispatch with timing information using slog.
func Logging(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.Dispatch) eventsourcing.Dispatch {
		return func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
			start := time.Now()

			logger.InfoContext(ctx, "dispatching command",
				slog.String("command_type", cmd.CommandType),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.String("idempotency_key", cmd.IdempotencyKey),
				slog.String("correlation_id", cmd.CorrelationID),
			)

			result, err := next(ctx, cmd)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command failed",
					slog.String("command_type", cmd.CommandType),
					slog.String("aggregate_id", cmd.AggregateID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command processed",
				slog.String("command_type", cmd.CommandType),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.String("event_id", result.EventID),
				slog.Int64("version", result.Version),
				slog.Bool("duplicate", result.Duplicate),
				slog.Bool("published", result.Published),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return result, nil
		}
	}
}
