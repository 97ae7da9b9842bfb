package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
)

// Recovery converts panics in business rules into errors so one bad
// command cannot take down the process.
func Recovery(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.Dispatch) eventsourcing.Dispatch {
		return func(ctx context.Context, cmd *domain.Command) (result *domain.CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_type", cmd.CommandType),
						slog.String("aggregate_id", cmd.AggregateID),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)

					result = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next(ctx, cmd)
		}
	}
}
