package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/eventsourcing"
)

// Tracing adds a span around command dispatch using the global tracer
// provider.
func Tracing(tracerName string) eventsourcing.Middleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/eventengine"
	}
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer adds a span around command dispatch using a
// specific tracer.
func TracingWithTracer(tracer trace.Tracer) eventsourcing.Middleware {
	return func(next eventsourcing.Dispatch) eventsourcing.Dispatch {
		return func(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
			commandType := cmd.CommandType
			if commandType == "" {
				commandType = "unknown"
			}

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.type", commandType),
					attribute.String("command.aggregate_id", cmd.AggregateID),
					attribute.String("command.idempotency_key", cmd.IdempotencyKey),
					attribute.String("command.correlation_id", cmd.CorrelationID),
				),
			)
			defer span.End()

			result, err := next(spanCtx, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(
				attribute.String("event.id", result.EventID),
				attribute.Int64("aggregate.version", result.Version),
				attribute.Bool("command.duplicate", result.Duplicate),
				attribute.Bool("event.published", result.Published),
			)
			span.SetStatus(codes.Ok, "command executed")

			return result, nil
		}
	}
}
