package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// Policy is a bounded exponential backoff retry policy. The delay before
// attempt n (zero-based) is min(BaseDelay * ExponentialBase^n, MaxDelay).
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// ExponentialBase is the backoff multiplier (typically 2).
	ExponentialBase float64

	// Logger, when set, logs each scheduled retry.
	Logger *slog.Logger
}

// DefaultPolicy returns a 3-attempt policy with 1s base delay capped at
// 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Retryable reports whether an error is worth retrying. Only transient
// transport/IO failures are. Retrying into an open breaker is pointless
// and would waste the attempt budget; rejections and domain errors are
// terminal by definition.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return false
	}
	return domain.IsTransient(err)
}

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. Exhausting the budget surfaces the last error. The
// sleep honors ctx cancellation.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if p.Logger != nil {
				p.Logger.WarnContext(ctx, "retrying after failure",
					slog.Int("attempt", attempt),
					slog.Duration("delay", delay),
					slog.String("error", lastErr.Error()),
				)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", domain.Transient(ctx.Err()))
			}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", domain.Transient(err))
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}

// Delay returns the backoff delay after the given zero-based attempt.
// Delays are non-decreasing and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 1 {
		base = 2.0
	}

	d := time.Duration(float64(p.BaseDelay) * math.Pow(base, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}
