package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventengine/pkg/domain"
	"github.com/plaenen/eventengine/pkg/resilience"
)

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return domain.Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptBudget(t *testing.T) {
	transient := domain.Transient(errors.New("still down"))

	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return transient
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.Contains(t, err.Error(), "max attempts (3) exceeded")
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := domain.NewValidationError("InvalidQuantity")

	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Equal(t, 1, calls)
}

func TestRetryDoesNotRetryOpenCircuit(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return resilience.ErrCircuitOpen
	})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	require.Equal(t, 1, calls)

	calls = 0
	err = fastPolicy().Do(context.Background(), func() error {
		calls++
		return resilience.ErrTooManyRequests
	})
	require.ErrorIs(t, err, resilience.ErrTooManyRequests)
	require.Equal(t, 1, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	policy := resilience.Policy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error {
			calls++
			return domain.Transient(errors.New("down"))
		})
	}()

	// cancel while the policy sleeps before the second attempt
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.ErrorIs(t, err, domain.ErrTransient)
		require.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDelayScheduleIsBoundedAndNonDecreasing(t *testing.T) {
	policy := resilience.Policy{
		MaxAttempts:     10,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}

	require.Equal(t, time.Second, policy.Delay(0))
	require.Equal(t, 2*time.Second, policy.Delay(1))
	require.Equal(t, 4*time.Second, policy.Delay(2))

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := policy.Delay(attempt)
		require.GreaterOrEqual(t, d, prev, "delay decreased at attempt %d", attempt)
		require.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}

	// far past overflow territory the delay stays pinned at the cap
	require.Equal(t, policy.MaxDelay, policy.Delay(500))
}
