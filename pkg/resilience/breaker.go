package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed means calls pass through normally
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means calls fail immediately without reaching downstream
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen means a limited number of trial calls probe recovery
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open trial budget is
	// exhausted by concurrent callers.
	ErrTooManyRequests = errors.New("too many requests in half-open state")

	// ErrInvalidBreakerConfig is returned for an invalid configuration.
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32

	// Timeout is how long the circuit stays open before a probe is
	// allowed (open -> half-open).
	Timeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls uint32

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit.
	SuccessThreshold uint32

	// OnStateChange, when set, is called after every state transition
	// with the old and new state. Invoked outside the breaker's lock.
	OnStateChange func(from, to BreakerState)
}

// Validate checks the configuration.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold == 0 {
		return errors.New("FailureThreshold must be greater than 0")
	}
	if c.Timeout <= 0 {
		return errors.New("Timeout must be greater than 0")
	}
	if c.HalfOpenMaxCalls == 0 {
		return errors.New("HalfOpenMaxCalls must be greater than 0")
	}
	if c.SuccessThreshold == 0 {
		return errors.New("SuccessThreshold must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 3,
	}
}

// Breaker is a three-state circuit breaker. One instance guards one
// downstream dependency and is shared across all concurrent callers of
// that dependency; counting and state transitions happen under a single
// mutex so they stay consistent under concurrent access.
type Breaker struct {
	config BreakerConfig

	mu               sync.Mutex
	state            BreakerState
	failures         uint32
	lastFailureTime  time.Time
	halfOpenInFlight uint32
	halfOpenSuccess  uint32
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(config BreakerConfig) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	return &Breaker{
		config: config,
		state:  BreakerClosed,
	}, nil
}

// MustNewBreaker creates a circuit breaker or panics on invalid config.
// Use for process-start wiring where failing fast is acceptable.
func MustNewBreaker(config BreakerConfig) *Breaker {
	b, err := NewBreaker(config)
	if err != nil {
		panic(err)
	}
	return b
}

// Allow checks whether a call may proceed. While open it rejects with
// ErrCircuitOpen until Timeout has elapsed since the last failure, at
// which point the breaker transitions to half-open and admits probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailureTime) > b.config.Timeout {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = 1
			b.halfOpenSuccess = 0
			b.mu.Unlock()
			b.notify(BreakerOpen, BreakerHalfOpen)
			return nil
		}
		b.mu.Unlock()
		return ErrCircuitOpen

	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return ErrTooManyRequests
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return nil

	default:
		b.mu.Unlock()
		return nil
	}
}

// notify runs the OnStateChange hook for an actual transition. Must be
// called with the lock released.
func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// RecordSuccess records a successful call. Reaching SuccessThreshold
// consecutive successes while half-open closes the circuit and resets
// the failure count.
func (b *Breaker) RecordSuccess() (oldState, newState BreakerState) {
	b.mu.Lock()
	oldState = b.state

	switch b.state {
	case BreakerClosed:
		b.failures = 0

	case BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.halfOpenInFlight = 0
			b.halfOpenSuccess = 0
		}
	}

	newState = b.state
	b.mu.Unlock()

	b.notify(oldState, newState)
	return
}

// RecordFailure records a failed call. Reaching FailureThreshold while
// closed opens the circuit; any failure while half-open reopens it
// immediately.
func (b *Breaker) RecordFailure() (oldState, newState BreakerState) {
	b.mu.Lock()
	oldState = b.state
	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
		}

	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
	}

	newState = b.state
	b.mu.Unlock()

	b.notify(oldState, newState)
	return
}

// Do runs fn guarded by the breaker. A domain.ErrPublishRejected result
// counts as a breaker success: the downstream answered, it just refused
// the payload.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	if err == nil || errors.Is(err, domain.ErrPublishRejected) {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	oldState := b.state
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
	b.mu.Unlock()

	b.notify(oldState, BreakerClosed)
}
