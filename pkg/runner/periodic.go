package runner

import (
	"context"
	"sync"
	"time"
)

// Periodic runs a function on a fixed interval as a managed service.
// Used for housekeeping work such as ledger expiry purges and the
// re-publish sweep.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodic creates a periodic service. fn errors are logged, they do
// not stop the loop.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context) error, logger Logger) *Periodic {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

func (p *Periodic) Name() string {
	return p.name
}

func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(loopCtx)
	return nil
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fn(ctx); err != nil {
				p.logger.Error("periodic task failed", "service", p.name, "error", err)
			}
		}
	}
}

func (p *Periodic) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
