// Package runner manages the lifecycle of long-running services:
// ordered startup, graceful reverse-order shutdown and signal handling.
package runner

import "context"

// Service is a component the Runner can start and stop. Start blocks
// until the service is ready; both methods must respect context
// cancellation.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	Start(ctx context.Context) error

	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services can implement to take
// part in health checks.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
