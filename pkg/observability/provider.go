package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider bundles an SDK meter provider with a manual reader so
// callers without a metrics backend can still collect and log counters.
type Provider struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewProvider creates an SDK-backed meter provider for the given
// service name.
func NewProvider(serviceName string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	return &Provider{provider: provider, reader: reader}, nil
}

// Meter returns a meter for instrument creation.
func (p *Provider) Meter(name string) metric.Meter {
	return p.provider.Meter(name)
}

// LogCounters collects current metric data and logs the counter sums.
// Meant for periodic or shutdown-time visibility when no exporter is
// configured.
func (p *Provider) LogCounters(ctx context.Context, logger *slog.Logger) error {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			logger.InfoContext(ctx, "metric",
				slog.String("name", m.Name),
				slog.Int64("total", total),
			)
		}
	}
	return nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
