// Package observability sets up structured logging, tracing and metrics for
// the identity service.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ExportConfig describes where telemetry goes. An empty OTLPEndpoint keeps
// providers local with no exporter.
type ExportConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	OTLPInsecure   bool
}

func (c ExportConfig) resource() *resource.Resource {
	// Attributes only; merging with resource.Default() can conflict on schema URL.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.DeploymentEnvironment(c.Environment),
	)
}

// Telemetry owns the tracer and meter providers for one process.
type Telemetry struct {
	Tracer  *TracerProvider
	Metrics *MetricsProvider
}

// InitTelemetry installs both global providers. On failure nothing is left
// running.
func InitTelemetry(ctx context.Context, cfg ExportConfig) (*Telemetry, error) {
	tp, err := InitTracer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mp, err := InitMetrics(ctx, cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	return &Telemetry{Tracer: tp, Metrics: mp}, nil
}

// Shutdown flushes both providers and returns every failure.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.Tracer != nil {
		errs = append(errs, t.Tracer.Shutdown(ctx))
	}
	if t.Metrics != nil {
		errs = append(errs, t.Metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
