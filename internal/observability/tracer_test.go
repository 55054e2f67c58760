package observability_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/aelexs/identity-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitTracer_NoEndpoint(t *testing.T) {
	tp, err := observability.InitTracer(context.Background(), testExportConfig())

	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProvider_ShutdownNilProvider(t *testing.T) {
	assert.NoError(t, (&observability.TracerProvider{}).Shutdown(context.Background()))
}

func TestTraceIDFromContext_NoActiveSpan(t *testing.T) {
	assert.Empty(t, observability.TraceIDFromContext(context.Background()))
}

func TestTraceIDFromContext_WithActiveSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "otp.issue")
	defer span.End()

	traceID := observability.TraceIDFromContext(ctx)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), traceID)
}

func TestSpanFromContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "otp.verify")
	defer span.End()

	got := observability.SpanFromContext(ctx)

	assert.True(t, got.SpanContext().IsValid())
	assert.Implements(t, (*trace.Span)(nil), got)
}
