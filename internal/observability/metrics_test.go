package observability_test

import (
	"context"
	"testing"

	"github.com/aelexs/identity-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_NoEndpoint(t *testing.T) {
	mp, err := observability.InitMetrics(context.Background(), testExportConfig())

	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NotNil(t, observability.Meter("identity/test"))
	assert.NoError(t, mp.Shutdown(context.Background()))
}

func TestMetricsProvider_ShutdownNilProvider(t *testing.T) {
	assert.NoError(t, (&observability.MetricsProvider{}).Shutdown(context.Background()))

	var mp *observability.MetricsProvider
	assert.NoError(t, mp.Shutdown(context.Background()))
}

func TestInitTelemetry(t *testing.T) {
	tel, err := observability.InitTelemetry(context.Background(), testExportConfig())
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Metrics)

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_ShutdownNil(t *testing.T) {
	var tel *observability.Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func testExportConfig() observability.ExportConfig {
	return observability.ExportConfig{
		ServiceName:    "identity",
		ServiceVersion: "0.0.1",
		Environment:    "test",
	}
}
