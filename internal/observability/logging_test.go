package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/aelexs/identity-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRedactingHandler(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		shouldRedact bool
	}{
		{"otp secret", "otp_secret", "s3cr3t-material", true},
		{"link secret", "link_secret", "another-secret", true},
		{"signing key", "signing_key", "-----BEGIN", true},
		{"redis password", "redis_password", "hunter2", true},
		{"authorization header", "authorization", "Bearer eyJhbGci", true},
		{"access token", "access_token", "eyJhbGci.payload", true},
		{"bare token", "token", "bG9naW4tdG9rZW4", true},
		{"signup ticket", "signup_ticket", "9f8e7d6c5b4a", true},
		{"dev code", "dev_code", "482913", true},
		{"code", "code", "104729", true},
		{"otp", "OTP", "556677", true},
		{"login url", "login_url", "https://shop.example/auth?token=abc", true},
		{"phone not redacted", "phone", "+880******5678", false},
		{"customer id not redacted", "customer_id", "cus_01J9ZQ", false},
		{"error code not redacted", "error_code", "RATE_LIMITED", false},
		{"sms reference not redacted", "sms_reference", "msg-123", false},
		{"error not redacted", "error", "store unavailable", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(observability.NewRedactingHandler(&buf, nil))

			logger.Info("test", tt.key, tt.value)
			output := buf.String()

			if tt.shouldRedact {
				assert.Contains(t, output, "[REDACTED]")
				assert.NotContains(t, output, tt.value)
			} else {
				assert.Contains(t, output, tt.value)
				assert.NotContains(t, output, "[REDACTED]")
			}
		})
	}
}

func TestRedactingHandler_KeepsCallerReplaceAttr(t *testing.T) {
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}
	logger := slog.New(observability.NewRedactingHandler(&buf, opts))

	logger.Info("hello", "otp_secret", "x")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, slog.TimeKey)
	assert.Equal(t, "[REDACTED]", line["otp_secret"])
}

func TestInitLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("json output carries service context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := observability.InitLogger(observability.LogConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "identity",
			Environment: "test",
			Output:      &buf,
		})

		logger.Info("otp.issued", "phone", "+880******5678", "dev_code", "123456")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "identity", line["service"])
		assert.Equal(t, "test", line["environment"])
		assert.Equal(t, "[REDACTED]", line["dev_code"])
		assert.Same(t, logger, slog.Default())
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		logger := observability.InitLogger(observability.LogConfig{
			Level:  "error",
			Format: "text",
			Output: &buf,
		})

		logger.Warn("dropped")
		assert.Empty(t, buf.String())

		logger.Error("kept")
		assert.Contains(t, buf.String(), "msg=kept")
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, observability.ParseLevel(in), in)
	}
}

func TestWithTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	t.Run("no span leaves logger untouched", func(t *testing.T) {
		assert.Same(t, base, observability.WithTraceID(context.Background(), base))
	})

	t.Run("active span adds trace_id", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()
		ctx, span := tp.Tracer("test").Start(context.Background(), "verify")
		defer span.End()

		buf.Reset()
		observability.WithTraceID(ctx, base).Info("otp.verified")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	})
}
