package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/identity-service/internal/identity/app"
)

type stubKafkaWriter struct {
	writeMessagesFn func(ctx context.Context, msgs ...kafka.Message) error
	closed          bool
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return s.writeMessagesFn(ctx, msgs...)
}

func (s *stubKafkaWriter) Close() error {
	s.closed = true
	return nil
}

var _ kafkaWriter = (*stubKafkaWriter)(nil)

func sampleSecurityEvent() app.SecurityEvent {
	return app.SecurityEvent{
		Kind:       app.EventOTPIntegrityFailure,
		Subject:    "***5678",
		OccurredAt: adapterTestStart,
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
	}
}

func TestKafkaSecurityEvents_Publish(t *testing.T) {
	var got []kafka.Message
	writer := &stubKafkaWriter{
		writeMessagesFn: func(_ context.Context, msgs ...kafka.Message) error {
			got = append(got, msgs...)
			return nil
		},
	}
	pub := NewKafkaSecurityEvents(writer)

	err := pub.Publish(context.Background(), sampleSecurityEvent())

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "***5678", string(got[0].Key))
	assert.Equal(t, adapterTestStart, got[0].Time)
	require.Len(t, got[0].Headers, 1)
	assert.Equal(t, "otp_integrity_failure", string(got[0].Headers[0].Value))

	var decoded app.SecurityEvent
	require.NoError(t, json.Unmarshal(got[0].Value, &decoded))
	assert.Equal(t, app.EventOTPIntegrityFailure, decoded.Kind)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", decoded.TraceID)

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)
}

func TestKafkaSecurityEvents_Publish_Error(t *testing.T) {
	writeErr := errors.New("leader not available")
	pub := NewKafkaSecurityEvents(&stubKafkaWriter{
		writeMessagesFn: func(_ context.Context, _ ...kafka.Message) error { return writeErr },
	})

	err := pub.Publish(context.Background(), sampleSecurityEvent())

	require.ErrorIs(t, err, writeErr)
	assert.Contains(t, err.Error(), "security events: publish otp_integrity_failure")
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "identity.security"})

	assert.Equal(t, "identity.security", w.Topic)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	require.NoError(t, w.Close())
}

func TestLogSecurityEvents_Publish(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogSecurityEvents(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	require.NoError(t, pub.Publish(context.Background(), sampleSecurityEvent()))
	assert.Contains(t, buf.String(), "otp_integrity_failure")
	assert.Contains(t, buf.String(), "***5678")
}
