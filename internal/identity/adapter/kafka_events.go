package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/identity-service/internal/identity/app"
)

// kafkaWriter is the subset of *kafka.Writer used by the publisher.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ app.SecurityEventPublisher = (*KafkaSecurityEvents)(nil)
	_ app.SecurityEventPublisher = (*LogSecurityEvents)(nil)
)

// KafkaConfig configures the security event topic writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaSecurityEvents publishes security events as JSON, keyed by the
// masked subject so events about one identifier stay ordered.
type KafkaSecurityEvents struct {
	writer kafkaWriter
}

// NewKafkaWriter builds the topic writer. Writes are synchronous and wait
// for the leader only.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// NewKafkaSecurityEvents creates a publisher on writer.
func NewKafkaSecurityEvents(writer kafkaWriter) *KafkaSecurityEvents {
	return &KafkaSecurityEvents{writer: writer}
}

func (p *KafkaSecurityEvents) Publish(ctx context.Context, ev app.SecurityEvent) error {
	ctx, span := tracer.Start(ctx, "kafka.security_events.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("event.kind", string(ev.Kind)),
	)

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("security events: marshal: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Subject),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return spanError(span, fmt.Errorf("security events: publish %s: %w", ev.Kind, err))
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaSecurityEvents) Close() error {
	return p.writer.Close()
}

// LogSecurityEvents records events in the log only. The app already logs
// every event at ERROR, so this sink adds the serialised payload at DEBUG.
type LogSecurityEvents struct {
	logger *slog.Logger
}

// NewLogSecurityEvents creates a LogSecurityEvents.
func NewLogSecurityEvents(logger *slog.Logger) *LogSecurityEvents {
	return &LogSecurityEvents{logger: logger}
}

func (p *LogSecurityEvents) Publish(ctx context.Context, ev app.SecurityEvent) error {
	p.logger.DebugContext(ctx, "security event",
		slog.String("kind", string(ev.Kind)),
		slog.String("subject", ev.Subject),
		slog.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}
