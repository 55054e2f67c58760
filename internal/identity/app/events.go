package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/identity-service/internal/observability"
)

// SecurityEventKind classifies a tamper or replay signal.
type SecurityEventKind string

const (
	EventOTPIntegrityFailure  SecurityEventKind = "otp_integrity_failure"
	EventLoginTokenIntegrity  SecurityEventKind = "login_token_integrity_failure"
	EventLoginTokenReuse      SecurityEventKind = "login_token_reuse"
	EventSignupTicketMismatch SecurityEventKind = "signup_ticket_mismatch"
)

// SecurityEvent is published when verification fails in a way that points
// at tampering or replay rather than user error. Subject is always masked.
type SecurityEvent struct {
	Kind       SecurityEventKind `json:"kind"`
	Subject    string            `json:"subject"`
	OccurredAt time.Time         `json:"occurred_at"`
	TraceID    string            `json:"trace_id,omitempty"`
}

// SecurityEventPublisher forwards security events to alerting.
type SecurityEventPublisher interface {
	Publish(ctx context.Context, ev SecurityEvent) error
}

// reportSecurityEvent logs at ERROR and publishes. Publishing is best-effort;
// a publisher failure never changes the outcome of the request.
func reportSecurityEvent(ctx context.Context, pub SecurityEventPublisher, logger *slog.Logger, ev SecurityEvent) {
	ev.TraceID = observability.TraceIDFromContext(ctx)
	securityEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	logger.ErrorContext(ctx, "security."+string(ev.Kind), "subject", ev.Subject)

	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.WarnContext(ctx, "publish security event failed", "kind", ev.Kind, "error", err)
	}
}

// maskEmail keeps the first character of the local part and the domain.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}

func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
