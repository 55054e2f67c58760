package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
)

var tracer = otel.Tracer("identity/app")

var (
	otpIssuedTotal          metric.Int64Counter
	otpVerifiedTotal        metric.Int64Counter
	otpVerifyFailuresTotal  metric.Int64Counter
	loginLinksIssuedTotal   metric.Int64Counter
	loginLinksVerifiedTotal metric.Int64Counter
	signupsTotal            metric.Int64Counter
	rateGateDeniedTotal     metric.Int64Counter
	securityEventsTotal     metric.Int64Counter
)

func init() {
	m := otel.Meter("identity/app")

	otpIssuedTotal, _ = m.Int64Counter("otp_issued_total",
		metric.WithDescription("OTP records issued (issue and resend)"))
	otpVerifiedTotal, _ = m.Int64Counter("otp_verified_total",
		metric.WithDescription("Successful OTP verifications"))
	otpVerifyFailuresTotal, _ = m.Int64Counter("otp_verify_failures_total",
		metric.WithDescription("Failed OTP verifications by reason"))
	loginLinksIssuedTotal, _ = m.Int64Counter("login_links_issued_total",
		metric.WithDescription("Login links dispatched"))
	loginLinksVerifiedTotal, _ = m.Int64Counter("login_links_verified_total",
		metric.WithDescription("Login links consumed"))
	signupsTotal, _ = m.Int64Counter("signups_total",
		metric.WithDescription("Customers created through signup"))
	rateGateDeniedTotal, _ = m.Int64Counter("rate_gate_denied_total",
		metric.WithDescription("Requests denied by the rate gate"))
	securityEventsTotal, _ = m.Int64Counter("security_events_total",
		metric.WithDescription("Tamper and replay signals"))
}

// TokenStore is the TTL key-value substrate. Get and GetAndDelete return
// domain.ErrNotFound for absent or expired keys. The compare operations are
// atomic and are the only way lifecycle code consumes or mutates a record.
type TokenStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetAndDelete(ctx context.Context, key string) ([]byte, error)
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)
}

// RateCounter increments a windowed counter, returning the count after the
// increment and the time left in the current window.
type RateCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// SMSNotifier delivers a text message. It returns a provider reference on
// acceptance. Implementations never retry.
type SMSNotifier interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// EmailMessage is one outbound email.
type EmailMessage struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// EmailNotifier delivers an email and returns the provider message ID.
type EmailNotifier interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// NewCustomer holds the fields for Directory.CreateCustomer.
type NewCustomer struct {
	Phone string
	Email string
	Name  string
}

// Directory is the external customer registry. Lookups return
// domain.ErrNotFound when no customer matches; any other error is an
// infrastructure failure.
type Directory interface {
	LookupByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	LookupByEmail(ctx context.Context, email string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, c NewCustomer) (*domain.Customer, error)
}

// SessionMinter issues session credentials after successful verification.
type SessionMinter interface {
	Mint(sub auth.Subject) (auth.MintResult, error)
}

var _ SessionMinter = (*auth.Minter)(nil)
