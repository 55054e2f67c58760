package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

// OTPServiceConfig holds the dependencies and policy for OTPService.
type OTPServiceConfig struct {
	Store     TokenStore
	Deriver   *auth.Deriver
	SMS       SMSNotifier
	Directory Directory
	Events    SecurityEventPublisher
	Minter    SessionMinter // optional; nil disables session minting
	Clock     domain.Clock
	Logger    *slog.Logger

	Expiry          time.Duration
	ResendWait      time.Duration
	NotifyTimeout   time.Duration
	SignupTicketTTL time.Duration

	// ExposeCode returns the raw code in IssueResult.DevCode.
	// Configuration only allows it in the local environment.
	ExposeCode bool
}

// OTPService runs the OTP lifecycle: NONE -> ISSUED -> (CONSUMED | EXPIRED),
// with ISSUED re-entered through Resend once the record is old enough.
type OTPService struct {
	store           TokenStore
	deriver         *auth.Deriver
	sms             SMSNotifier
	directory       Directory
	events          SecurityEventPublisher
	minter          SessionMinter
	clock           domain.Clock
	logger          *slog.Logger
	expiry          time.Duration
	resendWait      time.Duration
	notifyTimeout   time.Duration
	signupTicketTTL time.Duration
	exposeCode      bool
}

// NewOTPService creates an OTPService, filling zero durations with defaults.
func NewOTPService(cfg OTPServiceConfig) *OTPService {
	s := &OTPService{
		store:           cfg.Store,
		deriver:         cfg.Deriver,
		sms:             cfg.SMS,
		directory:       cfg.Directory,
		events:          cfg.Events,
		minter:          cfg.Minter,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		expiry:          cfg.Expiry,
		resendWait:      cfg.ResendWait,
		notifyTimeout:   cfg.NotifyTimeout,
		signupTicketTTL: cfg.SignupTicketTTL,
		exposeCode:      cfg.ExposeCode,
	}
	if s.expiry <= 0 {
		s.expiry = domain.DefaultOTPExpiry
	}
	if s.resendWait <= 0 {
		s.resendWait = domain.DefaultOTPResendWait
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = domain.DefaultNotifyTimeout
	}
	if s.signupTicketTTL <= 0 {
		s.signupTicketTTL = domain.DefaultSignupTicketTTL
	}
	if s.clock == nil {
		s.clock = domain.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// IssueResult is returned by Issue and Resend.
type IssueResult struct {
	Phone          domain.PhoneNumber
	CustomerExists bool
	ExpiresIn      time.Duration
	IssuedAt       time.Time
	SMSReference   string

	// DevCode is only set when the service was built with ExposeCode.
	DevCode string
}

// ExpiresInSeconds is ExpiresIn in whole seconds.
func (r IssueResult) ExpiresInSeconds() int { return int(r.ExpiresIn / time.Second) }

// Issue derives a code for the phone, stores the sealed record and sends it
// by SMS. A directory failure is logged and treated as "new customer"; an SMS
// failure fails the call with domain.ErrUnavailable and leaves whatever live
// record was there before.
func (s *OTPService) Issue(ctx context.Context, phoneRaw string) (*IssueResult, error) {
	ctx, span := tracer.Start(ctx, "otp.issue")
	defer span.End()

	phone, err := domain.NormalizePhoneNumber(phoneRaw)
	if err != nil {
		return nil, failSpan(span, err)
	}

	prior, err := s.loadLive(ctx, phone)
	if err != nil {
		return nil, failSpan(span, err)
	}

	res, err := s.issue(ctx, phone, prior)
	if err != nil {
		return nil, failSpan(span, err)
	}
	return res, nil
}

// Resend re-issues a code once the existing record has expired or is older
// than the resend wait. Otherwise it fails with a *domain.RetryAfterError
// wrapping domain.ErrTooEarly.
func (s *OTPService) Resend(ctx context.Context, phoneRaw string) (*IssueResult, error) {
	ctx, span := tracer.Start(ctx, "otp.resend")
	defer span.End()

	phone, err := domain.NormalizePhoneNumber(phoneRaw)
	if err != nil {
		return nil, failSpan(span, err)
	}

	prior, err := s.loadLive(ctx, phone)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if wait := s.resendDelay(prior); wait > 0 {
		err := domain.NewRetryAfterError(domain.ErrTooEarly, wait)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := s.issue(ctx, phone, prior)
	if err != nil {
		return nil, failSpan(span, err)
	}
	return res, nil
}

// liveOTP is a stored record that has not expired yet.
type liveOTP struct {
	raw []byte
	rec domain.OTPRecord
}

// loadLive returns the unexpired record for phone, or nil when there is
// none. An unreadable record counts as none: it can neither block a resend
// nor be restored.
func (s *OTPService) loadLive(ctx context.Context, phone domain.PhoneNumber) (*liveOTP, error) {
	raw, err := s.store.Get(ctx, OTPKey(phone))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load otp record: %w", err)
	}

	var rec domain.OTPRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		observability.WithTraceID(ctx, s.logger).WarnContext(ctx, "otp.unreadable_record",
			"phone", phone.Masked(), "error", err)
		return nil, nil
	}
	if rec.Expired(s.clock.Now()) {
		return nil, nil
	}
	return &liveOTP{raw: raw, rec: rec}, nil
}

// resendDelay returns how long the caller must still wait; zero means eligible.
func (s *OTPService) resendDelay(prior *liveOTP) time.Duration {
	if prior == nil {
		return 0
	}
	now := s.clock.Now()
	eligibleAt := domain.FromMillis(prior.rec.IssuedAt).Add(s.resendWait)
	if !now.Before(eligibleAt) {
		return 0
	}
	return eligibleAt.Sub(now)
}

// issue stores and dispatches a fresh record. prior is the live record it
// replaces, if any; a failed dispatch puts it back.
func (s *OTPService) issue(ctx context.Context, phone domain.PhoneNumber, prior *liveOTP) (*IssueResult, error) {
	logger := observability.WithTraceID(ctx, s.logger)

	customerExists := false
	directoryDegraded := false
	customer, err := s.directory.LookupByPhone(ctx, phone.String())
	switch {
	case err == nil && customer != nil:
		customerExists = true
	case err == nil, errors.Is(err, domain.ErrNotFound):
	default:
		// Directory lookup is advisory: issuance stays available while it is degraded.
		logger.WarnContext(ctx, "otp.directory_lookup_failed", "phone", phone.Masked(), "error", err)
		directoryDegraded = true
	}

	now := s.clock.Now().UTC()
	code, err := s.deriver.DeriveCode(phone.String(), now)
	if err != nil {
		return nil, err
	}

	rec := domain.OTPRecord{
		Identifier: phone.String(),
		Code:       code,
		IssuedAt:   now.UnixMilli(),
		ExpiresAt:  now.Add(s.expiry).UnixMilli(),
	}
	s.deriver.Seal(&rec)

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode otp record: %w", err)
	}

	if customerExists {
		if err := s.cacheCustomer(ctx, CustomerKey(phone.String()), *customer); err != nil {
			return nil, err
		}
	} else if directoryDegraded {
		s.extendSnapshot(ctx, phone)
	}

	if err := s.store.Set(ctx, OTPKey(phone), raw, s.expiry); err != nil {
		return nil, fmt.Errorf("store otp record: %w", err)
	}

	message := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.expiry.Minutes()))
	ref, err := dispatchSMS(ctx, s.sms, s.notifyTimeout, phone.String(), message)
	if err != nil {
		s.rollback(ctx, phone, raw, prior)
		logger.ErrorContext(ctx, "otp.dispatch_failed", "phone", phone.Masked(), "error", err)
		return nil, err
	}

	otpIssuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("customer_exists", customerExists)))
	logger.InfoContext(ctx, "otp.issued",
		"phone", phone.Masked(),
		"customer_exists", customerExists,
		"sms_reference", ref,
	)

	res := &IssueResult{
		Phone:          phone,
		CustomerExists: customerExists,
		ExpiresIn:      s.expiry,
		IssuedAt:       now,
		SMSReference:   ref,
	}
	if s.exposeCode {
		res.DevCode = code
	}
	return res, nil
}

func (s *OTPService) cacheCustomer(ctx context.Context, key string, c domain.Customer) error {
	snap, err := json.Marshal(domain.CustomerSnapshot{Customer: c, CachedAt: domain.NowUTCMillis(s.clock)})
	if err != nil {
		return fmt.Errorf("encode customer snapshot: %w", err)
	}
	if err := s.store.Set(ctx, key, snap, s.expiry); err != nil {
		return fmt.Errorf("cache customer snapshot: %w", err)
	}
	return nil
}

// rollback undoes a record whose code was never delivered. The prior live
// record comes back with its remaining TTL; without one the key is removed.
// Both are compare operations, so a concurrent issue that already replaced
// the record wins.
func (s *OTPService) rollback(ctx context.Context, phone domain.PhoneNumber, issued []byte, prior *liveOTP) {
	ctx = context.WithoutCancel(ctx)
	key := OTPKey(phone)

	var err error
	remaining := time.Duration(0)
	if prior != nil {
		remaining = domain.FromMillis(prior.rec.ExpiresAt).Sub(s.clock.Now())
	}
	// Stores keep millisecond TTLs; anything shorter is as good as expired.
	if remaining >= time.Millisecond {
		_, err = s.store.CompareAndSwap(ctx, key, issued, prior.raw, remaining)
	} else {
		_, err = s.store.CompareAndDelete(ctx, key, issued)
	}
	if err != nil {
		observability.WithTraceID(ctx, s.logger).WarnContext(ctx, "otp.rollback_failed",
			"phone", phone.Masked(), "error", err)
	}
}

// extendSnapshot keeps an earlier customer snapshot alive for the whole life
// of the record being issued, so a directory outage during resend does not
// turn an existing customer into a signup on verify.
func (s *OTPService) extendSnapshot(ctx context.Context, phone domain.PhoneNumber) {
	key := CustomerKey(phone.String())
	snap, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err == nil {
		// The old TTL is at most s.expiry, so this only ever lengthens it.
		_, err = s.store.CompareAndSwap(ctx, key, snap, snap, s.expiry)
	}
	if err != nil {
		observability.WithTraceID(ctx, s.logger).WarnContext(ctx, "otp.snapshot_extend_failed",
			"phone", phone.Masked(), "error", err)
	}
}

// failSpan records err on span and returns it unchanged.
func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
