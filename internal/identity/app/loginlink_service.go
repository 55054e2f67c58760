package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"time"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

// LoginLinkServiceConfig holds the dependencies and policy for LoginLinkService.
type LoginLinkServiceConfig struct {
	Store     TokenStore
	Signer    *auth.LinkSigner
	Email     EmailNotifier
	Directory Directory
	Events    SecurityEventPublisher
	Minter    SessionMinter // optional
	Clock     domain.Clock
	Logger    *slog.Logger

	Expiry        time.Duration
	NotifyTimeout time.Duration
	BaseURL       string
}

// LoginLinkService runs the email login-link lifecycle:
// NONE -> ISSUED -> USED, or NONE -> ISSUED -> EXPIRED. Both ends are terminal.
type LoginLinkService struct {
	store         TokenStore
	signer        *auth.LinkSigner
	email         EmailNotifier
	directory     Directory
	events        SecurityEventPublisher
	minter        SessionMinter
	clock         domain.Clock
	logger        *slog.Logger
	expiry        time.Duration
	notifyTimeout time.Duration
	baseURL       *url.URL
}

// NewLoginLinkService creates a LoginLinkService. BaseURL must be absolute.
func NewLoginLinkService(cfg LoginLinkServiceConfig) (*LoginLinkService, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("login link base URL %q must be absolute: %w", cfg.BaseURL, domain.ErrInvalidInput)
	}

	s := &LoginLinkService{
		store:         cfg.Store,
		signer:        cfg.Signer,
		email:         cfg.Email,
		directory:     cfg.Directory,
		events:        cfg.Events,
		minter:        cfg.Minter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		expiry:        cfg.Expiry,
		notifyTimeout: cfg.NotifyTimeout,
		baseURL:       base,
	}
	if s.expiry <= 0 {
		s.expiry = domain.DefaultLoginLinkExpiry
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = domain.DefaultNotifyTimeout
	}
	if s.clock == nil {
		s.clock = domain.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// LoginLinkResult is returned by Request. LoginURL carries the bearer token;
// transports must not echo it back to the requester outside development.
type LoginLinkResult struct {
	LoginURL  string
	ExpiresIn time.Duration
	MessageID string
}

// LoginVerifyResult is returned by Verify on success.
type LoginVerifyResult struct {
	Email    string
	Customer domain.Customer
	Session  *auth.MintResult
}

// Request emails a single-use login link to a registered customer.
// Unknown addresses fail with domain.ErrEmailNotFound.
func (s *LoginLinkService) Request(ctx context.Context, emailRaw string) (*LoginLinkResult, error) {
	ctx, span := tracer.Start(ctx, "login_link.request")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	email, err := domain.NewEmail(emailRaw)
	if err != nil {
		return nil, failSpan(span, err)
	}

	customer, err := s.directory.LookupByEmail(ctx, email.String())
	if errors.Is(err, domain.ErrNotFound) || (err == nil && customer == nil) {
		logger.InfoContext(ctx, "login_link.email_not_found", "email", maskEmail(email.String()))
		return nil, failSpan(span, domain.ErrEmailNotFound)
	}
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("lookup customer by email: %w: %w", domain.ErrUnavailable, err))
	}

	now := s.clock.Now().UTC()
	token, _, err := s.signer.Issue(email.String(), now)
	if err != nil {
		return nil, failSpan(span, err)
	}

	rec := domain.LoginTokenRecord{
		Email:     email.String(),
		Customer:  *customer,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.expiry).UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("encode login token record: %w", err))
	}

	key := LoginLinkKey(token)
	if err := s.store.Set(ctx, key, raw, s.expiry); err != nil {
		return nil, failSpan(span, fmt.Errorf("store login token: %w", err))
	}

	loginURL := s.buildURL(token)
	msgID, err := dispatchEmail(ctx, s.email, s.notifyTimeout, s.composeEmail(email.String(), customer.Name, loginURL))
	if err != nil {
		if _, delErr := s.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.WarnContext(ctx, "login_link.cleanup_failed", "error", delErr)
		}
		logger.ErrorContext(ctx, "login_link.dispatch_failed", "email", maskEmail(email.String()), "error", err)
		return nil, failSpan(span, err)
	}

	loginLinksIssuedTotal.Add(ctx, 1)
	logger.InfoContext(ctx, "login_link.issued", "email", maskEmail(email.String()), "message_id", msgID)

	return &LoginLinkResult{LoginURL: loginURL, ExpiresIn: s.expiry, MessageID: msgID}, nil
}

// Verify consumes a login token. A token flips to used exactly once; any
// later attempt fails with domain.ErrTokenAlreadyUsed until the record's
// TTL lapses.
func (s *LoginLinkService) Verify(ctx context.Context, token string) (*LoginVerifyResult, error) {
	ctx, span := tracer.Start(ctx, "login_link.verify")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	parsed, err := auth.ParseLoginToken(token)
	if err != nil {
		return nil, failSpan(span, err)
	}

	key := LoginLinkKey(token)
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, failSpan(span, domain.ErrTokenNotFound)
	}
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("load login token: %w", err))
	}

	var rec domain.LoginTokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, failSpan(span, s.integrityFailed(ctx, parsed.Email))
	}

	if rec.Used {
		reportSecurityEvent(ctx, s.events, logger, SecurityEvent{
			Kind:       EventLoginTokenReuse,
			Subject:    maskEmail(rec.Email),
			OccurredAt: s.clock.Now().UTC(),
		})
		return nil, failSpan(span, domain.ErrTokenAlreadyUsed)
	}

	now := s.clock.Now().UTC()
	if rec.Expired(now) {
		if _, err := s.store.Delete(ctx, key); err != nil {
			logger.WarnContext(ctx, "login_link.expired_cleanup_failed", "error", err)
		}
		return nil, failSpan(span, domain.ErrTokenExpired)
	}

	if !s.signer.Authentic(parsed) || parsed.Email != rec.Email {
		return nil, failSpan(span, s.integrityFailed(ctx, rec.Email))
	}

	rec.Used = true
	rec.UsedAt = now.UnixMilli()
	next, err := json.Marshal(rec)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("encode login token record: %w", err))
	}

	remaining := domain.Remaining(s.clock, rec.ExpiresAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	swapped, err := s.store.CompareAndSwap(ctx, key, raw, next, remaining)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("mark login token used: %w", err))
	}
	if !swapped {
		return nil, failSpan(span, s.lostRace(ctx, key))
	}

	res := &LoginVerifyResult{Email: rec.Email, Customer: rec.Customer}
	if rec.Customer.Phone != "" {
		if snap, ok := s.phoneSnapshot(ctx, rec.Customer.Phone); ok {
			res.Customer = snap
		}
	}

	if s.minter != nil && res.Customer.ID != "" {
		session, err := s.minter.Mint(auth.Subject{
			CustomerID: res.Customer.ID,
			Phone:      res.Customer.Phone,
			Email:      rec.Email,
			Method:     domain.AuthMethodEmailLink,
		})
		if err != nil {
			return nil, failSpan(span, fmt.Errorf("mint session: %w", err))
		}
		res.Session = &session
	}

	loginLinksVerifiedTotal.Add(ctx, 1)
	logger.InfoContext(ctx, "login_link.verified", "email", maskEmail(rec.Email), "customer_id", res.Customer.ID)

	return res, nil
}

func (s *LoginLinkService) integrityFailed(ctx context.Context, email string) error {
	reportSecurityEvent(ctx, s.events, observability.WithTraceID(ctx, s.logger), SecurityEvent{
		Kind:       EventLoginTokenIntegrity,
		Subject:    maskEmail(email),
		OccurredAt: s.clock.Now().UTC(),
	})
	return domain.ErrTokenIntegrity
}

// lostRace classifies a failed compare-and-swap by re-reading the record.
func (s *LoginLinkService) lostRace(ctx context.Context, key string) error {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("reload login token: %w", err)
	}
	var rec domain.LoginTokenRecord
	if err := json.Unmarshal(raw, &rec); err == nil && !rec.Used {
		return fmt.Errorf("login token changed concurrently: %w", domain.ErrTokenNotFound)
	}
	return domain.ErrTokenAlreadyUsed
}

// phoneSnapshot returns a fresher customer record cached by a recent OTP
// flow for the same phone, enabling cross-channel session establishment.
// The token is already consumed here, so a snapshot that cannot be read is
// logged and the record's own customer is used instead.
func (s *LoginLinkService) phoneSnapshot(ctx context.Context, phone string) (domain.Customer, bool) {
	raw, err := s.store.Get(ctx, CustomerKey(phone))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Customer{}, false
	}
	if err == nil {
		var snap domain.CustomerSnapshot
		if err = json.Unmarshal(raw, &snap); err == nil {
			return snap.Customer, true
		}
	}
	observability.WithTraceID(ctx, s.logger).WarnContext(ctx, "login_link.snapshot_unavailable",
		"phone", maskPhone(phone), "error", err)
	return domain.Customer{}, false
}

func (s *LoginLinkService) buildURL(token string) string {
	u := *s.baseURL
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *LoginLinkService) composeEmail(to, name, loginURL string) EmailMessage {
	greeting := "Hello"
	if name != "" {
		greeting = "Hello " + name
	}
	minutes := int(s.expiry.Minutes())

	return EmailMessage{
		To:      to,
		Subject: "Your sign-in link",
		TextBody: fmt.Sprintf("%s,\n\nUse this link to sign in. It expires in %d minutes and works once.\n\n%s\n\nIf you did not ask for it, ignore this email.\n",
			greeting, minutes, loginURL),
		HTMLBody: fmt.Sprintf(`<p>%s,</p><p>Use this link to sign in. It expires in %d minutes and works once.</p><p><a href="%s">Sign in</a></p><p>If you did not ask for it, ignore this email.</p>`,
			html.EscapeString(greeting), minutes, html.EscapeString(loginURL)),
	}
}
