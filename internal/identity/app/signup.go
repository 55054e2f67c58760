package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

const maxNameLength = 100

// SignupServiceConfig holds the dependencies for SignupService.
type SignupServiceConfig struct {
	Store       TokenStore
	Directory   Directory
	Events      SecurityEventPublisher
	Minter      SessionMinter // optional
	Clock       domain.Clock
	Logger      *slog.Logger
	SnapshotTTL time.Duration
}

// SignupService creates directory customers for phones that proved
// possession through OTP verification but had no record yet.
type SignupService struct {
	store       TokenStore
	directory   Directory
	events      SecurityEventPublisher
	minter      SessionMinter
	clock       domain.Clock
	logger      *slog.Logger
	snapshotTTL time.Duration
}

// NewSignupService creates a SignupService.
func NewSignupService(cfg SignupServiceConfig) *SignupService {
	s := &SignupService{
		store:       cfg.Store,
		directory:   cfg.Directory,
		events:      cfg.Events,
		minter:      cfg.Minter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		snapshotTTL: cfg.SnapshotTTL,
	}
	if s.snapshotTTL <= 0 {
		s.snapshotTTL = domain.DefaultOTPExpiry
	}
	if s.clock == nil {
		s.clock = domain.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SignupRequest holds the inputs for Signup. Email is optional.
type SignupRequest struct {
	Phone  string
	Ticket string
	Name   string
	Email  string
}

// SignupResult is returned by Signup on success.
type SignupResult struct {
	Customer domain.Customer
	Session  *auth.MintResult
}

// Signup redeems the single-use ticket issued by OTPService.Verify and
// creates the customer. The ticket is consumed even when it does not match.
func (s *SignupService) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	ctx, span := tracer.Start(ctx, "signup.create")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	phone, err := domain.NormalizePhoneNumber(req.Phone)
	if err != nil {
		return nil, failSpan(span, err)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, failSpan(span, fmt.Errorf("name must be 1-%d characters: %w", maxNameLength, domain.ErrInvalidInput))
	}
	var email domain.Email
	if strings.TrimSpace(req.Email) != "" {
		if email, err = domain.NewEmail(req.Email); err != nil {
			return nil, failSpan(span, err)
		}
	}
	if req.Ticket == "" {
		return nil, failSpan(span, domain.ErrInvalidSignupTicket)
	}

	exists, err := s.store.Exists(ctx, CustomerKey(phone.String()))
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("check customer snapshot: %w", err))
	}
	if exists {
		return nil, failSpan(span, fmt.Errorf("customer for %s: %w", phone.Masked(), domain.ErrAlreadyExists))
	}

	stored, err := s.store.GetAndDelete(ctx, SignupTicketKey(phone))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, failSpan(span, domain.ErrInvalidSignupTicket)
	}
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("redeem signup ticket: %w", err))
	}
	if !auth.CodesEqual(string(stored), req.Ticket) {
		reportSecurityEvent(ctx, s.events, logger, SecurityEvent{
			Kind:       EventSignupTicketMismatch,
			Subject:    phone.Masked(),
			OccurredAt: s.clock.Now().UTC(),
		})
		return nil, failSpan(span, domain.ErrInvalidSignupTicket)
	}

	customer, err := s.directory.CreateCustomer(ctx, NewCustomer{
		Phone: phone.String(),
		Email: email.String(),
		Name:  name,
	})
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("create customer: %w", err))
	}

	snap, err := json.Marshal(domain.CustomerSnapshot{Customer: *customer, CachedAt: domain.NowUTCMillis(s.clock)})
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("encode customer snapshot: %w", err))
	}
	if err := s.store.Set(ctx, CustomerKey(phone.String()), snap, s.snapshotTTL); err != nil {
		return nil, failSpan(span, fmt.Errorf("cache customer snapshot: %w", err))
	}

	res := &SignupResult{Customer: *customer}
	if s.minter != nil {
		session, err := s.minter.Mint(auth.Subject{
			CustomerID: customer.ID,
			Phone:      customer.Phone,
			Email:      customer.Email,
			Method:     domain.AuthMethodOTP,
		})
		if err != nil {
			return nil, failSpan(span, fmt.Errorf("mint session: %w", err))
		}
		res.Session = &session
	}

	signupsTotal.Add(ctx, 1)
	logger.InfoContext(ctx, "signup.created", "customer_id", customer.ID, "phone", phone.Masked())

	return res, nil
}
