package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

const signupTicketBytes = 24

// VerifyResult is returned by Verify on success.
type VerifyResult struct {
	Phone domain.PhoneNumber

	// Customer is the cached directory record, nil for a new customer.
	Customer *domain.Customer

	// Session is minted for existing customers when a minter is configured.
	Session *auth.MintResult

	// SignupTicket is set for new customers and is redeemed by SignupService.
	SignupTicket string
}

// Verify checks candidate against the stored record and consumes it on
// success. Checks run in order: presence, integrity, expiry, identifier,
// code. A wrong code leaves the record untouched so guessing cannot reset
// any timer. Consumption is an atomic compare-and-delete; a concurrent
// verify that loses the race sees domain.ErrOTPNotFound.
func (s *OTPService) Verify(ctx context.Context, phoneRaw, candidate string) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "otp.verify")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	phone, err := domain.NormalizePhoneNumber(phoneRaw)
	if err != nil {
		return nil, failSpan(span, s.verifyFailed(ctx, "invalid_phone", err))
	}

	key := OTPKey(phone)
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, failSpan(span, s.verifyFailed(ctx, "not_found", domain.ErrOTPNotFound))
	}
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("load otp record: %w", err))
	}

	var rec domain.OTPRecord
	if err := json.Unmarshal(raw, &rec); err != nil || !s.deriver.VerifyIntegrityTag(rec) {
		reportSecurityEvent(ctx, s.events, logger, SecurityEvent{
			Kind:       EventOTPIntegrityFailure,
			Subject:    phone.Masked(),
			OccurredAt: s.clock.Now().UTC(),
		})
		return nil, failSpan(span, s.verifyFailed(ctx, "integrity", domain.ErrIntegrityFailure))
	}

	if rec.Expired(s.clock.Now()) {
		// TTL cleans up; the explicit check covers store TTL lag.
		return nil, failSpan(span, s.verifyFailed(ctx, "expired", domain.ErrOTPExpired))
	}
	if rec.Identifier != phone.String() {
		return nil, failSpan(span, s.verifyFailed(ctx, "identifier_mismatch", domain.ErrIdentifierMismatch))
	}
	if !auth.CodesEqual(rec.Code, candidate) {
		logger.InfoContext(ctx, "otp.verify_failed", "phone", phone.Masked(), "reason", "invalid_code")
		return nil, failSpan(span, s.verifyFailed(ctx, "invalid_code", domain.ErrInvalidOTP))
	}

	consumed, err := s.store.CompareAndDelete(ctx, key, raw)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("consume otp record: %w", err))
	}
	if !consumed {
		return nil, failSpan(span, s.verifyFailed(ctx, "consumed_concurrently", domain.ErrOTPNotFound))
	}

	res := &VerifyResult{Phone: phone}

	customer, err := s.cachedCustomer(ctx, phone)
	if err != nil {
		return nil, failSpan(span, err)
	}

	if customer != nil {
		res.Customer = customer
		if s.minter != nil {
			session, err := s.minter.Mint(auth.Subject{
				CustomerID: customer.ID,
				Phone:      phone.String(),
				Email:      customer.Email,
				Method:     domain.AuthMethodOTP,
			})
			if err != nil {
				return nil, failSpan(span, fmt.Errorf("mint session: %w", err))
			}
			res.Session = &session
		}
	} else {
		ticket, err := s.issueSignupTicket(ctx, phone)
		if err != nil {
			return nil, failSpan(span, err)
		}
		res.SignupTicket = ticket
	}

	otpVerifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("customer_exists", customer != nil)))
	logger.InfoContext(ctx, "otp.verified", "phone", phone.Masked(), "customer_exists", customer != nil)

	return res, nil
}

func (s *OTPService) verifyFailed(ctx context.Context, reason string, err error) error {
	otpVerifyFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return err
}

// cachedCustomer reads the snapshot written at issue time. Absence means the
// directory had no record (or was unreachable) when the code was issued.
func (s *OTPService) cachedCustomer(ctx context.Context, phone domain.PhoneNumber) (*domain.Customer, error) {
	raw, err := s.store.Get(ctx, CustomerKey(phone.String()))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load customer snapshot: %w", err)
	}

	var snap domain.CustomerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode customer snapshot: %w", err)
	}
	return &snap.Customer, nil
}

func (s *OTPService) issueSignupTicket(ctx context.Context, phone domain.PhoneNumber) (string, error) {
	b := make([]byte, signupTicketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signup ticket: %w", err)
	}
	ticket := hex.EncodeToString(b)
	if err := s.store.Set(ctx, SignupTicketKey(phone), []byte(ticket), s.signupTicketTTL); err != nil {
		return "", fmt.Errorf("store signup ticket: %w", err)
	}
	return ticket, nil
}
