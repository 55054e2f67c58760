package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Authorization errors
	ErrUnauthorized = errors.New("authentication required")

	// Input errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")
	ErrInvalidEmail       = errors.New("invalid email address")

	// OTP verification errors
	ErrOTPNotFound         = errors.New("OTP not found or expired")
	ErrOTPExpired          = errors.New("OTP has expired")
	ErrIdentifierMismatch  = errors.New("OTP identifier mismatch")
	ErrInvalidOTP          = errors.New("invalid OTP")
	ErrIntegrityFailure    = errors.New("OTP record integrity check failed")
	ErrTooEarly            = errors.New("resend requested too early")
	ErrInvalidSignupTicket = errors.New("invalid or expired signup ticket")

	// Login link errors
	ErrEmailNotFound    = errors.New("no customer registered with this email")
	ErrInvalidToken     = errors.New("malformed login token")
	ErrTokenNotFound    = errors.New("login token not found")
	ErrTokenAlreadyUsed = errors.New("login token already used")
	ErrTokenExpired     = errors.New("login token has expired")
	ErrTokenIntegrity   = errors.New("login token integrity check failed")

	// Operational errors
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// RetryAfterError carries client backoff guidance alongside a sentinel
// (ErrTooEarly or ErrRateLimited). Match the sentinel with errors.Is and
// extract the delay with errors.As.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

// NewRetryAfterError wraps sentinel with a retry delay.
func NewRetryAfterError(sentinel error, retryAfter time.Duration) *RetryAfterError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RetryAfterError{Err: sentinel, RetryAfter: retryAfter}
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v: retry after %ds", e.Err, e.Seconds())
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Seconds rounds the delay up so a client never retries a moment too soon.
func (e *RetryAfterError) Seconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// RetryAfter extracts the retry delay from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rae *RetryAfterError
	if errors.As(err, &rae) {
		return rae.RetryAfter, true
	}
	return 0, false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTooEarly)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrNotFound,
	ErrAlreadyExists,
	ErrUnauthorized,
	ErrEmptyID,
	ErrInvalidID,
	ErrInvalidPhoneNumber,
	ErrInvalidEmail,
	ErrOTPNotFound,
	ErrOTPExpired,
	ErrIdentifierMismatch,
	ErrInvalidOTP,
	ErrInvalidSignupTicket,
	ErrEmailNotFound,
	ErrInvalidToken,
	ErrTokenNotFound,
	ErrTokenAlreadyUsed,
	ErrTokenExpired,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsSecurityEvent reports whether err indicates possible tampering rather
// than user error. These are logged and published separately.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrIntegrityFailure) ||
		errors.Is(err, ErrTokenIntegrity)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
