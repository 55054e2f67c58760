// Package errmap translates domain errors into HTTP status codes and stable
// machine-readable error codes.
package errmap

import (
	"errors"
	"net/http"

	"github.com/aelexs/identity-service/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode        int    `json:"-"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
// public, when set, replaces the sentinel text in the response body.
type httpMapping struct {
	err        error
	statusCode int
	code       string
	public     string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Verification outcomes: 401. Integrity failures are presented as the
	// ordinary invalid-credential codes so a client cannot probe for tampering.
	{domain.ErrIntegrityFailure, http.StatusUnauthorized, "INVALID_OTP", "invalid OTP"},
	{domain.ErrTokenIntegrity, http.StatusUnauthorized, "INVALID_TOKEN", "invalid login token"},
	{domain.ErrInvalidOTP, http.StatusUnauthorized, "INVALID_OTP", ""},
	{domain.ErrIdentifierMismatch, http.StatusUnauthorized, "INVALID_OTP", "invalid OTP"},
	{domain.ErrOTPExpired, http.StatusUnauthorized, "OTP_EXPIRED", ""},
	{domain.ErrOTPNotFound, http.StatusUnauthorized, "OTP_NOT_FOUND", ""},
	{domain.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED", ""},
	{domain.ErrTokenNotFound, http.StatusUnauthorized, "TOKEN_NOT_FOUND", ""},
	{domain.ErrTokenAlreadyUsed, http.StatusUnauthorized, "TOKEN_ALREADY_USED", ""},
	{domain.ErrInvalidSignupTicket, http.StatusUnauthorized, "INVALID_SIGNUP_TICKET", ""},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHENTICATED", ""},

	// Resource errors
	{domain.ErrEmailNotFound, http.StatusNotFound, "EMAIL_NOT_FOUND", ""},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND", ""},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS", ""},

	// Validation errors: 400
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_PHONE_NUMBER", ""},
	{domain.ErrInvalidEmail, http.StatusBadRequest, "INVALID_EMAIL", ""},
	{domain.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN", ""},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT", ""},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT", ""},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT", ""},

	// Throttling: 429
	{domain.ErrTooEarly, http.StatusTooManyRequests, "TOO_EARLY", ""},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED", ""},

	// Availability
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE", ""},
}

// ToHTTPError converts a domain error to an HTTP error. The message is the
// sentinel text, never the wrapped chain, which can carry provider detail.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			msg := m.public
			if msg == "" {
				msg = m.err.Error()
			}
			he := HTTPError{StatusCode: m.statusCode, Code: m.code, Message: msg}
			var rae *domain.RetryAfterError
			if errors.As(err, &rae) {
				he.RetryAfterSeconds = rae.Seconds()
			}
			return he
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
