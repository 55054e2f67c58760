package domain

import "time"

// Normative defaults for the OTP and login-link lifecycles.
// These are compiled defaults that can be overridden via configuration.
const (
	// Code derivation
	DefaultOTPLength     = 6
	DefaultOTPWindow     = 5 * time.Minute  // Codes are stable within one window
	DefaultOTPExpiry     = 10 * time.Minute // OTPRecord validity
	DefaultOTPResendWait = 2 * time.Minute  // Minimum age before a live record may be resent
	MinOTPLength         = 4
	MaxOTPLength         = 9

	// Login links
	DefaultLoginLinkExpiry = 15 * time.Minute
	LoginNonceBytes        = 16

	// Signup tickets issued to verified phones with no directory record
	DefaultSignupTicketTTL = 15 * time.Minute

	// Notifier dispatch bound
	DefaultNotifyTimeout = 30 * time.Second

	// Timeout contracts
	DynamoDBTimeout = 5 * time.Second
	RedisTimeout    = 2 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// Session credentials minted after successful verification
	AccessTokenLifetime = 1 * time.Hour
)

// OperationClass names a RateGate bucket. Each class has its own window and limit.
type OperationClass string

const (
	OpSend      OperationClass = "send"
	OpVerify    OperationClass = "verify"
	OpResend    OperationClass = "resend"
	OpSignup    OperationClass = "signup"
	OpLoginLink OperationClass = "login_link"
	OpAPI       OperationClass = "api"
)

// OperationClasses lists every known class in a stable order.
var OperationClasses = []OperationClass{OpSend, OpVerify, OpResend, OpSignup, OpLoginLink, OpAPI}

// IsValidOperationClass checks if a class is known.
func IsValidOperationClass(c OperationClass) bool {
	for _, known := range OperationClasses {
		if c == known {
			return true
		}
	}
	return false
}

// AuthMethod records how a session credential was obtained.
type AuthMethod string

const (
	AuthMethodOTP       AuthMethod = "otp"
	AuthMethodEmailLink AuthMethod = "email_link"
)
