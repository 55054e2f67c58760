package domain

import "log/slog"

const redacted = "[REDACTED]"

// SecretString wraps HMAC keys, SMTP passwords and similar values so that
// fmt and slog print a placeholder. Call Expose at the point of use.
type SecretString string

func (s SecretString) String() string { return redacted }

// LogValue implements slog.LogValuer. It holds even when the logger's
// ReplaceAttr redaction is bypassed.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// Expose returns the actual secret value.
func (s SecretString) Expose() string { return string(s) }

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool { return len(s) == 0 }

// SecretBytes is the []byte counterpart of SecretString, used for derived keys.
type SecretBytes []byte

func (s SecretBytes) String() string { return redacted }

// LogValue implements slog.LogValuer.
func (s SecretBytes) LogValue() slog.Value { return slog.StringValue(redacted) }

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte { return []byte(s) }

// IsEmpty returns true if the secret is empty.
func (s SecretBytes) IsEmpty() bool { return len(s) == 0 }

var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
