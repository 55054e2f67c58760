package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"golang.org/x/crypto/hkdf"

	"github.com/aelexs/identity-service/internal/domain"
)

// HKDF labels separating the keys derived from one master secret.
const (
	labelOTPCode      = "identity/otp/code/v1"
	labelOTPIntegrity = "identity/otp/integrity/v1"
	labelLoginLink    = "identity/login-link/v1"
)

const derivedKeySize = 32

var errEmptySecret = errors.New("secret must not be empty")

// DeriverConfig holds configuration for creating a Deriver.
type DeriverConfig struct {
	Secret domain.SecretString
	Length int
	Window time.Duration
}

// Deriver produces time-window-stable numeric codes and integrity tags for
// stored OTP records.
//
// A code is HOTP (RFC 4226 dynamic truncation, HMAC-SHA256) whose key is
// HMAC-SHA256(codeKey, identifier) and whose counter is the time window
// index. Two derivations for the same identifier within one window return
// the same code, which lets a client safely retry a send.
type Deriver struct {
	codeKey      domain.SecretBytes
	integrityKey domain.SecretBytes
	length       int
	window       time.Duration
}

// NewDeriver validates cfg and derives the code and integrity sub-keys.
func NewDeriver(cfg DeriverConfig) (*Deriver, error) {
	if cfg.Secret.IsEmpty() {
		return nil, fmt.Errorf("otp deriver: %w", errEmptySecret)
	}
	if cfg.Length < domain.MinOTPLength || cfg.Length > domain.MaxOTPLength {
		return nil, fmt.Errorf("otp deriver: length %d outside [%d,%d]: %w",
			cfg.Length, domain.MinOTPLength, domain.MaxOTPLength, domain.ErrInvalidInput)
	}
	if cfg.Window < time.Millisecond {
		return nil, fmt.Errorf("otp deriver: window %s too small: %w", cfg.Window, domain.ErrInvalidInput)
	}

	codeKey, err := deriveKey(cfg.Secret, labelOTPCode)
	if err != nil {
		return nil, err
	}
	integrityKey, err := deriveKey(cfg.Secret, labelOTPIntegrity)
	if err != nil {
		return nil, err
	}

	return &Deriver{
		codeKey:      codeKey,
		integrityKey: integrityKey,
		length:       cfg.Length,
		window:       cfg.Window,
	}, nil
}

// Length returns the number of digits in derived codes.
func (d *Deriver) Length() int { return d.length }

// TimeWindow returns floor(at / window) in epoch milliseconds.
func (d *Deriver) TimeWindow(at time.Time) uint64 {
	return uint64(at.UTC().UnixMilli() / d.window.Milliseconds())
}

// DeriveCode returns the zero-padded code for identifier in the window containing at.
func (d *Deriver) DeriveCode(identifier string, at time.Time) (string, error) {
	perIdentifier := hmacSHA256(d.codeKey.Expose(), []byte(identifier))
	secret := base32.StdEncoding.EncodeToString(perIdentifier)

	code, err := hotp.GenerateCodeCustom(secret, d.TimeWindow(at), hotp.ValidateOpts{
		Digits:    otp.Digits(d.length),
		Algorithm: otp.AlgorithmSHA256,
	})
	if err != nil {
		return "", fmt.Errorf("derive code: %w", err)
	}
	return code, nil
}

// ComputeIntegrityTag returns the hex HMAC-SHA256 over all record fields.
func (d *Deriver) ComputeIntegrityTag(identifier, code string, issuedAt, expiresAt int64) string {
	mac := hmac.New(sha256.New, d.integrityKey.Expose())
	mac.Write([]byte(identifier))
	mac.Write([]byte{'|'})
	mac.Write([]byte(code))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(issuedAt, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal fills rec.IntegrityTag from the record's other fields.
func (d *Deriver) Seal(rec *domain.OTPRecord) {
	rec.IntegrityTag = d.ComputeIntegrityTag(rec.Identifier, rec.Code, rec.IssuedAt, rec.ExpiresAt)
}

// VerifyIntegrityTag recomputes the tag for rec and compares in constant time.
func (d *Deriver) VerifyIntegrityTag(rec domain.OTPRecord) bool {
	want := d.ComputeIntegrityTag(rec.Identifier, rec.Code, rec.IssuedAt, rec.ExpiresAt)
	return hmac.Equal([]byte(want), []byte(rec.IntegrityTag))
}

// CodesEqual compares a stored code with a candidate in constant time.
func CodesEqual(stored, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

func deriveKey(secret domain.SecretString, label string) (domain.SecretBytes, error) {
	if secret.IsEmpty() {
		return nil, errEmptySecret
	}
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret.Expose()), nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}
	return key, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
