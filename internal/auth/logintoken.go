package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aelexs/identity-service/internal/domain"
)

const (
	loginTokenVersion   = "v1"
	maxLoginTokenLength = 1024
)

var b64 = base64.RawURLEncoding

// LoginTokenClaims are the fields a login token carries.
type LoginTokenClaims struct {
	Email    string
	IssuedAt int64 // epoch millis
	Nonce    string
}

// ParsedLoginToken is a structurally valid token whose tag has not yet been checked.
type ParsedLoginToken struct {
	LoginTokenClaims
	payload []byte
	tag     []byte
}

// LinkSigner issues and authenticates self-describing login tokens of the
// form v1.<base64url(email|issuedAt|nonce)>.<base64url(hmac)>.
type LinkSigner struct {
	key  domain.SecretBytes
	rand io.Reader
}

// NewLinkSigner derives the login-link key from secret.
func NewLinkSigner(secret domain.SecretString) (*LinkSigner, error) {
	key, err := deriveKey(secret, labelLoginLink)
	if err != nil {
		return nil, fmt.Errorf("link signer: %w", err)
	}
	return &LinkSigner{key: key, rand: rand.Reader}, nil
}

// Issue creates a fresh token for email. Unlike OTP codes, every call
// embeds a new random nonce.
func (s *LinkSigner) Issue(email string, issuedAt time.Time) (string, LoginTokenClaims, error) {
	nonce := make([]byte, domain.LoginNonceBytes)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", LoginTokenClaims{}, fmt.Errorf("generate nonce: %w", err)
	}

	claims := LoginTokenClaims{
		Email:    email,
		IssuedAt: issuedAt.UTC().UnixMilli(),
		Nonce:    hex.EncodeToString(nonce),
	}
	payload := []byte(claims.Email + "|" + strconv.FormatInt(claims.IssuedAt, 10) + "|" + claims.Nonce)
	tag := hmacSHA256(s.key.Expose(), payload)

	token := loginTokenVersion + "." + b64.EncodeToString(payload) + "." + b64.EncodeToString(tag)
	return token, claims, nil
}

// Authentic reports whether the token's tag matches its embedded fields.
func (s *LinkSigner) Authentic(p ParsedLoginToken) bool {
	return hmac.Equal(hmacSHA256(s.key.Expose(), p.payload), p.tag)
}

// ParseLoginToken checks token shape only. It does not verify the tag.
func ParseLoginToken(token string) (ParsedLoginToken, error) {
	if token == "" || len(token) > maxLoginTokenLength {
		return ParsedLoginToken{}, fmt.Errorf("token length: %w", domain.ErrInvalidToken)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != loginTokenVersion {
		return ParsedLoginToken{}, fmt.Errorf("token segments: %w", domain.ErrInvalidToken)
	}

	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return ParsedLoginToken{}, fmt.Errorf("token payload encoding: %w", domain.ErrInvalidToken)
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil || len(tag) != sha256.Size {
		return ParsedLoginToken{}, fmt.Errorf("token tag encoding: %w", domain.ErrInvalidToken)
	}

	// Split from the right; the email local part may legally contain '|'.
	s := string(payload)
	nonceAt := strings.LastIndexByte(s, '|')
	if nonceAt < 0 {
		return ParsedLoginToken{}, fmt.Errorf("token payload fields: %w", domain.ErrInvalidToken)
	}
	tsAt := strings.LastIndexByte(s[:nonceAt], '|')
	if tsAt <= 0 {
		return ParsedLoginToken{}, fmt.Errorf("token payload fields: %w", domain.ErrInvalidToken)
	}

	issuedAt, err := strconv.ParseInt(s[tsAt+1:nonceAt], 10, 64)
	if err != nil || issuedAt <= 0 {
		return ParsedLoginToken{}, fmt.Errorf("token timestamp: %w", domain.ErrInvalidToken)
	}
	nonce := s[nonceAt+1:]
	if len(nonce) != 2*domain.LoginNonceBytes {
		return ParsedLoginToken{}, fmt.Errorf("token nonce: %w", domain.ErrInvalidToken)
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return ParsedLoginToken{}, fmt.Errorf("token nonce: %w", domain.ErrInvalidToken)
	}

	return ParsedLoginToken{
		LoginTokenClaims: LoginTokenClaims{
			Email:    s[:tsAt],
			IssuedAt: issuedAt,
			Nonce:    nonce,
		},
		payload: payload,
		tag:     tag,
	}, nil
}

// TokenDigest returns the hex SHA-256 of token. Stores key login links by
// digest so a store dump does not yield usable bearer tokens.
func TokenDigest(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
