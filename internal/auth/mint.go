package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aelexs/identity-service/internal/domain"
)

// Subject identifies who a session token is minted for.
type Subject struct {
	CustomerID string
	Phone      string
	Email      string
	Method     domain.AuthMethod
}

// MintResult holds the result of minting a session token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Minter creates RS256-signed session tokens.
type Minter struct {
	keyStore KeyStore
	ttl      time.Duration
	issuer   string
	audience string
	clock    domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore KeyStore
	TTL      time.Duration
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewMinter creates a new session token minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore: cfg.KeyStore,
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// Mint signs a token for sub. The kid header selects the verification key.
func (m *Minter) Mint(sub Subject) (MintResult, error) {
	if sub.CustomerID == "" {
		return MintResult{}, fmt.Errorf("mint session: empty subject: %w", domain.ErrInvalidInput)
	}

	privateKey, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("get signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.CustomerID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Phone: sub.Phone,
		Email: sub.Email,
		AMR:   string(sub.Method),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign session token: %w", err)
	}

	return MintResult{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}
