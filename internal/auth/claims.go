package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the session token claims issued after a successful
// OTP, login-link or signup verification.
type Claims struct {
	jwt.RegisteredClaims
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	AMR   string `json:"amr"`
}
