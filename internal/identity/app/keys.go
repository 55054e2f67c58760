package app

import (
	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/domain"
)

// Store key layout. Every key written by the lifecycles goes through one of
// these helpers.

// OTPKey is otp:<phone>.
func OTPKey(phone domain.PhoneNumber) string { return "otp:" + phone.String() }

// CustomerKey is customer:<phone-or-email>.
func CustomerKey(phoneOrEmail string) string { return "customer:" + phoneOrEmail }

// LoginLinkKey is login_link:<sha256(token)>.
func LoginLinkKey(token string) string { return "login_link:" + auth.TokenDigest(token) }

// SignupTicketKey is signup:<phone>.
func SignupTicketKey(phone domain.PhoneNumber) string { return "signup:" + phone.String() }

// RateKey is rate:<class>:<key>.
func RateKey(class domain.OperationClass, key string) string {
	return "rate:" + string(class) + ":" + key
}
