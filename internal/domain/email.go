package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxEmailLength = 254

var emailValidate = validator.New(validator.WithRequiredStructEnabled())

// Email is a value object holding a syntactically valid, lower-cased address.
type Email struct {
	value string
}

// NewEmail trims and lower-cases raw, then validates it as an RFC 5322 address.
func NewEmail(raw string) (Email, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Email{}, fmt.Errorf("email cannot be empty: %w", ErrInvalidEmail)
	}
	if len(s) > maxEmailLength {
		return Email{}, fmt.Errorf("email exceeds %d characters: %w", maxEmailLength, ErrInvalidEmail)
	}
	if err := emailValidate.Var(s, "email"); err != nil {
		return Email{}, fmt.Errorf("email %q is not a valid address: %w", raw, ErrInvalidEmail)
	}
	return Email{value: s}, nil
}

// MustEmail creates an Email, panicking on invalid input. Use only in tests.
func MustEmail(raw string) Email {
	e, err := NewEmail(raw)
	if err != nil {
		panic(err)
	}
	return e
}

func (e Email) String() string { return e.value }
func (e Email) IsZero() bool   { return e.value == "" }
