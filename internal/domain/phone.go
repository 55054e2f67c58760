package domain

import (
	"fmt"
	"strings"
)

const (
	// CountryCodeBD is the Bangladesh international dialling prefix.
	CountryCodeBD = "+880"

	subscriberDigits = 10
)

// PhoneNumber is a value object holding a canonical Bangladesh mobile number
// (+880 followed by 10 digits, the first of which is 1).
// Always valid in memory; construct with NormalizePhoneNumber.
type PhoneNumber struct {
	value string
}

// NormalizePhoneNumber parses national (0XXXXXXXXXX), country-code
// (880XXXXXXXXXX) and international (+880XXXXXXXXXX) forms into canonical form.
// Anything else, surrounding whitespace included, is rejected with a reason
// wrapping ErrInvalidPhoneNumber.
func NormalizePhoneNumber(raw string) (PhoneNumber, error) {
	if raw == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}

	var subscriber string
	switch {
	case strings.HasPrefix(raw, "+880"):
		subscriber = raw[len("+880"):]
	case strings.HasPrefix(raw, "880"):
		subscriber = raw[len("880"):]
	case strings.HasPrefix(raw, "0"):
		subscriber = raw[len("0"):]
	default:
		return PhoneNumber{}, fmt.Errorf("phone number %q must start with 0, 880 or +880: %w", raw, ErrInvalidPhoneNumber)
	}

	for _, r := range subscriber {
		if r < '0' || r > '9' {
			return PhoneNumber{}, fmt.Errorf("phone number %q contains non-digit characters: %w", raw, ErrInvalidPhoneNumber)
		}
	}
	if len(subscriber) != subscriberDigits {
		return PhoneNumber{}, fmt.Errorf("phone number %q must have exactly %d digits after the country code, got %d: %w",
			raw, subscriberDigits, len(subscriber), ErrInvalidPhoneNumber)
	}
	if subscriber[0] != '1' {
		return PhoneNumber{}, fmt.Errorf("phone number %q must have a subscriber number starting with 1: %w", raw, ErrInvalidPhoneNumber)
	}

	return PhoneNumber{value: CountryCodeBD + subscriber}, nil
}

// MustPhoneNumber creates a PhoneNumber, panicking on invalid input. Use only in tests.
func MustPhoneNumber(raw string) PhoneNumber {
	p, err := NormalizePhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PhoneNumber) String() string { return p.value }
func (p PhoneNumber) IsZero() bool   { return p.value == "" }

// Masked returns the number with all but the last 4 digits hidden, for logs.
func (p PhoneNumber) Masked() string {
	if len(p.value) <= 4 {
		return "****"
	}
	return "***" + p.value[len(p.value)-4:]
}
