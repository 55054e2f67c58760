package domain

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// CustomerID is a value object representing a directory customer identifier.
// Customer IDs are ULIDs, sortable by creation time.
type CustomerID struct {
	value string
}

// NewCustomerID creates a CustomerID from a raw string, validating it is a ULID.
func NewCustomerID(raw string) (CustomerID, error) {
	if raw == "" {
		return CustomerID{}, ErrEmptyID
	}
	if _, err := ulid.ParseStrict(raw); err != nil {
		return CustomerID{}, fmt.Errorf("invalid customer ID %q: %w", raw, ErrInvalidID)
	}
	return CustomerID{value: raw}, nil
}

// MustCustomerID creates a CustomerID, panicking on invalid input. Use only in tests.
func MustCustomerID(raw string) CustomerID {
	id, err := NewCustomerID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateCustomerID creates a new CustomerID stamped with the current time.
func GenerateCustomerID() CustomerID {
	return CustomerID{value: ulid.Make().String()}
}

func (id CustomerID) String() string { return id.value }
func (id CustomerID) IsZero() bool   { return id.value == "" }
