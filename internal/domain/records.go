package domain

import "time"

// OTPRecord is the one outstanding code challenge for a phone number.
// Timestamps are UTC epoch milliseconds.
type OTPRecord struct {
	Identifier   string `json:"identifier"`
	Code         string `json:"code"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
	IntegrityTag string `json:"integrity_tag"`
}

// Expired reports whether now is strictly past ExpiresAt.
func (r OTPRecord) Expired(now time.Time) bool {
	return now.UTC().UnixMilli() > r.ExpiresAt
}

// Customer is a directory record.
type Customer struct {
	ID        string `json:"id"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// CustomerSnapshot is a directory record cached under customer:<phone-or-email>
// so verification does not need a second directory round trip.
type CustomerSnapshot struct {
	Customer Customer `json:"customer"`
	CachedAt int64    `json:"cached_at"`
}

// LoginTokenRecord is the stored state of one login link. The token string
// itself is not persisted; the store key is derived from its digest.
type LoginTokenRecord struct {
	Email     string   `json:"email"`
	Customer  Customer `json:"customer"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
	Used      bool     `json:"used"`
	UsedAt    int64    `json:"used_at,omitempty"`
}

// Expired reports whether now is strictly past ExpiresAt.
func (r LoginTokenRecord) Expired(now time.Time) bool {
	return now.UTC().UnixMilli() > r.ExpiresAt
}
