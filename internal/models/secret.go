package models

import "time"

// Status is the lifecycle state of a shared secret as tracked by the ledger.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusUsed, StatusExpired:
		return true
	}
	return false
}

// Record is the durable metadata kept for every shared secret. The
// plaintext itself never appears here.
type Record struct {
	ID        int64      `json:"id"`
	Token     string     `json:"token"`
	Owner     string     `json:"-"` // empty for anonymous senders
	Recipient string     `json:"recipient"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil never expires
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Status    Status     `json:"status"`
}

// Lapsed reports whether the expiration time has been reached at now.
func (r *Record) Lapsed(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Consumed reports whether the secret was already revealed.
func (r *Record) Consumed() bool {
	return r.Used || r.Status == StatusUsed
}

// Stats aggregates record counts for one owner (or for anonymous senders).
type Stats struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
}
