package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates there is no stored record for the account.
var ErrNotFound = errors.New("state: account not found")

// Record is the durable per-account state: the opaque transport credential
// plus the identity captured at login time. One record per account.
type Record struct {
	Phone     string    `json:"phone_number"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen,omitempty"`

	// Credential is the serialized session material produced by the
	// transport after authentication. Opaque to everything but the
	// transport itself.
	Credential []byte `json:"credential,omitempty"`
}

// Store persists account records across process restarts.
type Store interface {
	// Save writes or replaces the record for rec.Phone.
	Save(ctx context.Context, rec *Record) error
	// Load returns the record for the phone, or ErrNotFound.
	Load(ctx context.Context, phone string) (*Record, error)
	// Delete removes the record for the phone, or returns ErrNotFound.
	Delete(ctx context.Context, phone string) error
	// List returns all records ordered by phone number.
	List(ctx context.Context) ([]*Record, error)
}
