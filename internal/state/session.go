package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
)

// SessionStorage adapts a Store to gotd's session.Storage for one account,
// so the transport reads and writes its credential through the same record
// that holds the account identity. Key rotations the transport performs
// mid-flight are persisted immediately and survive restarts.
type SessionStorage struct {
	store Store
	phone string
}

var _ session.Storage = (*SessionStorage)(nil)

// NewSessionStorage binds the account's credential slot to the store.
func NewSessionStorage(store Store, phone string) *SessionStorage {
	return &SessionStorage{store: store, phone: phone}
}

func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	rec, err := s.store.Load(ctx, s.phone)
	if errors.Is(err, ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential for %s: %w", s.phone, err)
	}
	if len(rec.Credential) == 0 {
		return nil, session.ErrNotFound
	}
	return rec.Credential, nil
}

// StoreSession replaces only the credential, keeping the identity fields of
// an existing record intact.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	rec, err := s.store.Load(ctx, s.phone)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{Phone: s.phone, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return fmt.Errorf("load record for %s: %w", s.phone, err)
	}

	rec.Credential = data
	rec.LastSeen = time.Now().UTC()
	return s.store.Save(ctx, rec)
}
