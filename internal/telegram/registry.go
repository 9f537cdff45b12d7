package telegram

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
)

// Registry is the process-wide map of account phone number to live
// Session. The outer lock only guards the map shape; each account has its
// own entry lock, so register/remove for unrelated accounts never
// serialize against each other.
type Registry struct {
	store state.Store
	log   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	mu   sync.Mutex
	sess *Session
	// dead marks an entry evicted from the map while someone else held a
	// reference to it; operations that observe it start over.
	dead bool
}

// NewRegistry builds an empty registry over the given credential store.
func NewRegistry(store state.Store, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     log,
		entries: make(map[string]*registryEntry),
	}
}

// Get returns the live session for the phone, if any.
func (r *Registry) Get(phone string) (*Session, bool) {
	r.mu.RLock()
	e, ok := r.entries[phone]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// Register installs the session for its phone number. When a session is
// already registered for that account, the prior one's transport is closed
// before the replacement becomes visible, so two live transports never
// exist for one account.
func (r *Registry) Register(sess *Session) error {
	phone := sess.Phone()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return domain.Errorf(domain.KindInternal, "registry is shut down")
		}
		e, ok := r.entries[phone]
		if !ok {
			e = &registryEntry{}
			r.entries[phone] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue // entry was removed underneath us, start over
		}
		if prior := e.sess; prior != nil {
			e.sess = nil
			if err := prior.Close(); err != nil {
				r.log.Warn("closing replaced session", zap.String("phone", phone), zap.Error(err))
			}
		}
		e.sess = sess
		e.mu.Unlock()
		return nil
	}
}

// Remove closes the account's transport, deletes its stored credential and
// evicts it from the registry. An account with a persisted credential but
// no live session (a failed restore, a crash between login and connect) is
// still removable: the credential is deleted so the account can
// re-authenticate. Not-found only when neither a session nor a credential
// exists.
func (r *Registry) Remove(ctx context.Context, phone string) error {
	sess := r.evict(phone)
	if sess != nil {
		if err := sess.Close(); err != nil {
			r.log.Warn("closing removed session", zap.String("phone", phone), zap.Error(err))
		}
	}

	if err := r.store.Delete(ctx, phone); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			if sess == nil {
				return domain.NotFoundf("account %s is not registered", phone)
			}
		} else {
			r.log.Error("deleting credential", zap.String("phone", phone), zap.Error(err))
		}
	}

	r.log.Info("account removed", zap.String("phone", phone))
	return nil
}

// evict pops the live session for the phone out of the registry, if any.
func (r *Registry) evict(phone string) *Session {
	r.mu.RLock()
	e, ok := r.entries[phone]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.dead || e.sess == nil {
		e.mu.Unlock()
		return nil
	}
	sess := e.sess
	e.sess = nil
	e.dead = true
	e.mu.Unlock()

	r.mu.Lock()
	if r.entries[phone] == e {
		delete(r.entries, phone)
	}
	r.mu.Unlock()
	return sess
}

// List returns the registered accounts ordered by phone number.
func (r *Registry) List() []domain.Account {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	accounts := make([]domain.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead && e.sess != nil {
			accounts = append(accounts, e.sess.Account())
		}
		e.mu.Unlock()
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Phone < accounts[j].Phone })
	return accounts
}

// Operable reports whether the registry still accepts work. Feeds the
// health endpoint.
func (r *Registry) Operable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Close shuts every session down and marks the registry unusable.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var errs error
	for _, e := range entries {
		e.mu.Lock()
		// Every entry dies, including ones a racing Register inserted but
		// has not filled yet; that Register will observe dead and start
		// over against the closed registry.
		e.dead = true
		if sess := e.sess; sess != nil {
			e.sess = nil
			errs = multierr.Append(errs, sess.Close())
		}
		e.mu.Unlock()
	}
	return errs
}
