package telegram

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
)

// Manager opens authenticated sessions from stored credentials and places
// them in the registry. It owns the process-wide cap on concurrent
// in-flight remote requests, shared by every session it opens.
type Manager struct {
	transport Transport
	store     state.Store
	registry  *Registry
	limiter   *semaphore.Weighted
	log       *zap.Logger
}

func NewManager(transport Transport, store state.Store, registry *Registry,
	maxInFlight int64, log *zap.Logger) *Manager {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &Manager{
		transport: transport,
		store:     store,
		registry:  registry,
		limiter:   semaphore.NewWeighted(maxInFlight),
		log:       log,
	}
}

// Open connects the account described by the stored record, refreshes its
// identity and registers the resulting session. Replaces any prior session
// for the same account.
func (m *Manager) Open(ctx context.Context, rec *state.Record) (*Session, error) {
	conn, err := m.transport.Connect(ctx, state.NewSessionStorage(m.store, rec.Phone))
	if err != nil {
		return nil, translate(err)
	}

	self, err := conn.Self(ctx)
	if err != nil {
		conn.Close()
		return nil, translate(err)
	}

	identity := domain.Identity{
		UserID:    self.ID,
		Username:  self.Username,
		FirstName: self.FirstName,
		LastName:  self.LastName,
		Phone:     rec.Phone,
	}
	m.refreshRecord(ctx, rec, identity)

	sess := newSession(rec.Phone, conn, identity, rec.CreatedAt, m.limiter,
		m.log.Named("session").With(zap.String("phone", rec.Phone)), m.evict)
	if err := m.registry.Register(sess); err != nil {
		sess.Close()
		return nil, err
	}

	m.log.Info("session opened",
		zap.String("phone", rec.Phone), zap.Int64("user_id", self.ID))
	return sess, nil
}

// Restore reopens every persisted account at boot. Accounts are opened
// concurrently; an account that fails to connect is logged and skipped so
// one broken credential does not hold the rest hostage.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, rec := range recs {
		if len(rec.Credential) == 0 {
			continue
		}
		wg.Add(1)
		go func(rec *state.Record) {
			defer wg.Done()
			if _, err := m.Open(ctx, rec); err != nil {
				m.log.Error("restoring account failed",
					zap.String("phone", rec.Phone), zap.Error(err))
			}
		}(rec)
	}
	wg.Wait()
	return nil
}

// evict is the session's revocation callback: the credential is dead, so
// the account is removed outright and must re-authenticate from scratch.
func (m *Manager) evict(phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.registry.Remove(ctx, phone); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		m.log.Error("evicting revoked account", zap.String("phone", phone), zap.Error(err))
	}
}

// refreshRecord re-reads the stored record before updating identity
// fields: the transport may have rotated the credential during connect,
// and saving a stale in-memory copy would clobber it.
func (m *Manager) refreshRecord(ctx context.Context, rec *state.Record, id domain.Identity) {
	if rec.UserID == id.UserID && rec.Username == id.Username &&
		rec.FirstName == id.FirstName && rec.LastName == id.LastName {
		return
	}

	fresh, err := m.store.Load(ctx, rec.Phone)
	if err != nil {
		fresh = rec
	}
	fresh.UserID = id.UserID
	fresh.Username = id.Username
	fresh.FirstName = id.FirstName
	fresh.LastName = id.LastName
	fresh.LastSeen = time.Now().UTC()
	if err := m.store.Save(ctx, fresh); err != nil {
		m.log.Warn("refreshing account identity", zap.String("phone", rec.Phone), zap.Error(err))
	}
}
