package telegram

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
)

// AuthFlow drives the multi-step login state machine. A pending attempt
// owns its own unauthenticated connection with in-memory credential
// storage; only a successful flow persists a credential and produces a
// registered Session. At most one attempt per phone number is outstanding
// at any time.
type AuthFlow struct {
	transport Transport
	store     state.Store
	registry  *Registry
	manager   *Manager
	ttl       time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt // by handle
	byPhone  map[string]*attempt
}

// attempt is one in-flight login sequence. Distinct from a Session: it is
// ephemeral and destroyed on success, cancellation or expiry.
type attempt struct {
	id      string
	phone   string
	storage *session.StorageMemory

	mu        sync.Mutex
	conn      Conn
	codeHash  string
	state     domain.AccountState // StateCodeSent or StatePasswordRequired
	expiresAt time.Time
}

func NewAuthFlow(transport Transport, store state.Store, registry *Registry,
	manager *Manager, attemptTTL time.Duration, log *zap.Logger) *AuthFlow {
	if attemptTTL <= 0 {
		attemptTTL = 10 * time.Minute
	}
	return &AuthFlow{
		transport: transport,
		store:     store,
		registry:  registry,
		manager:   manager,
		ttl:       attemptTTL,
		log:       log,
		now:       time.Now,
		attempts:  make(map[string]*attempt),
		byPhone:   make(map[string]*attempt),
	}
}

// Start begins a login for the phone number: it connects, asks Telegram to
// send a confirmation code and returns an opaque attempt handle. Fails
// when the account is already registered or an attempt is already pending
// for the phone. A flood-wait from Telegram surfaces as a rate-limit error
// carrying the remote-supplied retry-after verbatim.
func (f *AuthFlow) Start(ctx context.Context, rawPhone string) (*domain.AuthResult, error) {
	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	if _, ok := f.registry.Get(phone); ok {
		return nil, domain.Errorf(domain.KindAlreadyRegistered, "account %s is already registered", phone)
	}
	if rec, err := f.store.Load(ctx, phone); err == nil && len(rec.Credential) > 0 {
		return nil, domain.Errorf(domain.KindAlreadyRegistered, "account %s is already registered", phone)
	}

	att, err := f.reserve(phone)
	if err != nil {
		return nil, err
	}

	conn, codeHash, expiresAt, err := f.sendCode(ctx, att)
	if err != nil {
		f.destroy(att)
		return nil, err
	}

	att.mu.Lock()
	att.conn = conn
	att.codeHash = codeHash
	att.state = domain.StateCodeSent
	att.expiresAt = expiresAt
	att.mu.Unlock()

	// The attempt may have been cancelled while the code request was in
	// flight; the connection must not outlive the reservation.
	f.mu.Lock()
	_, alive := f.attempts[att.id]
	f.mu.Unlock()
	if !alive {
		conn.Close()
		return nil, domain.NotFoundf("the login attempt was cancelled")
	}

	f.log.Info("confirmation code sent",
		zap.String("phone", phone), zap.String("attempt_id", att.id))

	return &domain.AuthResult{
		AttemptID: att.id,
		Phone:     phone,
		State:     domain.StateCodeSent,
	}, nil
}

// VerifyCode submits the confirmation code for a pending attempt. An
// invalid code leaves the attempt in place for another try; an account
// protected by a two-factor password moves to the password-required state.
func (f *AuthFlow) VerifyCode(ctx context.Context, handle, code string) (*domain.AuthResult, error) {
	att, err := f.lookup(handle)
	if err != nil {
		return nil, err
	}

	att.mu.Lock()
	defer att.mu.Unlock()

	if att.state != domain.StateCodeSent {
		return nil, domain.InvalidArgumentf("attempt %s awaits the two-factor password, not a code", handle)
	}

	err = att.conn.SignIn(ctx, att.phone, code, att.codeHash)
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		att.state = domain.StatePasswordRequired
		f.log.Info("two-factor password required", zap.String("phone", att.phone))
		return &domain.AuthResult{
			AttemptID: att.id,
			Phone:     att.phone,
			State:     domain.StatePasswordRequired,
		}, nil
	case err != nil:
		terr := translate(err)
		if domain.IsKind(terr, domain.KindAttemptExpired) {
			f.destroy(att)
		}
		return nil, terr
	}

	return f.finalize(ctx, att)
}

// VerifyPassword completes a two-factor login. A wrong password leaves the
// attempt in the password-required state.
func (f *AuthFlow) VerifyPassword(ctx context.Context, handle, password string) (*domain.AuthResult, error) {
	att, err := f.lookup(handle)
	if err != nil {
		return nil, err
	}

	att.mu.Lock()
	defer att.mu.Unlock()

	if att.state != domain.StatePasswordRequired {
		return nil, domain.InvalidArgumentf("attempt %s has not reached password verification", handle)
	}

	if err := att.conn.SignInPassword(ctx, password); err != nil {
		if errors.Is(err, auth.ErrPasswordInvalid) {
			return nil, domain.Errorf(domain.KindInvalidPassword, "the two-factor password is invalid")
		}
		return nil, translate(err)
	}

	return f.finalize(ctx, att)
}

// Cancel aborts a pending attempt and releases its phone number for a new
// Start.
func (f *AuthFlow) Cancel(ctx context.Context, handle string) error {
	att, err := f.lookup(handle)
	if err != nil {
		return err
	}
	f.destroy(att)
	f.log.Info("login attempt cancelled",
		zap.String("phone", att.phone), zap.String("attempt_id", att.id))
	return nil
}

// reserve claims the phone number for a new attempt. The placeholder is
// inserted before any network traffic so two racing Starts cannot both
// proceed.
func (f *AuthFlow) reserve(phone string) (*attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reapLocked()

	if _, ok := f.byPhone[phone]; ok {
		return nil, domain.Errorf(domain.KindAttemptInProgress,
			"a login attempt for %s is already in progress", phone)
	}

	att := &attempt{
		id:        uuid.NewString(),
		phone:     phone,
		storage:   &session.StorageMemory{},
		expiresAt: f.now().Add(f.ttl),
	}
	f.attempts[att.id] = att
	f.byPhone[phone] = att
	return att, nil
}

func (f *AuthFlow) sendCode(ctx context.Context, att *attempt) (Conn, string, time.Time, error) {
	conn, err := f.transport.Connect(ctx, att.storage)
	if err != nil {
		return nil, "", time.Time{}, translate(err)
	}

	sent, err := conn.SendCode(ctx, att.phone)
	if err != nil {
		conn.Close()
		return nil, "", time.Time{}, translate(err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		conn.Close()
		return nil, "", time.Time{}, domain.Errorf(domain.KindInternal,
			"unexpected response to the code request")
	}

	expiresAt := f.now().Add(f.ttl)
	if timeout, ok := code.GetTimeout(); ok && timeout > 0 {
		expiresAt = f.now().Add(time.Duration(timeout) * time.Second)
	}
	return conn, code.PhoneCodeHash, expiresAt, nil
}

// finalize persists the credential, converts the attempt into a registered
// session and destroys the attempt. Called with att.mu held.
func (f *AuthFlow) finalize(ctx context.Context, att *attempt) (*domain.AuthResult, error) {
	self, err := att.conn.Self(ctx)
	if err != nil {
		return nil, translate(err)
	}

	blob, err := att.storage.LoadSession(ctx)
	if err != nil {
		return nil, domain.Errorf(domain.KindInternal, "login produced no session credential")
	}

	now := f.now().UTC()
	rec := &state.Record{
		Phone:      att.phone,
		UserID:     self.ID,
		Username:   self.Username,
		FirstName:  self.FirstName,
		LastName:   self.LastName,
		CreatedAt:  now,
		LastSeen:   now,
		Credential: blob,
	}
	if err := f.store.Save(ctx, rec); err != nil {
		return nil, domain.Errorf(domain.KindInternal, "persisting the account failed")
	}

	// The attempt's connection served the handshake only; the registered
	// session gets a fresh one backed by the stored credential.
	f.destroy(att)

	sess, err := f.manager.Open(ctx, rec)
	if err != nil {
		return nil, err
	}

	f.log.Info("account authenticated",
		zap.String("phone", att.phone), zap.Int64("user_id", self.ID))

	account := sess.Account()
	return &domain.AuthResult{
		Phone:   att.phone,
		State:   domain.StateActive,
		Account: &account,
	}, nil
}

// lookup resolves a handle, reaping the attempt when it has expired.
func (f *AuthFlow) lookup(handle string) (*attempt, error) {
	f.mu.Lock()
	att, ok := f.attempts[handle]
	f.mu.Unlock()
	if !ok {
		return nil, domain.NotFoundf("unknown login attempt %s", handle)
	}

	att.mu.Lock()
	expired := f.now().After(att.expiresAt)
	att.mu.Unlock()
	if expired {
		f.destroy(att)
		return nil, domain.Errorf(domain.KindAttemptExpired,
			"the login attempt has expired, restart authentication")
	}
	return att, nil
}

// destroy removes the attempt and closes its connection. Safe to call with
// or without att.mu held by the caller for state checks already done.
func (f *AuthFlow) destroy(att *attempt) {
	f.mu.Lock()
	delete(f.attempts, att.id)
	if f.byPhone[att.phone] == att {
		delete(f.byPhone, att.phone)
	}
	f.mu.Unlock()

	if att.conn != nil {
		if err := att.conn.Close(); err != nil {
			f.log.Warn("closing attempt connection",
				zap.String("phone", att.phone), zap.Error(err))
		}
	}
}

// reapLocked drops expired attempts. Called with f.mu held.
func (f *AuthFlow) reapLocked() {
	now := f.now()
	for id, att := range f.attempts {
		if now.After(att.expiresAt) {
			delete(f.attempts, id)
			if f.byPhone[att.phone] == att {
				delete(f.byPhone, att.phone)
			}
			if att.conn != nil {
				att.conn.Close()
			}
		}
	}
}
