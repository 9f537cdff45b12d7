package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap/zaptest"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
)

const testPhone = "+10000100001"

// attemptConn builds the connection serving a login handshake: on the
// correct code (and password, when set) it writes a credential into the
// attempt's in-memory storage the way a real transport would.
func attemptConn(code, password string) *fakeConn {
	conn := &fakeConn{self: &tg.User{ID: 501, Username: "alice", FirstName: "Alice"}}
	conn.sendCode = func(phone string) (tg.AuthSentCodeClass, error) {
		return &tg.AuthSentCode{PhoneCodeHash: "hash-1"}, nil
	}
	succeed := func() error {
		return conn.storage.StoreSession(context.Background(), []byte("fresh-credential"))
	}
	conn.signIn = func(phone, got, hash string) error {
		if hash != "hash-1" {
			return tgerr.New(400, "PHONE_CODE_EXPIRED")
		}
		if got != code {
			return tgerr.New(400, "PHONE_CODE_INVALID")
		}
		if password != "" {
			return auth.ErrPasswordAuthNeeded
		}
		return succeed()
	}
	conn.signInPassword = func(got string) error {
		if got != password {
			return tgerr.New(400, "PASSWORD_HASH_INVALID")
		}
		return succeed()
	}
	return conn
}

func sessionConn() *fakeConn {
	return &fakeConn{self: &tg.User{ID: 501, Username: "alice", FirstName: "Alice"}}
}

func newTestFlow(t *testing.T, transport Transport) (*AuthFlow, *Registry, state.Store) {
	t.Helper()
	reg, store := newTestRegistry(t)
	mgr := NewManager(transport, store, reg, 8, zaptest.NewLogger(t))
	flow := NewAuthFlow(transport, store, reg, mgr, 10*time.Minute, zaptest.NewLogger(t))
	return flow, reg, store
}

func TestAuthFlow_CodeLogin(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{
		attemptConn("13579", ""),
		sessionConn(),
	}}
	flow, reg, store := newTestFlow(t, transport)

	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.State != domain.StateCodeSent || res.AttemptID == "" {
		t.Fatalf("Start() = %+v, want code_sent with attempt id", res)
	}

	// Wrong code: recoverable, the attempt stays in code_sent.
	_, err = flow.VerifyCode(ctx, res.AttemptID, "000000")
	if !domain.IsKind(err, domain.KindInvalidCode) {
		t.Fatalf("VerifyCode(wrong) error = %v, want invalid_code", err)
	}

	done, err := flow.VerifyCode(ctx, res.AttemptID, "13579")
	if err != nil {
		t.Fatalf("VerifyCode(correct) error: %v", err)
	}
	if done.State != domain.StateActive || done.Account == nil {
		t.Fatalf("VerifyCode() = %+v, want active with account", done)
	}
	if done.Account.UserID != 501 || done.Account.Username != "alice" {
		t.Errorf("account identity = %+v", done.Account)
	}

	accounts := reg.List()
	if len(accounts) != 1 || accounts[0].Phone != testPhone {
		t.Errorf("registry after login = %+v", accounts)
	}

	rec, err := store.Load(ctx, testPhone)
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if string(rec.Credential) != "fresh-credential" {
		t.Errorf("stored credential = %q", rec.Credential)
	}
	if rec.UserID != 501 || rec.Username != "alice" {
		t.Errorf("stored identity = %+v", rec)
	}

	// The attempt handle is released on success.
	if _, err := flow.VerifyCode(ctx, res.AttemptID, "13579"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("VerifyCode after success error = %v, want not_found", err)
	}
}

func TestAuthFlow_TwoFactorLogin(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{
		attemptConn("13579", "hunter2"),
		sessionConn(),
	}}
	flow, reg, _ := newTestFlow(t, transport)

	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}

	step, err := flow.VerifyCode(ctx, res.AttemptID, "13579")
	if err != nil {
		t.Fatalf("VerifyCode() error: %v", err)
	}
	if step.State != domain.StatePasswordRequired {
		t.Fatalf("VerifyCode() state = %s, want password_required", step.State)
	}

	// Wrong password: recoverable, still password_required.
	_, err = flow.VerifyPassword(ctx, res.AttemptID, "wrong")
	if !domain.IsKind(err, domain.KindInvalidPassword) {
		t.Fatalf("VerifyPassword(wrong) error = %v, want invalid_password", err)
	}

	done, err := flow.VerifyPassword(ctx, res.AttemptID, "hunter2")
	if err != nil {
		t.Fatalf("VerifyPassword(correct) error: %v", err)
	}
	if done.State != domain.StateActive {
		t.Errorf("state = %s, want active", done.State)
	}
	if _, ok := reg.Get(testPhone); !ok {
		t.Error("session not registered after two-factor login")
	}
}

func TestAuthFlow_VerifyCodeBeforePasswordStage(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{attemptConn("1", "")}}
	flow, _, _ := newTestFlow(t, transport)

	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	_, err = flow.VerifyPassword(ctx, res.AttemptID, "pw")
	if !domain.IsKind(err, domain.KindInvalidArgument) {
		t.Errorf("VerifyPassword before password stage error = %v, want invalid_argument", err)
	}
}

func TestAuthFlow_AlreadyRegistered(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{attemptConn("1", "")}}
	flow, reg, store := newTestFlow(t, transport)

	registeredSession(t, reg, testPhone)
	if _, err := flow.Start(ctx, testPhone); !domain.IsKind(err, domain.KindAlreadyRegistered) {
		t.Errorf("Start() with live session error = %v, want already_registered", err)
	}

	// A stored credential counts as registered even without a live session.
	if err := reg.Remove(ctx, testPhone); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, &state.Record{Phone: testPhone, Credential: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	if _, err := flow.Start(ctx, testPhone); !domain.IsKind(err, domain.KindAlreadyRegistered) {
		t.Errorf("Start() with stored credential error = %v, want already_registered", err)
	}

	// Removing the credential-only account frees the phone for a new login.
	if err := reg.Remove(ctx, testPhone); err != nil {
		t.Fatalf("Remove() of credential-only account error: %v", err)
	}
	if _, err := flow.Start(ctx, testPhone); err != nil {
		t.Errorf("Start() after Remove error: %v", err)
	}
}

func TestAuthFlow_AttemptInProgress(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{
		attemptConn("1", ""),
		attemptConn("1", ""),
	}}
	flow, _, _ := newTestFlow(t, transport)

	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := flow.Start(ctx, testPhone); !domain.IsKind(err, domain.KindAttemptInProgress) {
		t.Fatalf("second Start() error = %v, want attempt_in_progress", err)
	}

	// Cancellation releases the phone for a fresh attempt.
	if err := flow.Cancel(ctx, res.AttemptID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if transport.conns[0].closeCount() != 1 {
		t.Error("cancelled attempt left its connection open")
	}
	if _, err := flow.Start(ctx, testPhone); err != nil {
		t.Errorf("Start() after Cancel error: %v", err)
	}
}

func TestAuthFlow_RateLimitedVerbatim(t *testing.T) {
	conn := &fakeConn{}
	conn.sendCode = func(phone string) (tg.AuthSentCodeClass, error) {
		return nil, tgerr.New(420, "FLOOD_WAIT_17")
	}
	transport := &fakeTransport{conns: []*fakeConn{conn, attemptConn("1", "")}}
	flow, _, _ := newTestFlow(t, transport)

	_, err := flow.Start(context.Background(), testPhone)
	var de *domain.Error
	if !domain.IsKind(err, domain.KindRateLimited) {
		t.Fatalf("Start() error = %v, want rate_limited", err)
	}
	de = err.(*domain.Error)
	if de.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %s, want 17s (verbatim)", de.RetryAfter)
	}

	// A flood-wait does not leave a dangling attempt behind.
	if _, err := flow.Start(context.Background(), testPhone); domain.IsKind(err, domain.KindAttemptInProgress) {
		t.Error("flood-waited Start left the phone reserved")
	}
}

func TestAuthFlow_AttemptExpiry(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{conns: []*fakeConn{attemptConn("1", "")}}
	flow, _, _ := newTestFlow(t, transport)

	base := time.Now()
	flow.now = func() time.Time { return base }

	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}

	flow.now = func() time.Time { return base.Add(11 * time.Minute) }

	_, err = flow.VerifyCode(ctx, res.AttemptID, "1")
	if !domain.IsKind(err, domain.KindAttemptExpired) {
		t.Fatalf("VerifyCode on expired attempt error = %v, want attempt_expired", err)
	}
	if transport.conns[0].closeCount() != 1 {
		t.Error("expired attempt left its connection open")
	}

	// Terminal: the handle is gone, the flow restarts from Start.
	_, err = flow.VerifyCode(ctx, res.AttemptID, "1")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("VerifyCode after expiry error = %v, want not_found", err)
	}
}

func TestAuthFlow_RemoteCodeTimeoutWins(t *testing.T) {
	ctx := context.Background()
	conn := attemptConn("1", "")
	conn.sendCode = func(phone string) (tg.AuthSentCodeClass, error) {
		sent := &tg.AuthSentCode{PhoneCodeHash: "hash-1"}
		sent.SetTimeout(60)
		return sent, nil
	}
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	flow, _, _ := newTestFlow(t, transport)

	base := time.Now()
	flow.now = func() time.Time { return base }
	res, err := flow.Start(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}

	// Past the remote-supplied 60s timeout, well inside the default TTL.
	flow.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = flow.VerifyCode(ctx, res.AttemptID, "1")
	if !domain.IsKind(err, domain.KindAttemptExpired) {
		t.Errorf("VerifyCode error = %v, want attempt_expired from remote timeout", err)
	}
}
