package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
	"github.com/leshchenko1979/mtproto-rest/internal/state"
)

// fakeConn scripts the transport capability. The handle callback receives
// each invoked request and returns the typed result, which is round-tripped
// through the wire encoding into the caller's output.
type fakeConn struct {
	mu       sync.Mutex
	requests []bin.Encoder
	closed   int

	handle         func(ctx context.Context, input bin.Encoder) (bin.Encoder, error)
	self           *tg.User
	sendCode       func(phone string) (tg.AuthSentCodeClass, error)
	signIn         func(phone, code, hash string) error
	signInPassword func(password string) error

	// storage is the credential storage the connection was opened with.
	storage session.Storage
}

func (f *fakeConn) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	f.mu.Lock()
	f.requests = append(f.requests, input)
	handle := f.handle
	f.mu.Unlock()

	if handle == nil {
		return errors.New("fakeConn: unexpected invoke")
	}
	res, err := handle(ctx, input)
	if err != nil {
		return err
	}
	return respond(res, output)
}

func respond(res bin.Encoder, output bin.Decoder) error {
	var buf bin.Buffer
	if err := res.Encode(&buf); err != nil {
		return err
	}
	return output.Decode(&buf)
}

func (f *fakeConn) Self(ctx context.Context) (*tg.User, error) {
	if f.self == nil {
		return nil, errors.New("fakeConn: no self configured")
	}
	return f.self, nil
}

func (f *fakeConn) SendCode(ctx context.Context, phone string) (tg.AuthSentCodeClass, error) {
	if f.sendCode == nil {
		return nil, errors.New("fakeConn: no sendCode configured")
	}
	return f.sendCode(phone)
}

func (f *fakeConn) SignIn(ctx context.Context, phone, code, codeHash string) error {
	if f.signIn == nil {
		return errors.New("fakeConn: no signIn configured")
	}
	return f.signIn(phone, code, codeHash)
}

func (f *fakeConn) SignInPassword(ctx context.Context, password string) error {
	if f.signInPassword == nil {
		return errors.New("fakeConn: no signInPassword configured")
	}
	return f.signInPassword(password)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) requestTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, r := range f.requests {
		types = append(types, typeName(r))
	}
	return types
}

func typeName(v any) string {
	switch v.(type) {
	case *tg.ContactsResolveUsernameRequest:
		return "resolveUsername"
	case *tg.ChannelsJoinChannelRequest:
		return "joinChannel"
	case *tg.ChannelsGetMessagesRequest, *tg.MessagesGetMessagesRequest:
		return "getMessages"
	case *tg.MessagesForwardMessagesRequest:
		return "forwardMessages"
	case *tg.ContactsGetContactsRequest:
		return "getContacts"
	case *tg.ContactsSearchRequest:
		return "contactsSearch"
	case *tg.MessagesSearchGlobalRequest:
		return "searchGlobal"
	default:
		return "other"
	}
}

// fakeTransport hands out scripted connections in Connect order.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	made  int
}

func (t *fakeTransport) Connect(ctx context.Context, storage session.Storage) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	if t.made >= len(t.conns) {
		return nil, errors.New("fakeTransport: no more scripted connections")
	}
	conn := t.conns[t.made]
	t.made++
	conn.storage = storage
	return conn, nil
}

func testLimiter(n int64) *semaphore.Weighted { return semaphore.NewWeighted(n) }

func newTestSession(t *testing.T, phone string, conn *fakeConn, onRevoked func(string)) *Session {
	t.Helper()
	sess := newSession(phone, conn, domain.Identity{UserID: 1}, time.Now(),
		testLimiter(8), zaptest.NewLogger(t), onRevoked)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func newTestRegistry(t *testing.T) (*Registry, state.Store) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(store, zaptest.NewLogger(t))
	t.Cleanup(func() { reg.Close() })
	return reg, store
}
