package telegram

import (
	"context"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// Conn is one live connection to Telegram for one account: the transport
// capability this package orchestrates but never implements at the wire
// level. The gotd-backed implementation lives in gotd.go; tests substitute
// fakes.
//
// Invoke is inherited from tg.Invoker and carries every typed API call.
// The auth methods drive the login handshake on a connection that is not
// yet authorized.
type Conn interface {
	tg.Invoker

	// Self returns the authorized user behind the connection.
	Self(ctx context.Context) (*tg.User, error)

	// SendCode asks Telegram to deliver a login code to the phone.
	SendCode(ctx context.Context, phone string) (tg.AuthSentCodeClass, error)

	// SignIn submits the received code. A two-factor-protected account
	// yields auth.ErrPasswordAuthNeeded.
	SignIn(ctx context.Context, phone, code, codeHash string) error

	// SignInPassword completes two-factor authentication.
	SignInPassword(ctx context.Context, password string) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport opens connections. The credential seam is gotd's
// session.Storage: authenticated sessions pass a store-backed storage,
// login attempts pass an in-memory one.
type Transport interface {
	Connect(ctx context.Context, storage session.Storage) (Conn, error)
}
