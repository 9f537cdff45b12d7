package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// GotdTransport opens connections through gotd/td. One Connect call yields
// one long-lived client whose run loop owns reconnection; the connection
// stays up until Close.
type GotdTransport struct {
	apiID   int
	apiHash string
	log     *zap.Logger
}

var _ Transport = (*GotdTransport)(nil)

func NewGotdTransport(apiID int, apiHash string, log *zap.Logger) *GotdTransport {
	return &GotdTransport{apiID: apiID, apiHash: apiHash, log: log}
}

// Connect starts the client run loop and waits for the connection to come
// up. The credential flows through the given storage, both when loading an
// existing session and when the server rotates keys mid-flight.
func (t *GotdTransport) Connect(ctx context.Context, storage session.Storage) (Conn, error) {
	client := telegram.NewClient(t.apiID, t.apiHash, telegram.Options{
		SessionStorage: storage,
		Logger:         t.log.Named("gotd"),
		ReconnectionBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0 // reconnect until the conn is closed
			return bo
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	conn := &gotdConn{
		client: client,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan error, 1),
	}

	go func() {
		conn.done <- client.Run(runCtx, func(ctx context.Context) error {
			close(conn.ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-conn.ready:
		return conn, nil
	case err := <-conn.done:
		cancel()
		return nil, fmt.Errorf("connect: %w", err)
	case <-ctx.Done():
		cancel()
		<-conn.done
		return nil, ctx.Err()
	}
}

// gotdConn adapts one running gotd client to the Conn seam.
type gotdConn struct {
	client *telegram.Client
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan error

	closeOnce sync.Once
	closeErr  error
}

func (c *gotdConn) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	return c.client.Invoke(ctx, input, output)
}

func (c *gotdConn) Self(ctx context.Context) (*tg.User, error) {
	return c.client.Self(ctx)
}

func (c *gotdConn) SendCode(ctx context.Context, phone string) (tg.AuthSentCodeClass, error) {
	return c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
}

func (c *gotdConn) SignIn(ctx context.Context, phone, code, codeHash string) error {
	_, err := c.client.Auth().SignIn(ctx, phone, code, codeHash)
	return err
}

func (c *gotdConn) SignInPassword(ctx context.Context, password string) error {
	_, err := c.client.Auth().Password(ctx, password)
	return err
}

func (c *gotdConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		err := <-c.done
		if err != nil && !errors.Is(err, context.Canceled) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
