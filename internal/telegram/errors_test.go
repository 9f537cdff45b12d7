package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind domain.Kind
	}{
		{"deadline", context.DeadlineExceeded, domain.KindTimedOut},
		{"canceled", context.Canceled, domain.KindTimedOut},
		{"flood wait", tgerr.New(420, "FLOOD_WAIT_17"), domain.KindRateLimited},
		{"invalid code", tgerr.New(400, "PHONE_CODE_INVALID"), domain.KindInvalidCode},
		{"empty code", tgerr.New(400, "PHONE_CODE_EMPTY"), domain.KindInvalidCode},
		{"expired code", tgerr.New(400, "PHONE_CODE_EXPIRED"), domain.KindAttemptExpired},
		{"invalid password", tgerr.New(400, "PASSWORD_HASH_INVALID"), domain.KindInvalidPassword},
		{"bad phone", tgerr.New(400, "PHONE_NUMBER_INVALID"), domain.KindInvalidArgument},
		{"banned phone", tgerr.New(400, "PHONE_NUMBER_BANNED"), domain.KindPermissionDenied},
		{"revoked", tgerr.New(401, "SESSION_REVOKED"), domain.KindAuthRevoked},
		{"key unregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), domain.KindAuthRevoked},
		{"deactivated", tgerr.New(401, "USER_DEACTIVATED"), domain.KindAuthRevoked},
		{"bad peer", tgerr.New(400, "PEER_ID_INVALID"), domain.KindNotFound},
		{"free username", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), domain.KindNotFound},
		{"write forbidden", tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), domain.KindPermissionDenied},
		{"private channel", tgerr.New(400, "CHANNEL_PRIVATE"), domain.KindPermissionDenied},
		{"auth restart", tgerr.New(500, "AUTH_RESTART"), domain.KindTransientNetwork},
		{"server error", tgerr.New(500, "INTERDC_2_CALL_ERROR"), domain.KindTransientNetwork},
		{"eof", io.EOF, domain.KindTransientNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, domain.KindTransientNetwork},
		{"unknown rpc", tgerr.New(400, "SOME_NEW_ERROR"), domain.KindInternal},
		{"unknown error", errors.New("what"), domain.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := translate(tc.err)
			if !domain.IsKind(got, tc.kind) {
				t.Errorf("translate(%v) kind = %s, want %s", tc.err, domain.KindOf(got), tc.kind)
			}
		})
	}
}

func TestTranslate_FloodWaitCarriesDuration(t *testing.T) {
	got := translate(tgerr.New(420, "FLOOD_WAIT_17"))
	de, ok := got.(*domain.Error)
	if !ok {
		t.Fatalf("translate() = %T, want *domain.Error", got)
	}
	if de.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %s, want 17s verbatim", de.RetryAfter)
	}
}

func TestTranslate_NeverLeaksRawErrors(t *testing.T) {
	raw := errors.New("dial tcp 149.154.167.51:443: connect: connection refused")
	got := translate(raw)
	if strings.Contains(got.Error(), "149.154.167.51") {
		t.Errorf("translated message leaks transport detail: %q", got)
	}
}

func TestTranslate_PassesDomainErrorsThrough(t *testing.T) {
	orig := domain.NotFoundf("chat %q not found", "x")
	if got := translate(orig); got != orig {
		t.Errorf("translate() rewrapped an already-translated error: %v", got)
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(translate(io.EOF)) {
		t.Error("transient network failure not retryable")
	}
	for _, err := range []error{
		translate(tgerr.New(420, "FLOOD_WAIT_1")),
		translate(tgerr.New(401, "SESSION_REVOKED")),
		translate(context.DeadlineExceeded),
		translate(tgerr.New(400, "PEER_ID_INVALID")),
	} {
		if retryable(err) {
			t.Errorf("%v retryable, want not", err)
		}
	}
}
