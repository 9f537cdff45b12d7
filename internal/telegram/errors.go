package telegram

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gotd/td/tgerr"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// translate maps transport-level failures onto the domain error taxonomy.
// Every error leaving this package goes through here exactly once; raw
// transport errors never reach callers.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Errorf(domain.KindTimedOut, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return domain.Errorf(domain.KindTimedOut, "request abandoned by caller")
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return domain.RateLimited(wait)
	}

	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		return translateRPC(rpc)
	}

	if isNetworkErr(err) {
		return domain.Errorf(domain.KindTransientNetwork, "connection to telegram lost")
	}

	return domain.Errorf(domain.KindInternal, "unexpected transport failure")
}

func translateRPC(rpc *tgerr.Error) *domain.Error {
	switch rpc.Type {
	case "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY":
		return domain.Errorf(domain.KindInvalidCode, "the confirmation code is invalid")
	case "PHONE_CODE_EXPIRED":
		return domain.Errorf(domain.KindAttemptExpired, "the confirmation code has expired")
	case "PASSWORD_HASH_INVALID", "SRP_PASSWORD_CHANGED":
		return domain.Errorf(domain.KindInvalidPassword, "the two-factor password is invalid")
	case "PHONE_NUMBER_INVALID":
		return domain.InvalidArgumentf("telegram rejected the phone number")
	case "PHONE_NUMBER_BANNED":
		return domain.Errorf(domain.KindPermissionDenied, "the phone number is banned from telegram")
	case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
		"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
		return domain.Errorf(domain.KindAuthRevoked, "the session is no longer authorized")
	case "PEER_ID_INVALID", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID",
		"CHANNEL_INVALID", "CHAT_ID_INVALID", "MSG_ID_INVALID", "MESSAGE_ID_INVALID":
		return domain.NotFoundf("telegram reports %s", rpc.Type)
	case "CHAT_WRITE_FORBIDDEN", "CHAT_ADMIN_REQUIRED", "CHANNEL_PRIVATE",
		"USER_BANNED_IN_CHANNEL", "CHAT_SEND_PLAIN_FORBIDDEN":
		return domain.Errorf(domain.KindPermissionDenied, "telegram reports %s", rpc.Type)
	case "AUTH_RESTART":
		return domain.Errorf(domain.KindTransientNetwork, "telegram asked to restart the request")
	}

	if rpc.Code >= 500 {
		return domain.Errorf(domain.KindTransientNetwork, "telegram internal error %s", rpc.Type)
	}
	return domain.Errorf(domain.KindInternal, "telegram rpc error %s", rpc.Type)
}

func isNetworkErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryable reports whether the per-session gate may re-issue the request
// once after the transport reconnects.
func retryable(err error) bool {
	return domain.IsKind(err, domain.KindTransientNetwork)
}
