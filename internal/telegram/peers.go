package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// ResolvePeer maps a chat reference to an input peer usable in API calls.
// Accepted forms: @username, username, t.me/username links and numeric
// chat ids. Usernames resolve through the directory; numeric ids resolve
// through the session's peer cache, seeded on demand from the account's
// dialogs — a numeric id absent from the dialogs is not reachable for this
// account and reports not-found.
func (s *Session) ResolvePeer(ctx context.Context, ref string) (tg.InputPeerClass, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.InvalidArgumentf("empty chat reference")
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.resolveID(ctx, id)
	}

	username, err := normalizeUsername(ref)
	if err != nil {
		return nil, err
	}
	return s.resolveUsername(ctx, username)
}

func (s *Session) resolveID(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	bare := bareID(id)
	if peer, ok := s.peers.Load(bare); ok {
		return peer.(tg.InputPeerClass), nil
	}

	if err := s.seedPeers(ctx); err != nil {
		return nil, err
	}

	if peer, ok := s.peers.Load(bare); ok {
		return peer.(tg.InputPeerClass), nil
	}
	return nil, domain.NotFoundf("chat %d not found in the account's dialogs", id)
}

func (s *Session) resolveUsername(ctx context.Context, username string) (tg.InputPeerClass, error) {
	resolved, err := s.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		terr := translate(err)
		if domain.IsKind(terr, domain.KindNotFound) {
			return nil, domain.NotFoundf("chat %q not found", username)
		}
		return nil, terr
	}

	peer := inputPeerFromResult(resolved.Peer, resolved.Users, resolved.Chats)
	if peer == nil {
		return nil, domain.NotFoundf("chat %q not found", username)
	}
	s.peers.Store(bareID(peerID(resolved.Peer)), peer)
	return peer, nil
}

// seedPeers fills the peer cache from the account's dialog list.
func (s *Session) seedPeers(ctx context.Context) error {
	iter := dialogs.NewQueryBuilder(s.API()).GetDialogs().BatchSize(100).Iter()
	for iter.Next(ctx) {
		elem := iter.Value()
		if id := inputPeerID(elem.Peer); id != 0 {
			s.peers.Store(id, elem.Peer)
		}
	}
	if err := iter.Err(); err != nil {
		return translate(err)
	}
	return nil
}

// normalizeUsername strips the @ and t.me decorations off a chat reference.
func normalizeUsername(ref string) (string, error) {
	u := strings.TrimPrefix(ref, "@")
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			break
		}
	}
	u = strings.TrimSuffix(u, "/")
	if u == "" || strings.ContainsAny(u, "/?#") {
		return "", domain.InvalidArgumentf("invalid chat reference %q", ref)
	}
	return u, nil
}

// bareID folds bot-API-style negative chat ids onto the bare id space the
// cache is keyed by: -100xxxxxxxxxx channels and -x basic groups.
func bareID(id int64) int64 {
	if id <= -1000000000000 {
		return -id - 1000000000000
	}
	if id < 0 {
		return -id
	}
	return id
}

func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

func inputPeerID(peer tg.InputPeerClass) int64 {
	switch p := peer.(type) {
	case *tg.InputPeerUser:
		return p.UserID
	case *tg.InputPeerChat:
		return p.ChatID
	case *tg.InputPeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// inputPeerFromResult builds an input peer for the resolved peer, pulling
// access hashes from the accompanying user/chat lists.
func inputPeerFromResult(peer tg.PeerClass, users []tg.UserClass, chats []tg.ChatClass) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		for _, u := range users {
			if user, ok := u.(*tg.User); ok && user.ID == p.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		for _, c := range chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == p.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			}
		}
	}
	return nil
}
