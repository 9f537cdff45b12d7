package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// Searcher translates unified search requests into session-level API
// calls. It never re-ranks: results keep the relevance order the service
// returns, the translator only caps, paginates and filters.
type Searcher struct {
	registry *Registry
	pageSize int
	log      *zap.Logger
}

func NewSearcher(registry *Registry, pageSize int, log *zap.Logger) *Searcher {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Searcher{registry: registry, pageSize: pageSize, log: log}
}

// SearchContacts looks the query up in the account's own contact list
// first, then tops the result up from the global directory. Results are
// de-duplicated by user id keeping first-seen order and capped at limit.
func (s *Searcher) SearchContacts(ctx context.Context, rawPhone, query string, limit int) ([]domain.Contact, error) {
	phone, sess, err := s.session(rawPhone, query, limit)
	if err != nil {
		return nil, err
	}
	api := sess.API()

	var (
		contacts []domain.Contact
		seen     = make(map[int64]bool)
	)
	add := func(u *tg.User) {
		if len(contacts) >= limit || seen[u.ID] {
			return
		}
		seen[u.ID] = true
		c := domain.Contact{
			UserID:    u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Username:  u.Username,
			Phone:     u.Phone,
		}
		c.Link = c.ProfileLink()
		contacts = append(contacts, c)
	}

	own, err := api.ContactsGetContacts(ctx, 0)
	if err != nil {
		return nil, translate(err)
	}
	if list, ok := own.(*tg.ContactsContacts); ok {
		for _, uc := range list.Users {
			if u, ok := uc.(*tg.User); ok && userMatches(u, query) {
				add(u)
			}
		}
	}

	if len(contacts) < limit {
		found, err := api.ContactsSearch(ctx, &tg.ContactsSearchRequest{
			Q:     query,
			Limit: limit - len(contacts),
		})
		if err != nil {
			return nil, translate(err)
		}
		for _, uc := range found.Users {
			if u, ok := uc.(*tg.User); ok {
				add(u)
			}
		}
	}

	s.log.Debug("contact search finished",
		zap.String("phone", phone), zap.String("query", query), zap.Int("results", len(contacts)))
	return contacts, nil
}

// SearchChats runs a global message search and groups the hits by chat.
// The limit caps the total number of matching messages across all returned
// chats; pages are fetched from the service until the limit is reached or
// the result stream is exhausted. The type and date filters are pushed
// down natively where the protocol can express them, and re-checked
// client-side regardless.
func (s *Searcher) SearchChats(ctx context.Context, rawPhone, query string,
	filter domain.SearchChatFilter, limit int) ([]domain.Chat, error) {

	switch filter.Type {
	case "", domain.ChatTypePrivate, domain.ChatTypeGroup, domain.ChatTypeChannel:
	default:
		return nil, domain.InvalidArgumentf("unknown chat type %q", filter.Type)
	}
	if !filter.MinDate.IsZero() && !filter.MaxDate.IsZero() && filter.MaxDate.Before(filter.MinDate) {
		return nil, domain.InvalidArgumentf("max_date precedes min_date")
	}

	phone, sess, err := s.session(rawPhone, query, limit)
	if err != nil {
		return nil, err
	}
	api := sess.API()

	var (
		collected  int
		order      []int64
		byChat     = make(map[int64]*domain.Chat)
		offsetRate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for collected < limit {
		req := &tg.MessagesSearchGlobalRequest{
			Q:          query,
			Filter:     &tg.InputMessagesFilterEmpty{},
			OffsetRate: offsetRate,
			OffsetPeer: offsetPeer,
			OffsetID:   offsetID,
			Limit:      min(s.pageSize, limit-collected),
		}
		if !filter.MinDate.IsZero() {
			req.MinDate = int(filter.MinDate.Unix())
		}
		if !filter.MaxDate.IsZero() {
			req.MaxDate = int(filter.MaxDate.Unix())
		}
		switch filter.Type {
		case domain.ChatTypeChannel:
			req.BroadcastsOnly = true
		case domain.ChatTypeGroup:
			req.GroupsOnly = true
		case domain.ChatTypePrivate:
			req.UsersOnly = true
		}

		res, err := api.MessagesSearchGlobal(ctx, req)
		if err != nil {
			return nil, translate(err)
		}

		page, exhausted := unpackSearchPage(res)
		if len(page.messages) == 0 {
			break
		}

		for _, mc := range page.messages {
			msg, ok := mc.(*tg.Message)
			if !ok {
				continue
			}
			if collected >= limit {
				break
			}

			info, ok := page.chatInfo(msg.PeerID)
			if !ok {
				continue
			}
			date := time.Unix(int64(msg.Date), 0).UTC()
			if !filter.Matches(info.chatType, date) {
				continue
			}

			chat, exists := byChat[info.id]
			if !exists {
				chat = &domain.Chat{
					ID:           info.id,
					Title:        info.title,
					Type:         info.chatType,
					Username:     info.username,
					MembersCount: info.members,
				}
				chat.Link = chat.ChatLink()
				byChat[info.id] = chat
				order = append(order, info.id)
			}

			var fromID int64
			if from, ok := msg.FromID.(*tg.PeerUser); ok {
				fromID = from.UserID
			}
			chat.MatchingMessages = append(chat.MatchingMessages, domain.Message{
				ID:         msg.ID,
				Text:       msg.Message,
				Date:       date,
				FromUserID: fromID,
				Link:       chat.MessageLink(msg.ID),
			})
			if date.After(chat.LastMessageDate) {
				chat.LastMessageDate = date
			}
			collected++
		}

		// Advance the cursor past the whole page, including messages the
		// filter dropped, or pagination would spin on them.
		last, ok := page.messages[len(page.messages)-1].(*tg.Message)
		if !ok || exhausted || len(page.messages) < req.Limit {
			break
		}
		offsetID = last.ID
		offsetRate = page.nextRate
		if peer, ok := page.inputPeer(last.PeerID); ok {
			offsetPeer = peer
		} else {
			offsetPeer = &tg.InputPeerEmpty{}
		}
	}

	chats := make([]domain.Chat, 0, len(order))
	for _, id := range order {
		chats = append(chats, *byChat[id])
	}

	s.log.Debug("chat search finished",
		zap.String("phone", phone), zap.String("query", query),
		zap.Int("messages", collected), zap.Int("chats", len(chats)))
	return chats, nil
}

func (s *Searcher) session(rawPhone, query string, limit int) (string, *Session, error) {
	if limit <= 0 {
		return "", nil, domain.InvalidArgumentf("limit must be positive")
	}
	if strings.TrimSpace(query) == "" {
		return "", nil, domain.InvalidArgumentf("query must not be empty")
	}
	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		return "", nil, err
	}
	sess, ok := s.registry.Get(phone)
	if !ok {
		return "", nil, domain.NotFoundf("no session for %s, authenticate first", phone)
	}
	return phone, sess, nil
}

func userMatches(u *tg.User, query string) bool {
	q := strings.ToLower(query)
	for _, v := range []string{u.FirstName, u.LastName, u.Username, u.Phone} {
		if v != "" && strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

// searchPage is one unpacked messages.searchGlobal response.
type searchPage struct {
	messages []tg.MessageClass
	chats    map[int64]tg.ChatClass
	users    map[int64]*tg.User
	nextRate int
}

type peerInfo struct {
	id       int64
	title    string
	username string
	chatType domain.ChatType
	members  int
}

func unpackSearchPage(res tg.MessagesMessagesClass) (*searchPage, bool) {
	page := &searchPage{
		chats: make(map[int64]tg.ChatClass),
		users: make(map[int64]*tg.User),
	}

	var (
		chats     []tg.ChatClass
		users     []tg.UserClass
		exhausted bool
	)
	switch r := res.(type) {
	case *tg.MessagesMessages:
		page.messages, chats, users = r.Messages, r.Chats, r.Users
		exhausted = true
	case *tg.MessagesMessagesSlice:
		page.messages, chats, users = r.Messages, r.Chats, r.Users
		if rate, ok := r.GetNextRate(); ok {
			page.nextRate = rate
		}
	case *tg.MessagesChannelMessages:
		page.messages, chats, users = r.Messages, r.Chats, r.Users
	default:
		exhausted = true
	}

	for _, c := range chats {
		switch ch := c.(type) {
		case *tg.Channel:
			page.chats[ch.ID] = ch
		case *tg.Chat:
			page.chats[ch.ID] = ch
		}
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			page.users[user.ID] = user
		}
	}
	return page, exhausted
}

// chatInfo classifies the chat a message belongs to, mirroring Telegram's
// taxonomy: broadcast channels are channels, megagroups and gigagroups and
// basic groups are groups, users are private chats.
func (p *searchPage) chatInfo(peer tg.PeerClass) (peerInfo, bool) {
	switch pp := peer.(type) {
	case *tg.PeerChannel:
		ch, ok := p.chats[pp.ChannelID].(*tg.Channel)
		if !ok {
			return peerInfo{}, false
		}
		info := peerInfo{
			id:       ch.ID,
			title:    ch.Title,
			username: ch.Username,
			chatType: domain.ChatTypeGroup,
		}
		if ch.Broadcast && !ch.Megagroup {
			info.chatType = domain.ChatTypeChannel
		}
		if count, ok := ch.GetParticipantsCount(); ok {
			info.members = count
		}
		return info, true
	case *tg.PeerChat:
		ch, ok := p.chats[pp.ChatID].(*tg.Chat)
		if !ok {
			return peerInfo{}, false
		}
		return peerInfo{
			id:       ch.ID,
			title:    ch.Title,
			chatType: domain.ChatTypeGroup,
			members:  ch.ParticipantsCount,
		}, true
	case *tg.PeerUser:
		u, ok := p.users[pp.UserID]
		if !ok {
			return peerInfo{}, false
		}
		return peerInfo{
			id:       u.ID,
			title:    strings.TrimSpace(u.FirstName + " " + u.LastName),
			username: u.Username,
			chatType: domain.ChatTypePrivate,
		}, true
	}
	return peerInfo{}, false
}

func (p *searchPage) inputPeer(peer tg.PeerClass) (tg.InputPeerClass, bool) {
	switch pp := peer.(type) {
	case *tg.PeerChannel:
		if ch, ok := p.chats[pp.ChannelID].(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: pp.ChatID}, true
	case *tg.PeerUser:
		if u, ok := p.users[pp.UserID]; ok {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, true
		}
	}
	return nil, false
}
