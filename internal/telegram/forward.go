package telegram

import (
	"context"
	"math/rand"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// Forwarder orchestrates batched message forwarding: it normalizes the
// id/link inputs into one canonical list, resolves the chat references,
// probes which messages are actually reachable and submits a single
// batched forward for the survivors. Partial failures are reported per id;
// only a forward where nothing succeeds is an error.
type Forwarder struct {
	registry *Registry
	log      *zap.Logger
}

func NewForwarder(registry *Registry, log *zap.Logger) *Forwarder {
	return &Forwarder{registry: registry, log: log}
}

// Forward executes one ForwardRequest through the source account's session.
func (f *Forwarder) Forward(ctx context.Context, req domain.ForwardRequest) (*domain.ForwardReport, error) {
	phone, err := domain.NormalizePhone(req.SourcePhone)
	if err != nil {
		return nil, err
	}

	sourceChat, ids, err := normalizeForwardInput(req)
	if err != nil {
		return nil, err
	}

	sess, ok := f.registry.Get(phone)
	if !ok {
		return nil, domain.NotFoundf("no session for %s, authenticate first", phone)
	}
	api := sess.API()

	source, err := sess.ResolvePeer(ctx, sourceChat)
	if err != nil {
		return nil, chatNotFound(err, "source chat %q", sourceChat)
	}
	dest, err := sess.ResolvePeer(ctx, req.DestinationChat)
	if err != nil {
		return nil, chatNotFound(err, "destination chat %q", req.DestinationChat)
	}

	// Join public channels before forwarding, best effort only: failing to
	// join must not fail the forward, membership may already exist.
	f.safeJoin(ctx, api, source, sourceChat)
	f.safeJoin(ctx, api, dest, req.DestinationChat)

	// Probe which of the requested messages still exist. The remote
	// forward call is all-or-nothing per batch, so per-id reporting needs
	// the reachable set up front.
	failures := make(map[int]string)
	survivors, err := f.probe(ctx, api, source, ids, failures)
	if err != nil {
		f.log.Warn("message probe failed, forwarding unfiltered batch",
			zap.String("phone", phone), zap.Error(err))
		survivors = ids
	}
	if len(survivors) == 0 {
		return nil, domain.ForwardFailed(failures)
	}

	randomIDs := make([]int64, len(survivors))
	for i := range randomIDs {
		randomIDs[i] = rand.Int63()
	}

	updates, err := api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:          source,
		ToPeer:            dest,
		ID:                survivors,
		RandomID:          randomIDs,
		DropAuthor:        req.RemoveSenderInfo,
		DropMediaCaptions: req.RemoveCaptions,
		Noforwards:        req.PreventFurtherForwards,
		Silent:            req.Silent,
	})
	if err != nil {
		terr := translate(err)
		// Rate limits and timeouts must reach the caller unchanged; they
		// say nothing about individual messages.
		switch domain.KindOf(terr) {
		case domain.KindRateLimited, domain.KindTimedOut, domain.KindAuthRevoked:
			return nil, terr
		}
		for _, id := range survivors {
			failures[id] = terr.Error()
		}
		return nil, domain.ForwardFailed(failures)
	}

	report := &domain.ForwardReport{
		SucceededIDs:        survivors,
		FailedIDs:           failures,
		ForwardedMessageIDs: correlateForwarded(updates, survivors, randomIDs),
	}
	if len(failures) == 0 {
		report.FailedIDs = nil
	}

	f.log.Info("messages forwarded",
		zap.String("phone", phone),
		zap.String("source", sourceChat),
		zap.String("destination", req.DestinationChat),
		zap.Int("succeeded", len(report.SucceededIDs)),
		zap.Int("failed", len(failures)))
	return report, nil
}

// normalizeForwardInput merges message ids and parsed message links into
// one ordered, de-duplicated list and settles the source chat reference.
// Fails closed on an empty merged list.
func normalizeForwardInput(req domain.ForwardRequest) (string, []int, error) {
	sourceChat := strings.TrimSpace(req.SourceChat)

	seen := make(map[int]bool)
	var ids []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range req.MessageIDs {
		if id <= 0 {
			return "", nil, domain.InvalidArgumentf("invalid message id %d", id)
		}
		add(id)
	}

	for _, link := range req.MessageLinks {
		username, msgID, err := ParseMessageLink(link)
		if err != nil {
			return "", nil, err
		}
		switch {
		case sourceChat == "":
			sourceChat = username
		case isNumericRef(sourceChat):
			return "", nil, domain.InvalidArgumentf(
				"message links cannot be combined with a numeric source chat")
		case !sameUsername(sourceChat, username):
			return "", nil, domain.InvalidArgumentf(
				"all message links must point at the source chat")
		}
		add(msgID)
	}

	if len(ids) == 0 {
		return "", nil, domain.InvalidArgumentf("no messages to forward")
	}
	if sourceChat == "" {
		return "", nil, domain.InvalidArgumentf("source chat is required when forwarding by message id")
	}
	if strings.TrimSpace(req.DestinationChat) == "" {
		return "", nil, domain.InvalidArgumentf("destination chat is required")
	}
	return sourceChat, ids, nil
}

// probe partitions ids into reachable survivors and per-id failures using
// a get-messages round trip against the source chat.
func (f *Forwarder) probe(ctx context.Context, api *tg.Client, source tg.InputPeerClass,
	ids []int, failures map[int]string) ([]int, error) {

	inputIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		inputIDs[i] = &tg.InputMessageID{ID: id}
	}

	var (
		res tg.MessagesMessagesClass
		err error
	)
	if ch, ok := source.(*tg.InputPeerChannel); ok {
		res, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      inputIDs,
		})
	} else {
		res, err = api.MessagesGetMessages(ctx, inputIDs)
	}
	if err != nil {
		return nil, translate(err)
	}

	var messages []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		messages = r.Messages
	case *tg.MessagesMessagesSlice:
		messages = r.Messages
	case *tg.MessagesChannelMessages:
		messages = r.Messages
	default:
		return nil, domain.Errorf(domain.KindInternal, "unexpected probe response")
	}

	found := make(map[int]bool, len(messages))
	for _, m := range messages {
		switch msg := m.(type) {
		case *tg.Message:
			found[msg.ID] = true
		case *tg.MessageService:
			found[msg.ID] = true
		case *tg.MessageEmpty:
			// reported below as missing
		}
	}

	var survivors []int
	for _, id := range ids {
		if found[id] {
			survivors = append(survivors, id)
		} else {
			failures[id] = "message not found or inaccessible"
		}
	}
	return survivors, nil
}

// safeJoin joins a public channel, logging failure instead of surfacing it.
func (f *Forwarder) safeJoin(ctx context.Context, api *tg.Client, peer tg.InputPeerClass, ref string) {
	ch, ok := peer.(*tg.InputPeerChannel)
	if !ok || isNumericRef(ref) {
		return
	}
	_, err := api.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  ch.ChannelID,
		AccessHash: ch.AccessHash,
	})
	if err != nil {
		f.log.Warn("joining chat failed", zap.String("chat", ref), zap.Error(err))
	}
}

// correlateForwarded recovers the destination message ids from the update
// stream by matching the random ids attached to the batch.
func correlateForwarded(updates tg.UpdatesClass, ids []int, randomIDs []int64) map[int]int {
	var list []tg.UpdateClass
	switch u := updates.(type) {
	case *tg.Updates:
		list = u.Updates
	case *tg.UpdatesCombined:
		list = u.Updates
	default:
		return nil
	}

	byRandom := make(map[int64]int)
	for _, upd := range list {
		if m, ok := upd.(*tg.UpdateMessageID); ok {
			byRandom[m.RandomID] = m.ID
		}
	}
	if len(byRandom) == 0 {
		return nil
	}

	forwarded := make(map[int]int, len(byRandom))
	for i, srcID := range ids {
		if newID, ok := byRandom[randomIDs[i]]; ok {
			forwarded[srcID] = newID
		}
	}
	return forwarded
}

func isNumericRef(ref string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	return err == nil
}

func sameUsername(a, b string) bool {
	na, errA := normalizeUsername(a)
	nb, errB := normalizeUsername(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(na, nb)
}

func chatNotFound(err error, format string, args ...any) error {
	if domain.IsKind(err, domain.KindNotFound) {
		return domain.NotFoundf(format+" not found", args...)
	}
	return err
}
