package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// The handler depends on narrow consumer-side interfaces so tests can fake
// the core.

type AuthFlow interface {
	Start(ctx context.Context, phone string) (*domain.AuthResult, error)
	VerifyCode(ctx context.Context, attemptID, code string) (*domain.AuthResult, error)
	VerifyPassword(ctx context.Context, attemptID, password string) (*domain.AuthResult, error)
	Cancel(ctx context.Context, attemptID string) error
}

type Accounts interface {
	List() []domain.Account
	Remove(ctx context.Context, phone string) error
	Operable() bool
}

type Forwarder interface {
	Forward(ctx context.Context, req domain.ForwardRequest) (*domain.ForwardReport, error)
}

type Searcher interface {
	SearchContacts(ctx context.Context, phone, query string, limit int) ([]domain.Contact, error)
	SearchChats(ctx context.Context, phone, query string, filter domain.SearchChatFilter, limit int) ([]domain.Chat, error)
}

type Handler struct {
	auth      AuthFlow
	accounts  Accounts
	forwarder Forwarder
	searcher  Searcher
	timeout   time.Duration
	version   string
	log       *zap.Logger
}

func NewHandler(auth AuthFlow, accounts Accounts, forwarder Forwarder, searcher Searcher,
	timeout time.Duration, version string, log *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		auth:      auth,
		accounts:  accounts,
		forwarder: forwarder,
		searcher:  searcher,
		timeout:   timeout,
		version:   version,
		log:       log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.accounts.Operable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"version": h.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

func (h *Handler) StartAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone_number"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.auth.Start(r.Context(), body.Phone)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AttemptID string `json:"attempt_id"`
		Code      string `json:"code"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.AttemptID == "" || body.Code == "" {
		h.writeError(w, domain.InvalidArgumentf("attempt_id and code are required"))
		return
	}

	res, err := h.auth.VerifyCode(r.Context(), body.AttemptID, body.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AttemptID string `json:"attempt_id"`
		Password  string `json:"password"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.AttemptID == "" || body.Password == "" {
		h.writeError(w, domain.InvalidArgumentf("attempt_id and password are required"))
		return
	}

	res, err := h.auth.VerifyPassword(r.Context(), body.AttemptID, body.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelAttempt(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": h.accounts.List()})
}

func (h *Handler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	phone, err := domain.NormalizePhone(r.PathValue("phone"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.accounts.Remove(r.Context(), phone); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) ForwardMessages(w http.ResponseWriter, r *http.Request) {
	var req domain.ForwardRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) SearchContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	contacts, err := h.searcher.SearchContacts(ctx, q.Get("phone_number"), q.Get("query"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (h *Handler) SearchChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	filter := domain.SearchChatFilter{Type: domain.ChatType(q.Get("chat_type"))}
	if filter.Type == "all" {
		filter.Type = ""
	}
	if filter.MinDate, err = parseDate(q.Get("min_date")); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.MaxDate, err = parseDate(q.Get("max_date")); err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	chats, err := h.searcher.SearchChats(ctx, q.Get("phone_number"), q.Get("query"), filter, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, domain.InvalidArgumentf("malformed request body"))
		return false
	}
	return true
}

// maxSearchLimit bounds one search request; without it a single caller
// could drive unbounded upstream pagination.
const maxSearchLimit = 100

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 20, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InvalidArgumentf("limit must be an integer")
	}
	if limit < 1 || limit > maxSearchLimit {
		return 0, domain.InvalidArgumentf("limit must be between 1 and %d", maxSearchLimit)
	}
	return limit, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.InvalidArgumentf("invalid date %q: use RFC 3339, YYYY-MM-DD or a unix timestamp", raw)
}

// errorBody is the uniform error envelope: a stable kind tag plus a
// human-readable detail, never internal state.
type errorBody struct {
	Kind       domain.Kind    `json:"kind"`
	Detail     string         `json:"detail"`
	RetryAfter float64        `json:"retry_after_seconds,omitempty"`
	FailedIDs  map[int]string `json:"failed_ids,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.log.Error("unclassified error reached the http layer", zap.Error(err))
		de = domain.Errorf(domain.KindInternal, "internal error")
	}

	body := errorBody{Kind: de.Kind, Detail: de.Detail, FailedIDs: de.Failures}
	if de.RetryAfter > 0 {
		body.RetryAfter = de.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds()+0.5)))
	}
	writeJSON(w, statusOf(de.Kind), map[string]any{"error": body})
}

func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument, domain.KindInvalidCode,
		domain.KindInvalidPassword, domain.KindAttemptExpired:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForwardFailed:
		// Nothing was forwarded; the per-id reasons travel in the body.
		return http.StatusNotFound
	case domain.KindAlreadyRegistered, domain.KindAttemptInProgress:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindAuthRevoked:
		return http.StatusUnauthorized
	case domain.KindTimedOut:
		return http.StatusGatewayTimeout
	case domain.KindTransientNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
