package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/accounts/start", h.StartAuth)
	mux.HandleFunc("POST /api/accounts/verify-code", h.VerifyCode)
	mux.HandleFunc("POST /api/accounts/verify-password", h.VerifyPassword)
	mux.HandleFunc("DELETE /api/accounts/attempts/{id}", h.CancelAttempt)
	mux.HandleFunc("GET /api/accounts/list", h.ListAccounts)
	mux.HandleFunc("DELETE /api/accounts/{phone}", h.RemoveAccount)

	mux.HandleFunc("POST /api/forward/messages", h.ForwardMessages)

	mux.HandleFunc("GET /api/search/contacts", h.SearchContacts)
	mux.HandleFunc("GET /api/search/chats", h.SearchChats)

	return mux
}
