package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(RequireToken(authEnabled, token))

	r.Get("/state", h.State)
	r.Get("/devices", h.Devices)
	r.Get("/contacts", h.Contacts)

	r.Get("/status", h.Status)
	r.Get("/status/attempts", h.Attempts)
	r.Get("/status/attempts/{id}", h.Attempt)
	r.Post("/sync", h.Sync)

	r.Post("/doctor", h.Doctor)
	r.Post("/notes/share", h.ShareNote)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
