package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIRoutes builds the authenticated /v1 surface.
func APIRoutes(
	auth func(http.Handler) http.Handler,
	events *EventsHandler,
	sessions *SessionHandler,
	signals *SignalHandler,
	channel *ChannelHandler,
) chi.Router {
	r := chi.NewRouter()
	r.Use(auth)

	r.Get("/events", events.ServeHTTP)
	r.Route("/sessions", func(r chi.Router) {
		sessions.Register(r)
		signals.Register(r)
		channel.Register(r)
	})

	return r
}
