package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/service"
	"github.com/onlyus/sync-server-go/internal/sse"
)

// EventsHandler streams status and signal notifications to the caller.
type EventsHandler struct {
	broker    *sse.Broker
	registry  *service.SessionRegistry
	heartbeat time.Duration
}

func NewEventsHandler(broker *sse.Broker, registry *service.SessionRegistry) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		registry:  registry,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /v1/events?session=ID
// With session set, the stream opens with that session's current status so
// a transition made before subscribing is not missed.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	var current *model.SessionStatus
	if sessionID := r.URL.Query().Get("session"); sessionID != "" && h.registry != nil {
		session, err := h.registry.GetStatus(r.Context(), sessionID, userID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		status := session.Status()
		current = &status
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("userId", userID).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, sse.EventConnected, map[string]any{"userId": userID}); err != nil {
		return
	}
	if current != nil {
		if err := h.sendEvent(w, flusher, sse.EventStatus, current); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("userId", userID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("userId", userID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("userId", userID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
