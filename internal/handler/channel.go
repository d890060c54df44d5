package handler

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/audit"
	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/peer"
	"github.com/onlyus/sync-server-go/internal/service"
)

const channelTeardownTimeout = 5 * time.Second

// ChannelHandler serves the relayed peer channel. Connecting reports the
// caller's side ready; dropping out of an Active session ends it.
type ChannelHandler struct {
	registry *service.SessionRegistry
	hub      *peer.Hub
}

func NewChannelHandler(registry *service.SessionRegistry, hub *peer.Hub) *ChannelHandler {
	return &ChannelHandler{registry: registry, hub: hub}
}

// Register adds the channel route to r, which is mounted at /v1/sessions.
func (h *ChannelHandler) Register(r chi.Router) {
	r.Get("/{sessionID}/channel", h.ServeChannel)
}

// GET /v1/sessions/{sessionID}/channel
func (h *ChannelHandler) ServeChannel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.registry.Session(r.Context(), sessionID, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !session.State.IsLinked() {
		if session.TerminationReason != nil && *session.TerminationReason == model.ReasonHandshakeTimeout {
			httputil.WriteError(w, apperrors.HandshakeTimeout())
			return
		}
		httputil.WriteError(w, apperrors.SessionNotPaired())
		return
	}

	conn, err := h.hub.Upgrade(w, r)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("peer channel upgrade failed")
		return
	}

	ep, cleanup := h.hub.Register(sessionID, userID, conn)
	if _, err := h.registry.ReportChannelReady(r.Context(), sessionID, userID); err != nil {
		cleanup()
		log.Info().Err(err).Str("sessionId", sessionID).Str("userId", userID).Msg("peer channel refused")
		peer.Reject(conn, string(apperrors.GetCode(err)))
		return
	}
	audit.LogFromRequest(r, audit.Event{Type: audit.EventChannelOpen, UserID: userID, SessionID: sessionID})

	h.hub.Serve(ep)
	cleanup()

	audit.LogFromRequest(r, audit.Event{Type: audit.EventChannelClose, UserID: userID, SessionID: sessionID})
	if ep.Replaced() {
		return
	}
	h.dropped(r.Context(), sessionID, userID)
}

// dropped ends an Active session whose member lost the channel. A session
// still in the handshake loses that member's ready mark and is left to its
// grace period.
func (h *ChannelHandler) dropped(parent context.Context, sessionID, userID string) {
	if slices.Contains(h.hub.Connected(sessionID), userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), channelTeardownTimeout)
	defer cancel()

	session, err := h.registry.ReportChannelGone(ctx, sessionID, userID)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to load session after channel drop")
		return
	}
	if session.State != model.SessionStateActive {
		return
	}

	if _, err := h.registry.EndSession(ctx, sessionID, userID, model.ReasonDisconnected); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to end session after channel drop")
	}
}
