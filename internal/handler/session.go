package handler

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/audit"
	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/service"
)

// SessionLimits throttles the session routes that hand out or consume codes.
// A nil entry leaves the route unthrottled.
type SessionLimits struct {
	Create func(http.Handler) http.Handler
	Join   func(http.Handler) http.Handler
}

type SessionHandler struct {
	registry *service.SessionRegistry
	clock    clockwork.Clock
	limits   SessionLimits
}

func NewSessionHandler(registry *service.SessionRegistry, clock clockwork.Clock, limits SessionLimits) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		clock:    clock,
		limits:   limits,
	}
}

// Register adds the session routes to r, which is mounted at /v1/sessions.
func (h *SessionHandler) Register(r chi.Router) {
	r.With(optional(h.limits.Create)).Post("/", h.CreateSession)
	r.With(optional(h.limits.Join)).Post("/join", h.JoinSession)
	r.Get("/{sessionID}/status", h.GetStatus)
	r.Post("/{sessionID}/ready", h.ReportReady)
	r.Post("/{sessionID}/end", h.EndSession)
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	session, err := h.registry.CreateSession(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to create session")
		httputil.WriteError(w, err)
		return
	}

	expiresIn := int(math.Ceil(session.ExpiresAt.Sub(h.clock.Now()).Seconds()))
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":   session.ID,
		"pairingCode": session.PairingCode,
		"state":       session.State,
		"expiresAt":   session.ExpiresAt.Format(time.RFC3339),
		"expiresIn":   expiresIn,
	})
}

// POST /v1/sessions/join
func (h *SessionHandler) JoinSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httputil.WriteError(w, apperrors.MissingRequired("code"))
		return
	}

	session, err := h.registry.JoinSession(r.Context(), req.Code, userID)
	if err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Msg("failed to join session")
		}
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventJoinRejected,
			UserID:  userID,
			Details: map[string]interface{}{"code": pairing.Mask(req.Code), "reason": string(apperrors.GetCode(err))},
		})
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"state":     session.State,
		"partnerId": session.PeerOf(userID),
	})
}

// GET /v1/sessions/{sessionID}/status
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	session, err := h.registry.GetStatus(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatStatus(session, userID))
}

// POST /v1/sessions/{sessionID}/ready
func (h *SessionHandler) ReportReady(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	session, err := h.registry.ReportChannelReady(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"state": session.State})
}

// POST /v1/sessions/{sessionID}/end
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Reason model.TerminationReason `json:"reason"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = model.ReasonEnded
	}

	session, err := h.registry.EndSession(r.Context(), sessionID, userID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": session.State})
}
