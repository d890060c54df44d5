package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/service"
)

type SignalHandler struct {
	relay *service.SignalRelay
}

func NewSignalHandler(relay *service.SignalRelay) *SignalHandler {
	return &SignalHandler{relay: relay}
}

// Register adds the signaling routes to r, which is mounted at /v1/sessions.
func (h *SignalHandler) Register(r chi.Router) {
	r.Post("/{sessionID}/signals", h.PostSignal)
	r.Get("/{sessionID}/signals", h.PollSignals)
	r.Post("/{sessionID}/signals/ack", h.AckSignals)
}

// POST /v1/sessions/{sessionID}/signals
func (h *SignalHandler) PostSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blob string `json:"blob"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		httputil.WriteError(w, err)
		return
	}

	seq, err := h.relay.PostSignal(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context()), req.Blob)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"seq": seq})
}

// GET /v1/sessions/{sessionID}/signals?since=N
// Without since, polling resumes from the last acknowledged cursor.
func (h *SignalHandler) PollSignals(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteError(w, apperrors.InvalidInput("since", "must be an integer"))
			return
		}
		since = parsed
	}

	batch, err := h.relay.PollSignals(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context()), since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

// POST /v1/sessions/{sessionID}/signals/ack
func (h *SignalHandler) AckSignals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cursor *int64 `json:"cursor"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Cursor == nil {
		httputil.WriteError(w, apperrors.MissingRequired("cursor"))
		return
	}

	cursor, err := h.relay.AckSignals(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context()), *req.Cursor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cursor": cursor})
}
