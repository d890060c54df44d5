package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// decodeJSON reads a JSON body into v. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return apperrors.ValidationError("Invalid request body")
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// formatStatus is the view of a session its members poll.
func formatStatus(session *model.PairingSession, userID string) map[string]any {
	out := map[string]any{
		"sessionId": session.ID,
		"state":     session.State,
		"isPaired":  session.IsPaired(),
		"expiresAt": session.ExpiresAt.Format(time.RFC3339),
	}
	if partner := session.PeerOf(userID); partner != "" {
		out["partnerId"] = partner
	}
	if session.TerminationReason != nil {
		out["reason"] = *session.TerminationReason
	}
	if session.PairedAt != nil {
		out["pairedAt"] = formatTime(session.PairedAt)
	}
	return out
}
