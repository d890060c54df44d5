package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

var statusByCode = map[apperrors.ErrorCode]int{
	apperrors.ErrCodeValidation:      http.StatusBadRequest,
	apperrors.ErrCodeInvalidInput:    http.StatusBadRequest,
	apperrors.ErrCodeMissingRequired: http.StatusBadRequest,
	apperrors.ErrCodeSelfJoin:        http.StatusBadRequest,

	apperrors.ErrCodeUnauthorized: http.StatusUnauthorized,
	apperrors.ErrCodeInvalidToken: http.StatusUnauthorized,
	apperrors.ErrCodeForbidden:    http.StatusForbidden,
	apperrors.ErrCodeNotFound:     http.StatusNotFound,

	apperrors.ErrCodeConflict:         http.StatusConflict,
	apperrors.ErrCodeAlreadyPaired:    http.StatusConflict,
	apperrors.ErrCodeSessionNotPaired: http.StatusConflict,

	// The session is over; retrying the same call cannot succeed.
	apperrors.ErrCodeHandshakeTimeout: http.StatusGone,
	apperrors.ErrCodeChannelLost:      http.StatusGone,

	apperrors.ErrCodeRateLimitExceeded: http.StatusTooManyRequests,
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("failed to write response body")
	}
}

// WriteError answers with the status for err's code. Errors that are not
// AppErrors are logged and reported as a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Msg("unhandled error")
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	status := StatusFromCode(appErr.Code)
	if status >= http.StatusInternalServerError && ok {
		log.Error().Err(appErr).Msg("request failed")
	}
	WriteErrorWithStatus(w, status, appErr)
}

func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	WriteJSON(w, status, ErrorResponse{
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	})
}

// StatusFromCode maps an error code to its HTTP status, 500 when unknown.
func StatusFromCode(code apperrors.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
