// Package audit records pairing and channel events worth reviewing later,
// such as code guessing or forged tokens.
package audit

import (
	"context"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionCreate   EventType = "session_create"
	EventSessionJoin     EventType = "session_join"
	EventJoinRejected    EventType = "join_rejected"
	EventSessionEnd      EventType = "session_end"
	EventChannelOpen     EventType = "channel_open"
	EventChannelClose    EventType = "channel_close"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventAuthFailure     EventType = "auth_failure"
)

// Rejections log at warn.
func (t EventType) level() zerolog.Level {
	switch t {
	case EventJoinRejected, EventRateLimitExceed, EventAuthFailure:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

type Event struct {
	Type      EventType
	UserID    string
	SessionID string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	e := log.WithLevel(event.Type.level()).
		Str("audit", "security").
		Str("event_type", string(event.Type))

	optional := map[string]string{
		"user_id":    event.UserID,
		"session_id": event.SessionID,
		"ip":         event.IP,
		"user_agent": event.UserAgent,
		"request_id": chimiddleware.GetReqID(ctx),
	}
	for key, value := range optional {
		if value != "" {
			e = e.Str(key, value)
		}
	}

	for k, v := range event.Details {
		e = addField(e, k, v)
	}
	e.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case error:
		return e.AnErr(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills in the caller's address and agent. The address is
// RemoteAddr as rewritten by chi's RealIP middleware.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
