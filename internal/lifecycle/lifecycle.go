// Package lifecycle holds the session state machine. The registry is the
// only caller that applies these transitions to stored sessions.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/onlyus/sync-server-go/internal/model"
)

var ErrInvalidTransition = errors.New("invalid session transition")

type Trigger string

const (
	TriggerFirstPoll         Trigger = "first_poll"
	TriggerJoin              Trigger = "join"
	TriggerHandshakeComplete Trigger = "handshake_complete"
	TriggerTTLElapsed        Trigger = "ttl_elapsed"
	TriggerHandshakeTimeout  Trigger = "handshake_timeout"
	TriggerDisconnect        Trigger = "disconnect"
	TriggerEnd               Trigger = "end"
	// TriggerCancel withdraws a code before anyone joined.
	TriggerCancel Trigger = "cancel"
)

type rule struct {
	from   []model.SessionState
	to     model.SessionState
	reason model.TerminationReason
}

var rules = map[Trigger]rule{
	TriggerFirstPoll: {
		from: []model.SessionState{model.SessionStateCreated},
		to:   model.SessionStateAwaitingPartner,
	},
	TriggerJoin: {
		from: model.PendingStates,
		to:   model.SessionStatePaired,
	},
	TriggerHandshakeComplete: {
		from: []model.SessionState{model.SessionStatePaired},
		to:   model.SessionStateActive,
	},
	TriggerTTLElapsed: {
		from: model.PendingStates,
		to:   model.SessionStateExpired,
	},
	TriggerHandshakeTimeout: {
		from:   []model.SessionState{model.SessionStatePaired},
		to:     model.SessionStateTerminated,
		reason: model.ReasonHandshakeTimeout,
	},
	TriggerDisconnect: {
		from:   []model.SessionState{model.SessionStatePaired, model.SessionStateActive},
		to:     model.SessionStateTerminated,
		reason: model.ReasonDisconnected,
	},
	TriggerEnd: {
		from:   []model.SessionState{model.SessionStatePaired, model.SessionStateActive},
		to:     model.SessionStateTerminated,
		reason: model.ReasonEnded,
	},
	TriggerCancel: {
		from: model.PendingStates,
		to:   model.SessionStateExpired,
	},
}

// Next returns the state reached from `from` on trigger.
func Next(from model.SessionState, trigger Trigger) (model.SessionState, error) {
	r, ok := rules[trigger]
	if !ok {
		return "", fmt.Errorf("unknown trigger %q: %w", trigger, ErrInvalidTransition)
	}
	if !contains(r.from, from) {
		return "", fmt.Errorf("%s on %s: %w", trigger, from, ErrInvalidTransition)
	}
	return r.to, nil
}

// Reason returns the termination reason recorded by trigger, if any.
func Reason(trigger Trigger) *model.TerminationReason {
	r := rules[trigger]
	if r.reason == "" {
		return nil
	}
	reason := r.reason
	return &reason
}

// Allowed reports whether trigger may fire in state.
func Allowed(state model.SessionState, trigger Trigger) bool {
	_, err := Next(state, trigger)
	return err == nil
}

// Apply moves s along trigger and stamps the matching timestamps.
func Apply(s *model.PairingSession, trigger Trigger, now time.Time) error {
	to, err := Next(s.State, trigger)
	if err != nil {
		return err
	}

	wasPending := s.State.IsPending()
	s.State = to
	s.TerminationReason = Reason(trigger)

	switch to {
	case model.SessionStatePaired:
		s.PairedAt = &now
	case model.SessionStateActive:
		s.ActivatedAt = &now
	case model.SessionStateExpired, model.SessionStateTerminated:
		s.EndedAt = &now
	}
	if wasPending && !to.IsPending() {
		s.CodeReleasedAt = &now
	}
	return nil
}

// Due returns the timeout trigger that has become overdue for s at now, if any.
func Due(s *model.PairingSession, now time.Time, handshakeGrace time.Duration) (Trigger, bool) {
	switch {
	case s.State.IsPending() && !now.Before(s.ExpiresAt):
		return TriggerTTLElapsed, true
	case s.State == model.SessionStatePaired && s.PairedAt != nil && now.Sub(*s.PairedAt) >= handshakeGrace:
		return TriggerHandshakeTimeout, true
	}
	return "", false
}

// TriggerForReason maps an end reason requested by a caller to its trigger.
func TriggerForReason(reason model.TerminationReason) (Trigger, error) {
	switch reason {
	case model.ReasonEnded:
		return TriggerEnd, nil
	case model.ReasonDisconnected:
		return TriggerDisconnect, nil
	case model.ReasonHandshakeTimeout:
		return TriggerHandshakeTimeout, nil
	}
	return "", fmt.Errorf("unknown reason %q: %w", reason, ErrInvalidTransition)
}

func contains(states []model.SessionState, s model.SessionState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
