package model

type SessionState string

const (
	SessionStateCreated         SessionState = "created"
	SessionStateAwaitingPartner SessionState = "awaiting_partner"
	SessionStatePaired          SessionState = "paired"
	SessionStateActive          SessionState = "active"
	SessionStateExpired         SessionState = "expired"
	SessionStateTerminated      SessionState = "terminated"
)

// PendingStates are the states in which a session still holds its pairing code.
var PendingStates = []SessionState{SessionStateCreated, SessionStateAwaitingPartner}

// IsPending reports whether the session is still waiting for a partner.
func (s SessionState) IsPending() bool {
	return s == SessionStateCreated || s == SessionStateAwaitingPartner
}

// IsLinked reports whether both parties are bound to the session.
func (s SessionState) IsLinked() bool {
	return s == SessionStatePaired || s == SessionStateActive
}

// IsFinal reports whether the state is absorbing.
func (s SessionState) IsFinal() bool {
	return s == SessionStateExpired || s == SessionStateTerminated
}

type TerminationReason string

const (
	ReasonEnded            TerminationReason = "ended"
	ReasonDisconnected     TerminationReason = "disconnected"
	ReasonHandshakeTimeout TerminationReason = "handshake_timeout"
)

type EventKind string

const (
	EventKindMessage    EventKind = "message"
	EventKindTyping     EventKind = "typing"
	EventKindTouchPulse EventKind = "touch_pulse"
	EventKindReaction   EventKind = "reaction"
	EventKindPlayback   EventKind = "playback"
)

type PlaybackAction string

const (
	PlaybackPlay  PlaybackAction = "play"
	PlaybackPause PlaybackAction = "pause"
	PlaybackSeek  PlaybackAction = "seek"
	PlaybackLoad  PlaybackAction = "load"
	// Query and report carry the reconciliation heartbeat.
	PlaybackQuery  PlaybackAction = "query"
	PlaybackReport PlaybackAction = "report"
)

type SyncStatus string

const (
	SyncStatusIdle         SyncStatus = "idle"
	SyncStatusSynced       SyncStatus = "synced"
	SyncStatusChecking     SyncStatus = "checking"
	SyncStatusOutOfSync    SyncStatus = "out_of_sync"
	SyncStatusDisconnected SyncStatus = "disconnected"
)
