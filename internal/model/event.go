package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventID orders events per sender. Seq starts at 1 and increases by one per emitted event.
type EventID struct {
	SenderID string `json:"senderId"`
	Seq      uint64 `json:"seq"`
}

func (id EventID) String() string {
	return fmt.Sprintf("%s:%d", id.SenderID, id.Seq)
}

type SyncEvent struct {
	ID        EventID         `json:"id"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

type MessagePayload struct {
	Text string `json:"text"`
}

type TypingPayload struct {
	Typing bool `json:"typing"`
}

// ReactionPayload carries only the emoji; placement is chosen by the receiver.
type ReactionPayload struct {
	Emoji string `json:"emoji"`
}

type PlaybackPayload struct {
	Action          PlaybackAction `json:"action"`
	PositionSeconds float64        `json:"positionSeconds"`
	MediaRef        string         `json:"mediaRef,omitempty"`
	IsPlaying       bool           `json:"isPlaying,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e *SyncEvent) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// PlaybackState is owned by the drift compensator and never persisted.
type PlaybackState struct {
	MediaRef              string    `json:"mediaRef"`
	IsPlaying             bool      `json:"isPlaying"`
	PositionSeconds       float64   `json:"positionSeconds"`
	LastReconciledAt      time.Time `json:"lastReconciledAt"`
	EstimatedDriftSeconds float64   `json:"estimatedDriftSeconds"`
}
