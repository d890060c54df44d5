// Package realtime runs on each peer of an active session. It carries chat
// messages, typing state, touch pulses, reactions and co-playback commands
// over a direct peer channel.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/onlyus/sync-server-go/internal/backoff"
	"github.com/onlyus/sync-server-go/internal/model"
)

// Transport is a bidirectional frame link to the partner. Frames is closed
// when the link goes down. Send must not block for long.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Close() error
}

// SessionContext names the session and both parties explicitly.
type SessionContext struct {
	SessionID string
	SelfID    string
	PartnerID string
}

func (sc SessionContext) validate() error {
	if sc.SessionID == "" || sc.SelfID == "" || sc.PartnerID == "" {
		return errors.New("session context requires session, self and partner ids")
	}
	if sc.SelfID == sc.PartnerID {
		return errors.New("self and partner must differ")
	}
	return nil
}

// Reaction is an emoji placed by the receiver at a random spot, expressed as
// fractions of the surface width and height.
type Reaction struct {
	ID      model.EventID
	Emoji   string
	X       float64
	Y       float64
	AddedAt time.Time
}

// Listener receives UI-facing notifications. Calls never happen while the
// synchronizer holds its lock, so a listener may call back into it.
type Listener interface {
	MessageReceived(event model.SyncEvent, message model.MessagePayload)
	TypingChanged(typing bool)
	PulseChanged(active bool)
	ReactionAdded(reaction Reaction)
	ReactionRemoved(id model.EventID)
	PlaybackChanged(state model.PlaybackState)
	SyncStatusChanged(status model.SyncStatus)
	ChannelLost(err error)
}

// NopListener ignores every notification. Embed it to implement only some.
type NopListener struct{}

func (NopListener) MessageReceived(model.SyncEvent, model.MessagePayload) {}
func (NopListener) TypingChanged(bool)                                    {}
func (NopListener) PulseChanged(bool)                                     {}
func (NopListener) ReactionAdded(Reaction)                                {}
func (NopListener) ReactionRemoved(model.EventID)                         {}
func (NopListener) PlaybackChanged(model.PlaybackState)                   {}
func (NopListener) SyncStatusChanged(model.SyncStatus)                    {}
func (NopListener) ChannelLost(error)                                     {}

// Player is the playback widget the drift compensator drives.
type Player interface {
	Load(mediaRef string)
	Play()
	Pause()
	Seek(positionSeconds float64)
}

type Config struct {
	TypingTimeout time.Duration
	// TypingRefresh is the most often a keystroke is announced. The last
	// keystroke always goes out within this interval.
	TypingRefresh    time.Duration
	PulseDuration    time.Duration
	ReactionLifetime time.Duration
	// AckTimeout is the minimum wait for a message ack before resending.
	AckTimeout      time.Duration
	MaxSendAttempts int
	HoldBackLimit   int
	Retry           backoff.Config
	Drift           DriftConfig
}

func DefaultConfig() Config {
	return Config{
		TypingTimeout:    time.Second,
		TypingRefresh:    150 * time.Millisecond,
		PulseDuration:    300 * time.Millisecond,
		ReactionLifetime: 3 * time.Second,
		AckTimeout:       2 * time.Second,
		MaxSendAttempts:  5,
		HoldBackLimit:    256,
		Retry: backoff.Config{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     4 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.2,
		},
		Drift: DefaultDriftConfig(),
	}
}

// outbox collects listener calls made under a lock so they run after it is
// released.
type outbox []func()

func (o *outbox) add(f func()) { *o = append(*o, f) }

func (o *outbox) take() outbox {
	out := *o
	*o = nil
	return out
}

func (o outbox) run() {
	for _, f := range o {
		f()
	}
}
