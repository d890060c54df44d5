package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/sse"
	"github.com/onlyus/sync-server-go/internal/util"
)

const MaxSignalBlobBytes = 64 << 10

// SignalRelay carries opaque connection-establishment blobs between the two
// members of a linked session. Blobs are never inspected.
type SignalRelay struct {
	registry *SessionRegistry
	signals  repository.SignalRepository
	events   EventPublisher
	clock    clockwork.Clock
	sealer   *util.Sealer
}

func NewSignalRelay(
	registry *SessionRegistry,
	signals repository.SignalRepository,
	events EventPublisher,
	clock clockwork.Clock,
	sealer *util.Sealer,
) *SignalRelay {
	return &SignalRelay{
		registry: registry,
		signals:  signals,
		events:   events,
		clock:    clock,
		sealer:   sealer,
	}
}

type signalNotice struct {
	SessionID string `json:"sessionId"`
	SenderID  string `json:"senderId"`
	Seq       int64  `json:"seq"`
}

func (s *SignalRelay) PostSignal(ctx context.Context, sessionID, senderID, blob string) (int64, error) {
	if blob == "" {
		return 0, apperrors.MissingRequired("blob")
	}
	if len(blob) > MaxSignalBlobBytes {
		return 0, apperrors.InvalidInput("blob", fmt.Sprintf("exceeds %d bytes", MaxSignalBlobBytes))
	}

	session, err := s.linkedSession(ctx, sessionID, senderID)
	if err != nil {
		return 0, err
	}

	stored := blob
	if s.sealer != nil {
		stored, err = s.sealer.Seal(signalScope(sessionID, senderID), blob)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to seal signal", err)
		}
	}

	seq, err := s.signals.Append(ctx, sessionID, senderID, stored, s.clock.Now())
	if errors.Is(err, repository.ErrQueueFull) {
		return 0, apperrors.Conflict(fmt.Sprintf("Signal queue holds the maximum of %d signals", repository.MaxQueuedSignals))
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to store signal", err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("senderId", senderID).
		Int64("seq", seq).
		Int("bytes", len(blob)).
		Msg("signal posted")

	recipient := session.PeerOf(senderID)
	if s.events != nil && recipient != "" {
		event, err := sse.NewEvent(sse.EventSignal, signalNotice{SessionID: sessionID, SenderID: senderID, Seq: seq})
		if err == nil {
			err = s.events.Publish(ctx, recipient, event)
		}
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to publish signal event")
		}
	}
	return seq, nil
}

// PollSignals returns the peer's signals after since. A negative since
// resumes from the recipient's last acknowledged cursor.
func (s *SignalRelay) PollSignals(ctx context.Context, sessionID, recipientID string, since int64) (*model.SignalBatch, error) {
	session, err := s.linkedSession(ctx, sessionID, recipientID)
	if err != nil {
		return nil, err
	}

	if since < 0 {
		since, err = s.signals.LoadCursor(ctx, sessionID, recipientID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to load cursor", err)
		}
	}

	signals, err := s.signals.ListSince(ctx, sessionID, session.PeerOf(recipientID), since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to load signals", err)
	}

	if s.sealer != nil {
		for i := range signals {
			plain, err := s.sealer.Open(signalScope(sessionID, signals[i].SenderID), signals[i].Blob)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to open signal", err)
			}
			signals[i].Blob = plain
		}
	}

	return &model.SignalBatch{
		Signals: signals,
		Cursor:  since + int64(len(signals)),
	}, nil
}

// AckSignals records that the recipient consumed every signal up to cursor.
// A cursor past the peer's last signal is clamped to it; the saved cursor is
// returned.
func (s *SignalRelay) AckSignals(ctx context.Context, sessionID, recipientID string, cursor int64) (int64, error) {
	if cursor < 0 {
		return 0, apperrors.InvalidInput("cursor", "must not be negative")
	}
	session, err := s.linkedSession(ctx, sessionID, recipientID)
	if err != nil {
		return 0, err
	}

	saved, err := s.signals.SaveCursor(ctx, sessionID, session.PeerOf(recipientID), recipientID, cursor)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to save cursor", err)
	}
	return saved, nil
}

func (s *SignalRelay) linkedSession(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	session, err := s.registry.Session(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !session.State.IsLinked() {
		return nil, apperrors.SessionNotPaired()
	}
	return session, nil
}

// signalScope binds a sealed blob to the queue it was posted to.
func signalScope(sessionID, senderID string) string {
	return sessionID + ":" + senderID
}
