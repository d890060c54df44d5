package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/audit"
	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/lifecycle"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/sse"
	"github.com/onlyus/sync-server-go/internal/util"
)

const maxCodeAttempts = 10

// EventPublisher delivers SSE events to a user's open streams.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, event sse.Event) error
}

type RegistryConfig struct {
	SessionTTL     time.Duration
	HandshakeGrace time.Duration
	CodeCooldown   time.Duration
}

// SessionRegistry is the single writer of pairing session state.
type SessionRegistry struct {
	sessions repository.SessionRepository
	signals  repository.SignalRepository
	codes    pairing.Generator
	events   EventPublisher
	clock    clockwork.Clock
	cfg      RegistryConfig

	finished []func(sessionID string)
}

func NewSessionRegistry(
	sessions repository.SessionRepository,
	signals repository.SignalRepository,
	codes pairing.Generator,
	events EventPublisher,
	clock clockwork.Clock,
	cfg RegistryConfig,
) *SessionRegistry {
	return &SessionRegistry{
		sessions: sessions,
		signals:  signals,
		codes:    codes,
		events:   events,
		clock:    clock,
		cfg:      cfg,
	}
}

// OnFinished registers fn to run after any transition that ends a session,
// timeouts included. Register before serving requests.
func (r *SessionRegistry) OnFinished(fn func(sessionID string)) {
	r.finished = append(r.finished, fn)
}

func (r *SessionRegistry) CreateSession(ctx context.Context, ownerID string) (*model.PairingSession, error) {
	if ownerID == "" {
		return nil, apperrors.MissingRequired("ownerId")
	}

	now := r.clock.Now()
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := r.codes.Generate()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate pairing code", err)
		}

		held, err := r.sessions.FindByCode(ctx, code, now.Add(-r.cfg.CodeCooldown))
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if held != nil {
			log.Debug().Str("code", pairing.Mask(code)).Int("attempt", attempt).Msg("pairing code in use, regenerating")
			continue
		}

		session, err := r.sessions.Create(ctx, model.CreateSessionParams{
			ID:          uuid.NewString(),
			PairingCode: code,
			OwnerID:     ownerID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(r.cfg.SessionTTL),
		})
		if errors.Is(err, repository.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, apperrors.Database(err)
		}

		log.Info().
			Str("sessionId", session.ID).
			Str("ownerId", ownerID).
			Str("code", pairing.Mask(code)).
			Time("expiresAt", session.ExpiresAt).
			Msg("session created")
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionCreate,
			UserID:    ownerID,
			SessionID: session.ID,
		})
		return session, nil
	}

	return nil, apperrors.Internal("Could not allocate a pairing code")
}

// Validate resolves a typed code to its pending session. Unknown, malformed,
// consumed and expired codes all fail with the same NotFound error.
func (r *SessionRegistry) Validate(ctx context.Context, code string) (*model.PairingSession, error) {
	session, err := r.lookupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.State.IsPending() {
		return nil, apperrors.InvalidPairingCode()
	}
	if _, due := lifecycle.Due(session, r.clock.Now(), r.cfg.HandshakeGrace); due {
		r.settle(ctx, session)
		return nil, apperrors.InvalidPairingCode()
	}
	return session, nil
}

func (r *SessionRegistry) JoinSession(ctx context.Context, code, joinerID string) (*model.PairingSession, error) {
	if joinerID == "" {
		return nil, apperrors.MissingRequired("joinerId")
	}

	session, err := r.lookupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.InvalidPairingCode()
	}
	// an expired code is gone for everyone, its owner included
	if _, due := lifecycle.Due(session, r.clock.Now(), r.cfg.HandshakeGrace); due {
		r.settle(ctx, session)
		return nil, apperrors.InvalidPairingCode()
	}
	if err := checkJoinable(session, joinerID); err != nil {
		if errors.Is(err, errAlreadyMember) {
			return session, nil
		}
		return nil, err
	}

	claimed, err := r.sessions.ClaimPartner(ctx, model.ClaimPartnerParams{
		SessionID: session.ID,
		PartnerID: joinerID,
		Now:       r.clock.Now(),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if claimed == nil {
		// Lost the race: report what the winner did.
		current, err := r.sessions.FindByID(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current == nil {
			return nil, apperrors.InvalidPairingCode()
		}
		if err := checkJoinable(current, joinerID); err != nil {
			if errors.Is(err, errAlreadyMember) {
				return current, nil
			}
			return nil, err
		}
		return nil, apperrors.InvalidPairingCode()
	}

	log.Info().
		Str("sessionId", claimed.ID).
		Str("ownerId", claimed.OwnerID).
		Str("partnerId", joinerID).
		Msg("session paired")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionJoin,
		UserID:    joinerID,
		SessionID: claimed.ID,
	})
	r.notify(ctx, claimed)
	return claimed, nil
}

// GetStatus returns the session as userID should see it now. Overdue
// timeouts are applied before answering, and the owner's first poll moves
// Created to AwaitingPartner.
func (r *SessionRegistry) GetStatus(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	session, err := r.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	session = r.settle(ctx, session)
	if session.State == model.SessionStateCreated && session.OwnerID == userID {
		return r.transition(ctx, session, lifecycle.TriggerFirstPoll)
	}
	return session, nil
}

// ExpireStale applies every overdue TTL and handshake timeout. It returns
// how many sessions changed state.
func (r *SessionRegistry) ExpireStale(ctx context.Context) (int64, error) {
	now := r.clock.Now()
	due, err := r.sessions.ListDue(ctx, now, now.Add(-r.cfg.HandshakeGrace))
	if err != nil {
		return 0, fmt.Errorf("list due sessions: %w", err)
	}

	var changed int64
	for i := range due {
		before := due[i].State
		after := r.settle(ctx, &due[i])
		if after.State != before {
			changed++
		}
	}
	return changed, nil
}

// PurgeFinished deletes expired and terminated sessions whose codes are past
// the cool-down and that ended before retention ago.
func (r *SessionRegistry) PurgeFinished(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < r.cfg.CodeCooldown {
		retention = r.cfg.CodeCooldown
	}
	return r.sessions.DeleteFinishedBefore(ctx, r.clock.Now().Add(-retention))
}

// ReportChannelReady records that userID holds a live peer channel. Once both
// sides have reported, a Paired session becomes Active.
func (r *SessionRegistry) ReportChannelReady(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	session, err := r.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	session = r.settle(ctx, session)
	if !session.State.IsLinked() {
		return nil, notLinkedError(session)
	}

	updated, err := r.sessions.SetChannelReady(ctx, sessionID, userID, true)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.SessionNotPaired()
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Bool("ownerReady", updated.OwnerChannelReady).
		Bool("partnerReady", updated.PartnerChannelReady).
		Msg("peer channel ready")

	if updated.State == model.SessionStatePaired && updated.OwnerChannelReady && updated.PartnerChannelReady {
		return r.transition(ctx, updated, lifecycle.TriggerHandshakeComplete)
	}
	return updated, nil
}

// ReportChannelGone withdraws userID's ready mark while the session is still
// in the handshake, so a later connect by the partner alone cannot activate it.
// The returned session tells the caller whether it is now Active.
func (r *SessionRegistry) ReportChannelGone(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	session, err := r.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	session = r.settle(ctx, session)
	if session.State != model.SessionStatePaired {
		return session, nil
	}

	updated, err := r.sessions.SetChannelReady(ctx, sessionID, userID, false)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		// The session left Paired meanwhile, possibly activated by the partner.
		return r.Session(ctx, sessionID, userID)
	}
	log.Debug().Str("sessionId", sessionID).Str("userId", userID).Msg("peer channel gone during handshake")
	return updated, nil
}

// EndSession terminates a linked session with reason, or withdraws a pending
// one. Ending a session that already reached a final state is a no-op.
func (r *SessionRegistry) EndSession(ctx context.Context, sessionID, userID string, reason model.TerminationReason) (*model.PairingSession, error) {
	if reason != model.ReasonEnded && reason != model.ReasonDisconnected {
		return nil, apperrors.InvalidInput("reason", "must be ended or disconnected")
	}

	session, err := r.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	session = r.settle(ctx, session)
	if session.State.IsFinal() {
		return session, nil
	}

	trigger := lifecycle.TriggerCancel
	if session.State.IsLinked() {
		trigger, err = lifecycle.TriggerForReason(reason)
		if err != nil {
			return nil, apperrors.InvalidInput("reason", err.Error())
		}
	}

	ended, err := r.transition(ctx, session, trigger)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionEnd,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]interface{}{"reason": string(reason), "state": string(ended.State)},
	})
	return ended, nil
}

// Session is GetStatus without the first-poll transition, for internal callers.
func (r *SessionRegistry) Session(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	session, err := r.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return r.settle(ctx, session), nil
}

func (r *SessionRegistry) lookupCode(ctx context.Context, code string) (*model.PairingSession, error) {
	code = pairing.Normalize(code)
	if !pairing.IsWellFormed(code) {
		return nil, apperrors.InvalidPairingCode()
	}
	session, err := r.sessions.FindByCode(ctx, code, r.clock.Now().Add(-r.cfg.CodeCooldown))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return session, nil
}

func (r *SessionRegistry) load(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.NotFound("Session")
	}
	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	if !session.IsMember(userID) {
		return nil, apperrors.Forbidden("Not a member of this session")
	}
	return session, nil
}

// settle applies an overdue timeout, if any, and returns the current session.
// Failures are logged and the unsettled session is returned.
func (r *SessionRegistry) settle(ctx context.Context, session *model.PairingSession) *model.PairingSession {
	trigger, due := lifecycle.Due(session, r.clock.Now(), r.cfg.HandshakeGrace)
	if !due {
		return session
	}
	settled, err := r.transition(ctx, session, trigger)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Str("trigger", string(trigger)).Msg("failed to apply timeout")
		return session
	}
	return settled
}

// transition applies trigger with a compare-and-swap on the current state.
// When another writer moved the session first, the stored session is returned.
func (r *SessionRegistry) transition(ctx context.Context, session *model.PairingSession, trigger lifecycle.Trigger) (*model.PairingSession, error) {
	next := *session
	if err := lifecycle.Apply(&next, trigger, r.clock.Now()); err != nil {
		return nil, apperrors.Conflict(err.Error())
	}

	ok, err := r.sessions.Transition(ctx, &next, session.State)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !ok {
		current, err := r.sessions.FindByID(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current == nil {
			return nil, apperrors.NotFound("Session")
		}
		return current, nil
	}

	log.Info().
		Str("sessionId", next.ID).
		Str("from", string(session.State)).
		Str("to", string(next.State)).
		Str("trigger", string(trigger)).
		Msg("session transition")

	if next.State.IsFinal() && next.PartnerID != nil && r.signals != nil {
		if err := r.signals.DeleteSession(ctx, next.ID, next.OwnerID, *next.PartnerID); err != nil {
			log.Warn().Err(err).Str("sessionId", next.ID).Msg("failed to drop signal queues")
		}
	}
	if next.State.IsFinal() {
		for _, fn := range r.finished {
			fn(next.ID)
		}
	}
	r.notify(ctx, &next)
	return &next, nil
}

func (r *SessionRegistry) notify(ctx context.Context, session *model.PairingSession) {
	if r.events == nil {
		return
	}
	event, err := sse.NewEvent(sse.EventStatus, session.Status())
	if err != nil {
		log.Error().Err(err).Msg("failed to build status event")
		return
	}

	recipients := []string{session.OwnerID}
	if session.PartnerID != nil {
		recipients = append(recipients, *session.PartnerID)
	}
	for _, userID := range recipients {
		if err := r.events.Publish(ctx, userID, event); err != nil {
			log.Warn().Err(err).Str("userId", userID).Str("sessionId", session.ID).Msg("failed to publish status event")
		}
	}
}

var errAlreadyMember = errors.New("already the partner of this session")

func checkJoinable(session *model.PairingSession, joinerID string) error {
	if session.OwnerID == joinerID {
		return apperrors.SelfJoin()
	}
	if session.PartnerID != nil {
		if *session.PartnerID == joinerID {
			return errAlreadyMember
		}
		return apperrors.AlreadyPaired()
	}
	if !session.State.IsPending() {
		return apperrors.InvalidPairingCode()
	}
	return nil
}

func notLinkedError(session *model.PairingSession) error {
	if session.TerminationReason != nil && *session.TerminationReason == model.ReasonHandshakeTimeout {
		return apperrors.HandshakeTimeout()
	}
	return apperrors.SessionNotPaired()
}
