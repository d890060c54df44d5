package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/onlyus/sync-server-go/internal/database"
	"github.com/onlyus/sync-server-go/internal/model"
)

// ErrCodeTaken is returned by Create when another pending session holds the code.
var ErrCodeTaken = errors.New("pairing code already held by a pending session")

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.PairingSession, error)
	// FindByCode returns the newest session that still holds code: either pending,
	// or released after releasedAfter.
	FindByCode(ctx context.Context, code string, releasedAfter time.Time) (*model.PairingSession, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error)
	// ClaimPartner binds the partner in one compare-and-swap. It returns nil
	// when the session was no longer claimable.
	ClaimPartner(ctx context.Context, params model.ClaimPartnerParams) (*model.PairingSession, error)
	// Transition writes next when the stored state still equals from. It returns
	// false when another writer got there first.
	Transition(ctx context.Context, next *model.PairingSession, from model.SessionState) (bool, error)
	// SetChannelReady records whether userID holds a live peer channel. Marks
	// are set while linked and cleared only while Paired. It returns nil when
	// userID is not a member or the state does not allow the change.
	SetChannelReady(ctx context.Context, sessionID string, userID string, ready bool) (*model.PairingSession, error)
	ListDue(ctx context.Context, now time.Time, pairedBefore time.Time) ([]model.PairingSession, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db database.DBTX) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	return getSession(ctx, r.db, `
		SELECT * FROM pairing_sessions WHERE id = $1
	`, id)
}

func (r *sessionRepo) FindByCode(ctx context.Context, code string, releasedAfter time.Time) (*model.PairingSession, error) {
	return getSession(ctx, r.db, `
		SELECT * FROM pairing_sessions
		WHERE pairing_code = $1
		AND (state IN ('created', 'awaiting_partner') OR code_released_at > $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, code, releasedAfter)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error) {
	session, err := getSession(ctx, r.db, `
		INSERT INTO pairing_sessions (id, pairing_code, owner_id, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.ID, params.PairingCode, params.OwnerID, model.SessionStateCreated, params.CreatedAt, params.ExpiresAt)
	if isUniqueViolation(err) {
		return nil, ErrCodeTaken
	}
	return session, err
}

func (r *sessionRepo) ClaimPartner(ctx context.Context, params model.ClaimPartnerParams) (*model.PairingSession, error) {
	return getSession(ctx, r.db, `
		UPDATE pairing_sessions SET
			partner_id = $2,
			state = 'paired',
			paired_at = $3,
			code_released_at = $3
		WHERE id = $1
		AND partner_id IS NULL
		AND owner_id <> $2
		AND state IN ('created', 'awaiting_partner')
		AND expires_at > $3
		RETURNING *
	`, params.SessionID, params.PartnerID, params.Now)
}

func (r *sessionRepo) Transition(ctx context.Context, next *model.PairingSession, from model.SessionState) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			state = $3,
			termination_reason = $4,
			paired_at = $5,
			activated_at = $6,
			ended_at = $7,
			code_released_at = $8
		WHERE id = $1 AND state = $2
	`, next.ID, from, next.State, next.TerminationReason,
		next.PairedAt, next.ActivatedAt, next.EndedAt, next.CodeReleasedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sessionRepo) SetChannelReady(ctx context.Context, sessionID string, userID string, ready bool) (*model.PairingSession, error) {
	return getSession(ctx, r.db, `
		UPDATE pairing_sessions SET
			owner_channel_ready = CASE WHEN owner_id = $2 THEN $3 ELSE owner_channel_ready END,
			partner_channel_ready = CASE WHEN partner_id = $2 THEN $3 ELSE partner_channel_ready END
		WHERE id = $1
		AND (owner_id = $2 OR partner_id = $2)
		AND (state = 'paired' OR ($3 AND state = 'active'))
		RETURNING *
	`, sessionID, userID, ready)
}

func (r *sessionRepo) ListDue(ctx context.Context, now time.Time, pairedBefore time.Time) ([]model.PairingSession, error) {
	var sessions []model.PairingSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM pairing_sessions
		WHERE (state IN ('created', 'awaiting_partner') AND expires_at <= $1)
		OR (state = 'paired' AND paired_at <= $2)
		ORDER BY created_at
	`, now, pairedBefore)
	return sessions, err
}

func (r *sessionRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE state = ANY($1) AND ended_at < $2
	`, pq.Array([]string{string(model.SessionStateExpired), string(model.SessionStateTerminated)}), before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
