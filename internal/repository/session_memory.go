package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onlyus/sync-server-go/internal/model"
)

// memorySessionRepo keeps sessions in process for STORAGE=memory and tests.
// Every method runs under one lock, so ClaimPartner is a true compare-and-swap.
type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.PairingSession
}

func NewMemorySessionRepository() SessionRepository {
	return &memorySessionRepo{sessions: make(map[string]*model.PairingSession)}
}

func (r *memorySessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (r *memorySessionRepo) FindByCode(ctx context.Context, code string, releasedAfter time.Time) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *model.PairingSession
	for _, s := range r.sessions {
		if s.PairingCode != code {
			continue
		}
		holds := s.State.IsPending() || (s.CodeReleasedAt != nil && s.CodeReleasedAt.After(releasedAfter))
		if !holds {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copySession(newest), nil
}

func (r *memorySessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.PairingCode == params.PairingCode && s.State.IsPending() {
			return nil, ErrCodeTaken
		}
	}

	s := &model.PairingSession{
		ID:          params.ID,
		PairingCode: params.PairingCode,
		OwnerID:     params.OwnerID,
		State:       model.SessionStateCreated,
		CreatedAt:   params.CreatedAt,
		ExpiresAt:   params.ExpiresAt,
	}
	r.sessions[s.ID] = s
	return copySession(s), nil
}

func (r *memorySessionRepo) ClaimPartner(ctx context.Context, params model.ClaimPartnerParams) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[params.SessionID]
	if !ok || s.PartnerID != nil || s.OwnerID == params.PartnerID ||
		!s.State.IsPending() || !params.Now.Before(s.ExpiresAt) {
		return nil, nil
	}

	partnerID := params.PartnerID
	now := params.Now
	s.PartnerID = &partnerID
	s.State = model.SessionStatePaired
	s.PairedAt = &now
	s.CodeReleasedAt = &now
	return copySession(s), nil
}

func (r *memorySessionRepo) Transition(ctx context.Context, next *model.PairingSession, from model.SessionState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[next.ID]
	if !ok || s.State != from {
		return false, nil
	}

	s.State = next.State
	s.TerminationReason = next.TerminationReason
	s.PairedAt = next.PairedAt
	s.ActivatedAt = next.ActivatedAt
	s.EndedAt = next.EndedAt
	s.CodeReleasedAt = next.CodeReleasedAt
	return true, nil
}

func (r *memorySessionRepo) SetChannelReady(ctx context.Context, sessionID string, userID string, ready bool) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || !s.IsMember(userID) || !s.State.IsLinked() {
		return nil, nil
	}
	if !ready && s.State != model.SessionStatePaired {
		return nil, nil
	}
	if s.OwnerID == userID {
		s.OwnerChannelReady = ready
	} else {
		s.PartnerChannelReady = ready
	}
	return copySession(s), nil
}

func (r *memorySessionRepo) ListDue(ctx context.Context, now time.Time, pairedBefore time.Time) ([]model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []model.PairingSession
	for _, s := range r.sessions {
		pendingDue := s.State.IsPending() && !s.ExpiresAt.After(now)
		handshakeDue := s.State == model.SessionStatePaired && s.PairedAt != nil && !s.PairedAt.After(pairedBefore)
		if pendingDue || handshakeDue {
			due = append(due, *copySession(s))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

func (r *memorySessionRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if s.State.IsFinal() && s.EndedAt != nil && s.EndedAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func copySession(s *model.PairingSession) *model.PairingSession {
	c := *s
	return &c
}
