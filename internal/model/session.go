package model

import "time"

type PairingSession struct {
	ID                  string             `db:"id" json:"sessionId"`
	PairingCode         string             `db:"pairing_code" json:"pairingCode"`
	OwnerID             string             `db:"owner_id" json:"ownerId"`
	PartnerID           *string            `db:"partner_id" json:"partnerId,omitempty"`
	State               SessionState       `db:"state" json:"state"`
	TerminationReason   *TerminationReason `db:"termination_reason" json:"reason,omitempty"`
	OwnerChannelReady   bool               `db:"owner_channel_ready" json:"-"`
	PartnerChannelReady bool               `db:"partner_channel_ready" json:"-"`
	CreatedAt           time.Time          `db:"created_at" json:"createdAt"`
	ExpiresAt           time.Time          `db:"expires_at" json:"expiresAt"`
	PairedAt            *time.Time         `db:"paired_at" json:"pairedAt,omitempty"`
	ActivatedAt         *time.Time         `db:"activated_at" json:"activatedAt,omitempty"`
	EndedAt             *time.Time         `db:"ended_at" json:"endedAt,omitempty"`
	CodeReleasedAt      *time.Time         `db:"code_released_at" json:"-"`
}

// IsMember reports whether userID is the owner or the bound partner.
func (s *PairingSession) IsMember(userID string) bool {
	if s.OwnerID == userID {
		return true
	}
	return s.PartnerID != nil && *s.PartnerID == userID
}

// PeerOf returns the other party of the session, or "" if none is bound.
func (s *PairingSession) PeerOf(userID string) string {
	if s.PartnerID == nil {
		return ""
	}
	if s.OwnerID == userID {
		return *s.PartnerID
	}
	if *s.PartnerID == userID {
		return s.OwnerID
	}
	return ""
}

func (s *PairingSession) IsPaired() bool {
	return s.PartnerID != nil && s.State.IsLinked()
}

func (s *PairingSession) Status() SessionStatus {
	return SessionStatus{
		SessionID: s.ID,
		State:     s.State,
		IsPaired:  s.IsPaired(),
		Reason:    s.TerminationReason,
		ExpiresAt: s.ExpiresAt,
	}
}

type SessionStatus struct {
	SessionID string             `json:"sessionId"`
	State     SessionState       `json:"state"`
	IsPaired  bool               `json:"isPaired"`
	Reason    *TerminationReason `json:"reason,omitempty"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

type CreateSessionParams struct {
	ID          string
	PairingCode string
	OwnerID     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ClaimPartnerParams binds PartnerID to a session that is still pending,
// unexpired and unclaimed at Now.
type ClaimPartnerParams struct {
	SessionID string
	PartnerID string
	Now       time.Time
}
