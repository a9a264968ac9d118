package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the stored decision state of an approval.
// "expired" is never stored; it is derived at read time from
// (status, expiresAt, now). See EffectiveApprovalStatus.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"

	// ApprovalExpired is a derived, read-time status only.
	ApprovalExpired ApprovalStatus = "expired"
)

// Valid reports whether s is a known status, including the derived
// "expired" (accepted in queries, never stored).
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	}
	return false
}

// Approval is a human sign-off gate for a sensitive action. Created pending,
// mutated exactly once by approve/reject, immutable afterwards.
type Approval struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   uuid.UUID       `json:"agentId"`
	JobID     *uuid.UUID      `json:"jobId,omitempty"`
	Action    ActionType      `json:"actionType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    ApprovalStatus  `json:"status"`
	DecidedBy string          `json:"decidedBy,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	DecidedAt *time.Time      `json:"decidedAt,omitempty"`
}

// EffectiveApprovalStatus computes the read-time status. A pending approval
// whose expiry has passed reads as expired; stored state is untouched.
// Callers that act on "approved" must re-evaluate this immediately before
// acting, never cache the result.
func EffectiveApprovalStatus(status ApprovalStatus, expiresAt *time.Time, now time.Time) ApprovalStatus {
	if status == ApprovalPending && expiresAt != nil && expiresAt.Before(now) {
		return ApprovalExpired
	}
	return status
}

// Effective is a convenience wrapper over EffectiveApprovalStatus.
func (a *Approval) Effective(now time.Time) ApprovalStatus {
	return EffectiveApprovalStatus(a.Status, a.ExpiresAt, now)
}
