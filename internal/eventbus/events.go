package eventbus

import (
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

// Topic names for governance events. The notification dispatcher subscribes
// to all of them; the executor's approval watcher subscribes to
// TopicApprovalDecided.
const (
	TopicJobFinished     = "job.finished"
	TopicApprovalCreated = "approval.created"
	TopicApprovalDecided = "approval.decided"
	TopicBudgetThreshold = "budget.threshold"
	TopicBudgetExceeded  = "budget.exceeded"
	TopicBudgetDenied    = "budget.denied"
	TopicBudgetCommitted = "budget.committed"
	TopicConfigUpdated   = "config.updated"
)

// JobFinishedEvent is published on every transition into a terminal job
// state. Final is false for failed attempts that were requeued for retry;
// the dispatcher only alerts on final outcomes.
type JobFinishedEvent struct {
	JobID      uuid.UUID         `json:"jobId"`
	ScheduleID *uuid.UUID        `json:"scheduleId,omitempty"`
	AgentID    uuid.UUID         `json:"agentId"`
	Action     domain.ActionType `json:"actionType"`
	Status     domain.JobStatus  `json:"status"`
	Summary    string            `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	RetryCount int               `json:"retryCount"`
	Final      bool              `json:"final"`
}

// ApprovalEvent is published when an approval is created or decided.
type ApprovalEvent struct {
	ApprovalID uuid.UUID             `json:"approvalId"`
	AgentID    uuid.UUID             `json:"agentId"`
	JobID      *uuid.UUID            `json:"jobId,omitempty"`
	Action     domain.ActionType     `json:"actionType"`
	Status     domain.ApprovalStatus `json:"status"`
	ExpiresAt  *time.Time            `json:"expiresAt,omitempty"`
}

// BudgetEvent is published on threshold crossings, overage commits and hard
// denials. Threshold is the percentage boundary crossed (80 or 100).
type BudgetEvent struct {
	AgentID   uuid.UUID `json:"agentId"`
	PeriodKey string    `json:"periodKey"`
	Threshold int       `json:"threshold,omitempty"`
	Used      float64   `json:"used"`
	Cap       float64   `json:"cap"`
	Cost      float64   `json:"cost,omitempty"`
}
