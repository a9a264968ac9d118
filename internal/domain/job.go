package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the execution state of one job attempt.
//
// Transitions are one-directional:
//
//	pending -> running -> {success, failed, cancelled}
//	pending -> skipped
//
// A job never re-enters pending after leaving it, and never holds two
// terminal states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// JobStatuses lists every job state, pending through terminal.
func JobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning, JobSuccess, JobFailed, JobSkipped, JobCancelled}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move in the job state
// machine.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobRunning || to == JobSkipped
	case JobRunning:
		return to == JobSuccess || to == JobFailed || to == JobCancelled
	}
	return false
}

// JobExecution is one concrete attempt to run a scheduled or ad-hoc action.
// Rows are exclusively owned by the executor until terminal and immutable
// afterwards.
type JobExecution struct {
	ID          uuid.UUID       `json:"id"`
	ScheduleID  *uuid.UUID      `json:"scheduleId,omitempty"`
	AgentID     uuid.UUID       `json:"agentId"`
	Action      ActionType      `json:"actionType"`
	Status      JobStatus       `json:"status"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Duration    time.Duration   `json:"durationMs"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"errorMessage,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Summary     string          `json:"resultSummary,omitempty"`
	TokensIn    int64           `json:"tokensIn"`
	TokensOut   int64           `json:"tokensOut"`
	Provider    string          `json:"aiProvider,omitempty"`
	Model       string          `json:"aiModel,omitempty"`
	Cost        float64         `json:"cost"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
