package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind selects how a schedule's Spec is interpreted.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"     // Spec is a 5-field cron expression
	ScheduleInterval ScheduleKind = "interval" // Spec is a duration ("90m") or integer minutes ("90")
	ScheduleOnce     ScheduleKind = "once"     // Spec is an RFC3339 timestamp
	ScheduleEvent    ScheduleKind = "event"    // Spec is an event key; fired externally
)

func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleCron, ScheduleInterval, ScheduleOnce, ScheduleEvent:
		return true
	}
	return false
}

// Schedule is a recurring or one-off trigger definition for an agent action.
type Schedule struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   uuid.UUID       `json:"agentId"`
	Name      string          `json:"name"`
	Kind      ScheduleKind    `json:"kind"`
	Spec      string          `json:"spec"`
	Action    ActionType      `json:"actionType"`
	Input     json.RawMessage `json:"input,omitempty"`
	Active    bool            `json:"active"`
	NextRunAt *time.Time      `json:"nextRunAt,omitempty"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
