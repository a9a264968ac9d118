package domain

import (
	"time"

	"github.com/google/uuid"
)

// Enforcement controls what happens when spend crosses the daily cap.
type Enforcement string

const (
	// EnforceHard blocks dispatch (reserve denies) and refuses commits that
	// would push used past the cap.
	EnforceHard Enforcement = "hard"
	// EnforceSoft allows overage but every overage commit produces a
	// budget_exceeded notification.
	EnforceSoft Enforcement = "soft"
)

func (e Enforcement) Valid() bool {
	return e == EnforceHard || e == EnforceSoft
}

// BudgetSettings is the per-agent cap configuration. Agents without a row
// fall back to the configured default cap in hard mode.
type BudgetSettings struct {
	AgentID     uuid.UUID   `json:"agentId"`
	DailyCap    float64     `json:"dailyCap"`
	Enforcement Enforcement `json:"enforcement"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// BudgetPeriod is one agent-day spend window, created lazily on first spend.
type BudgetPeriod struct {
	AgentID   uuid.UUID `json:"agentId"`
	PeriodKey string    `json:"periodKey"` // YYYY-MM-DD, UTC
	DailyCap  float64   `json:"dailyCap"`
	Used      float64   `json:"used"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PeriodKey returns the UTC day bucket for t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
