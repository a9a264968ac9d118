// Package stats assembles read-only activity summaries over the job
// history and the budget ledger. All aggregation happens in SQL; this layer
// only shapes the result.
package stats

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentops/internal/budget"
	"agentops/internal/domain"
	"agentops/internal/storage"
)

// ActionStats is the per-action rollup with its derived success rate.
type ActionStats struct {
	Action      string  `json:"actionType"`
	Count       int     `json:"count"`
	Success     int     `json:"success"`
	SuccessRate float64 `json:"successRate"`
}

// BudgetStats is the current period's spend snapshot.
type BudgetStats struct {
	PeriodKey   string             `json:"periodKey"`
	Used        float64            `json:"used"`
	DailyCap    float64            `json:"dailyCap"`
	Remaining   float64            `json:"remaining"`
	UsedPct     float64            `json:"usedPct"`
	Enforcement domain.Enforcement `json:"enforcement"`
}

// Overview is the full stats payload for one agent.
type Overview struct {
	ByStatus      map[string]int       `json:"byStatus"`
	ByAction      []ActionStats        `json:"byAction"`
	TokensIn      int64                `json:"tokensIn"`
	TokensOut     int64                `json:"tokensOut"`
	TotalCost     float64              `json:"totalCost"`
	AvgDurationMS float64              `json:"avgDurationMs"`
	Hourly        []storage.HourCount  `json:"hourlyActivity"`
	Budget        BudgetStats          `json:"budget"`
	GeneratedAt   time.Time            `json:"generatedAt"`
}

type Service struct {
	store  *storage.Store
	ledger *budget.Ledger
	now    func() time.Time
}

func NewService(store *storage.Store, ledger *budget.Ledger) *Service {
	return &Service{store: store, ledger: ledger, now: time.Now}
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Overview aggregates the agent's full history plus the last 24h of hourly
// activity and the live budget state.
func (s *Service) Overview(ctx context.Context, agentID uuid.UUID) (*Overview, error) {
	now := s.now()

	statuses, err := s.store.JobStatusCounts(ctx, agentID)
	if err != nil {
		return nil, err
	}
	byStatus := map[string]int{}
	for _, st := range domain.JobStatuses() {
		byStatus[string(st)] = 0
	}
	for _, c := range statuses {
		byStatus[c.Status] = c.Count
	}

	actions, err := s.store.JobActionCounts(ctx, agentID)
	if err != nil {
		return nil, err
	}
	byAction := make([]ActionStats, 0, len(actions))
	for _, a := range actions {
		st := ActionStats{Action: a.Action, Count: a.Count, Success: a.Success}
		if a.Count > 0 {
			st.SuccessRate = float64(a.Success) / float64(a.Count)
		}
		byAction = append(byAction, st)
	}

	totals, err := s.store.JobTotalsFor(ctx, agentID)
	if err != nil {
		return nil, err
	}
	hourly, err := s.store.HourlyActivity(ctx, agentID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	period, mode, err := s.ledger.Usage(ctx, agentID)
	if err != nil {
		return nil, err
	}
	b := BudgetStats{
		PeriodKey:   period.PeriodKey,
		Used:        period.Used,
		DailyCap:    period.DailyCap,
		Remaining:   period.DailyCap - period.Used,
		Enforcement: mode,
	}
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	if period.DailyCap > 0 {
		b.UsedPct = period.Used / period.DailyCap * 100
	}

	return &Overview{
		ByStatus:      byStatus,
		ByAction:      byAction,
		TokensIn:      totals.TokensIn,
		TokensOut:     totals.TokensOut,
		TotalCost:     totals.Cost,
		AvgDurationMS: totals.AvgDurationMS,
		Hourly:        hourly,
		Budget:        b,
		GeneratedAt:   now.UTC(),
	}, nil
}
