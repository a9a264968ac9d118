package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

type budgetSettingsRow struct {
	AgentID     string  `db:"agent_id"`
	DailyCap    float64 `db:"daily_cap"`
	Enforcement string  `db:"enforcement"`
	UpdatedAt   string  `db:"updated_at"`
}

type budgetPeriodRow struct {
	AgentID   string  `db:"agent_id"`
	PeriodKey string  `db:"period_key"`
	DailyCap  float64 `db:"daily_cap"`
	Used      float64 `db:"used"`
	UpdatedAt string  `db:"updated_at"`
}

// GetBudgetSettings returns the per-agent settings row, or ErrNotFound when
// the agent runs on configured defaults.
func (s *Store) GetBudgetSettings(ctx context.Context, agentID uuid.UUID) (*domain.BudgetSettings, error) {
	var r budgetSettingsRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM budget_settings WHERE agent_id = ?`, agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.BudgetSettings{
		AgentID:     agentID,
		DailyCap:    r.DailyCap,
		Enforcement: domain.Enforcement(r.Enforcement),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}, nil
}

func (s *Store) PutBudgetSettings(ctx context.Context, b *domain.BudgetSettings) error {
	if b.DailyCap < 0 {
		return fmt.Errorf("%w: daily cap must be >= 0", domain.ErrValidation)
	}
	if !b.Enforcement.Valid() {
		return fmt.Errorf("%w: enforcement must be hard or soft", domain.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_settings (agent_id, daily_cap, enforcement, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET daily_cap = excluded.daily_cap,
			enforcement = excluded.enforcement, updated_at = excluded.updated_at`,
		b.AgentID.String(), b.DailyCap, string(b.Enforcement), fmtTime(b.UpdatedAt))
	return err
}

// EnsureBudgetPeriod lazily creates the agent-day row on first touch and
// returns the current state.
func (s *Store) EnsureBudgetPeriod(ctx context.Context, agentID uuid.UUID, periodKey string, cap float64, now time.Time) (*domain.BudgetPeriod, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_periods (agent_id, period_key, daily_cap, used, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(agent_id, period_key) DO NOTHING`,
		agentID.String(), periodKey, cap, fmtTime(now))
	if err != nil {
		return nil, err
	}
	return s.GetBudgetPeriod(ctx, agentID, periodKey)
}

func (s *Store) GetBudgetPeriod(ctx context.Context, agentID uuid.UUID, periodKey string) (*domain.BudgetPeriod, error) {
	var r budgetPeriodRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM budget_periods WHERE agent_id = ? AND period_key = ?`,
		agentID.String(), periodKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.BudgetPeriod{
		AgentID:   agentID,
		PeriodKey: r.PeriodKey,
		DailyCap:  r.DailyCap,
		Used:      r.Used,
		UpdatedAt: parseTime(r.UpdatedAt),
	}, nil
}

// AddBudgetSpend increments used atomically in SQL. Callers serialize
// per-agent above this; the SQL-level increment is the second line of
// defense against lost updates.
func (s *Store) AddBudgetSpend(ctx context.Context, agentID uuid.UUID, periodKey string, cost float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE budget_periods SET used = used + ?, updated_at = ?
		WHERE agent_id = ? AND period_key = ?`,
		cost, fmtTime(now), agentID.String(), periodKey)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetBudgetPeriod zeroes used for the given period only. Job history cost
// fields are untouched.
func (s *Store) ResetBudgetPeriod(ctx context.Context, agentID uuid.UUID, periodKey string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE budget_periods SET used = 0, updated_at = ?
		WHERE agent_id = ? AND period_key = ?`,
		fmtTime(now), agentID.String(), periodKey)
	return err
}
