package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

type scheduleRow struct {
	ID        string         `db:"id"`
	AgentID   string         `db:"agent_id"`
	Name      string         `db:"name"`
	Kind      string         `db:"kind"`
	Spec      string         `db:"spec"`
	Action    string         `db:"action_type"`
	Input     string         `db:"input"`
	Active    bool           `db:"active"`
	NextRunAt sql.NullString `db:"next_run_at"`
	LastRunAt sql.NullString `db:"last_run_at"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt string         `db:"updated_at"`
}

func (r scheduleRow) toDomain() (*domain.Schedule, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: bad id: %w", r.ID, err)
	}
	agentID, err := uuid.Parse(r.AgentID)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: bad agent id: %w", r.ID, err)
	}
	return &domain.Schedule{
		ID:        id,
		AgentID:   agentID,
		Name:      r.Name,
		Kind:      domain.ScheduleKind(r.Kind),
		Spec:      r.Spec,
		Action:    domain.ActionType(r.Action),
		Input:     json.RawMessage(r.Input),
		Active:    r.Active,
		NextRunAt: parseTimePtr(r.NextRunAt),
		LastRunAt: parseTimePtr(r.LastRunAt),
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}, nil
}

func rawOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func (s *Store) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, agent_id, name, kind, spec, action_type, input, active, next_run_at, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID.String(), sc.AgentID.String(), sc.Name, string(sc.Kind), sc.Spec, string(sc.Action),
		rawOrEmpty(sc.Input), sc.Active, fmtTimePtr(sc.NextRunAt), fmtTimePtr(sc.LastRunAt),
		fmtTime(sc.CreatedAt), fmtTime(sc.UpdatedAt),
	)
	return err
}

// GetSchedule is agent-scoped: a schedule owned by another agent reads as
// not found.
func (s *Store) GetSchedule(ctx context.Context, agentID, id uuid.UUID) (*domain.Schedule, error) {
	var r scheduleRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM schedules WHERE id = ? AND agent_id = ?`, id.String(), agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

func (s *Store) ListSchedules(ctx context.Context, agentID uuid.UUID) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM schedules WHERE agent_id = ? ORDER BY created_at DESC`, agentID.String())
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for _, r := range rows {
		sc, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// DueSchedules returns active time-based schedules whose next run is at or
// before now. Event schedules only fire externally.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM schedules
		WHERE active = 1 AND kind != ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		string(domain.ScheduleEvent), fmtTime(now))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for _, r := range rows {
		sc, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// EventSchedules returns active event-kind schedules bound to the given
// event key.
func (s *Store) EventSchedules(ctx context.Context, eventKey string) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM schedules WHERE active = 1 AND kind = ? AND spec = ?`,
		string(domain.ScheduleEvent), eventKey)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for _, r := range rows {
		sc, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// MarkScheduleFired advances the cadence bookkeeping after a firing. A nil
// next deactivates the schedule ("once" kind after its single run).
func (s *Store) MarkScheduleFired(ctx context.Context, id uuid.UUID, firedAt time.Time, next *time.Time) error {
	active := next != nil
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		fmtTime(firedAt), fmtTimePtr(next), active, fmtTime(firedAt), id.String())
	return err
}

// SetScheduleActive flips the active flag. Returns ErrNotFound when the
// schedule does not exist for this agent.
func (s *Store) SetScheduleActive(ctx context.Context, agentID, id uuid.UUID, active bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET active = ?, updated_at = ? WHERE id = ? AND agent_id = ?`,
		active, fmtTime(now), id.String(), agentID.String())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
