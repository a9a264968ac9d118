package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

type jobRow struct {
	ID          string         `db:"id"`
	ScheduleID  sql.NullString `db:"schedule_id"`
	AgentID     string         `db:"agent_id"`
	Action      string         `db:"action_type"`
	Status      string         `db:"status"`
	ScheduledAt string         `db:"scheduled_at"`
	StartedAt   sql.NullString `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
	DurationMS  int64          `db:"duration_ms"`
	RetryCount  int            `db:"retry_count"`
	Error       string         `db:"error"`
	Input       string         `db:"input"`
	Output      string         `db:"output"`
	Summary     string         `db:"summary"`
	TokensIn    int64          `db:"tokens_in"`
	TokensOut   int64          `db:"tokens_out"`
	Provider    string         `db:"provider"`
	Model       string         `db:"model"`
	Cost        float64        `db:"cost"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r jobRow) toDomain() (*domain.JobExecution, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad id: %w", r.ID, err)
	}
	agentID, err := uuid.Parse(r.AgentID)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad agent id: %w", r.ID, err)
	}
	var scheduleID *uuid.UUID
	if r.ScheduleID.Valid && r.ScheduleID.String != "" {
		sid, err := uuid.Parse(r.ScheduleID.String)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad schedule id: %w", r.ID, err)
		}
		scheduleID = &sid
	}
	return &domain.JobExecution{
		ID:          id,
		ScheduleID:  scheduleID,
		AgentID:     agentID,
		Action:      domain.ActionType(r.Action),
		Status:      domain.JobStatus(r.Status),
		ScheduledAt: parseTime(r.ScheduledAt),
		StartedAt:   parseTimePtr(r.StartedAt),
		CompletedAt: parseTimePtr(r.CompletedAt),
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
		RetryCount:  r.RetryCount,
		Error:       r.Error,
		Input:       json.RawMessage(r.Input),
		Output:      json.RawMessage(r.Output),
		Summary:     r.Summary,
		TokensIn:    r.TokensIn,
		TokensOut:   r.TokensOut,
		Provider:    r.Provider,
		Model:       r.Model,
		Cost:        r.Cost,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}, nil
}

func (s *Store) CreateJob(ctx context.Context, j *domain.JobExecution) error {
	var scheduleID any
	if j.ScheduleID != nil {
		scheduleID = j.ScheduleID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, schedule_id, agent_id, action_type, status, scheduled_at,
			started_at, completed_at, duration_ms, retry_count, error, input, output, summary,
			tokens_in, tokens_out, provider, model, cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), scheduleID, j.AgentID.String(), string(j.Action), string(j.Status),
		fmtTime(j.ScheduledAt), fmtTimePtr(j.StartedAt), fmtTimePtr(j.CompletedAt),
		j.Duration.Milliseconds(), j.RetryCount, j.Error, rawOrEmpty(j.Input), rawOrEmpty(j.Output),
		j.Summary, j.TokensIn, j.TokensOut, j.Provider, j.Model, j.Cost,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, agentID, id uuid.UUID) (*domain.JobExecution, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM job_executions WHERE id = ? AND agent_id = ?`, id.String(), agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

// GetJobByID looks a job up without agent scoping. For executor-internal
// use; the HTTP layer goes through GetJob.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*domain.JobExecution, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM job_executions WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Status   domain.JobStatus
	Action   domain.ActionType
	Page     int // 1-based
	PageSize int
}

// ListJobs returns the agent's job history, newest first, plus the total
// row count for pagination.
func (s *Store) ListJobs(ctx context.Context, agentID uuid.UUID, f JobFilter) ([]*domain.JobExecution, int, error) {
	where := []string{"agent_id = ?"}
	args := []any{agentID.String()}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Action != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(f.Action))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM job_executions WHERE `+cond, args...); err != nil {
		return nil, 0, err
	}

	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.PageSize

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM job_executions WHERE `+cond+` ORDER BY scheduled_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, f.PageSize, offset)...)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*domain.JobExecution, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, nil
}

// MarkJobRunning performs the pending->running transition. The status guard
// in the WHERE clause is what makes the claim atomic: zero rows affected
// means the job already left pending.
func (s *Store) MarkJobRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobRunning), fmtTime(at), fmtTime(at), id.String(), string(domain.JobPending))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// JobResult carries the fields recorded when a running job reaches a
// terminal state.
type JobResult struct {
	Status      domain.JobStatus // success | failed | cancelled
	CompletedAt time.Time
	Duration    time.Duration
	Error       string
	Output      json.RawMessage
	Summary     string
	TokensIn    int64
	TokensOut   int64
	Provider    string
	Model       string
	Cost        float64
}

// FinishJob performs the running->terminal transition.
func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, r JobResult) error {
	if !domain.JobRunning.CanTransition(r.Status) {
		return fmt.Errorf("%w: running -> %s", domain.ErrInvalidState, r.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = ?, completed_at = ?, duration_ms = ?, error = ?,
			output = ?, summary = ?, tokens_in = ?, tokens_out = ?, provider = ?, model = ?, cost = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(r.Status), fmtTime(r.CompletedAt), r.Duration.Milliseconds(), r.Error,
		rawOrEmpty(r.Output), r.Summary, r.TokensIn, r.TokensOut, r.Provider, r.Model, r.Cost,
		fmtTime(r.CompletedAt), id.String(), string(domain.JobRunning))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// SkipJob performs the pending->skipped transition (budget denial, rejected
// or expired approval, deactivated schedule).
func (s *Store) SkipJob(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = ?, completed_at = ?, summary = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobSkipped), fmtTime(at), reason, fmtTime(at), id.String(), string(domain.JobPending))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// JobsInStatus returns every job in the given status, oldest first. Used by
// startup recovery.
func (s *Store) JobsInStatus(ctx context.Context, status domain.JobStatus) ([]*domain.JobExecution, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM job_executions WHERE status = ? ORDER BY scheduled_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.JobExecution, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
