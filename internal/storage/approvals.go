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

type approvalRow struct {
	ID        string         `db:"id"`
	AgentID   string         `db:"agent_id"`
	JobID     sql.NullString `db:"job_id"`
	Action    string         `db:"action_type"`
	Payload   string         `db:"payload"`
	Status    string         `db:"status"`
	DecidedBy string         `db:"decided_by"`
	Reason    string         `db:"reason"`
	CreatedAt string         `db:"created_at"`
	ExpiresAt sql.NullString `db:"expires_at"`
	DecidedAt sql.NullString `db:"decided_at"`
}

func (r approvalRow) toDomain() (*domain.Approval, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("approval %s: bad id: %w", r.ID, err)
	}
	agentID, err := uuid.Parse(r.AgentID)
	if err != nil {
		return nil, fmt.Errorf("approval %s: bad agent id: %w", r.ID, err)
	}
	var jobID *uuid.UUID
	if r.JobID.Valid && r.JobID.String != "" {
		jid, err := uuid.Parse(r.JobID.String)
		if err != nil {
			return nil, fmt.Errorf("approval %s: bad job id: %w", r.ID, err)
		}
		jobID = &jid
	}
	return &domain.Approval{
		ID:        id,
		AgentID:   agentID,
		JobID:     jobID,
		Action:    domain.ActionType(r.Action),
		Payload:   json.RawMessage(r.Payload),
		Status:    domain.ApprovalStatus(r.Status),
		DecidedBy: r.DecidedBy,
		Reason:    r.Reason,
		CreatedAt: parseTime(r.CreatedAt),
		ExpiresAt: parseTimePtr(r.ExpiresAt),
		DecidedAt: parseTimePtr(r.DecidedAt),
	}, nil
}

func (s *Store) CreateApproval(ctx context.Context, a *domain.Approval) error {
	var jobID any
	if a.JobID != nil {
		jobID = a.JobID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, agent_id, job_id, action_type, payload, status, decided_by, reason, created_at, expires_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.AgentID.String(), jobID, string(a.Action), rawOrEmpty(a.Payload),
		string(a.Status), a.DecidedBy, a.Reason, fmtTime(a.CreatedAt),
		fmtTimePtr(a.ExpiresAt), fmtTimePtr(a.DecidedAt),
	)
	return err
}

func (s *Store) GetApproval(ctx context.Context, agentID, id uuid.UUID) (*domain.Approval, error) {
	var r approvalRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM approvals WHERE id = ? AND agent_id = ?`, id.String(), agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

// GetApprovalByJob returns the approval bound to a job, or ErrNotFound.
func (s *Store) GetApprovalByJob(ctx context.Context, jobID uuid.UUID) (*domain.Approval, error) {
	var r approvalRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM approvals WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`, jobID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

func (s *Store) ListApprovals(ctx context.Context, agentID uuid.UUID, status domain.ApprovalStatus) ([]*domain.Approval, error) {
	q := `SELECT * FROM approvals WHERE agent_id = ?`
	args := []any{agentID.String()}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	var rows []approvalRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Approval, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DecideApproval records an approve/reject decision. The WHERE clause
// enforces both the pending guard and the not-yet-expired guard so a
// decision racing another decision (or expiry) loses cleanly with
// ErrInvalidState.
func (s *Store) DecideApproval(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy, reason string, now time.Time) error {
	if status != domain.ApprovalApproved && status != domain.ApprovalRejected {
		return fmt.Errorf("%w: decision must be approved or rejected", domain.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = ?, reason = ?, decided_at = ?
		WHERE id = ? AND status = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		string(status), decidedBy, reason, fmtTime(now),
		id.String(), string(domain.ApprovalPending), fmtTime(now))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidState
	}
	return nil
}
