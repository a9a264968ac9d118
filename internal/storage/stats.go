package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

// StatusCount is one (status, count) pair from the job history.
type StatusCount struct {
	Status string `db:"status"`
	Count  int    `db:"count"`
}

// ActionCount aggregates one action type's history.
type ActionCount struct {
	Action  string `db:"action_type"`
	Count   int    `db:"count"`
	Success int    `db:"success"`
}

// HourCount is one hour bucket of terminal jobs.
type HourCount struct {
	Hour  string `db:"hour"` // "2006-01-02T15" UTC
	Count int    `db:"count"`
}

// JobTotals carries sum/average aggregates over an agent's job history.
type JobTotals struct {
	TokensIn      int64   `db:"tokens_in"`
	TokensOut     int64   `db:"tokens_out"`
	Cost          float64 `db:"cost"`
	AvgDurationMS float64 `db:"avg_duration_ms"`
}

func (s *Store) JobStatusCounts(ctx context.Context, agentID uuid.UUID) ([]StatusCount, error) {
	var out []StatusCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT status, COUNT(*) AS count FROM job_executions
		WHERE agent_id = ? GROUP BY status`, agentID.String())
	return out, err
}

func (s *Store) JobActionCounts(ctx context.Context, agentID uuid.UUID) ([]ActionCount, error) {
	var out []ActionCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT action_type,
		       COUNT(*) AS count,
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS success
		FROM job_executions
		WHERE agent_id = ? GROUP BY action_type`,
		string(domain.JobSuccess), agentID.String())
	return out, err
}

// JobTotalsFor sums tokens and cost and averages duration over completed
// (terminal) jobs.
func (s *Store) JobTotalsFor(ctx context.Context, agentID uuid.UUID) (JobTotals, error) {
	var out JobTotals
	err := s.db.GetContext(ctx, &out, `
		SELECT COALESCE(SUM(tokens_in), 0) AS tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS tokens_out,
		       COALESCE(SUM(cost), 0) AS cost,
		       COALESCE(AVG(CASE WHEN status IN (?, ?) THEN duration_ms END), 0) AS avg_duration_ms
		FROM job_executions WHERE agent_id = ?`,
		string(domain.JobSuccess), string(domain.JobFailed), agentID.String())
	return out, err
}

// HourlyActivity buckets jobs scheduled in [since, now) by UTC hour.
func (s *Store) HourlyActivity(ctx context.Context, agentID uuid.UUID, since time.Time) ([]HourCount, error) {
	var out []HourCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT substr(scheduled_at, 1, 13) AS hour, COUNT(*) AS count
		FROM job_executions
		WHERE agent_id = ? AND scheduled_at >= ?
		GROUP BY hour ORDER BY hour ASC`,
		agentID.String(), fmtTime(since))
	return out, err
}
