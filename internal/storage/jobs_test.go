package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentops/internal/domain"
	"agentops/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, agent uuid.UUID, status domain.JobStatus) *domain.JobExecution {
	t.Helper()
	now := time.Now().UTC()
	j := &domain.JobExecution{
		ID: uuid.New(), AgentID: agent, Action: domain.ActionInboxSweep,
		Status: status, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestMarkJobRunningGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := uuid.New()
	j := seedJob(t, s, agent, domain.JobPending)
	now := time.Now().UTC()

	require.NoError(t, s.MarkJobRunning(ctx, j.ID, now))

	// A second claim loses: the row already left pending.
	err := s.MarkJobRunning(ctx, j.ID, now)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := s.GetJob(ctx, agent, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestFinishJobRejectsIllegalTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := uuid.New()
	now := time.Now().UTC()

	j := seedJob(t, s, agent, domain.JobPending)
	// running -> skipped is not a legal move.
	err := s.FinishJob(ctx, j.ID, JobResult{Status: domain.JobSkipped, CompletedAt: now})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// Finishing a job that never started is refused by the WHERE guard.
	err = s.FinishJob(ctx, j.ID, JobResult{Status: domain.JobSuccess, CompletedAt: now})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, s.MarkJobRunning(ctx, j.ID, now))
	require.NoError(t, s.FinishJob(ctx, j.ID, JobResult{
		Status: domain.JobSuccess, CompletedAt: now, Duration: 1500 * time.Millisecond,
		Summary: "done", TokensIn: 10, TokensOut: 5, Cost: 0.01,
	}))

	// Terminal rows are immutable.
	err = s.FinishJob(ctx, j.ID, JobResult{Status: domain.JobFailed, CompletedAt: now})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	err = s.SkipJob(ctx, j.ID, "late skip", now)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := s.GetJob(ctx, agent, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSuccess, got.Status)
	require.Equal(t, 1500*time.Millisecond, got.Duration)
}

func TestGetJobIsAgentScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()
	j := seedJob(t, s, owner, domain.JobPending)

	_, err := s.GetJob(ctx, uuid.New(), j.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "another agent's job reads as missing")

	got, err := s.GetJob(ctx, owner, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
}

func TestListJobsFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := uuid.New()

	for i := 0; i < 5; i++ {
		seedJob(t, s, agent, domain.JobPending)
	}
	done := seedJob(t, s, agent, domain.JobSuccess)
	seedJob(t, s, uuid.New(), domain.JobPending) // other agent, must not leak

	jobs, total, err := s.ListJobs(ctx, agent, JobFilter{Status: domain.JobSuccess})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, done.ID, jobs[0].ID)

	jobs, total, err = s.ListJobs(ctx, agent, JobFilter{Page: 2, PageSize: 4})
	require.NoError(t, err)
	require.Equal(t, 6, total)
	require.Len(t, jobs, 2)
}
