package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *storage.Store, *time.Time) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := NewGate(store, eventbus.New(), logx.Nop(), func() time.Duration { return ttl })
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetNow(func() time.Time { return now })
	return g, store, &now
}

func seedJob(t *testing.T, store *storage.Store, agent uuid.UUID) *domain.JobExecution {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := &domain.JobExecution{
		ID: uuid.New(), AgentID: agent, Action: domain.ActionContentPost,
		Status: domain.JobPending, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateJob(context.Background(), j))
	return j
}

func TestEnsureCreatesPendingOnce(t *testing.T) {
	g, store, _ := newTestGate(t, 24*time.Hour)
	ctx := context.Background()
	agent := uuid.New()
	job := seedJob(t, store, agent)

	a, err := g.Ensure(ctx, job)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, a.Status)
	require.NotNil(t, a.ExpiresAt)
	require.Equal(t, a.CreatedAt.Add(24*time.Hour), a.ExpiresAt.UTC())

	// A second Ensure for the same job returns the same approval.
	again, err := g.Ensure(ctx, job)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)
}

func TestApproveThenRejectConflicts(t *testing.T) {
	g, store, _ := newTestGate(t, 24*time.Hour)
	ctx := context.Background()
	agent := uuid.New()
	a, err := g.Ensure(ctx, seedJob(t, store, agent))
	require.NoError(t, err)

	decided, err := g.Approve(ctx, agent, a.ID, "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, decided.Status)
	require.Equal(t, "ops@example.com", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	// Decisions are single-shot in either direction.
	_, err = g.Reject(ctx, agent, a.ID, "ops@example.com", "changed my mind")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = g.Approve(ctx, agent, a.ID, "ops@example.com")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDecisionAfterExpiryRejected(t *testing.T) {
	g, store, now := newTestGate(t, time.Hour)
	ctx := context.Background()
	agent := uuid.New()
	a, err := g.Ensure(ctx, seedJob(t, store, agent))
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	_, err = g.Approve(ctx, agent, a.ID, "ops@example.com")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// The stored row is still pending; expiry is a read-time view.
	stored, err := store.GetApproval(ctx, agent, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, stored.Status)
	require.Equal(t, domain.ApprovalExpired, stored.Effective(*now))
}

func TestListComputesDisplayStatus(t *testing.T) {
	g, store, now := newTestGate(t, time.Hour)
	ctx := context.Background()
	agent := uuid.New()

	fresh, err := g.Ensure(ctx, seedJob(t, store, agent))
	require.NoError(t, err)
	stale, err := g.Ensure(ctx, seedJob(t, store, agent))
	require.NoError(t, err)

	_, err = g.Approve(ctx, agent, fresh.ID, "ops")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)

	expired, err := g.List(ctx, agent, domain.ApprovalExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)
	require.Equal(t, domain.ApprovalExpired, expired[0].Status)

	pending, err := g.List(ctx, agent, domain.ApprovalPending)
	require.NoError(t, err)
	require.Empty(t, pending, "an expired row no longer lists as pending")

	approved, err := g.List(ctx, agent, domain.ApprovalApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
}

func TestAgentScoping(t *testing.T) {
	g, store, _ := newTestGate(t, time.Hour)
	ctx := context.Background()
	owner := uuid.New()
	a, err := g.Ensure(ctx, seedJob(t, store, owner))
	require.NoError(t, err)

	_, err = g.Approve(ctx, uuid.New(), a.ID, "intruder")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConsumableTracksDecision(t *testing.T) {
	g, store, now := newTestGate(t, time.Hour)
	ctx := context.Background()
	agent := uuid.New()
	job := seedJob(t, store, agent)
	a, err := g.Ensure(ctx, job)
	require.NoError(t, err)

	st, _, err := g.Consumable(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, st)

	_, err = g.Approve(ctx, agent, a.ID, "ops")
	require.NoError(t, err)

	st, _, err = g.Consumable(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, st)

	// Approved never expires, even long after the window.
	*now = now.Add(48 * time.Hour)
	st, _, err = g.Consumable(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, st)
}
