package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentops/internal/domain"
	"agentops/internal/executor"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []executor.Request
	cancelled []uuid.UUID
	resumed   []uuid.UUID
}

func (f *fakeRunner) Submit(ctx context.Context, req executor.Request) (*domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return &domain.JobExecution{ID: uuid.New(), AgentID: req.AgentID, Action: req.Action, Status: domain.JobPending}, nil
}

func (f *fakeRunner) CancelSchedule(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeRunner) ResumeSchedule(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func newTestSource(t *testing.T) (*Source, *fakeRunner, *storage.Store, *time.Time) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := &fakeRunner{}
	src := NewSource(store, runner, logx.Nop(), time.Second)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	src.SetNow(func() time.Time { return now })
	return src, runner, store, &now
}

func TestIntervalScheduleFiresOncePerDue(t *testing.T) {
	src, runner, store, now := newTestSource(t)
	ctx := context.Background()
	agent := uuid.New()

	sc := &domain.Schedule{AgentID: agent, Name: "sweep", Kind: domain.ScheduleInterval, Spec: "30m", Action: domain.ActionInboxSweep}
	require.NoError(t, src.Create(ctx, sc))
	require.NotNil(t, sc.NextRunAt)
	require.Equal(t, now.Add(30*time.Minute), sc.NextRunAt.UTC())

	src.Tick(ctx)
	require.Equal(t, 0, runner.count(), "not due yet")

	*now = now.Add(31 * time.Minute)
	src.Tick(ctx)
	require.Equal(t, 1, runner.count())

	// A stall of 61 minutes spans two periods but produces a single firing.
	*now = now.Add(61 * time.Minute)
	src.Tick(ctx)
	require.Equal(t, 2, runner.count())

	got, err := store.GetSchedule(ctx, agent, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	require.Equal(t, now.Add(30*time.Minute), got.NextRunAt.UTC(), "cadence advances from now, not from the missed slot")

	// Immediately re-ticking does not double fire.
	src.Tick(ctx)
	require.Equal(t, 2, runner.count())
}

func TestOnceScheduleDeactivatesAfterFiring(t *testing.T) {
	src, runner, store, now := newTestSource(t)
	ctx := context.Background()
	agent := uuid.New()

	at := now.Add(10 * time.Minute)
	sc := &domain.Schedule{AgentID: agent, Name: "kickoff", Kind: domain.ScheduleOnce, Spec: at.Format(time.RFC3339), Action: domain.ActionDailyDigest}
	require.NoError(t, src.Create(ctx, sc))

	*now = at.Add(time.Second)
	src.Tick(ctx)
	require.Equal(t, 1, runner.count())

	got, err := store.GetSchedule(ctx, agent, sc.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.Nil(t, got.NextRunAt)

	src.Tick(ctx)
	require.Equal(t, 1, runner.count(), "once means once")
}

func TestCreateOnceInPastRejected(t *testing.T) {
	src, _, _, now := newTestSource(t)
	sc := &domain.Schedule{
		AgentID: uuid.New(), Name: "stale", Kind: domain.ScheduleOnce,
		Spec: now.Add(-time.Hour).Format(time.RFC3339), Action: domain.ActionDailyDigest,
	}
	err := src.Create(context.Background(), sc)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestEventScheduleFiresOnlyOnKey(t *testing.T) {
	src, runner, _, _ := newTestSource(t)
	ctx := context.Background()
	agent := uuid.New()

	sc := &domain.Schedule{
		AgentID: agent, Name: "on lead", Kind: domain.ScheduleEvent, Spec: "lead.created",
		Action: domain.ActionLeadFollowUp, Input: json.RawMessage(`{"leadId":"default"}`),
	}
	require.NoError(t, src.Create(ctx, sc))
	require.Nil(t, sc.NextRunAt, "event schedules have no next run")

	src.Tick(ctx)
	require.Equal(t, 0, runner.count(), "event schedules never self-fire")

	fired, err := src.FireEvent(ctx, "other.key", nil)
	require.NoError(t, err)
	require.Equal(t, 0, fired)

	fired, err = src.FireEvent(ctx, "lead.created", json.RawMessage(`{"leadId":"42"}`))
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	require.Equal(t, 1, runner.count())
	require.JSONEq(t, `{"leadId":"42"}`, string(runner.submitted[0].Input), "payload replaces stored input")
}

func TestSetActivePropagatesToRunner(t *testing.T) {
	src, runner, _, _ := newTestSource(t)
	ctx := context.Background()
	agent := uuid.New()

	sc := &domain.Schedule{AgentID: agent, Name: "sweep", Kind: domain.ScheduleInterval, Spec: "5m", Action: domain.ActionInboxSweep}
	require.NoError(t, src.Create(ctx, sc))

	require.NoError(t, src.SetActive(ctx, agent, sc.ID, false))
	require.Equal(t, []uuid.UUID{sc.ID}, runner.cancelled)

	require.NoError(t, src.SetActive(ctx, agent, sc.ID, true))
	require.Equal(t, []uuid.UUID{sc.ID}, runner.resumed)

	// Unknown schedule is NotFound and does not reach the runner.
	err := src.SetActive(ctx, agent, uuid.New(), false)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, runner.cancelled, 1)
}

func TestTriggerNowDoesNotAdvanceCadence(t *testing.T) {
	src, runner, store, _ := newTestSource(t)
	ctx := context.Background()
	agent := uuid.New()

	sc := &domain.Schedule{AgentID: agent, Name: "post", Kind: domain.ScheduleInterval, Spec: "1h", Action: domain.ActionContentPost}
	require.NoError(t, src.Create(ctx, sc))
	before, err := store.GetSchedule(ctx, agent, sc.ID)
	require.NoError(t, err)

	job, err := src.TriggerNow(ctx, agent, sc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ActionContentPost, job.Action)
	require.Equal(t, 1, runner.count())

	after, err := store.GetSchedule(ctx, agent, sc.ID)
	require.NoError(t, err)
	require.Equal(t, before.NextRunAt.UTC(), after.NextRunAt.UTC())
}
