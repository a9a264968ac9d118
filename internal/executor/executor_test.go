package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentops/internal/approval"
	"agentops/internal/budget"
	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

type harness struct {
	svc    *Service
	store  *storage.Store
	gate   *approval.Gate
	ledger *budget.Ledger
	bus    eventbus.Bus
	reg    *Registry
	now    time.Time
	mu     sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, cfg Config, dailyCap float64) *harness {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store: store,
		bus:   eventbus.New(),
		reg:   NewRegistry(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ledger = budget.NewLedger(store, h.bus, logx.Nop(), func() (float64, domain.Enforcement) {
		return dailyCap, domain.EnforceHard
	})
	h.ledger.SetNow(h.clock)
	h.gate = approval.NewGate(store, h.bus, logx.Nop(), func() time.Duration { return time.Hour })
	h.gate.SetNow(h.clock)

	h.svc = New(cfg, store, h.ledger, h.gate, h.reg, h.bus, logx.Nop())
	h.svc.SetNow(h.clock)
	return h
}

// collectFinished gathers job.finished events published so far.
func collectFinished(ch <-chan eventbus.Event) []eventbus.JobFinishedEvent {
	var out []eventbus.JobFinishedEvent
	for {
		select {
		case e := <-ch:
			if e.Type == eventbus.TopicJobFinished {
				if ev, ok := e.Data.(eventbus.JobFinishedEvent); ok {
					out = append(out, ev)
				}
			}
		default:
			return out
		}
	}
}

func TestRunJobSuccessCommitsCost(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionInboxSweep, 0.02, func(ctx context.Context, input json.RawMessage) (Result, error) {
		return Result{
			Summary: "swept", TokensIn: 100, TokensOut: 40,
			Provider: "openai", Model: "gpt-4o-mini", Cost: 0.0123,
		}, nil
	}))
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionInboxSweep})
	require.NoError(t, err)

	h.svc.runJob(ctx, job.ID)

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSuccess, got.Status)
	require.Equal(t, "swept", got.Summary)
	require.EqualValues(t, 100, got.TokensIn)
	require.Equal(t, "gpt-4o-mini", got.Model)
	require.InDelta(t, 0.0123, got.Cost, 1e-9)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	period, _, err := h.ledger.Usage(ctx, agent)
	require.NoError(t, err)
	require.InDelta(t, 0.0123, period.Used, 1e-9, "real cost reconciled into the ledger")

	finished := collectFinished(events)
	require.Len(t, finished, 1)
	require.True(t, finished[0].Final)
	require.Equal(t, domain.JobSuccess, finished[0].Status)
}

func TestFailureRetriesToCeilingWithOneFinalEvent(t *testing.T) {
	h := newHarness(t, Config{RetryCeiling: 3}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionDataEnrich, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		return Result{}, errors.New("upstream 500")
	}))
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionDataEnrich})
	require.NoError(t, err)

	// Drive every attempt, including the requeued ones.
	h.svc.runJob(ctx, job.ID)
	for i := 0; i < 2; i++ {
		pending, err := h.store.JobsInStatus(ctx, domain.JobPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, i+1, pending[0].RetryCount, "each retry is a fresh row with an incremented count")
		require.NotEqual(t, job.ID, pending[0].ID)
		h.svc.runJob(ctx, pending[0].ID)
	}

	pending, err := h.store.JobsInStatus(ctx, domain.JobPending)
	require.NoError(t, err)
	require.Empty(t, pending, "the ceiling stops the chain")

	jobs, total, err := h.store.ListJobs(ctx, agent, storage.JobFilter{Status: domain.JobFailed})
	require.NoError(t, err)
	require.Equal(t, 3, total, "three attempts, three rows")
	for _, j := range jobs {
		require.Equal(t, "upstream 500", j.Error)
	}

	finished := collectFinished(events)
	require.Len(t, finished, 3)
	finals := 0
	for _, ev := range finished {
		if ev.Final {
			finals++
			require.Equal(t, 2, ev.RetryCount)
		}
	}
	require.Equal(t, 1, finals, "only the last attempt is final")
}

func TestTimeoutFailsAttempt(t *testing.T) {
	h := newHarness(t, Config{Timeout: 30 * time.Millisecond, RetryCeiling: 1}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionDataEnrich, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionDataEnrich})
	require.NoError(t, err)
	h.svc.runJob(ctx, job.ID)

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.True(t, strings.Contains(got.Error, "timed out") || strings.Contains(got.Error, "timeout"),
		"error should name the timeout, got %q", got.Error)
}

func TestBudgetDenialSkips(t *testing.T) {
	h := newHarness(t, Config{}, 1.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionDataEnrich, 0.5, func(ctx context.Context, input json.RawMessage) (Result, error) {
		t.Fatal("handler must not run on a denied budget")
		return Result{}, nil
	}))
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	agent := uuid.New()
	require.NoError(t, h.ledger.Commit(ctx, agent, 0.9))

	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionDataEnrich})
	require.NoError(t, err)
	h.svc.runJob(ctx, job.ID)

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, got.Status)
	require.Equal(t, "daily budget exceeded", got.Summary)

	finished := collectFinished(events)
	require.Len(t, finished, 1)
	require.Equal(t, domain.JobSkipped, finished[0].Status)
	require.True(t, finished[0].Final)
}

func TestApprovalGateParksThenRuns(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	ran := false
	require.NoError(t, h.reg.Register(domain.ActionContentPost, 0.05, func(ctx context.Context, input json.RawMessage) (Result, error) {
		ran = true
		return Result{Summary: "posted"}, nil
	}))

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionContentPost})
	require.NoError(t, err)

	// First pass: approval is created pending and the job parks.
	h.svc.runJob(ctx, job.ID)
	require.False(t, ran)

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, got.Status, "a parked job stays pending")

	a, err := h.store.GetApprovalByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, a.Status)
	parked, ok := h.svc.parked.take(a.ID)
	require.True(t, ok)
	require.Equal(t, job.ID, parked.jobID)

	// Decide, then re-drive the woken job.
	_, err = h.gate.Approve(ctx, agent, a.ID, "ops")
	require.NoError(t, err)
	h.svc.runJob(ctx, job.ID)

	require.True(t, ran)
	got, err = h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSuccess, got.Status)
}

func TestApprovalRejectionSkips(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionContentPost, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		t.Fatal("handler must not run after rejection")
		return Result{}, nil
	}))

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionContentPost})
	require.NoError(t, err)
	h.svc.runJob(ctx, job.ID) // parks

	a, err := h.store.GetApprovalByJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.gate.Reject(ctx, agent, a.ID, "ops", "not like this")
	require.NoError(t, err)

	h.svc.runJob(ctx, job.ID)
	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, got.Status)
	require.Equal(t, "approval rejected", got.Summary)
}

func TestApprovalExpirySkips(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionContentPost, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		t.Fatal("handler must not run on an expired approval")
		return Result{}, nil
	}))

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionContentPost})
	require.NoError(t, err)
	h.svc.runJob(ctx, job.ID) // parks, TTL 1h

	h.advance(2 * time.Hour)

	expired := h.svc.parked.expired(h.clock())
	require.Len(t, expired, 1, "the sweep finds the lapsed approval")

	h.svc.runJob(ctx, job.ID)
	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, got.Status)
	require.Equal(t, "approval expired", got.Summary)
}

func TestCancelScheduleSkipsPending(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionInboxSweep, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		t.Fatal("handler must not run for a cancelled schedule")
		return Result{}, nil
	}))

	agent := uuid.New()
	sid := uuid.New()
	job, err := h.svc.Submit(ctx, Request{ScheduleID: &sid, AgentID: agent, Action: domain.ActionInboxSweep})
	require.NoError(t, err)

	h.svc.CancelSchedule(sid)
	h.svc.runJob(ctx, job.ID)

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSkipped, got.Status)
	require.Equal(t, "schedule deactivated", got.Summary)
}

func TestCancelScheduleCancelsRunning(t *testing.T) {
	h := newHarness(t, Config{Timeout: 5 * time.Second, RetryCeiling: 1}, 10.0)
	ctx := context.Background()
	started := make(chan struct{})
	require.NoError(t, h.reg.Register(domain.ActionInboxSweep, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	agent := uuid.New()
	sid := uuid.New()
	job, err := h.svc.Submit(ctx, Request{ScheduleID: &sid, AgentID: agent, Action: domain.ActionInboxSweep})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.svc.runJob(ctx, job.ID)
		close(done)
	}()

	<-started
	h.svc.CancelSchedule(sid)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runJob did not return after cancellation")
	}

	got, err := h.store.GetJob(ctx, agent, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, got.Status)
}

func TestDoubleEnqueueIsHarmless(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	runs := 0
	require.NoError(t, h.reg.Register(domain.ActionInboxSweep, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		runs++
		return Result{}, nil
	}))

	agent := uuid.New()
	job, err := h.svc.Submit(ctx, Request{AgentID: agent, Action: domain.ActionInboxSweep})
	require.NoError(t, err)

	h.svc.runJob(ctx, job.ID)
	h.svc.runJob(ctx, job.ID)
	require.Equal(t, 1, runs, "the pending->running guard makes re-delivery a no-op")
}

func TestRecoveryFailsStuckAndRequeuesPending(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(domain.ActionInboxSweep, 0, func(ctx context.Context, input json.RawMessage) (Result, error) {
		return Result{}, nil
	}))

	agent := uuid.New()
	now := h.clock()
	startedAt := now.Add(-10 * time.Minute)
	stuck := &domain.JobExecution{
		ID: uuid.New(), AgentID: agent, Action: domain.ActionInboxSweep,
		Status: domain.JobRunning, ScheduledAt: startedAt, StartedAt: &startedAt,
		CreatedAt: startedAt, UpdatedAt: startedAt,
	}
	require.NoError(t, h.store.CreateJob(ctx, stuck))
	waiting := &domain.JobExecution{
		ID: uuid.New(), AgentID: agent, Action: domain.ActionInboxSweep,
		Status: domain.JobPending, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateJob(ctx, waiting))

	require.NoError(t, h.svc.recover(ctx))

	got, err := h.store.GetJob(ctx, agent, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, "interrupted by restart", got.Error)

	select {
	case id := <-h.svc.queue:
		require.Equal(t, waiting.ID, id)
	default:
		t.Fatal("pending job was not requeued")
	}
}

func TestSubmitRejectsUnknownAction(t *testing.T) {
	h := newHarness(t, Config{}, 10.0)
	_, err := h.svc.Submit(context.Background(), Request{AgentID: uuid.New(), Action: "mine_bitcoin"})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Valid kind but no registered handler is rejected too.
	_, err = h.svc.Submit(context.Background(), Request{AgentID: uuid.New(), Action: domain.ActionDailyDigest})
	require.ErrorIs(t, err, domain.ErrValidation)
}
