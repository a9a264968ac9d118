package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

func newTestLedger(t *testing.T, dailyCap float64, mode domain.Enforcement) (*Ledger, *storage.Store, eventbus.Bus) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	l := NewLedger(store, bus, logx.Nop(), func() (float64, domain.Enforcement) { return dailyCap, mode })
	l.SetNow(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return l, store, bus
}

func collect(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(64)
}

func drainTopics(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestReserveNeverMutates(t *testing.T) {
	l, _, _ := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	for i := 0; i < 5; i++ {
		res, err := l.Reserve(ctx, agent, 0.9)
		require.NoError(t, err)
		require.Equal(t, Allow, res.Decision)
	}
	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.Zero(t, period.Used, "reserve is a read, only commit mutates")
}

func TestHardReserveDenies(t *testing.T) {
	l, _, bus := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()
	events, unsub := collect(bus)
	defer unsub()

	require.NoError(t, l.Commit(ctx, agent, 0.8))

	res, err := l.Reserve(ctx, agent, 0.5)
	require.NoError(t, err)
	require.Equal(t, Deny, res.Decision)
	require.Equal(t, 100, res.Threshold)

	topics := drainTopics(events)
	require.Contains(t, topics, eventbus.TopicBudgetDenied)
}

func TestHardCommitRefusesOverage(t *testing.T) {
	l, _, _ := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, l.Commit(ctx, agent, 0.9))
	err := l.Commit(ctx, agent, 0.2)
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)

	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.InDelta(t, 0.9, period.Used, 1e-9, "hard mode never records used > cap")
}

func TestSoftCommitRecordsOverage(t *testing.T) {
	l, _, bus := newTestLedger(t, 1.0, domain.EnforceSoft)
	ctx := context.Background()
	agent := uuid.New()
	events, unsub := collect(bus)
	defer unsub()

	require.NoError(t, l.Commit(ctx, agent, 0.9))
	require.NoError(t, l.Commit(ctx, agent, 0.4))

	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.InDelta(t, 1.3, period.Used, 1e-9)

	topics := drainTopics(events)
	require.Contains(t, topics, eventbus.TopicBudgetExceeded, "overage still alerts")
}

func TestThresholdCrossingFiresOnce(t *testing.T) {
	l, _, bus := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()
	events, unsub := collect(bus)
	defer unsub()

	require.NoError(t, l.Commit(ctx, agent, 0.5)) // 50%
	require.NoError(t, l.Commit(ctx, agent, 0.35)) // crosses 80%
	require.NoError(t, l.Commit(ctx, agent, 0.05)) // 90%, no new crossing

	warnings := 0
	for _, topic := range drainTopics(events) {
		if topic == eventbus.TopicBudgetThreshold {
			warnings++
		}
	}
	require.Equal(t, 1, warnings, "the 80 percent boundary alerts once per crossing")
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	l, _, _ := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Commit(ctx, agent, 0.6)
		}(i)
	}
	wg.Wait()

	// Exactly one of two $0.60 commits fits a $1.00 cap.
	var ok, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, domain.ErrBudgetExceeded)
			refused++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, refused)

	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.InDelta(t, 0.6, period.Used, 1e-9)
}

func TestPerAgentSettingsOverrideDefaults(t *testing.T) {
	l, _, _ := newTestLedger(t, 10.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, l.PutSettings(ctx, &domain.BudgetSettings{
		AgentID: agent, DailyCap: 0.5, Enforcement: domain.EnforceSoft,
	}))

	gotCap, mode, err := l.Settings(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, 0.5, gotCap)
	require.Equal(t, domain.EnforceSoft, mode)

	// Another agent still sees the configured defaults.
	gotCap, mode, err = l.Settings(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, 10.0, gotCap)
	require.Equal(t, domain.EnforceHard, mode)
}

func TestResetZeroesCurrentPeriodOnly(t *testing.T) {
	l, store, _ := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, l.Commit(ctx, agent, 0.7))
	require.NoError(t, l.Reset(ctx, agent))

	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.Zero(t, period.Used)

	// The period row survives the reset.
	_, err = store.GetBudgetPeriod(ctx, agent, "2025-06-01")
	require.NoError(t, err)
}

func TestPeriodRollsOverAtUTCMidnight(t *testing.T) {
	l, _, _ := newTestLedger(t, 1.0, domain.EnforceHard)
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, l.Commit(ctx, agent, 0.9))

	// Next UTC day: spend starts from zero without any reset job.
	l.SetNow(func() time.Time { return time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC) })
	period, _, err := l.Usage(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, "2025-06-02", period.PeriodKey)
	require.Zero(t, period.Used)

	res, err := l.Reserve(ctx, agent, 0.9)
	require.NoError(t, err)
	require.Equal(t, Allow, res.Decision)
}
