package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

// Decision is the outcome of a reservation check.
type Decision int

const (
	Allow Decision = iota
	AllowWithWarning
	Deny
)

// Reservation carries the decision plus the threshold crossed (80 or 100,
// 0 if none) and the figures it was based on.
type Reservation struct {
	Decision  Decision
	Threshold int
	Used      float64
	Cap       float64
}

// Defaults supplies the fallback cap/enforcement for agents without a
// budget_settings row. Read through a func so config hot-reload applies.
type Defaults func() (dailyCap float64, mode domain.Enforcement)

// Ledger tracks per-agent daily spend. All mutation of a given agent's
// period goes through that agent's mutex, so concurrent completions
// serialize and commits are never lost. Cross-agent operations are fully
// independent.
type Ledger struct {
	store    *storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	defaults Defaults
	now      func() time.Time

	mu     sync.Mutex
	agents map[uuid.UUID]*sync.Mutex
}

func NewLedger(store *storage.Store, bus eventbus.Bus, log logx.Logger, defaults Defaults) *Ledger {
	return &Ledger{
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "budget")),
		defaults: defaults,
		now:      time.Now,
		agents:   map[uuid.UUID]*sync.Mutex{},
	}
}

// SetNow overrides the clock. Test hook.
func (l *Ledger) SetNow(now func() time.Time) { l.now = now }

func (l *Ledger) agentLock(agentID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.agents[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.agents[agentID] = m
	}
	return m
}

// Settings returns the effective daily cap and enforcement for an agent.
func (l *Ledger) Settings(ctx context.Context, agentID uuid.UUID) (float64, domain.Enforcement, error) {
	s, err := l.store.GetBudgetSettings(ctx, agentID)
	if err == nil {
		return s.DailyCap, s.Enforcement, nil
	}
	if err != domain.ErrNotFound {
		return 0, "", err
	}
	dailyCap, mode := l.defaults()
	return dailyCap, mode, nil
}

// PutSettings stores per-agent cap and enforcement. Takes effect on the
// next reserve/commit; mid-period cap changes re-evaluate against already
// accumulated spend.
func (l *Ledger) PutSettings(ctx context.Context, s *domain.BudgetSettings) error {
	m := l.agentLock(s.AgentID)
	m.Lock()
	defer m.Unlock()
	s.UpdatedAt = l.now()
	return l.store.PutBudgetSettings(ctx, s)
}

// Reserve checks whether an estimated cost fits the current period. It
// never mutates state: the estimate is provisional and the real figure is
// reconciled by Commit.
func (l *Ledger) Reserve(ctx context.Context, agentID uuid.UUID, estimated float64) (Reservation, error) {
	if estimated < 0 {
		return Reservation{}, fmt.Errorf("%w: estimated cost must be >= 0", domain.ErrValidation)
	}
	m := l.agentLock(agentID)
	m.Lock()
	defer m.Unlock()

	dailyCap, mode, err := l.Settings(ctx, agentID)
	if err != nil {
		return Reservation{}, err
	}
	now := l.now()
	period, err := l.store.EnsureBudgetPeriod(ctx, agentID, domain.PeriodKey(now), dailyCap, now)
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{Decision: Allow, Used: period.Used, Cap: dailyCap}
	after := period.Used + estimated

	if mode == domain.EnforceHard && after > dailyCap {
		res.Decision = Deny
		res.Threshold = 100
		l.publish(eventbus.TopicBudgetDenied, agentID, period.PeriodKey, 100, period.Used, dailyCap, estimated)
		return res, nil
	}
	if t := thresholdCrossed(period.Used, after, dailyCap); t != 0 {
		res.Decision = AllowWithWarning
		res.Threshold = t
	}
	return res, nil
}

// Commit reconciles the real cost into the period. It is the only mutator
// of used. In hard mode a commit that would push used past the cap is
// refused with ErrBudgetExceeded (the invariant used <= cap holds); in
// soft mode the overage commits but publishes a budget-exceeded event so
// every unit of overage has a notification behind it.
func (l *Ledger) Commit(ctx context.Context, agentID uuid.UUID, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("%w: cost must be >= 0", domain.ErrValidation)
	}
	if cost == 0 {
		return nil
	}
	m := l.agentLock(agentID)
	m.Lock()
	defer m.Unlock()

	dailyCap, mode, err := l.Settings(ctx, agentID)
	if err != nil {
		return err
	}
	now := l.now()
	key := domain.PeriodKey(now)
	period, err := l.store.EnsureBudgetPeriod(ctx, agentID, key, dailyCap, now)
	if err != nil {
		return err
	}

	after := period.Used + cost
	if mode == domain.EnforceHard && after > dailyCap {
		l.publish(eventbus.TopicBudgetExceeded, agentID, key, 100, period.Used, dailyCap, cost)
		return fmt.Errorf("%w: %.4f + %.4f over cap %.4f", domain.ErrBudgetExceeded, period.Used, cost, dailyCap)
	}

	if err := l.store.AddBudgetSpend(ctx, agentID, key, cost, now); err != nil {
		return err
	}
	l.publish(eventbus.TopicBudgetCommitted, agentID, key, 0, after, dailyCap, cost)

	// Warning thresholds are evaluated on the real figure, not the estimate.
	if after > dailyCap {
		l.publish(eventbus.TopicBudgetExceeded, agentID, key, 100, after, dailyCap, cost)
	} else if t := thresholdCrossed(period.Used, after, dailyCap); t != 0 {
		l.publish(eventbus.TopicBudgetThreshold, agentID, key, t, after, dailyCap, cost)
	}
	return nil
}

// Reset zeroes the current period. Historical job costs are untouched.
func (l *Ledger) Reset(ctx context.Context, agentID uuid.UUID) error {
	m := l.agentLock(agentID)
	m.Lock()
	defer m.Unlock()
	return l.store.ResetBudgetPeriod(ctx, agentID, domain.PeriodKey(l.now()), l.now())
}

// Usage returns the current period's state for the budget endpoint, lazily
// creating the row so a fresh agent reads used=0 instead of 404.
func (l *Ledger) Usage(ctx context.Context, agentID uuid.UUID) (*domain.BudgetPeriod, domain.Enforcement, error) {
	dailyCap, mode, err := l.Settings(ctx, agentID)
	if err != nil {
		return nil, "", err
	}
	now := l.now()
	period, err := l.store.EnsureBudgetPeriod(ctx, agentID, domain.PeriodKey(now), dailyCap, now)
	if err != nil {
		return nil, "", err
	}
	// Settings may have changed after the period row was created.
	period.DailyCap = dailyCap
	return period, mode, nil
}

func (l *Ledger) publish(topic string, agentID uuid.UUID, key string, threshold int, used, dailyCap, cost float64) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.BudgetEvent{
		AgentID:   agentID,
		PeriodKey: key,
		Threshold: threshold,
		Used:      used,
		Cap:       dailyCap,
		Cost:      cost,
	}})
}

// thresholdCrossed reports the highest percentage boundary (100 then 80)
// that the move from before to after crosses, 0 if none.
func thresholdCrossed(before, after, dailyCap float64) int {
	if dailyCap <= 0 {
		return 0
	}
	if before < dailyCap && after >= dailyCap {
		return 100
	}
	warn := dailyCap * 0.8
	if before < warn && after >= warn {
		return 80
	}
	return 0
}
