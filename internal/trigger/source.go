package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
	"agentops/internal/executor"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

// Runner is the slice of the executor the trigger source drives.
type Runner interface {
	Submit(ctx context.Context, req executor.Request) (*domain.JobExecution, error)
	CancelSchedule(scheduleID uuid.UUID)
	ResumeSchedule(scheduleID uuid.UUID)
}

// Source owns schedule definitions and turns their cadences into pending
// jobs. Time-based kinds fire from the tick loop; event kinds fire only
// through FireEvent.
type Source struct {
	store *storage.Store
	exec  Runner
	log   logx.Logger
	tick  time.Duration
	now   func() time.Time
}

func NewSource(store *storage.Store, exec Runner, log logx.Logger, tick time.Duration) *Source {
	if tick <= 0 {
		tick = time.Second
	}
	return &Source{
		store: store,
		exec:  exec,
		log:   log.With(logx.String("comp", "trigger")),
		tick:  tick,
		now:   time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Source) SetNow(now func() time.Time) { s.now = now }

// Create validates and persists a schedule, seeding next_run_at from its
// cadence. Event schedules carry no next_run_at; they wait for their key.
func (s *Source) Create(ctx context.Context, sc *domain.Schedule) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: schedule name is required", domain.ErrValidation)
	}
	if !sc.Action.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrValidation, sc.Action)
	}
	cad, err := ParseSpec(sc.Kind, sc.Spec)
	if err != nil {
		return err
	}
	now := s.now()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	sc.Active = true
	sc.NextRunAt = cad.Next(now)
	if sc.Kind == domain.ScheduleOnce && sc.NextRunAt == nil {
		return fmt.Errorf("%w: once schedule is already in the past", domain.ErrValidation)
	}
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", sc.ID.String()),
		logx.String("kind", string(sc.Kind)),
		logx.String("spec", sc.Spec),
		logx.String("action", string(sc.Action)))
	return nil
}

// SetActive flips a schedule on or off. Deactivation also tells the
// executor, which cancels the schedule's running jobs and refuses to start
// its pending ones.
func (s *Source) SetActive(ctx context.Context, agentID, id uuid.UUID, active bool) error {
	if err := s.store.SetScheduleActive(ctx, agentID, id, active, s.now()); err != nil {
		return err
	}
	if active {
		s.exec.ResumeSchedule(id)
	} else {
		s.exec.CancelSchedule(id)
	}
	s.log.Info("schedule toggled",
		logx.String("schedule_id", id.String()),
		logx.Bool("active", active))
	return nil
}

// TriggerNow force-fires a schedule's action immediately without touching
// its cadence bookkeeping.
func (s *Source) TriggerNow(ctx context.Context, agentID, id uuid.UUID) (*domain.JobExecution, error) {
	sc, err := s.store.GetSchedule(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	sid := sc.ID
	return s.exec.Submit(ctx, executor.Request{
		ScheduleID:  &sid,
		AgentID:     sc.AgentID,
		Action:      sc.Action,
		Input:       sc.Input,
		ScheduledAt: s.now(),
	})
}

// FireEvent fans an event key out to every active event schedule bound to
// it. A non-empty payload replaces the schedule's stored input for the run.
func (s *Source) FireEvent(ctx context.Context, eventKey string, payload json.RawMessage) (int, error) {
	if eventKey == "" {
		return 0, fmt.Errorf("%w: event key is required", domain.ErrValidation)
	}
	schedules, err := s.store.EventSchedules(ctx, eventKey)
	if err != nil {
		return 0, err
	}
	now := s.now()
	fired := 0
	for _, sc := range schedules {
		input := sc.Input
		if len(payload) > 0 {
			input = payload
		}
		sid := sc.ID
		if _, err := s.exec.Submit(ctx, executor.Request{
			ScheduleID:  &sid,
			AgentID:     sc.AgentID,
			Action:      sc.Action,
			Input:       input,
			ScheduledAt: now,
		}); err != nil {
			s.log.Error("event fire", logx.String("schedule_id", sc.ID.String()), logx.Err(err))
			continue
		}
		if err := s.store.MarkScheduleFired(ctx, sc.ID, now, sc.NextRunAt); err != nil {
			s.log.Error("mark fired", logx.String("schedule_id", sc.ID.String()), logx.Err(err))
		}
		fired++
	}
	s.log.Info("event fired", logx.String("key", eventKey), logx.Int("schedules", fired))
	return fired, nil
}

// Start runs the tick loop until ctx is done.
func (s *Source) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.log.Info("trigger source started", logx.Duration("tick", s.tick))
}

// Tick fires every due schedule once. A late tick (process stall, clock
// jump) produces a single firing per schedule, not one per missed period:
// the next run is always computed from the current instant, never
// accumulated from the stale next_run_at.
func (s *Source) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.Error("scan due schedules", logx.Err(err))
		return
	}
	for _, sc := range due {
		s.fire(ctx, sc, now)
	}
}

func (s *Source) fire(ctx context.Context, sc *domain.Schedule, now time.Time) {
	cad, err := ParseSpec(sc.Kind, sc.Spec)
	if err != nil {
		// A spec that no longer parses can never fire again; switch it off
		// instead of logging every tick.
		s.log.Error("unparseable spec, deactivating",
			logx.String("schedule_id", sc.ID.String()),
			logx.String("spec", sc.Spec), logx.Err(err))
		if derr := s.store.SetScheduleActive(ctx, sc.AgentID, sc.ID, false, now); derr != nil {
			s.log.Error("deactivate schedule", logx.Err(derr))
		}
		return
	}

	scheduledAt := now
	if sc.NextRunAt != nil {
		scheduledAt = *sc.NextRunAt
	}
	sid := sc.ID
	if _, err := s.exec.Submit(ctx, executor.Request{
		ScheduleID:  &sid,
		AgentID:     sc.AgentID,
		Action:      sc.Action,
		Input:       sc.Input,
		ScheduledAt: scheduledAt,
	}); err != nil {
		s.log.Error("submit scheduled job", logx.String("schedule_id", sc.ID.String()), logx.Err(err))
		return
	}

	// Advance from now, not from the stale next_run_at. For a once schedule
	// Next returns nil, which deactivates it after its single firing.
	next := cad.Next(now)
	if err := s.store.MarkScheduleFired(ctx, sc.ID, now, next); err != nil {
		s.log.Error("mark fired", logx.String("schedule_id", sc.ID.String()), logx.Err(err))
		return
	}
	f := []logx.Field{
		logx.String("schedule_id", sc.ID.String()),
		logx.String("action", string(sc.Action)),
	}
	if next != nil {
		f = append(f, logx.Time("next_run", *next))
	}
	s.log.Debug("schedule fired", f...)
}
