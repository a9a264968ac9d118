package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentops/internal/approval"
	"agentops/internal/budget"
	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

// Config sizes the worker pool and bounds each attempt.
type Config struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	RetryCeiling int // total attempts per logical run, including the first
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	return c
}

// Request describes one job to enqueue.
type Request struct {
	ScheduleID  *uuid.UUID
	AgentID     uuid.UUID
	Action      domain.ActionType
	Input       json.RawMessage
	ScheduledAt time.Time
	RetryCount  int
}

// Service drives jobs through pending -> running -> terminal. Each row is a
// single attempt; retries are fresh rows. All state transitions go through
// the store's guarded UPDATEs, so a job id can safely be enqueued more than
// once: the second worker loses the pending->running claim and walks away.
type Service struct {
	cfg      Config
	store    *storage.Store
	ledger   *budget.Ledger
	gate     *approval.Gate
	registry *Registry
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	queue  chan uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}

	// sched guards the deactivated set and the running-job cancel funcs
	// together, which is what makes schedule cancellation atomic with the
	// pending->running claim.
	sched struct {
		mu          sync.Mutex
		deactivated map[uuid.UUID]bool
		running     map[uuid.UUID]map[uuid.UUID]context.CancelFunc // schedule -> job -> cancel
	}

	parked parkingLot
}

func New(cfg Config, store *storage.Store, ledger *budget.Ledger, gate *approval.Gate, registry *Registry, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		gate:     gate,
		registry: registry,
		bus:      bus,
		log:      log.With(logx.String("comp", "executor")),
		now:      time.Now,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	s.sched.deactivated = map[uuid.UUID]bool{}
	s.sched.running = map[uuid.UUID]map[uuid.UUID]context.CancelFunc{}
	s.parked.jobs = map[uuid.UUID]parkedJob{}
	return s
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Start spins up the worker pool, the approval watcher and the pending
// sweeper, then recovers state left over from a previous run.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("executor recovery: %w", err)
	}

	workers := make(chan struct{}, s.cfg.Workers)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-s.queue:
				workers <- struct{}{}
				go func(id uuid.UUID) {
					defer func() { <-workers }()
					s.runJob(ctx, id)
				}(id)
			}
		}
	}()
	go s.watchApprovals(ctx)
	s.log.Info("executor started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("timeout", s.cfg.Timeout),
		logx.Int("retry_ceiling", s.cfg.RetryCeiling))
	return nil
}

// Stop cancels the run context and waits for the dispatch loop to exit.
// In-flight handlers see their contexts cancelled.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// recover re-enqueues pending rows and fails rows stuck in running: a row in
// running at startup means the previous process died mid-attempt, and the
// attempt's side effects are unknowable, so it is recorded as failed rather
// than re-run.
func (s *Service) recover(ctx context.Context) error {
	stuck, err := s.store.JobsInStatus(ctx, domain.JobRunning)
	if err != nil {
		return err
	}
	now := s.now()
	for _, j := range stuck {
		res := storage.JobResult{
			Status:      domain.JobFailed,
			CompletedAt: now,
			Error:       "interrupted by restart",
		}
		if j.StartedAt != nil {
			res.Duration = now.Sub(*j.StartedAt)
		}
		if err := s.store.FinishJob(ctx, j.ID, res); err != nil {
			s.log.Warn("recovery: fail stuck job", logx.String("job_id", j.ID.String()), logx.Err(err))
			continue
		}
		s.publishFinished(j, domain.JobFailed, "", "interrupted by restart", true)
	}

	pending, err := s.store.JobsInStatus(ctx, domain.JobPending)
	if err != nil {
		return err
	}
	for _, j := range pending {
		s.enqueue(j.ID)
	}
	if len(stuck) > 0 || len(pending) > 0 {
		s.log.Info("recovery complete",
			logx.Int("failed_stuck", len(stuck)),
			logx.Int("requeued_pending", len(pending)))
	}
	return nil
}

// Submit creates a pending job row and hands it to the pool.
func (s *Service) Submit(ctx context.Context, req Request) (*domain.JobExecution, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action type %q", domain.ErrValidation, req.Action)
	}
	if _, ok := s.registry.Handler(req.Action); !ok {
		return nil, fmt.Errorf("%w: no handler registered for %q", domain.ErrValidation, req.Action)
	}
	now := s.now()
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = now
	}
	j := &domain.JobExecution{
		ID:          uuid.New(),
		ScheduleID:  req.ScheduleID,
		AgentID:     req.AgentID,
		Action:      req.Action,
		Status:      domain.JobPending,
		ScheduledAt: req.ScheduledAt,
		RetryCount:  req.RetryCount,
		Input:       req.Input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.enqueue(j.ID)
	return j, nil
}

func (s *Service) enqueue(id uuid.UUID) {
	select {
	case s.queue <- id:
	default:
		// Queue full: the row stays pending and the next sweep or restart
		// picks it up.
		s.log.Warn("queue full, job left pending", logx.String("job_id", id.String()))
	}
}

// CancelSchedule marks a schedule as deactivated and cancels its in-flight
// jobs. Holding the lock across both the flag write and the running-map walk
// means no pending job of this schedule can slip into running concurrently:
// the claim path checks the flag under the same lock.
func (s *Service) CancelSchedule(scheduleID uuid.UUID) {
	s.sched.mu.Lock()
	s.sched.deactivated[scheduleID] = true
	for jobID, cancel := range s.sched.running[scheduleID] {
		s.log.Info("cancelling running job",
			logx.String("schedule_id", scheduleID.String()),
			logx.String("job_id", jobID.String()))
		cancel()
	}
	s.sched.mu.Unlock()
}

// ResumeSchedule clears the deactivation flag after a schedule is switched
// back on.
func (s *Service) ResumeSchedule(scheduleID uuid.UUID) {
	s.sched.mu.Lock()
	delete(s.sched.deactivated, scheduleID)
	s.sched.mu.Unlock()
}

// runJob walks one pending row through the gate checks and, if they pass,
// through the handler. Every exit path leaves the row in a legal state.
func (s *Service) runJob(ctx context.Context, id uuid.UUID) {
	job, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		s.log.Error("load job", logx.String("job_id", id.String()), logx.Err(err))
		return
	}
	if job.Status != domain.JobPending {
		// Double enqueue or already handled elsewhere.
		return
	}
	log := s.log.With(
		logx.String("job_id", job.ID.String()),
		logx.String("agent_id", job.AgentID.String()),
		logx.String("action", string(job.Action)))

	if s.scheduleGone(ctx, job) {
		s.skip(ctx, job, "schedule deactivated", log)
		return
	}

	if job.Action.RequiresApproval() {
		proceed, err := s.checkApproval(ctx, job, log)
		if err != nil {
			log.Error("approval check", logx.Err(err))
			return
		}
		if !proceed {
			return
		}
	}

	estimate := s.registry.EstimateCost(job.Action)
	res, err := s.ledger.Reserve(ctx, job.AgentID, estimate)
	if err != nil {
		log.Error("budget reserve", logx.Err(err))
		return
	}
	switch res.Decision {
	case budget.Deny:
		s.skip(ctx, job, "daily budget exceeded", log)
		return
	case budget.AllowWithWarning:
		log.Warn("budget threshold approached",
			logx.Int("threshold", res.Threshold),
			logx.Float64("used", res.Used),
			logx.Float64("cap", res.Cap))
	}

	s.execute(ctx, job, log)
}

// scheduleGone reports whether the job's schedule has been deactivated. The
// in-memory flag covers cancellations in this process; the DB check covers
// state from before a restart.
func (s *Service) scheduleGone(ctx context.Context, job *domain.JobExecution) bool {
	if job.ScheduleID == nil {
		return false
	}
	s.sched.mu.Lock()
	dead := s.sched.deactivated[*job.ScheduleID]
	s.sched.mu.Unlock()
	if dead {
		return true
	}
	sc, err := s.store.GetSchedule(ctx, job.AgentID, *job.ScheduleID)
	if err != nil {
		// Schedule row gone entirely: treat as deactivated.
		return errors.Is(err, domain.ErrNotFound)
	}
	return !sc.Active
}

// checkApproval resolves the gate for an approval-required action. Returns
// true when the job may proceed to the budget check; false when it was
// parked or skipped.
func (s *Service) checkApproval(ctx context.Context, job *domain.JobExecution, log logx.Logger) (bool, error) {
	a, err := s.gate.Ensure(ctx, job)
	if err != nil {
		return false, err
	}
	switch a.Effective(s.now()) {
	case domain.ApprovalApproved:
		return true, nil
	case domain.ApprovalPending:
		s.parked.park(a.ID, parkedJob{jobID: job.ID, expiresAt: a.ExpiresAt})
		log.Info("job parked awaiting approval", logx.String("approval_id", a.ID.String()))
		return false, nil
	case domain.ApprovalRejected:
		s.skip(ctx, job, "approval rejected", log)
		return false, nil
	case domain.ApprovalExpired:
		s.skip(ctx, job, "approval expired", log)
		return false, nil
	}
	return false, fmt.Errorf("%w: approval in unknown state", domain.ErrInvalidState)
}

// execute claims the row and runs the handler. The claim re-validates the
// approval immediately before pending->running so a decision flipping in the
// read-to-act window cannot leak through.
func (s *Service) execute(ctx context.Context, job *domain.JobExecution, log logx.Logger) {
	if job.Action.RequiresApproval() {
		st, _, err := s.gate.Consumable(ctx, job.ID)
		if err != nil {
			log.Error("approval re-check", logx.Err(err))
			return
		}
		if st != domain.ApprovalApproved {
			s.skip(ctx, job, "approval "+string(st), log)
			return
		}
	}

	handler, ok := s.registry.Handler(job.Action)
	if !ok {
		s.skip(ctx, job, "no handler registered", log)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Claim and cancel registration are atomic with respect to
	// CancelSchedule.
	s.sched.mu.Lock()
	if job.ScheduleID != nil && s.sched.deactivated[*job.ScheduleID] {
		s.sched.mu.Unlock()
		s.skip(ctx, job, "schedule deactivated", log)
		return
	}
	started := s.now()
	if err := s.store.MarkJobRunning(ctx, job.ID, started); err != nil {
		s.sched.mu.Unlock()
		if !errors.Is(err, domain.ErrInvalidState) {
			log.Error("claim job", logx.Err(err))
		}
		return
	}
	var cancelled *bool
	if job.ScheduleID != nil {
		sid := *job.ScheduleID
		if s.sched.running[sid] == nil {
			s.sched.running[sid] = map[uuid.UUID]context.CancelFunc{}
		}
		flag := false
		cancelled = &flag
		s.sched.running[sid][job.ID] = func() {
			*cancelled = true // write is under sched.mu in CancelSchedule
			cancel()
		}
	}
	s.sched.mu.Unlock()

	attemptCtx, cancelAttempt := context.WithTimeout(runCtx, s.cfg.Timeout)
	result, runErr := safeRun(attemptCtx, handler, job.Input)
	cancelAttempt()

	wasCancelled := false
	if job.ScheduleID != nil {
		s.sched.mu.Lock()
		delete(s.sched.running[*job.ScheduleID], job.ID)
		wasCancelled = cancelled != nil && *cancelled
		s.sched.mu.Unlock()
	}

	finished := s.now()
	outcome := storage.JobResult{
		Status:      domain.JobSuccess,
		CompletedAt: finished,
		Duration:    finished.Sub(started),
		Output:      result.Output,
		Summary:     result.Summary,
		TokensIn:    result.TokensIn,
		TokensOut:   result.TokensOut,
		Provider:    result.Provider,
		Model:       result.Model,
		Cost:        result.Cost,
	}
	switch {
	case runErr == nil:
	case wasCancelled:
		outcome.Status = domain.JobCancelled
		outcome.Error = "schedule cancelled"
	case errors.Is(runErr, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		outcome.Status = domain.JobFailed
		outcome.Error = fmt.Sprintf("%v after %s", domain.ErrExecutionTimeout, s.cfg.Timeout)
	default:
		outcome.Status = domain.JobFailed
		outcome.Error = runErr.Error()
	}

	if err := s.store.FinishJob(ctx, job.ID, outcome); err != nil {
		log.Error("finish job", logx.String("status", string(outcome.Status)), logx.Err(err))
		return
	}

	// Real cost reconciles even on failure: the provider charged for what
	// ran. A hard-cap refusal here only loses the overage, which is the
	// documented trade-off of hard enforcement.
	if result.Cost > 0 {
		if err := s.ledger.Commit(ctx, job.AgentID, result.Cost); err != nil {
			if errors.Is(err, domain.ErrBudgetExceeded) {
				log.Warn("cost not committed", logx.Float64("cost", result.Cost), logx.Err(err))
			} else {
				log.Error("budget commit", logx.Err(err))
			}
		}
	}

	final := true
	if outcome.Status == domain.JobFailed && job.RetryCount+1 < s.cfg.RetryCeiling {
		retry := Request{
			ScheduleID:  job.ScheduleID,
			AgentID:     job.AgentID,
			Action:      job.Action,
			Input:       job.Input,
			ScheduledAt: finished,
			RetryCount:  job.RetryCount + 1,
		}
		if _, err := s.Submit(ctx, retry); err != nil {
			log.Error("requeue retry", logx.Err(err))
		} else {
			final = false
			log.Info("attempt failed, retrying",
				logx.Int("attempt", job.RetryCount+1),
				logx.Int("ceiling", s.cfg.RetryCeiling))
		}
	}

	s.publishFinished(job, outcome.Status, outcome.Summary, outcome.Error, final)
	log.Info("job finished",
		logx.String("status", string(outcome.Status)),
		logx.Duration("took", outcome.Duration),
		logx.Float64("cost", result.Cost),
		logx.Bool("final", final))
}

// skip moves a pending row to skipped and announces the terminal state.
func (s *Service) skip(ctx context.Context, job *domain.JobExecution, reason string, log logx.Logger) {
	if err := s.store.SkipJob(ctx, job.ID, reason, s.now()); err != nil {
		if !errors.Is(err, domain.ErrInvalidState) {
			log.Error("skip job", logx.Err(err))
		}
		return
	}
	s.publishFinished(job, domain.JobSkipped, reason, "", true)
	log.Info("job skipped", logx.String("reason", reason))
}

func (s *Service) publishFinished(job *domain.JobExecution, status domain.JobStatus, summary, errMsg string, final bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobFinished, Data: eventbus.JobFinishedEvent{
		JobID:      job.ID,
		ScheduleID: job.ScheduleID,
		AgentID:    job.AgentID,
		Action:     job.Action,
		Status:     status,
		Summary:    summary,
		Error:      errMsg,
		RetryCount: job.RetryCount,
		Final:      final,
	}})
}

// watchApprovals wakes parked jobs. Decisions arrive over the bus; expiry
// has no mutation event, so a ticker sweeps the lot and re-enqueues parked
// jobs whose approvals lapsed (the pipeline then reads them as expired and
// skips).
func (s *Service) watchApprovals(ctx context.Context) {
	events, unsub := s.bus.Subscribe(32)
	defer unsub()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TopicApprovalDecided {
				continue
			}
			ev, ok := e.Data.(eventbus.ApprovalEvent)
			if !ok {
				continue
			}
			if p, ok := s.parked.take(ev.ApprovalID); ok {
				s.enqueue(p.jobID)
			}
		case <-ticker.C:
			for _, p := range s.parked.expired(s.now()) {
				s.enqueue(p.jobID)
			}
		}
	}
}

// safeRun shields the pool from handler panics.
func safeRun(ctx context.Context, h Handler, input json.RawMessage) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, input)
}
