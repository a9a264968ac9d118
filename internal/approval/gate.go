package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

// Gate owns the approval lifecycle: pending -> {approved, rejected}, with
// expiry derived at read time. Expiry has no background mutator; consumers
// re-evaluate the effective status immediately before acting on it.
type Gate struct {
	store *storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	ttl   func() time.Duration
	now   func() time.Time
}

func NewGate(store *storage.Store, bus eventbus.Bus, log logx.Logger, ttl func() time.Duration) *Gate {
	return &Gate{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "approval")),
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (g *Gate) SetNow(now func() time.Time) { g.now = now }

// Ensure returns the approval bound to the job, creating a fresh pending
// one (and announcing it) when none exists. Approvals are always born
// pending; they never start in a terminal state.
func (g *Gate) Ensure(ctx context.Context, job *domain.JobExecution) (*domain.Approval, error) {
	a, err := g.store.GetApprovalByJob(ctx, job.ID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := g.now()
	var expiresAt *time.Time
	if ttl := g.ttl(); ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	jobID := job.ID
	a = &domain.Approval{
		ID:        uuid.New(),
		AgentID:   job.AgentID,
		JobID:     &jobID,
		Action:    job.Action,
		Payload:   job.Input,
		Status:    domain.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	g.publish(eventbus.TopicApprovalCreated, a)
	g.log.Info("approval requested",
		logx.String("approval_id", a.ID.String()),
		logx.String("agent_id", a.AgentID.String()),
		logx.String("action", string(a.Action)))
	return a, nil
}

// Approve records an approval decision. Valid only while the stored status
// is pending and the expiry has not passed; anything else is InvalidState
// (no-op transitions are rejected, not silently accepted, to avoid
// double-running gated actions).
func (g *Gate) Approve(ctx context.Context, agentID, id uuid.UUID, decidedBy string) (*domain.Approval, error) {
	return g.decide(ctx, agentID, id, domain.ApprovalApproved, decidedBy, "")
}

// Reject records a rejection. Same validity rules as Approve.
func (g *Gate) Reject(ctx context.Context, agentID, id uuid.UUID, decidedBy, reason string) (*domain.Approval, error) {
	return g.decide(ctx, agentID, id, domain.ApprovalRejected, decidedBy, reason)
}

func (g *Gate) decide(ctx context.Context, agentID, id uuid.UUID, status domain.ApprovalStatus, decidedBy, reason string) (*domain.Approval, error) {
	a, err := g.store.GetApproval(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	now := g.now()
	if eff := a.Effective(now); eff != domain.ApprovalPending {
		return nil, fmt.Errorf("%w: approval is %s", domain.ErrInvalidState, eff)
	}
	// The store re-checks pending + unexpired inside the UPDATE, so a race
	// with another decision (or with expiry) loses here instead of
	// double-applying.
	if err := g.store.DecideApproval(ctx, id, status, decidedBy, reason, now); err != nil {
		return nil, err
	}
	a, err = g.store.GetApproval(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	g.publish(eventbus.TopicApprovalDecided, a)
	g.log.Info("approval decided",
		logx.String("approval_id", a.ID.String()),
		logx.String("status", string(a.Status)),
		logx.String("decided_by", decidedBy))
	return a, nil
}

// List returns the agent's approvals with the display status computed at
// read time (stored pending rows past expiry read as expired).
func (g *Gate) List(ctx context.Context, agentID uuid.UUID, status domain.ApprovalStatus) ([]*domain.Approval, error) {
	stored := status
	if status == domain.ApprovalExpired {
		// Expired rows are stored as pending.
		stored = domain.ApprovalPending
	}
	items, err := g.store.ListApprovals(ctx, agentID, stored)
	if err != nil {
		return nil, err
	}
	now := g.now()
	out := items[:0]
	for _, a := range items {
		a.Status = a.Effective(now)
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Consumable re-evaluates whether an approval is approved right now. The
// executor calls this immediately before moving a gated job to running so
// the read-to-act window cannot leak a stale decision.
func (g *Gate) Consumable(ctx context.Context, jobID uuid.UUID) (domain.ApprovalStatus, *domain.Approval, error) {
	a, err := g.store.GetApprovalByJob(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	return a.Effective(g.now()), a, nil
}

func (g *Gate) publish(topic string, a *domain.Approval) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.ApprovalEvent{
		ApprovalID: a.ID,
		AgentID:    a.AgentID,
		JobID:      a.JobID,
		Action:     a.Action,
		Status:     a.Status,
		ExpiresAt:  a.ExpiresAt,
	}})
}
