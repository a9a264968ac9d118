package notify

import (
	"context"
	"fmt"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/pkg/logx"
)

// subscribe translates governance events into notification rows.
//
// Policy:
//   - job.finished: only final outcomes alert, and only success, failed and
//     cancelled. A skipped job's cause (budget denial, approval outcome)
//     already produced its own alert, so skipped stays silent.
//   - approval.created alerts with action_required; decisions do not alert
//     back at the person who just made them.
//   - budget threshold crossings alert as warnings, overages and denials as
//     exceeded.
func (d *Dispatcher) subscribe(ctx context.Context) {
	defer d.wg.Done()
	events, unsub := d.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if n := d.fromEvent(e); n != nil {
				if err := d.Notify(ctx, n); err != nil {
					d.log.Error("notify from event", logx.String("topic", e.Type), logx.Err(err))
				}
			}
		}
	}
}

func (d *Dispatcher) fromEvent(e eventbus.Event) *domain.Notification {
	switch e.Type {
	case eventbus.TopicJobFinished:
		ev, ok := e.Data.(eventbus.JobFinishedEvent)
		if !ok || !ev.Final {
			return nil
		}
		return jobOutcome(ev)
	case eventbus.TopicApprovalCreated:
		ev, ok := e.Data.(eventbus.ApprovalEvent)
		if !ok {
			return nil
		}
		msg := fmt.Sprintf("Action %s is waiting for your approval.", ev.Action)
		if ev.ExpiresAt != nil {
			msg += fmt.Sprintf(" Expires %s.", ev.ExpiresAt.Format("2006-01-02 15:04 MST"))
		}
		return &domain.Notification{
			AgentID:        ev.AgentID,
			Type:           domain.NotifyApprovalNeeded,
			Title:          "Approval needed: " + string(ev.Action),
			Message:        msg,
			Priority:       8,
			ActionRequired: true,
			RefKind:        domain.RefApproval,
			RefID:          ev.ApprovalID.String(),
		}
	case eventbus.TopicBudgetThreshold:
		ev, ok := e.Data.(eventbus.BudgetEvent)
		if !ok {
			return nil
		}
		return &domain.Notification{
			AgentID:  ev.AgentID,
			Type:     domain.NotifyBudgetWarning,
			Title:    fmt.Sprintf("Budget at %d%%", ev.Threshold),
			Message:  fmt.Sprintf("Spent $%.4f of the $%.2f daily cap for %s.", ev.Used, ev.Cap, ev.PeriodKey),
			Priority: 6,
			RefKind:  domain.RefBudget,
			RefID:    ev.PeriodKey,
		}
	case eventbus.TopicBudgetExceeded, eventbus.TopicBudgetDenied:
		ev, ok := e.Data.(eventbus.BudgetEvent)
		if !ok {
			return nil
		}
		title := "Daily budget exceeded"
		msg := fmt.Sprintf("Spend reached $%.4f against the $%.2f cap for %s.", ev.Used, ev.Cap, ev.PeriodKey)
		if e.Type == eventbus.TopicBudgetDenied {
			title = "Job blocked by budget"
			msg = fmt.Sprintf("A job estimated at $%.4f was blocked: $%.4f of the $%.2f cap already used (%s).",
				ev.Cost, ev.Used, ev.Cap, ev.PeriodKey)
		}
		return &domain.Notification{
			AgentID:  ev.AgentID,
			Type:     domain.NotifyBudgetExceeded,
			Title:    title,
			Message:  msg,
			Priority: 9,
			RefKind:  domain.RefBudget,
			RefID:    ev.PeriodKey,
		}
	}
	return nil
}

func jobOutcome(ev eventbus.JobFinishedEvent) *domain.Notification {
	n := &domain.Notification{
		AgentID: ev.AgentID,
		RefKind: domain.RefJob,
		RefID:   ev.JobID.String(),
	}
	switch ev.Status {
	case domain.JobSuccess:
		n.Type = domain.NotifyJobCompleted
		n.Title = "Job completed: " + string(ev.Action)
		n.Message = ev.Summary
		if n.Message == "" {
			n.Message = "Finished successfully."
		}
		n.Priority = 3
	case domain.JobFailed:
		n.Type = domain.NotifyJobFailed
		n.Title = "Job failed: " + string(ev.Action)
		n.Message = ev.Error
		if ev.RetryCount > 0 {
			n.Message = fmt.Sprintf("%s (after %d retries)", ev.Error, ev.RetryCount)
		}
		n.Priority = 7
	case domain.JobCancelled:
		n.Type = domain.NotifyJobFailed
		n.Title = "Job cancelled: " + string(ev.Action)
		n.Message = "Cancelled because its schedule was deactivated."
		n.Priority = 4
	default:
		return nil
	}
	return n
}
