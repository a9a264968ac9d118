// Package actions provides the built-in handler set wired into the executor
// at startup. Deployments with real provider integrations register their own
// handlers instead; these defaults keep the daemon runnable end to end and
// give the digest action real data to report.
package actions

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

// Estimates are per-run cost ballparks used for budget reservation. Real
// cost is whatever the handler reports on completion.
var Estimates = map[domain.ActionType]float64{
	domain.ActionContentPost:  0.05,
	domain.ActionLeadFollowUp: 0.03,
	domain.ActionInboxSweep:   0.02,
	domain.ActionDailyDigest:  0.01,
	domain.ActionDataEnrich:   0.04,
}

type Set struct {
	store *storage.Store
	log   logx.Logger
}

func NewSet(store *storage.Store, log logx.Logger) *Set {
	return &Set{store: store, log: log.With(logx.String("comp", "actions"))}
}

// Register installs every built-in handler into the registry.
func (s *Set) Register(reg *executor.Registry) error {
	handlers := map[domain.ActionType]executor.Handler{
		domain.ActionContentPost:  s.contentPost,
		domain.ActionLeadFollowUp: s.leadFollowUp,
		domain.ActionInboxSweep:   s.inboxSweep,
		domain.ActionDailyDigest:  s.dailyDigest,
		domain.ActionDataEnrich:   s.dataEnrich,
	}
	for kind, h := range handlers {
		if err := reg.Register(kind, Estimates[kind], h); err != nil {
			return err
		}
	}
	return nil
}

type contentPostInput struct {
	AgentID uuid.UUID `json:"agentId"`
	Topic   string    `json:"topic"`
	Channel string    `json:"channel"`
	Draft   string    `json:"draft"`
}

func (s *Set) contentPost(ctx context.Context, input json.RawMessage) (executor.Result, error) {
	var in contentPostInput
	if err := unmarshal(input, &in); err != nil {
		return executor.Result{}, err
	}
	if in.Draft == "" {
		return executor.Result{}, fmt.Errorf("%w: content_post requires a draft", domain.ErrValidation)
	}
	out, _ := json.Marshal(map[string]any{"posted": true, "channel": in.Channel, "chars": len(in.Draft)})
	return executor.Result{
		Output:  out,
		Summary: fmt.Sprintf("posted %d chars to %s", len(in.Draft), orDefault(in.Channel, "default")),
	}, nil
}

type leadFollowUpInput struct {
	LeadID  string `json:"leadId"`
	Message string `json:"message"`
}

func (s *Set) leadFollowUp(ctx context.Context, input json.RawMessage) (executor.Result, error) {
	var in leadFollowUpInput
	if err := unmarshal(input, &in); err != nil {
		return executor.Result{}, err
	}
	if in.LeadID == "" {
		return executor.Result{}, fmt.Errorf("%w: lead_follow_up requires leadId", domain.ErrValidation)
	}
	out, _ := json.Marshal(map[string]any{"leadId": in.LeadID, "sent": true})
	return executor.Result{
		Output:  out,
		Summary: "follow-up sent to lead " + in.LeadID,
	}, nil
}

func (s *Set) inboxSweep(ctx context.Context, input json.RawMessage) (executor.Result, error) {
	out, _ := json.Marshal(map[string]any{"swept": 0})
	return executor.Result{Output: out, Summary: "inbox sweep complete"}, nil
}

type digestInput struct {
	AgentID uuid.UUID `json:"agentId"`
}

// dailyDigest summarizes the agent's last 24h of job activity from the
// store.
func (s *Set) dailyDigest(ctx context.Context, input json.RawMessage) (executor.Result, error) {
	var in digestInput
	if err := unmarshal(input, &in); err != nil {
		return executor.Result{}, err
	}
	if in.AgentID == uuid.Nil {
		return executor.Result{}, fmt.Errorf("%w: daily_digest requires agentId", domain.ErrValidation)
	}
	counts, err := s.store.JobStatusCounts(ctx, in.AgentID)
	if err != nil {
		return executor.Result{}, err
	}
	totals, err := s.store.JobTotalsFor(ctx, in.AgentID)
	if err != nil {
		return executor.Result{}, err
	}
	hours, err := s.store.HourlyActivity(ctx, in.AgentID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return executor.Result{}, err
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	out, _ := json.Marshal(map[string]any{
		"byStatus":    counts,
		"totals":      totals,
		"hourly24h":   hours,
		"generatedAt": time.Now().UTC(),
	})
	return executor.Result{
		Output:  out,
		Summary: fmt.Sprintf("digest: %d jobs, $%.4f spent", total, totals.Cost),
	}, nil
}

type dataEnrichInput struct {
	Records []json.RawMessage `json:"records"`
}

func (s *Set) dataEnrich(ctx context.Context, input json.RawMessage) (executor.Result, error) {
	var in dataEnrichInput
	if err := unmarshal(input, &in); err != nil {
		return executor.Result{}, err
	}
	out, _ := json.Marshal(map[string]any{"enriched": len(in.Records)})
	return executor.Result{
		Output:  out,
		Summary: fmt.Sprintf("enriched %d records", len(in.Records)),
	}, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: bad input payload: %v", domain.ErrValidation, err)
	}
	return nil
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
