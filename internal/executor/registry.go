package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"agentops/internal/domain"
)

// Result is what an action handler reports back on completion. Token and
// cost figures come from the underlying provider call; the executor records
// them on the job row and reconciles cost into the budget ledger.
type Result struct {
	Output    json.RawMessage
	Summary   string
	TokensIn  int64
	TokensOut int64
	Provider  string
	Model     string
	Cost      float64
}

// Handler runs one action to completion. It must honor ctx cancellation:
// the executor cancels it on schedule deactivation and deadlines it with
// the configured timeout.
type Handler func(ctx context.Context, input json.RawMessage) (Result, error)

// Registry maps the closed set of action kinds to their handlers and cost
// estimates. Unregistered kinds are rejected at submit time, so a typo'd
// action never reaches a worker.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[domain.ActionType]Handler
	estimates map[domain.ActionType]float64
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  map[domain.ActionType]Handler{},
		estimates: map[domain.ActionType]float64{},
	}
}

// Register binds a handler and a per-run cost estimate to an action kind.
func (r *Registry) Register(kind domain.ActionType, estimatedCost float64, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrValidation, kind)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", domain.ErrValidation, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("%w: handler for %q already registered", domain.ErrValidation, kind)
	}
	r.handlers[kind] = h
	r.estimates[kind] = estimatedCost
	return nil
}

func (r *Registry) Handler(kind domain.ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// EstimateCost returns the registered pre-run cost estimate (0 when the
// kind is unknown; reserve with 0 still catches an already-blown budget).
func (r *Registry) EstimateCost(kind domain.ActionType) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.estimates[kind]
}
