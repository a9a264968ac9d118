// Package metrics exposes Prometheus instrumentation fed from the event
// bus, so the instrumented components stay unaware of it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentops/internal/eventbus"
)

type Collector struct {
	registry *prometheus.Registry

	jobsFinished  *prometheus.CounterVec
	jobRetries    prometheus.Counter
	approvals     *prometheus.CounterVec
	budgetEvents  *prometheus.CounterVec
	spendTotal    *prometheus.CounterVec
	configReloads prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by action and status.",
		}, []string{"action", "status"}),
		jobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "job_retries_total",
			Help:      "Failed attempts that were requeued for retry.",
		}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "approvals_total",
			Help:      "Approval lifecycle events, by resulting status.",
		}, []string{"status"}),
		budgetEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "budget_events_total",
			Help:      "Budget threshold crossings, overages and denials.",
		}, []string{"kind"}),
		spendTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "spend_usd_total",
			Help:      "Committed spend in USD, by agent.",
		}, []string{"agent"}),
		configReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentops",
			Name:      "config_reloads_total",
			Help:      "Successful configuration reloads.",
		}),
	}
}

// Handler serves the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Watch consumes bus events until ctx is done.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(128)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				c.observe(e)
			}
		}
	}()
}

func (c *Collector) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicJobFinished:
		ev, ok := e.Data.(eventbus.JobFinishedEvent)
		if !ok {
			return
		}
		c.jobsFinished.WithLabelValues(string(ev.Action), string(ev.Status)).Inc()
		if !ev.Final {
			c.jobRetries.Inc()
		}
	case eventbus.TopicApprovalCreated, eventbus.TopicApprovalDecided:
		ev, ok := e.Data.(eventbus.ApprovalEvent)
		if !ok {
			return
		}
		c.approvals.WithLabelValues(string(ev.Status)).Inc()
	case eventbus.TopicBudgetThreshold:
		c.budget(e, "threshold")
	case eventbus.TopicBudgetExceeded:
		c.budget(e, "exceeded")
	case eventbus.TopicBudgetDenied:
		c.budget(e, "denied")
	case eventbus.TopicBudgetCommitted:
		ev, ok := e.Data.(eventbus.BudgetEvent)
		if !ok {
			return
		}
		if ev.Cost > 0 {
			c.spendTotal.WithLabelValues(ev.AgentID.String()).Add(ev.Cost)
		}
	case eventbus.TopicConfigUpdated:
		c.configReloads.Inc()
	}
}

func (c *Collector) budget(e eventbus.Event, kind string) {
	if _, ok := e.Data.(eventbus.BudgetEvent); !ok {
		return
	}
	c.budgetEvents.WithLabelValues(kind).Inc()
}
