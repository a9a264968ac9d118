// Package httpapi exposes the governance surface over REST. Every
// profile-scoped route lives under /agentic/profiles/{profileID}; a profile
// id that does not own the addressed resource reads as 404, never 403, so
// the API does not confirm the existence of other agents' data.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"agentops/internal/approval"
	"agentops/internal/budget"
	"agentops/internal/domain"
	"agentops/internal/executor"
	"agentops/internal/notify"
	"agentops/internal/stats"
	"agentops/internal/storage"
	"agentops/internal/trigger"
	"agentops/pkg/logx"
)

type API struct {
	store      *storage.Store
	source     *trigger.Source
	exec       *executor.Service
	gate       *approval.Gate
	ledger     *budget.Ledger
	dispatcher *notify.Dispatcher
	stats      *stats.Service
	metrics    http.Handler
	log        logx.Logger

	corsOrigins []string
}

type Deps struct {
	Store       *storage.Store
	Source      *trigger.Source
	Executor    *executor.Service
	Gate        *approval.Gate
	Ledger      *budget.Ledger
	Dispatcher  *notify.Dispatcher
	Stats       *stats.Service
	Metrics     http.Handler // nil disables /metrics
	Log         logx.Logger
	CORSOrigins []string
}

func New(d Deps) *API {
	return &API{
		store:       d.Store,
		source:      d.Source,
		exec:        d.Executor,
		gate:        d.Gate,
		ledger:      d.Ledger,
		dispatcher:  d.Dispatcher,
		stats:       d.Stats,
		metrics:     d.Metrics,
		log:         d.Log.With(logx.String("comp", "http")),
		corsOrigins: d.CORSOrigins,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(a.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", a.health)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Route("/agentic", func(r chi.Router) {
		r.Post("/events", a.fireEvent)

		r.Route("/profiles/{profileID}", func(r chi.Router) {
			r.Use(a.profileCtx)

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", a.listSchedules)
				r.Post("/", a.createSchedule)
				r.Get("/{scheduleID}", a.getSchedule)
				r.Put("/{scheduleID}", a.updateSchedule)
				r.Post("/{scheduleID}/trigger", a.triggerSchedule)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", a.listJobs)
				r.Get("/stats", a.getStats)
				r.Get("/{jobID}", a.getJob)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", a.listApprovals)
				r.Get("/{approvalID}", a.getApproval)
				r.Post("/{approvalID}/approve", a.approve)
				r.Post("/{approvalID}/reject", a.reject)
			})

			r.Route("/budget", func(r chi.Router) {
				r.Get("/", a.getBudget)
				r.Put("/", a.putBudget)
				r.Post("/reset", a.resetBudget)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", a.listNotifications)
				r.Put("/{notificationID}/read", a.markRead)
				r.Post("/{notificationID}/resend", a.resendNotification)
			})

			r.Get("/contact", a.getContact)
			r.Put("/contact", a.putContact)
			r.Post("/trigger", a.triggerAdhoc)
		})
	})

	return r
}

type ctxKey int

const profileKey ctxKey = iota

// profileCtx parses and stashes the profile id. Everything below it can
// assume a valid uuid.
func (a *API) profileCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "profileID"))
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, errBody{Error: "invalid profile id"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), profileKey, id)))
	})
}

func profileID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(profileKey).(uuid.UUID)
	return id
}

// pathUUID parses one route parameter as a uuid.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.ErrNotFound
	}
	return id, nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
