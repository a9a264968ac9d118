package httpapi

import (
	"net/http"
	"strconv"

	"agentops/internal/domain"
	"agentops/internal/storage"
)

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.JobFilter{}
	if s := q.Get("status"); s != "" {
		st := domain.JobStatus(s)
		if !st.Valid() {
			a.writeJSON(w, http.StatusBadRequest, errBody{Error: "unknown status " + s})
			return
		}
		f.Status = st
	}
	if s := q.Get("action"); s != "" {
		action, err := domain.ParseActionType(s)
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		f.Action = action
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	jobs, total, err := a.store.ListJobs(r.Context(), profileID(r), f)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	size := f.PageSize
	if size <= 0 {
		size = 20
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     jobs,
		"total":    total,
		"page":     page,
		"pageSize": size,
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "jobID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	job, err := a.store.GetJob(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}
