package httpapi

import (
	"encoding/json"
	"net/http"

	"agentops/internal/domain"
)

type createScheduleReq struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Spec   string          `json:"spec"`
	Action string          `json:"actionType"`
	Input  json.RawMessage `json:"input"`
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.ListSchedules(r.Context(), profileID(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schedules": items})
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	action, err := domain.ParseActionType(req.Action)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	sc := &domain.Schedule{
		AgentID: profileID(r),
		Name:    req.Name,
		Kind:    domain.ScheduleKind(req.Kind),
		Spec:    req.Spec,
		Action:  action,
		Input:   req.Input,
	}
	if err := a.source.Create(r.Context(), sc); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, sc)
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	sc, err := a.store.GetSchedule(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sc)
}

type updateScheduleReq struct {
	Active *bool `json:"active"`
}

// updateSchedule currently toggles activation. Deactivation cancels the
// schedule's running jobs and keeps its pending ones from starting.
func (a *API) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	var req updateScheduleReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if req.Active == nil {
		a.writeJSON(w, http.StatusBadRequest, errBody{Error: "active is required"})
		return
	}
	if err := a.source.SetActive(r.Context(), profileID(r), id, *req.Active); err != nil {
		a.writeErr(w, r, err)
		return
	}
	sc, err := a.store.GetSchedule(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sc)
}

func (a *API) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	job, err := a.source.TriggerNow(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, job)
}
