package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"agentops/internal/domain"
	"agentops/internal/executor"
)

func (a *API) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetMasterContact(r.Context(), profileID(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, c)
}

type putContactReq struct {
	Name             string `json:"name"`
	PreferredChannel string `json:"preferredChannel"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	TelegramChatID   int64  `json:"telegramChatId"`
}

func (a *API) putContact(w http.ResponseWriter, r *http.Request) {
	var req putContactReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	c := &domain.Contact{
		ID:               uuid.New(),
		AgentID:          profileID(r),
		Name:             req.Name,
		PreferredChannel: domain.Channel(req.PreferredChannel),
		Email:            req.Email,
		Phone:            req.Phone,
		TelegramChatID:   req.TelegramChatID,
	}
	if existing, err := a.store.GetMasterContact(r.Context(), c.AgentID); err == nil {
		c.ID = existing.ID
	}
	if err := a.store.PutMasterContact(r.Context(), c); err != nil {
		a.writeErr(w, r, err)
		return
	}
	c, err := a.store.GetMasterContact(r.Context(), c.AgentID)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, c)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	overview, err := a.stats.Overview(r.Context(), profileID(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, overview)
}

type adhocTriggerReq struct {
	Action string          `json:"actionType"`
	Input  json.RawMessage `json:"input"`
}

// triggerAdhoc runs an action immediately without a schedule. The job goes
// through the same approval and budget gates as a scheduled one.
func (a *API) triggerAdhoc(w http.ResponseWriter, r *http.Request) {
	var req adhocTriggerReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	action, err := domain.ParseActionType(req.Action)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	job, err := a.exec.Submit(r.Context(), executor.Request{
		AgentID: profileID(r),
		Action:  action,
		Input:   req.Input,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, job)
}

type fireEventReq struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// fireEvent fans an external event key out to every event schedule bound to
// it, across agents.
func (a *API) fireEvent(w http.ResponseWriter, r *http.Request) {
	var req fireEventReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	fired, err := a.source.FireEvent(r.Context(), req.Key, req.Payload)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"fired": fired})
}
