package httpapi

import (
	"net/http"
	"time"

	"agentops/internal/domain"
)

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	var status domain.ApprovalStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.ApprovalStatus(s)
		if !status.Valid() {
			a.writeJSON(w, http.StatusBadRequest, errBody{Error: "unknown status " + s})
			return
		}
	}
	items, err := a.gate.List(r.Context(), profileID(r), status)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"approvals": items})
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "approvalID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	ap, err := a.store.GetApproval(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	// Display status is derived at read time; a stored pending row past its
	// expiry reads as expired.
	ap.Status = ap.Effective(time.Now())
	a.writeJSON(w, http.StatusOK, ap)
}

type decisionReq struct {
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "approvalID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	var req decisionReq
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			a.writeErr(w, r, err)
			return
		}
	}
	ap, err := a.gate.Approve(r.Context(), profileID(r), id, req.DecidedBy)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ap)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "approvalID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	var req decisionReq
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			a.writeErr(w, r, err)
			return
		}
	}
	ap, err := a.gate.Reject(r.Context(), profileID(r), id, req.DecidedBy, req.Reason)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ap)
}
