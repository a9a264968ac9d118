package httpapi

import (
	"net/http"

	"agentops/internal/domain"
)

type budgetView struct {
	PeriodKey   string             `json:"periodKey"`
	DailyCap    float64            `json:"dailyCap"`
	Used        float64            `json:"used"`
	Remaining   float64            `json:"remaining"`
	Enforcement domain.Enforcement `json:"enforcement"`
}

func (a *API) getBudget(w http.ResponseWriter, r *http.Request) {
	period, mode, err := a.ledger.Usage(r.Context(), profileID(r))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	remaining := period.DailyCap - period.Used
	if remaining < 0 {
		remaining = 0
	}
	a.writeJSON(w, http.StatusOK, budgetView{
		PeriodKey:   period.PeriodKey,
		DailyCap:    period.DailyCap,
		Used:        period.Used,
		Remaining:   remaining,
		Enforcement: mode,
	})
}

type putBudgetReq struct {
	DailyCap    float64 `json:"dailyCap"`
	Enforcement string  `json:"enforcement"`
}

func (a *API) putBudget(w http.ResponseWriter, r *http.Request) {
	var req putBudgetReq
	if err := decodeBody(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	settings := &domain.BudgetSettings{
		AgentID:     profileID(r),
		DailyCap:    req.DailyCap,
		Enforcement: domain.Enforcement(req.Enforcement),
	}
	if err := a.ledger.PutSettings(r.Context(), settings); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.getBudget(w, r)
}

// resetBudget zeroes the current period's spend. Historical job costs stay
// as recorded.
func (a *API) resetBudget(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.Reset(r.Context(), profileID(r)); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.getBudget(w, r)
}
