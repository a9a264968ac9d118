package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"agentops/internal/domain"
	"agentops/pkg/logx"
)

type errBody struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("encode response", logx.Err(err))
	}
}

// writeErr maps domain sentinels onto HTTP status codes. Unknown errors are
// logged and masked as 500 so internals never leak to clients.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBudgetExceeded):
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err))
		a.writeJSON(w, status, errBody{Error: "internal error"})
		return
	}
	a.writeJSON(w, status, errBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
