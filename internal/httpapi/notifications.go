package httpapi

import (
	"net/http"
	"strconv"

	"agentops/internal/domain"
	"agentops/internal/storage"
)

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.NotificationFilter{}
	if s := q.Get("type"); s != "" {
		f.Type = domain.NotificationType(s)
	}
	if s := q.Get("status"); s != "" {
		f.Status = domain.DeliveryStatus(s)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	items, err := a.store.ListNotifications(r.Context(), profileID(r), f)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "notificationID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if err := a.dispatcher.MarkRead(r.Context(), profileID(r), id); err != nil {
		a.writeErr(w, r, err)
		return
	}
	n, err := a.store.GetNotification(r.Context(), profileID(r), id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, n)
}

func (a *API) resendNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "notificationID")
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if err := a.dispatcher.Resend(r.Context(), profileID(r), id); err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
