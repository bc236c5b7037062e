// internal/handlers/queue.go
package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// queueStatusResponse is GetQueueStatus with the remaining time in milliseconds.
type queueStatusResponse struct {
	InQueue         bool       `json:"inQueue"`
	Status          string     `json:"status,omitempty"`
	JoinedAt        *time.Time `json:"joinedAt,omitempty"`
	TimeoutAt       *time.Time `json:"timeoutAt,omitempty"`
	TimeRemainingMs *int64     `json:"timeRemainingMs,omitempty"`
}

// JoinQueueHandler enqueues the caller. Refusals such as already_queued are a
// 200 with queued=false and a reason.
func (a *API) JoinQueueHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	res, err := a.svc.JoinQueue(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) LeaveQueueHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	res, err := a.svc.LeaveQueue(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) QueueStatusHandler(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	st, err := a.svc.GetQueueStatus(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := queueStatusResponse{InQueue: st.InQueue}
	if st.InQueue {
		ms := st.TimeRemaining.Milliseconds()
		resp.Status = string(st.Status)
		resp.JoinedAt = st.JoinedAt
		resp.TimeoutAt = st.TimeoutAt
		resp.TimeRemainingMs = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}
