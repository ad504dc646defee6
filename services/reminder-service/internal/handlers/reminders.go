package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
)

type skipResponse struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type planResponse struct {
	Created []reminderResponse `json:"created"`
	Skipped []skipResponse     `json:"skipped"`
}

func (h *Handler) planReminders(w http.ResponseWriter, r *http.Request) {
	res, err := h.reminders.PlanReminders(r.Context(), chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.reminderError(w, r, "plan reminders failed", err)
		return
	}
	out := planResponse{Created: make([]reminderResponse, 0, len(res.Created)), Skipped: make([]skipResponse, 0, len(res.Skipped))}
	for _, rem := range res.Created {
		out.Created = append(out.Created, toReminderResponse(rem))
	}
	for _, s := range res.Skipped {
		out.Skipped = append(out.Skipped, skipResponse{Channel: string(s.Channel), Reason: s.Reason, Detail: s.Detail})
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) sendNow(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.SendNow(r.Context(), chi.URLParam(r, "reminderID"))
	if err != nil {
		h.reminderError(w, r, "send now failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderResponse(rem))
}

func (h *Handler) retryReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.RetryReminder(r.Context(), chi.URLParam(r, "reminderID"))
	if err != nil {
		h.reminderError(w, r, "retry reminder failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReminderResponse(rem))
}

func (h *Handler) reminderError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, planner.ErrNotPending):
		writeError(w, http.StatusConflict, "not_pending", "reminder is no longer pending")
	case errors.Is(err, planner.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, storage.ErrActiveReminderExists):
		writeError(w, http.StatusConflict, "active_reminder_exists", "an active reminder already exists on this channel")
	case errors.Is(err, redisx.ErrLockNotAcquired):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "appointment_busy", "appointment is being updated, retry shortly")
	default:
		h.internalError(w, r, msg, err)
	}
}
