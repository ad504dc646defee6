package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/tracker"
	"github.com/twilio/twilio-go/client"
)

type deliveryCallbackRequest struct {
	ReminderID   string     `json:"reminder_id" validate:"required_without=ExternalID"`
	ExternalID   string     `json:"external_id" validate:"required_without=ReminderID"`
	Event        string     `json:"event" validate:"required,oneof=delivered read responded failed"`
	ResponseText string     `json:"response_text" validate:"max=2000"`
	ErrorMessage string     `json:"error_message" validate:"max=2000"`
	Timestamp    *time.Time `json:"timestamp"`
}

type callbackResponse struct {
	Outcome  string           `json:"outcome"`
	Reminder reminderResponse `json:"reminder"`
}

func (h *Handler) deliveryCallback(w http.ResponseWriter, r *http.Request) {
	var req deliveryCallbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	cb := tracker.Callback{
		ReminderID:   req.ReminderID,
		ExternalID:   req.ExternalID,
		Event:        tracker.Event(req.Event),
		ResponseText: req.ResponseText,
		ErrorMessage: req.ErrorMessage,
	}
	if req.Timestamp != nil {
		cb.Timestamp = *req.Timestamp
	}
	h.applyCallback(w, r, cb)
}

func (h *Handler) applyCallback(w http.ResponseWriter, r *http.Request, cb tracker.Callback) {
	res, err := h.tracker.Apply(r.Context(), cb, auth.Actor(r.Context()))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "reminder_not_found", "no reminder matches the callback")
		return
	case errors.Is(err, tracker.ErrNotYetSent):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusConflict, "not_yet_sent", "send not recorded yet, retry the callback")
		return
	case errors.Is(err, tracker.ErrUnknownEvent), errors.Is(err, tracker.ErrMissingReference):
		writeError(w, http.StatusBadRequest, "invalid_callback", err.Error())
		return
	case err != nil:
		h.internalError(w, r, "apply callback failed", err)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Outcome: string(res.Outcome), Reminder: toReminderResponse(res.Reminder)})
}

// twilioEvents maps Twilio MessageStatus values onto tracker events. Other statuses
// (queued, sending, sent) carry no new information.
var twilioEvents = map[string]tracker.Event{
	"delivered":   tracker.EventDelivered,
	"read":        tracker.EventRead,
	"failed":      tracker.EventFailed,
	"undelivered": tracker.EventFailed,
}

func (h *Handler) twilioCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", "could not parse form body")
		return
	}
	if h.cfg.TwilioAuthToken != "" {
		if !validTwilioSignature(h.cfg.TwilioAuthToken, h.twilioURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			writeError(w, http.StatusForbidden, "invalid_signature", "X-Twilio-Signature mismatch")
			return
		}
	}
	sid := r.PostForm.Get("MessageSid")
	status := strings.ToLower(r.PostForm.Get("MessageStatus"))
	if sid == "" {
		writeError(w, http.StatusBadRequest, "invalid_callback", "MessageSid is required")
		return
	}
	event, ok := twilioEvents[status]
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	cb := tracker.Callback{ExternalID: sid, Event: event}
	if event == tracker.EventFailed {
		cb.ErrorMessage = "twilio " + status
		if code := r.PostForm.Get("ErrorCode"); code != "" {
			cb.ErrorMessage += " (error " + code + ")"
		}
	}
	ctx := auth.WithClaims(r.Context(), &auth.Claims{Sub: "twilio", Role: auth.RoleProvider})
	h.applyCallback(w, r.WithContext(ctx), cb)
}

func (h *Handler) twilioURL(r *http.Request) string {
	if h.cfg.TwilioCallbackURL != "" {
		return h.cfg.TwilioCallbackURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// validTwilioSignature checks X-Twilio-Signature over the public callback URL and the posted form.
// Status callbacks never repeat a parameter, so the first value of each key is what Twilio signed.
func validTwilioSignature(token, fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	v := client.NewRequestValidator(token)
	return v.Validate(fullURL, params, signature)
}

type reminderResponse struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	SentTime      *time.Time `json:"sent_time,omitempty"`
	DeliveredTime *time.Time `json:"delivered_time,omitempty"`
	ReadTime      *time.Time `json:"read_time,omitempty"`
	ResponseTime  *time.Time `json:"response_time,omitempty"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	Response      string     `json:"response,omitempty"`
	EscalatedFrom string     `json:"escalated_from,omitempty"`
}

func toReminderResponse(r model.Reminder) reminderResponse {
	return reminderResponse{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		Channel:       string(r.Channel),
		Status:        string(r.Status),
		ScheduledTime: r.ScheduledTime,
		NextAttemptAt: r.NextAttemptAt,
		SentTime:      r.SentTime,
		DeliveredTime: r.DeliveredTime,
		ReadTime:      r.ReadTime,
		ResponseTime:  r.ResponseTime,
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage,
		ExternalID:    r.ExternalID,
		Response:      r.Response,
		EscalatedFrom: r.EscalatedFrom,
	}
}
