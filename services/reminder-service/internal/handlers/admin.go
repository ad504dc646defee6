package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/libs/httpx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/channels"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
)

type testMessageRequest struct {
	Channel     string `json:"channel" validate:"required,oneof=sms email voice app whatsapp"`
	Destination string `json:"destination" validate:"required,max=320"`
	Subject     string `json:"subject" validate:"max=200"`
	Message     string `json:"message" validate:"required,max=1600"`
}

type testMessageResponse struct {
	ExternalID string `json:"external_id"`
	Provider   string `json:"provider"`
}

// sendTestMessage sends straight through the channel adapter without creating a reminder.
func (h *Handler) sendTestMessage(w http.ResponseWriter, r *http.Request) {
	var req testMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch := model.Channel(req.Channel)
	if ch == model.ChannelEmail && strings.TrimSpace(req.Subject) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "subject is required for email")
		return
	}
	adapter, err := h.adapters.Lookup(ch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported_channel", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.SendTimeout)
	defer cancel()
	receipt, err := adapter.Send(ctx, channels.Message{
		Channel:     ch,
		Destination: req.Destination,
		Subject:     req.Subject,
		Body:        req.Message,
	})
	if err != nil {
		h.logger.Warn("test message failed", "err", err, "channel", ch, "actor", auth.Actor(r.Context()))
		if channels.IsPermanent(err) {
			writeError(w, http.StatusUnprocessableEntity, "send_rejected", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
		return
	}
	h.logger.Info("test message sent", "channel", ch, "provider", receipt.Provider, "external_id", receipt.ExternalID, "actor", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, testMessageResponse{ExternalID: receipt.ExternalID, Provider: receipt.Provider})
}

type optInRequest struct {
	Channel string `json:"channel" validate:"required,oneof=sms email voice app whatsapp"`
	OptedIn *bool  `json:"opted_in" validate:"required"`
}

func (h *Handler) recordOptIn(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	var req optInRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev := model.OptInEvent{
		PatientID: patientID,
		Channel:   model.Channel(req.Channel),
		OptedIn:   *req.OptedIn,
		IPAddress: httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
		CreatedAt: time.Now().UTC(),
	}
	entry := audit.New(audit.EntityOptIn, patientID, audit.ActionOptInRecorded, auth.Actor(r.Context()), map[string]any{
		"channel":    req.Channel,
		"opted_in":   ev.OptedIn,
		"ip_address": ev.IPAddress,
	})
	if err := h.store.AppendOptIn(r.Context(), ev, entry); err != nil {
		h.internalError(w, r, "record opt-in failed", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type preferenceRequest struct {
	Enabled         *bool `json:"is_enabled" validate:"required"`
	Priority        int   `json:"priority" validate:"min=0,max=100"`
	LeadTimeMinutes int   `json:"time_before_appointment_minutes" validate:"min=0,max=43200"`
}

type preferenceResponse struct {
	PatientID       string    `json:"patient_id"`
	Channel         string    `json:"channel"`
	Enabled         bool      `json:"is_enabled"`
	Priority        int       `json:"priority"`
	LeadTimeMinutes int       `json:"time_before_appointment_minutes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toPreferenceResponse(p model.Preference) preferenceResponse {
	return preferenceResponse{
		PatientID:       p.PatientID,
		Channel:         string(p.Channel),
		Enabled:         p.Enabled,
		Priority:        p.Priority,
		LeadTimeMinutes: int(p.LeadTime / time.Minute),
		UpdatedAt:       p.UpdatedAt,
	}
}

func (h *Handler) listPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.ListPreferences(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.internalError(w, r, "list preferences failed", err)
		return
	}
	out := make([]preferenceResponse, 0, len(prefs))
	for _, p := range prefs {
		out = append(out, toPreferenceResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) upsertPreference(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_channel", err.Error())
		return
	}
	var req preferenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := model.Preference{
		PatientID: patientID,
		Channel:   ch,
		Enabled:   *req.Enabled,
		Priority:  req.Priority,
		LeadTime:  time.Duration(req.LeadTimeMinutes) * time.Minute,
	}
	entry := audit.New(audit.EntityPreference, patientID, audit.ActionPreferenceUpserted, auth.Actor(r.Context()), map[string]any{
		"channel":    string(ch),
		"is_enabled": p.Enabled,
		"priority":   p.Priority,
		"lead_time":  p.LeadTime.String(),
	})
	if err := h.store.UpsertPreference(r.Context(), p, entry); err != nil {
		h.internalError(w, r, "upsert preference failed", err)
		return
	}
	p.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, toPreferenceResponse(p))
}

type templateRequest struct {
	ID              string `json:"id" validate:"omitempty,max=64"`
	Name            string `json:"name" validate:"required,max=200"`
	Channel         string `json:"channel" validate:"required,oneof=sms email voice app whatsapp"`
	AppointmentType string `json:"appointment_type" validate:"max=200"`
	Subject         string `json:"subject" validate:"max=200"`
	Body            string `json:"body" validate:"required,max=4000"`
}

type templateResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Channel         string    `json:"channel"`
	AppointmentType string    `json:"appointment_type,omitempty"`
	Subject         string    `json:"subject,omitempty"`
	Body            string    `json:"body"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (h *Handler) upsertTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Channel == string(model.ChannelEmail) && strings.TrimSpace(req.Subject) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "subject is required for email templates")
		return
	}
	t := model.Template{
		ID:              req.ID,
		Name:            req.Name,
		Channel:         model.Channel(req.Channel),
		AppointmentType: strings.TrimSpace(req.AppointmentType),
		Subject:         req.Subject,
		Body:            req.Body,
	}
	entry := audit.New(audit.EntityTemplate, t.ID, audit.ActionTemplateUpserted, auth.Actor(r.Context()), map[string]any{
		"channel":          req.Channel,
		"appointment_type": t.AppointmentType,
		"name":             t.Name,
	})
	saved, err := h.store.UpsertTemplate(r.Context(), t, entry)
	if err != nil {
		h.internalError(w, r, "upsert template failed", err)
		return
	}
	writeJSON(w, http.StatusOK, templateResponse{
		ID:              saved.ID,
		Name:            saved.Name,
		Channel:         string(saved.Channel),
		AppointmentType: saved.AppointmentType,
		Subject:         saved.Subject,
		Body:            saved.Body,
		UpdatedAt:       saved.UpdatedAt,
	})
}

func (h *Handler) listReminders(w http.ResponseWriter, r *http.Request) {
	rs, err := h.store.ListReminders(r.Context(), chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.internalError(w, r, "list reminders failed", err)
		return
	}
	out := make([]reminderResponse, 0, len(rs))
	for _, rem := range rs {
		out = append(out, toReminderResponse(rem))
	}
	writeJSON(w, http.StatusOK, out)
}
