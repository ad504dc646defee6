package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/libs/httpx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/channels"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/tracker"
)

type Store interface {
	ListReminders(ctx context.Context, appointmentID string) ([]model.Reminder, error)
	ListPreferences(ctx context.Context, patientID string) ([]model.Preference, error)
	UpsertPreference(ctx context.Context, p model.Preference, entry model.AuditEntry) error
	AppendOptIn(ctx context.Context, ev model.OptInEvent, entry model.AuditEntry) error
	UpsertTemplate(ctx context.Context, t model.Template, entry model.AuditEntry) (model.Template, error)
}

type Tracker interface {
	Apply(ctx context.Context, cb tracker.Callback, actor string) (tracker.Result, error)
}

// Reminders are the staff actions on one appointment's reminders.
type Reminders interface {
	PlanReminders(ctx context.Context, appointmentID string) (planner.Result, error)
	SendNow(ctx context.Context, reminderID string) (model.Reminder, error)
	RetryReminder(ctx context.Context, reminderID string) (model.Reminder, error)
}

type Adapters interface {
	Lookup(ch model.Channel) (channels.Adapter, error)
}

type Config struct {
	// TwilioAuthToken enables X-Twilio-Signature checks on the Twilio callback.
	TwilioAuthToken string
	// TwilioCallbackURL is the public URL Twilio signs; empty means rebuild it from the request.
	TwilioCallbackURL string
	SendTimeout       time.Duration
}

type Handler struct {
	store     Store
	tracker   Tracker
	reminders Reminders
	adapters  Adapters
	validate  *validator.Validate
	logger    *slog.Logger
	cfg       Config
}

func New(store Store, tr Tracker, reminders Reminders, adapters Adapters, logger *slog.Logger, cfg Config) *Handler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Handler{
		store:     store,
		tracker:   tr,
		reminders: reminders,
		adapters:  adapters,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		cfg:       cfg,
	}
}

// Routes mounts the API under /v1. callbackLimit guards the provider callback endpoints.
func (h *Handler) Routes(v auth.Verifier, callbackLimit httpx.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if callbackLimit != nil {
				r.Use(callbackLimit)
			}
			r.Post("/callbacks/twilio", h.twilioCallback)
			r.With(auth.RequireAuth(v), auth.RequireRole(auth.RoleProvider, auth.RoleAdmin)).
				Post("/callbacks/delivery", h.deliveryCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(v))

			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/test-messages", h.sendTestMessage)
			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Get("/appointments/{appointmentID}/reminders", h.listReminders)
			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/appointments/{appointmentID}/reminders", h.planReminders)
			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/reminders/{reminderID}/send-now", h.sendNow)
			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Post("/reminders/{reminderID}/retry", h.retryReminder)
			r.With(auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)).Put("/templates", h.upsertTemplate)

			r.Route("/patients/{patientID}", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RolePatient, auth.RoleStaff, auth.RoleAdmin), selfOrStaff)
				r.Post("/opt-in", h.recordOptIn)
				r.Get("/preferences", h.listPreferences)
				r.Put("/preferences/{channel}", h.upsertPreference)
			})
		})
	})
	return r
}

// selfOrStaff limits patients to their own records.
func selfOrStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		if claims != nil && claims.Role == auth.RolePatient && claims.Sub != chi.URLParam(r, "patientID") {
			writeError(w, http.StatusForbidden, "forbidden", "patients may only manage their own settings")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorResponse{Error: errCode, Message: message})
}

// decode reads a JSON body into dst and runs struct validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
			}
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid fields: "+strings.Join(fields, ", "))
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "err", err, "request_id", httpx.RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal_error", msg)
}
