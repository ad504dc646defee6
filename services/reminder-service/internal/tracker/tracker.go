package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrUnknownEvent     = errors.New("unknown callback event")
	ErrMissingReference = errors.New("reminder_id or external_id is required")
	// ErrNotYetSent means the provider reported progress before the send was recorded. The
	// callback is worth redelivering once the dispatch worker has written sent.
	ErrNotYetSent = errors.New("reminder send not recorded yet")
)

var callbacksCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reminder_tracker",
		Name:      "callbacks_total",
		Help:      "Provider callbacks by event and outcome.",
	},
	[]string{"event", "outcome"},
)

// Event is a provider-reported status for a reminder.
type Event string

const (
	EventDelivered Event = "delivered"
	EventRead      Event = "read"
	EventResponded Event = "responded"
	EventFailed    Event = "failed"
)

func (e Event) status() (model.ReminderStatus, bool) {
	switch e {
	case EventDelivered:
		return model.ReminderDelivered, true
	case EventRead:
		return model.ReminderRead, true
	case EventResponded:
		return model.ReminderResponded, true
	case EventFailed:
		return model.ReminderFailed, true
	}
	return "", false
}

type Callback struct {
	ReminderID   string
	ExternalID   string
	Event        Event
	ResponseText string
	ErrorMessage string
	Timestamp    time.Time
}

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeStale   Outcome = "stale"
)

type Result struct {
	Outcome  Outcome
	Reminder model.Reminder
}

type Store interface {
	GetReminder(ctx context.Context, id string) (model.Reminder, error)
	GetReminderByExternalID(ctx context.Context, externalID string) (model.Reminder, error)
	Apply(ctx context.Context, t storage.Transition) (model.Reminder, error)
	AppendAudit(ctx context.Context, entries ...model.AuditEntry) error
}

type Escalator interface {
	Escalate(ctx context.Context, failed model.Reminder) (*model.Reminder, error)
}

const maxCASAttempts = 3

type Tracker struct {
	store     Store
	escalator Escalator
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, escalator Escalator, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		escalator: escalator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply advances a reminder with a provider callback. Backward, repeated or terminal transitions
// are recorded as stale and are not errors. A missing reminder is storage.ErrNotFound.
// A failure report may land while the send is still in flight; any other event does not and
// returns ErrNotYetSent.
func (t *Tracker) Apply(ctx context.Context, cb Callback, actor string) (Result, error) {
	to, ok := cb.Event.status()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, cb.Event)
	}
	if cb.ReminderID == "" && cb.ExternalID == "" {
		return Result{}, ErrMissingReference
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := t.lookup(ctx, cb)
		if err != nil {
			return Result{}, err
		}
		logger := t.logger.With("reminder_id", r.ID, "appointment_id", r.AppointmentID, "channel", r.Channel, "event", cb.Event)

		if r.Status == model.ReminderDispatching && to != model.ReminderFailed {
			callbacksCounter.WithLabelValues(string(cb.Event), "not_yet_sent").Inc()
			logger.Info("callback arrived before send was recorded")
			return Result{Reminder: r}, ErrNotYetSent
		}
		// Provider callbacks only make sense once the provider accepted the message.
		if r.Status == model.ReminderPending || !model.CanTransition(r.Status, to) {
			return t.stale(ctx, logger, r, cb, actor)
		}

		ts := cb.Timestamp.UTC()
		if cb.Timestamp.IsZero() {
			ts = t.now()
		}
		if last := r.LastEventTime(); ts.Before(last) {
			ts = last
		}

		tr := storage.Transition{ReminderID: r.ID, From: r.Status, To: to}
		details := map[string]any{
			"from":           string(r.Status),
			"to":             string(to),
			"appointment_id": r.AppointmentID,
			"timestamp":      ts.Format(time.RFC3339Nano),
		}
		switch to {
		case model.ReminderDelivered:
			tr.DeliveredTime = &ts
		case model.ReminderRead:
			tr.ReadTime = &ts
		case model.ReminderResponded:
			tr.ResponseTime = &ts
			resp := cb.ResponseText
			tr.Response = &resp
			details["response"] = resp
		case model.ReminderFailed:
			msg := cb.ErrorMessage
			if msg == "" {
				msg = "provider reported failure"
			}
			tr.ErrorMessage = &msg
			details["error"] = msg
		}
		entry := audit.New(audit.EntityReminder, r.ID, audit.ActionStatusChanged, actor, details)
		tr.Audit = &entry

		updated, err := t.store.Apply(ctx, tr)
		if errors.Is(err, storage.ErrStaleState) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("apply callback: %w", err)
		}
		callbacksCounter.WithLabelValues(string(cb.Event), string(OutcomeApplied)).Inc()
		logger.Info("reminder status updated", "from", r.Status, "to", to)

		if to == model.ReminderFailed && t.escalator != nil {
			if _, err := t.escalator.Escalate(ctx, updated); err != nil {
				logger.Error("escalation failed, left for the dispatch sweep", "err", err)
			}
		}
		return Result{Outcome: OutcomeApplied, Reminder: updated}, nil
	}

	r, err := t.lookup(ctx, cb)
	if err != nil {
		return Result{}, err
	}
	return t.stale(ctx, t.logger.With("reminder_id", r.ID), r, cb, actor)
}

func (t *Tracker) lookup(ctx context.Context, cb Callback) (model.Reminder, error) {
	if cb.ReminderID != "" {
		return t.store.GetReminder(ctx, cb.ReminderID)
	}
	return t.store.GetReminderByExternalID(ctx, cb.ExternalID)
}

func (t *Tracker) stale(ctx context.Context, logger *slog.Logger, r model.Reminder, cb Callback, actor string) (Result, error) {
	callbacksCounter.WithLabelValues(string(cb.Event), string(OutcomeStale)).Inc()
	logger.Warn("stale callback ignored", "status", r.Status)
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionStaleCallback, actor, map[string]any{
		"status":         string(r.Status),
		"event":          string(cb.Event),
		"appointment_id": r.AppointmentID,
	})
	if err := t.store.AppendAudit(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("audit stale callback: %w", err)
	}
	return Result{Outcome: OutcomeStale, Reminder: r}, nil
}
