package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a compare-and-set finds the reminder in a different status.
	ErrStaleState           = errors.New("reminder status changed concurrently")
	ErrActiveReminderExists = errors.New("active reminder already exists for appointment and channel")
)

// Transition moves one reminder from From to To. Nil fields are left unchanged.
// Leaving dispatching always clears the claim.
type Transition struct {
	ReminderID    string
	From          model.ReminderStatus
	To            model.ReminderStatus
	SentTime      *time.Time
	DeliveredTime *time.Time
	ReadTime      *time.Time
	ResponseTime  *time.Time
	RetryCount    *int
	NextAttemptAt *time.Time
	ErrorMessage  *string
	ExternalID    *string
	Response      *string
	Audit         *model.AuditEntry
}

func (t Transition) applyTo(r *model.Reminder, now time.Time) {
	r.Status = t.To
	if t.SentTime != nil {
		r.SentTime = t.SentTime
	}
	if t.DeliveredTime != nil {
		r.DeliveredTime = t.DeliveredTime
	}
	if t.ReadTime != nil {
		r.ReadTime = t.ReadTime
	}
	if t.ResponseTime != nil {
		r.ResponseTime = t.ResponseTime
	}
	if t.RetryCount != nil {
		r.RetryCount = *t.RetryCount
	}
	if t.NextAttemptAt != nil {
		r.NextAttemptAt = *t.NextAttemptAt
	}
	if t.ErrorMessage != nil {
		r.ErrorMessage = *t.ErrorMessage
	}
	if t.ExternalID != nil {
		r.ExternalID = *t.ExternalID
	}
	if t.Response != nil {
		r.Response = *t.Response
	}
	if t.To == model.ReminderFailed {
		r.EscalationPending = !r.Superseded()
	}
	r.ClaimedAt = nil
	r.UpdatedAt = now
}

// Store is everything the reminder service persists.
type Store interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	UpsertAppointment(ctx context.Context, a model.Appointment) error
	GetPerson(ctx context.Context, id string) (model.Person, error)
	UpsertPerson(ctx context.Context, p model.Person) error

	ListPreferences(ctx context.Context, patientID string) ([]model.Preference, error)
	UpsertPreference(ctx context.Context, p model.Preference, entry model.AuditEntry) error
	LatestOptIns(ctx context.Context, patientID string) (map[model.Channel]model.OptInEvent, error)
	AppendOptIn(ctx context.Context, ev model.OptInEvent, entry model.AuditEntry) error

	GetTemplate(ctx context.Context, channel model.Channel, appointmentType string) (model.Template, error)
	UpsertTemplate(ctx context.Context, t model.Template, entry model.AuditEntry) (model.Template, error)

	InsertReminders(ctx context.Context, reminders []model.Reminder, entries []model.AuditEntry) error
	GetReminder(ctx context.Context, id string) (model.Reminder, error)
	GetReminderByExternalID(ctx context.Context, externalID string) (model.Reminder, error)
	ListReminders(ctx context.Context, appointmentID string) ([]model.Reminder, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) ([]model.Reminder, error)
	Apply(ctx context.Context, t Transition) (model.Reminder, error)
	SupersedeActive(ctx context.Context, appointmentID, reason, actor string, now time.Time) ([]model.Reminder, error)
	ListEscalationPending(ctx context.Context, failedBefore time.Time, limit int) ([]model.Reminder, error)
	FinishEscalation(ctx context.Context, reminderID string, entries ...model.AuditEntry) error

	AppendAudit(ctx context.Context, entries ...model.AuditEntry) error
	EnqueueEvent(ctx context.Context, evt outbox.Event) (string, error)
}
