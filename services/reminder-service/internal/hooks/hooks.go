package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
)

var ErrInvalidAppointment = errors.New("invalid appointment")

type Store interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	UpsertAppointment(ctx context.Context, a model.Appointment) error
	GetReminder(ctx context.Context, id string) (model.Reminder, error)
}

type Planner interface {
	Plan(ctx context.Context, appt model.Appointment, actor string) (planner.Result, error)
	PlanManual(ctx context.Context, appt model.Appointment, actor string) (planner.Result, error)
	SendNow(ctx context.Context, r model.Reminder, actor string) (model.Reminder, error)
	Retry(ctx context.Context, failed model.Reminder, actor string) (model.Reminder, error)
	Replan(ctx context.Context, appt model.Appointment, actor string) (planner.Result, error)
	Cancel(ctx context.Context, appt model.Appointment, actor string) ([]model.Reminder, error)
	Escalate(ctx context.Context, failed model.Reminder, actor string) (*model.Reminder, error)
}

// Hooks is the appointment lifecycle entry point. Work on one appointment is serialized by a
// lock keyed on its id.
type Hooks struct {
	store   Store
	planner Planner
	locker  redisx.Locker
	logger  *slog.Logger
}

func New(store Store, p Planner, locker redisx.Locker, logger *slog.Logger) *Hooks {
	return &Hooks{store: store, planner: p, locker: locker, logger: logger}
}

func lockKey(appointmentID string) string {
	return "appointment:" + appointmentID
}

func validate(appt model.Appointment) error {
	switch {
	case appt.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidAppointment)
	case appt.PatientID == "" || appt.DoctorID == "":
		return fmt.Errorf("%w: missing patient or doctor", ErrInvalidAppointment)
	case appt.StartTime.IsZero() || !appt.StartTime.Before(appt.EndTime):
		return fmt.Errorf("%w: start_time must be before end_time", ErrInvalidAppointment)
	case appt.Status != "" && !appt.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAppointment, appt.Status)
	}
	return nil
}

func (h *Hooks) OnAppointmentCreated(ctx context.Context, appt model.Appointment) (planner.Result, error) {
	if appt.Status == "" {
		appt.Status = model.AppointmentScheduled
	}
	if err := validate(appt); err != nil {
		return planner.Result{}, err
	}
	var res planner.Result
	err := h.locker.WithLock(ctx, lockKey(appt.ID), func(ctx context.Context) error {
		if err := h.store.UpsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("store appointment: %w", err)
		}
		if appt.Status.Closed() {
			return nil
		}
		var err error
		res, err = h.planner.Plan(ctx, appt, auth.Actor(ctx))
		return err
	})
	return res, err
}

// OnAppointmentChanged re-plans when the start time moved and cancels when the appointment was
// closed. A zero previousStart means the caller does not know it; the stored copy is used.
func (h *Hooks) OnAppointmentChanged(ctx context.Context, appt model.Appointment, previousStart time.Time) (planner.Result, error) {
	if appt.Status == "" {
		appt.Status = model.AppointmentScheduled
	}
	if err := validate(appt); err != nil {
		return planner.Result{}, err
	}
	var res planner.Result
	err := h.locker.WithLock(ctx, lockKey(appt.ID), func(ctx context.Context) error {
		stored, err := h.store.GetAppointment(ctx, appt.ID)
		known := err == nil
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load appointment: %w", err)
		}
		if previousStart.IsZero() && known {
			previousStart = stored.StartTime
		}
		if err := h.store.UpsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("store appointment: %w", err)
		}

		actor := auth.Actor(ctx)
		switch {
		case appt.Status.Closed():
			_, err = h.planner.Cancel(ctx, appt, actor)
		case !known:
			res, err = h.planner.Plan(ctx, appt, actor)
		case !previousStart.IsZero() && !previousStart.Equal(appt.StartTime):
			h.logger.Info("appointment rescheduled", "appointment_id", appt.ID, "previous_start", previousStart, "start", appt.StartTime)
			res, err = h.planner.Replan(ctx, appt, actor)
		}
		return err
	})
	return res, err
}

func (h *Hooks) OnAppointmentCancelled(ctx context.Context, appt model.Appointment) error {
	appt.Status = model.AppointmentCancelled
	if appt.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAppointment)
	}
	return h.locker.WithLock(ctx, lockKey(appt.ID), func(ctx context.Context) error {
		stored, err := h.store.GetAppointment(ctx, appt.ID)
		switch {
		case err == nil:
			stored.Status = model.AppointmentCancelled
			appt = stored
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("load appointment: %w", err)
		}
		if appt.PatientID != "" {
			if err := h.store.UpsertAppointment(ctx, appt); err != nil {
				return fmt.Errorf("store appointment: %w", err)
			}
		}
		_, err = h.planner.Cancel(ctx, appt, auth.Actor(ctx))
		return err
	})
}

// Escalate runs escalation for a failed reminder under its appointment's lock so it cannot
// interleave with re-planning.
func (h *Hooks) Escalate(ctx context.Context, failed model.Reminder) (*model.Reminder, error) {
	var next *model.Reminder
	err := h.locker.WithLock(ctx, lockKey(failed.AppointmentID), func(ctx context.Context) error {
		var err error
		next, err = h.planner.Escalate(ctx, failed, auth.Actor(ctx))
		return err
	})
	return next, err
}

// PlanReminders plans a stored appointment on staff request, also when automatic reminders are
// turned off.
func (h *Hooks) PlanReminders(ctx context.Context, appointmentID string) (planner.Result, error) {
	var res planner.Result
	err := h.locker.WithLock(ctx, lockKey(appointmentID), func(ctx context.Context) error {
		appt, err := h.store.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		res, err = h.planner.PlanManual(ctx, appt, auth.Actor(ctx))
		return err
	})
	return res, err
}

func (h *Hooks) SendNow(ctx context.Context, reminderID string) (model.Reminder, error) {
	return h.withReminder(ctx, reminderID, func(ctx context.Context, r model.Reminder) (model.Reminder, error) {
		return h.planner.SendNow(ctx, r, auth.Actor(ctx))
	})
}

func (h *Hooks) RetryReminder(ctx context.Context, reminderID string) (model.Reminder, error) {
	return h.withReminder(ctx, reminderID, func(ctx context.Context, r model.Reminder) (model.Reminder, error) {
		return h.planner.Retry(ctx, r, auth.Actor(ctx))
	})
}

// withReminder runs fn on a fresh read of the reminder taken under its appointment's lock.
func (h *Hooks) withReminder(ctx context.Context, reminderID string, fn func(context.Context, model.Reminder) (model.Reminder, error)) (model.Reminder, error) {
	r, err := h.store.GetReminder(ctx, reminderID)
	if err != nil {
		return model.Reminder{}, err
	}
	var out model.Reminder
	err = h.locker.WithLock(ctx, lockKey(r.AppointmentID), func(ctx context.Context) error {
		r, err := h.store.GetReminder(ctx, reminderID)
		if err != nil {
			return err
		}
		out, err = fn(ctx, r)
		return err
	})
	return out, err
}
