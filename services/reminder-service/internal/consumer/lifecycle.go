package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/hooks"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/segmentio/kafka-go"
)

const TopicAppointmentLifecycle = "booking.appointment.lifecycle.v1"

const (
	KindCreated   = "appointment.created"
	KindChanged   = "appointment.changed"
	KindCancelled = "appointment.cancelled"
)

type Lifecycle interface {
	OnAppointmentCreated(ctx context.Context, appt model.Appointment) (planner.Result, error)
	OnAppointmentChanged(ctx context.Context, appt model.Appointment, previousStart time.Time) (planner.Result, error)
	OnAppointmentCancelled(ctx context.Context, appt model.Appointment) error
}

type People interface {
	UpsertPerson(ctx context.Context, p model.Person) error
}

type personPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type appointmentPayload struct {
	ID                      string    `json:"id"`
	DoctorID                string    `json:"doctor_id"`
	PatientID               string    `json:"patient_id"`
	StartTime               time.Time `json:"start_time"`
	EndTime                 time.Time `json:"end_time"`
	AppointmentType         string    `json:"appointment_type"`
	Status                  string    `json:"status"`
	Location                string    `json:"location"`
	Description             string    `json:"description"`
	PreparationInstructions string    `json:"preparation_instructions"`
}

// LifecycleEvent is the payload on the appointment lifecycle topic. Patient and doctor are
// optional contact snapshots.
type LifecycleEvent struct {
	Kind              string             `json:"kind"`
	Appointment       appointmentPayload `json:"appointment"`
	PreviousStartTime *time.Time         `json:"previous_start_time,omitempty"`
	Patient           *personPayload     `json:"patient,omitempty"`
	Doctor            *personPayload     `json:"doctor,omitempty"`
}

func (e LifecycleEvent) appointment() model.Appointment {
	a := e.Appointment
	return model.Appointment{
		ID:                      a.ID,
		DoctorID:                a.DoctorID,
		PatientID:               a.PatientID,
		StartTime:               a.StartTime.UTC(),
		EndTime:                 a.EndTime.UTC(),
		Type:                    a.AppointmentType,
		Status:                  model.AppointmentStatus(a.Status),
		Location:                a.Location,
		Description:             a.Description,
		PreparationInstructions: a.PreparationInstructions,
	}
}

// LifecycleHandler applies appointment lifecycle events through the hooks.
func LifecycleHandler(lc Lifecycle, people People) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt LifecycleEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if evt.Appointment.ID == "" {
			return fmt.Errorf("%w: missing appointment id", ErrMalformedEvent)
		}

		for _, p := range []*personPayload{evt.Patient, evt.Doctor} {
			if p == nil || p.ID == "" {
				continue
			}
			if err := people.UpsertPerson(ctx, model.Person{ID: p.ID, Name: p.Name, Phone: p.Phone, Email: p.Email}); err != nil {
				return fmt.Errorf("store person %s: %w", p.ID, err)
			}
		}

		appt := evt.appointment()
		var err error
		switch evt.Kind {
		case KindCreated:
			_, err = lc.OnAppointmentCreated(ctx, appt)
		case KindChanged:
			var prev time.Time
			if evt.PreviousStartTime != nil {
				prev = evt.PreviousStartTime.UTC()
			}
			_, err = lc.OnAppointmentChanged(ctx, appt, prev)
		case KindCancelled:
			err = lc.OnAppointmentCancelled(ctx, appt)
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, evt.Kind)
		}
		if errors.Is(err, hooks.ErrInvalidAppointment) {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return err
	}
}
