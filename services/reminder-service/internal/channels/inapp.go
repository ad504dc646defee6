package channels

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
)

type EventEnqueuer interface {
	EnqueueEvent(ctx context.Context, evt outbox.Event) (string, error)
}

// InApp hands the message to the patient app through the outbox; the event id is the receipt.
type InApp struct {
	outbox EventEnqueuer
}

func NewInApp(enq EventEnqueuer) *InApp {
	return &InApp{outbox: enq}
}

func (a *InApp) ProviderID() string {
	return "inapp-outbox"
}

type inAppPayload struct {
	ReminderID    string `json:"reminder_id"`
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	Subject       string `json:"subject,omitempty"`
	Body          string `json:"body"`
}

func (a *InApp) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Destination == "" {
		return Receipt{}, Permanent(a.ProviderID(), errors.New("no patient id for in-app delivery"))
	}
	raw, err := json.Marshal(inAppPayload{
		ReminderID:    msg.ReminderID,
		AppointmentID: msg.AppointmentID,
		PatientID:     msg.Destination,
		Subject:       msg.Subject,
		Body:          msg.Body,
	})
	if err != nil {
		return Receipt{}, Permanent(a.ProviderID(), err)
	}
	id, err := a.outbox.EnqueueEvent(ctx, outbox.Event{
		AggregateType: "patient",
		AggregateID:   msg.Destination,
		EventType:     outbox.TopicInApp,
		Payload:       raw,
	})
	if err != nil {
		return Receipt{}, Transient(a.ProviderID(), err)
	}
	return Receipt{ExternalID: id, Provider: a.ProviderID()}, nil
}
