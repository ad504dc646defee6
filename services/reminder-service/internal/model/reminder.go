package model

import "time"

type ReminderStatus string

const (
	ReminderPending     ReminderStatus = "pending"
	ReminderDispatching ReminderStatus = "dispatching"
	ReminderSent        ReminderStatus = "sent"
	ReminderDelivered   ReminderStatus = "delivered"
	ReminderRead        ReminderStatus = "read"
	ReminderResponded   ReminderStatus = "responded"
	ReminderFailed      ReminderStatus = "failed"
)

// Error messages stored on reminders that were failed by re-planning rather than delivery.
const (
	ReasonSuperseded           = "superseded"
	ReasonAppointmentCancelled = "appointment_cancelled"
)

var rank = map[ReminderStatus]int{
	ReminderPending:     0,
	ReminderDispatching: 1,
	ReminderSent:        2,
	ReminderDelivered:   3,
	ReminderRead:        4,
	ReminderResponded:   5,
}

func (s ReminderStatus) Valid() bool {
	_, ok := rank[s]
	return ok || s == ReminderFailed
}

func (s ReminderStatus) Terminal() bool {
	return s == ReminderResponded || s == ReminderFailed
}

// CanTransition reports whether from -> to is a legal move of the delivery state machine.
// Supersession is not covered here; it may fail any non-terminal reminder.
func CanTransition(from, to ReminderStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case ReminderDispatching:
		return from == ReminderPending
	case ReminderPending:
		return from == ReminderDispatching
	case ReminderSent:
		return from == ReminderDispatching
	case ReminderFailed:
		switch from {
		case ReminderPending, ReminderDispatching, ReminderSent, ReminderDelivered:
			return true
		}
		return false
	case ReminderDelivered, ReminderRead, ReminderResponded:
		return rank[from] >= rank[ReminderSent] && rank[to] > rank[from]
	}
	return false
}

type Reminder struct {
	ID                string
	AppointmentID     string
	TemplateID        string
	Channel           Channel
	Destination       string
	Subject           string
	Body              string
	ScheduledTime     time.Time
	NextAttemptAt     time.Time
	SentTime          *time.Time
	DeliveredTime     *time.Time
	ReadTime          *time.Time
	ResponseTime      *time.Time
	Status            ReminderStatus
	RetryCount        int
	ErrorMessage      string
	ExternalID        string
	Response          string
	EscalatedFrom     string
	// EscalationPending is set with every failure outside re-planning and cleared once escalation
	// created the next reminder or recorded why it did not.
	EscalationPending bool
	ClaimedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Superseded reports whether the reminder was failed by re-planning or cancellation.
func (r Reminder) Superseded() bool {
	return r.Status == ReminderFailed &&
		(r.ErrorMessage == ReasonSuperseded || r.ErrorMessage == ReasonAppointmentCancelled)
}

// LastEventTime is the latest lifecycle timestamp recorded on the reminder.
func (r Reminder) LastEventTime() time.Time {
	var last time.Time
	for _, ts := range []*time.Time{r.SentTime, r.DeliveredTime, r.ReadTime, r.ResponseTime} {
		if ts != nil && ts.After(last) {
			last = *ts
		}
	}
	return last
}
