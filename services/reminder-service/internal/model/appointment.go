package model

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentConfirmed, AppointmentCancelled, AppointmentCompleted, AppointmentNoShow:
		return true
	}
	return false
}

// Closed appointments get no new reminders and no escalation.
func (s AppointmentStatus) Closed() bool {
	return s == AppointmentCancelled || s == AppointmentCompleted || s == AppointmentNoShow
}

type Appointment struct {
	ID                      string
	DoctorID                string
	PatientID               string
	StartTime               time.Time
	EndTime                 time.Time
	Type                    string
	Status                  AppointmentStatus
	Location                string
	Description             string
	PreparationInstructions string
	UpdatedAt               time.Time
}

// Person is a patient or doctor as far as messaging is concerned.
type Person struct {
	ID    string
	Name  string
	Phone string
	Email string
}

type Preference struct {
	PatientID string
	Channel   Channel
	Enabled   bool
	Priority  int
	// LeadTime of zero means the configured default.
	LeadTime  time.Duration
	UpdatedAt time.Time
}

type Template struct {
	ID              string
	Name            string
	Channel         Channel
	AppointmentType string // empty is the channel default
	Subject         string
	Body            string
	DeletedAt       *time.Time
	UpdatedAt       time.Time
}

type OptInEvent struct {
	ID        string
	PatientID string
	Channel   Channel
	OptedIn   bool
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	Actor      string
	Details    map[string]any
	CreatedAt  time.Time
}
