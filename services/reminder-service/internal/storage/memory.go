package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
)

// Memory is an in-process Store for tests and local runs without Postgres.
type Memory struct {
	mu           sync.Mutex
	appointments map[string]model.Appointment
	people       map[string]model.Person
	preferences  map[string]map[model.Channel]model.Preference
	optIns       []model.OptInEvent
	templates    []model.Template
	reminders    map[string]*model.Reminder
	order        []string
	audits       []model.AuditEntry
	events       []outbox.Event
	eventIDs     []string
	inbox        map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		appointments: map[string]model.Appointment{},
		people:       map[string]model.Person{},
		preferences:  map[string]map[model.Channel]model.Preference{},
		reminders:    map[string]*model.Reminder{},
		inbox:        map[string]string{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) UpsertAppointment(_ context.Context, a model.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.UpdatedAt = time.Now().UTC()
	m.appointments[a.ID] = a
	return nil
}

func (m *Memory) GetPerson(_ context.Context, id string) (model.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[id]
	if !ok {
		return model.Person{}, fmt.Errorf("person %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) UpsertPerson(_ context.Context, p model.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.people[p.ID] = p
	return nil
}

func (m *Memory) ListPreferences(_ context.Context, patientID string) ([]model.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Preference
	for _, p := range m.preferences[patientID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (m *Memory) UpsertPreference(_ context.Context, p model.Preference, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preferences[p.PatientID] == nil {
		m.preferences[p.PatientID] = map[model.Channel]model.Preference{}
	}
	p.UpdatedAt = time.Now().UTC()
	m.preferences[p.PatientID][p.Channel] = p
	m.appendAuditLocked(entry)
	return nil
}

func (m *Memory) LatestOptIns(_ context.Context, patientID string) (map[model.Channel]model.OptInEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.Channel]model.OptInEvent{}
	for _, ev := range m.optIns {
		if ev.PatientID != patientID {
			continue
		}
		if prev, ok := out[ev.Channel]; !ok || !ev.CreatedAt.Before(prev.CreatedAt) {
			out[ev.Channel] = ev
		}
	}
	return out, nil
}

func (m *Memory) AppendOptIn(_ context.Context, ev model.OptInEvent, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.optIns = append(m.optIns, ev)
	m.appendAuditLocked(entry)
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, channel model.Channel, appointmentType string) (model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.DeletedAt == nil && t.Channel == channel && t.AppointmentType == appointmentType {
			return t, nil
		}
	}
	return model.Template{}, fmt.Errorf("template: %w", ErrNotFound)
}

func (m *Memory) UpsertTemplate(_ context.Context, t model.Template, entry model.AuditEntry) (model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	replaced := false
	for i := range m.templates {
		cur := &m.templates[i]
		if cur.ID == t.ID {
			cur.Name, cur.Subject, cur.Body = t.Name, t.Subject, t.Body
			cur.DeletedAt = nil
			cur.UpdatedAt = now
			t = *cur
			replaced = true
			continue
		}
		if cur.DeletedAt == nil && cur.Channel == t.Channel && cur.AppointmentType == t.AppointmentType {
			deleted := now
			cur.DeletedAt = &deleted
		}
	}
	if !replaced {
		t.UpdatedAt = now
		m.templates = append(m.templates, t)
	}
	entry.EntityID = t.ID
	m.appendAuditLocked(entry)
	return t, nil
}

func (m *Memory) InsertReminders(_ context.Context, reminders []model.Reminder, entries []model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := map[string]bool{}
	for _, r := range m.reminders {
		if !r.Status.Terminal() {
			active[r.AppointmentID+"|"+string(r.Channel)] = true
		}
	}
	for _, r := range reminders {
		key := r.AppointmentID + "|" + string(r.Channel)
		if active[key] {
			return fmt.Errorf("%s/%s: %w", r.AppointmentID, r.Channel, ErrActiveReminderExists)
		}
		active[key] = true
	}
	for _, r := range reminders {
		cp := r
		m.reminders[r.ID] = &cp
		m.order = append(m.order, r.ID)
		if from, ok := m.reminders[r.EscalatedFrom]; ok {
			from.EscalationPending = false
		}
	}
	for _, e := range entries {
		m.appendAuditLocked(e)
	}
	return nil
}

func (m *Memory) GetReminder(_ context.Context, id string) (model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return *r, nil
}

func (m *Memory) GetReminderByExternalID(_ context.Context, externalID string) (model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reminders {
		if r.ExternalID != "" && r.ExternalID == externalID {
			return *r, nil
		}
	}
	return model.Reminder{}, fmt.Errorf("reminder with external id %s: %w", externalID, ErrNotFound)
}

func (m *Memory) ListReminders(_ context.Context, appointmentID string) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reminder
	for _, id := range m.order {
		if r := m.reminders[id]; r.AppointmentID == appointmentID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.Reminder
	for _, id := range m.order {
		r := m.reminders[id]
		if r.Status == model.ReminderPending && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.Reminder, 0, len(due))
	for _, r := range due {
		claimed := now
		r.Status = model.ReminderDispatching
		r.ClaimedAt = &claimed
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) ReleaseStaleClaims(_ context.Context, claimedBefore, now time.Time) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reminder
	for _, id := range m.order {
		r := m.reminders[id]
		if r.Status != model.ReminderDispatching || r.ClaimedAt == nil || !r.ClaimedAt.Before(claimedBefore) {
			continue
		}
		r.Status = model.ReminderPending
		r.ClaimedAt = nil
		r.UpdatedAt = now
		out = append(out, *r)
		m.appendAuditLocked(audit.New(audit.EntityReminder, r.ID, audit.ActionClaimReleased, audit.SystemActor, map[string]any{
			"appointment_id": r.AppointmentID,
			"channel":        string(r.Channel),
		}))
	}
	return out, nil
}

func (m *Memory) Apply(_ context.Context, t Transition) (model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[t.ReminderID]
	if !ok {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", t.ReminderID, ErrNotFound)
	}
	if r.Status != t.From {
		return model.Reminder{}, ErrStaleState
	}
	t.applyTo(r, time.Now().UTC())
	if t.Audit != nil {
		m.appendAuditLocked(*t.Audit)
	}
	return *r, nil
}

func (m *Memory) SupersedeActive(_ context.Context, appointmentID, reason, actor string, now time.Time) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reminder
	for _, id := range m.order {
		r := m.reminders[id]
		if r.AppointmentID != appointmentID || r.Status.Terminal() {
			continue
		}
		prev := r.Status
		r.Status = model.ReminderFailed
		r.ErrorMessage = reason
		r.ClaimedAt = nil
		r.UpdatedAt = now
		out = append(out, *r)
		m.appendAuditLocked(audit.New(audit.EntityReminder, r.ID, audit.ActionSuperseded, actor, map[string]any{
			"appointment_id":  appointmentID,
			"channel":         string(r.Channel),
			"previous_status": string(prev),
			"reason":          reason,
		}))
	}
	return out, nil
}

// ListEscalationPending returns failed reminders whose escalation has not finished, oldest
// failure first, skipping any that failed at or after failedBefore.
func (m *Memory) ListEscalationPending(_ context.Context, failedBefore time.Time, limit int) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reminder
	for _, id := range m.order {
		r := m.reminders[id]
		if r.Status == model.ReminderFailed && r.EscalationPending && r.UpdatedAt.Before(failedBefore) {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FinishEscalation(_ context.Context, reminderID string, entries ...model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[reminderID]
	if !ok {
		return fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
	}
	r.EscalationPending = false
	for _, e := range entries {
		m.appendAuditLocked(e)
	}
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, entries ...model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.appendAuditLocked(e)
	}
	return nil
}

func (m *Memory) EnqueueEvent(_ context.Context, evt outbox.Event) (string, error) {
	if err := evt.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(evt), nil
}

// Record marks an inbound event as seen; false means it was a duplicate.
func (m *Memory) Record(_ context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inbox[eventID]; ok {
		return false, nil
	}
	m.inbox[eventID] = eventType
	return true, nil
}

func (m *Memory) Forget(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inbox, eventID)
	return nil
}

// Audits returns a copy of every audit entry written so far.
func (m *Memory) Audits() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.audits...)
}

// Events returns a copy of the outbox.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Event(nil), m.events...)
}

// EventIDs returns the ids of the outbox events, in the order of Events.
func (m *Memory) EventIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.eventIDs...)
}

func (m *Memory) appendAuditLocked(e model.AuditEntry) {
	m.audits = append(m.audits, e)
	if evt, err := audit.Event(e); err == nil {
		m.enqueueLocked(evt)
	}
}

func (m *Memory) enqueueLocked(evt outbox.Event) string {
	id := uuid.NewString()
	m.events = append(m.events, evt)
	m.eventIDs = append(m.eventIDs, id)
	return id
}
