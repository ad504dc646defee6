package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingReminder(id, appt string, ch model.Channel, due time.Time) model.Reminder {
	return model.Reminder{
		ID:            id,
		AppointmentID: appt,
		Channel:       ch,
		Status:        model.ReminderPending,
		ScheduledTime: due,
		NextAttemptAt: due,
		CreatedAt:     due,
	}
}

func TestMemoryClaimDueIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	var rs []model.Reminder
	for i, ch := range model.Channels {
		rs = append(rs, pendingReminder(string(rune('a'+i)), "appt-"+string(ch), ch, now.Add(-time.Minute)))
	}
	rs = append(rs, pendingReminder("future", "appt-x", model.ChannelSMS, now.Add(time.Hour)))
	require.NoError(t, m.InsertReminders(ctx, rs, nil))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.ClaimDue(ctx, now, 2)
			assert.NoError(t, err)
			mu.Lock()
			for _, r := range claimed {
				seen[r.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, len(model.Channels))
	for id, n := range seen {
		assert.Equal(t, 1, n, "reminder %s claimed more than once", id)
	}
	assert.NotContains(t, seen, "future")
}

func TestMemoryApplyIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{pendingReminder("r1", "a1", model.ChannelSMS, now)}, nil))
	_, err := m.ClaimDue(ctx, now, 10)
	require.NoError(t, err)

	ext := "SM123"
	entry := audit.New(audit.EntityReminder, "r1", audit.ActionStatusChanged, "", nil)
	r, err := m.Apply(ctx, Transition{ReminderID: "r1", From: model.ReminderDispatching, To: model.ReminderSent, SentTime: &now, ExternalID: &ext, Audit: &entry})
	require.NoError(t, err)
	assert.Equal(t, model.ReminderSent, r.Status)
	assert.Nil(t, r.ClaimedAt)

	_, err = m.Apply(ctx, Transition{ReminderID: "r1", From: model.ReminderDispatching, To: model.ReminderSent})
	assert.ErrorIs(t, err, ErrStaleState)

	_, err = m.Apply(ctx, Transition{ReminderID: "missing", From: model.ReminderPending, To: model.ReminderFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.GetReminderByExternalID(ctx, "SM123")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Len(t, m.Audits(), 1)
	assert.Len(t, m.Events(), 1)
}

func TestMemoryOneActiveReminderPerChannel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{pendingReminder("r1", "a1", model.ChannelSMS, now)}, nil))

	err := m.InsertReminders(ctx, []model.Reminder{pendingReminder("r2", "a1", model.ChannelSMS, now)}, nil)
	assert.ErrorIs(t, err, ErrActiveReminderExists)

	superseded, err := m.SupersedeActive(ctx, "a1", model.ReasonSuperseded, "", now)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.True(t, superseded[0].Superseded())

	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{pendingReminder("r2", "a1", model.ChannelSMS, now)}, nil))
}

func TestMemoryReleaseStaleClaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{pendingReminder("r1", "a1", model.ChannelEmail, now.Add(-time.Hour))}, nil))
	_, err := m.ClaimDue(ctx, now.Add(-10*time.Minute), 1)
	require.NoError(t, err)

	released, err := m.ReleaseStaleClaims(ctx, now.Add(-2*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, model.ReminderPending, released[0].Status)
}

func TestMemoryTemplatesAndOptIns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, err := m.UpsertTemplate(ctx, model.Template{Channel: model.ChannelSMS, Body: "v1"}, audit.New(audit.EntityTemplate, "", audit.ActionTemplateUpserted, "", nil))
	require.NoError(t, err)
	_, err = m.UpsertTemplate(ctx, model.Template{Channel: model.ChannelSMS, Body: "v2"}, audit.New(audit.EntityTemplate, "", audit.ActionTemplateUpserted, "", nil))
	require.NoError(t, err)

	got, err := m.GetTemplate(ctx, model.ChannelSMS, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)
	assert.NotEqual(t, first.ID, got.ID)

	_, err = m.GetTemplate(ctx, model.ChannelSMS, "MRI")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC()
	require.NoError(t, m.AppendOptIn(ctx, model.OptInEvent{PatientID: "p1", Channel: model.ChannelSMS, OptedIn: true, CreatedAt: base}, audit.New(audit.EntityOptIn, "p1", audit.ActionOptInRecorded, "", nil)))
	require.NoError(t, m.AppendOptIn(ctx, model.OptInEvent{PatientID: "p1", Channel: model.ChannelSMS, OptedIn: false, CreatedAt: base.Add(time.Minute)}, audit.New(audit.EntityOptIn, "p1", audit.ActionOptInRecorded, "", nil)))
	latest, err := m.LatestOptIns(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, latest[model.ChannelSMS].OptedIn)
}

func TestMemoryInbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ok, err := m.Record(ctx, "e1", "appointment.created")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.Record(ctx, "e1", "appointment.created")
	assert.False(t, ok)
	require.NoError(t, m.Forget(ctx, "e1"))
	ok, _ = m.Record(ctx, "e1", "appointment.created")
	assert.True(t, ok)
}

func TestMemoryEscalationPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{
		pendingReminder("r1", "a1", model.ChannelSMS, now),
		pendingReminder("r2", "a2", model.ChannelSMS, now),
	}, nil))

	msg := "invalid number"
	failed, err := m.Apply(ctx, Transition{ReminderID: "r1", From: model.ReminderPending, To: model.ReminderFailed, ErrorMessage: &msg})
	require.NoError(t, err)
	assert.True(t, failed.EscalationPending)
	_, err = m.SupersedeActive(ctx, "a2", model.ReasonAppointmentCancelled, "", now)
	require.NoError(t, err)

	pending, err := m.ListEscalationPending(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	pending, err = m.ListEscalationPending(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Inserting the escalation reminder finishes it in the same step.
	next := pendingReminder("r3", "a1", model.ChannelEmail, now)
	next.EscalatedFrom = "r1"
	require.NoError(t, m.InsertReminders(ctx, []model.Reminder{next}, nil))
	got, _ := m.GetReminder(ctx, "r1")
	assert.False(t, got.EscalationPending)

	_, err = m.Apply(ctx, Transition{ReminderID: "r3", From: model.ReminderPending, To: model.ReminderFailed, ErrorMessage: &msg})
	require.NoError(t, err)
	entry := audit.New(audit.EntityReminder, "r3", audit.ActionEscalationSkipped, "", nil)
	require.NoError(t, m.FinishEscalation(ctx, "r3", entry))
	got, _ = m.GetReminder(ctx, "r3")
	assert.False(t, got.EscalationPending)
	assert.ErrorIs(t, m.FinishEscalation(ctx, "missing"), ErrNotFound)
}

func TestMemoryEnqueueEventReturnsStoredID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	evt := outbox.Event{AggregateType: "patient", AggregateID: "p1", EventType: outbox.TopicInApp, Payload: []byte(`{"title":"hi"}`)}

	first, err := m.EnqueueEvent(ctx, evt)
	require.NoError(t, err)
	second, err := m.EnqueueEvent(ctx, evt)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first, second}, m.EventIDs())
	assert.Len(t, m.Events(), 2)

	_, err = m.EnqueueEvent(ctx, outbox.Event{EventType: outbox.TopicInApp})
	assert.ErrorIs(t, err, outbox.ErrInvalidEvent)
	assert.Len(t, m.EventIDs(), 2)
}
