package hooks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/preferences"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHooks(t *testing.T) (*Hooks, *storage.Memory) {
	t.Helper()
	return newHooksWith(t, planner.Config{}, redisx.NewLocalLocker())
}

func newHooksWith(t *testing.T, cfg planner.Config, locker redisx.Locker) (*Hooks, *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.UpsertPerson(ctx, model.Person{ID: "pat-1", Name: "Ada", Phone: "+15550001", Email: "ada@example.com"}))
	require.NoError(t, store.UpsertPerson(ctx, model.Person{ID: "doc-1", Name: "Dr. Grace"}))
	for _, tmpl := range []model.Template{
		{Channel: model.ChannelSMS, Body: "Hi {{patient_name}}, {{appointment_time}}"},
		{Channel: model.ChannelEmail, Subject: "Reminder", Body: "Dear {{patient_name}}"},
	} {
		_, err := store.UpsertTemplate(ctx, tmpl, audit.New(audit.EntityTemplate, "", audit.ActionTemplateUpserted, "", nil))
		require.NoError(t, err)
	}
	for i, ch := range []model.Channel{model.ChannelSMS, model.ChannelEmail} {
		p := model.Preference{PatientID: "pat-1", Channel: ch, Enabled: true, Priority: i + 1}
		require.NoError(t, store.UpsertPreference(ctx, p, audit.New(audit.EntityPreference, "pat-1", audit.ActionPreferenceUpserted, "", nil)))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pl := planner.New(store, preferences.NewResolver(store, 24*time.Hour), templates.NewResolver(store), templates.NewRenderer(time.UTC), logger, cfg)
	return New(store, pl, locker, logger), store
}

func appointment() model.Appointment {
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Minute)
	return model.Appointment{ID: "appt-1", PatientID: "pat-1", DoctorID: "doc-1", StartTime: start, EndTime: start.Add(30 * time.Minute), Type: "Checkup"}
}

func TestCreatedPlansAndStoresAppointment(t *testing.T) {
	h, store := newHooks(t)
	ctx := context.Background()

	res, err := h.OnAppointmentCreated(ctx, appointment())
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	stored, err := store.GetAppointment(ctx, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentScheduled, stored.Status)
}

func TestCreatedRejectsInvalidAppointment(t *testing.T) {
	h, _ := newHooks(t)
	appt := appointment()
	appt.EndTime = appt.StartTime

	_, err := h.OnAppointmentCreated(context.Background(), appt)
	assert.ErrorIs(t, err, ErrInvalidAppointment)
}

func TestChangedStartTimeReplans(t *testing.T) {
	h, store := newHooks(t)
	staff := auth.WithClaims(context.Background(), &auth.Claims{Sub: "staff-9", Role: auth.RoleStaff})

	appt := appointment()
	_, err := h.OnAppointmentCreated(staff, appt)
	require.NoError(t, err)

	moved := appt
	moved.StartTime = appt.StartTime.Add(24 * time.Hour)
	moved.EndTime = moved.StartTime.Add(30 * time.Minute)
	res, err := h.OnAppointmentChanged(staff, moved, time.Time{})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	rs, err := store.ListReminders(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Len(t, rs, 4)
	for _, r := range rs {
		if r.Superseded() {
			assert.Equal(t, model.ReasonSuperseded, r.ErrorMessage)
		} else {
			assert.Equal(t, moved.StartTime.Add(-24*time.Hour), r.ScheduledTime)
		}
	}

	superseded := 0
	for _, e := range store.Audits() {
		if e.Action == audit.ActionSuperseded {
			superseded++
			assert.Equal(t, "staff-9", e.Actor)
		}
	}
	assert.Equal(t, 2, superseded)
}

func TestChangedWithoutTimeChangeIsNoop(t *testing.T) {
	h, store := newHooks(t)
	ctx := context.Background()
	appt := appointment()
	_, err := h.OnAppointmentCreated(ctx, appt)
	require.NoError(t, err)

	appt.Status = model.AppointmentConfirmed
	res, err := h.OnAppointmentChanged(ctx, appt, appt.StartTime)
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	rs, _ := store.ListReminders(ctx, appt.ID)
	assert.Len(t, rs, 2)
}

func TestChangedToClosedStatusCancels(t *testing.T) {
	h, store := newHooks(t)
	ctx := context.Background()
	appt := appointment()
	_, err := h.OnAppointmentCreated(ctx, appt)
	require.NoError(t, err)

	appt.Status = model.AppointmentNoShow
	_, err = h.OnAppointmentChanged(ctx, appt, time.Time{})
	require.NoError(t, err)

	rs, _ := store.ListReminders(ctx, appt.ID)
	for _, r := range rs {
		assert.Equal(t, model.ReminderFailed, r.Status)
	}
}

func TestCancelledWhilePendingLeavesNothingDue(t *testing.T) {
	h, store := newHooks(t)
	ctx := context.Background()
	appt := appointment()
	appt.StartTime = time.Now().UTC().Add(time.Minute)
	appt.EndTime = appt.StartTime.Add(time.Hour)
	_, err := h.OnAppointmentCreated(ctx, appt)
	require.NoError(t, err)

	require.NoError(t, h.OnAppointmentCancelled(ctx, model.Appointment{ID: appt.ID}))

	stored, err := store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentCancelled, stored.Status)
	assert.Equal(t, "pat-1", stored.PatientID)

	due, err := store.ClaimDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	rs, _ := store.ListReminders(ctx, appt.ID)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, model.ReasonAppointmentCancelled, r.ErrorMessage)
	}
}

func TestConcurrentChangesKeepOneActivePerChannel(t *testing.T) {
	h, store := newHooks(t)
	ctx := context.Background()
	appt := appointment()
	_, err := h.OnAppointmentCreated(ctx, appt)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			moved := appt
			moved.StartTime = appt.StartTime.Add(time.Duration(i) * time.Hour)
			moved.EndTime = moved.StartTime.Add(time.Hour)
			_, err := h.OnAppointmentChanged(ctx, moved, time.Time{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rs, _ := store.ListReminders(ctx, appt.ID)
	active := map[model.Channel]int{}
	for _, r := range rs {
		if !r.Status.Terminal() {
			active[r.Channel]++
		}
	}
	assert.Equal(t, map[model.Channel]int{model.ChannelSMS: 1, model.ChannelEmail: 1}, active)
}

func TestManualOnlyPlansOnlyOnRequest(t *testing.T) {
	h, store := newHooksWith(t, planner.Config{ManualOnly: true}, redisx.NewLocalLocker())
	ctx := auth.WithClaims(context.Background(), &auth.Claims{Sub: "staff-9", Role: auth.RoleStaff})
	appt := appointment()

	res, err := h.OnAppointmentCreated(ctx, appt)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	rs, _ := store.ListReminders(ctx, appt.ID)
	assert.Empty(t, rs)

	res, err = h.PlanReminders(ctx, appt.ID)
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	_, err = h.PlanReminders(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendNowAndRetryReadFreshState(t *testing.T) {
	h, store := newHooks(t)
	ctx := auth.WithClaims(context.Background(), &auth.Claims{Sub: "staff-9", Role: auth.RoleStaff})
	res, err := h.OnAppointmentCreated(ctx, appointment())
	require.NoError(t, err)
	var sms model.Reminder
	for _, r := range res.Created {
		if r.Channel == model.ChannelSMS {
			sms = r
		}
	}

	moved, err := h.SendNow(ctx, sms.ID)
	require.NoError(t, err)
	assert.True(t, moved.NextAttemptAt.Before(sms.NextAttemptAt))

	_, err = h.RetryReminder(ctx, sms.ID)
	assert.ErrorIs(t, err, planner.ErrNotRetryable)

	msg := "invalid number"
	_, err = store.Apply(ctx, storage.Transition{ReminderID: sms.ID, From: model.ReminderPending, To: model.ReminderFailed, ErrorMessage: &msg})
	require.NoError(t, err)

	_, err = h.SendNow(ctx, sms.ID)
	assert.ErrorIs(t, err, planner.ErrNotPending)

	retried, err := h.RetryReminder(ctx, sms.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelSMS, retried.Channel)

	retriedBy := ""
	for _, e := range store.Audits() {
		if e.Action == audit.ActionReminderRetried {
			retriedBy = e.Actor
		}
	}
	assert.Equal(t, "staff-9", retriedBy)

	_, err = h.SendNow(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return redisx.ErrLockNotAcquired
}

func TestEscalateReportsLockContention(t *testing.T) {
	h, store := newHooksWith(t, planner.Config{}, busyLocker{})
	ctx := context.Background()
	sms := model.Reminder{ID: "r1", AppointmentID: "appt-1", Channel: model.ChannelSMS, Status: model.ReminderPending}
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{sms}, nil))
	msg := "invalid number"
	failed, err := store.Apply(ctx, storage.Transition{ReminderID: "r1", From: model.ReminderPending, To: model.ReminderFailed, ErrorMessage: &msg})
	require.NoError(t, err)

	_, err = h.Escalate(ctx, failed)
	assert.ErrorIs(t, err, redisx.ErrLockNotAcquired)

	got, _ := store.GetReminder(ctx, "r1")
	assert.True(t, got.EscalationPending)
	pending, err := store.ListEscalationPending(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)
}
