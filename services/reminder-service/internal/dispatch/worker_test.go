package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/channels"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/settings"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu     sync.Mutex
	sends  map[string]int
	result func(msg channels.Message) error
	onSend func(msg channels.Message)
}

func newFakeAdapter(result func(channels.Message) error) *fakeAdapter {
	return &fakeAdapter{sends: map[string]int{}, result: result}
}

func (a *fakeAdapter) ProviderID() string { return "fake" }

func (a *fakeAdapter) Send(_ context.Context, msg channels.Message) (channels.Receipt, error) {
	a.mu.Lock()
	a.sends[msg.ReminderID]++
	a.mu.Unlock()
	if a.onSend != nil {
		a.onSend(msg)
	}
	if a.result != nil {
		if err := a.result(msg); err != nil {
			return channels.Receipt{}, err
		}
	}
	return channels.Receipt{ExternalID: "ext-" + msg.ReminderID, Provider: "fake"}, nil
}

func (a *fakeAdapter) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends[id]
}

func (a *fakeAdapter) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.sends {
		n += c
	}
	return n
}

type recordingEscalator struct {
	mu     sync.Mutex
	failed []model.Reminder
}

func (e *recordingEscalator) Escalate(_ context.Context, failed model.Reminder) (*model.Reminder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, failed)
	return nil, nil
}

func newWorker(store Store, adapter channels.Adapter, esc Escalator, clock *time.Time) *Worker {
	reg := channels.NewRegistry()
	reg.Register(model.ChannelSMS, adapter)
	reg.Register(model.ChannelEmail, adapter)
	policy := settings.Default()
	policy.Workers = 4
	policy.BatchSize = 10
	w := NewWorker(store, reg, esc, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = func() time.Time { return *clock }
	return w
}

func pending(id string, ch model.Channel, due time.Time) model.Reminder {
	return model.Reminder{
		ID:            id,
		AppointmentID: "appt-" + id,
		Channel:       ch,
		Destination:   "+15550001",
		Body:          "hello",
		ScheduledTime: due,
		NextAttemptAt: due,
		Status:        model.ReminderPending,
	}
}

func TestRunOnceSendsDueReminders(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{
		pending("r1", model.ChannelSMS, t0.Add(-time.Minute)),
		pending("r2", model.ChannelEmail, t0.Add(time.Hour)),
	}, nil))
	clock := t0
	adapter := newFakeAdapter(nil)

	n, err := newWorker(store, adapter, nil, &clock).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r1, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderSent, r1.Status)
	assert.Equal(t, "ext-r1", r1.ExternalID)
	require.NotNil(t, r1.SentTime)
	assert.Equal(t, t0, *r1.SentTime)
	assert.Nil(t, r1.ClaimedAt)

	r2, _ := store.GetReminder(ctx, "r2")
	assert.Equal(t, model.ReminderPending, r2.Status)
	assert.Zero(t, adapter.count("r2"))
}

func TestConcurrentWorkersSendOnce(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	var rs []model.Reminder
	for i := 0; i < 40; i++ {
		rs = append(rs, pending(fmt.Sprintf("r%02d", i), model.ChannelSMS, t0.Add(-time.Minute)))
	}
	require.NoError(t, store.InsertReminders(ctx, rs, nil))
	clock := t0
	adapter := newFakeAdapter(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := newWorker(store, adapter, nil, &clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := w.RunOnce(ctx)
				assert.NoError(t, err)
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, r := range rs {
		assert.Equal(t, 1, adapter.count(r.ID), "reminder %s", r.ID)
		got, _ := store.GetReminder(ctx, r.ID)
		assert.Equal(t, model.ReminderSent, got.Status)
	}
}

func TestTransientFailuresRetryWithBackoffUpToCap(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	clock := t0
	adapter := newFakeAdapter(func(channels.Message) error {
		return channels.Transient("fake", errors.New("503 from provider"))
	})
	esc := &recordingEscalator{}
	w := newWorker(store, adapter, esc, &clock)

	wantBackoff := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, backoff := range wantBackoff {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		r, _ := store.GetReminder(ctx, "r1")
		assert.Equal(t, model.ReminderPending, r.Status)
		assert.Equal(t, i+1, r.RetryCount)
		assert.Equal(t, clock.Add(backoff), r.NextAttemptAt)

		// Not due yet.
		n, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		clock = r.NextAttemptAt
	}

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.Equal(t, 5, r.RetryCount)
	assert.Contains(t, r.ErrorMessage, "503 from provider")
	assert.Equal(t, 5, adapter.count("r1"))
	require.Len(t, esc.failed, 1)
	assert.Equal(t, "r1", esc.failed[0].ID)

	clock = clock.Add(time.Hour)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPermanentFailureFailsImmediatelyAndEscalates(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	clock := t0
	adapter := newFakeAdapter(func(channels.Message) error {
		return channels.ClassifyHTTP("fake", 400, "invalid phone number")
	})
	esc := &recordingEscalator{}

	_, err := newWorker(store, adapter, esc, &clock).RunOnce(ctx)
	require.NoError(t, err)

	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.Zero(t, r.RetryCount)
	assert.Contains(t, r.ErrorMessage, "invalid phone number")
	require.Len(t, esc.failed, 1)
	assert.Equal(t, model.ReminderFailed, esc.failed[0].Status)
}

func TestUnsupportedChannelIsPermanent(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelVoice, t0)}, nil))
	clock := t0

	_, err := newWorker(store, newFakeAdapter(nil), nil, &clock).RunOnce(ctx)
	require.NoError(t, err)

	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.Contains(t, r.ErrorMessage, "unsupported channel")
}

func TestSupersededBeforeDispatchIsNeverSent(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	_, err := store.SupersedeActive(ctx, "appt-r1", model.ReasonAppointmentCancelled, "", t0)
	require.NoError(t, err)
	clock := t0.Add(time.Hour)
	adapter := newFakeAdapter(nil)

	n, err := newWorker(store, adapter, nil, &clock).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, adapter.total())
}

func TestSupersededDuringSendIsAuditedAsLate(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	clock := t0
	adapter := newFakeAdapter(nil)
	adapter.onSend = func(msg channels.Message) {
		_, err := store.SupersedeActive(ctx, msg.AppointmentID, model.ReasonSuperseded, "", t0)
		assert.NoError(t, err)
	}

	_, err := newWorker(store, adapter, nil, &clock).RunOnce(ctx)
	require.NoError(t, err)

	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.Equal(t, model.ReasonSuperseded, r.ErrorMessage)

	late := 0
	for _, e := range store.Audits() {
		if e.Action == audit.ActionLateSend {
			late++
			assert.Equal(t, "ext-r1", e.Details["external_id"])
		}
	}
	assert.Equal(t, 1, late)
}

func TestStaleClaimsAreReleasedAndRetried(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0.Add(-time.Hour))}, nil))

	// A worker claimed it ten minutes ago and died.
	claimed, err := store.ClaimDue(ctx, t0.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock := t0
	adapter := newFakeAdapter(nil)
	n, err := newWorker(store, adapter, nil, &clock).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderSent, r.Status)
	assert.Equal(t, 1, adapter.count("r1"))

	released := 0
	for _, e := range store.Audits() {
		if e.Action == audit.ActionClaimReleased {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestOldClaimIsNotSent(t *testing.T) {
	store := storage.NewMemory()
	clock := t0
	adapter := newFakeAdapter(nil)
	w := newWorker(store, adapter, nil, &clock)

	old := t0.Add(-w.policy.ClaimLease + w.policy.SendTimeout - time.Second)
	r := pending("r1", model.ChannelSMS, t0)
	r.Status = model.ReminderDispatching
	r.ClaimedAt = &old
	w.process(context.Background(), r)

	assert.Zero(t, adapter.total())
}

type hangingAdapter struct {
	*fakeAdapter
	hang string
}

func (a *hangingAdapter) Send(ctx context.Context, msg channels.Message) (channels.Receipt, error) {
	if msg.ReminderID == a.hang {
		<-ctx.Done()
		return channels.Receipt{}, ctx.Err()
	}
	return a.fakeAdapter.Send(ctx, msg)
}

func TestHungProviderCallIsCutOffBySendTimeout(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{
		pending("r1", model.ChannelSMS, t0),
		pending("r2", model.ChannelSMS, t0),
		pending("r3", model.ChannelEmail, t0),
	}, nil))
	clock := t0
	adapter := &hangingAdapter{fakeAdapter: newFakeAdapter(nil), hang: "r1"}
	w := newWorker(store, adapter, nil, &clock)
	w.policy.SendTimeout = 50 * time.Millisecond

	start := time.Now()
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Less(t, time.Since(start), 5*time.Second)

	r1, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderPending, r1.Status)
	assert.Equal(t, 1, r1.RetryCount)
	assert.Contains(t, r1.ErrorMessage, context.DeadlineExceeded.Error())
	assert.Equal(t, t0.Add(w.policy.Backoff(1)), r1.NextAttemptAt)

	for _, id := range []string{"r2", "r3"} {
		r, _ := store.GetReminder(ctx, id)
		assert.Equal(t, model.ReminderSent, r.Status, "reminder %s", id)
	}
}

type flakyEscalator struct {
	mu       sync.Mutex
	store    *storage.Memory
	failures int
	calls    []string
}

func (e *flakyEscalator) Escalate(ctx context.Context, failed model.Reminder) (*model.Reminder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, failed.ID)
	if e.failures > 0 {
		e.failures--
		return nil, redisx.ErrLockNotAcquired
	}
	return nil, e.store.FinishEscalation(ctx, failed.ID)
}

func (e *flakyEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func TestLostEscalationIsRetriedBySweep(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	clock := t0
	adapter := newFakeAdapter(func(channels.Message) error {
		return channels.ClassifyHTTP("fake", 400, "invalid phone number")
	})
	esc := &flakyEscalator{store: store, failures: 1}
	w := newWorker(store, adapter, esc, &clock)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.True(t, r.EscalationPending)
	assert.Equal(t, 1, esc.count())

	// Still inside the grace period.
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, esc.count())

	clock = time.Now().UTC().Add(time.Hour)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, esc.count())
	r, _ = store.GetReminder(ctx, "r1")
	assert.False(t, r.EscalationPending)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, esc.count())
	assert.Equal(t, 1, adapter.count("r1"))
}

func TestFailedCallbackDuringSendKeepsFailure(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertReminders(ctx, []model.Reminder{pending("r1", model.ChannelSMS, t0)}, nil))
	clock := t0
	adapter := newFakeAdapter(nil)
	adapter.onSend = func(msg channels.Message) {
		msgText := "carrier rejected"
		_, err := store.Apply(ctx, storage.Transition{ReminderID: msg.ReminderID, From: model.ReminderDispatching, To: model.ReminderFailed, ErrorMessage: &msgText})
		assert.NoError(t, err)
	}

	_, err := newWorker(store, adapter, nil, &clock).RunOnce(ctx)
	require.NoError(t, err)

	r, _ := store.GetReminder(ctx, "r1")
	assert.Equal(t, model.ReminderFailed, r.Status)
	assert.Equal(t, "carrier rejected", r.ErrorMessage)
	assert.True(t, r.EscalationPending)

	late := 0
	for _, e := range store.Audits() {
		if e.Action == audit.ActionLateSend {
			late++
		}
	}
	assert.Equal(t, 1, late)
}
