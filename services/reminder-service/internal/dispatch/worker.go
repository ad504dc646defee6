package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/channels"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/settings"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
)

type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) ([]model.Reminder, error)
	ListEscalationPending(ctx context.Context, failedBefore time.Time, limit int) ([]model.Reminder, error)
	Apply(ctx context.Context, t storage.Transition) (model.Reminder, error)
	AppendAudit(ctx context.Context, entries ...model.AuditEntry) error
}

type Adapters interface {
	Lookup(ch model.Channel) (channels.Adapter, error)
}

// Escalator is told about every reminder that reached failed through dispatch.
type Escalator interface {
	Escalate(ctx context.Context, failed model.Reminder) (*model.Reminder, error)
}

type Worker struct {
	store     Store
	adapters  Adapters
	escalator Escalator
	policy    settings.Policy
	logger    *slog.Logger
	now       func() time.Time
}

func NewWorker(store Store, adapters Adapters, escalator Escalator, policy settings.Policy, logger *slog.Logger) *Worker {
	d := settings.Default()
	if policy.Workers <= 0 {
		policy.Workers = d.Workers
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = d.BatchSize
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = d.PollInterval
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = d.SendTimeout
	}
	if policy.ClaimLease <= policy.SendTimeout {
		policy.ClaimLease = d.ClaimLease
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = d.MaxRetries
	}
	return &Worker{
		store:     store,
		adapters:  adapters,
		escalator: escalator,
		policy:    policy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("dispatch batch failed", "err", err)
			}
		}
	}
}

// RunOnce releases expired claims, retries unfinished escalations, then claims one batch of due
// reminders and sends them on the worker pool. It returns the number of reminders claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	released, err := w.store.ReleaseStaleClaims(ctx, now.Add(-w.policy.ClaimLease), now)
	if err != nil {
		return 0, err
	}
	if len(released) > 0 {
		releasedCounter.Add(float64(len(released)))
		w.logger.Warn("stale claims released", "count", len(released))
	}
	w.retryEscalations(ctx, now)

	claimed, err := w.store.ClaimDue(ctx, now, w.policy.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	claimedCounter.Add(float64(len(claimed)))

	jobs := make(chan model.Reminder)
	var wg sync.WaitGroup
	for i := 0; i < min(w.policy.Workers, len(claimed)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				w.process(ctx, r)
			}
		}()
	}
	for _, r := range claimed {
		jobs <- r
	}
	close(jobs)
	wg.Wait()
	return len(claimed), nil
}

func (w *Worker) process(ctx context.Context, r model.Reminder) {
	logger := w.logger.With("reminder_id", r.ID, "appointment_id", r.AppointmentID, "channel", r.Channel)

	// A claim this old could be released while the provider call is still running.
	if r.ClaimedAt != nil && w.now().Sub(*r.ClaimedAt) > w.policy.ClaimLease-w.policy.SendTimeout {
		attemptsCounter.WithLabelValues(string(r.Channel), "skipped").Inc()
		logger.Warn("claim too old to send, leaving for release")
		return
	}

	// State writes must land even when shutdown cancels ctx mid-send.
	writeCtx := context.WithoutCancel(ctx)

	adapter, err := w.adapters.Lookup(r.Channel)
	if err != nil {
		w.fail(writeCtx, logger, r, r.RetryCount, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.policy.SendTimeout)
	start := time.Now()
	receipt, err := adapter.Send(sendCtx, channels.Message{
		ReminderID:    r.ID,
		AppointmentID: r.AppointmentID,
		Channel:       r.Channel,
		Destination:   r.Destination,
		Subject:       r.Subject,
		Body:          r.Body,
	})
	cancel()
	sendDurationHist.WithLabelValues(adapter.ProviderID()).Observe(time.Since(start).Seconds())

	if err != nil {
		if channels.IsPermanent(err) {
			w.fail(writeCtx, logger, r, r.RetryCount, err)
			return
		}
		w.retry(writeCtx, logger, r, err)
		return
	}
	w.sent(writeCtx, logger, r, receipt)
}

func (w *Worker) sent(ctx context.Context, logger *slog.Logger, r model.Reminder, receipt channels.Receipt) {
	now := w.now()
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionStatusChanged, audit.SystemActor, map[string]any{
		"from":        string(model.ReminderDispatching),
		"to":          string(model.ReminderSent),
		"provider":    receipt.Provider,
		"external_id": receipt.ExternalID,
	})
	_, err := w.store.Apply(ctx, storage.Transition{
		ReminderID: r.ID,
		From:       model.ReminderDispatching,
		To:         model.ReminderSent,
		SentTime:   &now,
		ExternalID: &receipt.ExternalID,
		Audit:      &entry,
	})
	if errors.Is(err, storage.ErrStaleState) {
		// Superseded, released or failed by a callback while the provider call was in flight.
		attemptsCounter.WithLabelValues(string(r.Channel), "late_send").Inc()
		logger.Warn("reminder sent after it left dispatching", "external_id", receipt.ExternalID)
		late := audit.Warning(audit.New(audit.EntityReminder, r.ID, audit.ActionLateSend, audit.SystemActor, map[string]any{
			"appointment_id": r.AppointmentID,
			"channel":        string(r.Channel),
			"provider":       receipt.Provider,
			"external_id":    receipt.ExternalID,
		}))
		if err := w.store.AppendAudit(ctx, late); err != nil {
			logger.Error("audit late send failed", "err", err)
		}
		return
	}
	if err != nil {
		logger.Error("mark sent failed", "err", err, "external_id", receipt.ExternalID)
		return
	}
	attemptsCounter.WithLabelValues(string(r.Channel), "sent").Inc()
	logger.Info("reminder sent", "provider", receipt.Provider, "external_id", receipt.ExternalID)
}

func (w *Worker) retry(ctx context.Context, logger *slog.Logger, r model.Reminder, sendErr error) {
	retries := r.RetryCount + 1
	if retries >= w.policy.MaxRetries {
		w.fail(ctx, logger, r, retries, sendErr)
		return
	}
	next := w.now().Add(w.policy.Backoff(retries))
	msg := sendErr.Error()
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionStatusChanged, audit.SystemActor, map[string]any{
		"from":            string(model.ReminderDispatching),
		"to":              string(model.ReminderPending),
		"retry_count":     retries,
		"next_attempt_at": next.Format(time.RFC3339),
		"error":           msg,
	})
	_, err := w.store.Apply(ctx, storage.Transition{
		ReminderID:    r.ID,
		From:          model.ReminderDispatching,
		To:            model.ReminderPending,
		RetryCount:    &retries,
		NextAttemptAt: &next,
		ErrorMessage:  &msg,
		Audit:         &entry,
	})
	if err != nil {
		logger.Error("schedule retry failed", "err", err)
		return
	}
	attemptsCounter.WithLabelValues(string(r.Channel), "retry").Inc()
	logger.Warn("send failed, will retry", "err", sendErr, "retry_count", retries, "next_attempt_at", next)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, r model.Reminder, retries int, sendErr error) {
	msg := sendErr.Error()
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionStatusChanged, audit.SystemActor, map[string]any{
		"from":        string(model.ReminderDispatching),
		"to":          string(model.ReminderFailed),
		"retry_count": retries,
		"permanent":   channels.IsPermanent(sendErr),
		"error":       msg,
	})
	failed, err := w.store.Apply(ctx, storage.Transition{
		ReminderID:   r.ID,
		From:         model.ReminderDispatching,
		To:           model.ReminderFailed,
		RetryCount:   &retries,
		ErrorMessage: &msg,
		Audit:        &entry,
	})
	if err != nil {
		logger.Error("mark failed failed", "err", err)
		return
	}
	attemptsCounter.WithLabelValues(string(r.Channel), "failed").Inc()
	logger.Warn("reminder failed", "err", sendErr, "retry_count", retries)

	w.escalate(ctx, logger, failed)
}

// retryEscalations picks up failures whose escalation was lost to a lock timeout, a store error
// or a crash. The grace period keeps it off failures still being escalated inline.
func (w *Worker) retryEscalations(ctx context.Context, now time.Time) {
	if w.escalator == nil {
		return
	}
	failed, err := w.store.ListEscalationPending(ctx, now.Add(-w.policy.ClaimLease), w.policy.BatchSize)
	if err != nil {
		w.logger.Error("list pending escalations failed", "err", err)
		return
	}
	for _, r := range failed {
		escalationRetriesCounter.Inc()
		w.escalate(context.WithoutCancel(ctx), w.logger.With("reminder_id", r.ID, "appointment_id", r.AppointmentID, "channel", r.Channel), r)
	}
}

func (w *Worker) escalate(ctx context.Context, logger *slog.Logger, failed model.Reminder) {
	if w.escalator == nil {
		return
	}
	next, err := w.escalator.Escalate(ctx, failed)
	if err != nil {
		logger.Error("escalation failed, will retry", "err", err)
		return
	}
	if next != nil {
		escalationsCounter.WithLabelValues(string(next.Channel)).Inc()
	}
}
