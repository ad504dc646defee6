package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/preferences"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/templates"
)

// Skip reasons recorded in plan results and audit details.
const (
	SkipActiveReminder     = "active_reminder_exists"
	SkipMissingDestination = "missing_destination"
	SkipTemplateNotFound   = "template_not_found"
	SkipTemplateRender     = "template_render_failed"
)

var (
	// ErrNotPending is returned by SendNow for a reminder that is no longer waiting.
	ErrNotPending = errors.New("reminder is not pending")
	// ErrNotRetryable is returned by Retry for anything but a delivery failure of an open appointment.
	ErrNotRetryable = errors.New("reminder cannot be retried")
)

type Store interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	GetPerson(ctx context.Context, id string) (model.Person, error)
	ListReminders(ctx context.Context, appointmentID string) ([]model.Reminder, error)
	InsertReminders(ctx context.Context, reminders []model.Reminder, entries []model.AuditEntry) error
	SupersedeActive(ctx context.Context, appointmentID, reason, actor string, now time.Time) ([]model.Reminder, error)
	Apply(ctx context.Context, t storage.Transition) (model.Reminder, error)
	FinishEscalation(ctx context.Context, reminderID string, entries ...model.AuditEntry) error
	AppendAudit(ctx context.Context, entries ...model.AuditEntry) error
}

type PreferenceResolver interface {
	Resolve(ctx context.Context, patientID string) ([]preferences.ChannelPlan, error)
}

type TemplateResolver interface {
	Resolve(ctx context.Context, channel model.Channel, appointmentType string) (model.Template, error)
}

type Renderer interface {
	Render(t model.Template, d templates.Data) (templates.Rendered, error)
}

type Skip struct {
	Channel model.Channel
	Reason  string
	Detail  string
}

// Result lists what a planning pass created and which channels it left out.
type Result struct {
	Created []model.Reminder
	Skipped []Skip
}

type Config struct {
	// ClampBuffer is added to now when a reminder's ideal time is already in the past.
	ClampBuffer time.Duration
	// ManualOnly stops Plan from creating reminders; PlanManual still does.
	ManualOnly  bool
	Now         func() time.Time
}

type Planner struct {
	store     Store
	prefs     PreferenceResolver
	templates TemplateResolver
	renderer  Renderer
	logger    *slog.Logger
	buffer    time.Duration
	manual    bool
	now       func() time.Time
}

func New(store Store, prefs PreferenceResolver, tmpl TemplateResolver, renderer Renderer, logger *slog.Logger, cfg Config) *Planner {
	if cfg.ClampBuffer <= 0 {
		cfg.ClampBuffer = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Planner{
		store:     store,
		prefs:     prefs,
		templates: tmpl,
		renderer:  renderer,
		logger:    logger,
		buffer:    cfg.ClampBuffer,
		manual:    cfg.ManualOnly,
		now:       cfg.Now,
	}
}

// Plan creates one pending reminder for every usable channel of the appointment's patient that
// has no active reminder yet. Per-channel problems are skipped and audited; only store failures
// are returned. With automatic reminders turned off it does nothing.
func (p *Planner) Plan(ctx context.Context, appt model.Appointment, actor string) (Result, error) {
	if p.manual {
		p.logger.Info("automatic reminders disabled, not planning", "appointment_id", appt.ID)
		return Result{}, nil
	}
	return p.plan(ctx, appt, actor)
}

// PlanManual is Plan on staff request, regardless of the automatic reminders setting.
func (p *Planner) PlanManual(ctx context.Context, appt model.Appointment, actor string) (Result, error) {
	return p.plan(ctx, appt, actor)
}

func (p *Planner) plan(ctx context.Context, appt model.Appointment, actor string) (Result, error) {
	if appt.Status.Closed() {
		return Result{}, nil
	}
	plans, err := p.prefs.Resolve(ctx, appt.PatientID)
	if errors.Is(err, preferences.ErrNoEnabledChannel) {
		p.logger.Warn("no enabled channel", "appointment_id", appt.ID, "patient_id", appt.PatientID)
		entry := audit.Warning(audit.New(audit.EntityAppointment, appt.ID, audit.ActionNoEnabledChannel, actor, map[string]any{
			"patient_id": appt.PatientID,
		}))
		if err := p.store.AppendAudit(ctx, entry); err != nil {
			return Result{}, fmt.Errorf("audit no enabled channel: %w", err)
		}
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	existing, err := p.store.ListReminders(ctx, appt.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list reminders: %w", err)
	}
	active := map[model.Channel]bool{}
	for _, r := range existing {
		if !r.Status.Terminal() {
			active[r.Channel] = true
		}
	}

	data, err := p.loadData(ctx, appt)
	if err != nil {
		return Result{}, err
	}

	now := p.now()
	var res Result
	var entries []model.AuditEntry
	for _, plan := range plans {
		if active[plan.Channel] {
			res.Skipped = append(res.Skipped, Skip{Channel: plan.Channel, Reason: SkipActiveReminder})
			continue
		}
		scheduled := appt.StartTime.Add(-plan.LeadTime)
		if scheduled.Before(now) {
			scheduled = now.Add(p.buffer)
		}
		r, skip, err := p.build(ctx, appt, data, plan.Channel, scheduled)
		if err != nil {
			return Result{}, err
		}
		if skip != nil {
			res.Skipped = append(res.Skipped, *skip)
			entries = append(entries, skipEntry(appt.ID, actor, *skip))
			continue
		}
		res.Created = append(res.Created, r)
		entries = append(entries, audit.New(audit.EntityReminder, r.ID, audit.ActionReminderCreated, actor, map[string]any{
			"appointment_id": appt.ID,
			"channel":        string(r.Channel),
			"template_id":    r.TemplateID,
			"scheduled_time": r.ScheduledTime.Format(time.RFC3339),
			"lead_time":      plan.LeadTime.String(),
		}))
	}

	if len(res.Created) == 0 && len(entries) == 0 {
		return res, nil
	}
	if err := p.store.InsertReminders(ctx, res.Created, entries); err != nil {
		return Result{}, fmt.Errorf("insert reminders for %s: %w", appt.ID, err)
	}
	for _, r := range res.Created {
		p.logger.Info("reminder planned", "reminder_id", r.ID, "appointment_id", appt.ID, "channel", r.Channel, "scheduled_time", r.ScheduledTime)
	}
	return res, nil
}

// Replan supersedes every non-terminal reminder of the appointment and plans again.
func (p *Planner) Replan(ctx context.Context, appt model.Appointment, actor string) (Result, error) {
	superseded, err := p.store.SupersedeActive(ctx, appt.ID, model.ReasonSuperseded, actor, p.now())
	if err != nil {
		return Result{}, fmt.Errorf("supersede reminders of %s: %w", appt.ID, err)
	}
	if len(superseded) > 0 {
		p.logger.Info("reminders superseded", "appointment_id", appt.ID, "count", len(superseded))
	}
	return p.Plan(ctx, appt, actor)
}

// Cancel invalidates every non-terminal reminder of a closed appointment.
func (p *Planner) Cancel(ctx context.Context, appt model.Appointment, actor string) ([]model.Reminder, error) {
	reason := model.ReasonAppointmentCancelled
	out, err := p.store.SupersedeActive(ctx, appt.ID, reason, actor, p.now())
	if err != nil {
		return nil, fmt.Errorf("cancel reminders of %s: %w", appt.ID, err)
	}
	if len(out) > 0 {
		p.logger.Info("reminders cancelled", "appointment_id", appt.ID, "count", len(out), "reason", reason)
	}
	return out, nil
}

// SendNow makes a pending reminder due immediately. It is a compare-and-set on pending, so a
// reminder the dispatcher already claimed is reported as ErrNotPending.
func (p *Planner) SendNow(ctx context.Context, r model.Reminder, actor string) (model.Reminder, error) {
	if r.Status != model.ReminderPending {
		return model.Reminder{}, ErrNotPending
	}
	now := p.now()
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionSendNowRequested, actor, map[string]any{
		"appointment_id":  r.AppointmentID,
		"channel":         string(r.Channel),
		"next_attempt_at": r.NextAttemptAt.Format(time.RFC3339),
	})
	updated, err := p.store.Apply(ctx, storage.Transition{
		ReminderID:    r.ID,
		From:          model.ReminderPending,
		To:            model.ReminderPending,
		NextAttemptAt: &now,
		Audit:         &entry,
	})
	if errors.Is(err, storage.ErrStaleState) {
		return model.Reminder{}, ErrNotPending
	}
	if err != nil {
		return model.Reminder{}, fmt.Errorf("send now: %w", err)
	}
	p.logger.Info("reminder moved up", "reminder_id", r.ID, "appointment_id", r.AppointmentID, "channel", r.Channel)
	return updated, nil
}

// Retry schedules a fresh pending copy of a failed reminder on the same channel, due now. An
// active reminder on that channel is storage.ErrActiveReminderExists.
func (p *Planner) Retry(ctx context.Context, failed model.Reminder, actor string) (model.Reminder, error) {
	if failed.Status != model.ReminderFailed || failed.Superseded() {
		return model.Reminder{}, fmt.Errorf("%w: status %s %s", ErrNotRetryable, failed.Status, failed.ErrorMessage)
	}
	appt, err := p.store.GetAppointment(ctx, failed.AppointmentID)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status.Closed() {
		return model.Reminder{}, fmt.Errorf("%w: appointment is %s", ErrNotRetryable, appt.Status)
	}

	now := p.now()
	r := model.Reminder{
		ID:            uuid.NewString(),
		AppointmentID: failed.AppointmentID,
		TemplateID:    failed.TemplateID,
		Channel:       failed.Channel,
		Destination:   failed.Destination,
		Subject:       failed.Subject,
		Body:          failed.Body,
		ScheduledTime: now,
		NextAttemptAt: now,
		Status:        model.ReminderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry := audit.New(audit.EntityReminder, r.ID, audit.ActionReminderRetried, actor, map[string]any{
		"appointment_id": r.AppointmentID,
		"channel":        string(r.Channel),
		"retry_of":       failed.ID,
		"previous_error": failed.ErrorMessage,
	})
	if err := p.store.InsertReminders(ctx, []model.Reminder{r}, []model.AuditEntry{entry}); err != nil {
		return model.Reminder{}, err
	}
	p.logger.Info("reminder retried", "reminder_id", r.ID, "retry_of", failed.ID, "appointment_id", r.AppointmentID, "channel", r.Channel)
	return r, nil
}

// Escalate reacts to a reminder that terminally failed by scheduling the next lower-priority
// channel that has not been tried in the current plan. It returns nil when no action is taken.
func (p *Planner) Escalate(ctx context.Context, failed model.Reminder, actor string) (*model.Reminder, error) {
	if failed.Status != model.ReminderFailed || failed.Superseded() {
		return nil, nil
	}
	existing, err := p.store.ListReminders(ctx, failed.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	for _, r := range existing {
		// Escalation is retried until it finishes; a second run must not walk further down.
		if r.ID == failed.ID && !r.EscalationPending {
			return nil, nil
		}
	}

	appt, err := p.store.GetAppointment(ctx, failed.AppointmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, p.skipEscalation(ctx, failed, actor, "appointment_not_found")
	}
	if err != nil {
		return nil, err
	}
	if appt.Status.Closed() {
		return nil, p.skipEscalation(ctx, failed, actor, "appointment_"+string(appt.Status))
	}

	current := map[model.Channel][]model.Reminder{}
	for _, r := range existing {
		if r.Status == model.ReminderResponded {
			return nil, p.skipEscalation(ctx, failed, actor, "patient_responded")
		}
		if r.Superseded() {
			continue
		}
		current[r.Channel] = append(current[r.Channel], r)
	}

	plans, err := p.prefs.Resolve(ctx, appt.PatientID)
	if errors.Is(err, preferences.ErrNoEnabledChannel) {
		return nil, p.skipEscalation(ctx, failed, actor, "no_enabled_channel")
	}
	if err != nil {
		return nil, err
	}

	start := 0
	for i, plan := range plans {
		if plan.Channel == failed.Channel {
			start = i + 1
			break
		}
	}

	var data templates.Data
	loaded := false
	for _, plan := range plans[start:] {
		rs := current[plan.Channel]
		if hasActive(rs) {
			return nil, p.skipEscalation(ctx, failed, actor, "active_reminder_on_"+string(plan.Channel))
		}
		if len(rs) > 0 {
			continue
		}
		if !loaded {
			if data, err = p.loadData(ctx, appt); err != nil {
				return nil, err
			}
			loaded = true
		}

		r, skip, err := p.build(ctx, appt, data, plan.Channel, p.now())
		if err != nil {
			return nil, err
		}
		if skip != nil {
			if err := p.store.AppendAudit(ctx, skipEntry(appt.ID, actor, *skip)); err != nil {
				return nil, err
			}
			continue
		}
		r.EscalatedFrom = failed.ID
		entry := audit.New(audit.EntityReminder, r.ID, audit.ActionEscalated, actor, map[string]any{
			"appointment_id": appt.ID,
			"channel":        string(r.Channel),
			"escalated_from": failed.ID,
			"failed_channel": string(failed.Channel),
		})
		err = p.store.InsertReminders(ctx, []model.Reminder{r}, []model.AuditEntry{entry})
		if errors.Is(err, storage.ErrActiveReminderExists) {
			return nil, p.skipEscalation(ctx, failed, actor, "active_reminder_on_"+string(plan.Channel))
		}
		if err != nil {
			return nil, fmt.Errorf("insert escalation reminder: %w", err)
		}
		p.logger.Info("reminder escalated", "reminder_id", r.ID, "appointment_id", appt.ID, "channel", r.Channel, "escalated_from", failed.ID)
		return &r, nil
	}
	return nil, p.skipEscalation(ctx, failed, actor, "no_lower_channel")
}

func (p *Planner) skipEscalation(ctx context.Context, failed model.Reminder, actor, reason string) error {
	p.logger.Info("escalation skipped", "reminder_id", failed.ID, "appointment_id", failed.AppointmentID, "reason", reason)
	return p.store.FinishEscalation(ctx, failed.ID, audit.New(audit.EntityReminder, failed.ID, audit.ActionEscalationSkipped, actor, map[string]any{
		"appointment_id": failed.AppointmentID,
		"channel":        string(failed.Channel),
		"reason":         reason,
	}))
}

// loadData fetches the people a template may mention. Missing people leave blank names, which
// the renderer rejects per channel.
func (p *Planner) loadData(ctx context.Context, appt model.Appointment) (templates.Data, error) {
	patient, err := p.store.GetPerson(ctx, appt.PatientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return templates.Data{}, fmt.Errorf("load patient: %w", err)
	}
	doctor, err := p.store.GetPerson(ctx, appt.DoctorID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return templates.Data{}, fmt.Errorf("load doctor: %w", err)
	}
	return templates.Data{Appointment: appt, Patient: patient, Doctor: doctor}, nil
}

func (p *Planner) build(ctx context.Context, appt model.Appointment, data templates.Data, ch model.Channel, scheduled time.Time) (model.Reminder, *Skip, error) {
	dest := ch.Destination(data.Patient)
	if dest == "" {
		return model.Reminder{}, &Skip{Channel: ch, Reason: SkipMissingDestination}, nil
	}
	tmpl, err := p.templates.Resolve(ctx, ch, appt.Type)
	if errors.Is(err, templates.ErrTemplateNotFound) {
		return model.Reminder{}, &Skip{Channel: ch, Reason: SkipTemplateNotFound, Detail: err.Error()}, nil
	}
	if err != nil {
		return model.Reminder{}, nil, fmt.Errorf("resolve template: %w", err)
	}
	rendered, err := p.renderer.Render(tmpl, data)
	if err != nil {
		return model.Reminder{}, &Skip{Channel: ch, Reason: SkipTemplateRender, Detail: err.Error()}, nil
	}

	now := p.now()
	return model.Reminder{
		ID:            uuid.NewString(),
		AppointmentID: appt.ID,
		TemplateID:    tmpl.ID,
		Channel:       ch,
		Destination:   dest,
		Subject:       rendered.Subject,
		Body:          rendered.Body,
		ScheduledTime: scheduled,
		NextAttemptAt: scheduled,
		Status:        model.ReminderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil, nil
}

func skipEntry(appointmentID, actor string, s Skip) model.AuditEntry {
	details := map[string]any{
		"channel": string(s.Channel),
		"reason":  s.Reason,
	}
	if s.Detail != "" {
		details["error"] = s.Detail
	}
	return audit.New(audit.EntityAppointment, appointmentID, audit.ActionReminderSkipped, actor, details)
}

func hasActive(rs []model.Reminder) bool {
	for _, r := range rs {
		if !r.Status.Terminal() {
			return true
		}
	}
	return false
}
