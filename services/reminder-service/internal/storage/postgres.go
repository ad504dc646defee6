package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carereminder/libs/db"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
)

type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo}
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	var a model.Appointment
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, doctor_id, patient_id, start_time, end_time, appointment_type, status,
		       location, description, preparation_instructions, updated_at
		FROM appointments
		WHERE id = $1
	`, id).Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.StartTime, &a.EndTime, &a.Type, &status,
		&a.Location, &a.Description, &a.PreparationInstructions, &a.UpdatedAt)
	if err != nil {
		return model.Appointment{}, notFound(err, "appointment "+id)
	}
	a.Status = model.AppointmentStatus(status)
	return a, nil
}

func (s *Postgres) UpsertAppointment(ctx context.Context, a model.Appointment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, start_time, end_time, appointment_type, status,
		                          location, description, preparation_instructions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			doctor_id = EXCLUDED.doctor_id,
			patient_id = EXCLUDED.patient_id,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			appointment_type = EXCLUDED.appointment_type,
			status = EXCLUDED.status,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			preparation_instructions = EXCLUDED.preparation_instructions,
			updated_at = now()
	`, a.ID, a.DoctorID, a.PatientID, a.StartTime, a.EndTime, a.Type, string(a.Status),
		a.Location, a.Description, a.PreparationInstructions)
	if err != nil {
		return fmt.Errorf("upsert appointment: %w", err)
	}
	return nil
}

func (s *Postgres) GetPerson(ctx context.Context, id string) (model.Person, error) {
	var p model.Person
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, phone, email FROM people WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Phone, &p.Email)
	if err != nil {
		return model.Person{}, notFound(err, "person "+id)
	}
	return p, nil
}

func (s *Postgres) UpsertPerson(ctx context.Context, p model.Person) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO people (id, name, phone, email, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone,
			email = EXCLUDED.email, updated_at = now()
	`, p.ID, p.Name, p.Phone, p.Email)
	return err
}

func (s *Postgres) ListPreferences(ctx context.Context, patientID string) ([]model.Preference, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, channel, is_enabled, priority, time_before_appointment_seconds, updated_at
		FROM communication_preferences
		WHERE patient_id = $1
		ORDER BY priority, channel
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	var out []model.Preference
	for rows.Next() {
		var p model.Preference
		var channel string
		var leadSeconds int64
		if err := rows.Scan(&p.PatientID, &channel, &p.Enabled, &p.Priority, &leadSeconds, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Channel = model.Channel(channel)
		p.LeadTime = time.Duration(leadSeconds) * time.Second
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertPreference(ctx context.Context, p model.Preference, entry model.AuditEntry) error {
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO communication_preferences (patient_id, channel, is_enabled, priority, time_before_appointment_seconds, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (patient_id, channel) DO UPDATE SET
				is_enabled = EXCLUDED.is_enabled,
				priority = EXCLUDED.priority,
				time_before_appointment_seconds = EXCLUDED.time_before_appointment_seconds,
				updated_at = now()
		`, p.PatientID, string(p.Channel), p.Enabled, p.Priority, int64(p.LeadTime/time.Second))
		if err != nil {
			return fmt.Errorf("upsert preference: %w", err)
		}
		return s.insertAudit(ctx, tx, entry)
	})
}

func (s *Postgres) LatestOptIns(ctx context.Context, patientID string) (map[model.Channel]model.OptInEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (channel) id::text, patient_id, channel, opted_in, ip_address, user_agent, created_at
		FROM opt_in_logs
		WHERE patient_id = $1
		ORDER BY channel, created_at DESC, id DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("latest opt-ins: %w", err)
	}
	defer rows.Close()

	out := map[model.Channel]model.OptInEvent{}
	for rows.Next() {
		var ev model.OptInEvent
		var channel string
		if err := rows.Scan(&ev.ID, &ev.PatientID, &channel, &ev.OptedIn, &ev.IPAddress, &ev.UserAgent, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Channel = model.Channel(channel)
		out[ev.Channel] = ev
	}
	return out, rows.Err()
}

func (s *Postgres) AppendOptIn(ctx context.Context, ev model.OptInEvent, entry model.AuditEntry) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO opt_in_logs (id, patient_id, channel, opted_in, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ev.ID, ev.PatientID, string(ev.Channel), ev.OptedIn, ev.IPAddress, ev.UserAgent, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("append opt-in: %w", err)
		}
		return s.insertAudit(ctx, tx, entry)
	})
}

func (s *Postgres) GetTemplate(ctx context.Context, channel model.Channel, appointmentType string) (model.Template, error) {
	var t model.Template
	var ch string
	var apptType *string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, name, channel, appointment_type, subject, body, updated_at
		FROM reminder_templates
		WHERE channel = $1
		  AND appointment_type IS NOT DISTINCT FROM NULLIF($2, '')
		  AND deleted_at IS NULL
	`, string(channel), appointmentType).Scan(&t.ID, &t.Name, &ch, &apptType, &t.Subject, &t.Body, &t.UpdatedAt)
	if err != nil {
		return model.Template{}, notFound(err, "template")
	}
	t.Channel = model.Channel(ch)
	if apptType != nil {
		t.AppointmentType = *apptType
	}
	return t, nil
}

// UpsertTemplate replaces the live template for (channel, appointment type); the previous one is
// soft-deleted so reminders keep pointing at the text they were rendered from.
func (s *Postgres) UpsertTemplate(ctx context.Context, t model.Template, entry model.AuditEntry) (model.Template, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE reminder_templates
			SET deleted_at = now()
			WHERE channel = $1
			  AND appointment_type IS NOT DISTINCT FROM NULLIF($2, '')
			  AND deleted_at IS NULL
			  AND id <> $3
		`, string(t.Channel), t.AppointmentType, t.ID)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO reminder_templates (id, name, channel, appointment_type, subject, body, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				subject = EXCLUDED.subject,
				body = EXCLUDED.body,
				deleted_at = NULL,
				updated_at = now()
			RETURNING updated_at
		`, t.ID, t.Name, string(t.Channel), t.AppointmentType, t.Subject, t.Body).Scan(&t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert template: %w", err)
		}
		entry.EntityID = t.ID
		return s.insertAudit(ctx, tx, entry)
	})
	return t, err
}

const reminderColumns = `id, appointment_id, template_id, channel, destination, subject, body,
	scheduled_time, next_attempt_at, sent_time, delivered_time, read_time, response_time,
	status, retry_count, error_message, COALESCE(external_id, ''), response,
	COALESCE(escalated_from, ''), escalation_pending, claimed_at, created_at, updated_at`

func scanReminder(row pgx.Row) (model.Reminder, error) {
	var r model.Reminder
	var channel, status string
	err := row.Scan(&r.ID, &r.AppointmentID, &r.TemplateID, &channel, &r.Destination, &r.Subject, &r.Body,
		&r.ScheduledTime, &r.NextAttemptAt, &r.SentTime, &r.DeliveredTime, &r.ReadTime, &r.ResponseTime,
		&status, &r.RetryCount, &r.ErrorMessage, &r.ExternalID, &r.Response,
		&r.EscalatedFrom, &r.EscalationPending, &r.ClaimedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Reminder{}, err
	}
	r.Channel = model.Channel(channel)
	r.Status = model.ReminderStatus(status)
	return r, nil
}

func collectReminders(rows pgx.Rows) ([]model.Reminder, error) {
	defer rows.Close()
	var out []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertReminders(ctx context.Context, reminders []model.Reminder, entries []model.AuditEntry) error {
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		for _, r := range reminders {
			_, err := tx.Exec(ctx, `
				INSERT INTO reminders (id, appointment_id, template_id, channel, destination, subject, body,
				                       scheduled_time, next_attempt_at, status, retry_count, escalated_from,
				                       created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $13)
			`, r.ID, r.AppointmentID, r.TemplateID, string(r.Channel), r.Destination, r.Subject, r.Body,
				r.ScheduledTime, r.NextAttemptAt, string(r.Status), r.RetryCount, r.EscalatedFrom, r.CreatedAt)
			if db.IsUniqueViolation(err, "reminders_active_channel_uniq") {
				return fmt.Errorf("%s/%s: %w", r.AppointmentID, r.Channel, ErrActiveReminderExists)
			}
			if err != nil {
				return fmt.Errorf("insert reminder: %w", err)
			}
			if r.EscalatedFrom != "" {
				if _, err := tx.Exec(ctx, `UPDATE reminders SET escalation_pending = false WHERE id = $1`, r.EscalatedFrom); err != nil {
					return fmt.Errorf("finish escalation: %w", err)
				}
			}
		}
		for _, e := range entries {
			if err := s.insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) GetReminder(ctx context.Context, id string) (model.Reminder, error) {
	r, err := scanReminder(s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if err != nil {
		return model.Reminder{}, notFound(err, "reminder "+id)
	}
	return r, nil
}

func (s *Postgres) GetReminderByExternalID(ctx context.Context, externalID string) (model.Reminder, error) {
	r, err := scanReminder(s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE external_id = $1`, externalID))
	if err != nil {
		return model.Reminder{}, notFound(err, "reminder with external id "+externalID)
	}
	return r, nil
}

func (s *Postgres) ListReminders(ctx context.Context, appointmentID string) ([]model.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE appointment_id = $1
		ORDER BY created_at, id
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return collectReminders(rows)
}

// ClaimDue moves up to limit due reminders to dispatching. Rows locked by another worker are
// skipped, so a reminder is handed to exactly one caller.
func (s *Postgres) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE reminders
		SET status = 'dispatching', claimed_at = $1, updated_at = $1
		WHERE status = 'pending'
		  AND id IN (
			SELECT id FROM reminders
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING `+reminderColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	return collectReminders(rows)
}

func (s *Postgres) ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) ([]model.Reminder, error) {
	var released []model.Reminder
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE reminders
			SET status = 'pending', claimed_at = NULL, updated_at = $2
			WHERE status = 'dispatching' AND claimed_at < $1
			RETURNING `+reminderColumns, claimedBefore, now)
		if err != nil {
			return err
		}
		released, err = collectReminders(rows)
		if err != nil {
			return err
		}
		for _, r := range released {
			e := audit.New(audit.EntityReminder, r.ID, audit.ActionClaimReleased, audit.SystemActor, map[string]any{
				"appointment_id": r.AppointmentID,
				"channel":        string(r.Channel),
			})
			if err := s.insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	return released, nil
}

func (s *Postgres) Apply(ctx context.Context, t Transition) (model.Reminder, error) {
	var out model.Reminder
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		r, err := scanReminder(tx.QueryRow(ctx, `
			UPDATE reminders SET
				status = $3,
				sent_time = COALESCE($4, sent_time),
				delivered_time = COALESCE($5, delivered_time),
				read_time = COALESCE($6, read_time),
				response_time = COALESCE($7, response_time),
				retry_count = COALESCE($8, retry_count),
				next_attempt_at = COALESCE($9, next_attempt_at),
				error_message = COALESCE($10, error_message),
				external_id = COALESCE($11, external_id),
				response = COALESCE($12, response),
				escalation_pending = CASE WHEN $3 = 'failed' THEN COALESCE($10, error_message) NOT IN ('superseded', 'appointment_cancelled')
				                          ELSE escalation_pending END,
				claimed_at = NULL,
				updated_at = $13
			WHERE id = $1 AND status = $2
			RETURNING `+reminderColumns,
			t.ReminderID, string(t.From), string(t.To),
			t.SentTime, t.DeliveredTime, t.ReadTime, t.ResponseTime,
			t.RetryCount, t.NextAttemptAt, t.ErrorMessage, t.ExternalID, t.Response, now))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminders WHERE id = $1)`, t.ReminderID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("reminder %s: %w", t.ReminderID, ErrNotFound)
			}
			return ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		out = r
		if t.Audit != nil {
			return s.insertAudit(ctx, tx, *t.Audit)
		}
		return nil
	})
	return out, err
}

func (s *Postgres) SupersedeActive(ctx context.Context, appointmentID, reason, actor string, now time.Time) ([]model.Reminder, error) {
	var out []model.Reminder
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+reminderColumns+`
			FROM reminders
			WHERE appointment_id = $1 AND status NOT IN ('failed', 'responded')
			FOR UPDATE
		`, appointmentID)
		if err != nil {
			return err
		}
		active, err := collectReminders(rows)
		if err != nil || len(active) == 0 {
			return err
		}

		ids := make([]string, 0, len(active))
		for _, r := range active {
			ids = append(ids, r.ID)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reminders
			SET status = 'failed', error_message = $2, claimed_at = NULL, updated_at = $3
			WHERE id = ANY($1)
		`, ids, reason, now); err != nil {
			return err
		}

		for _, r := range active {
			e := audit.New(audit.EntityReminder, r.ID, audit.ActionSuperseded, actor, map[string]any{
				"appointment_id":  appointmentID,
				"channel":         string(r.Channel),
				"previous_status": string(r.Status),
				"reason":          reason,
			})
			if err := s.insertAudit(ctx, tx, e); err != nil {
				return err
			}
			r.Status = model.ReminderFailed
			r.ErrorMessage = reason
			r.ClaimedAt = nil
			r.UpdatedAt = now
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("supersede reminders: %w", err)
	}
	return out, nil
}

// ListEscalationPending returns failed reminders whose escalation has not finished, oldest
// failure first, skipping any that failed at or after failedBefore.
func (s *Postgres) ListEscalationPending(ctx context.Context, failedBefore time.Time, limit int) ([]model.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE status = 'failed' AND escalation_pending AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, failedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending escalations: %w", err)
	}
	return collectReminders(rows)
}

func (s *Postgres) FinishEscalation(ctx context.Context, reminderID string, entries ...model.AuditEntry) error {
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE reminders SET escalation_pending = false WHERE id = $1`, reminderID)
		if err != nil {
			return fmt.Errorf("finish escalation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
		}
		for _, e := range entries {
			if err := s.insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) AppendAudit(ctx context.Context, entries ...model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		for _, e := range entries {
			if err := s.insertAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) EnqueueEvent(ctx context.Context, evt outbox.Event) (string, error) {
	var id string
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = s.outbox.Insert(ctx, tx, evt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", evt.EventType, err)
	}
	return id, nil
}

// insertAudit writes the audit row and its outbox event in the caller's transaction.
func (s *Postgres) insertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (id, entity_type, entity_id, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.EntityType, e.EntityID, e.Action, e.Actor, details, e.CreatedAt); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	evt, err := audit.Event(e)
	if err != nil {
		return err
	}
	if _, err := s.outbox.Insert(ctx, tx, evt); err != nil {
		return fmt.Errorf("insert audit outbox: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if db.IsNoRows(err) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
