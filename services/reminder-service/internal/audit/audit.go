package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
)

const (
	EntityReminder    = "reminder"
	EntityAppointment = "appointment"
	EntityPreference  = "communication_preference"
	EntityTemplate    = "reminder_template"
	EntityOptIn       = "opt_in_log"
)

const (
	ActionReminderCreated    = "reminder_created"
	ActionReminderSkipped    = "reminder_skipped"
	ActionNoEnabledChannel   = "no_enabled_channel"
	ActionStatusChanged      = "status_changed"
	ActionSuperseded         = "superseded"
	ActionStaleCallback      = "stale_callback"
	ActionEscalated          = "reminder_escalated"
	ActionEscalationSkipped  = "escalation_skipped"
	ActionLateSend           = "sent_after_supersede"
	ActionClaimReleased      = "claim_released"
	ActionOptInRecorded      = "opt_in_recorded"
	ActionPreferenceUpserted = "preference_upserted"
	ActionTemplateUpserted   = "template_upserted"
	ActionSendNowRequested   = "send_now_requested"
	ActionReminderRetried    = "reminder_retried"
)

const SystemActor = "system"

// New builds an entry stamped with the current time. A blank actor means the engine itself.
func New(entityType, entityID, action, actor string, details map[string]any) model.AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	if details == nil {
		details = map[string]any{}
	}
	return model.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
}

// Warning marks an entry for follow-up in reporting views.
func Warning(e model.AuditEntry) model.AuditEntry {
	e.Details["level"] = "warning"
	return e
}

type payload struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details"`
	CreatedAt  string         `json:"created_at"`
}

// Event is the outbox envelope for an audit entry.
func Event(e model.AuditEntry) (outbox.Event, error) {
	raw, err := json.Marshal(payload{
		ID:         e.ID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		Actor:      e.Actor,
		Details:    e.Details,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: e.EntityType,
		AggregateID:   e.EntityID,
		EventType:     outbox.TopicAudit,
		Payload:       raw,
	}, nil
}
