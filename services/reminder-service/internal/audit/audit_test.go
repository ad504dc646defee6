package audit

import (
	"encoding/json"
	"testing"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsActorAndDetails(t *testing.T) {
	e := New(EntityReminder, "r-1", ActionStatusChanged, "", nil)
	assert.Equal(t, SystemActor, e.Actor)
	assert.NotEmpty(t, e.ID)
	assert.NotNil(t, e.Details)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestEventCarriesEntry(t *testing.T) {
	e := Warning(New(EntityAppointment, "a-1", ActionNoEnabledChannel, "staff-1", map[string]any{"patient_id": "p-1"}))
	evt, err := Event(e)
	require.NoError(t, err)
	assert.Equal(t, outbox.TopicAudit, evt.EventType)
	assert.Equal(t, "a-1", evt.AggregateID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &body))
	assert.Equal(t, "staff-1", body["actor"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "warning", details["level"])
	assert.Equal(t, "p-1", details["patient_id"])
}
