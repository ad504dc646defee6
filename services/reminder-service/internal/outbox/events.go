package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topics the reminder service publishes to. The Kafka topic of an event is its EventType.
const (
	// TopicAudit mirrors every audit log row for downstream compliance tooling.
	TopicAudit = "reminder.audit.v1"
	// TopicInApp carries in-app notifications for the patient app backend.
	TopicInApp = "reminder.inapp.v1"
)

// Event is one row to publish. AggregateID is the Kafka key, so events about the same
// reminder or patient keep their order within a partition.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

var ErrInvalidEvent = errors.New("invalid outbox event")

func (e Event) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case e.AggregateID == "":
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidEvent)
	case !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload for %s is not JSON", ErrInvalidEvent, e.EventType)
	}
	return nil
}
