package kafkax

import (
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// EventMeta identifies one delivered message. EventID is the idempotency key for inbox dedup.
type EventMeta struct {
	EventID   string
	EventType string
	Topic     string
	Partition int
	Offset    int64
}

// ExtractEventMeta reads the event headers set by Message. Without an event_id header the id is
// the message's log position (topic/partition/offset): the key is shared by every event about
// the same entity and cannot identify one delivery.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, HeaderEventID),
		EventType: HeaderValue(msg.Headers, HeaderEventType),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if meta.EventID == "" {
		meta.EventID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// LogAttrs is meant for slog's Logger.With.
func (m EventMeta) LogAttrs() []any {
	return []any{
		"event_id", m.EventID,
		"event_type", m.EventType,
		"topic", m.Topic,
		"partition", m.Partition,
		"offset", m.Offset,
	}
}

// HeaderValue returns the last value for key; later headers win like in the trace carrier.
func HeaderValue(headers []kafka.Header, key string) string {
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].Key == key {
			return string(headers[i].Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
