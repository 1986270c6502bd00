package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Event structs and Redis stream
// entries. Stream entries are string-to-string maps; the payload map is
// JSON-encoded into a single field.

// EventToStreamValues converts an Event to the field map stored in a stream
// entry.
func EventToStreamValues(e *Event) (map[string]interface{}, error) {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	values := map[string]interface{}{
		"event_type":     e.TypeString(),
		"source":         e.Source,
		"payload":        string(payloadJSON),
		"event_id":       e.ID,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlation_id": e.CorrelationID,
		"priority":       strconv.Itoa(int(e.Priority)),
	}

	return values, nil
}

// StreamValuesToEvent converts a stream entry's field map back to an Event.
// The raw XREADGROUP result carries values as interface{}, so fields are
// string-asserted individually.
func StreamValuesToEvent(values map[string]interface{}) (*Event, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	rawType := str("event_type")
	if rawType == "" {
		return nil, fmt.Errorf("stream entry missing event_type field")
	}

	eventType, known := ParseEventType(rawType)

	var payload map[string]any
	if payloadJSON := str("payload"); payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	timestamp, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp field: %w", err)
	}

	priority := int(PriorityNormal)
	if p := str("priority"); p != "" {
		priority, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid priority field: %w", err)
		}
	}

	e := &Event{
		Type:          eventType,
		Source:        str("source"),
		Payload:       payload,
		ID:            str("event_id"),
		Timestamp:     timestamp,
		CorrelationID: str("correlation_id"),
		Priority:      Priority(priority),
	}
	if !known {
		e.RawType = rawType
	}

	return e, nil
}
