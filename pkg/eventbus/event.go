package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the category of an event. The set below is the closed
// list of types the core publishes; ParseEventType maps anything else to
// EventTypeUnknown rather than silently passing raw strings through.
type EventType string

const (
	// Agent lifecycle
	EventAgentRegistered EventType = "agent.registered"
	EventAgentStarted    EventType = "agent.started"
	EventAgentStopped    EventType = "agent.stopped"
	EventAgentHeartbeat  EventType = "agent.heartbeat"
	EventAgentError      EventType = "agent.error"
	EventAgentRequest    EventType = "agent.request"
	EventAgentResponse   EventType = "agent.response"

	// Mission coordination
	EventMissionCreated   EventType = "mission.created"
	EventMissionAssigned  EventType = "mission.assigned"
	EventMissionProgress  EventType = "mission.progress"
	EventMissionCompleted EventType = "mission.completed"
	EventMissionFailed    EventType = "mission.failed"
	EventMissionCancelled EventType = "mission.cancelled"

	// Knowledge graph (published at the boundary, consumed by external helpers)
	EventKnowledgeAdded   EventType = "knowledge.added"
	EventKnowledgeUpdated EventType = "knowledge.updated"
	EventKnowledgeLinked  EventType = "knowledge.linked"
	EventKnowledgeQuery   EventType = "knowledge.query"

	// System health
	EventSystemHealth EventType = "system.health"
	EventSystemAlert  EventType = "system.alert"
	EventSystemMetric EventType = "system.metric"

	// Terminal sessions
	EventTerminalConnected    EventType = "terminal.connected"
	EventTerminalDisconnected EventType = "terminal.disconnected"
	EventTerminalRequest      EventType = "terminal.request"
	EventTerminalResponse     EventType = "terminal.response"

	// EventTypeUnknown is the forward-compatibility variant for types this
	// build does not recognize. Unknown events are carried but only pattern
	// subscriptions can match them.
	EventTypeUnknown EventType = "unknown"
)

var knownEventTypes = map[EventType]struct{}{
	EventAgentRegistered: {}, EventAgentStarted: {}, EventAgentStopped: {},
	EventAgentHeartbeat: {}, EventAgentError: {}, EventAgentRequest: {},
	EventAgentResponse:    {},
	EventMissionCreated:   {}, EventMissionAssigned: {}, EventMissionProgress: {},
	EventMissionCompleted: {}, EventMissionFailed: {}, EventMissionCancelled: {},
	EventKnowledgeAdded:   {}, EventKnowledgeUpdated: {}, EventKnowledgeLinked: {},
	EventKnowledgeQuery:   {},
	EventSystemHealth:     {}, EventSystemAlert: {}, EventSystemMetric: {},
	EventTerminalConnected: {}, EventTerminalDisconnected: {},
	EventTerminalRequest: {}, EventTerminalResponse: {},
}

// Validate checks that the EventType is one of the recognized values.
func (t EventType) Validate() error {
	if _, ok := knownEventTypes[t]; ok {
		return nil
	}
	return fmt.Errorf("unknown event type: %q", t)
}

// ParseEventType maps a raw string to an EventType. Unrecognized values return
// EventTypeUnknown and ok=false.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(s)
	if _, ok := knownEventTypes[t]; ok {
		return t, true
	}
	return EventTypeUnknown, false
}

// Priority orders events from low to critical. The zero value is PriorityLow.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Validate checks that the priority is in the 0-3 range.
func (p Priority) Validate() error {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Errorf("priority out of range: %d", p)
	}
	return nil
}

// Event is an immutable message on the bus. Events are never mutated after
// publish; the stream retains them up to the configured maximum length.
type Event struct {
	Type          EventType      `json:"event_type"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload"`
	ID            string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      Priority       `json:"priority"`

	// RawType preserves the wire value when Type is EventTypeUnknown, so
	// pattern subscribers still see the original tag.
	RawType string `json:"-"`
}

// NewEvent creates an event with a fresh ID and the current UTC timestamp.
func NewEvent(eventType EventType, source string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		ID:        uuid.New().String()[:12],
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// TypeString returns the event's wire tag: the raw value for unknown types,
// the enum value otherwise. Pattern matching always runs against this string.
func (e *Event) TypeString() string {
	if e.Type == EventTypeUnknown && e.RawType != "" {
		return e.RawType
	}
	return string(e.Type)
}

// Validate checks the event's required fields.
func (e *Event) Validate() error {
	if e.Type != EventTypeUnknown {
		if err := e.Type.Validate(); err != nil {
			return err
		}
	}
	if e.Source == "" {
		return fmt.Errorf("event source cannot be empty")
	}
	if e.ID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	if err := e.Priority.Validate(); err != nil {
		return err
	}
	return nil
}

// MatchPattern reports whether an event type string matches a subscription
// pattern. A pattern either matches exactly or contains a single "*" wildcard
// splitting it into a required prefix and suffix ("mission.*", "*.failed").
func MatchPattern(pattern, eventType string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == eventType
	}
	parts := strings.SplitN(pattern, "*", 2)
	if strings.Contains(parts[1], "*") {
		return false
	}
	return strings.HasPrefix(eventType, parts[0]) && strings.HasSuffix(eventType, parts[1])
}
