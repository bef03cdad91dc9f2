// Package events defines the event model shared by the bus, the alert
// router, the scheduler, and the subagent manager.
//
// Events are identified by a ULID so that ids sort by creation time, and
// are named with dotted types (e.g. "alert.email.urgent") that subscribers
// match with simple wildcard patterns.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity indicates how urgent an event is. The alert router uses it as a
// routing threshold.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is at or above the given minimum severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.rank() >= 0
}

// Event is the unit published on the bus. The payload is opaque to the bus;
// only the router and individual handlers interpret it.
type Event struct {
	ID          string         `json:"event_id"`
	Type        string         `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	SourceSkill string         `json:"source_skill,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Well-known event types published by the core.
const (
	TypeDeadLetter        = "alert.system.dead_letter"
	TypeAbuse             = "alert.system.abuse"
	TypeSubagentSpawned   = "subagent.spawned"
	TypeSubagentSucceeded = "subagent.succeeded"
	TypeSubagentFailed    = "subagent.failed"
	TypeSubagentCancelled = "subagent.cancelled"
	TypeTaskToggled       = "scheduler.task_toggled"
	TypeAuthRefreshNeeded = "doctor.auth_refresh_needed"
)

// NewID returns a fresh time-sortable event id.
func NewID() string {
	return ulid.Make().String()
}

// New creates an event with a fresh id and the current timestamp.
func New(eventType, sourceSkill string, severity Severity, payload map[string]any) *Event {
	return &Event{
		ID:          NewID(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		SourceSkill: sourceSkill,
		Severity:    severity,
		Payload:     payload,
	}
}

// Normalize assigns an id and timestamp if missing. The id is immutable
// after the event has been published; callers must not reuse an event
// value across publishes expecting a new id.
func (e *Event) Normalize() {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Encode serializes the event for the stream's data field.
func (e *Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	return json.Marshal(e)
}

// Decode parses an event from the stream's data field.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode event: missing event_type")
	}
	return &e, nil
}
