package protocol

import (
	"encoding/json"
	"fmt"
)

// Transport constants
const (
	// RoutePrefix is the WebSocket path; the session id follows it
	RoutePrefix = "/ws/transcribe/"

	// Query parameters accepted on attach
	QueryUserID   = "user_id"
	QueryEncoding = "encoding"

	// Close codes sent when the server ends a session
	CloseConflict      = 1008 // policy violation: session already attached
	CloseEngineFailure = 1011 // internal error: decoder unusable
)

// EventType distinguishes interim from finalized text
type EventType string

const (
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
)

// Event is one outbound transcript message.
// Partials carry the seq the next final will take.
type Event struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
	Seq  int64     `json:"seq"`
}

// NewPartial creates a partial event
func NewPartial(text string, seq int64) Event {
	return Event{Type: EventPartial, Text: text, Seq: seq}
}

// NewFinal creates a final event
func NewFinal(text string, seq int64) Event {
	return Event{Type: EventFinal, Text: text, Seq: seq}
}

// IsFinal reports whether the event finalizes its seq
func (e Event) IsFinal() bool {
	return e.Type == EventFinal
}

// Encode marshals the event as a JSON text message
func (e Event) Encode() ([]byte, error) {
	if err := ValidateEvent(e); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	return fmt.Sprintf("Event{Type:%s, Seq:%d, Text:%q}", e.Type, e.Seq, e.Text)
}

// ParseEvent decodes a JSON text message into an event
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	if err := ValidateEvent(e); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return e, nil
}

// ValidateEvent checks the event fields
func ValidateEvent(e Event) error {
	if !IsValidEventType(e.Type) {
		return fmt.Errorf("invalid event type: %q", e.Type)
	}
	if e.Seq < 0 {
		return fmt.Errorf("negative seq: %d", e.Seq)
	}
	return nil
}

// IsValidEventType checks if the event type is known
func IsValidEventType(t EventType) bool {
	return t == EventPartial || t == EventFinal
}
