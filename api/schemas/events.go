// api/schemas/events.go
package schemas

import "time"

// EventType discriminates the payload of an Event. Handled exhaustively at
// the broadcaster boundary.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventAction        EventType = "action"
	EventObservation   EventType = "observation"
	EventStatusChanged EventType = "status-changed"
	EventKeepalive     EventType = "keepalive"
)

// Event is one entry in an execution's live stream. For a single execution,
// events are published in generation order (an action event always precedes
// the observation it produced); across executions there is no ordering
// guarantee.
type Event struct {
	Type        EventType `json:"type"`
	AgentID     string    `json:"agentId"`
	ExecutionID string    `json:"executionId,omitempty"`

	Action *Action `json:"action,omitempty"`

	// Observation is the captured frame, base64-encoded PNG, present on
	// observation events only. ObservationRef names it in the execution's
	// recorded history.
	Observation    string `json:"observation,omitempty"`
	ObservationRef string `json:"observationRef,omitempty"`

	Status ExecutionStatus `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
