package events

import "time"

// Type identifies an event on a session's progress stream
type Type string

const (
	// TypeConnected is sent once when a stream attaches
	TypeConnected Type = "connected"
	// TypeProgress carries agent output while a session runs
	TypeProgress Type = "progress"
	// TypeCompleted signals a successful terminal state
	TypeCompleted Type = "completed"
	// TypeError signals a failed terminal state
	TypeError Type = "error"
	// TypeCancelled signals a cancelled terminal state
	TypeCancelled Type = "cancelled"
	// TypePing is the idle-stream keepalive
	TypePing Type = "ping"
)

// Terminal reports whether the event type ends a stream
func (t Type) Terminal() bool {
	switch t {
	case TypeCompleted, TypeError, TypeCancelled:
		return true
	}
	return false
}

// Event is a transient progress notification. Events are broadcast, never
// persisted.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message,omitempty"`
	Stream    string    `json:"stream,omitempty"` // "stdout" or "stderr" for progress
	Timestamp time.Time `json:"timestamp"`
}
