package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// State is the lifecycle state of a session
type State string

const (
	// StateQueued means the prompt is admitted but not yet dispatched
	StateQueued State = "queued"
	// StateRunning means the agent process is executing
	StateRunning State = "running"
	// StateCompleted means the agent finished successfully
	StateCompleted State = "completed"
	// StateFailed means the agent exited with an error
	StateFailed State = "failed"
	// StateCancelled means the session was cancelled before or during execution
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// canTransition encodes the monotone state machine:
// queued -> running -> {completed|failed|cancelled}, queued -> cancelled.
// Terminal states accept nothing.
func canTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to.Terminal()
	}
	return false
}

// Session is one execution attempt of the AI agent. Values handed out by the
// Registry are copies; only the Registry mutates the canonical record.
type Session struct {
	ID          string     `json:"id"`
	WorktreeID  string     `json:"worktreeId"`
	PromptID    string     `json:"promptId"`
	ProjectPath string     `json:"projectPath,omitempty"`
	Message     string     `json:"message,omitempty"`
	Agent       string     `json:"aiAgent,omitempty"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Purpose     *string    `json:"purpose"`
	Hidden      bool       `json:"hidden"`
	Error       string     `json:"error,omitempty"`
}

// GenerateID creates an opaque session id with the qs_ prefix.
func GenerateID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("qs_%d", time.Now().UnixNano())
	}
	return "qs_" + hex.EncodeToString(buf[:])
}

// QueueStatus is a derived snapshot, recomputed on every read.
type QueueStatus struct {
	RunningCount      int      `json:"runningCount"`
	QueuedCount       int      `json:"queuedCount"`
	RunningSessionIDs []string `json:"runningSessionIds"`
	TotalCount        int      `json:"totalCount"`
}
