package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qraft-dev/qraft/internal/logger"
)

// Registry is the authoritative store of sessions. It is the single writer:
// every other component requests mutations through its methods, which keeps
// the state machine monotone and the one-running-per-worktree invariant
// checkable in one place.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // insertion order for stable listings
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a new session. The id must be unused.
func (r *Registry) Add(s Session) error {
	if !s.State.Valid() {
		return fmt.Errorf("invalid session state %q", s.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if s.State == StateRunning && s.WorktreeID != "" && r.runningForWorktreeLocked(s.WorktreeID) != "" {
		return fmt.Errorf("worktree %s already has a running session", s.WorktreeID)
	}

	stored := s
	r.sessions[s.ID] = &stored
	r.order = append(r.order, s.ID)
	return nil
}

// Get returns a copy of the session, or false when the id is unknown.
// Absence is a normal, observable state, not an error.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions in creation order
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	return out
}

// Transition moves a session to the given state, enforcing the monotone
// acyclic state machine. Timestamps are set as side effects: StartedAt on
// entering running, CompletedAt on entering any terminal state.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if !canTransition(s.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for session %s", s.State, to, id)
	}
	if to == StateRunning && s.WorktreeID != "" && r.runningForWorktreeLocked(s.WorktreeID) != "" {
		return fmt.Errorf("worktree %s already has a running session", s.WorktreeID)
	}

	now := time.Now()
	s.State = to
	switch {
	case to == StateRunning:
		s.StartedAt = &now
	case to.Terminal():
		s.CompletedAt = &now
	}

	logger.Debug("Session %s -> %s", id, to)
	return nil
}

// SetError records the failure message on a session
func (r *Registry) SetError(id, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Error = msg
	}
}

// SetPurpose attaches the best-effort human summary
func (r *Registry) SetPurpose(id, purpose string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		p := purpose
		s.Purpose = &p
	}
}

// SetHidden flips the UI visibility flag. Not a lifecycle state.
func (r *Registry) SetHidden(id string, hidden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Hidden = hidden
	}
}

// RunningForWorktree returns the id of the running session bound to the
// worktree, or "" when the worktree is idle.
func (r *Registry) RunningForWorktree(worktreeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runningForWorktreeLocked(worktreeID)
}

func (r *Registry) runningForWorktreeLocked(worktreeID string) string {
	if worktreeID == "" {
		// Sessions without a worktree binding are not serialized.
		return ""
	}
	for _, s := range r.sessions {
		if s.WorktreeID == worktreeID && s.State == StateRunning {
			return s.ID
		}
	}
	return ""
}

// Status recomputes the queue snapshot by scanning current sessions.
// totalCount is runningCount+queuedCount by construction.
func (r *Registry) Status() QueueStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st QueueStatus
	for _, id := range r.order {
		switch r.sessions[id].State {
		case StateRunning:
			st.RunningCount++
			st.RunningSessionIDs = append(st.RunningSessionIDs, id)
		case StateQueued:
			st.QueuedCount++
		}
	}
	sort.Strings(st.RunningSessionIDs)
	st.TotalCount = st.RunningCount + st.QueuedCount
	return st
}

// RunningCount returns the number of sessions currently running
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State == StateRunning {
			n++
		}
	}
	return n
}
