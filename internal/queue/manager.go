package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qraft-dev/qraft/internal/archive"
	"github.com/qraft-dev/qraft/internal/config"
	"github.com/qraft-dev/qraft/internal/events"
	"github.com/qraft-dev/qraft/internal/logger"
	"github.com/qraft-dev/qraft/internal/runner"
	"github.com/qraft-dev/qraft/internal/session"
	"github.com/qraft-dev/qraft/internal/summarizer"
	"github.com/qraft-dev/qraft/internal/worktree"
)

// PromptRequest is a submission. Input only; it is never stored verbatim
// beyond the derived queue item and session.
type PromptRequest struct {
	Message        string
	SessionID      string
	RunImmediately bool
	ProjectPath    string
	WorktreeID     string
	Agent          string
	ModelVendor    string
}

// SubmitResult identifies the work created for a submission. The session id
// is allocated before dispatch so callers can subscribe to progress
// immediately.
type SubmitResult struct {
	SessionID  string `json:"sessionId"`
	PromptID   string `json:"promptId"`
	WorktreeID string `json:"worktreeId"`
}

// PromptQueueItem is a pending submission waiting for its worktree to go
// idle. Items are destroyed on dispatch or cancellation; history lives in
// sessions only.
// PromptStatusQueued is the only status a live item can report, since items
// never survive dispatch or cancellation.
const PromptStatusQueued = "queued"

type PromptQueueItem struct {
	PromptID   string    `json:"promptId"`
	SessionID  string    `json:"sessionId"`
	WorktreeID string    `json:"worktreeId"`
	Message    string    `json:"message"`
	Agent      string    `json:"aiAgent,omitempty"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Manager owns the admission queue and the scheduler. All mutations to the
// queue and all session transitions flow through its single mutex, which
// makes a terminal transition and its terminal event one atomic action and
// rules out double-dispatch races between submission, runner exit, and
// cancellation.
type Manager struct {
	cfg         *config.Config
	registry    *session.Registry
	broadcaster *events.Broadcaster
	runner      runner.Runner
	provisioner worktree.Provisioner
	store       *archive.Store
	annotator   *summarizer.Annotator

	// lifecycle context for runner processes; sessions must outlive the
	// HTTP request that submitted them, so the caller's context never
	// reaches the runner
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*PromptQueueItem // global FIFO ordered by EnqueuedAt
	handles map[string]runner.Handle
	closed  bool

	wg sync.WaitGroup
}

// NewManager wires the admission queue. store and annotator may be nil to
// disable archiving and purpose generation.
func NewManager(cfg *config.Config, reg *session.Registry, bc *events.Broadcaster,
	r runner.Runner, prov worktree.Provisioner, store *archive.Store,
	annotator *summarizer.Annotator) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		registry:    reg,
		broadcaster: bc,
		runner:      r,
		provisioner: prov,
		store:       store,
		annotator:   annotator,
		ctx:         ctx,
		cancel:      cancel,
		handles:     make(map[string]runner.Handle),
	}
}

// Registry exposes the session registry for read-side handlers.
func (m *Manager) Registry() *session.Registry { return m.registry }

// Broadcaster exposes the event broadcaster for SSE responders.
func (m *Manager) Broadcaster() *events.Broadcaster { return m.broadcaster }

// SubmitPrompt validates and admits a prompt. If the target worktree is idle
// and the global cap has room, the session dispatches within this call;
// otherwise it is enqueued in state queued. run_immediately bypasses the
// worktree queue entirely.
func (m *Manager) SubmitPrompt(ctx context.Context, req PromptRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return SubmitResult{}, &ValidationError{Msg: "message is required and must be non-empty"}
	}

	if req.RunImmediately {
		return m.Submit(ctx, req)
	}

	agent := m.resolveAgent(req)
	worktreeID := req.WorktreeID
	if worktreeID == "" {
		worktreeID = m.provisioner.NewID()
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.GenerateID()
	}
	promptID := uuid.NewString()

	result := SubmitResult{SessionID: sessionID, PromptID: promptID, WorktreeID: worktreeID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return SubmitResult{}, fmt.Errorf("manager is shut down")
	}

	sess := session.Session{
		ID:         sessionID,
		WorktreeID: worktreeID,
		PromptID:   promptID,
		Message:    req.Message,
		Agent:      agent,
		CreatedAt:  time.Now(),
	}

	canDispatch := m.registry.RunningForWorktree(worktreeID) == "" &&
		m.registry.RunningCount() < m.cfg.MaxConcurrentSessions

	if canDispatch {
		sess.State = session.StateRunning
		if err := m.registry.Add(sess); err != nil {
			return SubmitResult{}, err
		}
		if err := m.startLocked(sess); err != nil {
			m.failLocked(sessionID, err)
			return SubmitResult{}, err
		}
		logger.Info("Dispatched session %s on worktree %s", sessionID, worktreeID)
		return result, nil
	}

	sess.State = session.StateQueued
	if err := m.registry.Add(sess); err != nil {
		return SubmitResult{}, err
	}
	m.pending = append(m.pending, &PromptQueueItem{
		PromptID:   promptID,
		SessionID:  sessionID,
		WorktreeID: worktreeID,
		Message:    req.Message,
		Agent:      agent,
		Status:     PromptStatusQueued,
		EnqueuedAt: time.Now(),
	})
	logger.Info("Enqueued prompt %s for worktree %s (session %s)", promptID, worktreeID, sessionID)
	return result, nil
}

// Submit is the legacy one-off path: it always dispatches immediately
// against the project path, with no worktree serialization. It fails when
// the runner cannot start.
func (m *Manager) Submit(ctx context.Context, req PromptRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return SubmitResult{}, &ValidationError{Msg: "message is required and must be non-empty"}
	}

	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath = m.cfg.ProjectPath
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.GenerateID()
	}
	promptID := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return SubmitResult{}, fmt.Errorf("manager is shut down")
	}

	sess := session.Session{
		ID:          sessionID,
		WorktreeID:  req.WorktreeID,
		PromptID:    promptID,
		ProjectPath: projectPath,
		Message:     req.Message,
		Agent:       m.resolveAgent(req),
		State:       session.StateRunning,
		CreatedAt:   time.Now(),
	}
	if err := m.registry.Add(sess); err != nil {
		return SubmitResult{}, err
	}
	if err := m.startLocked(sess); err != nil {
		m.failLocked(sessionID, err)
		return SubmitResult{}, fmt.Errorf("failed to start agent: %w", err)
	}

	logger.Info("Dispatched immediate session %s in %s", sessionID, projectPath)
	return SubmitResult{SessionID: sessionID, PromptID: promptID, WorktreeID: req.WorktreeID}, nil
}

// Cancel cancels a session. Queued sessions have their queue item removed;
// running sessions are transitioned to cancelled immediately and the runner
// is signalled asynchronously. Cancelling an already-terminal session is a
// no-op.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return &NotFoundError{Msg: "Session not found: " + sessionID}
	}

	switch {
	case sess.State.Terminal():
		return nil

	case sess.State == session.StateQueued:
		m.removePendingBySession(sessionID)
		if err := m.registry.Transition(sessionID, session.StateCancelled); err != nil {
			return err
		}
		m.emitTerminalLocked(sessionID, events.TypeCancelled, "")
		m.archiveLocked(sessionID)
		return nil

	default: // running
		if err := m.registry.Transition(sessionID, session.StateCancelled); err != nil {
			return err
		}
		m.emitTerminalLocked(sessionID, events.TypeCancelled, "")
		m.archiveLocked(sessionID)

		// The transition is authoritative; the runner is told to stop
		// without waiting for it to comply.
		if h, ok := m.handles[sessionID]; ok {
			go h.Stop()
		}

		m.promoteLocked()
		return nil
	}
}

// CancelPrompt removes a still-queued prompt. It applies only to items that
// have not been dispatched; dispatched prompts must be cancelled through
// their session.
func (m *Manager) CancelPrompt(promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, item := range m.pending {
		if item.PromptID != promptID {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		if err := m.registry.Transition(item.SessionID, session.StateCancelled); err != nil {
			return err
		}
		m.emitTerminalLocked(item.SessionID, events.TypeCancelled, "")
		m.archiveLocked(item.SessionID)
		logger.Info("Cancelled queued prompt %s (session %s)", promptID, item.SessionID)
		return nil
	}
	return &NotFoundError{Msg: "Prompt not found: " + promptID}
}

// ListPrompts returns the still-queued items, optionally filtered by
// worktree, in enqueue order.
func (m *Manager) ListPrompts(worktreeID string) []PromptQueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PromptQueueItem, 0, len(m.pending))
	for _, item := range m.pending {
		if worktreeID != "" && item.WorktreeID != worktreeID {
			continue
		}
		out = append(out, *item)
	}
	return out
}

// Status returns the recomputed queue snapshot.
func (m *Manager) Status() session.QueueStatus {
	return m.registry.Status()
}

// Close stops all running sessions and waits for their watchers to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]runner.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	m.wg.Wait()
	m.cancel()
}

func (m *Manager) resolveAgent(req PromptRequest) string {
	if req.Agent != "" {
		return req.Agent
	}
	if req.ModelVendor != "" {
		return config.ModelConfig{Vendor: req.ModelVendor}.ResolveAgent()
	}
	return m.cfg.Model.ResolveAgent()
}

// startLocked launches the runner for a session already registered as
// running. The runner is bound to the manager's lifecycle context, never a
// request context. Caller holds m.mu.
func (m *Manager) startLocked(sess session.Session) error {
	dir := sess.ProjectPath
	if dir == "" {
		path, err := m.provisioner.Ensure(m.ctx, sess.WorktreeID)
		if err != nil {
			return fmt.Errorf("failed to provision worktree %s: %w", sess.WorktreeID, err)
		}
		dir = path
	}

	h, err := m.runner.Start(m.ctx, runner.Spec{
		SessionID: sess.ID,
		Dir:       dir,
		Command:   m.cfg.AgentCommand(sess.Agent),
		Message:   sess.Message,
	})
	if err != nil {
		return err
	}

	m.handles[sess.ID] = h
	m.wg.Add(1)
	go m.watch(sess.ID, h)
	return nil
}

// watch forwards runner output into the broadcaster and handles the exit.
func (m *Manager) watch(sessionID string, h runner.Handle) {
	defer m.wg.Done()

	var tail []string
	for n := range h.Notifications() {
		tail = append(tail, n.Line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
		m.broadcaster.Publish(events.Event{
			Type:      events.TypeProgress,
			SessionID: sessionID,
			Message:   n.Line,
			Stream:    n.Stream,
			Timestamp: time.Now(),
		})
	}

	result := <-h.Done()
	m.onRunnerExit(sessionID, result, tail)
}

func (m *Manager) onRunnerExit(sessionID string, result runner.Result, outputTail []string) {
	m.mu.Lock()

	delete(m.handles, sessionID)

	sess, ok := m.registry.Get(sessionID)
	if !ok {
		m.mu.Unlock()
		return
	}

	if !sess.State.Terminal() {
		if result.Err != nil {
			m.registry.SetError(sessionID, result.Err.Error())
			if err := m.registry.Transition(sessionID, session.StateFailed); err != nil {
				logger.Error("Failed to mark session %s failed: %v", sessionID, err)
			}
			m.emitTerminalLocked(sessionID, events.TypeError, result.Err.Error())
		} else if result.Stopped {
			if err := m.registry.Transition(sessionID, session.StateCancelled); err != nil {
				logger.Error("Failed to mark session %s cancelled: %v", sessionID, err)
			}
			m.emitTerminalLocked(sessionID, events.TypeCancelled, "")
		} else {
			if err := m.registry.Transition(sessionID, session.StateCompleted); err != nil {
				logger.Error("Failed to mark session %s completed: %v", sessionID, err)
			}
			m.emitTerminalLocked(sessionID, events.TypeCompleted, "")
		}
		m.archiveLocked(sessionID)
	}

	if !m.closed {
		m.promoteLocked()
	}
	message := sess.Message
	m.mu.Unlock()

	m.annotate(sessionID, message, outputTail)
}

// promoteLocked dispatches queued items while capacity allows, oldest
// enqueued first, skipping worktrees that are still busy. Caller holds m.mu.
func (m *Manager) promoteLocked() {
	for m.registry.RunningCount() < m.cfg.MaxConcurrentSessions {
		idx := -1
		for i, item := range m.pending {
			if m.registry.RunningForWorktree(item.WorktreeID) != "" {
				continue
			}
			if idx == -1 || item.EnqueuedAt.Before(m.pending[idx].EnqueuedAt) {
				idx = i
			}
		}
		if idx == -1 {
			return
		}

		item := m.pending[idx]
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)

		if err := m.registry.Transition(item.SessionID, session.StateRunning); err != nil {
			logger.Error("Failed to promote session %s: %v", item.SessionID, err)
			continue
		}

		sess, _ := m.registry.Get(item.SessionID)
		if err := m.startLocked(sess); err != nil {
			logger.Error("Failed to start promoted session %s: %v", item.SessionID, err)
			m.failLocked(item.SessionID, err)
			continue
		}
		logger.Info("Promoted session %s on worktree %s", item.SessionID, item.WorktreeID)
	}
}

// failLocked marks a running session failed after a start error. Caller
// holds m.mu.
func (m *Manager) failLocked(sessionID string, cause error) {
	m.registry.SetError(sessionID, cause.Error())
	if err := m.registry.Transition(sessionID, session.StateFailed); err != nil {
		logger.Error("Failed to mark session %s failed: %v", sessionID, err)
		return
	}
	m.emitTerminalLocked(sessionID, events.TypeError, cause.Error())
	m.archiveLocked(sessionID)
}

// emitTerminalLocked publishes a terminal event while still holding the
// manager lock, so the state transition and the event are one atomic step
// for every observer going through the manager.
func (m *Manager) emitTerminalLocked(sessionID string, t events.Type, message string) {
	m.broadcaster.Publish(events.Event{
		Type:      t,
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (m *Manager) archiveLocked(sessionID string) {
	if m.store == nil {
		return
	}
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}
	if err := m.store.RecordTerminal(&sess); err != nil {
		logger.Error("Failed to archive session %s: %v", sessionID, err)
	}
}

// annotate computes the best-effort purpose summary off the lock.
func (m *Manager) annotate(sessionID, message string, outputTail []string) {
	if m.annotator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purpose := m.annotator.GeneratePurpose(ctx, message, outputTail)
	if purpose == "" {
		return
	}
	m.registry.SetPurpose(sessionID, purpose)
	if m.store != nil {
		if err := m.store.SetPurpose(sessionID, purpose); err != nil {
			logger.Warn("Failed to store purpose for session %s: %v", sessionID, err)
		}
	}
}

func (m *Manager) removePendingBySession(sessionID string) {
	for i, item := range m.pending {
		if item.SessionID == sessionID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
