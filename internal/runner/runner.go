package runner

import "context"

// Spec describes one agent invocation.
type Spec struct {
	// SessionID is attached to every notification emitted by the run.
	SessionID string
	// Dir is the working directory (worktree checkout or project path).
	Dir string
	// Command is the agent argv prefix, e.g. {"claude", "-p"}.
	Command []string
	// Message is the prompt, appended as the final argument.
	Message string
}

// Notification is a single line of agent output.
type Notification struct {
	SessionID string
	Line      string
	Stream    string // "stdout" or "stderr"
}

// Result is the final outcome of a run. Err is nil on success. Stopped is
// set when the process was terminated through Stop rather than exiting on
// its own.
type Result struct {
	Err     error
	Stopped bool
}

// Handle controls a started agent process.
type Handle interface {
	// Notifications streams output lines. The channel is closed when the
	// process exits.
	Notifications() <-chan Notification
	// Done yields exactly one Result after the process exits, then closes.
	Done() <-chan Result
	// Stop requests termination: SIGINT first, SIGKILL after a grace
	// period. Safe to call multiple times.
	Stop()
}

// Runner starts agent processes for sessions.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}
