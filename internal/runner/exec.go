package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/qraft-dev/qraft/internal/consts"
	"github.com/qraft-dev/qraft/internal/logger"
)

// ExecRunner runs agents as child processes in their own process group so
// cancellation signals reach the whole process tree.
type ExecRunner struct {
	// GracePeriod is how long Stop waits after SIGINT before escalating
	// to SIGKILL. Zero means consts.StopGracePeriod.
	GracePeriod time.Duration
}

// NewExecRunner returns an ExecRunner with the default grace period.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{GracePeriod: consts.StopGracePeriod}
}

// Start launches the agent process described by spec.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty agent command for session %s", spec.SessionID)
	}

	argv := append(append([]string{}, spec.Command...), spec.Message)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	grace := r.GracePeriod
	if grace <= 0 {
		grace = consts.StopGracePeriod
	}

	h := &execHandle{
		sessionID:     spec.SessionID,
		cmd:           cmd,
		pgid:          getProcessGroupID(cmd),
		grace:         grace,
		notifications: make(chan Notification, consts.RunnerOutputBufferSize),
		done:          make(chan Result, 1),
		stop:          make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.scanOutput(&wg, stdout, "stdout")
	go h.scanOutput(&wg, stderr, "stderr")

	go h.supervise(ctx, &wg)

	return h, nil
}

type execHandle struct {
	sessionID string
	cmd       *exec.Cmd
	pgid      int
	grace     time.Duration

	notifications chan Notification
	done          chan Result

	stopOnce sync.Once
	stop     chan struct{}
}

func (h *execHandle) Notifications() <-chan Notification { return h.notifications }
func (h *execHandle) Done() <-chan Result                { return h.done }

func (h *execHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *execHandle) scanOutput(wg *sync.WaitGroup, pipe io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, consts.BufferSize64KB), consts.BufferSize1MB)
	for scanner.Scan() {
		n := Notification{SessionID: h.sessionID, Line: scanner.Text(), Stream: stream}
		select {
		case h.notifications <- n:
		default:
			// The consumer fell behind. Dropping output keeps the agent
			// from blocking on a full pipe.
			logger.Warn("Dropping output line for session %s", h.sessionID)
		}
	}
}

// supervise waits for the process and delivers the single Result. It also
// owns signal escalation when Stop is called or the context is cancelled.
func (h *execHandle) supervise(ctx context.Context, wg *sync.WaitGroup) {
	waitErr := make(chan error, 1)
	go func() {
		wg.Wait()
		waitErr <- h.cmd.Wait()
	}()

	var stopped bool
	var err error

	select {
	case err = <-waitErr:
	case <-h.stop:
		stopped = true
		err = h.terminate(waitErr)
	case <-ctx.Done():
		stopped = true
		err = h.terminate(waitErr)
	}

	close(h.notifications)

	if stopped {
		// A signal-death exit status is the expected outcome of Stop.
		h.done <- Result{Stopped: true}
	} else {
		h.done <- Result{Err: err}
	}
	close(h.done)
}

// terminate sends SIGINT, waits out the grace period, then SIGKILLs the
// process group.
func (h *execHandle) terminate(waitErr <-chan error) error {
	h.signal(syscall.SIGINT)

	select {
	case err := <-waitErr:
		return err
	case <-time.After(h.grace):
	}

	logger.Warn("Session %s did not exit after SIGINT, sending SIGKILL", h.sessionID)
	h.signal(syscall.SIGKILL)
	return <-waitErr
}

func (h *execHandle) signal(sig syscall.Signal) {
	if h.pgid > 0 {
		if err := signalProcessGroup(h.pgid, sig); err == nil {
			return
		}
	}
	if h.cmd.Process != nil {
		if sig == syscall.SIGKILL {
			_ = h.cmd.Process.Kill()
		} else {
			_ = h.cmd.Process.Signal(sig)
		}
	}
}
