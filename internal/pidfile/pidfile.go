// Package pidfile guards against running two daemons over the same state.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Pidfile records the owning daemon's pid on disk.
type Pidfile struct {
	path string
}

// New creates a pidfile handle for path. Nothing is written until Acquire.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Path returns the pidfile location.
func (p *Pidfile) Path() string { return p.path }

// Acquire claims the pidfile. It fails when another live process already
// holds it; a pidfile left behind by a dead process is taken over.
func (p *Pidfile) Acquire() error {
	if pid, err := p.read(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("another instance is already running (pid %d)", pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Release removes the pidfile. Missing files are not an error.
func (p *Pidfile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func (p *Pidfile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in pidfile: %w", err)
	}
	return pid, nil
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
