//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// Process groups work differently on Windows; signals go to the process
// itself.
func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

func getProcessGroupID(cmd *exec.Cmd) int {
	return 0
}

func signalProcessGroup(pgid int, sig syscall.Signal) error {
	_ = pgid
	_ = sig
	return syscall.EWINDOWS
}
