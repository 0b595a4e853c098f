//go:build !windows

package procrunner

import (
	"os/exec"
	"syscall"
)

// setDetachedSysProcAttr starts the process in its own session so it
// survives the parent exiting, mirroring spawn_detached's
// start_new_session=True on POSIX.
func setDetachedSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// interruptProcess sends SIGINT, the first step of StopTask's graceful
// shutdown sequence (spec §4.7 "Cancellation semantics").
func interruptProcess(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGINT)
}
