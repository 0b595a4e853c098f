//go:build windows

package procrunner

import (
	"os"
	"os/exec"
	"syscall"
)

// setDetachedSysProcAttr mirrors spawn_detached's CREATE_NEW_PROCESS_GROUP
// flag on Windows.
func setDetachedSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// interruptProcess sends CTRL+BREAK to the process group created by
// CREATE_NEW_PROCESS_GROUP above, the Windows analogue of SIGINT for
// StopTask's graceful shutdown sequence (spec §4.7).
func interruptProcess(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}
