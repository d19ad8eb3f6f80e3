//go:build windows

package supervisor

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// configureProcessGroup assigns the child to a new process group so a
// Ctrl-C delivered to the parent console doesn't also reach the child
// directly; the serve command's signal handling disposes the pool, which
// stops each child.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// killProcessTree terminates the child process directly. No job object is
// attached, so processes the child spawned are not terminated with it, and
// the child is not killed when the parent exits without stopping it.
func killProcessTree(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
