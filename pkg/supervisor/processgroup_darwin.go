//go:build darwin

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the child in its own process group. macOS has
// no PR_SET_PDEATHSIG equivalent and no parent-death monitor is installed
// here: the child is killed only by killProcessTree (via Server.Stop, e.g.
// from Pool.Dispose), and outlives a parent that exits without stopping it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessTree(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
