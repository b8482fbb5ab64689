//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so terminal
// interrupts reach only the parent, and so stop signals reach any
// grandchildren the server spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
