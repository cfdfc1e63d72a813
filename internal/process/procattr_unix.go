//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so the
// whole tree can be signaled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// signalZero probes for process existence without affecting it.
func signalZero(p *os.Process) error {
	return p.Signal(syscall.Signal(0))
}
