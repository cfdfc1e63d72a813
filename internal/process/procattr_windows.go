//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// terminateProcessGroup has no graceful equivalent on Windows; kill outright.
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func signalZero(p *os.Process) error {
	// FindProcess always succeeds on Windows; Signal probing is unsupported,
	// so assume alive.
	return nil
}
