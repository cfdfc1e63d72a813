// Package process supervises backend subprocesses: spawn, kill escalation,
// stdio pumping, and the crash circuit breaker.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// SpawnSpec describes a process to launch. SessionID keys the process for
// supervision; plain managers ignore it.
type SpawnSpec struct {
	SessionID string
	Command   string
	Args      []string
	Cwd       string
	Env       map[string]string
}

// ExitStatus is recorded once when the process ends and returned to every
// Wait caller.
type ExitStatus struct {
	Code int // -1 when unknown
	Err  error
}

// Handle is one live subprocess. Streams may be nil when the spawner did
// not pipe them.
type Handle struct {
	PID    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	done   chan struct{}
	status ExitStatus

	killFn func(graceful bool) error
}

// Done is closed once the process has exited and its status is recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits. Every caller observes the same
// status, so the supervisor and an adapter's exit watcher can both wait on
// one handle.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	return h.status
}

// finish records the exit status and releases all waiters. The spawning
// manager calls it exactly once.
func (h *Handle) finish(status ExitStatus) {
	h.status = status
	close(h.done)
}

// Kill signals the process. graceful sends the termination signal; forceful
// kills the process group outright.
func (h *Handle) Kill(graceful bool) error {
	if h.killFn == nil {
		return fmt.Errorf("process %d has no kill handle", h.PID)
	}
	return h.killFn(graceful)
}

// Manager launches processes. Implementations are exec-backed in production
// and channel-driven fakes in tests.
type Manager interface {
	Spawn(spec SpawnSpec) (*Handle, error)
	IsAlive(pid int) bool
}

// ExecManager is the exec-backed Manager.
type ExecManager struct {
	log *logger.Logger
	mu  sync.Mutex
}

// NewExecManager creates an exec-backed process manager.
func NewExecManager(log *logger.Logger) *ExecManager {
	return &ExecManager{log: log.WithFields(zap.String("component", "process-manager"))}
}

// Spawn starts the process with piped stdio in its own process group.
func (m *ExecManager) Spawn(spec SpawnSpec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	pid := cmd.Process.Pid
	h := &Handle{
		PID:    pid,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
		killFn: func(graceful bool) error {
			if graceful {
				return terminateProcessGroup(pid)
			}
			return killProcessGroup(pid)
		},
	}

	go func() {
		err := cmd.Wait()
		status := ExitStatus{Code: 0}
		if err != nil {
			status.Err = err
			status.Code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				status.Code = exitErr.ExitCode()
			}
		}
		h.finish(status)
	}()

	m.log.Info("Spawned process",
		zap.String("command", spec.Command),
		zap.Int("pid", pid),
		zap.String("cwd", spec.Cwd))

	return h, nil
}

// IsAlive reports whether a process with the given pid exists.
func (m *ExecManager) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return signalZero(proc) == nil
}
