package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// stderrBufferSize is the number of recent stderr lines kept for error context.
const stderrBufferSize = 50

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// SupervisorConfig tunes kill escalation and crash detection.
type SupervisorConfig struct {
	// Prefix names the owning adapter in event sources ("acp:spawn").
	Prefix           string
	KillGracePeriod  time.Duration // graceful signal window before SIGKILL
	CrashThreshold   time.Duration // exits faster than this count as crashes
	FailureThreshold int           // quick failures before the breaker opens
	BreakerCooldown  time.Duration // open duration before a half-open probe
}

func (c *SupervisorConfig) applyDefaults() {
	if c.KillGracePeriod <= 0 {
		c.KillGracePeriod = 5 * time.Second
	}
	if c.CrashThreshold <= 0 {
		c.CrashThreshold = 100 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

type supervised struct {
	handle    *Handle
	sessionID string
	startedAt time.Time

	stderrMu     sync.Mutex
	stderrBuffer []string

	// done is closed after the exit monitor finished bookkeeping.
	done chan struct{}
}

func (s *supervised) appendStderr(line string) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	clean := stripANSI(line)
	if len(s.stderrBuffer) >= stderrBufferSize {
		s.stderrBuffer = s.stderrBuffer[1:]
	}
	s.stderrBuffer = append(s.stderrBuffer, clean)
}

func (s *supervised) recentStderr() []string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]string, len(s.stderrBuffer))
	copy(out, s.stderrBuffer)
	return out
}

// Supervisor owns the subprocesses of one adapter: spawn, kill escalation,
// stdio pumping, and crash accounting through the circuit breaker.
type Supervisor struct {
	pm      Manager
	bus     bus.EventBus
	log     *logger.Logger
	cfg     SupervisorConfig
	breaker *CircuitBreaker

	mu    sync.Mutex
	procs map[string]*supervised
}

// NewSupervisor creates a supervisor over the given process manager.
func NewSupervisor(pm Manager, eventBus bus.EventBus, cfg SupervisorConfig, log *logger.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		pm:      pm,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "supervisor"), zap.String("adapter", cfg.Prefix)),
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.BreakerCooldown),
	}
}

// Breaker exposes the crash circuit breaker.
func (s *Supervisor) Breaker() *CircuitBreaker {
	return s.breaker
}

// Get returns the handle for a session's process, if any.
func (s *Supervisor) Get(sessionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.procs[sessionID]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// SpawnProcess launches the process for a session and pumps both stdio
// streams onto the event bus. Refused while the circuit breaker is open;
// spawn failures are recorded as breaker failures.
func (s *Supervisor) SpawnProcess(ctx context.Context, sessionID string, spec SpawnSpec) (*Handle, error) {
	spec.SessionID = sessionID
	return s.spawn(ctx, spec, true)
}

// Spawn implements Manager for callers that own the stdout stream (the
// stdio codec adapters). Stderr is still pumped for crash context, and exit
// monitoring and breaker accounting apply as in SpawnProcess.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Handle, error) {
	return s.spawn(context.Background(), spec, false)
}

// IsAlive implements Manager by delegating to the underlying manager.
func (s *Supervisor) IsAlive(pid int) bool {
	return s.pm.IsAlive(pid)
}

var _ Manager = (*Supervisor)(nil)

func (s *Supervisor) spawn(ctx context.Context, spec SpawnSpec, pumpStdout bool) (*Handle, error) {
	if !s.breaker.CanRestart() {
		return nil, fmt.Errorf("circuit breaker open for %s, refusing to spawn", s.cfg.Prefix)
	}

	handle, err := s.pm.Spawn(spec)
	if err != nil {
		s.breaker.RecordFailure()
		s.publish(ctx, "error", spec.SessionID, map[string]any{
			"source": s.cfg.Prefix + ":spawn",
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("spawn %s process: %w", s.cfg.Prefix, err)
	}

	entry := &supervised{
		handle:    handle,
		sessionID: spec.SessionID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.procs == nil {
		s.procs = make(map[string]*supervised)
	}
	s.procs[spec.SessionID] = entry
	s.mu.Unlock()

	if pumpStdout && handle.Stdout != nil {
		go s.pump(spec.SessionID, events.ProcessStdout, handle.Stdout, nil)
	}
	if handle.Stderr != nil {
		go s.pump(spec.SessionID, events.ProcessStderr, handle.Stderr, entry.appendStderr)
	}
	go s.monitorExit(entry)

	s.publish(ctx, events.ProcessSpawned, spec.SessionID, map[string]any{
		"pid":     handle.PID,
		"command": spec.Command,
	})
	return handle, nil
}

// pump reads a stream line-buffered and publishes trimmed non-empty chunks.
// Stream errors are logged, never fatal to the process.
func (s *Supervisor) pump(sessionID, eventType string, r io.Reader, tap func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if tap != nil {
			tap(line)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		s.publish(context.Background(), eventType, sessionID, map[string]any{"chunk": trimmed})
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("Stream pump ended", zap.String("stream", eventType), zap.Error(err))
	}
}

func (s *Supervisor) monitorExit(entry *supervised) {
	defer close(entry.done)

	status := entry.handle.Wait()
	uptime := time.Since(entry.startedAt)

	if uptime < s.cfg.CrashThreshold {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}

	s.mu.Lock()
	delete(s.procs, entry.sessionID)
	s.mu.Unlock()

	data := map[string]any{
		"exit_code":       status.Code,
		"uptime_ms":       uptime.Milliseconds(),
		"circuit_breaker": string(s.breaker.State()),
	}
	if status.Err != nil {
		if recent := entry.recentStderr(); len(recent) > 0 {
			data["recent_stderr"] = recent
		}
		s.log.Error("Process exited with error",
			zap.String("session_id", entry.sessionID),
			zap.Int("exit_code", status.Code),
			zap.Duration("uptime", uptime),
			zap.Error(status.Err))
	} else {
		s.log.Info("Process exited",
			zap.String("session_id", entry.sessionID),
			zap.Int("exit_code", status.Code),
			zap.Duration("uptime", uptime))
	}

	s.publish(context.Background(), events.ProcessExited, entry.sessionID, data)
}

// KillProcess escalates graceful to forceful. Returns once the exit monitor
// confirmed the process is gone.
func (s *Supervisor) KillProcess(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	entry, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := entry.handle.Kill(true); err != nil {
		s.log.Debug("Graceful kill failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	select {
	case <-entry.done:
	case <-time.After(s.cfg.KillGracePeriod):
		s.log.Warn("Process did not exit in grace period, killing",
			zap.String("session_id", sessionID),
			zap.Int("pid", entry.handle.PID))
		if err := entry.handle.Kill(false); err != nil {
			s.log.Debug("Forceful kill failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.publish(ctx, events.ProcessKilled, sessionID, map[string]any{"pid": entry.handle.PID})
	return nil
}

// KillAllProcesses kills every supervised process concurrently.
func (s *Supervisor) KillAllProcesses(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.KillProcess(gctx, id)
		})
	}
	return g.Wait()
}

func (s *Supervisor) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "supervisor:"+s.cfg.Prefix, data)
	if err := s.bus.Publish(ctx, events.BuildSessionSubject(eventType, sessionID), evt); err != nil {
		s.log.Debug("Failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}
