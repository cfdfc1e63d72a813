package process

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// fakeProc is one scripted process owned by fakeManager.
type fakeProc struct {
	handle *Handle
	killed chan bool // receives graceful flag per Kill call
}

type fakeManager struct {
	mu         sync.Mutex
	procs      []*fakeProc
	nextPID    int
	failNext   error
	nextStdout io.ReadCloser
}

func (f *fakeManager) Spawn(spec SpawnSpec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}

	f.nextPID++
	killed := make(chan bool, 4)
	p := &fakeProc{killed: killed}
	p.handle = &Handle{
		PID:    f.nextPID,
		Stdout: f.nextStdout,
		done:   make(chan struct{}),
		killFn: func(graceful bool) error {
			killed <- graceful
			return nil
		},
	}
	f.procs = append(f.procs, p)
	return p.handle, nil
}

func (f *fakeManager) IsAlive(pid int) bool { return false }

func (f *fakeProc) exitWith(code int, err error) {
	f.handle.finish(ExitStatus{Code: code, Err: err})
}

type capturedEvents struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capturedEvents) ofType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newSupervisorForTest(t *testing.T, cfg SupervisorConfig) (*Supervisor, *fakeManager, *capturedEvents) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	captured := &capturedEvents{}
	_, err = memBus.Subscribe(">", func(ctx context.Context, e *bus.Event) error {
		captured.mu.Lock()
		captured.events = append(captured.events, e)
		captured.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	fm := &fakeManager{}
	cfg.Prefix = "test"
	return NewSupervisor(fm, memBus, cfg, log), fm, captured
}

func awaitEvents(t *testing.T, c *capturedEvents, eventType string, n int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := c.ofType(eventType); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d %s events", n, eventType)
	return nil
}

func TestSpawnEmitsSpawnedEvent(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{})

	h, err := s.SpawnProcess(context.Background(), "s-1", SpawnSpec{Command: "agent"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.PID)

	evts := awaitEvents(t, captured, events.ProcessSpawned, 1)
	assert.Equal(t, "s-1", evts[0].Data["session_id"])

	fm.procs[0].exitWith(0, nil)
	awaitEvents(t, captured, events.ProcessExited, 1)
}

func TestSpawnFailureRecordsBreakerFailure(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{})
	fm.failNext = fmt.Errorf("no such binary")

	_, err := s.SpawnProcess(context.Background(), "s-1", SpawnSpec{Command: "missing"})
	require.Error(t, err)
	assert.Equal(t, 1, s.Breaker().FailureCount())

	evts := awaitEvents(t, captured, "error", 1)
	assert.Equal(t, "test:spawn", evts[0].Data["source"])
}

func TestQuickExitsOpenBreakerSlowExitCloses(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{
		CrashThreshold:   100 * time.Millisecond,
		FailureThreshold: 5,
		BreakerCooldown:  time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.SpawnProcess(ctx, "s-1", SpawnSpec{Command: "agent"})
		require.NoError(t, err)
		fm.procs[i].exitWith(1, fmt.Errorf("exit status 1"))
		awaitEvents(t, captured, events.ProcessExited, i+1)
	}

	assert.Equal(t, BreakerOpen, s.Breaker().State())
	assert.False(t, s.Breaker().CanRestart())

	// Cooldown elapses; the half-open probe lives past the crash threshold
	// and re-closes the breaker.
	time.Sleep(5 * time.Millisecond)
	_, err := s.SpawnProcess(ctx, "s-1", SpawnSpec{Command: "agent"})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	fm.procs[5].exitWith(0, nil)

	exited := awaitEvents(t, captured, events.ProcessExited, 6)
	assert.Equal(t, BreakerClosed, s.Breaker().State())
	last := exited[len(exited)-1]
	assert.Equal(t, "closed", last.Data["circuit_breaker"])
	assert.GreaterOrEqual(t, last.Data["uptime_ms"], int64(100))
}

func TestKillEscalatesGracefulToForceful(t *testing.T) {
	s, fm, _ := newSupervisorForTest(t, SupervisorConfig{
		KillGracePeriod: 50 * time.Millisecond,
	})

	ctx := context.Background()
	_, err := s.SpawnProcess(ctx, "s-1", SpawnSpec{Command: "agent"})
	require.NoError(t, err)
	proc := fm.procs[0]

	done := make(chan error, 1)
	go func() { done <- s.KillProcess(ctx, "s-1") }()

	// Graceful signal arrives first; the process ignores it.
	assert.True(t, <-proc.killed)

	// After the grace period the forceful signal lands; now exit.
	assert.False(t, <-proc.killed)
	proc.exitWith(137, fmt.Errorf("signal: killed"))

	require.NoError(t, <-done)
	_, alive := s.Get("s-1")
	assert.False(t, alive)
}

func TestKillAllProcessesConcurrently(t *testing.T) {
	s, fm, _ := newSupervisorForTest(t, SupervisorConfig{KillGracePeriod: time.Second})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.SpawnProcess(ctx, fmt.Sprintf("s-%d", i), SpawnSpec{Command: "agent"})
		require.NoError(t, err)
	}

	// Every process exits promptly on the graceful signal.
	for _, p := range fm.procs {
		go func(p *fakeProc) {
			<-p.killed
			p.exitWith(0, nil)
		}(p)
	}

	require.NoError(t, s.KillAllProcesses(ctx))
	for i := 0; i < 3; i++ {
		_, alive := s.Get(fmt.Sprintf("s-%d", i))
		assert.False(t, alive)
	}
}

func TestStdoutPumpEmitsTrimmedNonEmptyLines(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{})

	_, err := s.SpawnProcess(context.Background(), "s-1", SpawnSpec{Command: "agent"})
	require.NoError(t, err)

	// The fake handle has no stdout pipe; attach a pump directly.
	r, w := io.Pipe()
	go s.pump("s-1", events.ProcessStdout, r, nil)

	_, err = w.Write([]byte("  hello world  \n\n   \nsecond\n"))
	require.NoError(t, err)
	w.Close()

	evts := awaitEvents(t, captured, events.ProcessStdout, 2)
	chunks := []string{evts[0].Data["chunk"].(string), evts[1].Data["chunk"].(string)}
	assert.Equal(t, []string{"hello world", "second"}, chunks)

	fm.procs[0].exitWith(0, nil)
}

func TestStderrRingBufferAttachedToCrash(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{CrashThreshold: time.Hour})

	_, err := s.SpawnProcess(context.Background(), "s-1", SpawnSpec{Command: "agent"})
	require.NoError(t, err)
	proc := fm.procs[0]

	// Feed stderr through the entry's tap the way the pump would.
	s.mu.Lock()
	entry := s.procs["s-1"]
	s.mu.Unlock()
	for i := 0; i < stderrBufferSize+10; i++ {
		entry.appendStderr(fmt.Sprintf("\x1b[31mline %d\x1b[0m", i))
	}

	proc.exitWith(1, fmt.Errorf("exit status 1"))
	evts := awaitEvents(t, captured, events.ProcessExited, 1)

	recent, ok := evts[0].Data["recent_stderr"].([]string)
	require.True(t, ok)
	require.Len(t, recent, stderrBufferSize)
	assert.Equal(t, "line 10", recent[0])
	assert.False(t, strings.Contains(recent[0], "\x1b"))
}

func TestManagerSpawnLeavesStdoutToCaller(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{})
	fm.nextStdout = io.NopCloser(strings.NewReader("protocol frame\n"))

	h, err := s.Spawn(SpawnSpec{SessionID: "s-1", Command: "agent"})
	require.NoError(t, err)
	require.NotNil(t, h.Stdout)

	evts := awaitEvents(t, captured, events.ProcessSpawned, 1)
	assert.Equal(t, "s-1", evts[0].Data["session_id"])

	// The stream stays readable by the caller, so the codec sees it intact.
	data, err := io.ReadAll(h.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "protocol frame\n", string(data))
	assert.Empty(t, captured.ofType(events.ProcessStdout))

	fm.procs[0].exitWith(0, nil)
}

func TestManagerSpawnRefusedWhileBreakerOpen(t *testing.T) {
	s, fm, _ := newSupervisorForTest(t, SupervisorConfig{
		FailureThreshold: 2,
		BreakerCooldown:  time.Hour,
	})

	for i := 0; i < 2; i++ {
		fm.failNext = fmt.Errorf("no such binary")
		_, err := s.Spawn(SpawnSpec{SessionID: "s-1", Command: "missing"})
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, s.Breaker().State())

	_, err := s.Spawn(SpawnSpec{SessionID: "s-1", Command: "agent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Empty(t, fm.procs)
}

func TestExitStatusVisibleToEveryWaiter(t *testing.T) {
	s, fm, captured := newSupervisorForTest(t, SupervisorConfig{})

	h, err := s.Spawn(SpawnSpec{SessionID: "s-1", Command: "agent"})
	require.NoError(t, err)

	fm.procs[0].exitWith(3, fmt.Errorf("exit status 3"))
	awaitEvents(t, captured, events.ProcessExited, 1)

	// The supervisor's bookkeeping must not consume the status; an
	// adapter's exit watcher waiting on the same handle still sees it.
	status := h.Wait()
	assert.Equal(t, 3, status.Code)
	assert.Error(t, status.Err)
}
