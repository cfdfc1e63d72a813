package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var received atomic.Int32
	var mu sync.Mutex
	var lastEvent *Event

	sub, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		lastEvent = e
		mu.Unlock()
		received.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	evt := NewEvent("session.created", "test", map[string]any{"session_id": "s-1"})
	require.NoError(t, b.Publish(context.Background(), "session.created", evt))

	waitFor(t, time.Second, func() bool { return received.Load() == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "session.created", lastEvent.Type)
	assert.Equal(t, "s-1", lastEvent.Data["session_id"])
	assert.NotEmpty(t, lastEvent.ID)
}

func TestMemoryEventBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var single, multi atomic.Int32

	_, err := b.Subscribe("process.stdout.*", func(ctx context.Context, e *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("process.>", func(ctx context.Context, e *Event) error {
		multi.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "process.stdout.s-1", NewEvent("process.stdout", "test", nil)))
	require.NoError(t, b.Publish(ctx, "process.exited.s-1", NewEvent("process.exited", "test", nil)))

	waitFor(t, time.Second, func() bool { return multi.Load() == 2 })
	waitFor(t, time.Second, func() bool { return single.Load() == 1 })

	// A single-token wildcard must not match nested tokens
	require.NoError(t, b.Publish(ctx, "process.stdout.s-1.extra", NewEvent("process.stdout", "test", nil)))
	waitFor(t, time.Second, func() bool { return multi.Load() == 3 })
	assert.Equal(t, int32(1), single.Load())
}

func TestMemoryEventBusQueueGroupRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var a, c atomic.Int32
	_, err := b.QueueSubscribe("session.closed", "workers", func(ctx context.Context, e *Event) error {
		a.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("session.closed", "workers", func(ctx context.Context, e *Event) error {
		c.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "session.closed", NewEvent("session.closed", "test", nil)))
	}

	waitFor(t, time.Second, func() bool { return a.Load()+c.Load() == 4 })
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), c.Load())
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var received atomic.Int32
	sub, err := b.Subscribe("backend.connected", func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "backend.connected", NewEvent("backend.connected", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestMemoryEventBusRequestReply(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	_, err := b.Subscribe("capabilities.query", func(ctx context.Context, e *Event) error {
		reply, _ := e.Data["_reply"].(string)
		require.NotEmpty(t, reply)
		return b.Publish(ctx, reply, NewEvent("capabilities.reply", "responder", map[string]any{"ok": true}))
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "capabilities.query",
		NewEvent("capabilities.query", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data["ok"])
}

func TestMemoryEventBusRequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home",
		NewEvent("nobody.home", "test", nil), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMemoryEventBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil))
	require.Error(t, err)
}
