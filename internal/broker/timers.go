package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/session"
)

// watchdog gives restored sessions still in "starting" a grace period to
// reattach, then relaunches the survivors. Archived sessions are left
// alone.
func (b *Broker) watchdog() {
	defer b.wg.Done()

	select {
	case <-time.After(b.cfg.ReconnectGracePeriod):
	case <-b.stop:
		return
	}

	for _, info := range b.registry.List() {
		if info.State != session.LaunchStateStarting || info.Archived {
			continue
		}
		if s, ok := b.bridge.GetSession(info.SessionID); ok && s.CLIConnected() {
			continue
		}
		b.log.Info("Grace period expired, relaunching",
			zap.String("session_id", info.SessionID),
			zap.String("adapter", info.AdapterName))
		if err := b.Relaunch(context.Background(), info.SessionID); err != nil && !errors.Is(err, ErrRelaunchInFlight) {
			b.log.Error("Watchdog relaunch failed",
				zap.String("session_id", info.SessionID), zap.Error(err))
		}
	}
}

// reapInterval derives the scan rate from the idle timeout, floored at
// one second.
func (b *Broker) reapInterval() time.Duration {
	interval := b.cfg.IdleSessionTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// reaper periodically closes sessions with no backend, no consumers and
// no recent activity. Disabled when the idle timeout is not positive.
func (b *Broker) reaper() {
	defer b.wg.Done()

	if b.cfg.IdleSessionTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(b.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reapIdle()
		}
	}
}

func (b *Broker) reapIdle() {
	ctx := context.Background()
	for _, s := range b.bridge.Sessions() {
		if s.Lifecycle() == session.LifecycleClosed {
			continue
		}
		if s.CLIConnected() || s.ConsumerCount() > 0 {
			continue
		}
		idle := time.Since(s.LastActivity())
		if idle < b.cfg.IdleSessionTimeout {
			continue
		}
		b.log.Info("Reaping idle session",
			zap.String("session_id", s.ID), zap.Duration("idle", idle))
		if err := b.bridge.CloseSession(ctx, s.ID); err != nil {
			b.log.Warn("Failed to close idle session",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		b.publish(ctx, events.SessionIdleReaped, s.ID, map[string]any{
			"idle_ms": idle.Milliseconds(),
		})
	}
}
