// Package broker is the composition root of the session plane: it owns
// the adapter set, the bridge, the forward-connection registry and the
// cross-cutting timers (reconnect watchdog, idle reaper, relaunch dedup)
// that keep backend connections alive across restarts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/session"
)

// ErrRelaunchInFlight is returned when a relaunch is requested for a
// session already inside the dedup window.
var ErrRelaunchInFlight = errors.New("broker: relaunch already in flight")

// Config tunes the broker timers.
type Config struct {
	// ReconnectGracePeriod is how long restored sessions still in
	// "starting" may reattach before the watchdog relaunches them.
	ReconnectGracePeriod time.Duration

	// IdleSessionTimeout closes sessions with no backend, no consumers
	// and no recent activity. Zero or negative disables the reaper.
	IdleSessionTimeout time.Duration

	// RelaunchDedup is the window during which further relaunches of the
	// same session are rejected.
	RelaunchDedup time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectGracePeriod <= 0 {
		c.ReconnectGracePeriod = 15 * time.Second
	}
	if c.RelaunchDedup <= 0 {
		c.RelaunchDedup = 5 * time.Second
	}
}

// launcherState is the per-adapter blob persisted through the launcher
// state storage: the backend-assigned session ids used for resume.
type launcherState struct {
	CLISessionIDs map[string]string `json:"cli_session_ids"`
}

// Broker wires adapters, bridge and registry together and runs the
// session-manager timers.
type Broker struct {
	cfg      Config
	adapters *adapter.Registry
	bridge   *bridge.Bridge
	registry *session.Registry
	launcher session.LauncherStateStorage
	bus      bus.EventBus
	log      *logger.Logger

	mu          sync.Mutex
	cliSessions map[string]map[string]string // adapter name -> session id -> backend id
	relaunching map[string]*time.Timer
	subs        []bus.Subscription
	stopped     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires a broker. The bridge must use the same adapter registry and
// event bus.
func New(adapters *adapter.Registry, br *bridge.Bridge, registry *session.Registry,
	launcher session.LauncherStateStorage, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Broker {

	cfg.applyDefaults()
	return &Broker{
		cfg:         cfg,
		adapters:    adapters,
		bridge:      br,
		registry:    registry,
		launcher:    launcher,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "broker")),
		cliSessions: make(map[string]map[string]string),
		relaunching: make(map[string]*time.Timer),
		stop:        make(chan struct{}),
	}
}

// Start restores persisted state and begins the background timers.
// Launcher state is restored before the session registry so resume ids
// are available when restored sessions reconnect.
func (b *Broker) Start(ctx context.Context) error {
	b.restoreLauncherState(ctx)

	if err := b.registry.Restore(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if err := b.subscribe(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	b.wg.Add(2)
	go b.watchdog()
	go b.reaper()

	b.log.Info("Broker started",
		zap.Duration("reconnect_grace", b.cfg.ReconnectGracePeriod),
		zap.Duration("idle_timeout", b.cfg.IdleSessionTimeout))
	return nil
}

func (b *Broker) restoreLauncherState(ctx context.Context) {
	for _, name := range b.adapters.Names() {
		var state launcherState
		err := b.launcher.LoadLauncherState(ctx, name, &state)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			b.log.Warn("Failed to restore launcher state",
				zap.String("adapter", name), zap.Error(err))
			continue
		}
		if state.CLISessionIDs == nil {
			continue
		}
		b.mu.Lock()
		b.cliSessions[name] = state.CLISessionIDs
		b.mu.Unlock()
	}
}

func (b *Broker) subscribe() error {
	if b.bus == nil {
		return nil
	}
	for subject, handler := range map[string]bus.EventHandler{
		events.BuildSessionWildcardSubject(events.BackendSessionID):      b.handleBackendSessionID,
		events.BuildSessionWildcardSubject(events.BackendRelaunchNeeded): b.handleRelaunchNeeded,
	} {
		sub, err := b.bus.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return nil
}

// handleBackendSessionID records the backend-assigned id in the registry
// and the launcher state blob, and marks the session connected.
func (b *Broker) handleBackendSessionID(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["session_id"].(string)
	backendID, _ := evt.Data["backend_session_id"].(string)
	if sessionID == "" || backendID == "" {
		return nil
	}

	err := b.registry.Update(ctx, sessionID, func(info *session.Info) {
		info.BackendSessionID = backendID
		info.State = session.LaunchStateConnected
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		b.log.Warn("Failed to record backend session id",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if info, ok := b.registry.Get(sessionID); ok {
		b.saveCLISessionID(ctx, info.AdapterName, sessionID, backendID)
	}
	return nil
}

func (b *Broker) saveCLISessionID(ctx context.Context, adapterName, sessionID, backendID string) {
	b.mu.Lock()
	ids := b.cliSessions[adapterName]
	if ids == nil {
		ids = make(map[string]string)
		b.cliSessions[adapterName] = ids
	}
	ids[sessionID] = backendID
	snapshot := make(map[string]string, len(ids))
	for k, v := range ids {
		snapshot[k] = v
	}
	b.mu.Unlock()

	if err := b.launcher.SaveLauncherState(ctx, adapterName, launcherState{CLISessionIDs: snapshot}); err != nil {
		b.log.Warn("Failed to persist launcher state",
			zap.String("adapter", adapterName), zap.Error(err))
	}
}

func (b *Broker) handleRelaunchNeeded(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	if err := b.Relaunch(ctx, sessionID); err != nil && !errors.Is(err, ErrRelaunchInFlight) {
		b.log.Error("Relaunch failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// CreateSessionRequest is the management-surface create call.
type CreateSessionRequest struct {
	Cwd         string
	AdapterName string
}

// CreateSession registers a session and binds its backend. Subprocess
// adapters are connected synchronously so spawn failures surface to the
// caller; remote adapters wait for their peer to dial in, so the connect
// runs in the background. On failure the registry entry is removed.
func (b *Broker) CreateSession(ctx context.Context, req CreateSessionRequest) (session.Info, error) {
	a, err := b.adapters.Resolve(req.AdapterName)
	if err != nil {
		return session.Info{}, fmt.Errorf("create session: %w", err)
	}

	info := session.Info{
		SessionID:   uuid.NewString(),
		AdapterName: a.Name(),
		Cwd:         req.Cwd,
		State:       session.LaunchStateStarting,
	}
	if err := b.registry.Register(ctx, info); err != nil {
		return session.Info{}, fmt.Errorf("register session: %w", err)
	}

	opts := adapter.ConnectOptions{SessionID: info.SessionID, Cwd: req.Cwd}
	if adapter.SpawnsSubprocess(a) {
		if err := b.bridge.ConnectBackend(ctx, info.SessionID, a.Name(), opts); err != nil {
			_ = b.registry.Remove(ctx, info.SessionID)
			return session.Info{}, err
		}
	} else {
		go func() {
			ctx := context.Background()
			if err := b.bridge.ConnectBackend(ctx, info.SessionID, a.Name(), opts); err != nil {
				b.log.Error("Backend connect failed",
					zap.String("session_id", info.SessionID),
					zap.String("adapter", a.Name()), zap.Error(err))
				_ = b.registry.Remove(ctx, info.SessionID)
			}
		}()
	}

	b.publish(ctx, events.SessionCreated, info.SessionID, map[string]any{"adapter": a.Name()})
	return info, nil
}

// DeleteSession tears down the backend (killing any subprocess) and
// removes the registry record.
func (b *Broker) DeleteSession(ctx context.Context, sessionID string) error {
	b.clearRelaunchTimer(sessionID)
	if err := b.bridge.RemoveSession(ctx, sessionID); err != nil {
		b.log.Debug("No bridge session to remove",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return b.registry.Remove(ctx, sessionID)
}

// ArchiveSession flags the session so it is never relaunched.
func (b *Broker) ArchiveSession(ctx context.Context, sessionID string) error {
	return b.registry.Update(ctx, sessionID, func(info *session.Info) {
		info.Archived = true
	})
}

// List returns every registered session record.
func (b *Broker) List() []session.Info {
	return b.registry.List()
}

// Get returns one registered session record.
func (b *Broker) Get(sessionID string) (session.Info, bool) {
	return b.registry.Get(sessionID)
}

// Relaunch reconnects the backend for a registered session, resuming the
// backend session when an id is known. Concurrent relaunches of the same
// session collapse to one; archived sessions are never relaunched.
func (b *Broker) Relaunch(ctx context.Context, sessionID string) error {
	info, ok := b.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("relaunch: session %s not registered", sessionID)
	}
	if info.Archived {
		b.log.Debug("Skipping relaunch of archived session",
			zap.String("session_id", sessionID))
		return nil
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	if _, busy := b.relaunching[sessionID]; busy {
		b.mu.Unlock()
		return ErrRelaunchInFlight
	}
	b.relaunching[sessionID] = time.AfterFunc(b.cfg.RelaunchDedup, func() {
		b.clearRelaunchTimer(sessionID)
	})
	b.mu.Unlock()

	opts := adapter.ConnectOptions{
		SessionID: sessionID,
		Cwd:       info.Cwd,
		Resume:    b.resumeID(info),
	}
	if err := b.bridge.ConnectBackend(ctx, sessionID, info.AdapterName, opts); err != nil {
		return fmt.Errorf("relaunch session %s: %w", sessionID, err)
	}

	b.publish(ctx, events.SessionRelaunched, sessionID, map[string]any{
		"adapter": info.AdapterName,
		"resume":  opts.Resume != "",
	})
	b.log.Info("Session relaunched",
		zap.String("session_id", sessionID), zap.String("adapter", info.AdapterName))
	return nil
}

// resumeID prefers the registry record and falls back to the restored
// launcher state.
func (b *Broker) resumeID(info session.Info) string {
	if info.BackendSessionID != "" {
		return info.BackendSessionID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cliSessions[info.AdapterName][info.SessionID]
}

func (b *Broker) clearRelaunchTimer(sessionID string) {
	b.mu.Lock()
	if t, ok := b.relaunching[sessionID]; ok {
		t.Stop()
		delete(b.relaunching, sessionID)
	}
	b.mu.Unlock()
}

// Stop clears timers, stops the background loops and tears down every
// session. Safe to call more than once.
func (b *Broker) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for id, t := range b.relaunching {
		t.Stop()
		delete(b.relaunching, id)
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	close(b.stop)
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()

	b.bridge.Close(ctx)
	b.log.Info("Broker stopped")
}

func (b *Broker) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if b.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "broker", data)
	if err := b.bus.Publish(ctx, events.BuildSessionSubject(eventType, sessionID), evt); err != nil {
		b.log.Warn("Failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
