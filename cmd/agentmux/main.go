// Command agentmux runs the session broker: the management HTTP API, the
// consumer and forward WebSocket endpoints, and the adapter drivers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/adapter/acp"
	"github.com/agentmux/agentmux/internal/adapter/codex"
	"github.com/agentmux/agentmux/internal/adapter/gemini"
	"github.com/agentmux/agentmux/internal/adapter/opencode"
	"github.com/agentmux/agentmux/internal/adapter/sdkurl"
	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/tracing"
	"github.com/agentmux/agentmux/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentmux: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Storage: SQLite when a path is configured, in-memory otherwise.
	var (
		storage  session.Storage
		launcher session.LauncherStateStorage
	)
	if cfg.Database.Path != "" {
		sqlite, err := session.NewSQLiteStorage(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open session storage: %w", err)
		}
		defer sqlite.Close()
		storage, launcher = sqlite, sqlite
	} else {
		memory := session.NewMemoryStorage()
		storage, launcher = memory, memory
	}

	// Decision tracer for slash passthrough interception.
	var tracer tracing.DecisionTracer = tracing.NopTracer{}
	if cfg.Tracing.DecisionLog != "" {
		jsonl, err := tracing.OpenJSONLTracer(cfg.Tracing.DecisionLog, log)
		if err != nil {
			return fmt.Errorf("open decision tracer: %w", err)
		}
		defer jsonl.Close()
		tracer = jsonl
	}

	pm := process.NewExecManager(log)
	adapters := adapter.NewRegistry(cfg.Broker.DefaultAdapter, log)

	forwardHub := sdkurl.NewHub()
	adapters.Register(sdkurl.NewAdapter(sdkurl.Config{
		WaitTimeout: cfg.Adapters.SDKURLWaitTimeout(),
	}, forwardHub, log))

	registerSubprocessAdapters(cfg, adapters, pm, eventBus, log)

	br := bridge.New(adapters, nil, eventBus, nil, tracer, bridge.Config{
		AuthTimeout:         cfg.Broker.AuthTimeout(),
		CapabilitiesTimeout: cfg.Broker.CapabilitiesTimeout(),
	}, log)

	registry := session.NewRegistry(storage, log)
	b := broker.New(adapters, br, registry, launcher, eventBus, broker.Config{
		ReconnectGracePeriod: cfg.Broker.ReconnectGracePeriod(),
		IdleSessionTimeout:   cfg.Broker.IdleSessionTimeout(),
		RelaunchDedup:        cfg.Broker.RelaunchDedup(),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(b, br, adapters, log)
	ws.NewHandler(br, forwardHub, log).Register(apiServer.Router())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.Strings("adapters", adapters.Names()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", zap.Error(err))
	}
	b.Stop(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// registerSubprocessAdapters installs every subprocess adapter with a
// configured command. Each adapter spawns through its own supervisor so
// crashes feed a per-adapter circuit breaker.
func registerSubprocessAdapters(cfg *config.Config, adapters *adapter.Registry, pm process.Manager, eventBus bus.EventBus, log *logger.Logger) {
	supervise := func(name string) process.Manager {
		return process.NewSupervisor(pm, eventBus, process.SupervisorConfig{
			Prefix:           name,
			KillGracePeriod:  cfg.Process.KillGracePeriod(),
			CrashThreshold:   cfg.Process.CrashThreshold(),
			FailureThreshold: cfg.Process.FailureThreshold,
		}, log)
	}

	if c := cfg.Adapters.ACP; c.Command != "" {
		adapters.Register(acp.NewAdapter(acp.Config{
			Command: c.Command,
			Args:    c.Args,
		}, supervise("acp"), log))
	}
	if c := cfg.Adapters.Gemini; c.Command != "" {
		adapters.Register(gemini.NewAdapter(gemini.Config{
			Command: c.Command,
			Args:    c.Args,
		}, supervise("gemini"), log))
	}
	if c := cfg.Adapters.Codex; c.Command != "" {
		adapters.Register(codex.NewAdapter(codex.Config{
			Command: c.Command,
			Args:    c.Args,
			Model:   c.Model,
		}, supervise("codex"), log))
	}
	if c := cfg.Adapters.OpenCode; c.Command != "" {
		adapters.Register(opencode.NewAdapter(opencode.Config{
			Command: c.Command,
			Args:    c.Args,
		}, supervise("opencode"), log))
	}
}
