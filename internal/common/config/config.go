// Package config provides configuration management using Viper.
// Configuration is loaded from environment variables with the AGENTMUX prefix,
// an optional config.yaml, and built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the agentmux broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Process  ProcessConfig  `mapstructure:"process"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// BrokerConfig holds session-bridge and session-manager timings.
type BrokerConfig struct {
	AuthTimeoutMs          int    `mapstructure:"authTimeoutMs"`
	ReconnectGracePeriodMs int    `mapstructure:"reconnectGracePeriodMs"`
	IdleSessionTimeoutMs   int    `mapstructure:"idleSessionTimeoutMs"`
	RelaunchDedupMs        int    `mapstructure:"relaunchDedupMs"`
	CapabilitiesTimeoutMs  int    `mapstructure:"capabilitiesTimeoutMs"`
	DefaultAdapter         string `mapstructure:"defaultAdapter"`
}

// ProcessConfig holds subprocess supervision settings.
type ProcessConfig struct {
	KillGracePeriodMs int `mapstructure:"killGracePeriodMs"`
	CrashThresholdMs  int `mapstructure:"crashThresholdMs"`
	FailureThreshold  int `mapstructure:"failureThreshold"`
}

// AdapterCommand selects the per-session binary for one subprocess
// adapter. An empty command disables the adapter.
type AdapterCommand struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Model   string   `mapstructure:"model"`
}

// AdaptersConfig holds per-adapter launch settings.
type AdaptersConfig struct {
	ACP      AdapterCommand `mapstructure:"acp"`
	Gemini   AdapterCommand `mapstructure:"gemini"`
	Codex    AdapterCommand `mapstructure:"codex"`
	OpenCode AdapterCommand `mapstructure:"opencode"`

	// SDKURLWaitTimeoutMs bounds how long a session waits for an external
	// CLI to dial in.
	SDKURLWaitTimeoutMs int `mapstructure:"sdkUrlWaitTimeoutMs"`
}

// SDKURLWaitTimeout returns the forward-connection wait bound.
func (a *AdaptersConfig) SDKURLWaitTimeout() time.Duration {
	return time.Duration(a.SDKURLWaitTimeoutMs) * time.Millisecond
}

// NATSConfig holds event bus settings. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds session persistence settings. An empty path selects
// the in-memory stores.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// TracingConfig holds OTel exporter and decision-trace settings.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	DecisionLog  string `mapstructure:"decisionLog"` // JSONL sink path, empty disables
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AuthTimeout returns the consumer authentication timeout as a time.Duration.
func (b *BrokerConfig) AuthTimeout() time.Duration {
	return time.Duration(b.AuthTimeoutMs) * time.Millisecond
}

// ReconnectGracePeriod returns the backend reconnect grace window.
func (b *BrokerConfig) ReconnectGracePeriod() time.Duration {
	return time.Duration(b.ReconnectGracePeriodMs) * time.Millisecond
}

// IdleSessionTimeout returns the idle reap threshold. Non-positive disables
// the reaper.
func (b *BrokerConfig) IdleSessionTimeout() time.Duration {
	return time.Duration(b.IdleSessionTimeoutMs) * time.Millisecond
}

// RelaunchDedup returns the relaunch deduplication window.
func (b *BrokerConfig) RelaunchDedup() time.Duration {
	return time.Duration(b.RelaunchDedupMs) * time.Millisecond
}

// CapabilitiesTimeout returns the capabilities handshake timeout.
func (b *BrokerConfig) CapabilitiesTimeout() time.Duration {
	return time.Duration(b.CapabilitiesTimeoutMs) * time.Millisecond
}

// KillGracePeriod returns the graceful-kill window before escalation.
func (p *ProcessConfig) KillGracePeriod() time.Duration {
	return time.Duration(p.KillGracePeriodMs) * time.Millisecond
}

// CrashThreshold returns the uptime below which an exit counts as a crash.
func (p *ProcessConfig) CrashThreshold() time.Duration {
	return time.Duration(p.CrashThresholdMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8137)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Broker defaults
	v.SetDefault("broker.authTimeoutMs", 5000)
	v.SetDefault("broker.reconnectGracePeriodMs", 15000)
	v.SetDefault("broker.idleSessionTimeoutMs", 0) // disabled by default
	v.SetDefault("broker.relaunchDedupMs", 3000)
	v.SetDefault("broker.capabilitiesTimeoutMs", 10000)
	v.SetDefault("broker.defaultAdapter", "sdk-url")

	// Process defaults
	v.SetDefault("process.killGracePeriodMs", 5000)
	v.SetDefault("process.crashThresholdMs", 100)
	v.SetDefault("process.failureThreshold", 5)

	// Adapter defaults; subprocess adapters register only when a command
	// is configured
	v.SetDefault("adapters.acp.command", "")
	v.SetDefault("adapters.gemini.command", "gemini")
	v.SetDefault("adapters.gemini.args", []string{"--experimental-acp"})
	v.SetDefault("adapters.codex.command", "codex")
	v.SetDefault("adapters.codex.args", []string{"app-server"})
	v.SetDefault("adapters.opencode.command", "opencode")
	v.SetDefault("adapters.opencode.args", []string{"serve"})
	v.SetDefault("adapters.sdkUrlWaitTimeoutMs", 30000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmux")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults - empty path means in-memory stores
	v.SetDefault("database.path", "")

	// Tracing defaults
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.decisionLog", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX with snake_case
// naming (AGENTMUX_SERVER_PORT, AGENTMUX_BROKER_AUTH_TIMEOUT_MS, ...).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars, so
	// bind the ones whose names differ.
	_ = v.BindEnv("broker.authTimeoutMs", "AGENTMUX_BROKER_AUTH_TIMEOUT_MS")
	_ = v.BindEnv("broker.reconnectGracePeriodMs", "AGENTMUX_BROKER_RECONNECT_GRACE_PERIOD_MS")
	_ = v.BindEnv("broker.idleSessionTimeoutMs", "AGENTMUX_BROKER_IDLE_SESSION_TIMEOUT_MS")
	_ = v.BindEnv("broker.relaunchDedupMs", "AGENTMUX_BROKER_RELAUNCH_DEDUP_MS")
	_ = v.BindEnv("broker.capabilitiesTimeoutMs", "AGENTMUX_BROKER_CAPABILITIES_TIMEOUT_MS")
	_ = v.BindEnv("broker.defaultAdapter", "AGENTMUX_BROKER_DEFAULT_ADAPTER")
	_ = v.BindEnv("process.killGracePeriodMs", "AGENTMUX_PROCESS_KILL_GRACE_PERIOD_MS")
	_ = v.BindEnv("process.crashThresholdMs", "AGENTMUX_PROCESS_CRASH_THRESHOLD_MS")
	_ = v.BindEnv("process.failureThreshold", "AGENTMUX_PROCESS_FAILURE_THRESHOLD")
	_ = v.BindEnv("adapters.sdkUrlWaitTimeoutMs", "AGENTMUX_ADAPTERS_SDK_URL_WAIT_TIMEOUT_MS")
	_ = v.BindEnv("tracing.otlpEndpoint", "AGENTMUX_TRACING_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.decisionLog", "AGENTMUX_TRACING_DECISION_LOG")
	_ = v.BindEnv("logging.outputPath", "AGENTMUX_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Broker.AuthTimeoutMs <= 0 {
		errs = append(errs, "broker.authTimeoutMs must be positive")
	}
	if cfg.Broker.ReconnectGracePeriodMs < 0 {
		errs = append(errs, "broker.reconnectGracePeriodMs must not be negative")
	}
	if cfg.Broker.DefaultAdapter == "" {
		errs = append(errs, "broker.defaultAdapter is required")
	}

	if cfg.Process.KillGracePeriodMs <= 0 {
		errs = append(errs, "process.killGracePeriodMs must be positive")
	}
	if cfg.Process.FailureThreshold <= 0 {
		errs = append(errs, "process.failureThreshold must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
