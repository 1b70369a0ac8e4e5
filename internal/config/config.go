// Package config provides the configuration schema, loader, and validation
// for the simulation gateway.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure for the simulation gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// with recognised environment variables applied on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Transport   TransportConfig   `yaml:"transport"`
	Budget      BudgetConfig      `yaml:"budget"`
	Voice       VoiceConfig       `yaml:"voice"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Scenarios   ScenariosConfig   `yaml:"scenarios"`
	Chaos       ChaosConfig       `yaml:"chaos"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Production gates the chaos knobs in [ChaosConfig] to zero regardless
	// of what the file or environment requests.
	Production bool `yaml:"production"`
}

// LogLevel is the recognised set of server log verbosities.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// HeartbeatConfig controls the per-session tick cadence.
type HeartbeatConfig struct {
	// IntervalMs is the default tick interval. Defaults to 1000 if zero.
	IntervalMs int `yaml:"interval_ms"`

	// MinIntervalMs is the floor a session may configure; intervals below
	// this are rejected by [Validate].
	MinIntervalMs int `yaml:"min_interval_ms"`
}

// Interval returns the configured heartbeat interval, defaulting to 1s.
func (h HeartbeatConfig) Interval() time.Duration {
	if h.IntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// TransportConfig controls the WebSocket transport.
type TransportConfig struct {
	// MaxPayloadBytes caps inbound/outbound frame size. Defaults to 262144.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// CommandCooldownMs is the minimum spacing between voice_command
	// messages from the same client. Defaults to 3000.
	CommandCooldownMs int `yaml:"command_cooldown_ms"`

	// AllowInsecureWS permits ws:// instead of wss://. Must be false when
	// Server.Production is true.
	AllowInsecureWS bool `yaml:"allow_insecure_voice_ws"`
}

// MaxPayload returns the configured frame size cap, defaulting to 256 KiB.
func (t TransportConfig) MaxPayload() int {
	if t.MaxPayloadBytes <= 0 {
		return 262144
	}
	return t.MaxPayloadBytes
}

// BudgetConfig configures the Cost Controller's soft/hard USD thresholds.
type BudgetConfig struct {
	SoftUSD     float64 `yaml:"soft_usd"`
	HardUSD     float64 `yaml:"hard_usd"`
	USDPerToken float64 `yaml:"usd_per_token"`
}

// VoiceConfig configures the upstream realtime voice/LLM provider.
type VoiceConfig struct {
	// Model selects the upstream realtime model, e.g. "gpt-4o-realtime-preview".
	Model string `yaml:"model"`

	// APIKey authenticates with the upstream provider. A blank key is
	// treated as "provider unavailable" and the gateway starts in fallback
	// mode for every session.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default realtime endpoint.
	BaseURL string `yaml:"base_url"`
}

// PersistenceConfig configures the Postgres-backed Persistence Adapter.
type PersistenceConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmulatorHost, when set, overrides PostgresDSN with a connection string
	// pointed at a local/test Postgres instance (e.g. a docker-compose
	// service) rather than a production database.
	EmulatorHost string `yaml:"emulator_host"`

	// ProjectID namespaces the emulator connection (used as the database
	// name) when EmulatorHost is set. Ignored otherwise.
	ProjectID string `yaml:"project_id"`
}

// DSN returns the connection string the Persistence Adapter should dial:
// EmulatorHost takes precedence over PostgresDSN when set.
func (p PersistenceConfig) DSN() string {
	if p.EmulatorHost == "" {
		return p.PostgresDSN
	}
	project := p.ProjectID
	if project == "" {
		project = "simgateway"
	}
	return fmt.Sprintf("postgres://postgres:postgres@%s/%s?sslmode=disable", p.EmulatorHost, project)
}

// ScenariosConfig configures where scenario definition YAML files are
// loaded from.
type ScenariosConfig struct {
	Dir string `yaml:"dir"`
}

// ChaosConfig holds test-only latency/drop injection knobs. [Validate]
// zeroes these whenever Server.Production is true, regardless of what was
// requested.
type ChaosConfig struct {
	LatencyMs   int     `yaml:"latency_ms"`
	DropPercent float64 `yaml:"drop_percent"`
}
