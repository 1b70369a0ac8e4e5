package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv], and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes and validates a YAML config from r, without
// applying environment overrides. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the recognised environment
// variables, using lookup (ordinarily [os.LookupEnv]) so tests can inject
// a fake environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("PORT"); ok {
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := lookup("ALLOW_INSECURE_VOICE_WS"); ok {
		cfg.Transport.AllowInsecureWS = v == "true" || v == "1"
	}
	if v, ok := lookup("SCENARIO_HEARTBEAT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Heartbeat.IntervalMs = n
		}
	}
	if v, ok := lookup("COMMAND_COOLDOWN_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.CommandCooldownMs = n
		}
	}
	if v, ok := lookup("MAX_WS_PAYLOAD_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxPayloadBytes = n
		}
	}
	if v, ok := lookup("SOFT_BUDGET_USD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.SoftUSD = f
		}
	}
	if v, ok := lookup("HARD_BUDGET_USD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.HardUSD = f
		}
	}
	if v, ok := lookup("OPENAI_REALTIME_MODEL"); ok {
		cfg.Voice.Model = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok {
		cfg.Voice.APIKey = v
	}
	if v, ok := lookup("NODE_ENV"); ok && v == "production" {
		cfg.Server.Production = true
	}
	if v, ok := lookup("PERSISTENCE_EMULATOR_HOST"); ok {
		cfg.Persistence.EmulatorHost = v
	}
	if v, ok := lookup("PERSISTENCE_PROJECT_ID"); ok {
		cfg.Persistence.ProjectID = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found, and logs warnings for
// issues that are safe to continue with.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Heartbeat.MinIntervalMs > 0 && cfg.Heartbeat.IntervalMs > 0 &&
		cfg.Heartbeat.IntervalMs < cfg.Heartbeat.MinIntervalMs {
		errs = append(errs, fmt.Errorf("heartbeat.interval_ms %d is below heartbeat.min_interval_ms %d",
			cfg.Heartbeat.IntervalMs, cfg.Heartbeat.MinIntervalMs))
	}

	if cfg.Transport.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("transport.max_payload_bytes must not be negative"))
	}

	if cfg.Budget.HardUSD > 0 && cfg.Budget.SoftUSD > cfg.Budget.HardUSD {
		errs = append(errs, fmt.Errorf("budget.soft_usd %.4f exceeds budget.hard_usd %.4f", cfg.Budget.SoftUSD, cfg.Budget.HardUSD))
	}

	if cfg.Voice.APIKey == "" {
		slog.Warn("config: no voice provider api key configured; sessions will start in fallback mode")
	}

	if cfg.Persistence.DSN() == "" {
		slog.Warn("config: persistence.postgres_dsn is empty; sim state and events will not be persisted")
	}

	if cfg.Server.Production {
		if cfg.Transport.AllowInsecureWS {
			errs = append(errs, errors.New("transport.allow_insecure_voice_ws must be false when server.production is true"))
		}
		if cfg.Chaos.LatencyMs != 0 || cfg.Chaos.DropPercent != 0 {
			slog.Warn("config: chaos knobs requested in production, forcing to zero",
				"requested_latency_ms", cfg.Chaos.LatencyMs,
				"requested_drop_percent", cfg.Chaos.DropPercent,
			)
		}
		cfg.Chaos.LatencyMs = 0
		cfg.Chaos.DropPercent = 0
	}

	return errors.Join(errs...)
}
