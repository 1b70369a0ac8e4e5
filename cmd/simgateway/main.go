// Command simgateway is the main entry point for the simulation gateway
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/simgateway/internal/config"
	"github.com/MrWong99/simgateway/internal/gateway"
	"github.com/MrWong99/simgateway/internal/health"
	"github.com/MrWong99/simgateway/internal/observe"
	"github.com/MrWong99/simgateway/internal/persistence"
	"github.com/MrWong99/simgateway/internal/scenario"
	"github.com/MrWong99/simgateway/internal/transport"
	"github.com/MrWong99/simgateway/internal/voiceclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "simgateway: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "simgateway: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("simgateway starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry providers ───────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "simgateway"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()

	// ── Scenario pack ─────────────────────────────────────────────────────────
	scenarioDir := cfg.Scenarios.Dir
	if scenarioDir == "" {
		scenarioDir = "scenarios"
	}
	scenarios, err := scenario.LoadPack(os.DirFS(scenarioDir))
	if err != nil {
		slog.Error("failed to load scenario pack", "dir", scenarioDir, "err", err)
		return 1
	}
	slog.Info("scenario pack loaded", "dir", scenarioDir, "scenarios", len(scenarios))

	// ── Persistence (optional) ────────────────────────────────────────────────
	var opts []gateway.Option
	var store *persistence.Store
	if dsn := cfg.Persistence.DSN(); dsn != "" {
		store, err = persistence.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect persistence store", "err", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, gateway.WithPersistence(store))
		slog.Info("persistence store connected")
	} else {
		slog.Warn("no persistence DSN configured — running without write-through")
	}

	// ── Voice client ──────────────────────────────────────────────────────────
	voiceOpts := []voiceclient.Option{voiceclient.WithModel(cfg.Voice.Model)}
	if cfg.Voice.BaseURL != "" {
		voiceOpts = append(voiceOpts, voiceclient.WithBaseURL(cfg.Voice.BaseURL))
	}
	opts = append(opts, gateway.WithVoiceClient(voiceclient.New(cfg.Voice.APIKey, voiceOpts...)))
	if cfg.Voice.APIKey == "" {
		slog.Warn("no voice API key configured — every session will run in fallback mode")
	}

	// ── Gateway wiring ────────────────────────────────────────────────────────
	gw, err := gateway.New(cfg, scenarios, opts...)
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	checkers := []health.Checker{
		{Name: "persistence", Check: gw.PersistenceReady},
	}
	server := transport.NewServer(gw, health.New(checkers...), cfg.Transport.MaxPayload(), cfg.Transport.AllowInsecureWS)

	mux := http.NewServeMux()
	server.Register(mux)
	handler := observe.Middleware(observe.DefaultMetrics())(mux)

	printStartupSummary(cfg, len(scenarios), store != nil)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, scenarioCount int, persistent bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      simgateway — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Scenarios", fmt.Sprintf("%d", scenarioCount))
	printRow("Voice model", cfg.Voice.Model)
	printRow("Persistence", onOff(persistent))
	printRow("Heartbeat", cfg.Heartbeat.Interval().String())
	printRow("Soft budget", fmt.Sprintf("$%.2f", cfg.Budget.SoftUSD))
	printRow("Hard budget", fmt.Sprintf("$%.2f", cfg.Budget.HardUSD))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
