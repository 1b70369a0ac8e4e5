// Package gateway wires every other component package into the running
// simulation gateway: one [Gateway] owns the session registry, the
// scenario definition pack, and the shared singletons (state lock
// registry, order handler, persistence store, metrics), and constructs one
// per-session [runtime] aggregate on first join.
//
// [New] runs a short sequence of init steps, each appending a teardown
// func to closers, and [Gateway.Shutdown] runs them exactly once, in
// reverse registration order.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/simgateway/internal/config"
	"github.com/MrWong99/simgateway/internal/costcontrol"
	"github.com/MrWong99/simgateway/internal/observe"
	"github.com/MrWong99/simgateway/internal/orders"
	"github.com/MrWong99/simgateway/internal/persistence"
	"github.com/MrWong99/simgateway/internal/physio"
	"github.com/MrWong99/simgateway/internal/resilience"
	"github.com/MrWong99/simgateway/internal/scenario"
	"github.com/MrWong99/simgateway/internal/session"
	"github.com/MrWong99/simgateway/internal/statelock"
	"github.com/MrWong99/simgateway/internal/telemetry"
	"github.com/MrWong99/simgateway/internal/toolgate"
	"github.com/MrWong99/simgateway/internal/transport"
	"github.com/MrWong99/simgateway/internal/trigger"
	"github.com/MrWong99/simgateway/internal/voiceclient"
	"github.com/MrWong99/simgateway/pkg/types"
)

// reapGrace is how long a session may sit empty before it becomes
// eligible for teardown.
const reapGrace = 2 * time.Minute

// reapInterval is how often the reaper sweep runs.
const reapInterval = 30 * time.Second

// Gateway is the top-level aggregate wiring every session-scoped and
// process-scoped component together.
type Gateway struct {
	cfg        *config.Config
	scenarios  map[string]*scenario.Definition
	sessions   *session.Manager
	locks      *statelock.Registry
	orderParse *orders.Parser
	orderHdl   *orders.Handler
	store      *persistence.Store
	metrics    *observe.Metrics
	voice      *voiceclient.Client
	breaker    *resilience.CircuitBreaker

	mu          sync.Mutex
	runtimes    map[string]*runtime
	connSession map[*transport.Conn]string
	lastCommand map[*transport.Conn]time.Time

	closers  []func() error
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a [Gateway] at construction time.
type Option func(*Gateway)

// WithPersistence attaches a Postgres-backed persistence store. Omit it to
// run with persistence disabled (every write-through is a silent no-op).
func WithPersistence(store *persistence.Store) Option {
	return func(g *Gateway) { g.store = store }
}

// WithVoiceClient attaches the upstream realtime voice/LLM adapter. Omit
// it (or construct one with an empty API key) to run every session in
// fallback mode.
func WithVoiceClient(client *voiceclient.Client) Option {
	return func(g *Gateway) { g.voice = client }
}

// WithMetrics overrides the default OpenTelemetry metrics instance,
// primarily for tests that want an isolated MeterProvider.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a Gateway over the given scenario pack. cfg drives the
// heartbeat cadence, budget thresholds, and voice model selection every
// session inherits.
func New(cfg *config.Config, scenarios map[string]*scenario.Definition, opts ...Option) (*Gateway, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("gateway: at least one scenario definition is required")
	}

	g := &Gateway{
		cfg:         cfg,
		scenarios:   scenarios,
		sessions:    session.NewManager(),
		locks:       statelock.New(),
		runtimes:    make(map[string]*runtime),
		connSession: make(map[*transport.Conn]string),
		lastCommand: make(map[*transport.Conn]time.Time),
		stopCh:      make(chan struct{}),
	}
	g.orderParse = orders.NewParser()
	g.orderHdl = orders.NewHandler(g.orderParse, g.locks, g.sessions)

	for _, o := range opts {
		o(g)
	}

	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.voice == nil {
		g.voice = voiceclient.New(cfg.Voice.APIKey, voiceclient.WithModel(cfg.Voice.Model))
	}
	g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "voiceclient.connect",
		MaxFailures:  3,
		ResetTimeout: 20 * time.Second,
	})

	g.closers = append(g.closers, func() error {
		g.locks.ClearAll()
		return nil
	})

	go g.reapLoop()
	g.closers = append(g.closers, func() error {
		close(g.stopCh)
		return nil
	})

	return g, nil
}

// SessionManager exposes the underlying session registry, e.g. for an
// HTTP debug endpoint listing active sessions.
func (g *Gateway) SessionManager() *session.Manager { return g.sessions }

// PersistenceReady pings the attached persistence store, returning nil
// when no store is attached; used by the health readiness checker.
func (g *Gateway) PersistenceReady(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	return g.store.Ping(ctx)
}

// Shutdown runs every registered closer exactly once, in reverse
// registration order, logging and continuing past individual closer
// failures; it stops early and returns ctx's error once ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		for i := len(g.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				err = ctx.Err()
				return
			}
			if cerr := g.closers[i](); cerr != nil {
				slog.Error("gateway: closer failed", "err", cerr)
			}
		}
	})
	return err
}

// reapLoop periodically removes sessions that have no connected clients
// and no pending orders. It is the gateway's own complement to
// session.Manager.Reapable, which only knows about client connectivity.
func (g *Gateway) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			g.reapOnce()
		}
	}
}

func (g *Gateway) reapOnce() {
	for _, id := range g.sessions.Reapable(reapGrace) {
		if g.hasPendingOrders(id) {
			continue
		}
		g.teardownSession(id)
	}
}

func (g *Gateway) hasPendingOrders(sessionID string) bool {
	g.mu.Lock()
	rt, ok := g.runtimes[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	for _, o := range rt.engine.GetState().Orders {
		if o.Status == types.OrderPending {
			return true
		}
	}
	return false
}

func (g *Gateway) teardownSession(sessionID string) {
	g.mu.Lock()
	rt, ok := g.runtimes[sessionID]
	if ok {
		delete(g.runtimes, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	rt.stop()
	g.orderHdl.Unregister(sessionID)
	g.locks.Drop(sessionID)
	g.sessions.Remove(sessionID)
	g.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("gateway: session reaped", "sessionId", sessionID)
}

// physioRulesEnabled reports whether def carries a complex-variant rule
// cascade, deciding whether a runtime gets a physio.Engine and trigger
// engine at all (a plain scenario like syncope carries neither).
func physioRulesEnabled(def *scenario.Definition) bool {
	return len(def.PhysioRules) > 0
}

func newPhysioEngine(def *scenario.Definition) *physio.Engine {
	return physio.New(def.PhysioRules)
}

func newTriggerEngine(def *scenario.Definition) *trigger.Engine {
	return trigger.New(def.Triggers, nil)
}

func newToolGate() *toolgate.Gate { return toolgate.New() }

func newCostController(name string, cfg config.BudgetConfig, onSoft, onHard func()) *costcontrol.Controller {
	return costcontrol.New(costcontrol.Config{
		Name:        name,
		USDPerToken: cfg.USDPerToken,
		SoftUSD:     cfg.SoftUSD,
		HardUSD:     cfg.HardUSD,
		OnSoftLimit: onSoft,
		OnHardLimit: onHard,
	})
}

func newTelemetryTracker() *telemetry.Tracker { return telemetry.NewTracker() }

func newEKGHistoryLimit() int { return 128 }
