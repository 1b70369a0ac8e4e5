package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/simgateway/internal/costcontrol"
	"github.com/MrWong99/simgateway/internal/observe"
	"github.com/MrWong99/simgateway/internal/orders"
	"github.com/MrWong99/simgateway/internal/physio"
	"github.com/MrWong99/simgateway/internal/scenario"
	"github.com/MrWong99/simgateway/internal/telemetry"
	"github.com/MrWong99/simgateway/internal/toolgate"
	"github.com/MrWong99/simgateway/internal/trigger"
	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/internal/voiceclient"
	"github.com/MrWong99/simgateway/pkg/types"
)

// runtime is the per-session aggregate the gateway constructs on first
// join: one scenario engine, an optional physio/trigger pair for complex
// variants, and the policy singletons scoped to this session. Every
// field below is mutated only while the session's key is held in
// [Gateway.locks], except the bookkeeping guarded by mu (goroutine
// lifecycle, not simulation state).
type runtime struct {
	g         *Gateway
	sessionID string
	def       *scenario.Definition

	engine        *scenario.Engine
	physioEngine  *physio.Engine
	physioState   *physio.State
	triggerEngine *trigger.Engine
	gate          *toolgate.Gate
	cost          *costcontrol.Controller
	alarms        *telemetry.Tracker
	history       *telemetry.History
	actions       map[string]bool

	voice *voiceclient.Session

	// paused and frozen gate AI/tick behaviour for a presenter's
	// pause_ai/freeze voice_command;
	// muted tracks per-user mute_user toggles. None of these are part of
	// the persisted simulation state, so they live under mu rather than
	// the session's state lock.
	mu       sync.Mutex
	paused   bool
	frozen   bool
	muted    map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (rt *runtime) setPaused(v bool) {
	rt.mu.Lock()
	rt.paused = v
	rt.mu.Unlock()
}

func (rt *runtime) isPaused() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.paused
}

func (rt *runtime) setFrozen(v bool) {
	rt.mu.Lock()
	rt.frozen = v
	rt.mu.Unlock()
}

func (rt *runtime) isFrozen() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.frozen
}

func (rt *runtime) toggleMute(userID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.muted == nil {
		rt.muted = make(map[string]bool)
	}
	rt.muted[userID] = !rt.muted[userID]
	return rt.muted[userID]
}

func (rt *runtime) isMuted(userID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.muted[userID]
}

func (g *Gateway) registerSession(sessionID, scenarioID string, now time.Time) (*runtime, error) {
	def, ok := g.scenarios[scenarioID]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown scenario %q", scenarioID)
	}

	engine, err := scenario.New(def, sessionID, now)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		g:             g,
		sessionID:     sessionID,
		def:           def,
		engine:        engine,
		triggerEngine: newTriggerEngine(def),
		gate:          newToolGate(),
		alarms:        newTelemetryTracker(),
		history:       telemetry.NewHistory(newEKGHistoryLimit()),
		actions:       make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
	if physioRulesEnabled(def) {
		rt.physioEngine = newPhysioEngine(def)
		rt.physioState = &physio.State{PhaseEnteredAt: now, ConsultCalled: map[string]bool{}, DiagnosticOrdered: map[string]bool{}}
	}
	rt.cost = newCostController(sessionID, g.cfg.Budget,
		func() { g.broadcastBudget(sessionID, rt) },
		func() { g.broadcastBudget(sessionID, rt) },
	)

	g.orderHdl.Register(sessionID, orders.SessionHooks{
		Orders:     func() []types.Order { return rt.engine.GetState().Orders },
		EKGHistory: func() []string { return rt.engine.GetState().EKGHistory },
		Hydrate: func(ord []types.Order) {
			rt.engine.HydrateOrders(ord)
		},
		EnableTelemetry: func() {
			rt.engine.SetTelemetry(true, "")
			st := rt.engine.GetState()
			st.EKGHistory = orders.AppendEKGHistory(st.EKGHistory, st.RhythmSummary)
			rt.engine.Hydrate(st)
		},
	})

	g.mu.Lock()
	g.runtimes[sessionID] = rt
	g.mu.Unlock()

	g.connectVoice(rt)
	go g.heartbeatLoop(rt)

	g.metrics.ActiveSessions.Add(context.Background(), 1)
	return rt, nil
}

func (rt *runtime) stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopCh)
		if rt.voice != nil {
			_ = rt.voice.Close()
		}
	})
}

// connectVoice dials the upstream realtime provider through the shared
// circuit breaker, running the session in fallback mode (no voice session,
// text-only patient dialogue) on any failure — including the expected
// [voiceclient.ErrNoAPIKey] when no key is configured.
func (g *Gateway) connectVoice(rt *runtime) {
	var sess *voiceclient.Session
	err := g.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := g.voice.Connect(ctx, instructionsFor(rt.def), voiceclient.DefaultToolSpecs(), "alloy")
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		slog.Info("gateway: voice client unavailable, running in fallback mode", "sessionId", rt.sessionID, "err", err)
		g.setFallback(rt, true)
		g.metrics.RecordVoiceAdapterError(context.Background(), "connect")
		return
	}

	rt.voice = sess
	sess.OnToolIntent(func(intent types.Intent) {
		g.handleToolIntent(rt, intent)
	})
	sess.OnUsage(func(in, out int) {
		rt.cost.AddUsage(costcontrol.Usage{InputTokens: in, OutputTokens: out})
		g.metrics.BudgetUSD.Record(context.Background(), rt.cost.USDEstimate(),
			metric.WithAttributes(observe.Attr("session_id", rt.sessionID)))
	})
	sess.OnTranscriptDelta(func(text string, final bool) {
		if !final {
			return
		}
		g.recordTranscriptActions(rt, text)
		g.sessions.BroadcastToSession(rt.sessionID, validate.PatientTranscriptDelta{
			Type: validate.OutPatientTranscript, SessionID: rt.sessionID, Text: text,
		})
	})
	sess.OnAudioOut(func(chunk []byte) {
		if rt.cost.IsHardLimitHit() {
			return // never emit patient_audio once the hard budget limit is hit
		}
		g.sessions.BroadcastToSession(rt.sessionID, validate.PatientAudio{
			Type: validate.OutPatientAudio, SessionID: rt.sessionID, AudioBase64: encodeAudio(chunk),
		})
	})
	sess.OnDisconnect(func(err error) {
		slog.Warn("gateway: voice session disconnected, falling back", "sessionId", rt.sessionID, "err", err)
		g.metrics.RecordVoiceAdapterError(context.Background(), "disconnect")
		g.setFallback(rt, true)
	})
}

func (g *Gateway) setFallback(rt *runtime, on bool) {
	_ = g.withLock(rt.sessionID, func() error {
		if rt.engine.GetState().Fallback == on {
			return nil
		}
		rt.engine.SetFallback(on)
		return nil
	})
}

// withLock is a thin wrapper over the state lock registry so call sites in
// this package all read the same way.
func (g *Gateway) withLock(sessionID string, fn func() error) error {
	return g.locks.WithStateLock(sessionID, fn)
}

// recordTranscriptActions does a conservative keyword scan of a final
// doctor/patient transcript turn for the free-text stage-transition
// triggers: asked about exertion, asked about family history. The
// stand-test trigger itself is a structured voice_command (skip_stage uses
// the same wording a UI "stand test" button would send), not text.
func (g *Gateway) recordTranscriptActions(rt *runtime, text string) {
	lower := strings.ToLower(text)
	var fired []string
	_ = g.withLock(rt.sessionID, func() error {
		if !rt.actions[string(scenario.TriggerAskedAboutExertion)] && containsAny(lower, "exertion", "exercise", "activity level", "physical activity") {
			rt.actions[string(scenario.TriggerAskedAboutExertion)] = true
			fired = append(fired, string(scenario.TriggerAskedAboutExertion))
		}
		if !rt.actions[string(scenario.TriggerAskedFamilyHistory)] && containsAny(lower, "family history", "anyone in your family", "runs in the family") {
			rt.actions[string(scenario.TriggerAskedFamilyHistory)] = true
			fired = append(fired, string(scenario.TriggerAskedFamilyHistory))
		}
		return nil
	})
	if len(fired) > 0 {
		g.broadcastSimState(rt)
	}
}

// triggerState builds the opaque state value the trigger engine's
// ConditionFunc closures expect for this runtime, bundling the extended
// physio state (nil for plain scenarios) with the evaluation instant.
func (rt *runtime) triggerState(now time.Time) *scenario.TriggerState {
	return &scenario.TriggerState{Physio: rt.physioState, Now: now}
}

// patientTranscriptDelta builds a typed patient_transcript_delta message,
// the shape the voice adapter's own transcript deltas use, so scripted
// nurse/parent/patient lines ride the same wire shape as live dialogue.
func patientTranscriptDelta(sessionID, text, character string) validate.PatientTranscriptDelta {
	return validate.PatientTranscriptDelta{
		Type:      validate.OutPatientTranscript,
		SessionID: sessionID,
		Text:      text,
		Character: character,
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func instructionsFor(def *scenario.Definition) string {
	return "You are voicing a pediatric simulation patient in scenario " + def.ID + ". Stay in character and respond only to what the learner says or does."
}

// encodeAudio base64-encodes chunk for the wire; split out so a future
// codec swap (e.g. Opus framing) has one call site to change.
func encodeAudio(chunk []byte) string {
	return base64.StdEncoding.EncodeToString(chunk)
}
