package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/MrWong99/simgateway/internal/debrief"
	"github.com/MrWong99/simgateway/internal/orders"
	"github.com/MrWong99/simgateway/internal/session"
	"github.com/MrWong99/simgateway/internal/transport"
	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// HandleMessage implements [transport.Handler]: it demultiplexes one
// decoded inbound message to the matching handler. Everything here runs on
// the connection's read goroutine, so per-client handling order matches
// receive order; cross-client ordering is only established by the session's
// state lock inside each handler.
func (g *Gateway) HandleMessage(ctx context.Context, conn *transport.Conn, msg validate.Inbound) {
	switch msg.Kind {
	case validate.InJoin:
		g.handleJoin(conn, *msg.Join)
	case validate.InStartSpeaking:
		g.handleSpeaking(conn, *msg.StartSpeaking, true)
	case validate.InStopSpeaking:
		g.handleSpeaking(conn, *msg.StopSpeaking, false)
	case validate.InVoiceCommand:
		g.handleVoiceCommand(conn, *msg.VoiceCommand)
	case validate.InDoctorAudio:
		g.handleDoctorAudio(conn, *msg.DoctorAudio)
	case validate.InSetScenario:
		g.handleSetScenario(conn, *msg.SetScenario)
	case validate.InAnalyzeTranscript:
		g.handleAnalyzeTranscript(conn, *msg.AnalyzeTranscript)
	case validate.InPing:
		if err := conn.Send(validate.NewPong()); err != nil {
			slog.Debug("gateway: pong send failed", "err", err)
		}
	}
}

// HandleClose implements [transport.Handler]: the disconnecting client is
// dropped from its session's registry. Nothing in flight is cancelled —
// pending order completions still fire and still mutate state, since the
// clinical team may reconnect.
func (g *Gateway) HandleClose(conn *transport.Conn) {
	g.mu.Lock()
	sessionID, ok := g.connSession[conn]
	if ok {
		delete(g.connSession, conn)
	}
	delete(g.lastCommand, conn)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.sessions.Leave(sessionID, conn.UserID())
	g.sessions.BroadcastToSession(sessionID, validate.ParticipantState{
		Type: validate.OutParticipantState, SessionID: sessionID, UserID: conn.UserID(), Speaking: false,
	})
}

func (g *Gateway) handleJoin(conn *transport.Conn, m validate.Join) {
	conn.SetIdentity(m.UserID, types.Role(m.Role))

	if _, err := g.sessions.Join(conn, m.SessionID, m.DisplayName, "", m.AuthToken); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidSession):
			sendErr(conn, "invalid_session")
		case errors.Is(err, session.ErrAuthRequired):
			sendErr(conn, "auth_required")
			_ = conn.Close("auth required")
		case errors.Is(err, session.ErrSessionFull):
			sendErr(conn, "session_full")
		default:
			sendErr(conn, "join failed")
		}
		return
	}

	g.mu.Lock()
	g.connSession[conn] = m.SessionID
	rt := g.runtimes[m.SessionID]
	g.mu.Unlock()

	if rt == nil {
		var err error
		rt, err = g.registerSession(m.SessionID, g.defaultScenarioID(), time.Now())
		if err != nil {
			slog.Error("gateway: register session on join", "sessionId", m.SessionID, "err", err)
			sendErr(conn, "session unavailable")
			return
		}
	}

	if err := conn.Send(validate.NewJoined(m.SessionID, m.Role)); err != nil {
		slog.Debug("gateway: joined send failed", "sessionId", m.SessionID, "err", err)
		return
	}
	// Catch the late joiner up on the current simulation state directly,
	// rather than waiting for the next changed tick to broadcast.
	if err := conn.Send(buildSimState(rt)); err != nil {
		slog.Debug("gateway: catch-up send failed", "sessionId", m.SessionID, "err", err)
	}
}

func (g *Gateway) handleSpeaking(conn *transport.Conn, m validate.SpeakingEdge, speaking bool) {
	g.sessions.BroadcastToSession(m.SessionID, validate.ParticipantState{
		Type:      validate.OutParticipantState,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Speaking:  speaking,
		Character: m.Character,
	})
	if !speaking {
		if rt := g.runtime(m.SessionID); rt != nil && rt.voice != nil && !rt.isPaused() {
			if err := rt.voice.CommitAudio(); err != nil {
				slog.Debug("gateway: commit audio", "sessionId", m.SessionID, "err", err)
			}
		}
	}
}

func (g *Gateway) handleVoiceCommand(conn *transport.Conn, m validate.VoiceCommand) {
	rt := g.runtime(m.SessionID)
	if rt == nil {
		sendErr(conn, "unknown session")
		return
	}
	if g.commandThrottled(conn, m.CommandType) {
		return
	}
	now := time.Now()

	switch m.CommandType {
	case validate.CmdPauseAI:
		rt.setPaused(true)
		g.sessions.BroadcastToSession(m.SessionID, patientStateMsg(m.SessionID, validate.PatientIdle))

	case validate.CmdResumeAI:
		rt.setPaused(false)
		g.sessions.BroadcastToSession(m.SessionID, patientStateMsg(m.SessionID, validate.PatientListening))

	case validate.CmdForceReply:
		if rt.voice != nil && !rt.isPaused() {
			if err := rt.voice.CommitAudio(); err != nil {
				slog.Debug("gateway: force reply", "sessionId", m.SessionID, "err", err)
			}
		}

	case validate.CmdEndTurn:
		if rt.voice != nil {
			if err := rt.voice.CancelResponse(); err != nil {
				slog.Debug("gateway: end turn", "sessionId", m.SessionID, "err", err)
			}
		}

	case validate.CmdMuteUser:
		var p struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(m.Payload, &p)
		if p.UserID == "" {
			p.UserID = m.UserID
		}
		rt.toggleMute(p.UserID)

	case validate.CmdFreeze:
		rt.setFrozen(true)

	case validate.CmdUnfreeze:
		rt.setFrozen(false)

	case validate.CmdSkipStage:
		g.handleSkipStage(rt, m.Payload, now)

	case validate.CmdOrder, validate.CmdExam:
		var p struct {
			OrderType string `json:"orderType"`
			Text      string `json:"text"`
		}
		_ = json.Unmarshal(m.Payload, &p)
		switch {
		case p.Text != "":
			g.handleOrderText(rt, p.Text, m.UserID)
		case p.OrderType != "":
			g.orderHdl.HandleOrder(m.SessionID, types.OrderType(p.OrderType), m.UserID, func() { g.broadcastSimState(rt) })
		default:
			sendErr(conn, "order command requires orderType or text")
		}

	case validate.CmdToggleTelemetry:
		_ = g.withLock(m.SessionID, func() error {
			on := !rt.engine.GetState().Telemetry
			rt.engine.SetTelemetry(on, "")
			return nil
		})
		g.broadcastSimState(rt)

	case validate.CmdShowEKG:
		g.orderHdl.HandleOrder(m.SessionID, types.OrderEKG, m.UserID, func() { g.broadcastSimState(rt) })

	case validate.CmdTreatment:
		g.handleTreatment(rt, m.Payload, now)
	}
}

// handleSkipStage advances the stage on a presenter's command. The payload
// either names the target stage outright, or names an action (stand_test,
// asked_about_exertion, ...) to record before re-evaluating the stage's
// own transitions — the wording a UI "stand test" button sends.
func (g *Gateway) handleSkipStage(rt *runtime, raw json.RawMessage, now time.Time) {
	var p struct {
		StageID string `json:"stageId"`
		Action  string `json:"action"`
	}
	_ = json.Unmarshal(raw, &p)

	var events []types.Event
	err := g.withLock(rt.sessionID, func() error {
		if p.Action != "" {
			rt.actions[p.Action] = true
			events = rt.engine.EvaluateAutomaticTransitions(rt.actions, now)
			return nil
		}
		if p.StageID != "" {
			return rt.engine.SetStage(p.StageID, now)
		}
		// No explicit target: advance to the next stage in definition order.
		st := rt.engine.GetState()
		stages := rt.def.Stages
		for i := range stages {
			if stages[i].ID == st.StageID && i+1 < len(stages) {
				return rt.engine.SetStage(stages[i+1].ID, now)
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("gateway: skip stage", "sessionId", rt.sessionID, "err", err)
		return
	}
	g.broadcastSimState(rt)
	g.persistEvents(rt, events)
}

// handleOrderText runs a free-text utterance through the order parser and
// routes each recognised segment: clarification questions go back through
// the nurse, treatment parses mutate the extended physio state, and chart
// orders enter the pending->complete lifecycle.
func (g *Gateway) handleOrderText(rt *runtime, text, userID string) {
	parsed := g.orderParse.ParseMultiple(text)
	if len(parsed) == 0 {
		g.sessions.BroadcastToSession(rt.sessionID,
			patientTranscriptDelta(rt.sessionID, "Sorry, I didn't catch that order.", "nurse"))
		return
	}

	now := time.Now()
	for _, p := range parsed {
		if p.NeedsClarification {
			g.sessions.BroadcastToSession(rt.sessionID,
				patientTranscriptDelta(rt.sessionID, p.ClarificationQuestion, "nurse"))
			continue
		}

		g.surfaceOrderWarnings(rt, p)

		action, _ := p.Params["treatment"].(string)
		if action != "" && rt.physioState != nil {
			g.handleTreatment(rt, treatmentRaw(action, p.Params), now)
			if action != "iv_access" {
				continue
			}
			// IV access is both a treatment fact and a chart order; fall
			// through so the order record is created too.
		}

		g.orderHdl.HandleOrder(rt.sessionID, p.Type, userID, func() { g.broadcastSimState(rt) })
	}
}

// surfaceOrderWarnings runs the myocarditis safety validation and speaks
// any warnings through the nurse. Orders are never rejected.
func (g *Gateway) surfaceOrderWarnings(rt *runtime, p types.ParsedOrder) {
	if rt.physioState == nil {
		return
	}
	var ctx orders.MyocarditisOrderContext
	_ = g.withLock(rt.sessionID, func() error {
		ctx = orders.MyocarditisOrderContext{
			ShockStage:      rt.physioState.ShockStage,
			TotalFluidsMlKg: rt.physioState.TotalFluidsMlKg(),
			HasEpiRunning:   rt.physioState.InotropeRunning("epi"),
			HasAirway:       rt.physioState.AirwayMethod != "",
		}
		return nil
	})
	v := orders.ValidateMyocarditisOrder(p, ctx)
	for _, w := range v.Warnings {
		g.sessions.BroadcastToSession(rt.sessionID, patientTranscriptDelta(rt.sessionID, w, "nurse"))
	}
}

// treatmentRaw re-encodes a parsed order's params as the treatment
// payload shape handleTreatment expects. Param keys that already match a
// payload field pass through; the parser's mcgKgMin key is renamed to
// doseMcgKgMin, and for an induction action inductionAgent is also copied
// to method.
func treatmentRaw(action string, params map[string]any) json.RawMessage {
	p := map[string]any{"action": action}
	passthrough := []string{
		"mlPerKg", "fluidType", "drug", "service", "method",
		"doseMg", "doseMgKg", "rapidPush", "flushGiven",
		"joules", "joulesPerKg", "synchronised", "sedationGiven",
		"inductionAgent", "peep", "fio2",
	}
	for _, k := range passthrough {
		if v, ok := params[k]; ok {
			p[k] = v
		}
	}
	if v, ok := params["mcgKgMin"]; ok {
		p["doseMcgKgMin"] = v
	}
	if action == "induction" {
		if v, ok := params["inductionAgent"]; ok {
			p["method"] = v
		}
	}
	raw, _ := json.Marshal(p)
	return raw
}

func (g *Gateway) handleDoctorAudio(conn *transport.Conn, m validate.DoctorAudio) {
	rt := g.runtime(m.SessionID)
	if rt == nil {
		sendErr(conn, "unknown session")
		return
	}
	if rt.voice == nil || rt.isPaused() || rt.isMuted(m.UserID) || rt.cost.IsHardLimitHit() {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(m.AudioBase64)
	if err != nil {
		sendErr(conn, "audioBase64 is not valid base64")
		return
	}
	if err := rt.voice.SendAudioChunk(chunk); err != nil {
		slog.Debug("gateway: send audio chunk", "sessionId", m.SessionID, "err", err)
	}
}

// handleSetScenario swaps the session onto a different scenario: the
// existing runtime is torn down (its heartbeat stops, its voice session
// closes) and a fresh one starts against the same connected clients.
func (g *Gateway) handleSetScenario(conn *transport.Conn, m validate.SetScenario) {
	if _, ok := g.scenarios[m.ScenarioID]; !ok {
		sendErr(conn, "unknown scenario " + m.ScenarioID)
		return
	}

	g.mu.Lock()
	old := g.runtimes[m.SessionID]
	delete(g.runtimes, m.SessionID)
	g.mu.Unlock()
	if old != nil {
		old.stop()
		g.orderHdl.Unregister(m.SessionID)
	}

	rt, err := g.registerSession(m.SessionID, m.ScenarioID, time.Now())
	if err != nil {
		slog.Error("gateway: set scenario", "sessionId", m.SessionID, "scenarioId", m.ScenarioID, "err", err)
		sendErr(conn, "scenario unavailable")
		return
	}

	g.sessions.BroadcastToSession(m.SessionID, validate.ScenarioChanged{
		Type: validate.OutScenarioChanged, SessionID: m.SessionID, ScenarioID: m.ScenarioID,
	})
	g.broadcastSimState(rt)
}

func (g *Gateway) handleAnalyzeTranscript(conn *transport.Conn, m validate.AnalyzeTranscript) {
	result := debrief.Analyze(m.SessionID, m.Turns)
	if err := conn.Send(result); err != nil {
		slog.Debug("gateway: analysis send failed", "sessionId", m.SessionID, "err", err)
	}
}

// runtime looks up the per-session aggregate, nil when the session has
// not been joined (or has been reaped).
func (g *Gateway) runtime(sessionID string) *runtime {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runtimes[sessionID]
}

// commandThrottled enforces the per-client voice_command cooldown.
// Pause/freeze style toggles are exempt so a presenter can always stop
// the simulation immediately.
func (g *Gateway) commandThrottled(conn *transport.Conn, cmd validate.CommandType) bool {
	switch cmd {
	case validate.CmdPauseAI, validate.CmdResumeAI, validate.CmdFreeze, validate.CmdUnfreeze, validate.CmdMuteUser:
		return false
	}
	cooldown := time.Duration(g.cfg.Transport.CommandCooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 3 * time.Second
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastCommand[conn]; ok && now.Sub(last) < cooldown {
		return true
	}
	g.lastCommand[conn] = now
	return false
}

// defaultScenarioID picks the scenario a bare join lands on before any
// set_scenario arrives: "syncope" when the pack carries it, otherwise the
// lexicographically first id so the choice is deterministic.
func (g *Gateway) defaultScenarioID() string {
	if _, ok := g.scenarios["syncope"]; ok {
		return "syncope"
	}
	ids := make([]string, 0, len(g.scenarios))
	for id := range g.scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0]
}

// persistEvents writes events to the event log outside the session lock,
// swallowing failures.
func (g *Gateway) persistEvents(rt *runtime, events []types.Event) {
	if g.store == nil || len(events) == 0 {
		return
	}
	ctx := context.Background()
	g.store.SwallowingWriteThrough(ctx, rt.sessionID, rt.engine.GetState(), events, func(op string) {
		g.metrics.RecordPersistenceError(ctx, op)
	})
}

func patientStateMsg(sessionID string, state validate.PatientStateValue) validate.PatientState {
	return validate.PatientState{Type: validate.OutPatientState, SessionID: sessionID, State: state}
}

// sendErr replies with an `error` message on a best-effort basis.
func sendErr(conn *transport.Conn, message string) {
	if err := conn.Send(validate.NewError(message)); err != nil {
		slog.Debug("gateway: error send failed", "err", err)
	}
}
