package gateway

import (
	"context"
	"time"

	"github.com/MrWong99/simgateway/internal/physio"
	"github.com/MrWong99/simgateway/internal/telemetry"
	"github.com/MrWong99/simgateway/pkg/types"
)

// heartbeatLoop drives one session's periodic tick for as long as the
// runtime lives: scenario drift and automatic transitions, the physio
// rule cascade for complex variants, the trigger engine's scripted
// lines, and alarm debouncing, all under the session's state lock once
// per interval.
func (g *Gateway) heartbeatLoop(rt *runtime) {
	t := time.NewTicker(g.cfg.Heartbeat.Interval())
	defer t.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-g.stopCh:
			return
		case now := <-t.C:
			g.tick(rt, now)
		}
	}
}

// tick runs one heartbeat pass for rt. It uses [statelock.Registry.TryWithStateLock]
// rather than WithStateLock so an opportunistic tick is simply skipped — not
// queued behind — a session already busy applying an intent or completing an
// order.
func (g *Gateway) tick(rt *runtime, now time.Time) {
	if rt.isFrozen() {
		return
	}
	start := time.Now()
	var (
		events      []types.Event
		nurseLine   string
		fired       bool
		firedLine   string
		firedPool   string
		firedChar   string
		changed     bool
		transitions []telemetry.Transition
	)

	ran, _ := g.locks.TryWithStateLock(rt.sessionID, func() error {
		events = rt.engine.Tick(now, rt.actions)
		if len(events) > 0 {
			changed = true
		}

		if rt.physioEngine != nil {
			result := rt.physioEngine.Evaluate(rt.physioState, now)
			if applyPhysioResult(rt, result, now) {
				changed = true
			}
			nurseLine = result.NurseLine
		}

		if rt.triggerEngine != nil {
			f := rt.triggerEngine.Evaluate(rt.triggerState(now), now, rt.engine.GetState().ScenarioStartedAt)
			if f.Ok {
				fired = true
				firedLine = f.Entry.Line
				firedPool = string(f.Entry.Pool)
				firedChar = f.Entry.Character
			}
		}

		st := rt.engine.GetState()
		transitions = rt.alarms.Check(st.Vitals, rt.def.Demographics.AgeMonths, now)
		if len(transitions) > 0 {
			changed = true
		}
		if st.Telemetry {
			rt.history.Append(telemetry.BuildWaveform(st.Vitals.HR))
		}

		return nil
	})
	if !ran {
		return
	}

	ctx := context.Background()
	g.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())

	for _, tr := range transitions {
		kind := string(tr.Kind)
		if tr.Fired {
			g.metrics.RecordAlarmFired(ctx, kind)
			events = append(events, types.Event{Ts: now, Type: types.EventAlarmFired, Payload: map[string]any{"kind": kind, "message": tr.Message}})
		} else {
			events = append(events, types.Event{Ts: now, Type: types.EventAlarmCleared, Payload: map[string]any{"kind": kind}})
		}
	}

	if nurseLine != "" {
		g.sessions.BroadcastToSession(rt.sessionID, rt.patientTranscript(nurseLine, "nurse"))
	}
	if fired {
		g.sessions.BroadcastToSession(rt.sessionID, rt.patientTranscript(firedLine, firedChar))
		events = append(events, types.Event{Ts: now, Type: types.EventRuleTriggered, Payload: map[string]any{"pool": firedPool}})
	}

	if changed {
		g.broadcastSimState(rt)
	}

	if g.store != nil && (changed || len(events) > 0) {
		g.store.SwallowingWriteThrough(ctx, rt.sessionID, rt.engine.GetState(), events, func(op string) {
			g.metrics.RecordPersistenceError(ctx, op)
		})
	}
}

// applyPhysioResult folds one physio.Result onto the session, reporting
// whether anything actually changed. Vitals deltas and phase advances go
// to the scenario engine; flags, shock-stage changes and code blue are
// written onto the extended physio state, and code blue also sets the
// scenario engine's rhythm to asystole.
func applyPhysioResult(rt *runtime, result physio.Result, now time.Time) bool {
	changed := false

	delta := types.VitalsDelta{
		HR:   intDeltaPtr(result.VitalsDelta.HR),
		SBP:  intDeltaPtr(result.VitalsDelta.SBP),
		DBP:  intDeltaPtr(result.VitalsDelta.DBP),
		SpO2: intDeltaPtr(result.VitalsDelta.SpO2),
		RR:   intDeltaPtr(result.VitalsDelta.RR),
	}
	if delta.HR != nil || delta.SBP != nil || delta.DBP != nil || delta.SpO2 != nil || delta.RR != nil {
		rt.engine.ApplyVitalsAdjustment(delta)
		changed = true
	}

	for flag, on := range result.FlagsSet {
		switch flag {
		case "pulmonaryEdema":
			rt.physioState.PulmonaryEdema = on
		case "intubationCollapse":
			rt.physioState.IntubationCollapse = on
		case "codeBlueActive":
			rt.physioState.CodeBlueActive = on
		case "stabilizing":
			rt.physioState.Stabilizing = on
		default:
			if rt.physioState.ChecklistDone == nil {
				rt.physioState.ChecklistDone = make(map[string]bool)
			}
			rt.physioState.ChecklistDone[flag] = on
		}
		changed = true
	}

	if result.ShockStageDelta != 0 {
		rt.physioState.ShockStage += result.ShockStageDelta
		changed = true
	}

	if result.AdvancedPhase != "" {
		rt.physioState.PhaseEnteredAt = now
		if err := rt.engine.SetStage(result.AdvancedPhase, now); err == nil {
			changed = true
		}
	}

	if result.CodeBlue {
		rt.physioState.CodeBlueActive = true
		rt.engine.SetRhythm("asystole", "code blue called")
		changed = true
	}

	return changed
}

// intDeltaPtr converts a physio effect's additive int (0 meaning "no
// change") to the pointer form [types.VitalsDelta] uses to distinguish
// "not set" from "set to zero".
func intDeltaPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// patientTranscript builds the broadcast shape for a scripted trigger or
// physio nurse line: both ride the same patient_transcript_delta wire
// message the voice adapter's live transcript deltas use, distinguished
// only by the character attribution.
func (rt *runtime) patientTranscript(text, character string) any {
	return patientTranscriptDelta(rt.sessionID, text, character)
}
