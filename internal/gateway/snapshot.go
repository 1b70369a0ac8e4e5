package gateway

import (
	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// broadcastSimState builds the current sim_state payload from the
// scenario engine's state plus the session's telemetry/alarm bookkeeping
// and fans it out to every connected client. Callers outside the session's
// state lock must not assume the snapshot stays valid past the call.
func (g *Gateway) broadcastSimState(rt *runtime) {
	g.sessions.BroadcastToSession(rt.sessionID, buildSimState(rt))
}

// buildSimState assembles the current sim_state payload from the scenario
// engine's state plus the session's telemetry/alarm bookkeeping, without
// sending it — used both by [Gateway.broadcastSimState] and by a late
// joiner's catch-up send.
func buildSimState(rt *runtime) validate.SimState {
	st := rt.engine.GetState()
	budget := st.Budget

	msg := validate.SimState{
		Type:          validate.OutSimState,
		SessionID:     st.SessionID,
		StageID:       st.StageID,
		ScenarioID:    st.ScenarioID,
		Vitals:        st.Vitals,
		Exam:          st.Exam,
		RhythmSummary: st.RhythmSummary,
		Findings:      st.Findings,
		Fallback:      st.Fallback,
		Budget:        &budget,
		Orders:        st.Orders,
		EKGHistory:    st.EKGHistory,
	}
	if st.Telemetry {
		msg.TelemetryWaveform = rt.history.Snapshot()
		msg.TelemetryHistory = waveformHistoryBuckets(msg.TelemetryWaveform)
	}
	return msg
}

// broadcastBudget recomputes the cost-controller snapshot onto the
// scenario state and re-broadcasts sim_state, used as the cost
// controller's soft/hard limit callbacks.
func (g *Gateway) broadcastBudget(sessionID string, rt *runtime) {
	_ = g.withLock(sessionID, func() error {
		rt.engine.SetBudget(types.BudgetSnapshot{
			Throttled: rt.cost.IsThrottled(),
			Fallback:  rt.cost.IsFallback(),
			USDSpent:  rt.cost.USDEstimate(),
		})
		return nil
	})
	g.broadcastSimState(rt)
}

// waveformHistoryBuckets is a placeholder shaping of the raw waveform
// history into the generic map form [validate.SimState.TelemetryHistory]
// carries on the wire: one {"v": sample} entry per sample, in history
// order, since the UI only plots a single scalar per point.
func waveformHistoryBuckets(samples []float64) []map[string]any {
	if len(samples) == 0 {
		return nil
	}
	out := make([]map[string]any, len(samples))
	for i, s := range samples {
		out[i] = map[string]any{"v": s}
	}
	return out
}
