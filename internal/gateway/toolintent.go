package gateway

import (
	"context"
	"time"

	"github.com/MrWong99/simgateway/internal/toolgate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// handleToolIntent runs a realtime-provider-proposed intent through the
// Tool Gate and, if approved, applies it to the scenario state. Rejections are recorded but never surfaced to the learner beyond
// the metric — the patient simply doesn't change.
func (g *Gateway) handleToolIntent(rt *runtime, intent types.Intent) {
	now := time.Now()
	var approved bool
	var reason toolgate.Reason

	_ = g.withLock(rt.sessionID, func() error {
		st := rt.engine.GetState()
		stage, ok := rt.def.Stage(st.StageID)
		var stageDef *toolgate.StageDef
		if ok {
			stageDef = &toolgate.StageDef{AllowedIntents: stage.AllowedIntents}
		}

		decision := rt.gate.Validate(stageDef, intent, now)
		approved = decision.Allowed
		reason = decision.Reason
		if !approved {
			return nil
		}

		rt.engine.ApplyIntent(intent, now)
		return nil
	})

	ctx := context.Background()
	if approved {
		g.metrics.RecordIntentApproved(ctx, intent.Type.String())
		g.broadcastSimState(rt)
		return
	}
	g.metrics.RecordIntentRejected(ctx, intent.Type.String(), string(reason))
}
