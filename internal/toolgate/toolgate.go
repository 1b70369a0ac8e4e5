// Package toolgate implements the policy check applied to every
// LLM-proposed intent before the Scenario Engine is allowed to apply it
//: stage allowlists, the vitals rate limit, and numeric delta
// bounds.
package toolgate

import (
	"sync"
	"time"

	"github.com/MrWong99/simgateway/pkg/types"
)

// Reason is the closed set of rejection reasons a [Gate] can return.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNotAllowedInStage  Reason = "intent_not_allowed_in_stage"
	ReasonVitalsRateLimited  Reason = "vitals_rate_limited"
	ReasonInvalidVitalsDelta Reason = "invalid_vitals_delta"
	ReasonMissingStage       Reason = "missing_stage"
	ReasonInvalidFinding     Reason = "invalid_finding"
	ReasonInvalidEmotion     Reason = "invalid_emotion"
	ReasonUnknownIntent      Reason = "unknown_intent"
)

// Decision is the result of [Gate.Validate].
type Decision struct {
	Allowed bool
	Reason  Reason
}

// bound pairs the clinically-valid range for a vitals field with the wider
// tolerance Tool Gate allows on a single delta.
type bound struct {
	min, max int
}

var vitalsBounds = map[string]bound{
	"hr":   {20, 240},
	"rr":   {5, 80},
	"spo2": {50, 100},
	"temp": {90, 110},
}

const vitalsRateLimit = 10 * time.Second

// Gate validates intents for one session. Safe for concurrent use.
type Gate struct {
	mu             sync.Mutex
	lastVitalsCall time.Time
}

// New returns a ready-to-use [Gate] for one session.
func New() *Gate {
	return &Gate{}
}

// StageDef is the subset of a stage definition the Tool Gate consults.
type StageDef struct {
	// AllowedIntents, when non-nil, is the closed set of intent types
	// permitted in this stage.
	AllowedIntents []types.IntentType
}

// Validate applies the gate's policy rules to intent, evaluated at time now.
func (g *Gate) Validate(stage *StageDef, intent types.Intent, now time.Time) Decision {
	if stage != nil && stage.AllowedIntents != nil && !containsIntent(stage.AllowedIntents, intent.Type) {
		return Decision{Reason: ReasonNotAllowedInStage}
	}

	switch intent.Type {
	case types.IntentUpdateVitals:
		return g.validateVitals(intent, now)
	case types.IntentAdvanceStage:
		if intent.StageID == "" {
			return Decision{Reason: ReasonMissingStage}
		}
	case types.IntentRevealFinding:
		if intent.FindingID == "" {
			return Decision{Reason: ReasonInvalidFinding}
		}
	case types.IntentSetEmotion:
		if intent.Emotion == "" {
			return Decision{Reason: ReasonInvalidEmotion}
		}
	default:
		return Decision{Reason: ReasonUnknownIntent}
	}

	return Decision{Allowed: true}
}

func (g *Gate) validateVitals(intent types.Intent, now time.Time) Decision {
	g.mu.Lock()
	limited := !g.lastVitalsCall.IsZero() && now.Sub(g.lastVitalsCall) < vitalsRateLimit
	if !limited {
		g.lastVitalsCall = now
	}
	g.mu.Unlock()

	if limited {
		return Decision{Reason: ReasonVitalsRateLimited}
	}

	d := intent.VitalsDelta
	fields := []struct {
		name string
		v    *int
	}{
		{"hr", d.HR},
		{"rr", d.RR},
		{"spo2", d.SpO2},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		b := vitalsBounds[f.name]
		lo, hi := b.min-50, b.max+50
		if *f.v < lo || *f.v > hi {
			return Decision{Reason: ReasonInvalidVitalsDelta}
		}
	}
	if d.Temp != nil {
		b := vitalsBounds["temp"]
		lo, hi := float64(b.min-50), float64(b.max+50)
		if *d.Temp < lo || *d.Temp > hi {
			return Decision{Reason: ReasonInvalidVitalsDelta}
		}
	}

	return Decision{Allowed: true}
}

func containsIntent(list []types.IntentType, t types.IntentType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
