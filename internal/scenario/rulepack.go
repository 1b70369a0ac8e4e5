package scenario

import (
	"fmt"
	"time"

	"github.com/MrWong99/simgateway/internal/physio"
	"github.com/MrWong99/simgateway/internal/trigger"
)

// secondsToDuration converts a YAML-authored whole-seconds field to a
// time.Duration; zero stays zero (no cooldown).
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// TriggerState is the state value the gateway passes to trigger.Engine's
// Evaluate for a definition with physio-conditioned trigger entries.
// physio.Condition needs the absolute wall-clock time (e.g. to measure
// time since PhaseEnteredAt), while trigger.ConditionFunc only carries a
// relative elapsed-ms offset, so the condition closures built below close
// over a wrapper that keeps both the extended physio state and that
// absolute time together.
type TriggerState struct {
	Physio *physio.State
	Now    time.Time
}

// wireCondition is the YAML shape of one [physio.Condition] or trigger
// condition. Not every field applies to every kind; buildPhysioCondition
// and buildTriggerCondition each read only the fields their kind needs,
// mirroring physio.Condition's own "generic string/number/window/bool
// argument" shape.
type wireCondition struct {
	Kind          string  `yaml:"kind"`
	String        string  `yaml:"string,omitempty"`
	Number        float64 `yaml:"number,omitempty"`
	WindowSeconds int     `yaml:"windowSeconds,omitempty"`
	Bool          bool    `yaml:"bool,omitempty"`
	Negate        bool    `yaml:"negate,omitempty"`
}

func (w wireCondition) toPhysioCondition() (physio.Condition, error) {
	kind := physio.ConditionKind(w.Kind)
	switch kind {
	case physio.CondFluidsMlKgInWindow, physio.CondInotropeRunning, physio.CondInotropeDoseGTE,
		physio.CondAirwayIntervention, physio.CondIntubationInduction, physio.CondPressorAtBedside,
		physio.CondPeepGTE, physio.CondShockStageGTE, physio.CondConsultCalled, physio.CondTimeInPhaseGTE,
		physio.CondDiagnosticOrdered, physio.CondVagalAttempted, physio.CondConverted, physio.CondAdenosineGiven,
		physio.CondCardioversionPerformed, physio.CondRhythmIs, physio.CondStabilityLevelGTE:
		return physio.Condition{
			Kind:          kind,
			String:        w.String,
			Number:        w.Number,
			WindowSeconds: w.WindowSeconds,
			Bool:          w.Bool,
			Negate:        w.Negate,
		}, nil
	default:
		return physio.Condition{}, fmt.Errorf("unknown physio condition kind %q", w.Kind)
	}
}

// wireVitalsEffectDelta mirrors physio.VitalsEffectDelta for YAML.
type wireVitalsEffectDelta struct {
	HR   int `yaml:"hr,omitempty"`
	SBP  int `yaml:"sbp,omitempty"`
	DBP  int `yaml:"dbp,omitempty"`
	SpO2 int `yaml:"spo2,omitempty"`
	RR   int `yaml:"rr,omitempty"`
}

// wireEffect is the YAML shape of one [physio.Effect].
type wireEffect struct {
	Kind     string                `yaml:"kind"`
	Vitals   wireVitalsEffectDelta `yaml:"vitals,omitempty"`
	FlagName string                `yaml:"flagName,omitempty"`
	FlagOn   bool                  `yaml:"flagOn,omitempty"`
	Text     string                `yaml:"text,omitempty"`
	Priority string                `yaml:"priority,omitempty"`
	N        int                   `yaml:"n,omitempty"`
	PhaseID  string                `yaml:"phaseId,omitempty"`
}

func (w wireEffect) toPhysioEffect() (physio.Effect, error) {
	kind := physio.EffectKind(w.Kind)
	switch kind {
	case physio.EffectVitalsDelta, physio.EffectSetFlag, physio.EffectNurseLine,
		physio.EffectAdvanceShock, physio.EffectAdvancePhase, physio.EffectTriggerCodeBlue:
	default:
		return physio.Effect{}, fmt.Errorf("unknown physio effect kind %q", w.Kind)
	}

	priority := physio.PriorityNormal
	if w.Priority == string(physio.PriorityCritical) {
		priority = physio.PriorityCritical
	}

	return physio.Effect{
		Kind: kind,
		Vitals: physio.VitalsEffectDelta{
			HR: w.Vitals.HR, SBP: w.Vitals.SBP, DBP: w.Vitals.DBP, SpO2: w.Vitals.SpO2, RR: w.Vitals.RR,
		},
		FlagName: w.FlagName,
		FlagOn:   w.FlagOn,
		Text:     w.Text,
		Priority: priority,
		N:        w.N,
		PhaseID:  w.PhaseID,
	}, nil
}

// wirePhysioRule is the YAML shape of one [physio.Rule].
type wirePhysioRule struct {
	ID              string          `yaml:"id"`
	Conditions      []wireCondition `yaml:"conditions"`
	Logic           string          `yaml:"logic,omitempty"`
	Effects         []wireEffect    `yaml:"effects"`
	DelaySeconds    int             `yaml:"delaySeconds,omitempty"`
	CooldownSeconds int             `yaml:"cooldownSeconds,omitempty"`
	MaxTriggers     int             `yaml:"maxTriggers,omitempty"`
}

func (w wirePhysioRule) toRule() (physio.Rule, error) {
	rule := physio.Rule{
		ID:              w.ID,
		DelaySeconds:    w.DelaySeconds,
		CooldownSeconds: w.CooldownSeconds,
		MaxTriggers:     w.MaxTriggers,
	}
	if w.Logic == string(physio.LogicAny) {
		rule.Logic = physio.LogicAny
	} else {
		rule.Logic = physio.LogicAll
	}
	for _, wc := range w.Conditions {
		c, err := wc.toPhysioCondition()
		if err != nil {
			return physio.Rule{}, fmt.Errorf("rule %q: %w", w.ID, err)
		}
		rule.Conditions = append(rule.Conditions, c)
	}
	for _, we := range w.Effects {
		e, err := we.toPhysioEffect()
		if err != nil {
			return physio.Rule{}, fmt.Errorf("rule %q: %w", w.ID, err)
		}
		rule.Effects = append(rule.Effects, e)
	}
	return rule, nil
}

// wireTriggerEntry is the YAML shape of one [trigger.Entry]. Condition is
// optional; an entry with no condition always fires once eligible (subject
// to cooldown/maxFires), matching an "always true" physio.Condition.
type wireTriggerEntry struct {
	ID        string         `yaml:"id"`
	Pool      string         `yaml:"pool"`
	Line      string         `yaml:"line"`
	Character string         `yaml:"character,omitempty"`
	CooldownS int            `yaml:"cooldownSeconds,omitempty"`
	MaxFires  int            `yaml:"maxFires,omitempty"`
	Priority  string         `yaml:"priority,omitempty"`
	Condition *wireCondition `yaml:"condition,omitempty"`
}

func (w wireTriggerEntry) toEntry() (trigger.Entry, error) {
	pool := trigger.Pool(w.Pool)
	switch pool {
	case trigger.PoolNurse, trigger.PoolParent, trigger.PoolPatient:
	default:
		return trigger.Entry{}, fmt.Errorf("trigger %q: unknown pool %q", w.ID, w.Pool)
	}

	priority := trigger.PriorityNormal
	switch w.Priority {
	case "high":
		priority = trigger.PriorityHigh
	case "critical":
		priority = trigger.PriorityCritical
	}

	entry := trigger.Entry{
		ID:        w.ID,
		Pool:      pool,
		Line:      w.Line,
		Character: w.Character,
		Cooldown:  secondsToDuration(w.CooldownS),
		MaxFires:  w.MaxFires,
		Priority:  priority,
	}

	if w.Condition != nil {
		cond, err := w.Condition.toPhysioCondition()
		if err != nil {
			return trigger.Entry{}, fmt.Errorf("trigger %q: %w", w.ID, err)
		}
		entry.Condition = func(state any, _ int64) bool {
			ts, ok := state.(*TriggerState)
			if !ok {
				return false
			}
			return cond.Evaluate(ts.Physio, ts.Now)
		}
	}

	return entry, nil
}
