// Package physio implements the Physiology Rule Engine used by complex
// scenarios: a deterministic rule cascade over extended state that
// runs on every tick and after every treatment, producing aggregated
// vitals deltas, nurse lines, and phase/shock-stage advances.
package physio

import (
	"sort"
	"time"
)

// ConditionKind is the closed sum type of rule conditions.
type ConditionKind string

const (
	CondFluidsMlKgInWindow  ConditionKind = "fluids_ml_kg_in_window"
	CondInotropeRunning     ConditionKind = "inotrope_running"
	CondInotropeDoseGTE     ConditionKind = "inotrope_dose_gte"
	CondAirwayIntervention  ConditionKind = "airway_intervention"
	CondIntubationInduction ConditionKind = "intubation_induction"
	CondPressorAtBedside    ConditionKind = "pressor_at_bedside"
	CondPeepGTE             ConditionKind = "peep_gte"
	CondShockStageGTE       ConditionKind = "shock_stage_gte"
	CondConsultCalled       ConditionKind = "consult_called"
	CondTimeInPhaseGTE      ConditionKind = "time_in_phase_gte"
	CondDiagnosticOrdered   ConditionKind = "diagnostic_ordered"
	// CondVagalAttempted, CondConverted, CondAdenosineGiven,
	// CondCardioversionPerformed, CondRhythmIs and
	// CondStabilityLevelGTE are scenario-local conditions for the SVT
	// variant: they evaluate the same way as the conditions above,
	// against fields State carries for SVT scenarios specifically.
	CondVagalAttempted         ConditionKind = "vagal_attempted"
	CondConverted              ConditionKind = "converted"
	CondAdenosineGiven         ConditionKind = "adenosine_given"
	CondCardioversionPerformed ConditionKind = "cardioversion_performed"
	CondRhythmIs               ConditionKind = "rhythm_is"
	CondStabilityLevelGTE      ConditionKind = "stability_level_gte"
)

// Condition is one closed-sum-type predicate over [State] and "now". It
// is a pure function: evaluating it has no side effects.
type Condition struct {
	Kind ConditionKind

	// String is the generic string argument: drug/service/test/method name,
	// or a rhythm label for CondRhythmIs.
	String string
	// Number is the generic numeric argument: dose, PEEP, shock stage,
	// stability level, or minutes for time_in_phase_gte.
	Number float64
	// WindowSeconds is used by fluids_ml_kg_in_window.
	WindowSeconds int
	// Bool is used by pressor_at_bedside.
	Bool bool
	// Negate inverts the condition's result, so rule authors can express
	// "not yet converted" or "no epi running" without a parallel negative
	// vocabulary.
	Negate bool
}

// Evaluate reports whether c holds against st at now. Exported so callers
// outside this package (the scenario rule-pack loader compiling
// trigger.Entry closures from the same condition vocabulary) can reuse the
// condition evaluator without duplicating its switch.
func (c Condition) Evaluate(st *State, now time.Time) bool {
	v := c.evaluate(st, now)
	if c.Negate {
		return !v
	}
	return v
}

func (c Condition) evaluate(st *State, now time.Time) bool {
	switch c.Kind {
	case CondFluidsMlKgInWindow:
		return st.FluidsMlKgInWindow(time.Duration(c.WindowSeconds)*time.Second, now) >= c.Number
	case CondInotropeRunning:
		return st.InotropeRunning(c.String)
	case CondInotropeDoseGTE:
		return st.InotropeDose(c.String) >= c.Number
	case CondAirwayIntervention:
		return st.AirwayMethod == c.String
	case CondIntubationInduction:
		return st.InductionAgent == c.String
	case CondPressorAtBedside:
		return st.PressorAtBedside == c.Bool
	case CondPeepGTE:
		return st.PEEP >= c.Number
	case CondShockStageGTE:
		return float64(st.ShockStage) >= c.Number
	case CondConsultCalled:
		return st.ConsultCalled[c.String]
	case CondTimeInPhaseGTE:
		return now.Sub(st.PhaseEnteredAt).Minutes() >= c.Number
	case CondDiagnosticOrdered:
		return st.DiagnosticOrdered[c.String]
	case CondVagalAttempted:
		return st.VagalAttempts > 0
	case CondConverted:
		return st.Converted
	case CondAdenosineGiven:
		return st.AdenosineDoses() > 0
	case CondCardioversionPerformed:
		return st.CardioversionAttempts() > 0
	case CondRhythmIs:
		return st.Rhythm == c.String
	case CondStabilityLevelGTE:
		return float64(st.StabilityLevel) >= c.Number
	default:
		return false
	}
}

// Logic combines a rule's conditions.
type Logic string

const (
	LogicAll Logic = "all"
	LogicAny Logic = "any"
)

// EffectKind is the closed sum type of rule effects.
type EffectKind string

const (
	EffectVitalsDelta     EffectKind = "vitals_delta"
	EffectSetFlag         EffectKind = "set_flag"
	EffectNurseLine       EffectKind = "nurse_line"
	EffectAdvanceShock    EffectKind = "advance_shock_stage"
	EffectAdvancePhase    EffectKind = "advance_phase"
	EffectTriggerCodeBlue EffectKind = "trigger_code_blue"
)

// Priority is a nurse_line effect's urgency.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// VitalsEffectDelta mirrors types.VitalsDelta's HR/SBP/DBP/SpO2/RR fields,
// restated here (rather than reusing types.VitalsDelta) because rule
// effects never touch Temp.
type VitalsEffectDelta struct {
	HR   int
	SBP  int
	DBP  int
	SpO2 int
	RR   int
}

// Effect is one closed-sum-type action a satisfied rule applies.
type Effect struct {
	Kind EffectKind

	Vitals   VitalsEffectDelta
	FlagName string
	FlagOn   bool
	Text     string
	Priority Priority
	N        int    // advance_shock_stage delta, or unused otherwise
	PhaseID  string // advance_phase target
}

// Rule is one physiology rule.
type Rule struct {
	ID              string
	Conditions      []Condition
	Logic           Logic // default LogicAll when empty
	Effects         []Effect
	DelaySeconds    int
	CooldownSeconds int
	MaxTriggers     int // 0 means unlimited
}

func (r Rule) logic() Logic {
	if r.Logic == "" {
		return LogicAll
	}
	return r.Logic
}

func (r Rule) satisfied(st *State, now time.Time) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	switch r.logic() {
	case LogicAny:
		for _, c := range r.Conditions {
			if c.Evaluate(st, now) {
				return true
			}
		}
		return false
	default:
		for _, c := range r.Conditions {
			if !c.Evaluate(st, now) {
				return false
			}
		}
		return true
	}
}

// pendingEffect is a rule's effect queued for execution at ExecuteAt.
type pendingEffect struct {
	ruleID    string
	effect    Effect
	executeAt time.Time
}

// ruleTrigger records a rule's firing history.
type ruleTrigger struct {
	lastFired time.Time
	count     int
}

// Engine runs the rule cascade for one session's extended state.
type Engine struct {
	rules          []Rule
	triggers       map[string]*ruleTrigger
	pendingEffects []pendingEffect
}

// New builds an Engine over the given rule set, evaluated in the order
// given (earlier rules are not prioritised over later ones beyond that
// tie-breaking order).
func New(rules []Rule) *Engine {
	return &Engine{rules: rules, triggers: make(map[string]*ruleTrigger)}
}

// Result is everything one [Engine.Evaluate] pass produced, already
// aggregated: vitals deltas summed, the highest-priority nurse line kept,
// the first phase/shock-stage advance kept.
type Result struct {
	VitalsDelta       VitalsEffectDelta
	NurseLine         string
	NurseLinePriority Priority
	FlagsSet          map[string]bool
	ShockStageDelta   int
	AdvancedPhase     string
	CodeBlue          bool
	FiredRuleIDs      []string
}

// Evaluate runs one rule-cascade pass against st as of now, updating the
// engine's own rule-trigger bookkeeping and pending-effect queue (st is
// only read) and returning the aggregated result to apply to the
// session's simulation state.
func (e *Engine) Evaluate(st *State, now time.Time) Result {
	res := Result{FlagsSet: make(map[string]bool)}
	var nurseLines []Effect
	var phaseSet, shockSet bool

	for _, r := range e.rules {
		t := e.triggers[r.ID]
		if t != nil {
			if r.CooldownSeconds > 0 && now.Sub(t.lastFired) < time.Duration(r.CooldownSeconds)*time.Second {
				continue
			}
			if r.MaxTriggers > 0 && t.count >= r.MaxTriggers {
				continue
			}
		}
		if !r.satisfied(st, now) {
			continue
		}

		if r.DelaySeconds > 0 {
			for _, eff := range r.Effects {
				e.pendingEffects = append(e.pendingEffects, pendingEffect{
					ruleID:    r.ID,
					effect:    eff,
					executeAt: now.Add(time.Duration(r.DelaySeconds) * time.Second),
				})
			}
		} else {
			for _, eff := range r.Effects {
				applyEffect(&res, &nurseLines, &phaseSet, &shockSet, eff)
			}
		}

		if t == nil {
			t = &ruleTrigger{}
			e.triggers[r.ID] = t
		}
		t.lastFired = now
		t.count++
		res.FiredRuleIDs = append(res.FiredRuleIDs, r.ID)
	}

	remaining := e.pendingEffects[:0]
	for _, p := range e.pendingEffects {
		if !p.executeAt.After(now) {
			applyEffect(&res, &nurseLines, &phaseSet, &shockSet, p.effect)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.pendingEffects = remaining

	if len(nurseLines) > 0 {
		sort.SliceStable(nurseLines, func(i, j int) bool {
			return priorityRank(nurseLines[i].Priority) > priorityRank(nurseLines[j].Priority)
		})
		res.NurseLine = nurseLines[0].Text
		res.NurseLinePriority = nurseLines[0].Priority
	}

	return res
}

func priorityRank(p Priority) int {
	if p == PriorityCritical {
		return 1
	}
	return 0
}

func applyEffect(res *Result, nurseLines *[]Effect, phaseSet, shockSet *bool, eff Effect) {
	switch eff.Kind {
	case EffectVitalsDelta:
		res.VitalsDelta.HR += eff.Vitals.HR
		res.VitalsDelta.SBP += eff.Vitals.SBP
		res.VitalsDelta.DBP += eff.Vitals.DBP
		res.VitalsDelta.SpO2 += eff.Vitals.SpO2
		res.VitalsDelta.RR += eff.Vitals.RR
	case EffectSetFlag:
		res.FlagsSet[eff.FlagName] = eff.FlagOn
	case EffectNurseLine:
		*nurseLines = append(*nurseLines, eff)
	case EffectAdvanceShock:
		if !*shockSet {
			res.ShockStageDelta = eff.N
			*shockSet = true
		}
	case EffectAdvancePhase:
		if !*phaseSet {
			res.AdvancedPhase = eff.PhaseID
			*phaseSet = true
		}
	case EffectTriggerCodeBlue:
		res.CodeBlue = true
	}
}
