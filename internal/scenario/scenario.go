// Package scenario implements the Scenario Engine: the owner of
// one session's simulation state, its stage transitions, and its vitals
// drift integration. One [Engine] instance is created per session and
// accessed exclusively under that session's state lock.
package scenario

import (
	"fmt"
	"time"

	"github.com/MrWong99/simgateway/internal/physio"
	"github.com/MrWong99/simgateway/internal/trigger"
	"github.com/MrWong99/simgateway/pkg/types"
)

// Demographics is a scenario's patient profile.
type Demographics struct {
	AgeMonths int
	WeightKg  float64
}

// DriftCoefficients are the per-minute vitals deltas a stage applies while
// the patient remains in it.
type DriftCoefficients struct {
	HRPerMin   float64 `yaml:"hrPerMin,omitempty"`
	SBPPerMin  float64 `yaml:"sbpPerMin,omitempty"`
	DBPPerMin  float64 `yaml:"dbpPerMin,omitempty"`
	SpO2PerMin float64 `yaml:"spo2PerMin,omitempty"`
}

// TriggerKind is the closed set of stage-transition trigger predicates.
type TriggerKind string

const (
	TriggerAskedAboutExertion TriggerKind = "asked_about_exertion"
	TriggerStandTest          TriggerKind = "stand_test"
	TriggerAskedFamilyHistory TriggerKind = "asked_family_history"
	TriggerTimeElapsed        TriggerKind = "time_elapsed"
)

// Trigger is one transition predicate. For [TriggerTimeElapsed], Seconds
// holds the threshold; it is ignored for the other kinds.
type Trigger struct {
	Kind    TriggerKind
	Seconds int
}

// satisfied reports whether t fires given the actions observed so far
// this session and the elapsed time in the current stage.
func (t Trigger) satisfied(actions map[string]bool, elapsedInStage time.Duration) bool {
	if t.Kind == TriggerTimeElapsed {
		return elapsedInStage >= time.Duration(t.Seconds)*time.Second
	}
	return actions[string(t.Kind)]
}

// WhenLogic combines a set of triggers with "all" or "any" semantics. A
// transition with a single trigger sets exactly one of Any/All for it.
type WhenLogic string

const (
	LogicAny WhenLogic = "any"
	LogicAll WhenLogic = "all"
)

// When is a stage transition's guard: one or more triggers combined by
// Logic. A single bare trigger (no any/all wrapper) is represented with
// one entry in Triggers and either logic value, since both degenerate to
// the same result for a single element.
type When struct {
	Logic    WhenLogic
	Triggers []Trigger
}

func (w When) satisfied(actions map[string]bool, elapsedInStage time.Duration) bool {
	if len(w.Triggers) == 0 {
		return false
	}
	switch w.Logic {
	case LogicAll:
		for _, t := range w.Triggers {
			if !t.satisfied(actions, elapsedInStage) {
				return false
			}
		}
		return true
	default: // any
		for _, t := range w.Triggers {
			if t.satisfied(actions, elapsedInStage) {
				return true
			}
		}
		return false
	}
}

// Transition is one outgoing edge from a stage.
type Transition struct {
	To   string
	When When
}

// Stage is one phase of a scenario: its baseline presentation, drift, and
// outgoing transitions.
type Stage struct {
	ID             string
	BaselineVitals types.Vitals
	ExamFindings   map[string]any
	RhythmSummary  string
	Drift          DriftCoefficients
	AllowedIntents []types.IntentType
	Transitions    []Transition
}

// Definition is a read-only scenario definition: demographics, ordered
// stages, and the initial stage. Complex variants (SVT, myocarditis) also
// carry a [physio.Rule] cascade and a [trigger.Entry] pool; the
// conditions driving both are authored as data in the scenario's own YAML
// file rather than hardcoded per scenario in Go.
type Definition struct {
	ID           string
	Demographics Demographics
	Stages       []Stage
	InitialStage string

	PhysioRules []physio.Rule
	Triggers    []trigger.Entry
}

// Stage looks up a stage by id.
func (d *Definition) Stage(id string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// State is the mutable per-session simulation state the Scenario Engine
// owns. Every field is read freely by callers
// holding the session lock; mutation happens only through Engine methods.
type State struct {
	SessionID         string
	ScenarioID        string
	StageID           string
	Vitals            types.Vitals
	Exam              map[string]any
	RhythmSummary     string
	Telemetry         bool
	TelemetryWaveform []float64
	TelemetryHistory  []map[string]any
	EKGHistory        []string
	Orders            []types.Order
	Findings          []string
	Fallback          bool
	Budget            types.BudgetSnapshot
	ScenarioStartedAt time.Time
	StageEnteredAt    time.Time
	Interventions     map[string]any

	lastTickAt time.Time
}

// Engine owns one session's simulation state and the scenario definition
// driving it.
type Engine struct {
	def   *Definition
	state State
}

// New constructs an Engine for sessionID starting at def's initial stage,
// with now as both ScenarioStartedAt and StageEnteredAt.
func New(def *Definition, sessionID string, now time.Time) (*Engine, error) {
	stage, ok := def.Stage(def.InitialStage)
	if !ok {
		return nil, fmt.Errorf("scenario: initial stage %q not found in scenario %q", def.InitialStage, def.ID)
	}
	e := &Engine{
		def: def,
		state: State{
			SessionID:         sessionID,
			ScenarioID:        def.ID,
			StageID:           stage.ID,
			Vitals:            stage.BaselineVitals,
			Exam:              copyAnyMap(stage.ExamFindings),
			RhythmSummary:     stage.RhythmSummary,
			ScenarioStartedAt: now,
			StageEnteredAt:    now,
			Interventions:     make(map[string]any),
			lastTickAt:        now,
		},
	}
	return e, nil
}

// GetState returns the current simulation state. Callers must not mutate
// the returned slices/maps in place; treat it as a read-only snapshot.
func (e *Engine) GetState() State {
	return e.state
}

// GetElapsedSeconds returns the whole seconds elapsed since the scenario
// started, as of now.
func (e *Engine) GetElapsedSeconds(now time.Time) int {
	return int(now.Sub(e.state.ScenarioStartedAt).Seconds())
}

// Hydrate overlays a previously-persisted partial state onto a freshly
// constructed Engine, used when a session resumes after the process
// restarted. Zero-value fields in partial are left as Engine already
// initialised them.
func (e *Engine) Hydrate(partial State) {
	if partial.StageID != "" {
		e.state.StageID = partial.StageID
	}
	if partial.Vitals != (types.Vitals{}) {
		e.state.Vitals = partial.Vitals
	}
	if partial.Exam != nil {
		e.state.Exam = partial.Exam
	}
	if partial.RhythmSummary != "" {
		e.state.RhythmSummary = partial.RhythmSummary
	}
	if partial.Findings != nil {
		e.state.Findings = partial.Findings
	}
	if partial.Interventions != nil {
		e.state.Interventions = partial.Interventions
	}
	if !partial.ScenarioStartedAt.IsZero() {
		e.state.ScenarioStartedAt = partial.ScenarioStartedAt
	}
	if !partial.StageEnteredAt.IsZero() {
		e.state.StageEnteredAt = partial.StageEnteredAt
	}
	e.state.Telemetry = partial.Telemetry
	e.state.Fallback = partial.Fallback
	e.state.Budget = partial.Budget
	if partial.Orders != nil {
		e.state.Orders = partial.Orders
	}
	if partial.EKGHistory != nil {
		e.state.EKGHistory = partial.EKGHistory
	}
}

// HydrateOrders replaces the engine's order list, used when the order
// handler persists new orders independently of a scenario tick.
func (e *Engine) HydrateOrders(orders []types.Order) {
	e.state.Orders = orders
}

// SetStage forces the engine into stage id, resetting StageEnteredAt and
// applying the new stage's baseline presentation. Used by
// intent_advanceStage and by skip_stage voice commands.
func (e *Engine) SetStage(id string, now time.Time) error {
	stage, ok := e.def.Stage(id)
	if !ok {
		return fmt.Errorf("scenario: stage %q not found in scenario %q", id, e.def.ID)
	}
	e.state.StageID = stage.ID
	e.state.Vitals = stage.BaselineVitals
	e.state.Exam = copyAnyMap(stage.ExamFindings)
	e.state.RhythmSummary = stage.RhythmSummary
	e.state.StageEnteredAt = now
	return nil
}

// SetTelemetry toggles whether the telemetry waveform is broadcast, with
// an optional rhythm-summary override (used by "show ekg" style
// commands).
func (e *Engine) SetTelemetry(on bool, rhythmSummary string) {
	e.state.Telemetry = on
	if rhythmSummary != "" {
		e.state.RhythmSummary = rhythmSummary
	}
}

// SetFallback toggles whether the session is running without a connected
// voice adapter, surfaced to clients on every subsequent sim_state.
func (e *Engine) SetFallback(on bool) {
	e.state.Fallback = on
}

// SetBudget overwrites the cost-controller snapshot surfaced in sim_state.
func (e *Engine) SetBudget(b types.BudgetSnapshot) {
	e.state.Budget = b
}

// SetRhythm overrides the rhythm summary directly, optionally recording a
// free-text note in Interventions (used by scripted treatment handlers
// such as a successful cardioversion).
func (e *Engine) SetRhythm(summary, note string) {
	e.state.RhythmSummary = summary
	if note != "" {
		e.state.Interventions["rhythmNote"] = note
	}
}

// ApplyVitalsAdjustment integrates an additive delta into the current
// vitals and clamps the result.
func (e *Engine) ApplyVitalsAdjustment(delta types.VitalsDelta) {
	e.state.Vitals.Apply(delta)
}

// ApplyIntent dispatches a Tool-Gate-approved intent onto the state and
// returns the events it produced. It always
// emits [types.EventIntentApplied]; it additionally emits
// [types.EventStateDiff] when the intent actually changed the state.
func (e *Engine) ApplyIntent(intent types.Intent, now time.Time) []types.Event {
	changed := false
	switch intent.Type {
	case types.IntentUpdateVitals:
		before := e.state.Vitals
		e.ApplyVitalsAdjustment(intent.VitalsDelta)
		changed = before != e.state.Vitals
	case types.IntentAdvanceStage:
		if err := e.SetStage(intent.StageID, now); err == nil {
			changed = true
		}
	case types.IntentRevealFinding:
		if !containsString(e.state.Findings, intent.FindingID) {
			e.state.Findings = append(e.state.Findings, intent.FindingID)
			changed = true
		}
	case types.IntentSetEmotion:
		e.state.Interventions["emotion"] = intent.Emotion
		changed = true
	}

	events := []types.Event{{Ts: now, Type: types.EventIntentApplied, Payload: map[string]any{
		"intentType": intent.Type.String(),
	}}}
	if changed {
		events = append(events, types.Event{Ts: now, Type: types.EventStateDiff})
	}
	return events
}

// EvaluateAutomaticTransitions checks every outgoing transition of the
// current stage against actions (the set of trigger predicates observed
// true so far this session) and now, applying the first satisfied one.
// Returns the events produced, empty if no transition fired.
func (e *Engine) EvaluateAutomaticTransitions(actions map[string]bool, now time.Time) []types.Event {
	stage, ok := e.def.Stage(e.state.StageID)
	if !ok {
		return nil
	}
	elapsed := now.Sub(e.state.StageEnteredAt)
	for _, tr := range stage.Transitions {
		if tr.When.satisfied(actions, elapsed) {
			from := e.state.StageID
			if err := e.SetStage(tr.To, now); err != nil {
				continue
			}
			return []types.Event{
				{Ts: now, Type: types.EventStageChanged, Payload: map[string]any{"from": from, "to": tr.To}},
				{Ts: now, Type: types.EventStateDiff},
			}
		}
	}
	return nil
}

// Tick integrates stage drift since the last tick and evaluates automatic
// transitions, returning the union of events produced.
func (e *Engine) Tick(now time.Time, actions map[string]bool) []types.Event {
	stage, ok := e.def.Stage(e.state.StageID)
	if ok {
		elapsedSinceLastTick := now.Sub(e.state.lastTickAt).Seconds() / 60
		if elapsedSinceLastTick > 0 {
			e.state.Vitals.HR += int(stage.Drift.HRPerMin * elapsedSinceLastTick)
			e.state.Vitals.BP.Systolic += int(stage.Drift.SBPPerMin * elapsedSinceLastTick)
			e.state.Vitals.BP.Diastolic += int(stage.Drift.DBPPerMin * elapsedSinceLastTick)
			e.state.Vitals.SpO2 += int(stage.Drift.SpO2PerMin * elapsedSinceLastTick)
			e.state.Vitals.Clamp()
		}
	}
	e.state.lastTickAt = now

	return e.EvaluateAutomaticTransitions(actions, now)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
