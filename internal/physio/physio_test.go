package physio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/simgateway/internal/physio"
)

func TestEvaluateFluidOverloadRule(t *testing.T) {
	now := time.Now()
	rule := physio.Rule{
		ID:         "fluid_overload",
		Conditions: []physio.Condition{{Kind: physio.CondFluidsMlKgInWindow, Number: 40, WindowSeconds: 3600}},
		Effects: []physio.Effect{
			{Kind: physio.EffectNurseLine, Text: "total fluids now exceed 40 mL/kg", Priority: physio.PriorityCritical},
			{Kind: physio.EffectSetFlag, FlagName: "pulmonaryEdemaRisk", FlagOn: true},
		},
	}
	e := physio.New([]physio.Rule{rule})

	st := &physio.State{
		Fluids: []physio.FluidBolus{
			{MlPerKg: 20, GivenAt: now.Add(-time.Minute)},
			{MlPerKg: 25, GivenAt: now.Add(-30 * time.Second)},
		},
	}

	res := e.Evaluate(st, now)
	if res.NurseLine == "" {
		t.Fatal("expected a nurse line to fire once fluids exceed 40 mL/kg")
	}
	if !res.FlagsSet["pulmonaryEdemaRisk"] {
		t.Error("expected pulmonaryEdemaRisk flag set")
	}
	if len(res.FiredRuleIDs) != 1 || res.FiredRuleIDs[0] != "fluid_overload" {
		t.Errorf("FiredRuleIDs = %v", res.FiredRuleIDs)
	}
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	now := time.Now()
	rule := physio.Rule{
		ID:              "shock_stage_advance",
		Conditions:      []physio.Condition{{Kind: physio.CondShockStageGTE, Number: 1}},
		Effects:         []physio.Effect{{Kind: physio.EffectAdvanceShock, N: 1}},
		CooldownSeconds: 60,
	}
	e := physio.New([]physio.Rule{rule})
	st := &physio.State{ShockStage: 1}

	first := e.Evaluate(st, now)
	if first.ShockStageDelta != 1 {
		t.Fatalf("first pass ShockStageDelta = %d, want 1", first.ShockStageDelta)
	}
	second := e.Evaluate(st, now.Add(10*time.Second))
	if second.ShockStageDelta != 0 {
		t.Fatalf("second pass within cooldown ShockStageDelta = %d, want 0", second.ShockStageDelta)
	}
	third := e.Evaluate(st, now.Add(61*time.Second))
	if third.ShockStageDelta != 1 {
		t.Fatalf("third pass after cooldown ShockStageDelta = %d, want 1", third.ShockStageDelta)
	}
}

func TestEvaluateRespectsMaxTriggers(t *testing.T) {
	now := time.Now()
	rule := physio.Rule{
		ID:          "once_only",
		Conditions:  []physio.Condition{{Kind: physio.CondConverted}},
		Effects:     []physio.Effect{{Kind: physio.EffectSetFlag, FlagName: "converted_once", FlagOn: true}},
		MaxTriggers: 1,
	}
	e := physio.New([]physio.Rule{rule})
	st := &physio.State{Converted: true}

	e.Evaluate(st, now)
	second := e.Evaluate(st, now.Add(time.Hour))
	if second.FlagsSet["converted_once"] {
		t.Error("rule should not fire again after reaching maxTriggers")
	}
}

func TestEvaluateDelayedEffectQueuesThenFires(t *testing.T) {
	now := time.Now()
	rule := physio.Rule{
		ID:           "delayed_deterioration",
		Conditions:   []physio.Condition{{Kind: physio.CondShockStageGTE, Number: 2}},
		Effects:      []physio.Effect{{Kind: physio.EffectVitalsDelta, Vitals: physio.VitalsEffectDelta{HR: 20}}},
		DelaySeconds: 30,
	}
	e := physio.New([]physio.Rule{rule})
	st := &physio.State{ShockStage: 2}

	immediate := e.Evaluate(st, now)
	if immediate.VitalsDelta.HR != 0 {
		t.Fatalf("delayed effect should not apply immediately, got HR delta %d", immediate.VitalsDelta.HR)
	}

	later := e.Evaluate(st, now.Add(31*time.Second))
	if later.VitalsDelta.HR != 20 {
		t.Fatalf("delayed effect should apply after delay, got HR delta %d", later.VitalsDelta.HR)
	}
}

func TestEvaluateNurseLinePriorityCriticalWins(t *testing.T) {
	now := time.Now()
	rules := []physio.Rule{
		{
			ID:         "normal_note",
			Conditions: []physio.Condition{{Kind: physio.CondStabilityLevelGTE, Number: 1}},
			Effects:    []physio.Effect{{Kind: physio.EffectNurseLine, Text: "routine update", Priority: physio.PriorityNormal}},
		},
		{
			ID:         "critical_note",
			Conditions: []physio.Condition{{Kind: physio.CondStabilityLevelGTE, Number: 1}},
			Effects:    []physio.Effect{{Kind: physio.EffectNurseLine, Text: "patient deteriorating", Priority: physio.PriorityCritical}},
		},
	}
	e := physio.New(rules)
	st := &physio.State{StabilityLevel: 2}

	res := e.Evaluate(st, now)
	if res.NurseLine != "patient deteriorating" {
		t.Errorf("NurseLine = %q, want the critical line to win", res.NurseLine)
	}
}

func TestEvaluateFirstAdvancePhaseWinsThisTick(t *testing.T) {
	now := time.Now()
	rules := []physio.Rule{
		{ID: "a", Conditions: []physio.Condition{{Kind: physio.CondShockStageGTE, Number: 1}}, Effects: []physio.Effect{{Kind: physio.EffectAdvancePhase, PhaseID: "decompensation"}}},
		{ID: "b", Conditions: []physio.Condition{{Kind: physio.CondShockStageGTE, Number: 1}}, Effects: []physio.Effect{{Kind: physio.EffectAdvancePhase, PhaseID: "intubation_trap"}}},
	}
	e := physio.New(rules)
	st := &physio.State{ShockStage: 3}

	res := e.Evaluate(st, now)
	if res.AdvancedPhase != "decompensation" {
		t.Errorf("AdvancedPhase = %q, want the first rule's target to win", res.AdvancedPhase)
	}
}

func TestTotalFluidsMlKgMatchesSum(t *testing.T) {
	st := &physio.State{Fluids: []physio.FluidBolus{{MlPerKg: 10}, {MlPerKg: 15}}}
	if got := st.TotalFluidsMlKg(); got != 25 {
		t.Errorf("TotalFluidsMlKg = %v, want 25", got)
	}
}

func TestInotropeRunningBothRequiresTwoDistinctDrugs(t *testing.T) {
	st := &physio.State{Inotropes: []physio.InotropeInfusion{{Drug: "epi"}}}
	if st.InotropeRunning("both") {
		t.Error("one inotrope should not satisfy 'both'")
	}
	st.Inotropes = append(st.Inotropes, physio.InotropeInfusion{Drug: "milrinone"})
	if !st.InotropeRunning("both") {
		t.Error("two distinct running inotropes should satisfy 'both'")
	}
}
