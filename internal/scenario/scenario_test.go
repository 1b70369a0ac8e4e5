package scenario_test

import (
	"testing"
	"time"

	"github.com/MrWong99/simgateway/internal/scenario"
	"github.com/MrWong99/simgateway/pkg/types"
)

func testDef() *scenario.Definition {
	return &scenario.Definition{
		ID:           "syncope",
		Demographics: scenario.Demographics{AgeMonths: 192, WeightKg: 55},
		InitialStage: "presentation",
		Stages: []scenario.Stage{
			{
				ID:             "presentation",
				BaselineVitals: types.Vitals{HR: 88, RR: 16, SpO2: 99, Temp: 98.6, BP: types.BP{Systolic: 112, Diastolic: 70}},
				RhythmSummary:  "normal sinus rhythm",
				AllowedIntents: []types.IntentType{types.IntentUpdateVitals, types.IntentAdvanceStage},
				Transitions: []scenario.Transition{
					{To: "orthostatic_drop", When: scenario.When{Logic: scenario.LogicAny, Triggers: []scenario.Trigger{{Kind: scenario.TriggerStandTest}}}},
					{To: "timeout", When: scenario.When{Logic: scenario.LogicAll, Triggers: []scenario.Trigger{{Kind: scenario.TriggerTimeElapsed, Seconds: 120}}}},
				},
			},
			{
				ID:            "orthostatic_drop",
				BaselineVitals: types.Vitals{HR: 110, RR: 18, SpO2: 98, Temp: 98.6, BP: types.BP{Systolic: 90, Diastolic: 58}},
				RhythmSummary: "sinus tachycardia",
				Drift:         scenario.DriftCoefficients{HRPerMin: 6, SBPPerMin: -2},
			},
			{ID: "timeout", BaselineVitals: types.Vitals{HR: 88, RR: 16, SpO2: 99, BP: types.BP{Systolic: 112, Diastolic: 70}}},
		},
	}
}

func TestNewEngineStartsAtInitialStage(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := scenario.New(testDef(), "sess-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st := e.GetState()
	if st.StageID != "presentation" {
		t.Errorf("StageID = %q, want presentation", st.StageID)
	}
	if st.Vitals.HR != 88 {
		t.Errorf("HR = %d, want 88", st.Vitals.HR)
	}
}

func TestApplyVitalsAdjustmentClamps(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	low := -1000
	e.ApplyVitalsAdjustment(types.VitalsDelta{SpO2: &low})
	if e.GetState().Vitals.SpO2 != 50 {
		t.Errorf("SpO2 = %d, want clamped to 50", e.GetState().Vitals.SpO2)
	}
}

func TestEvaluateAutomaticTransitionsFiresOnStandTest(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	events := e.EvaluateAutomaticTransitions(map[string]bool{"stand_test": true}, now.Add(5*time.Second))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (stage changed + state diff)", len(events))
	}
	if events[0].Type != types.EventStageChanged {
		t.Errorf("events[0].Type = %v", events[0].Type)
	}
	if e.GetState().StageID != "orthostatic_drop" {
		t.Errorf("StageID = %q, want orthostatic_drop", e.GetState().StageID)
	}
}

func TestEvaluateAutomaticTransitionsTimeElapsed(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	events := e.EvaluateAutomaticTransitions(nil, now.Add(121*time.Second))
	if len(events) != 2 {
		t.Fatalf("got %d events, want transition to fire after 121s", len(events))
	}
	if e.GetState().StageID != "timeout" {
		t.Errorf("StageID = %q, want timeout", e.GetState().StageID)
	}
}

func TestEvaluateAutomaticTransitionsNoneSatisfied(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	events := e.EvaluateAutomaticTransitions(nil, now.Add(1*time.Second))
	if events != nil {
		t.Fatalf("got %d events, want none", len(events))
	}
	if e.GetState().StageID != "presentation" {
		t.Errorf("StageID changed unexpectedly to %q", e.GetState().StageID)
	}
}

func TestTickIntegratesDrift(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	if err := e.SetStage("orthostatic_drop", now); err != nil {
		t.Fatalf("SetStage: %v", err)
	}
	e.Tick(now.Add(60*time.Second), nil)
	st := e.GetState()
	if st.Vitals.HR != 116 {
		t.Errorf("HR after 1 minute of +6/min drift = %d, want 116", st.Vitals.HR)
	}
	if st.Vitals.BP.Systolic != 88 {
		t.Errorf("SBP after 1 minute of -2/min drift = %d, want 88", st.Vitals.BP.Systolic)
	}
}

func TestApplyIntentUpdateVitalsEmitsDiffWhenChanged(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	delta := 5
	events := e.ApplyIntent(types.Intent{Type: types.IntentUpdateVitals, VitalsDelta: types.VitalsDelta{HR: &delta}}, now)
	if len(events) != 2 {
		t.Fatalf("got %d events, want applied+diff", len(events))
	}
	if events[0].Type != types.EventIntentApplied {
		t.Errorf("events[0].Type = %v", events[0].Type)
	}
	if events[1].Type != types.EventStateDiff {
		t.Errorf("events[1].Type = %v", events[1].Type)
	}
}

func TestApplyIntentRevealFindingDeduplicates(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	e.ApplyIntent(types.Intent{Type: types.IntentRevealFinding, FindingID: "murmur"}, now)
	events := e.ApplyIntent(types.Intent{Type: types.IntentRevealFinding, FindingID: "murmur"}, now)
	if len(events) != 1 {
		t.Fatalf("got %d events for duplicate finding, want only intent.applied", len(events))
	}
	if len(e.GetState().Findings) != 1 {
		t.Errorf("Findings = %v, want exactly one entry", e.GetState().Findings)
	}
}

func TestSetStageUnknownReturnsError(t *testing.T) {
	now := time.Now()
	e, _ := scenario.New(testDef(), "sess-1", now)
	if err := e.SetStage("does_not_exist", now); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
