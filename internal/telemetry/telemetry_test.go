package telemetry

import (
	"testing"
	"time"

	"github.com/MrWong99/simgateway/pkg/types"
)

func TestBuildWaveform_Asystole(t *testing.T) {
	w := BuildWaveform(0)
	if len(w) != waveformSamples {
		t.Fatalf("len = %d, want %d", len(w), waveformSamples)
	}
	for i, v := range w {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0 for asystole", i, v)
		}
	}
}

func TestBuildWaveform_NonZeroHR(t *testing.T) {
	w := BuildWaveform(120)
	if len(w) != waveformSamples {
		t.Fatalf("len = %d, want %d", len(w), waveformSamples)
	}
	allZero := true
	for _, v := range w {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("expected a non-flat waveform for a non-zero heart rate")
	}
}

func TestHistory_BoundedRingBuffer(t *testing.T) {
	h := NewHistory(10)
	h.Append([]float64{1, 2, 3, 4, 5, 6})
	h.Append([]float64{7, 8, 9, 10, 11, 12})

	snap := h.Snapshot()
	if len(snap) != 10 {
		t.Fatalf("len = %d, want 10", len(snap))
	}
	if snap[0] != 3 {
		t.Errorf("snap[0] = %v, want 3 (oldest two samples dropped)", snap[0])
	}
	if snap[len(snap)-1] != 12 {
		t.Errorf("snap[last] = %v, want 12", snap[len(snap)-1])
	}
}

func TestTracker_DebouncesBeforeSustained(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	vitals := types.Vitals{HR: 120, SpO2: 80, BP: types.BP{Systolic: 100, Diastolic: 60}}

	transitions := tr.Check(vitals, 24, now)
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions on first observation, got %v", transitions)
	}

	transitions = tr.Check(vitals, 24, now.Add(2*time.Second))
	if len(transitions) != 0 {
		t.Fatalf("expected no transitions before sustain threshold, got %v", transitions)
	}
}

func TestTracker_FiresAfterSustainedThenClears(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := types.Vitals{HR: 120, SpO2: 80, BP: types.BP{Systolic: 100, Diastolic: 60}}

	tr.Check(low, 24, now)
	transitions := tr.Check(low, 24, now.Add(types.AlarmSustainThreshold+time.Second))
	if len(transitions) != 1 {
		t.Fatalf("expected exactly one fired transition, got %v", transitions)
	}
	if transitions[0].Kind != types.AlarmLowSpO2 || !transitions[0].Fired {
		t.Fatalf("transition = %+v, want fired low_spo2", transitions[0])
	}

	// Stays active; no duplicate fires while still below threshold.
	if got := tr.Check(low, 24, now.Add(2*types.AlarmSustainThreshold)); len(got) != 0 {
		t.Fatalf("expected no re-fire while still active, got %v", got)
	}

	normal := types.Vitals{HR: 120, SpO2: 99, BP: types.BP{Systolic: 100, Diastolic: 60}}
	cleared := tr.Check(normal, 24, now.Add(3*types.AlarmSustainThreshold))
	if len(cleared) != 1 || cleared[0].Fired {
		t.Fatalf("expected one cleared transition, got %v", cleared)
	}
}

func TestTracker_HypotensionUsesAgeBandFloor(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// 5-year-old: floor is 70+2*5=80. SBP of 75 should be low.
	v := types.Vitals{HR: 100, SpO2: 99, BP: types.BP{Systolic: 75, Diastolic: 50}}

	tr.Check(v, 60, now)
	transitions := tr.Check(v, 60, now.Add(types.AlarmSustainThreshold+time.Second))
	if len(transitions) != 1 || transitions[0].Kind != types.AlarmHypotension {
		t.Fatalf("transitions = %+v, want one fired hypotension", transitions)
	}
}

func TestTracker_Snapshot(t *testing.T) {
	tr := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := types.Vitals{HR: 120, SpO2: 99, BP: types.BP{Systolic: 100, Diastolic: 60}}
	tr.Check(v, 24, now)

	snap := tr.Snapshot()
	if _, ok := snap[types.AlarmLowSpO2]; !ok {
		t.Fatal("expected low_spo2 to be present in the snapshot once observed")
	}
}
