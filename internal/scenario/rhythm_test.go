package scenario_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/simgateway/internal/scenario"
)

func TestSynthesizeRhythmAsystole(t *testing.T) {
	if got := scenario.SynthesizeRhythm(24, 0); got != "asystole/PEA" {
		t.Errorf("got %q", got)
	}
}

func TestSynthesizeRhythmAgonal(t *testing.T) {
	if got := scenario.SynthesizeRhythm(24, 15); got != "agonal" {
		t.Errorf("got %q", got)
	}
}

func TestSynthesizeRhythmSVTAtEveryAge(t *testing.T) {
	for _, age := range []int{0, 6, 24, 48, 100, 200} {
		if got := scenario.SynthesizeRhythm(age, 220); got != "SVT" {
			t.Errorf("age %d: got %q, want SVT", age, got)
		}
	}
}

func TestSynthesizeRhythmPolymorphicVT(t *testing.T) {
	if got := scenario.SynthesizeRhythm(100, 260); got != "polymorphic VT / Torsades" {
		t.Errorf("got %q", got)
	}
}

func TestSynthesizeRhythmAdolescentBands(t *testing.T) {
	// Adolescent band: NSR 60-100, tachy >100, brady <60.
	if got := scenario.SynthesizeRhythm(200, 80); got != "Normal sinus rhythm" {
		t.Errorf("got %q", got)
	}
	if got := scenario.SynthesizeRhythm(200, 150); got != "Sinus tachycardia" {
		t.Errorf("got %q", got)
	}
	if got := scenario.SynthesizeRhythm(200, 40); got != "Sinus bradycardia" {
		t.Errorf("got %q", got)
	}
}

func TestSynthesizeRhythmNeonateBand(t *testing.T) {
	if got := scenario.SynthesizeRhythm(0, 190); got != "Sinus tachycardia" {
		t.Errorf("got %q", got)
	}
	if got := scenario.SynthesizeRhythm(0, 90); got != "Sinus bradycardia" {
		t.Errorf("got %q", got)
	}
}

func TestSynthesizeRhythmAugmentations(t *testing.T) {
	got := scenario.SynthesizeRhythm(100, 80, "LVH")
	if !strings.Contains(got, "Normal sinus rhythm") || !strings.Contains(got, "LVH") {
		t.Errorf("got %q, want both baseline and augmentation", got)
	}
}
