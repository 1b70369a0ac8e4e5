package scenario

import (
	"os"
	"testing"
)

// TestBundledPackLoads keeps the shipped scenario files honest: every
// definition under scenarios/ must parse, validate, and carry the pieces
// the gateway expects of it.
func TestBundledPackLoads(t *testing.T) {
	pack, err := LoadPack(os.DirFS("../../scenarios"))
	if err != nil {
		t.Fatalf("LoadPack: %v", err)
	}

	for _, id := range []string{"syncope", "palpitations_svt", "teen_svt_complex_v1", "peds_myocarditis_silent_crash_v1"} {
		if _, ok := pack[id]; !ok {
			t.Errorf("bundled pack is missing scenario %q", id)
		}
	}

	if def := pack["teen_svt_complex_v1"]; def != nil {
		if len(def.PhysioRules) == 0 {
			t.Error("teen_svt_complex_v1 should carry physio rules")
		}
		if len(def.Triggers) == 0 {
			t.Error("teen_svt_complex_v1 should carry trigger entries")
		}
		if def.Demographics.WeightKg != 50 {
			t.Errorf("teen_svt weight = %v, want 50", def.Demographics.WeightKg)
		}
	}

	if def := pack["peds_myocarditis_silent_crash_v1"]; def != nil {
		var hasFluidOverload bool
		for _, r := range def.PhysioRules {
			if r.ID == "fluid_overload" {
				hasFluidOverload = true
			}
		}
		if !hasFluidOverload {
			t.Error("myocarditis pack should define the fluid_overload rule")
		}
	}

	if def := pack["syncope"]; def != nil {
		if len(def.PhysioRules) != 0 {
			t.Error("syncope is a plain scenario and should carry no physio rules")
		}
	}
}
