package gateway

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/simgateway/internal/physio"
)

// treatmentPayload is the voice_command treatment payload's wire shape,
// a superset covering every scripted action the SVT and myocarditis
// variants recognise. Only the fields relevant to Action are read; the
// rest are zero.
type treatmentPayload struct {
	Action string `json:"action"`

	// SVT variant.
	Synchronised  bool    `json:"synchronised"`
	SedationGiven bool    `json:"sedationGiven"`
	Joules        float64 `json:"joules"`
	JoulesPerKg   float64 `json:"joulesPerKg"`
	DoseMg        float64 `json:"doseMg"`
	DoseMgKg      float64 `json:"doseMgKg"`
	RapidPush     bool    `json:"rapidPush"`
	FlushGiven    bool    `json:"flushGiven"`

	// Myocarditis variant.
	MlPerKg      float64 `json:"mlPerKg"`
	TotalMl      float64 `json:"totalMl"`
	FluidType    string  `json:"fluidType"`
	RateMinutes  int     `json:"rateMinutes"`
	Drug         string  `json:"drug"`
	DoseMcgKgMin float64 `json:"doseMcgKgMin"`

	// Common.
	Service        string  `json:"service"`        // consult target
	Test           string  `json:"test"`           // diagnostic ordered
	Location       string  `json:"location"`       // iv_access site
	Method         string  `json:"method"`         // airway method or induction agent
	InductionAgent string  `json:"inductionAgent"` // ketamine, propofol, etomidate
	PEEP           float64 `json:"peep"`
	FiO2           float64 `json:"fio2"`
}

// handleTreatment applies a scripted treatment action to a complex
// variant's extended physio state, run under the session's state lock since it both reads
// and mutates the same [physio.State] the rule engine evaluates on the
// next tick.
func (g *Gateway) handleTreatment(rt *runtime, raw json.RawMessage, now time.Time) {
	if rt.physioState == nil {
		return // plain scenarios carry no extended state to treat.
	}

	var p treatmentPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}

	_ = g.withLock(rt.sessionID, func() error {
		applyTreatment(rt.physioState, p, now)
		if rt.physioEngine != nil {
			result := rt.physioEngine.Evaluate(rt.physioState, now)
			applyPhysioResult(rt, result, now)
		}
		return nil
	})
	g.broadcastSimState(rt)
}

// applyTreatment mutates st according to p.Action. Unrecognised actions
// are a no-op, matching the Tool Gate's "never reject, only ignore what
// it doesn't understand" posture for presenter-issued commands.
func applyTreatment(st *physio.State, p treatmentPayload, now time.Time) {
	switch p.Action {
	case "vagal":
		st.VagalAttempts++
		st.VagalAttemptedAt = append(st.VagalAttemptedAt, now)

	case "adenosine":
		dose := len(st.Adenosine) + 1
		st.Adenosine = append(st.Adenosine, physio.AdenosineDose{
			DoseNumber: dose,
			DoseMg:     p.DoseMg,
			DoseMgKg:   p.DoseMgKg,
			RapidPush:  p.RapidPush,
			FlushGiven: p.FlushGiven,
			GivenAt:    now,
		})
		if p.RapidPush && p.FlushGiven {
			st.ConversionMethod = conversionMethodForDose(dose)
			st.Converted = true
		}

	case "cardioversion":
		st.Cardioversion = append(st.Cardioversion, physio.CardioversionAttempt{
			Joules:        p.Joules,
			JoulesPerKg:   p.JoulesPerKg,
			Synchronised:  p.Synchronised,
			SedationGiven: p.SedationGiven,
			AttemptedAt:   now,
		})
		if p.Synchronised {
			st.ConversionMethod = "cardioversion"
			st.Converted = true
		}

	case "fluid_bolus":
		st.Fluids = append(st.Fluids, physio.FluidBolus{
			MlPerKg:     p.MlPerKg,
			TotalMl:     p.TotalMl,
			FluidType:   p.FluidType,
			RateMinutes: p.RateMinutes,
			GivenAt:     now,
		})

	case "inotrope_start":
		st.Inotropes = append(st.Inotropes, physio.InotropeInfusion{
			Drug:         p.Drug,
			DoseMcgKgMin: p.DoseMcgKgMin,
			StartedAt:    now,
		})

	case "inotrope_stop":
		for i := range st.Inotropes {
			if st.Inotropes[i].Drug == p.Drug && st.Inotropes[i].StoppedAt.IsZero() {
				st.Inotropes[i].StoppedAt = now
				break
			}
		}

	case "consult":
		if st.ConsultCalled == nil {
			st.ConsultCalled = make(map[string]bool)
		}
		st.ConsultCalled[p.Service] = true

	case "diagnostic":
		if st.DiagnosticOrdered == nil {
			st.DiagnosticOrdered = make(map[string]bool)
		}
		st.DiagnosticOrdered[p.Test] = true

	case "monitor_on":
		st.MonitorOn = true

	case "defib_pads_on":
		st.DefibPadsOn = true

	case "iv_access":
		st.IVAccessConfirmed = true
		st.IVCount++
		if p.Location != "" {
			st.IVLocations = append(st.IVLocations, p.Location)
		}

	case "airway":
		st.AirwayMethod = p.Method
		if p.InductionAgent != "" {
			st.InductionAgent = p.InductionAgent
		}
		if p.PEEP > 0 {
			st.PEEP = p.PEEP
		}
		if p.FiO2 > 0 {
			st.FiO2 = p.FiO2
		}

	case "induction":
		if p.InductionAgent != "" {
			st.InductionAgent = p.InductionAgent
		} else {
			st.InductionAgent = p.Method
		}

	case "pressor_at_bedside":
		st.PressorAtBedside = true
	}
}

// conversionMethodForDose names an adenosine conversion by which dose
// number converted the rhythm.
func conversionMethodForDose(dose int) string {
	if dose <= 1 {
		return "adenosine_first"
	}
	return "adenosine_second"
}
