// Package telemetry implements the Telemetry/Alarms component: a
// synthesized waveform derived from heart rate for UI display, and
// debounced alarm detection over the current vitals (low SpO2, hypotension,
// bradycardia) that only fires once a condition has been sustained for
// [types.AlarmSustainThreshold] and only re-fires after it has cleared.
package telemetry

import (
	"math"
	"time"

	"github.com/MrWong99/simgateway/pkg/types"
)

// waveformSamples is the length of the array [BuildWaveform] returns, wide
// enough for a smooth single-cycle sparkline without being expensive to
// broadcast on every tick.
const waveformSamples = 32

// BuildWaveform synthesizes a short pseudo-periodic numeric signal
// parameterised by hr, suitable for a UI sparkline: faster heart rates
// produce more complete cycles across the same sample count, and a flat
// zero heart rate (asystole) produces a flat line rather than a division
// by zero.
func BuildWaveform(hr int) []float64 {
	out := make([]float64, waveformSamples)
	if hr <= 0 {
		return out
	}

	cycles := float64(hr) / 75.0
	for i := range out {
		phase := 2 * math.Pi * cycles * float64(i) / float64(waveformSamples)
		// A QRS-like spike riding a slower baseline wave, not a clinically
		// accurate ECG model: just enough shape for a UI to render.
		out[i] = math.Sin(phase) + 0.35*math.Sin(4*phase)
	}
	return out
}

// History is a bounded ring buffer of recent waveform samples, used for the
// simulation state's `telemetryHistory` field.
type History struct {
	samples []float64
	limit   int
}

// NewHistory builds a [History] retaining at most limit samples.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 128
	}
	return &History{limit: limit}
}

// Append records waveform's samples, dropping the oldest retained samples
// if the combined length would exceed the configured limit.
func (h *History) Append(waveform []float64) {
	h.samples = append(h.samples, waveform...)
	if over := len(h.samples) - h.limit; over > 0 {
		h.samples = h.samples[over:]
	}
}

// Snapshot returns a copy of the currently retained samples.
func (h *History) Snapshot() []float64 {
	out := make([]float64, len(h.samples))
	copy(out, h.samples)
	return out
}

// sbpFloorForAge returns the PALS-derived minimum acceptable systolic blood
// pressure for a patient aged ageMonths: 70 for infants under a year,
// 70+2*age(years) for children 1-10y, 90 for 10y and older.
func sbpFloorForAge(ageMonths int) int {
	years := ageMonths / 12
	switch {
	case ageMonths < 12:
		return 70
	case years < 10:
		return 70 + 2*years
	default:
		return 90
	}
}

// bradycardiaFloorForAge returns the PALS lower normal heart rate bound for
// ageMonths, reusing the same table [scenario.SynthesizeRhythm] draws its
// bradycardia threshold from; restated here rather than imported to avoid a
// telemetry->scenario import (scenario already imports nothing from here).
func bradycardiaFloorForAge(ageMonths int) int {
	switch {
	case ageMonths < 1:
		return 100
	case ageMonths < 12:
		return 100
	case ageMonths < 36:
		return 90
	case ageMonths < 72:
		return 80
	case ageMonths < 144:
		return 70
	default:
		return 60
	}
}

// Tracker evaluates and debounces the three alarm kinds for one session's
// vitals stream. Not safe for concurrent use without external
// synchronisation; callers run it under the session's state lock, matching
// every other per-tick evaluator in this gateway.
type Tracker struct {
	states map[types.AlarmKind]*types.AlarmState
}

// NewTracker builds an empty Tracker with no alarms yet observed.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[types.AlarmKind]*types.AlarmState)}
}

// Transition is one alarm kind's fired/cleared edge produced by [Tracker.Check].
type Transition struct {
	Kind    types.AlarmKind
	Fired   bool // true: alarm newly active; false: alarm newly cleared
	Message string
}

// Check inspects vitals for a patient aged ageMonths as of now, updating
// each alarm kind's debounce bookkeeping and returning the edges (newly
// fired or newly cleared) produced by this evaluation. An alarm already
// active that remains satisfied, or already clear that remains
// unsatisfied, produces no transition.
func (t *Tracker) Check(vitals types.Vitals, ageMonths int, now time.Time) []Transition {
	var out []Transition

	out = append(out, t.evaluate(types.AlarmLowSpO2, vitals.SpO2 < 90, now,
		"SpO2 sustained below 90%")...)
	out = append(out, t.evaluate(types.AlarmHypotension, vitals.BP.Systolic < sbpFloorForAge(ageMonths), now,
		"systolic BP sustained below age-appropriate floor")...)
	out = append(out, t.evaluate(types.AlarmBradycardia, vitals.HR < bradycardiaFloorForAge(ageMonths), now,
		"heart rate sustained below age-appropriate floor")...)

	return out
}

func (t *Tracker) evaluate(kind types.AlarmKind, condition bool, now time.Time, message string) []Transition {
	st, ok := t.states[kind]
	if !ok {
		st = &types.AlarmState{}
		t.states[kind] = st
	}

	if !condition {
		if st.Active {
			st.Active = false
			st.FirstObservedAt = time.Time{}
			return []Transition{{Kind: kind, Fired: false, Message: message}}
		}
		st.FirstObservedAt = time.Time{}
		return nil
	}

	if st.Active {
		return nil
	}

	if st.FirstObservedAt.IsZero() {
		st.FirstObservedAt = now
		return nil
	}

	if now.Sub(st.FirstObservedAt) < types.AlarmSustainThreshold {
		return nil
	}

	st.Active = true
	st.LastFiredAt = now
	return []Transition{{Kind: kind, Fired: true, Message: message}}
}

// Snapshot returns a copy of the tracker's current per-kind alarm state,
// for callers persisting or displaying it outside the lock.
func (t *Tracker) Snapshot() map[types.AlarmKind]types.AlarmState {
	out := make(map[types.AlarmKind]types.AlarmState, len(t.states))
	for k, v := range t.states {
		out[k] = *v
	}
	return out
}
