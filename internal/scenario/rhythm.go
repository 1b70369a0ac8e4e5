package scenario

import "fmt"

// ageBand is one row of the PALS-derived rhythm threshold table.
type ageBand struct {
	maxMonths int // exclusive upper bound; the last band has no bound
	nsrLow    int
	nsrHigh   int
	tachy     int
	brady     int
}

// ageBands is ordered youngest-first; the first band whose maxMonths
// exceeds the patient's age applies. The adolescent band (negative
// maxMonths sentinel) always matches as the fallback.
var ageBands = []ageBand{
	{maxMonths: 1, nsrLow: 100, nsrHigh: 180, tachy: 180, brady: 100},    // neonate, <1 mo
	{maxMonths: 12, nsrLow: 100, nsrHigh: 160, tachy: 160, brady: 100},  // infant, 1-12 mo
	{maxMonths: 36, nsrLow: 90, nsrHigh: 150, tachy: 150, brady: 90},    // toddler, 1-3 y
	{maxMonths: 72, nsrLow: 80, nsrHigh: 120, tachy: 120, brady: 80},    // preschool, 3-6 y
	{maxMonths: 144, nsrLow: 70, nsrHigh: 110, tachy: 110, brady: 70},   // school-age, 6-12 y
	{maxMonths: -1, nsrLow: 60, nsrHigh: 100, tachy: 100, brady: 60},    // adolescent, >12 y
}

func bandFor(ageMonths int) ageBand {
	for _, b := range ageBands {
		if b.maxMonths < 0 || ageMonths < b.maxMonths {
			return b
		}
	}
	return ageBands[len(ageBands)-1]
}

const svtThreshold = 220

// SynthesizeRhythm selects the PALS-derived baseline rhythm label for a
// patient aged ageMonths with the given heart rate, then appends any
// augmentations (each an opaque string such as "LVH" or "low voltage")
// supplied by the calling scenario.
func SynthesizeRhythm(ageMonths, hr int, augmentations ...string) string {
	label := baselineRhythmLabel(ageMonths, hr)
	for _, a := range augmentations {
		if a != "" {
			label = fmt.Sprintf("%s, %s", label, a)
		}
	}
	return label
}

func baselineRhythmLabel(ageMonths, hr int) string {
	switch {
	case hr == 0:
		return "asystole/PEA"
	case hr < 20:
		return "agonal"
	case hr >= 250:
		return "polymorphic VT / Torsades"
	case hr >= svtThreshold:
		return "SVT"
	}

	b := bandFor(ageMonths)
	switch {
	case hr > b.tachy:
		return "Sinus tachycardia"
	case hr < b.brady:
		return "Sinus bradycardia"
	case hr >= b.nsrLow && hr <= b.nsrHigh:
		return "Normal sinus rhythm"
	default:
		return "Normal sinus rhythm"
	}
}
