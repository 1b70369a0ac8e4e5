package physio

import "time"

// FluidBolus is one fluid administration event.
type FluidBolus struct {
	MlPerKg     float64
	TotalMl     float64
	FluidType   string // NS, LR, albumin, blood
	RateMinutes int    // 0 means not recorded
	GivenAt     time.Time
}

// InotropeInfusion is one running or stopped inotrope.
type InotropeInfusion struct {
	Drug         string // epi, milrinone, dobutamine, dopamine, norepi
	DoseMcgKgMin float64
	StartedAt    time.Time
	StoppedAt    time.Time // zero value means still running
}

func (i InotropeInfusion) running() bool {
	return i.StoppedAt.IsZero()
}

// AdenosineDose is one adenosine administration.
type AdenosineDose struct {
	DoseNumber int // 1 or 2
	DoseMg     float64
	DoseMgKg   float64
	RapidPush  bool
	FlushGiven bool
	GivenAt    time.Time
}

// CardioversionAttempt is one synchronised cardioversion attempt.
type CardioversionAttempt struct {
	Joules        float64
	JoulesPerKg   float64
	Synchronised  bool
	SedationGiven bool
	AttemptedAt   time.Time
}

// TimelineEvent is one monotonic-timestamp entry in a scenario's
// extended-state timeline.
type TimelineEvent struct {
	At   time.Time
	Kind string
	Note string
}

// State is the extended state the Physiology Rule Engine reads and the
// treatment handlers mutate, for one session running a complex scenario.
// It is a superset covering both the SVT and Myocarditis variants;
// a given scenario only populates the fields relevant to it.
type State struct {
	// Common to both variants.
	PhaseEnteredAt    time.Time
	ConsultCalled     map[string]bool
	DiagnosticOrdered map[string]bool
	Timeline          []TimelineEvent
	ChecklistDone     map[string]bool
	Bonuses           []string
	Penalties         []string
	Score             int

	IVAccessConfirmed bool
	MonitorOn         bool
	DefibPadsOn       bool

	Fluids           []FluidBolus
	Inotropes        []InotropeInfusion
	AirwayMethod     string // hfnc, intubation
	InductionAgent   string // ketamine, propofol, etomidate
	PEEP             float64
	FiO2             float64
	PressorAtBedside bool
	PushDoseEpiDrawn bool

	// SVT variant.
	Rhythm           string // sinus, svt
	StabilityLevel   int    // 1-4
	Converted        bool
	ConversionMethod string // vagal, adenosine_first, adenosine_second, cardioversion
	VagalAttempts    int
	VagalAttemptedAt []time.Time
	Adenosine        []AdenosineDose
	Cardioversion    []CardioversionAttempt
	SedationGiven    bool

	// Myocarditis variant.
	ShockStage         int     // 1-5
	DeteriorationRate  float64 // 0.5, 1.0, 2.0
	PulmonaryEdema     bool
	IntubationCollapse bool
	CodeBlueActive     bool
	Stabilizing        bool
	IVCount            int
	IVLocations        []string
}

// AdenosineDoses reports how many adenosine doses have been given.
func (s *State) AdenosineDoses() int { return len(s.Adenosine) }

// CardioversionAttempts reports how many cardioversion attempts have been
// made.
func (s *State) CardioversionAttempts() int { return len(s.Cardioversion) }

// FluidsMlKgInWindow sums the mL/kg of every fluid bolus given within
// window before now.
func (s *State) FluidsMlKgInWindow(window time.Duration, now time.Time) float64 {
	var total float64
	cutoff := now.Add(-window)
	for _, f := range s.Fluids {
		if f.GivenAt.After(cutoff) {
			total += f.MlPerKg
		}
	}
	return total
}

// TotalFluidsMlKg sums every fluid bolus ever given.
func (s *State) TotalFluidsMlKg() float64 {
	var total float64
	for _, f := range s.Fluids {
		total += f.MlPerKg
	}
	return total
}

// InotropeRunning reports whether drug (or "both", meaning at least two
// distinct inotropes) is currently running.
func (s *State) InotropeRunning(drug string) bool {
	if drug == "both" {
		running := map[string]bool{}
		for _, i := range s.Inotropes {
			if i.running() {
				running[i.Drug] = true
			}
		}
		return len(running) >= 2
	}
	for _, i := range s.Inotropes {
		if i.Drug == drug && i.running() {
			return true
		}
	}
	return false
}

// InotropeDose returns the current infusion rate of drug, 0 if not
// running.
func (s *State) InotropeDose(drug string) float64 {
	for _, i := range s.Inotropes {
		if i.Drug == drug && i.running() {
			return i.DoseMcgKgMin
		}
	}
	return 0
}
