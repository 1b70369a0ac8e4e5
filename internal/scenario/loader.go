package scenario

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/simgateway/pkg/types"
)

// wireVitals mirrors [types.Vitals] for YAML, where BP is authored as the
// same "SBP/DBP" string the wire protocol uses.
type wireVitals struct {
	HR   int     `yaml:"hr"`
	RR   int     `yaml:"rr"`
	SpO2 int     `yaml:"spo2"`
	Temp float64 `yaml:"temp"`
	BP   string  `yaml:"bp"`
}

func (w wireVitals) toVitals() (types.Vitals, error) {
	bp, err := types.ParseBP(w.BP)
	if err != nil {
		return types.Vitals{}, err
	}
	return types.Vitals{HR: w.HR, RR: w.RR, SpO2: w.SpO2, Temp: w.Temp, BP: bp}, nil
}

type wireWhen struct {
	Trigger string     `yaml:"trigger,omitempty"`
	Any     []wireWhen `yaml:"any,omitempty"`
	All     []wireWhen `yaml:"all,omitempty"`
	Seconds int        `yaml:"seconds,omitempty"`
}

func (w wireWhen) toWhen() (When, error) {
	switch {
	case w.Trigger != "":
		t, err := parseTrigger(w.Trigger, w.Seconds)
		if err != nil {
			return When{}, err
		}
		return When{Logic: LogicAll, Triggers: []Trigger{t}}, nil
	case len(w.Any) > 0:
		triggers, err := flattenTriggers(w.Any)
		if err != nil {
			return When{}, err
		}
		return When{Logic: LogicAny, Triggers: triggers}, nil
	case len(w.All) > 0:
		triggers, err := flattenTriggers(w.All)
		if err != nil {
			return When{}, err
		}
		return When{Logic: LogicAll, Triggers: triggers}, nil
	default:
		return When{}, errors.New("transition.when must set trigger, any, or all")
	}
}

func flattenTriggers(whens []wireWhen) ([]Trigger, error) {
	out := make([]Trigger, 0, len(whens))
	for _, w := range whens {
		if w.Trigger == "" {
			return nil, errors.New("nested any/all triggers must each be a bare trigger")
		}
		t, err := parseTrigger(w.Trigger, w.Seconds)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTrigger(name string, seconds int) (Trigger, error) {
	switch TriggerKind(name) {
	case TriggerAskedAboutExertion, TriggerStandTest, TriggerAskedFamilyHistory:
		return Trigger{Kind: TriggerKind(name)}, nil
	case TriggerTimeElapsed:
		if seconds <= 0 {
			return Trigger{}, fmt.Errorf("trigger time_elapsed requires seconds > 0")
		}
		return Trigger{Kind: TriggerTimeElapsed, Seconds: seconds}, nil
	default:
		return Trigger{}, fmt.Errorf("unknown trigger kind %q", name)
	}
}

type wireTransition struct {
	To   string   `yaml:"to"`
	When wireWhen `yaml:"when"`
}

type wireStage struct {
	ID             string            `yaml:"id"`
	BaselineVitals wireVitals        `yaml:"baselineVitals"`
	ExamFindings   map[string]any    `yaml:"examFindings,omitempty"`
	RhythmSummary  string            `yaml:"rhythmSummary"`
	Drift          DriftCoefficients `yaml:"drift,omitempty"`
	AllowedIntents []string          `yaml:"allowedIntents,omitempty"`
	Transitions    []wireTransition  `yaml:"transitions,omitempty"`
}

type wireDefinition struct {
	ID           string      `yaml:"id"`
	AgeMonths    int         `yaml:"ageMonths"`
	WeightKg     float64     `yaml:"weightKg"`
	InitialStage string      `yaml:"initialStage"`
	Stages       []wireStage `yaml:"stages"`

	// PhysioRules and Triggers are only populated for complex scenario
	// variants (SVT, myocarditis); a syncope-style scenario's YAML simply
	// omits both sections.
	PhysioRules []wirePhysioRule   `yaml:"physioRules,omitempty"`
	Triggers    []wireTriggerEntry `yaml:"triggers,omitempty"`
}

// LoadDefinitionFile reads and validates one scenario definition from a
// YAML file at path.
func LoadDefinitionFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadDefinition(f)
}

// LoadDefinition decodes and validates one scenario definition from r.
func LoadDefinition(r io.Reader) (*Definition, error) {
	var wire wireDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("scenario: decode yaml: %w", err)
	}
	return buildDefinition(wire)
}

// LoadPack reads every *.yaml file directly under dir as one scenario
// definition each, returning a map keyed by scenario id. A scenario whose
// file fails to parse or fails validation aborts the whole load with a
// joined error identifying every bad file, matching the config loader's
// fail-closed posture for malformed input.
func LoadPack(dir fs.FS) (map[string]*Definition, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("scenario: read pack dir: %w", err)
	}

	out := make(map[string]*Definition)
	var errs []error
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".yaml" {
			continue
		}
		f, err := dir.Open(ent.Name())
		if err != nil {
			errs = append(errs, fmt.Errorf("scenario: open %q: %w", ent.Name(), err))
			continue
		}
		def, err := LoadDefinition(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("scenario: %q: %w", ent.Name(), err))
			continue
		}
		out[def.ID] = def
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func buildDefinition(wire wireDefinition) (*Definition, error) {
	def := &Definition{
		ID:           wire.ID,
		Demographics: Demographics{AgeMonths: wire.AgeMonths, WeightKg: wire.WeightKg},
		InitialStage: wire.InitialStage,
	}

	for _, ws := range wire.Stages {
		vitals, err := ws.BaselineVitals.toVitals()
		if err != nil {
			return nil, fmt.Errorf("scenario %q: stage %q: %w", def.ID, ws.ID, err)
		}
		stage := Stage{
			ID:             ws.ID,
			BaselineVitals: vitals,
			ExamFindings:   ws.ExamFindings,
			RhythmSummary:  ws.RhythmSummary,
			Drift:          ws.Drift,
		}
		for _, it := range ws.AllowedIntents {
			stage.AllowedIntents = append(stage.AllowedIntents, types.ParseIntentType(it))
		}
		for _, wt := range ws.Transitions {
			when, err := wt.When.toWhen()
			if err != nil {
				return nil, fmt.Errorf("scenario %q: stage %q: transition to %q: %w", def.ID, ws.ID, wt.To, err)
			}
			stage.Transitions = append(stage.Transitions, Transition{To: wt.To, When: when})
		}
		def.Stages = append(def.Stages, stage)
	}

	for _, wr := range wire.PhysioRules {
		rule, err := wr.toRule()
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", def.ID, err)
		}
		def.PhysioRules = append(def.PhysioRules, rule)
	}
	for _, wt := range wire.Triggers {
		entry, err := wt.toEntry()
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", def.ID, err)
		}
		def.Triggers = append(def.Triggers, entry)
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks structural invariants a hand-authored scenario file can
// violate: every allowedIntents entry must parse to a known intent type,
// every transition's "to" must reference a stage of the same scenario,
// and the initial stage must exist.
func Validate(def *Definition) error {
	var errs []error

	if def.ID == "" {
		errs = append(errs, errors.New("scenario: id is required"))
	}
	if len(def.Stages) == 0 {
		errs = append(errs, fmt.Errorf("scenario %q: must define at least one stage", def.ID))
	}

	stageIDs := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		stageIDs[s.ID] = true
	}
	if def.InitialStage != "" && !stageIDs[def.InitialStage] {
		errs = append(errs, fmt.Errorf("scenario %q: initialStage %q is not a defined stage", def.ID, def.InitialStage))
	}

	for _, s := range def.Stages {
		for _, it := range s.AllowedIntents {
			if it == types.IntentUnknown {
				errs = append(errs, fmt.Errorf("scenario %q: stage %q: allowedIntents contains an unrecognised intent", def.ID, s.ID))
			}
		}
		for _, tr := range s.Transitions {
			if !stageIDs[tr.To] {
				errs = append(errs, fmt.Errorf("scenario %q: stage %q: transition target %q is not a defined stage", def.ID, s.ID, tr.To))
			}
		}
	}

	return errors.Join(errs...)
}
