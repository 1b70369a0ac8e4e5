// Package types holds the shared data shapes used across the simulation
// gateway: wire-level vitals, intents, orders, and events that both the
// engine packages and the transport layer need to agree on.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BP is a systolic/diastolic blood pressure pair. On the wire and in
// storage it is always represented as the string "SBP/DBP" (see
// [BP.String] and [ParseBP]); callers that need to do arithmetic on it
// should use the typed Systolic/Diastolic fields instead of parsing the
// string themselves.
type BP struct {
	Systolic  int
	Diastolic int
}

// String formats b as "SBP/DBP", the wire and storage representation.
func (b BP) String() string {
	return fmt.Sprintf("%d/%d", b.Systolic, b.Diastolic)
}

// ParseBP parses the "SBP/DBP" wire representation back into a [BP].
func ParseBP(s string) (BP, error) {
	systolic, diastolic, ok := strings.Cut(s, "/")
	if !ok {
		return BP{}, fmt.Errorf("types: parse bp %q: missing '/'", s)
	}
	sbp, err := strconv.Atoi(strings.TrimSpace(systolic))
	if err != nil {
		return BP{}, fmt.Errorf("types: parse bp %q: %w", s, err)
	}
	dbp, err := strconv.Atoi(strings.TrimSpace(diastolic))
	if err != nil {
		return BP{}, fmt.Errorf("types: parse bp %q: %w", s, err)
	}
	return BP{Systolic: sbp, Diastolic: dbp}, nil
}

// Vitals holds the numeric patient vitals carried in a [SimState]. BP is
// carried as a typed field internally but marshals to and from the wire's
// "SBP/DBP" string, via [Vitals.MarshalJSON]
// and [Vitals.UnmarshalJSON].
type Vitals struct {
	HR   int     `json:"hr"`
	RR   int     `json:"rr"`
	SpO2 int     `json:"spo2"`
	Temp float64 `json:"temp"`
	BP   BP      `json:"-"`
}

// vitalsWire is Vitals' wire shape: identical fields, plus "bp" as a string.
type vitalsWire struct {
	HR   int     `json:"hr"`
	RR   int     `json:"rr"`
	SpO2 int     `json:"spo2"`
	Temp float64 `json:"temp"`
	BP   string  `json:"bp"`
}

// MarshalJSON serialises BP as the "SBP/DBP" string the wire expects.
func (v Vitals) MarshalJSON() ([]byte, error) {
	return json.Marshal(vitalsWire{HR: v.HR, RR: v.RR, SpO2: v.SpO2, Temp: v.Temp, BP: v.BP.String()})
}

// UnmarshalJSON parses the "SBP/DBP" wire string back into the typed BP
// field. A missing or malformed "bp" is tolerated as a zero BP, matching
// this package's general "decode is lenient, Validate is strict" split.
func (v *Vitals) UnmarshalJSON(data []byte) error {
	var w vitalsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.HR, v.RR, v.SpO2, v.Temp = w.HR, w.RR, w.SpO2, w.Temp
	if w.BP != "" {
		if bp, err := ParseBP(w.BP); err == nil {
			v.BP = bp
		}
	}
	return nil
}

// Apply integrates delta's non-nil fields additively into v and clamps the
// result. The Scenario Engine's intent application routes through it; its
// stage drift integration adds to the fields directly and then calls Clamp.
func (v *Vitals) Apply(delta VitalsDelta) {
	if delta.HR != nil {
		v.HR += *delta.HR
	}
	if delta.RR != nil {
		v.RR += *delta.RR
	}
	if delta.SpO2 != nil {
		v.SpO2 += *delta.SpO2
	}
	if delta.Temp != nil {
		v.Temp += *delta.Temp
	}
	if delta.SBP != nil {
		v.BP.Systolic += *delta.SBP
	}
	if delta.DBP != nil {
		v.BP.Diastolic += *delta.DBP
	}
	v.Clamp()
}

// VitalsDelta is an additive adjustment to [Vitals]. Nil fields are left
// unchanged; non-nil fields are added to the corresponding current value.
type VitalsDelta struct {
	HR   *int
	RR   *int
	SpO2 *int
	Temp *float64
	SBP  *int
	DBP  *int
}

// Clamp enforces the data-model invariants: SpO2 in [50,100], SBP floored
// at 40, DBP floored at 20, HR/RR/BP never negative.
func (v *Vitals) Clamp() {
	if v.SpO2 < 50 {
		v.SpO2 = 50
	}
	if v.SpO2 > 100 {
		v.SpO2 = 100
	}
	if v.HR < 0 {
		v.HR = 0
	}
	if v.RR < 0 {
		v.RR = 0
	}
	if v.BP.Systolic < 40 {
		v.BP.Systolic = 40
	}
	if v.BP.Diastolic < 20 {
		v.BP.Diastolic = 20
	}
}

// IntentType enumerates the tool-proposed simulation mutations the Tool
// Gate arbitrates.
type IntentType int

const (
	IntentUnknown IntentType = iota
	IntentUpdateVitals
	IntentAdvanceStage
	IntentRevealFinding
	IntentSetEmotion
)

// String returns the wire name of t.
func (t IntentType) String() string {
	switch t {
	case IntentUpdateVitals:
		return "intent_updateVitals"
	case IntentAdvanceStage:
		return "intent_advanceStage"
	case IntentRevealFinding:
		return "intent_revealFinding"
	case IntentSetEmotion:
		return "intent_setEmotion"
	default:
		return "intent_unknown"
	}
}

// ParseIntentType maps a wire string back to an [IntentType].
func ParseIntentType(s string) IntentType {
	switch s {
	case "intent_updateVitals":
		return IntentUpdateVitals
	case "intent_advanceStage":
		return IntentAdvanceStage
	case "intent_revealFinding":
		return IntentRevealFinding
	case "intent_setEmotion":
		return IntentSetEmotion
	default:
		return IntentUnknown
	}
}

// Intent is a proposed mutation of simulation state, subject to Tool Gate
// approval before the Scenario Engine applies it. Exactly one of the
// payload fields is populated, matching Type.
type Intent struct {
	Type        IntentType
	VitalsDelta VitalsDelta
	StageID     string
	FindingID   string
	Emotion     string
}

// OrderType enumerates the learner-issued clinical actions recognised by
// the Order Parser.
type OrderType string

const (
	OrderVitals      OrderType = "vitals"
	OrderEKG         OrderType = "ekg"
	OrderLabs        OrderType = "labs"
	OrderImaging     OrderType = "imaging"
	OrderCardiacExam OrderType = "cardiac_exam"
	OrderLungExam    OrderType = "lung_exam"
	OrderGeneralExam OrderType = "general_exam"
	OrderIVAccess    OrderType = "iv_access"
)

// OrderStatus is the lifecycle state of an [Order].
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderComplete OrderStatus = "complete"
)

// OrderResult is attached to an [Order] once it completes.
type OrderResult struct {
	Summary  string         `json:"summary"`
	Abnormal bool           `json:"abnormal,omitempty"`
	ImageURL string         `json:"imageUrl,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Order is a learner-issued clinical action with a pending->complete
// lifecycle. At most one pending order of a given Type may exist per
// session at a time (enforced by the order handler, not by this type).
type Order struct {
	ID          string       `json:"id"`
	Type        OrderType    `json:"type"`
	Status      OrderStatus  `json:"status"`
	Result      *OrderResult `json:"result,omitempty"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
	OrderedBy   string       `json:"orderedBy,omitempty"`
}

// ParseConfidence is the parser's confidence in a [ParsedOrder].
type ParseConfidence string

const (
	ConfidenceHigh ParseConfidence = "high"
	ConfidenceLow  ParseConfidence = "low"
)

// ParsedOrder is the transient result of running free text through the
// Order Parser. It either carries a recognised order (NeedsClarification
// false) or a clarification question to relay back to the speaker.
type ParsedOrder struct {
	Type                  OrderType
	Confidence            ParseConfidence
	Params                map[string]any
	NeedsClarification    bool
	ClarificationQuestion string
	RawText               string
}

// EventType enumerates the closed set of append-only event kinds persisted
// to a session's event log.
type EventType string

const (
	EventRealtimeConnected    EventType = "realtime.connected"
	EventIntentReceived       EventType = "tool.intent.received"
	EventIntentApproved       EventType = "tool.intent.approved"
	EventIntentRejected       EventType = "tool.intent.rejected"
	EventIntentApplied        EventType = "tool.intent.applied"
	EventStageChanged         EventType = "scenario.stage.changed"
	EventStateDiff            EventType = "scenario.state.diff"
	EventFindingRevealed      EventType = "scenario.finding.revealed"
	EventOrderCreated         EventType = "order.created"
	EventOrderCompleted       EventType = "order.completed"
	EventBudgetSoft           EventType = "budget.soft"
	EventBudgetHard           EventType = "budget.hard"
	EventFallbackEnabled      EventType = "fallback.enabled"
	EventFallbackDisabled     EventType = "fallback.disabled"
	EventAlarmFired           EventType = "alarm.fired"
	EventAlarmCleared         EventType = "alarm.cleared"
	EventRuleTriggered        EventType = "rule.triggered"
	EventScenarioPhaseChanged EventType = "scenario.phase.changed"
)

// Event is an append-only record in a session's event log. Ts is assigned
// by the Persistence Adapter at write time, not by the caller.
type Event struct {
	Ts      time.Time      `json:"ts"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AlarmKind enumerates the sustained-condition alarms the Telemetry
// component debounces.
type AlarmKind string

const (
	AlarmLowSpO2     AlarmKind = "low_spo2"
	AlarmHypotension AlarmKind = "hypotension"
	AlarmBradycardia AlarmKind = "bradycardia"
)

// AlarmState debounces a single alarm kind for a single session: the
// condition must be sustained for [AlarmSustainThreshold] before the alarm
// fires, and must clear before it can fire again.
type AlarmState struct {
	FirstObservedAt time.Time
	LastFiredAt     time.Time
	Active          bool
}

// AlarmSustainThreshold is how long a condition must persist before an
// alarm fires.
const AlarmSustainThreshold = 4 * time.Second

// Role is a connected client's role within a session.
type Role string

const (
	RolePresenter   Role = "presenter"
	RoleParticipant Role = "participant"
)

// PresenterMode selects which of the legacy presenter-facing UI modes a
// session is running under. The gateway does not implement the modes
// itself (that lives in the external presenter/web UI); it only needs to
// carry the selection through so outbound messages can reference it
// consistently.
type PresenterMode string

const (
	PresenterModeSlides PresenterMode = "slides"
	PresenterModeSim    PresenterMode = "sim"
)

// BudgetSnapshot is the portion of cost-controller state surfaced to
// clients in a sim_state message.
type BudgetSnapshot struct {
	Throttled bool    `json:"throttled"`
	Fallback  bool    `json:"fallback"`
	USDSpent  float64 `json:"usdSpent"`
}
