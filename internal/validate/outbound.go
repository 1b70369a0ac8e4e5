package validate

import (
	"fmt"

	"github.com/MrWong99/simgateway/pkg/types"
)

// OutboundKind is the closed set of message "type" discriminators the
// gateway may send.
type OutboundKind string

const (
	OutJoined            OutboundKind = "joined"
	OutParticipantState  OutboundKind = "participant_state"
	OutPatientState      OutboundKind = "patient_state"
	OutPatientTranscript OutboundKind = "patient_transcript_delta"
	OutPatientAudio      OutboundKind = "patient_audio"
	OutDoctorUtterance   OutboundKind = "doctor_utterance"
	OutScenarioChanged   OutboundKind = "scenario_changed"
	OutAnalysisResult    OutboundKind = "analysis_result"
	OutSimState          OutboundKind = "sim_state"
	OutPong              OutboundKind = "pong"
	OutError             OutboundKind = "error"
)

// PatientStateValue enumerates patient_state.state.
type PatientStateValue string

const (
	PatientIdle      PatientStateValue = "idle"
	PatientListening PatientStateValue = "listening"
	PatientSpeaking  PatientStateValue = "speaking"
	PatientError     PatientStateValue = "error"
)

// Joined is the joined reply to a successful join.
type Joined struct {
	Type      OutboundKind `json:"type"`
	SessionID string       `json:"sessionId"`
	Role      string       `json:"role"`
}

// NewJoined builds a [Joined] message.
func NewJoined(sessionID, role string) Joined {
	return Joined{Type: OutJoined, SessionID: sessionID, Role: role}
}

// ParticipantState is the participant_state broadcast.
type ParticipantState struct {
	Type      OutboundKind `json:"type"`
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Speaking  bool         `json:"speaking"`
	Character string       `json:"character,omitempty"`
}

// PatientState is the patient_state broadcast.
type PatientState struct {
	Type        OutboundKind      `json:"type"`
	SessionID   string            `json:"sessionId"`
	State       PatientStateValue `json:"state"`
	Character   string            `json:"character,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
}

// PatientTranscriptDelta is the patient_transcript_delta broadcast.
type PatientTranscriptDelta struct {
	Type      OutboundKind `json:"type"`
	SessionID string       `json:"sessionId"`
	Text      string       `json:"text"`
	Character string       `json:"character,omitempty"`
}

// PatientAudio is the patient_audio broadcast. It must never be produced
// while the session's hard budget limit is tripped; enforcing that
// belongs to the caller, not to this shape.
type PatientAudio struct {
	Type        OutboundKind `json:"type"`
	SessionID   string       `json:"sessionId"`
	AudioBase64 string       `json:"audioBase64"`
	Character   string       `json:"character,omitempty"`
}

// DoctorUtterance is the doctor_utterance broadcast.
type DoctorUtterance struct {
	Type      OutboundKind `json:"type"`
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Text      string       `json:"text"`
	Character string       `json:"character,omitempty"`
}

// ScenarioChanged is the scenario_changed broadcast.
type ScenarioChanged struct {
	Type       OutboundKind `json:"type"`
	SessionID  string       `json:"sessionId"`
	ScenarioID string       `json:"scenarioId"`
}

// AnalysisResult is the analysis_result reply.
type AnalysisResult struct {
	Type           OutboundKind `json:"type"`
	SessionID      string       `json:"sessionId"`
	Summary        string       `json:"summary"`
	Strengths      []string     `json:"strengths"`
	Opportunities  []string     `json:"opportunities"`
	TeachingPoints []string     `json:"teachingPoints"`
}

// SimState is the sim_state broadcast, the richest outbound shape and the
// one engines collaborate to populate every heartbeat tick.
type SimState struct {
	Type              OutboundKind          `json:"type"`
	SessionID         string                `json:"sessionId"`
	StageID           string                `json:"stageId"`
	StageIDs          []string              `json:"stageIds,omitempty"`
	ScenarioID        string                `json:"scenarioId,omitempty"`
	Vitals            types.Vitals          `json:"vitals"`
	Exam              map[string]any        `json:"exam,omitempty"`
	Telemetry         map[string]any        `json:"telemetry,omitempty"`
	RhythmSummary     string                `json:"rhythmSummary,omitempty"`
	TelemetryWaveform []float64             `json:"telemetryWaveform,omitempty"`
	Findings          []string              `json:"findings,omitempty"`
	Fallback          bool                  `json:"fallback"`
	Budget            *types.BudgetSnapshot `json:"budget,omitempty"`
	Orders            []types.Order         `json:"orders,omitempty"`
	EKGHistory        []string              `json:"ekgHistory,omitempty"`
	TelemetryHistory  []map[string]any      `json:"telemetryHistory,omitempty"`
}

// Validate reports an error when SessionID or StageID is empty. SimState
// has no audio field, so the hard-limit rule (no audio while the budget is
// tripped) is not checked here.
func (s SimState) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("validate: sim_state: sessionId required")
	}
	if s.StageID == "" {
		return fmt.Errorf("validate: sim_state: stageId required")
	}
	return nil
}

// Pong is the pong reply.
type Pong struct {
	Type OutboundKind `json:"type"`
}

// NewPong builds a [Pong] message.
func NewPong() Pong { return Pong{Type: OutPong} }

// Error is the error reply, shared by every error kind.
type Error struct {
	Type    OutboundKind `json:"type"`
	Message string       `json:"message"`
}

// NewError builds an [Error] message.
func NewError(message string) Error {
	return Error{Type: OutError, Message: message}
}
