// Package validate implements the runtime shape checks applied to every
// inbound and outbound transport message and to persisted extended state
//. It replaces a JSON-schema validator with Go sum
// types: each message kind gets its own struct and a type-switch decode
// from the wire envelope's "type" discriminator, so a malformed or
// unrecognised message is rejected before it reaches any handler.
package validate

import (
	"encoding/json"
	"fmt"
)

// InboundKind is the closed set of message "type" discriminators a client
// may send.
type InboundKind string

const (
	InJoin              InboundKind = "join"
	InStartSpeaking     InboundKind = "start_speaking"
	InStopSpeaking      InboundKind = "stop_speaking"
	InVoiceCommand      InboundKind = "voice_command"
	InDoctorAudio       InboundKind = "doctor_audio"
	InSetScenario       InboundKind = "set_scenario"
	InAnalyzeTranscript InboundKind = "analyze_transcript"
	InPing              InboundKind = "ping"
)

// CommandType enumerates the voice_command payload's commandType values.
type CommandType string

const (
	CmdPauseAI         CommandType = "pause_ai"
	CmdResumeAI        CommandType = "resume_ai"
	CmdForceReply      CommandType = "force_reply"
	CmdEndTurn         CommandType = "end_turn"
	CmdMuteUser        CommandType = "mute_user"
	CmdFreeze          CommandType = "freeze"
	CmdUnfreeze        CommandType = "unfreeze"
	CmdSkipStage       CommandType = "skip_stage"
	CmdOrder           CommandType = "order"
	CmdExam            CommandType = "exam"
	CmdToggleTelemetry CommandType = "toggle_telemetry"
	CmdShowEKG         CommandType = "show_ekg"
	CmdTreatment       CommandType = "treatment"
)

func (c CommandType) valid() bool {
	switch c {
	case CmdPauseAI, CmdResumeAI, CmdForceReply, CmdEndTurn, CmdMuteUser, CmdFreeze,
		CmdUnfreeze, CmdSkipStage, CmdOrder, CmdExam, CmdToggleTelemetry, CmdShowEKG, CmdTreatment:
		return true
	default:
		return false
	}
}

// envelope is the common shape every inbound frame carries, used only to
// read the discriminator before dispatching to a concrete type.
type envelope struct {
	Type InboundKind `json:"type"`
}

// Join is the join message.
type Join struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
	AuthToken   string `json:"authToken,omitempty"`
}

func (m Join) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("validate: join: sessionId required")
	}
	if m.UserID == "" {
		return fmt.Errorf("validate: join: userId required")
	}
	if m.Role != "presenter" && m.Role != "participant" {
		return fmt.Errorf("validate: join: role must be presenter or participant, got %q", m.Role)
	}
	return nil
}

// SpeakingEdge covers both start_speaking and stop_speaking, which share a
// shape.
type SpeakingEdge struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Character string `json:"character,omitempty"`
}

func (m SpeakingEdge) Validate() error {
	if m.SessionID == "" || m.UserID == "" {
		return fmt.Errorf("validate: speaking edge: sessionId and userId required")
	}
	return nil
}

// VoiceCommand is the voice_command message.
type VoiceCommand struct {
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	Character   string          `json:"character,omitempty"`
	CommandType CommandType     `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (m VoiceCommand) Validate() error {
	if m.SessionID == "" || m.UserID == "" {
		return fmt.Errorf("validate: voice_command: sessionId and userId required")
	}
	if !m.CommandType.valid() {
		return fmt.Errorf("validate: voice_command: unknown commandType %q", m.CommandType)
	}
	return nil
}

// DoctorAudio is the doctor_audio message.
type DoctorAudio struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	AudioBase64 string `json:"audioBase64"`
	ContentType string `json:"contentType"`
}

func (m DoctorAudio) Validate() error {
	if m.SessionID == "" || m.UserID == "" {
		return fmt.Errorf("validate: doctor_audio: sessionId and userId required")
	}
	if m.AudioBase64 == "" {
		return fmt.Errorf("validate: doctor_audio: audioBase64 required")
	}
	if m.ContentType == "" {
		return fmt.Errorf("validate: doctor_audio: contentType required")
	}
	return nil
}

// SetScenario is the set_scenario message.
type SetScenario struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	ScenarioID string `json:"scenarioId"`
}

func (m SetScenario) Validate() error {
	if m.SessionID == "" || m.ScenarioID == "" {
		return fmt.Errorf("validate: set_scenario: sessionId and scenarioId required")
	}
	return nil
}

// TranscriptTurn is one entry of an AnalyzeTranscript request.
type TranscriptTurn struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AnalyzeTranscript is the analyze_transcript message.
type AnalyzeTranscript struct {
	SessionID string           `json:"sessionId"`
	UserID    string           `json:"userId"`
	Turns     []TranscriptTurn `json:"turns"`
}

func (m AnalyzeTranscript) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("validate: analyze_transcript: sessionId required")
	}
	if len(m.Turns) == 0 {
		return fmt.Errorf("validate: analyze_transcript: turns must be non-empty")
	}
	for i, t := range m.Turns {
		if t.Role == "" || t.Text == "" {
			return fmt.Errorf("validate: analyze_transcript: turns[%d] missing role or text", i)
		}
	}
	return nil
}

// Ping is the ping message. SessionID is optional.
type Ping struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (Ping) Validate() error { return nil }

// Inbound is the decoded, type-checked result of [DecodeInbound]: exactly
// one of the typed fields is non-nil, matching Kind.
type Inbound struct {
	Kind              InboundKind
	Join              *Join
	StartSpeaking     *SpeakingEdge
	StopSpeaking      *SpeakingEdge
	VoiceCommand      *VoiceCommand
	DoctorAudio       *DoctorAudio
	SetScenario       *SetScenario
	AnalyzeTranscript *AnalyzeTranscript
	Ping              *Ping
}

// DecodeInbound parses and validates a raw inbound frame. A frame that
// fails to parse, carries an unrecognised type, or fails its shape's
// Validate is rejected with a validation error — callers should treat
// any non-nil error as cause to respond `error` to the originating client
// and drop the message.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("validate: decode envelope: %w", err)
	}

	switch env.Type {
	case InJoin:
		var m Join
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InJoin, Join: &m}, nil

	case InStartSpeaking, InStopSpeaking:
		var m SpeakingEdge
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		if env.Type == InStartSpeaking {
			return Inbound{Kind: InStartSpeaking, StartSpeaking: &m}, nil
		}
		return Inbound{Kind: InStopSpeaking, StopSpeaking: &m}, nil

	case InVoiceCommand:
		var m VoiceCommand
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InVoiceCommand, VoiceCommand: &m}, nil

	case InDoctorAudio:
		var m DoctorAudio
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InDoctorAudio, DoctorAudio: &m}, nil

	case InSetScenario:
		var m SetScenario
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InSetScenario, SetScenario: &m}, nil

	case InAnalyzeTranscript:
		var m AnalyzeTranscript
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		if err := m.Validate(); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InAnalyzeTranscript, AnalyzeTranscript: &m}, nil

	case InPing:
		var m Ping
		if err := strictUnmarshal(raw, &m); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InPing, Ping: &m}, nil

	default:
		return Inbound{}, fmt.Errorf("validate: unrecognised inbound type %q", env.Type)
	}
}

// strictUnmarshal decodes raw into v tolerating unknown fields without
// propagating them — a plain
// json.Unmarshal already drops fields v's struct doesn't declare, so no
// KnownFields-style decoder is needed here the way the config loader uses
// one for YAML.
func strictUnmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("validate: decode %T: %w", v, err)
	}
	return nil
}
