package validate_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/simgateway/internal/validate"
)

func TestDecodeInboundJoin(t *testing.T) {
	raw := []byte(`{"type":"join","sessionId":"s1","userId":"u1","role":"presenter"}`)
	in, err := validate.DecodeInbound(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != validate.InJoin || in.Join == nil {
		t.Fatalf("got %+v, want InJoin", in)
	}
	if in.Join.SessionID != "s1" || in.Join.Role != "presenter" {
		t.Errorf("join = %+v", in.Join)
	}
}

func TestDecodeInboundJoinRejectsBadRole(t *testing.T) {
	raw := []byte(`{"type":"join","sessionId":"s1","userId":"u1","role":"spectator"}`)
	_, err := validate.DecodeInbound(raw)
	if err == nil {
		t.Fatal("expected validation error for bad role")
	}
}

func TestDecodeInboundUnknownFieldsTolerated(t *testing.T) {
	raw := []byte(`{"type":"join","sessionId":"s1","userId":"u1","role":"participant","bogus":"field"}`)
	in, err := validate.DecodeInbound(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Join.SessionID != "s1" {
		t.Errorf("unexpected field should not break decode: %+v", in.Join)
	}
}

func TestDecodeInboundUnrecognisedType(t *testing.T) {
	raw := []byte(`{"type":"teleport","sessionId":"s1"}`)
	_, err := validate.DecodeInbound(raw)
	if err == nil {
		t.Fatal("expected error for unrecognised type")
	}
}

func TestDecodeInboundVoiceCommandRejectsUnknownCommandType(t *testing.T) {
	raw := []byte(`{"type":"voice_command","sessionId":"s1","userId":"u1","commandType":"nuke"}`)
	_, err := validate.DecodeInbound(raw)
	if err == nil {
		t.Fatal("expected error for unknown commandType")
	}
}

func TestDecodeInboundVoiceCommandWithPayload(t *testing.T) {
	raw := []byte(`{"type":"voice_command","sessionId":"s1","userId":"u1","commandType":"order","payload":{"orderType":"ekg"}}`)
	in, err := validate.DecodeInbound(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var payload struct {
		OrderType string `json:"orderType"`
	}
	if err := json.Unmarshal(in.VoiceCommand.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload.OrderType != "ekg" {
		t.Errorf("payload.OrderType = %q, want ekg", payload.OrderType)
	}
}

func TestDecodeInboundAnalyzeTranscriptRequiresTurns(t *testing.T) {
	raw := []byte(`{"type":"analyze_transcript","sessionId":"s1","turns":[]}`)
	_, err := validate.DecodeInbound(raw)
	if err == nil {
		t.Fatal("expected error for empty turns")
	}
}

func TestDecodeInboundPingSessionIDOptional(t *testing.T) {
	in, err := validate.DecodeInbound([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != validate.InPing {
		t.Fatalf("got kind %v, want InPing", in.Kind)
	}
}

func TestDecodeInboundMalformedJSON(t *testing.T) {
	_, err := validate.DecodeInbound([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestSimStateValidateRequiresStageID(t *testing.T) {
	s := validate.SimState{SessionID: "s1"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing stageId")
	}
}

func TestNewErrorRoundTrips(t *testing.T) {
	e := validate.NewError("boom")
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "error" || decoded.Message != "boom" {
		t.Errorf("decoded = %+v", decoded)
	}
}
