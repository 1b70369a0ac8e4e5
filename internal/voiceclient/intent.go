package voiceclient

import (
	"encoding/json"

	"github.com/MrWong99/simgateway/pkg/types"
)

// ToolNames are the function names advertised to the upstream provider,
// one per [types.IntentType]. The Tool Gate and Scenario Engine only ever
// see the decoded [types.Intent]; these strings exist solely at the
// wire boundary with the realtime provider.
const (
	toolUpdateVitals  = "update_vitals"
	toolAdvanceStage  = "advance_stage"
	toolRevealFinding = "reveal_finding"
	toolSetEmotion    = "set_emotion"
)

// DefaultToolSpecs returns the tool set offered to the upstream provider,
// one entry per intent type the Tool Gate knows how to arbitrate.
func DefaultToolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        toolUpdateVitals,
			Description: "Adjust the patient's numeric vitals by a bounded delta.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hr":   map[string]any{"type": "number"},
					"rr":   map[string]any{"type": "number"},
					"spo2": map[string]any{"type": "number"},
					"temp": map[string]any{"type": "number"},
					"sbp":  map[string]any{"type": "number"},
					"dbp":  map[string]any{"type": "number"},
				},
			},
		},
		{
			Name:        toolAdvanceStage,
			Description: "Advance the scenario to a named stage.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"stageId": map[string]any{"type": "string"}},
				"required":   []string{"stageId"},
			},
		},
		{
			Name:        toolRevealFinding,
			Description: "Reveal a clinical finding to the learners.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"findingId": map[string]any{"type": "string"}},
				"required":   []string{"findingId"},
			},
		},
		{
			Name:        toolSetEmotion,
			Description: "Set the patient character's displayed emotional affect.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"emotion": map[string]any{"type": "string"}},
				"required":   []string{"emotion"},
			},
		},
	}
}

type vitalsArgs struct {
	HR   *int     `json:"hr"`
	RR   *int     `json:"rr"`
	SpO2 *int     `json:"spo2"`
	Temp *float64 `json:"temp"`
	SBP  *int     `json:"sbp"`
	DBP  *int     `json:"dbp"`
}

type stageArgs struct {
	StageID string `json:"stageId"`
}

type findingArgs struct {
	FindingID string `json:"findingId"`
}

type emotionArgs struct {
	Emotion string `json:"emotion"`
}

// DecodeToolIntent maps a raw function-call name and JSON argument string
// from the upstream provider to a [types.Intent]. ok is false when name is
// not a recognised tool or arguments fail to decode.
func DecodeToolIntent(name, arguments string) (types.Intent, bool) {
	switch name {
	case toolUpdateVitals:
		var a vitalsArgs
		if err := json.Unmarshal([]byte(arguments), &a); err != nil {
			return types.Intent{}, false
		}
		return types.Intent{
			Type: types.IntentUpdateVitals,
			VitalsDelta: types.VitalsDelta{
				HR: a.HR, RR: a.RR, SpO2: a.SpO2, Temp: a.Temp, SBP: a.SBP, DBP: a.DBP,
			},
		}, true

	case toolAdvanceStage:
		var a stageArgs
		if err := json.Unmarshal([]byte(arguments), &a); err != nil || a.StageID == "" {
			return types.Intent{}, false
		}
		return types.Intent{Type: types.IntentAdvanceStage, StageID: a.StageID}, true

	case toolRevealFinding:
		var a findingArgs
		if err := json.Unmarshal([]byte(arguments), &a); err != nil || a.FindingID == "" {
			return types.Intent{}, false
		}
		return types.Intent{Type: types.IntentRevealFinding, FindingID: a.FindingID}, true

	case toolSetEmotion:
		var a emotionArgs
		if err := json.Unmarshal([]byte(arguments), &a); err != nil || a.Emotion == "" {
			return types.Intent{}, false
		}
		return types.Intent{Type: types.IntentSetEmotion, Emotion: a.Emotion}, true

	default:
		return types.Intent{}, false
	}
}
