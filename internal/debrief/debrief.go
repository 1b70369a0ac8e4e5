// Package debrief implements the gateway's thin half of the
// analyze_transcript/analysis_result exchange: a keyword heuristic
// over the doctor's turns, not the scoring/debrief analyzer itself — that
// consumes the persisted event timeline as a separate, external
// collaborator. This package exists only so the wire contract has
// something real behind it when no external analyzer is wired up.
package debrief

import (
	"strings"

	"github.com/MrWong99/simgateway/internal/validate"
)

// checkpoint is one keyword heuristic the analyzer looks for across a
// transcript's doctor turns.
type checkpoint struct {
	keywords          []string
	strength          string
	missedOpportunity string
	teachingPoint     string
}

var checkpoints = []checkpoint{
	{
		keywords:       []string{"family history", "runs in the family"},
		strength:       "Asked about family history.",
		missedOpportunity: "Consider asking about family history of cardiac disease or sudden death.",
		teachingPoint:  "A family history of syncope or sudden cardiac death should raise concern for an inherited arrhythmia syndrome.",
	},
	{
		keywords:       []string{"exertion", "exercise", "activity level"},
		strength:       "Asked about exertional symptoms.",
		missedOpportunity: "Consider asking whether symptoms occur with exertion.",
		teachingPoint:  "Exertional syncope is a red flag that warrants cardiology evaluation before clearance for activity.",
	},
	{
		keywords:       []string{"allerg"},
		strength:       "Screened for allergies before ordering treatment.",
		missedOpportunity: "Consider confirming allergies before administering medications.",
		teachingPoint:  "Medication allergies should be confirmed before any pharmacologic intervention.",
	},
	{
		keywords:       []string{"ekg", "electrocardiogram", "twelve lead", "12 lead"},
		strength:       "Ordered an EKG.",
		missedOpportunity: "Consider obtaining an EKG early in the evaluation of palpitations or syncope.",
		teachingPoint:  "A 12-lead EKG is a low-risk, high-yield study in any patient presenting with palpitations or syncope.",
	},
}

// Analyze runs the keyword heuristic over turns' doctor-role text,
// returning the analysis_result shape's summary/strengths/opportunities/
// teachingPoints fields.
func Analyze(sessionID string, turns []validate.TranscriptTurn) validate.AnalysisResult {
	var doctorText strings.Builder
	for _, t := range turns {
		if strings.EqualFold(t.Role, "doctor") || strings.EqualFold(t.Role, "presenter") || strings.EqualFold(t.Role, "participant") {
			doctorText.WriteString(strings.ToLower(t.Text))
			doctorText.WriteString(" ")
		}
	}
	lower := doctorText.String()

	var strengths, opportunities, teachingPoints []string
	for _, c := range checkpoints {
		if containsAny(lower, c.keywords...) {
			strengths = append(strengths, c.strength)
		} else {
			opportunities = append(opportunities, c.missedOpportunity)
			teachingPoints = append(teachingPoints, c.teachingPoint)
		}
	}

	summary := summarize(len(turns), len(strengths), len(opportunities))

	return validate.AnalysisResult{
		Type:           validate.OutAnalysisResult,
		SessionID:      sessionID,
		Summary:        summary,
		Strengths:      strengths,
		Opportunities:  opportunities,
		TeachingPoints: teachingPoints,
	}
}

func summarize(turnCount, strengthCount, opportunityCount int) string {
	if turnCount == 0 {
		return "No transcript turns were provided to analyze."
	}
	switch {
	case opportunityCount == 0:
		return "Strong encounter: every tracked history and workup checkpoint was covered."
	case strengthCount == 0:
		return "The encounter missed every tracked history and workup checkpoint; review the opportunities below."
	default:
		return "Mixed encounter: some history and workup checkpoints were covered, others were missed."
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
