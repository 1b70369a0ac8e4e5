// Package orders implements the Order Parser & Handler: free-text
// order recognition via an ordered regex matcher table with phonetic
// correction, and the per-session order lifecycle (pending -> complete).
package orders

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/simgateway/pkg/types"
)

// Matcher pairs a compiled regex with the extraction logic for one order
// category. The first matcher whose PreCheck passes and whose Regex
// matches wins.
type Matcher struct {
	// Name labels this matcher for logging.
	Name string

	// Type is the order type this matcher recognises. For a matcher that
	// recognises a bedside treatment rather than a chart order, Type is
	// the closest chart-order kind and Treatment carries the action.
	Type types.OrderType

	// Treatment, when non-empty, names the scripted treatment action this
	// utterance maps onto (vagal, adenosine, fluid_bolus, ...). The
	// dispatcher routes such parses to the treatment handler instead of
	// creating an order record.
	Treatment string

	// Regex is tried against the (phonetically corrected) utterance.
	Regex *regexp.Regexp

	// PreCheck, if set, must return true before Regex is even tried —
	// used for cheap keyword gating ahead of a more expensive regex.
	PreCheck func(text string) bool

	// Extractor pulls named parameters out of Regex's submatches and the
	// full corrected utterance (dose/volume phrases often sit outside the
	// matched keyword itself).
	Extractor func(matches []string, text string) map[string]any

	// NeedsClarification, if it returns a non-empty question, marks the
	// parse result as needing clarification instead of high confidence.
	NeedsClarification func(params map[string]any) string
}

// vocabulary is the set of domain terms phonetic correction is allowed to
// snap a misheard word onto, grouped loosely by order category. One flat
// list (rather than per-matcher lists) keeps the correction pass a single
// lookup.
var vocabulary = []string{
	"epinephrine", "adenosine", "milrinone", "dobutamine", "dopamine", "norepinephrine",
	"ketamine", "propofol", "etomidate", "vagal", "valsalva", "cardioversion",
	"defibrillator", "intubation", "cannula", "oxygen", "fluids", "bolus",
	"labs", "electrocardiogram", "echocardiogram", "chest x-ray", "blood gas",
	"cardiology", "picu", "ecmo", "sedation",
}

// correctPhonetically runs each token of text through Double Metaphone
// plus Jaro-Winkler matching against [vocabulary], replacing a token with
// its best vocabulary match whenever the match is phonetically plausible
// and sufficiently similar. It is intentionally conservative: most tokens
// (articles, numbers, patient-specific words) will not match anything and
// pass through unchanged.
func correctPhonetically(text string) string {
	tokens := strings.Fields(text)
	for i, tok := range tokens {
		corrected, _, matched := matchWord(tok)
		if matched {
			tokens[i] = corrected
		}
	}
	return strings.Join(tokens, " ")
}

func matchWord(word string) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(word)
	if len(wordLower) < 4 {
		return word, 0, false
	}
	wp, ws := matchr.DoubleMetaphone(wordLower)

	var best string
	var bestScore float64
	for _, v := range vocabulary {
		vp, vs := matchr.DoubleMetaphone(v)
		if wp == "" && ws == "" {
			continue
		}
		if wp != vp && wp != vs && ws != vp && (ws == "" || ws != vs) {
			continue
		}
		score := matchr.JaroWinkler(wordLower, v, false)
		if score > bestScore {
			bestScore = score
			best = v
		}
	}
	if best != "" && bestScore >= 0.70 {
		return best, bestScore, true
	}
	return word, 0, false
}

// defaultMatchers returns the built-in ordered matcher table.
func defaultMatchers() []Matcher {
	mlKgRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:ml|milliliters?)\s*(?:/|per)\s*kg`)
	mcgKgMinRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mcg|micrograms?)\s*(?:/|per)\s*kg\s*(?:/|per)\s*min`)
	gaugeRe := regexp.MustCompile(`(\d+)\s*(?:g|gauge)\b`)
	mgKgRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mg|milligrams?)\s*(?:/|per)\s*kg`)
	mgRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mg|milligrams?)\b`)
	jKgRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:j|joules?)\s*(?:/|per)\s*kg`)
	jRe := regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:j|joules?)\b`)
	peepRe := regexp.MustCompile(`peep\s*(?:of\s*)?(\d+(?:\.\d+)?)`)
	fio2Re := regexp.MustCompile(`fio2\s*(?:of\s*)?(\d+(?:\.\d+)?)`)
	agentRe := regexp.MustCompile(`\b(ketamine|propofol|etomidate)\b`)

	number := func(m []string) (float64, bool) {
		if m == nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}

	extractParams := func(text string) map[string]any {
		params := map[string]any{}
		if m := mlKgRe.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				params["mlPerKg"] = v
			}
		}
		if m := mcgKgMinRe.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				params["mcgKgMin"] = v
			}
		}
		if m := gaugeRe.FindStringSubmatch(text); m != nil {
			params["gauge"] = m[1]
		}
		return params
	}

	return []Matcher{
		{
			Name:      "fluids",
			Type:      types.OrderIVAccess,
			Treatment: "fluid_bolus",
			PreCheck:  containsAny("bolus", "fluid", "normal saline", "lactated ringers"),
			Regex:     regexp.MustCompile(`(?i)\b(bolus|fluid|normal saline|lactated ringers)\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := extractParams(text)
				switch {
				case strings.Contains(text, "lactated"):
					params["fluidType"] = "LR"
				case strings.Contains(text, "albumin"):
					params["fluidType"] = "albumin"
				default:
					params["fluidType"] = "NS"
				}
				return params
			},
		},
		{
			Name:      "vagal_maneuver",
			Type:      types.OrderCardiacExam,
			Treatment: "vagal",
			PreCheck:  containsAny("vagal", "valsalva", "carotid massage", "ice", "blowing through a straw"),
			Regex:     regexp.MustCompile(`(?i)\b(vagal|valsalva|carotid massage|blow(?:ing)? through a straw)\b`),
		},
		{
			Name:      "adenosine",
			Type:      types.OrderCardiacExam,
			Treatment: "adenosine",
			PreCheck:  containsAny("adenosine"),
			Regex:     regexp.MustCompile(`(?i)\badenosine\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{"drug": "adenosine"}
				if v, ok := number(mgKgRe.FindStringSubmatch(text)); ok {
					params["doseMgKg"] = v
				}
				if v, ok := number(mgRe.FindStringSubmatch(mgKgRe.ReplaceAllString(text, ""))); ok {
					params["doseMg"] = v
				}
				if strings.Contains(text, "rapid") {
					params["rapidPush"] = true
				}
				if strings.Contains(text, "flush") {
					params["flushGiven"] = true
				}
				return params
			},
		},
		{
			Name:      "cardioversion",
			Type:      types.OrderCardiacExam,
			Treatment: "cardioversion",
			PreCheck:  containsAny("cardiovert", "synchronized shock", "defibrillat"),
			Regex:     regexp.MustCompile(`(?i)\b(cardiovert(?:ion)?|synchroni[sz]ed shock|defibrillat\w*)\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{}
				if v, ok := number(jKgRe.FindStringSubmatch(text)); ok {
					params["joulesPerKg"] = v
				}
				if v, ok := number(jRe.FindStringSubmatch(jKgRe.ReplaceAllString(text, ""))); ok {
					params["joules"] = v
				}
				if strings.Contains(text, "sync") {
					params["synchronised"] = true
				}
				if strings.Contains(text, "sedat") {
					params["sedationGiven"] = true
				}
				return params
			},
		},
		{
			Name:      "intubation",
			Type:      types.OrderCardiacExam,
			Treatment: "airway",
			PreCheck:  containsAny("intubat", "rapid sequence"),
			Regex:     regexp.MustCompile(`(?i)\b(intubat\w*|rapid sequence intubation)\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{"method": "intubation"}
				if m := agentRe.FindStringSubmatch(text); m != nil {
					params["inductionAgent"] = m[1]
				}
				if v, ok := number(peepRe.FindStringSubmatch(text)); ok {
					params["peep"] = v
				}
				if v, ok := number(fio2Re.FindStringSubmatch(text)); ok {
					if v > 1 {
						v /= 100
					}
					params["fio2"] = v
				}
				return params
			},
			NeedsClarification: func(params map[string]any) string {
				if _, ok := params["inductionAgent"]; !ok {
					return "what induction agent would you like to use?"
				}
				return ""
			},
		},
		{
			Name:      "sedation",
			Type:      types.OrderCardiacExam,
			Treatment: "induction",
			PreCheck:  containsAny("sedat", "ketamine", "propofol", "etomidate"),
			Regex:     regexp.MustCompile(`(?i)\b(sedat\w*|ketamine|propofol|etomidate)\b`),
			Extractor: func(matches []string, _ string) map[string]any {
				return map[string]any{"inductionAgent": strings.ToLower(matches[1])}
			},
		},
		{
			Name:      "epi_infusion",
			Type:      types.OrderCardiacExam,
			Treatment: "inotrope_start",
			PreCheck:  containsAny("epi drip", "epinephrine drip", "epi infusion", "epinephrine infusion", "push dose epi"),
			Regex:     regexp.MustCompile(`(?i)\b(epi(?:nephrine)? (?:drip|infusion)|push.?dose epi)\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{"drug": "epi"}
				for k, v := range extractParams(text) {
					params[k] = v
				}
				return params
			},
		},
		{
			Name:      "milrinone",
			Type:      types.OrderCardiacExam,
			Treatment: "inotrope_start",
			PreCheck:  containsAny("milrinone"),
			Regex:     regexp.MustCompile(`(?i)\bmilrinone\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{"drug": "milrinone"}
				for k, v := range extractParams(text) {
					params[k] = v
				}
				return params
			},
		},
		{
			Name:      "hfnc",
			Type:      types.OrderCardiacExam,
			Treatment: "airway",
			PreCheck:  containsAny("high flow", "hfnc", "high-flow"),
			Regex:     regexp.MustCompile(`(?i)\bhigh.?flow\b|\bhfnc\b`),
			Extractor: func(_ []string, text string) map[string]any {
				params := map[string]any{"method": "hfnc"}
				if v, ok := number(fio2Re.FindStringSubmatch(text)); ok {
					if v > 1 {
						v /= 100
					}
					params["fio2"] = v
				}
				return params
			},
		},
		{
			Name:     "oxygen",
			Type:     types.OrderGeneralExam,
			PreCheck: containsAny("oxygen", "nasal cannula", "face mask"),
			Regex:    regexp.MustCompile(`(?i)\b(oxygen|nasal cannula|face mask)\b`),
		},
		{
			Name:      "iv_access",
			Type:      types.OrderIVAccess,
			Treatment: "iv_access",
			PreCheck:  containsAny("iv access", "iv line", "intravenous", "place an iv"),
			Regex:     regexp.MustCompile(`(?i)\b(iv access|iv line|intravenous|place an iv)\b`),
			Extractor: func(_ []string, text string) map[string]any { return extractParams(text) },
		},
		{
			Name:     "labs",
			Type:     types.OrderLabs,
			PreCheck: containsAny("labs", "blood work", "cbc", "chemistry", "troponin", "bnp", "abg", "blood gas"),
			Regex:    regexp.MustCompile(`(?i)\b(labs|blood work|cbc|chemistry|troponin|bnp|abg|blood gas)\b`),
		},
		{
			Name:     "ekg",
			Type:     types.OrderEKG,
			PreCheck: containsAny("ekg", "ecg", "electrocardiogram"),
			Regex:    regexp.MustCompile(`(?i)\b(ekg|ecg|electrocardiogram)\b`),
		},
		{
			Name:     "imaging_echo",
			Type:     types.OrderImaging,
			PreCheck: containsAny("echo", "echocardiogram", "chest x-ray", "cxr"),
			Regex:    regexp.MustCompile(`(?i)\b(echo(?:cardiogram)?|chest x.?ray|cxr)\b`),
		},
		{
			Name:      "consult",
			Type:      types.OrderCardiacExam,
			Treatment: "consult",
			PreCheck:  containsAny("consult", "picu", "cardiology", "ecmo"),
			Regex:     regexp.MustCompile(`(?i)\bconsult\b.*\b(picu|cardiology|ecmo)\b|\b(picu|cardiology|ecmo)\b.*\bconsult\b`),
			Extractor: func(matches []string, _ string) map[string]any {
				for _, m := range matches[1:] {
					if m != "" {
						return map[string]any{"service": strings.ToLower(m)}
					}
				}
				return nil
			},
		},
		{
			Name:      "monitor",
			Type:      types.OrderGeneralExam,
			Treatment: "monitor_on",
			PreCheck:  containsAny("monitor", "telemetry"),
			Regex:     regexp.MustCompile(`(?i)\b(monitor|telemetry)\b`),
		},
		{
			Name:      "defib_pads",
			Type:      types.OrderGeneralExam,
			Treatment: "defib_pads_on",
			PreCheck:  containsAny("defib pads", "pads on", "defibrillator pads"),
			Regex:     regexp.MustCompile(`(?i)\b(defib(?:rillator)? pads|pads on)\b`),
		},
		{
			Name:     "cardiac_exam",
			Type:     types.OrderCardiacExam,
			PreCheck: containsAny("listen to the heart", "auscultate the heart", "cardiac exam", "heart sounds"),
			Regex:    regexp.MustCompile(`(?i)\b(listen to the heart|auscultate the heart|cardiac exam|heart sounds)\b`),
		},
		{
			Name:     "lung_exam",
			Type:     types.OrderLungExam,
			PreCheck: containsAny("listen to the lungs", "auscultate the lungs", "lung exam", "breath sounds"),
			Regex:    regexp.MustCompile(`(?i)\b(listen to the lungs|auscultate the lungs|lung exam|breath sounds)\b`),
		},
		{
			Name:     "general_exam",
			Type:     types.OrderGeneralExam,
			PreCheck: containsAny("general exam", "physical exam", "examine the patient"),
			Regex:    regexp.MustCompile(`(?i)\b(general exam|physical exam|examine the patient)\b`),
		},
		{
			Name:     "vitals",
			Type:     types.OrderVitals,
			PreCheck: containsAny("vitals", "vital signs", "blood pressure", "heart rate", "pulse ox"),
			Regex:    regexp.MustCompile(`(?i)\b(vitals|vital signs|blood pressure|heart rate|pulse ox)\b`),
		},
	}
}

func containsAny(needles ...string) func(string) bool {
	return func(text string) bool {
		for _, n := range needles {
			if strings.Contains(text, n) {
				return true
			}
		}
		return false
	}
}

// Parser recognises clinical orders in free text.
type Parser struct {
	matchers []Matcher
}

// NewParser returns a [Parser] with the built-in matcher table.
func NewParser() *Parser {
	return &Parser{matchers: defaultMatchers()}
}

// Parse lowercases and trims text, applies phonetic correction, then
// tries each matcher in order. The first matcher whose PreCheck passes
// and whose Regex matches wins.
func (p *Parser) Parse(rawText string) types.ParsedOrder {
	trimmed := strings.ToLower(strings.TrimSpace(rawText))
	corrected := correctPhonetically(trimmed)

	for _, m := range p.matchers {
		if m.PreCheck != nil && !m.PreCheck(corrected) {
			continue
		}
		matches := m.Regex.FindStringSubmatch(corrected)
		if matches == nil {
			continue
		}

		var params map[string]any
		if m.Extractor != nil {
			params = m.Extractor(matches, corrected)
		}
		if m.Treatment != "" {
			if params == nil {
				params = map[string]any{}
			}
			params["treatment"] = m.Treatment
		}

		result := types.ParsedOrder{
			Type:       m.Type,
			Confidence: types.ConfidenceHigh,
			Params:     params,
			RawText:    rawText,
		}
		if m.NeedsClarification != nil {
			if q := m.NeedsClarification(params); q != "" {
				result.NeedsClarification = true
				result.ClarificationQuestion = q
				result.Confidence = types.ConfidenceLow
			}
		}
		return result
	}

	return types.ParsedOrder{RawText: rawText}
}

var splitRe = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\balso\b|\bthen\b|\bplus\b)\s*`)

// ParseMultiple splits text on "and|,|also|then|plus" and parses each
// segment independently, returning every result whose Type is not the
// zero value (i.e. every recognised segment).
func (p *Parser) ParseMultiple(text string) []types.ParsedOrder {
	segments := splitRe.Split(text, -1)
	var out []types.ParsedOrder
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parsed := p.Parse(seg)
		if parsed.Type != "" {
			out = append(out, parsed)
		}
	}
	return out
}

// ParseClarificationResponse parses text as a follow-up answer to a
// pending clarification question for pendingType, returning the partial
// params it extracted (to be merged with the pending order's params).
func (p *Parser) ParseClarificationResponse(text string, pendingType types.OrderType) map[string]any {
	corrected := correctPhonetically(strings.ToLower(strings.TrimSpace(text)))
	for _, m := range p.matchers {
		if m.Type != pendingType || m.Extractor == nil {
			continue
		}
		if matches := m.Regex.FindStringSubmatch(corrected); matches != nil {
			return m.Extractor(matches, corrected)
		}
	}
	// No matcher recognised the response; treat the whole answer as a
	// free-text induction-agent style value, the common case for
	// intubation clarification follow-ups.
	return map[string]any{"freeText": strings.TrimSpace(text)}
}
