package agent

import (
	"math"
	"sort"
	"strings"

	"derm-kiosk/internal/capability"
)

// conditionTable maps narrative keywords to condition names and ICD-10
// codes. Versioned data: edit the rows, not the parsing code. Order
// matters: earlier rows win ties when ranking.
var conditionTable = []struct {
	keyword  string
	name     string
	icd      string
	critical bool
}{
	{"melanoma", "Melanoma", "C43.9", true},
	{"basal cell carcinoma", "Basal cell carcinoma", "C44.91", true},
	{"squamous cell carcinoma", "Squamous cell carcinoma", "C44.92", true},
	{"cellulitis", "Cellulitis", "L03.90", true},
	{"atopic dermatitis", "Atopic dermatitis", "L20.9", false},
	{"contact dermatitis", "Contact dermatitis", "L25.9", false},
	{"seborrheic dermatitis", "Seborrheic dermatitis", "L21.9", false},
	{"eczema", "Eczema", "L30.9", false},
	{"psoriasis", "Psoriasis", "L40.0", false},
	{"ringworm", "Ringworm", "B35.4", false},
	{"tinea", "Tinea", "B35.9", false},
	{"fungal", "Fungal skin infection", "B35.9", false},
	{"acne", "Acne", "L70.0", false},
	{"rosacea", "Rosacea", "L71.9", false},
	{"urticaria", "Urticaria", "L50.9", false},
	{"hives", "Urticaria", "L50.9", false},
	{"impetigo", "Impetigo", "L01.00", false},
	{"herpes zoster", "Herpes zoster", "B02.9", false},
	{"shingles", "Herpes zoster", "B02.9", false},
	{"herpes", "Herpes simplex", "B00.9", false},
	{"scabies", "Scabies", "B86", false},
	{"vitiligo", "Vitiligo", "L80", false},
	{"actinic keratosis", "Actinic keratosis", "L57.0", false},
	{"wart", "Viral wart", "B07.9", false},
}

const (
	fallbackCondition  = "Unspecified skin condition"
	fallbackICD        = "L98.9"
	fallbackConfidence = 0.3
)

type narrativeSection int

const (
	sectionNone narrativeSection = iota
	sectionDescription
	sectionFeatures
	sectionConditions
	sectionUrgency
)

// ParseAnalysis turns a free-text vision model narrative into a
// structured analysis. Vision models rarely honor a JSON contract, so
// the parser works off section headings and a keyword table instead.
func ParseAnalysis(narrative string) *capability.AnalysisOutcome {
	outcome := &capability.AnalysisOutcome{}
	lowerAll := strings.ToLower(narrative)

	section := sectionNone
	var descLines, featureLines, urgencyLines []string

	for _, line := range strings.Split(narrative, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)

		switch {
		case strings.Contains(lower, "visual description") || strings.HasPrefix(lower, "description:"):
			section = sectionDescription
			if rest := headingRest(trimmed); rest != "" {
				descLines = append(descLines, rest)
			}
			continue
		case strings.Contains(lower, "key features") || strings.Contains(lower, "characteristics"):
			section = sectionFeatures
			continue
		case strings.Contains(lower, "possible conditions") || strings.HasPrefix(lower, "conditions:"):
			section = sectionConditions
			continue
		case strings.Contains(lower, "urgency") || strings.Contains(lower, "abcde"):
			section = sectionUrgency
			urgencyLines = append(urgencyLines, lower)
			continue
		}

		switch section {
		case sectionDescription:
			descLines = append(descLines, trimmed)
		case sectionFeatures:
			featureLines = append(featureLines, strings.TrimLeft(trimmed, "-*• \t"))
		case sectionUrgency:
			urgencyLines = append(urgencyLines, lower)
		}
	}

	outcome.VisualDescription = strings.Join(descLines, " ")
	if outcome.VisualDescription == "" {
		outcome.VisualDescription = firstLine(narrative)
	}

	// Conditions are ranked by where they first appear in the narrative:
	// vision models lead with their strongest impression.
	type match struct {
		row      int
		position int
		mentions int
	}
	var matches []match
	seen := make(map[string]bool)
	for i, row := range conditionTable {
		pos := strings.Index(lowerAll, row.keyword)
		if pos < 0 || seen[row.name] {
			continue
		}
		seen[row.name] = true
		matches = append(matches, match{row: i, position: pos, mentions: strings.Count(lowerAll, row.keyword)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].position < matches[j].position })

	for rank, m := range matches {
		row := conditionTable[m.row]
		confidence := 0.8 - 0.15*float64(rank) + 0.05*float64(m.mentions)
		confidence = math.Round(math.Min(confidence, 0.95)*100) / 100
		if confidence < 0.05 {
			confidence = 0.05
		}

		urgency := "routine"
		if row.critical {
			urgency = "urgent"
			if strings.Contains(row.keyword, "melanoma") || strings.Contains(row.keyword, "carcinoma") {
				urgency = "emergency"
			}
			outcome.CriticalFindings = append(outcome.CriticalFindings, row.name)
			outcome.RequiresUrgentAttention = true
		}

		outcome.Predictions = append(outcome.Predictions, capability.ConditionPrediction{
			Condition:    row.name,
			ICDCode:      row.icd,
			Confidence:   confidence,
			Reasoning:    reasoningFor(row.name, featureLines),
			IsCritical:   row.critical,
			UrgencyLevel: urgency,
		})
	}

	if len(outcome.Predictions) == 0 {
		outcome.Predictions = []capability.ConditionPrediction{{
			Condition:    fallbackCondition,
			ICDCode:      fallbackICD,
			Confidence:   fallbackConfidence,
			Reasoning:    "The visual findings did not match a known condition pattern.",
			UrgencyLevel: "routine",
		}}
	}

	for _, line := range urgencyLines {
		if strings.Contains(line, "urgent") || strings.Contains(line, "immediate") || strings.Contains(line, "emergency") {
			outcome.RequiresUrgentAttention = true
			break
		}
	}

	outcome.ConfidenceLevel = confidenceLevel(outcome.Predictions)
	return outcome
}

func confidenceLevel(predictions []capability.ConditionPrediction) string {
	top := 0.0
	for _, p := range predictions {
		if p.Confidence > top {
			top = p.Confidence
		}
	}
	switch {
	case top >= 0.7:
		return "high"
	case top >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

func reasoningFor(condition string, features []string) string {
	if len(features) == 0 {
		return "Mentioned in the visual analysis of the image."
	}
	return "Consistent with observed features: " + strings.Join(features, "; ")
}

// headingRest returns the text after a "Heading:" prefix, if any.
func headingRest(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
