package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"derm-kiosk/internal/capability"
)

const sampleNarrative = `Visual Description: A well-demarcated erythematous plaque with silvery scale.

Key Features:
- silvery white scale
- sharply demarcated borders
- erythematous base

Possible Conditions:
The appearance is most consistent with psoriasis. Psoriasis plaques commonly show this scale pattern. Chronic eczema is a less likely alternative.

Urgency: routine follow-up is sufficient.`

func TestParseAnalysisSectionsAndRanking(t *testing.T) {
	outcome := ParseAnalysis(sampleNarrative)

	assert.Contains(t, outcome.VisualDescription, "erythematous plaque")
	require.Len(t, outcome.Predictions, 2)

	// Psoriasis mentioned twice, ranked first: 0.8 - 0 + 0.05*2 = 0.90
	assert.Equal(t, "Psoriasis", outcome.Predictions[0].Condition)
	assert.Equal(t, "L40.0", outcome.Predictions[0].ICDCode)
	assert.InDelta(t, 0.90, outcome.Predictions[0].Confidence, 1e-9)

	// Eczema mentioned once, ranked second: 0.8 - 0.15 + 0.05 = 0.70
	assert.Equal(t, "Eczema", outcome.Predictions[1].Condition)
	assert.InDelta(t, 0.70, outcome.Predictions[1].Confidence, 1e-9)

	assert.False(t, outcome.RequiresUrgentAttention)
	assert.Equal(t, "high", outcome.ConfidenceLevel)
	assert.Contains(t, outcome.Predictions[0].Reasoning, "silvery white scale")
}

func TestParseAnalysisConfidenceCap(t *testing.T) {
	narrative := "melanoma melanoma melanoma melanoma melanoma melanoma"
	outcome := ParseAnalysis(narrative)

	require.NotEmpty(t, outcome.Predictions)
	// 0.8 + 0.05*6 would exceed the cap.
	assert.InDelta(t, 0.95, outcome.Predictions[0].Confidence, 1e-9)
}

func TestParseAnalysisCriticalConditions(t *testing.T) {
	narrative := `Description: An asymmetric pigmented lesion with irregular borders.
Possible Conditions: The irregular border and color variation raise concern for melanoma. Cellulitis of the surrounding skin is also possible.`

	outcome := ParseAnalysis(narrative)

	require.GreaterOrEqual(t, len(outcome.Predictions), 2)
	assert.Equal(t, "Melanoma", outcome.Predictions[0].Condition)
	assert.True(t, outcome.Predictions[0].IsCritical)
	assert.Equal(t, "emergency", outcome.Predictions[0].UrgencyLevel)

	cellulitis, found := findPrediction(outcome.Predictions, "Cellulitis")
	require.True(t, found)
	assert.True(t, cellulitis.IsCritical)
	assert.Equal(t, "urgent", cellulitis.UrgencyLevel)

	assert.True(t, outcome.RequiresUrgentAttention)
	assert.ElementsMatch(t, []string{"Melanoma", "Cellulitis"}, outcome.CriticalFindings)
}

func TestParseAnalysisUrgencySection(t *testing.T) {
	narrative := `Description: A spreading red area that is warm to the touch.
Possible Conditions: Likely a contact dermatitis reaction.
Urgency: immediate evaluation is recommended because of the rapid spread.`

	outcome := ParseAnalysis(narrative)
	assert.True(t, outcome.RequiresUrgentAttention)
}

func TestParseAnalysisFallbackPrediction(t *testing.T) {
	outcome := ParseAnalysis("The image shows skin with no clearly identifiable pattern.")

	require.Len(t, outcome.Predictions, 1)
	assert.Equal(t, "Unspecified skin condition", outcome.Predictions[0].Condition)
	assert.Equal(t, "L98.9", outcome.Predictions[0].ICDCode)
	assert.InDelta(t, 0.3, outcome.Predictions[0].Confidence, 1e-9)
	assert.Equal(t, "low", outcome.ConfidenceLevel)
	assert.False(t, outcome.RequiresUrgentAttention)
}

func TestParseAnalysisNoDescriptionHeading(t *testing.T) {
	narrative := "A scaly patch suggestive of tinea infection."
	outcome := ParseAnalysis(narrative)

	assert.Equal(t, narrative, outcome.VisualDescription)
	require.NotEmpty(t, outcome.Predictions)
	assert.Equal(t, "Tinea", outcome.Predictions[0].Condition)
}

func TestParseAnalysisDeduplicatesAliases(t *testing.T) {
	// "hives" and "urticaria" share a condition name; only one
	// prediction should come out.
	outcome := ParseAnalysis("Raised wheals typical of urticaria, commonly called hives.")

	var count int
	for _, p := range outcome.Predictions {
		if p.Condition == "Urticaria" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func findPrediction(predictions []capability.ConditionPrediction, name string) (capability.ConditionPrediction, bool) {
	for _, p := range predictions {
		if p.Condition == name {
			return p, true
		}
	}
	return capability.ConditionPrediction{}, false
}
