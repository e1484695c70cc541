// Package capability exposes the consultation capabilities (safety check,
// symptom extraction, image analysis, case retrieval) behind one uniform
// invocation contract: operation name plus keyword arguments in, a closed
// result envelope out. The reasoning engine selects operations by name; the
// orchestration controller executes them through the Registry.
package capability

import (
	"encoding/base64"
	"strings"

	"derm-kiosk/internal/retrieval"
)

// Operation names. These are the stable identifiers offered to the
// reasoning engine; renaming one is a wire-protocol change.
const (
	OpCheckMessageSafety   = "check_message_safety"
	OpExtractSymptoms      = "extract_symptoms"
	OpAnalyzeImage         = "analyze_image"
	OpFindSimilarCases     = "find_similar_cases"
	OpFinalizeConsultation = "finalize_consultation"
)

// Args carries the keyword arguments of one invocation. Values may come
// from the reasoning engine (JSON-decoded, so numbers are float64) or from
// the controller (native Go values); the accessor methods absorb both.
type Args map[string]any

// String returns the string value for key, or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the integer value for key, or def when absent or not numeric.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bytes returns raw image bytes for key. It accepts native []byte as well
// as a base64 string (with or without a data-URL prefix).
func (a Args) Bytes(key string) []byte {
	switch v := a[key].(type) {
	case []byte:
		return v
	case string:
		raw := v
		if strings.HasPrefix(raw, "data:image") {
			if i := strings.IndexByte(raw, ','); i >= 0 {
				raw = raw[i+1:]
			}
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil
		}
		return decoded
	}
	return nil
}

// StringSlice returns the string-slice value for key, absorbing the
// []any form produced by JSON decoding.
func (a Args) StringSlice(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Result is the uniform envelope returned by every capability invocation.
// Exactly one payload pointer is set on success, matching the operation;
// anything without Success=true is a failure, never a partial success.
type Result struct {
	Success   bool   `json:"success"`
	Operation string `json:"operation,omitempty"`
	Error     string `json:"error,omitempty"`

	Safety    *SafetyOutcome    `json:"safety,omitempty"`
	Symptoms  *SymptomOutcome   `json:"symptoms,omitempty"`
	Analysis  *AnalysisOutcome  `json:"analysis,omitempty"`
	Retrieval *RetrievalOutcome `json:"retrieval,omitempty"`
	Plan      *PlanOutcome      `json:"plan,omitempty"`
}

// Failure builds a failed envelope for the given operation.
func Failure(operation string, err error) Result {
	return Result{Operation: operation, Error: err.Error()}
}

// SafetyOutcome is the payload of check_message_safety.
type SafetyOutcome struct {
	IsSafe            bool     `json:"is_safe"`
	Flags             []string `json:"flags,omitempty"`
	Redirect          string   `json:"redirect_response,omitempty"`
	DetectedEmergency bool     `json:"detected_emergency"`
}

// Symptom is one extracted symptom.
type Symptom struct {
	Name     string `json:"name"`
	Duration string `json:"duration,omitempty"`
	Severity string `json:"severity,omitempty"`
	Location string `json:"location,omitempty"`
}

// SymptomOutcome is the payload of extract_symptoms.
type SymptomOutcome struct {
	Symptoms []Symptom `json:"symptoms"`
	Count    int       `json:"extracted_count"`
}

// ConditionPrediction is one ranked condition suggestion. Predictions are
// possibilities, never diagnoses.
type ConditionPrediction struct {
	Condition    string  `json:"condition"`
	ICDCode      string  `json:"icd_code"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	IsCritical   bool    `json:"is_critical"`
	UrgencyLevel string  `json:"urgency_level"`
}

// AnalysisOutcome is the payload of analyze_image.
type AnalysisOutcome struct {
	VisualDescription       string                `json:"visual_description"`
	Predictions             []ConditionPrediction `json:"predictions"`
	CriticalFindings        []string              `json:"critical_findings,omitempty"`
	RequiresUrgentAttention bool                  `json:"requires_urgent_attention"`
	ConfidenceLevel         string                `json:"confidence_level"`
}

// RetrievalOutcome is the payload of find_similar_cases.
type RetrievalOutcome struct {
	Cases        []retrieval.FusedCase `json:"similar_cases"`
	TotalFound   int                   `json:"total_found"`
	SearchMethod string                `json:"search_method"`
}

// PlanOutcome is the payload of finalize_consultation.
type PlanOutcome struct {
	Guidance     string   `json:"patient_guidance"`
	NextSteps    []string `json:"patient_next_steps"`
	SelfCare     []string `json:"self_care_instructions,omitempty"`
	UrgencyLevel string   `json:"urgency_level"`
	FollowUpDays int      `json:"follow_up_days,omitempty"`
}

// Property describes one declared parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Declaration describes an operation to the reasoning engine.
type Declaration struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties"`
	Required    []string            `json:"required"`
}
