// Package safety enforces the "do not play doctor" rule on both sides of
// the conversation: inbound patient messages are screened for requests the
// assistant must redirect, and outbound narration is screened and softened
// before it reaches the patient. The gate is pure string matching over
// fixed pattern tables; it performs no I/O.
package safety

import (
	"fmt"
	"strings"
	"unicode"
)

// Flag identifies which pattern set a message triggered.
type Flag string

const (
	FlagDiagnosisRequest    Flag = "diagnosis_request"
	FlagPrescriptionRequest Flag = "prescription_request"
	FlagEmergencySymptoms   Flag = "emergency_symptoms"
)

// CheckResult is the outcome of an inbound message check.
type CheckResult struct {
	Safe     bool
	Flags    []Flag
	Redirect string
}

// Gate applies the safety pattern tables.
type Gate struct {
	critical map[string]struct{}
}

func NewGate() *Gate {
	critical := make(map[string]struct{}, len(CriticalConditions))
	for _, c := range CriticalConditions {
		critical[c] = struct{}{}
	}
	return &Gate{critical: critical}
}

// CheckMessage screens a patient message. Pattern sets are checked in
// priority order (diagnosis, prescription, emergency); the first set that
// matches determines the redirect.
func (g *Gate) CheckMessage(message string) CheckResult {
	lower := strings.ToLower(message)

	if matchesAny(lower, diagnosisPatterns) {
		return CheckResult{Flags: []Flag{FlagDiagnosisRequest}, Redirect: diagnosisRedirect}
	}
	if matchesAny(lower, prescriptionPatterns) {
		return CheckResult{Flags: []Flag{FlagPrescriptionRequest}, Redirect: prescriptionRedirect}
	}
	if matchesAny(lower, emergencyPatterns) {
		return CheckResult{Flags: []Flag{FlagEmergencySymptoms}, Redirect: emergencyRedirect}
	}
	return CheckResult{Safe: true}
}

// CheckResponse screens outbound narration for definitive diagnoses,
// prescription instructions and named medications. Returns false with the
// list of issues found when the text must be sanitized.
func (g *Gate) CheckResponse(response string) (bool, []string) {
	lower := strings.ToLower(response)
	var issues []string

	for _, phrase := range definitiveDiagnosisPhrases {
		if strings.Contains(lower, phrase) {
			issues = append(issues, fmt.Sprintf("definitive diagnosis language: %q", phrase))
		}
	}
	for _, phrase := range prescriptionPhrases {
		if strings.Contains(lower, phrase) {
			issues = append(issues, fmt.Sprintf("prescription language: %q", phrase))
		}
	}
	for _, drug := range namedMedications {
		if strings.Contains(lower, drug) {
			issues = append(issues, fmt.Sprintf("named medication: %q", drug))
		}
	}
	return len(issues) == 0, issues
}

// Sanitize softens definitive phrasing and appends the disclaimer if it is
// not already present. It never removes content, and sanitizing an
// already-sanitized string yields the same string.
func (g *Gate) Sanitize(response string) string {
	sanitized := response
	for _, pair := range sanitizeReplacements {
		sanitized = strings.ReplaceAll(sanitized, pair[0], pair[1])
		sanitized = strings.ReplaceAll(sanitized, capitalize(pair[0]), capitalize(pair[1]))
	}

	if !strings.Contains(strings.ToLower(sanitized), "not a medical diagnosis") {
		sanitized += Disclaimer
	}
	return sanitized
}

// CheckCriticality reports which of the given condition names are on the
// critical escalation list. Names are normalized to lower snake case before
// comparison, matching either direction of containment.
func (g *Gate) CheckCriticality(conditions []string) (bool, []string) {
	var critical []string
	for _, condition := range conditions {
		normalized := strings.ReplaceAll(strings.ToLower(condition), " ", "_")
		for known := range g.critical {
			if strings.Contains(normalized, known) || strings.Contains(known, normalized) {
				critical = append(critical, condition)
				break
			}
		}
	}
	return len(critical) > 0, critical
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
