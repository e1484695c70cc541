package consultation

import "strings"

// minSymptomsForObjective is how many symptom reports must be on
// record before the interview moves past the subjective stage. Repeat
// reports count: insisting on a symptom is still progress.
const minSymptomsForObjective = 2

// consentKeywords per supported language. Consent is accepted in any
// supported language regardless of the session language, since kiosk
// users frequently answer in a different language than they selected.
var consentKeywords = map[string][]string{
	"en": {"yes", "agree", "ok", "okay", "sure", "proceed", "continue"},
	"hi": {"हां", "सहमत", "ठीक", "आगे"},
	"ta": {"ஆம்", "சம்மதிக்கிறேன்", "சரி"},
	"te": {"అవును", "అంగీకరిస్తున్నాను", "సరే"},
	"bn": {"হ্যাঁ", "সম্মত", "ঠিক"},
}

// DetectConsent reports whether a message contains a consent keyword in
// any supported language. Matching is case-insensitive.
func DetectConsent(message string) bool {
	lower := strings.ToLower(message)
	for _, words := range consentKeywords {
		for _, w := range words {
			if strings.Contains(lower, strings.ToLower(w)) {
				return true
			}
		}
	}
	return false
}

// NextStage returns the stage the session is eligible to advance to,
// or the current stage when no transition condition holds. It is pure:
// the session is not modified. Plan, summary and completed are only
// left via explicit finalization, never here.
func NextStage(s *Session) Stage {
	switch s.Stage {
	case StageGreeting:
		if s.ConsentGiven {
			return StageSubjective
		}
	case StageSubjective:
		if len(s.Symptoms) >= minSymptomsForObjective {
			return StageObjective
		}
	case StageObjective:
		if s.ImageCaptured && s.Analysis != nil {
			return StageAssessment
		}
	case StageAssessment:
		return StagePlan
	}
	return s.Stage
}

// AdvanceStage applies at most one forward transition per check, even
// when the session already satisfies several conditions. The patient
// sees every stage of the interview in order.
func AdvanceStage(s *Session) bool {
	next := NextStage(s)
	if next == s.Stage {
		return false
	}
	s.Stage = next
	return true
}
