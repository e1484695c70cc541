package consultation

import (
	"time"

	"github.com/google/uuid"

	"derm-kiosk/internal/capability"
	"derm-kiosk/internal/retrieval"
)

// Stage is the SOAP-style consultation stage. Stages only move forward.
type Stage string

const (
	StageGreeting   Stage = "greeting"
	StageSubjective Stage = "subjective"
	StageObjective  Stage = "objective"
	StageAssessment Stage = "assessment"
	StagePlan       Stage = "plan"
	StageSummary    Stage = "summary"
	StageCompleted  Stage = "completed"
)

type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents the aggregate root of one consultation.
type Session struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PatientID string    `json:"patient_id" db:"patient_id"`
	Language  string    `json:"language" db:"language"`

	Stage        Stage `json:"stage" db:"stage"`
	ConsentGiven bool  `json:"consent_given" db:"consent_given"`

	// Clinical findings accumulated across turns
	Symptoms      []string                    `json:"symptoms" db:"symptoms"`
	BodyLocation  string                      `json:"body_location,omitempty" db:"body_location"`
	ImageCaptured bool                        `json:"image_captured" db:"image_captured"`
	Analysis      *capability.AnalysisOutcome `json:"analysis,omitempty" db:"analysis"`
	SimilarCases  []retrieval.FusedCase       `json:"similar_cases,omitempty" db:"similar_cases"`
	Plan          *capability.PlanOutcome     `json:"plan,omitempty" db:"plan"`

	// Episodic memory, capped at the most recent turns
	History []Message `json:"history" db:"history"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewSession starts a fresh consultation in the greeting stage.
func NewSession(patientID, language string) *Session {
	if language == "" {
		language = "en"
	}
	now := time.Now()
	return &Session{
		ID:        uuid.New(),
		PatientID: patientID,
		Language:  language,
		Stage:     StageGreeting,
		Symptoms:  []string{},
		History:   []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DistinctSymptoms returns the symptom list with repeats removed,
// preserving first-report order. The stored list keeps every report,
// including repeats; consumers that render the list use this instead.
func (s *Session) DistinctSymptoms() []string {
	seen := make(map[string]struct{}, len(s.Symptoms))
	out := make([]string, 0, len(s.Symptoms))
	for _, sym := range s.Symptoms {
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// clone returns a working copy whose slices are detached from the
// original, so a failed turn never leaves partial mutations behind.
func (s *Session) clone() *Session {
	c := *s
	c.Symptoms = append([]string(nil), s.Symptoms...)
	c.SimilarCases = append([]retrieval.FusedCase(nil), s.SimilarCases...)
	c.History = append([]Message(nil), s.History...)
	return &c
}
