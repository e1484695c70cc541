package capability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SymptomExtractor pulls structured symptoms out of free-text patient
// messages, usually via a language model.
type SymptomExtractor interface {
	ExtractSymptoms(ctx context.Context, message, language string) ([]Symptom, error)
}

// clinicalKeywords is the deterministic fallback vocabulary used when the
// extractor is unavailable. Keywords are matched as lowercase substrings
// and mapped to canonical symptom names.
var clinicalKeywords = []struct {
	keyword string
	name    string
}{
	{"itch", "itching"},
	{"rash", "rash"},
	{"pain", "pain"},
	{"hurt", "pain"},
	{"red", "redness"},
	{"fever", "fever"},
	{"cough", "cough"},
	{"sore", "soreness"},
	{"burn", "burning"},
	{"swell", "swelling"},
	{"blister", "blisters"},
	{"dry", "dry skin"},
	{"flak", "flaking"},
	{"peel", "peeling"},
	{"bump", "bumps"},
	{"bleed", "bleeding"},
}

type symptomCapability struct {
	extractor SymptomExtractor
	log       *zap.Logger
}

// NewSymptomExtraction builds the extract_symptoms operation. The
// extractor may be nil, in which case only the keyword fallback runs.
func NewSymptomExtraction(extractor SymptomExtractor, log *zap.Logger) Capability {
	return &symptomCapability{extractor: extractor, log: log}
}

func (c *symptomCapability) Declaration() Declaration {
	return Declaration{
		Name:        OpExtractSymptoms,
		Description: "Extract structured symptoms (name, duration, severity, body location) from a patient message describing their condition.",
		Properties: map[string]Property{
			"patient_message": {Type: "string", Description: "The patient message to extract symptoms from"},
			"language":        {Type: "string", Description: "ISO language code of the message, e.g. en, hi, ta"},
		},
		Required: []string{"patient_message"},
	}
}

func (c *symptomCapability) Invoke(ctx context.Context, args Args) Result {
	message := args.String("patient_message")
	if message == "" {
		return Failure(OpExtractSymptoms, fmt.Errorf("missing required parameter: patient_message"))
	}
	language := args.String("language")

	var symptoms []Symptom
	if c.extractor != nil {
		extracted, err := c.extractor.ExtractSymptoms(ctx, message, language)
		if err != nil {
			c.log.Warn("symptom extraction failed, using keyword fallback", zap.Error(err))
		} else {
			symptoms = extracted
		}
	}
	if symptoms == nil {
		symptoms = KeywordSymptoms(message)
	}

	return Result{
		Success:   true,
		Operation: OpExtractSymptoms,
		Symptoms:  &SymptomOutcome{Symptoms: symptoms, Count: len(symptoms)},
	}
}

// KeywordSymptoms scans a message for clinical keywords and returns the
// matched symptoms with duplicates removed. It never fails, which makes
// it the fallback of last resort during the subjective stage.
func KeywordSymptoms(message string) []Symptom {
	lower := strings.ToLower(message)
	seen := make(map[string]struct{})
	var out []Symptom
	for _, entry := range clinicalKeywords {
		if !strings.Contains(lower, entry.keyword) {
			continue
		}
		if _, dup := seen[entry.name]; dup {
			continue
		}
		seen[entry.name] = struct{}{}
		out = append(out, Symptom{Name: entry.name})
	}
	if out == nil {
		out = []Symptom{}
	}
	return out
}
