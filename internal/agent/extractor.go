package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"derm-kiosk/internal/capability"
)

// GeminiExtractor implements capability.SymptomExtractor with a JSON-mode
// Gemini call.
type GeminiExtractor struct {
	client *genai.Client
	model  string
}

func NewGeminiExtractor(client *genai.Client, model string) *GeminiExtractor {
	return &GeminiExtractor{client: client, model: model}
}

func (e *GeminiExtractor) ExtractSymptoms(ctx context.Context, message, language string) ([]capability.Symptom, error) {
	prompt := message
	if name, ok := languageNames[language]; ok && language != "en" {
		prompt = fmt.Sprintf("The message is in %s.\n\n%s", name, message)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(extractorPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini extract: %w", err)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			text += part.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("gemini extract: empty response")
	}

	var payload struct {
		Symptoms []capability.Symptom `json:"symptoms"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("gemini extract: decode response: %w", err)
	}
	return payload.Symptoms, nil
}
