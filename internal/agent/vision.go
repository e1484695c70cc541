package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"derm-kiosk/internal/capability"
)

const visionPromptTemplate = `You are a dermatology assistant reviewing a skin photo for a doctor. Describe what you see and list the possibilities. Structure your answer with these sections:

Visual Description: what the lesion or area looks like.
Key Features: bullet points of the notable characteristics.
Possible Conditions: the conditions this appearance could be consistent with, most likely first.
Urgency: whether this needs routine, urgent or immediate medical review.

Never state a definitive diagnosis.`

// MedGemmaClient runs skin image analysis against a local Ollama server.
// It implements capability.VisionAnalyzer. When the primary model fails,
// one retry against the fallback vision model is attempted.
type MedGemmaClient struct {
	baseURL       string
	model         string
	fallbackModel string
	httpClient    *http.Client
	log           *zap.Logger
}

func NewMedGemmaClient(baseURL, model, fallbackModel string, log *zap.Logger) *MedGemmaClient {
	return &MedGemmaClient{
		baseURL:       baseURL,
		model:         model,
		fallbackModel: fallbackModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		log: log,
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (c *MedGemmaClient) AnalyzeImage(ctx context.Context, image []byte, clinicalContext, language string) (*capability.AnalysisOutcome, error) {
	narrative, err := c.chat(ctx, c.model, image, clinicalContext)
	if err != nil && c.fallbackModel != "" && c.fallbackModel != c.model {
		c.log.Warn("vision model failed, trying fallback",
			zap.String("model", c.model),
			zap.String("fallback", c.fallbackModel),
			zap.Error(err))
		narrative, err = c.chat(ctx, c.fallbackModel, image, clinicalContext)
	}
	if err != nil {
		return nil, err
	}

	outcome := ParseAnalysis(narrative)
	c.log.Info("image analyzed",
		zap.Int("predictions", len(outcome.Predictions)),
		zap.Bool("urgent", outcome.RequiresUrgentAttention),
		zap.String("confidence", outcome.ConfidenceLevel))
	return outcome, nil
}

func (c *MedGemmaClient) chat(ctx context.Context, model string, image []byte, clinicalContext string) (string, error) {
	prompt := visionPromptTemplate
	if clinicalContext != "" {
		prompt = fmt.Sprintf("%s\n\nClinical context from the intake interview: %s", prompt, clinicalContext)
	}

	reqBody := ollamaChatRequest{
		Model: model,
		Messages: []ollamaMessage{{
			Role:    "user",
			Content: prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Stream:  false,
		Options: ollamaOptions{Temperature: 0.3},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error: %s - %s", resp.Status, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Message.Content == "" {
		return "", fmt.Errorf("ollama returned an empty analysis")
	}
	return result.Message.Content, nil
}
