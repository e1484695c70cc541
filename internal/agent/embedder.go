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

	"google.golang.org/genai"
)

// HybridEmbedder implements retrieval.Embedder. Text goes through the
// Gemini embedding API; images go through the local embedding sidecar,
// which runs a vision encoder the hosted API does not offer.
type HybridEmbedder struct {
	client     *genai.Client
	textModel  string
	embedURL   string
	httpClient *http.Client
}

func NewHybridEmbedder(client *genai.Client, textModel, embedURL string) *HybridEmbedder {
	return &HybridEmbedder{
		client:    client,
		textModel: textModel,
		embedURL:  embedURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (e *HybridEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := e.client.Models.EmbedContent(ctx, e.textModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embed text: empty embedding")
	}
	return resp.Embeddings[0].Values, nil
}

type imageEmbedRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type imageEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HybridEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	jsonBody, err := json.Marshal(imageEmbedRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.embedURL+"/embed/image", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed service error: %s - %s", resp.Status, string(body))
	}

	var result imageEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embed image: empty embedding")
	}
	return result.Embedding, nil
}
