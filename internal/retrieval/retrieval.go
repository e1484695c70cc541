// Package retrieval finds similar dermatology cases in the reference case
// library. Retrieval is multi-modal: an image-similarity search over visual
// embeddings and a text-similarity search over symptom descriptions run
// independently, and their ranked results are fused into a single
// deduplicated list.
package retrieval

import "context"

// SearchHit is one nearest-neighbor result from a vector searcher.
// Score is a similarity normalized into [0,1].
type SearchHit struct {
	ID      string
	Score   float64
	Payload CasePayload
}

// CasePayload is the stored metadata of a reference case.
type CasePayload struct {
	Condition    string   `json:"condition"`
	ICDCode      string   `json:"icd_code"`
	Description  string   `json:"description"`
	BodyLocation string   `json:"body_location"`
	Features     []string `json:"features"`
	Treatment    string   `json:"treatment"`
}

// VectorSearcher answers nearest-neighbor queries for one modality.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]SearchHit, error)
}

// Embedder turns raw inputs into embedding vectors. Image and text
// embeddings live in different vector spaces and are never compared
// directly; each feeds its own searcher.
type Embedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// FusedCase is one entry of the fused, re-scored result list. A case
// retrieved by both modalities appears exactly once, with both modalities
// listed in SourceModalities.
type FusedCase struct {
	CaseID           string   `json:"case_id"`
	Condition        string   `json:"condition"`
	ICDCode          string   `json:"icd_code"`
	Score            float64  `json:"score"`
	SourceModalities []string `json:"source_modalities"`
	Features         []string `json:"features,omitempty"`
	TreatmentNote    string   `json:"treatment_note,omitempty"`
}

// Modality names used in FusedCase.SourceModalities.
const (
	ModalityImage = "image"
	ModalityText  = "text"
)
