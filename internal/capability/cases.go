package capability

import (
	"context"
	"fmt"

	"derm-kiosk/internal/retrieval"
)

type caseSearchCapability struct {
	fusion *retrieval.Fusion
}

// NewCaseSearch wraps the retrieval fusion layer as the
// find_similar_cases operation.
func NewCaseSearch(fusion *retrieval.Fusion) Capability {
	return &caseSearchCapability{fusion: fusion}
}

func (c *caseSearchCapability) Declaration() Declaration {
	return Declaration{
		Name:        OpFindSimilarCases,
		Description: "Find historical dermatology cases similar to the current consultation using the captured image and reported symptoms.",
		Properties: map[string]Property{
			"image_data":    {Type: "string", Description: "Base64 encoded image of the skin condition, if captured"},
			"symptoms":      {Type: "array", Description: "Reported symptom names"},
			"body_location": {Type: "string", Description: "Body location of the condition"},
			"top_k":         {Type: "integer", Description: "Maximum number of cases to return"},
		},
		Required: []string{},
	}
}

func (c *caseSearchCapability) Invoke(ctx context.Context, args Args) Result {
	image := args.Bytes("image_data")
	symptoms := args.StringSlice("symptoms")
	if len(image) == 0 && len(symptoms) == 0 && args.String("body_location") == "" {
		return Failure(OpFindSimilarCases, fmt.Errorf("nothing to search with: need image_data or symptoms"))
	}

	query := retrieval.Query{
		Image:        image,
		Symptoms:     symptoms,
		BodyLocation: args.String("body_location"),
		TopK:         args.Int("top_k", 0),
	}
	cases, err := c.fusion.FindSimilarCases(ctx, query)
	if err != nil {
		return Failure(OpFindSimilarCases, fmt.Errorf("case search failed: %w", err))
	}

	method := "text_only"
	switch {
	case len(image) > 0 && len(symptoms) > 0:
		method = "hybrid"
	case len(image) > 0:
		method = "image_only"
	}

	return Result{
		Success:   true,
		Operation: OpFindSimilarCases,
		Retrieval: &RetrievalOutcome{Cases: cases, TotalFound: len(cases), SearchMethod: method},
	}
}
