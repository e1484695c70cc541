package capability

import (
	"context"
	"fmt"
)

// VisionAnalyzer produces a structured dermatological assessment of a
// skin image.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, image []byte, clinicalContext, language string) (*AnalysisOutcome, error)
}

type imageAnalysisCapability struct {
	vision VisionAnalyzer
}

// NewImageAnalysis wraps a vision analyzer as the analyze_image operation.
func NewImageAnalysis(vision VisionAnalyzer) Capability {
	return &imageAnalysisCapability{vision: vision}
}

func (c *imageAnalysisCapability) Declaration() Declaration {
	return Declaration{
		Name:        OpAnalyzeImage,
		Description: "Analyze a skin image and return a visual description with possible conditions, their ICD codes and urgency. Results are possibilities, not diagnoses.",
		Properties: map[string]Property{
			"image_data":       {Type: "string", Description: "Base64 encoded image to analyze"},
			"clinical_context": {Type: "string", Description: "Reported symptoms and similar past cases to ground the analysis"},
			"language":         {Type: "string", Description: "ISO language code for the description, e.g. en, hi, ta"},
		},
		Required: []string{"image_data"},
	}
}

func (c *imageAnalysisCapability) Invoke(ctx context.Context, args Args) Result {
	image := args.Bytes("image_data")
	if image == nil {
		image = args.Bytes("image_base64")
	}
	if len(image) == 0 {
		return Failure(OpAnalyzeImage, fmt.Errorf("missing required parameter: image_data"))
	}

	outcome, err := c.vision.AnalyzeImage(ctx, image, args.String("clinical_context"), args.String("language"))
	if err != nil {
		return Failure(OpAnalyzeImage, fmt.Errorf("image analysis failed: %w", err))
	}

	return Result{Success: true, Operation: OpAnalyzeImage, Analysis: outcome}
}
