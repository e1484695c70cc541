// Package agent holds the model-facing clients: the Gemini reasoning
// engine, the symptom extractor, the MedGemma vision client, the
// embedding client and the speech sidecar client.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"derm-kiosk/internal/capability"
	"derm-kiosk/internal/consultation"
)

// NewGeminiClient dials the Gemini API. The one client is shared by the
// reasoning engine, the extractor and the text embedder.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// GeminiEngine implements consultation.ReasoningEngine on the Gemini API
// with function calling for the consultation operations.
type GeminiEngine struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

func NewGeminiEngine(client *genai.Client, model string, log *zap.Logger) *GeminiEngine {
	return &GeminiEngine{client: client, model: model, log: log}
}

func (e *GeminiEngine) Respond(ctx context.Context, req consultation.EngineRequest) (*consultation.EngineReply, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := genai.Role(genai.RoleUser)
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	var parts []*genai.Part
	if req.Message != "" {
		parts = append(parts, genai.NewPartFromText(req.Message))
	}
	if len(req.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image, "image/jpeg"))
	}
	for _, tr := range req.ToolResults {
		parts = append(parts, genai.NewPartFromFunctionResponse(tr.Name, resultMap(tr.Result)))
	}
	if req.Instruction != "" {
		parts = append(parts, genai.NewPartFromText(req.Instruction))
	}
	if len(parts) == 0 {
		parts = append(parts, genai.NewPartFromText("Continue the consultation."))
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req.Language, req.Stage), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
	}
	if len(req.Declarations) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(req.Declarations)}}
	}
	if req.ForceOperation != "" {
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.ForceOperation},
			},
		}
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	reply := &consultation.EngineReply{}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				reply.Text += part.Text
			}
			if part.FunctionCall != nil {
				reply.ToolCalls = append(reply.ToolCalls, consultation.EngineToolCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	e.log.Debug("engine replied",
		zap.String("stage", string(req.Stage)),
		zap.Int("tool_calls", len(reply.ToolCalls)),
		zap.Int("text_len", len(reply.Text)))
	return reply, nil
}

// resultMap flattens a capability result for the function-response part.
func resultMap(result capability.Result) map[string]any {
	raw, err := json.Marshal(result)
	if err != nil {
		return map[string]any{"success": result.Success, "error": result.Error}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"success": result.Success, "error": result.Error}
	}
	return m
}

func functionDeclarations(decls []capability.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		props := make(map[string]*genai.Schema, len(d.Properties))
		for name, p := range d.Properties {
			props[name] = propertySchema(p)
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   d.Required,
			},
		})
	}
	return out
}

func propertySchema(p capability.Property) *genai.Schema {
	switch p.Type {
	case "integer":
		return &genai.Schema{Type: genai.TypeInteger, Description: p.Description}
	case "number":
		return &genai.Schema{Type: genai.TypeNumber, Description: p.Description}
	case "boolean":
		return &genai.Schema{Type: genai.TypeBoolean, Description: p.Description}
	case "array":
		return &genai.Schema{
			Type:        genai.TypeArray,
			Description: p.Description,
			Items:       &genai.Schema{Type: genai.TypeString},
		}
	default:
		return &genai.Schema{Type: genai.TypeString, Description: p.Description}
	}
}
