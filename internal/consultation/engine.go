package consultation

import (
	"context"

	"derm-kiosk/internal/capability"
)

// EngineMessage is one prior conversation turn handed to the engine.
type EngineMessage struct {
	Role    string
	Content string
}

// EngineToolCall is an operation the engine asked to run.
type EngineToolCall struct {
	Name string
	Args map[string]any
}

// EngineToolResult reports the outcome of an executed operation back to
// the engine for the narration pass.
type EngineToolResult struct {
	Name   string
	Result capability.Result
}

// EngineRequest is one reasoning call. Declarations list the operations
// the engine may request; ToolResults is set only on the narration pass.
// ForceOperation, when non-empty, names a declared operation the engine
// must invoke on this call instead of choosing freely.
type EngineRequest struct {
	Language       string
	Stage          Stage
	History        []EngineMessage
	Message        string
	Image          []byte
	Declarations   []capability.Declaration
	ForceOperation string
	ToolResults    []EngineToolResult
	Instruction    string
}

// EngineReply carries the engine's text and any requested operations.
type EngineReply struct {
	Text      string
	ToolCalls []EngineToolCall
}

// ReasoningEngine defines the interface for the conversational model.
// We define it here to decouple from the specific provider implementation.
type ReasoningEngine interface {
	Respond(ctx context.Context, req EngineRequest) (*EngineReply, error)
}
