package orchestrator

import (
	"context"

	"github.com/relaykit/turnengine/internal/pluginregistry"
	"github.com/relaykit/turnengine/pkg/models"
)

// ModelStreamKind is one of the five chunk kinds a model plugin's stream
// yields. Usage chunks carry token accounting only; they never become a
// wire event.
type ModelStreamKind string

const (
	ModelAssistantText ModelStreamKind = "assistant_text"
	ModelThinkingText  ModelStreamKind = "thinking_text"
	ModelToolCallDelta ModelStreamKind = "tool_call_delta"
	ModelUsage         ModelStreamKind = "usage"
	ModelEnd           ModelStreamKind = "end"
)

// ToolCallDelta is one incremental fragment of a model's tool call
// request, keyed by the model-assigned call id and accumulated by the
// orchestrator across chunks until the call's name and arguments are
// complete.
type ToolCallDelta struct {
	ID             string
	Index          int
	NameDelta      string
	ArgumentsDelta string
}

// Usage is the token accounting a model plugin may report alongside a
// round; the orchestrator records it but it is never itself an emitted
// event.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ModelStreamChunk is one item a model plugin's stream channel yields.
// Only the fields relevant to Kind are populated.
type ModelStreamChunk struct {
	Kind  ModelStreamKind
	Text  string
	Delta ToolCallDelta
	Usage Usage
	Err   error
}

// ModelRequest is what the orchestrator passes to StreamCompletion: the
// full model-visible context, the resolved model name, the resolved
// system prompt text, and every registered tool's schema.
type ModelRequest struct {
	Model        string
	SystemPrompt string
	Messages     []models.ContextEntry
	Tools        []models.ToolSchema
}

// ModelPlugin is the `model` role: list models, plus a streaming
// completion call. No concrete vendor adapter ships with this module;
// the orchestrator depends only on this interface.
type ModelPlugin interface {
	pluginregistry.Plugin
	ListModels(ctx context.Context) ([]string, error)
	StreamCompletion(ctx context.Context, req ModelRequest) (<-chan ModelStreamChunk, error)
}
