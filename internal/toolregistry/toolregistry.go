// Package toolregistry holds callable tools in either of two shapes,
// schema-explicit or schema-derived, behind a uniform invocation
// contract: a lazy stream of progress lines followed by exactly one
// final result. Registration rejects name conflicts; invocation
// validates arguments against the tool's compiled JSON schema.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/internal/r2r"
	"github.com/relaykit/turnengine/pkg/models"
)

// ToolStream is the uniform shape an invocation returns: progress lines
// followed by one final models.ToolResult, with errors always captured
// into the result rather than surfaced as Stream.Final's error.
type ToolStream = r2r.Stream[string, models.ToolResult]

// Tool is satisfied by both tool shapes.
type Tool interface {
	Name() string
	Schema() models.ToolSchema
	Invoke(ctx context.Context, userID, threadID, turnCorrelationID string, arguments json.RawMessage) *ToolStream
}

// Registry holds every registered tool, keyed by name, plus its compiled
// argument schema.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New returns an empty Registry. maxConcurrent bounds how many tool
// invocations may run at once; 0 means unbounded.
func New(maxConcurrent int64, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(maxConcurrent)
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		sem:     sem,
		logger:  logger,
	}
}

// Register adds a tool. A name collision rejects the new registration
// (the earlier one keeps serving) and logs a warning.
func (r *Registry) Register(t Tool) error {
	schema := t.Schema()
	compiled, err := compileToolSchema(schema)
	if err != nil {
		return fmt.Errorf("toolregistry: compiling schema for %q: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		r.logger.Warn("toolregistry: rejecting duplicate tool registration", "tool", t.Name())
		return fmt.Errorf("toolregistry: tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = compiled
	return nil
}

// Schemas returns every registered tool's schema, for passing to a model
// plugin.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	return out
}

// Invoke runs a tool by name. The error envelope {error, tool, arguments}
// is returned as the final ToolResult, with the tool's own errors folded
// into the result. Stream.Final still returns an error when ctx ends
// before the result is ready, including while waiting for a concurrency
// slot.
func (r *Registry) Invoke(ctx context.Context, name, userID, threadID, turnCorrelationID string, arguments json.RawMessage) *ToolStream {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return r2r.Run[string, models.ToolResult](ctx, nil, func(ctx context.Context, _ chan<- string) (models.ToolResult, error) {
			return errorResult(name, arguments, fmt.Errorf("tool not found: %s", name)), nil
		})
	}

	if schema != nil && len(arguments) > 0 {
		var decoded any
		if err := json.Unmarshal(arguments, &decoded); err != nil {
			return r2r.Run[string, models.ToolResult](ctx, nil, func(ctx context.Context, _ chan<- string) (models.ToolResult, error) {
				return errorResult(name, arguments, fmt.Errorf("invalid arguments: %w", err)), nil
			})
		}
		if err := schema.Validate(decoded); err != nil {
			return r2r.Run[string, models.ToolResult](ctx, nil, func(ctx context.Context, _ chan<- string) (models.ToolResult, error) {
				return errorResult(name, arguments, fmt.Errorf("arguments failed schema validation: %w", err)), nil
			})
		}
	}

	inner := tool.Invoke(ctx, userID, threadID, turnCorrelationID, arguments)
	return r2r.Run[string, models.ToolResult](ctx, r.sem, func(ctx context.Context, progress chan<- string) (models.ToolResult, error) {
		for p := range inner.Progress() {
			progress <- p
		}
		res, err := inner.Final(ctx)
		if err != nil {
			r.logger.Warn("toolregistry: tool execution failed",
				"tool", name, "kind", string(errs.ToolExecution), "error", err)
			return errorResult(name, arguments, err), nil
		}
		return res, nil
	})
}

// errorResult renders err into the structured error envelope, tagged
// ToolExecution so logs and callers can classify the failure by kind.
func errorResult(name string, arguments json.RawMessage, err error) models.ToolResult {
	wrapped := errs.New(errs.ToolExecution, "tool."+name, err)
	return models.ToolResult{Tool: name, Arguments: arguments, IsError: true, Content: wrapped.Error()}
}

// runPlain adapts a plain (ctx) -> (models.ToolResult, error) function
// into a ToolStream with zero progress values.
func runPlain(ctx context.Context, name string, arguments json.RawMessage, fn func(ctx context.Context) (models.ToolResult, error)) *ToolStream {
	return r2r.Run[string, models.ToolResult](ctx, nil, func(ctx context.Context, _ chan<- string) (models.ToolResult, error) {
		return fn(ctx)
	})
}

// runWithProgress is the helper for schema-explicit tools that want to
// stream progress lines before resolving their final result.
func runWithProgress(ctx context.Context, fn func(ctx context.Context, progress chan<- string) (models.ToolResult, error)) *ToolStream {
	return r2r.Run[string, models.ToolResult](ctx, nil, fn)
}

var schemaCache sync.Map

func compileToolSchema(schema models.ToolSchema) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"type":       schema.Parameters.Type,
		"properties": schema.Parameters.Properties,
	}
	if len(schema.Parameters.Required) > 0 {
		doc["required"] = schema.Parameters.Required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	key := schema.Name + ":" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(schema.Name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
