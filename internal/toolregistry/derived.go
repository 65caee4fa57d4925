package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/turnengine/pkg/models"
)

// ParamField describes one parameter of a schema-derived tool. The JSON
// schema is derived from these declared fields, since Go has no runtime
// docstrings or type hints to introspect.
type ParamField struct {
	Name        string
	Type        string // "string", "integer", "number", "boolean", "object", "array"
	Description string
	Required    bool
	Default     any
}

// DerivedFunc is a schema-derived tool's callable. It receives whichever
// subset of (userID, threadID, turnCorrelationID) the registry always
// supplies, plus the decoded arguments, and returns the tool's plain
// result text.
type DerivedFunc func(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) (string, error)

// DeriveSchema builds a models.ToolSchema from a parameter list, the Go
// analogue of deriving a JSON schema from declared types plus a
// docstring's first paragraph.
func DeriveSchema(name, description string, fields []ParamField) models.ToolSchema {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if f.Default != nil {
			prop["default"] = f.Default
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return models.ToolSchema{
		Name:        name,
		Description: description,
		Parameters: models.ToolParameters{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

type derivedTool struct {
	name   string
	schema models.ToolSchema
	fn     DerivedFunc
}

// NewDerived wraps a plain Go function as a schema-derived tool: one
// that only returns a value, so its invocation stream never emits
// progress.
func NewDerived(name, description string, fields []ParamField, fn DerivedFunc) Tool {
	return &derivedTool{name: name, schema: DeriveSchema(name, description, fields), fn: fn}
}

func (t *derivedTool) Name() string              { return t.name }
func (t *derivedTool) Schema() models.ToolSchema { return t.schema }

func (t *derivedTool) Invoke(ctx context.Context, userID, threadID, turnCorrelationID string, arguments json.RawMessage) *ToolStream {
	return runPlain(ctx, t.name, arguments, func(ctx context.Context) (models.ToolResult, error) {
		var args map[string]any
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return errorResult(t.name, arguments, fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		content, err := t.fn(ctx, userID, threadID, turnCorrelationID, args)
		if err != nil {
			return errorResult(t.name, arguments, err), nil
		}
		return models.ToolResult{Tool: t.name, Content: content, Arguments: arguments}, nil
	})
}
