package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/relaykit/turnengine/pkg/models"
)

func echoTool() Tool {
	return NewDerived("echo", "Echoes back the given text.", []ParamField{
		{Name: "text", Type: "string", Required: true},
	}, func(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	})
}

func TestRegisterAndInvokeDerivedTool(t *testing.T) {
	r := New(0, nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	stream := r.Invoke(context.Background(), "echo", "user-1", "thread-1", "turn-1", json.RawMessage(`{"text":"hi"}`))
	for range stream.Progress() {
	}
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("final returned an error instead of an error envelope: %v", err)
	}
	if res.IsError || res.Content != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New(0, nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Fatal("expected the second registration with the same name to be rejected")
	}
}

func TestInvokeUnknownToolReturnsErrorEnvelope(t *testing.T) {
	r := New(0, nil)
	stream := r.Invoke(context.Background(), "missing", "u", "t", "c", json.RawMessage(`{}`))
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("expected error captured in result, not returned: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an unknown tool")
	}
}

func TestInvokeRejectsArgumentsFailingSchema(t *testing.T) {
	r := New(0, nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	stream := r.Invoke(context.Background(), "echo", "u", "t", "c", json.RawMessage(`{}`))
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a schema validation failure for a missing required field")
	}
}

type progressTool struct{}

func (progressTool) Name() string { return "slow" }
func (progressTool) Schema() models.ToolSchema {
	return DeriveSchema("slow", "Reports progress before finishing.", nil)
}
func (progressTool) Invoke(ctx context.Context, userID, threadID, turnCorrelationID string, arguments json.RawMessage) *ToolStream {
	return runWithProgress(ctx, func(ctx context.Context, progress chan<- string) (models.ToolResult, error) {
		for i := 0; i < 3; i++ {
			progress <- fmt.Sprintf("step %d", i)
		}
		return models.ToolResult{Tool: "slow", Content: "done"}, nil
	})
}

func TestSchemaExplicitToolProgressLines(t *testing.T) {
	r := New(0, nil)
	if err := r.Register(progressTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stream := r.Invoke(context.Background(), "slow", "u", "t", "c", json.RawMessage(`{}`))
	var lines []string
	for p := range stream.Progress() {
		lines = append(lines, p)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 progress lines, got %d: %v", len(lines), lines)
	}
	res, err := stream.Final(context.Background())
	if err != nil || res.Content != "done" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}
