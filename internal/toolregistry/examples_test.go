package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaykit/turnengine/pkg/models"
)

// workspaceResolver confines a tool's file paths inside a workspace root.
type workspaceResolver struct {
	root string
}

func (r workspaceResolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// readFileTool is a schema-explicit Tool: a hand-written
// Name/Schema/Invoke rather than one derived from a ParamField list.
type readFileTool struct {
	resolver workspaceResolver
	maxBytes int
}

func newReadFileTool(workspace string) *readFileTool {
	return &readFileTool{resolver: workspaceResolver{root: workspace}, maxBytes: 200000}
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name:        "read_file",
		Description: "Read a file from the workspace with an optional byte offset and limit.",
		Parameters: models.ToolParameters{
			Type: "object",
			Properties: map[string]any{
				"path":      map[string]any{"type": "string", "description": "Path relative to the workspace root."},
				"offset":    map[string]any{"type": "integer", "minimum": 0},
				"max_bytes": map[string]any{"type": "integer", "minimum": 0},
			},
			Required: []string{"path"},
		},
	}
}

func (t *readFileTool) Invoke(ctx context.Context, userID, threadID, turnCorrelationID string, arguments json.RawMessage) *ToolStream {
	return runPlain(ctx, t.Name(), arguments, func(ctx context.Context) (models.ToolResult, error) {
		var input struct {
			Path     string `json:"path"`
			Offset   int64  `json:"offset"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := json.Unmarshal(arguments, &input); err != nil {
			return errorResult(t.Name(), arguments, err), nil
		}
		resolved, err := t.resolver.resolve(input.Path)
		if err != nil {
			return errorResult(t.Name(), arguments, err), nil
		}
		f, err := os.Open(resolved)
		if err != nil {
			return errorResult(t.Name(), arguments, err), nil
		}
		defer f.Close()

		if input.Offset > 0 {
			if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
				return errorResult(t.Name(), arguments, err), nil
			}
		}
		limit := t.maxBytes
		if input.MaxBytes > 0 && input.MaxBytes < limit {
			limit = input.MaxBytes
		}
		buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
		if err != nil {
			return errorResult(t.Name(), arguments, err), nil
		}
		return models.ToolResult{Tool: t.Name(), Content: string(buf)}, nil
	})
}

func TestReadFileToolReadsWithinWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello, world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := New(0, nil)
	if err := r.Register(newReadFileTool(dir)); err != nil {
		t.Fatalf("register: %v", err)
	}

	stream := r.Invoke(context.Background(), "read_file", "u", "t", "c", json.RawMessage(`{"path":"hello.txt"}`))
	for range stream.Progress() {
	}
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if res.IsError || res.Content != "hello, world" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReadFileToolRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	r := New(0, nil)
	if err := r.Register(newReadFileTool(dir)); err != nil {
		t.Fatalf("register: %v", err)
	}

	stream := r.Invoke(context.Background(), "read_file", "u", "t", "c", json.RawMessage(`{"path":"../outside.txt"}`))
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a path escaping the workspace")
	}
}

func TestReadFileToolRespectsOffsetAndMaxBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := New(0, nil)
	if err := r.Register(newReadFileTool(dir)); err != nil {
		t.Fatalf("register: %v", err)
	}

	stream := r.Invoke(context.Background(), "read_file", "u", "t", "c", json.RawMessage(`{"path":"data.txt","offset":3,"max_bytes":4}`))
	res, err := stream.Final(context.Background())
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if res.IsError || res.Content != "3456" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
