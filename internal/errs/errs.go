// Package errs defines the closed taxonomy of error kinds shared across the
// store, context cache, tool registry, and orchestrator. Kinds are a fixed
// set, not dynamic types, so callers can classify a failure with a single
// errors.As regardless of which component produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed taxonomy entries a component may fail with.
type Kind string

const (
	// Validation marks malformed input, surfaced to the caller immediately.
	Validation Kind = "validation"
	// NotFound marks a resource that does not exist for this tenant.
	NotFound Kind = "not_found"
	// PermissionDenied marks a model-access denial from the auth role.
	PermissionDenied Kind = "permission_denied"
	// SchemaConflict marks destructive schema drift; fatal at startup.
	SchemaConflict Kind = "schema_conflict"
	// Busy marks transient write contention, retried with bounded backoff.
	Busy Kind = "busy"
	// ToolLoopExhausted marks the orchestrator's round cap being reached.
	ToolLoopExhausted Kind = "tool_loop_exhausted"
	// ToolExecution marks a tool raising or timing out.
	ToolExecution Kind = "tool_execution"
	// Upstream marks a model adapter failure.
	Upstream Kind = "upstream"
)

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error so errors.Is/errors.As see through it.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op failing with kind, wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
