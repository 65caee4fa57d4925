package models

import "time"

// Role is the author type of a history message or context entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleThinking  Role = "thinking"
	RoleTool      Role = "tool"
)

// MessageType distinguishes a plain text entry from a tool progress/result
// line surfaced through the event stream.
type MessageType string

const (
	MessageText       MessageType = "message_text"
	MessageToolUpdate MessageType = "tool_update"
)

// ThreadHeader is the non-message-log view of a thread record.
type ThreadHeader struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	IsArchived   bool      `json:"is_archived"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one immutable, append-only entry in a thread's message
// collection, as persisted by HistoryLog.
type Message struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Model     string      `json:"model,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Order     int64       `json:"order"`
}

// SearchHit is one result of HistoryLog.Search: a thread with a snippet of
// the matching text.
type SearchHit struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// ContextEntry mirrors a model-API message: the unit ContextCache manages.
type ContextEntry struct {
	ID               string     `json:"id"`
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	// TurnID associates a thinking/assistant entry with the turn that
	// produced it, so the projection can collapse/prune it once that
	// turn's tool calls resolve.
	TurnID string `json:"-"`
}
