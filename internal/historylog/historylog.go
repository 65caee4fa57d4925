// Package historylog is a thin façade over internal/store: a single
// "threads" store whose records carry {title, model, system_prompt,
// archived} plus one append-only json_collection field "messages", one
// item per message. Tenant scoping is inherited entirely from the
// Store's own user_id enforcement.
package historylog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/turnengine/internal/errs"
	"github.com/relaykit/turnengine/internal/store"
	"github.com/relaykit/turnengine/pkg/models"
)

const (
	threadsStore  = "threads"
	messagesField = "messages"
	snippetRadius = 40
)

// Log is the thread/message history façade.
type Log struct {
	st *store.Store
}

// Open declares the backing store (idempotent) and returns a Log bound to
// an already-open Store.
func Open(ctx context.Context, st *store.Store) (*Log, error) {
	if err := st.CreateStoreIfNotExists(ctx, threadsStore, models.Schema{
		"title":         models.FieldText,
		"model":         models.FieldText,
		"system_prompt": models.FieldText,
		"archived":      models.FieldBool,
		messagesField:   models.FieldJSONCollection,
	}); err != nil {
		return nil, err
	}
	return &Log{st: st}, nil
}

// CreateThread creates a new thread owned by userID.
func (l *Log) CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error) {
	return l.st.Add(ctx, userID, threadsStore, map[string]any{
		"title":         title,
		"model":         model,
		"system_prompt": systemPrompt,
		"archived":      false,
	}, "")
}

func toThreadHeader(rec models.Record) models.ThreadHeader {
	h := models.ThreadHeader{ID: rec.ID, CreatedAt: rec.CreatedAt}
	if v, ok := rec.Fields["title"].(string); ok {
		h.Title = v
	}
	if v, ok := rec.Fields["model"].(string); ok {
		h.Model = v
	}
	if v, ok := rec.Fields["system_prompt"].(string); ok {
		h.SystemPrompt = v
	}
	if v, ok := rec.Fields["archived"].(bool); ok {
		h.IsArchived = v
	}
	return h
}

// ListThreads returns a user's threads, most recently created first.
func (l *Log) ListThreads(ctx context.Context, userID string, includeArchived bool) ([]models.ThreadHeader, error) {
	var filters []models.Filter
	if !includeArchived {
		filters = append(filters, models.Filter{Field: "archived", Op: models.OpEquals, Value: false})
	}
	recs, err := l.st.Find(ctx, userID, threadsStore, filters, models.FindOptions{OrderBy: "created_at", OrderDesc: true, Limit: 500})
	if err != nil {
		return nil, err
	}
	out := make([]models.ThreadHeader, 0, len(recs))
	for _, r := range recs {
		out = append(out, toThreadHeader(r))
	}
	return out, nil
}

// GetThread returns a thread header, or nil if it doesn't exist or isn't
// owned by userID.
func (l *Log) GetThread(ctx context.Context, userID, threadID string) (*models.ThreadHeader, error) {
	rec, err := l.st.Get(ctx, userID, threadsStore, threadID, false)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	h := toThreadHeader(*rec)
	return &h, nil
}

// storedMessage is the JSON payload persisted in one "messages" collection
// item; record_id (the thread) and order_index are carried by the
// collection item itself, not duplicated into the payload.
type storedMessage struct {
	ID        string             `json:"id"`
	Role      models.Role        `json:"role"`
	Type      models.MessageType `json:"type"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	Model     string             `json:"model,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
}

func toMessage(threadID string, item models.CollectionItem) (models.Message, bool) {
	var sm storedMessage
	if err := json.Unmarshal(item.Value, &sm); err != nil {
		return models.Message{}, false
	}
	return models.Message{
		ID:        sm.ID,
		ThreadID:  threadID,
		Role:      sm.Role,
		Type:      sm.Type,
		Content:   sm.Content,
		Timestamp: sm.Timestamp,
		Model:     sm.Model,
		CallID:    sm.CallID,
		Order:     item.OrderIndex,
	}, true
}

// GetMessages returns a thread's messages in append order, or nil if the
// thread does not exist or is not the caller's.
func (l *Log) GetMessages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	thread, err := l.GetThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, nil
	}
	items, err := l.st.CollectionGet(ctx, userID, threadsStore, threadID, messagesField, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(items))
	for _, item := range items {
		if m, ok := toMessage(threadID, item); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// AppendMessage appends one message to a thread owned by userID via the
// Store's append-only collection mechanism, which never rewrites the
// parent thread record.
func (l *Log) AppendMessage(ctx context.Context, userID, threadID string, role models.Role, typ models.MessageType, content, model, callID string) (string, error) {
	sm := storedMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Model:     model,
		CallID:    callID,
	}
	raw, err := json.Marshal(sm)
	if err != nil {
		return "", errs.New(errs.Validation, "historylog.AppendMessage", err)
	}
	if _, err := l.st.CollectionAppend(ctx, userID, threadsStore, threadID, messagesField, raw); err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return "", errs.New(errs.NotFound, "historylog.AppendMessage", fmt.Errorf("thread %q", threadID))
		}
		return "", err
	}
	return sm.ID, nil
}

// UpdateThread patches a thread's mutable fields (currently just title).
func (l *Log) UpdateThread(ctx context.Context, userID, threadID string, title *string) error {
	updates := map[string]any{}
	if title != nil {
		updates["title"] = *title
	}
	if len(updates) == 0 {
		return nil
	}
	return l.st.Update(ctx, userID, threadsStore, threadID, updates, true)
}

// ArchiveThread marks a thread archived; it remains readable.
func (l *Log) ArchiveThread(ctx context.Context, userID, threadID string) error {
	return l.st.Update(ctx, userID, threadsStore, threadID, map[string]any{"archived": true}, true)
}

// Search unions thread-title matches and message-content matches. Both
// live as FTS rows of the same fts_threads virtual table (the parent row
// for titles, one collection-item row per message), so a single
// FullTextSearch call against "threads" already returns the union,
// deduplicated by thread id by virtue of SELECT DISTINCT parent_id; this
// method's own job is just picking the right snippet source per hit.
func (l *Log) Search(ctx context.Context, userID, query string) ([]models.SearchHit, error) {
	recs, err := l.st.FullTextSearch(ctx, userID, threadsStore, query, 100, 0)
	if err != nil {
		return nil, err
	}

	hits := make([]models.SearchHit, 0, len(recs))
	for _, rec := range recs {
		title, _ := rec.Fields["title"].(string)
		hit := models.SearchHit{ThreadID: rec.ID, Title: title}

		if containsFold(title, query) {
			hit.Snippet = snippet(title, query)
			hits = append(hits, hit)
			continue
		}

		msgs, err := l.GetMessages(ctx, userID, rec.ID)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, m := range msgs {
			if containsFold(m.Content, query) {
				hit.Snippet = snippet(m.Content, query)
				matched = true
				break
			}
		}
		if !matched {
			hit.Snippet = snippet(title, query)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func containsFold(text, query string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(query))
}

func snippet(text, query string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		if len(text) > 2*snippetRadius {
			return text[:2*snippetRadius] + "…"
		}
		return text
	}
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	out := text[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
