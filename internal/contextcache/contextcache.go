// Package contextcache holds the mutable, model-visible conversation view
// for each (thread, user) pair: a cached list of context entries plus a
// mutation counter that background tasks can use to detect whether the
// cache changed out from under them while they were working.
package contextcache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/relaykit/turnengine/internal/historylog"
	"github.com/relaykit/turnengine/pkg/models"
)

type cacheKey struct {
	userID, threadID string
}

type cacheEntry struct {
	items    []models.ContextEntry
	mutation int64
	loaded   bool
}

// Cache is the per-(thread,user) model-visible context view.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	log     *historylog.Log
}

// New returns a Cache backed by log for regeneration.
func New(log *historylog.Log) *Cache {
	return &Cache{
		entries: make(map[cacheKey]*cacheEntry),
		log:     log,
	}
}

func (c *Cache) locked(userID, threadID string) *cacheEntry {
	k := cacheKey{userID, threadID}
	e, ok := c.entries[k]
	if !ok {
		e = &cacheEntry{}
		c.entries[k] = e
	}
	return e
}

// GetContext returns the current model-visible view, regenerating from
// history first if the cache is empty or was invalidated. Returns nil if
// the thread doesn't exist (or isn't the caller's).
func (c *Cache) GetContext(ctx context.Context, userID, threadID string, stripReasoning bool) ([]models.ContextEntry, error) {
	c.mu.Lock()
	e := c.locked(userID, threadID)
	needsLoad := !e.loaded
	c.mu.Unlock()

	if needsLoad {
		if err := c.RegenerateContext(ctx, userID, threadID); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	e = c.locked(userID, threadID)
	if !e.loaded {
		c.mu.Unlock()
		return nil, nil
	}
	out := make([]models.ContextEntry, 0, len(e.items))
	for _, item := range e.items {
		if stripReasoning && item.Role == models.RoleThinking {
			continue
		}
		if stripReasoning {
			item.ReasoningContent = ""
		}
		out = append(out, item)
	}
	c.mu.Unlock()
	return out, nil
}

// RegenerateContext rebuilds the cached view from HistoryLog.GetMessages
// and increments the mutation counter.
func (c *Cache) RegenerateContext(ctx context.Context, userID, threadID string) error {
	msgs, err := c.log.GetMessages(ctx, userID, threadID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.locked(userID, threadID)
	if msgs == nil {
		e.items = nil
		e.loaded = false
		e.mutation++
		return nil
	}
	e.items = project(msgs)
	e.loaded = true
	e.mutation++
	return nil
}

// project implements the history → model-view projection, with a repair
// pass folded in. Thinking chunks are never reconstructed from persisted
// history: by the time a turn's messages are in HistoryLog, that turn's
// tool calls have already resolved and its thinking entries were already
// scrubbed from the live cache via RemoveMessages, so there is nothing
// left to project.
//
// A tool row can only belong to a turn that opened with an assistant
// message, so any tool rows seen before the transcript's first assistant
// entry are orphans and dropped.
func project(msgs []models.Message) []models.ContextEntry {
	var out []models.ContextEntry
	var pendingToolCall string
	var pendingToolContent string
	sawAssistant := false

	flushTool := func() {
		if pendingToolCall == "" {
			return
		}
		out = append(out, models.ContextEntry{
			ID:         uuid.NewString(),
			Role:       models.RoleTool,
			Content:    pendingToolContent,
			ToolCallID: pendingToolCall,
		})
		pendingToolCall = ""
		pendingToolContent = ""
	}

	// appendText merges consecutive same-role text entries instead of
	// emitting a new entry per row.
	appendText := func(id string, role models.Role, content string) {
		flushTool()
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			return
		}
		out = append(out, models.ContextEntry{ID: id, Role: role, Content: content})
	}

	for _, m := range msgs {
		switch {
		case m.Role == models.RoleUser && m.Type == models.MessageText:
			appendText(m.ID, models.RoleUser, m.Content)
		case m.Role == models.RoleAssistant && m.Type == models.MessageText:
			sawAssistant = true
			appendText(m.ID, models.RoleAssistant, m.Content)
		case m.Role == models.RoleTool && m.Type == models.MessageToolUpdate && m.CallID != "":
			if !sawAssistant {
				// Orphan: no assistant turn in this transcript could have
				// opened this call id.
				continue
			}
			// Keep only the final line per call_id; a later row for the
			// same call_id replaces the running content.
			if m.CallID != pendingToolCall {
				flushTool()
			}
			pendingToolCall = m.CallID
			pendingToolContent = m.Content
		case m.Role == models.RoleThinking:
			// never projected once persisted; see func comment.
		}
	}
	flushTool()
	return out
}

// AddMessage appends one model-visible entry to the live cache. The
// thread must already have been loaded (via GetContext/RegenerateContext)
// in this process; callers invoke this after a history append, within
// the same turn, so the cache is always warm at this point.
func (c *Cache) AddMessage(ctx context.Context, userID, threadID string, entry models.ContextEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.locked(userID, threadID)
	e.items = append(e.items, entry)
	e.loaded = true
	e.mutation++
	return entry.ID, nil
}

// UpdateMessage mutates a cached entry in place by id.
func (c *Cache) UpdateMessage(userID, threadID, id string, updates func(*models.ContextEntry)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.locked(userID, threadID)
	for i := range e.items {
		if e.items[i].ID == id {
			updates(&e.items[i])
			e.mutation++
			return nil
		}
	}
	return nil
}

// RemoveMessages drops the given ids from the cache, e.g. to scrub
// transient thinking entries once a tool round resolves.
func (c *Cache) RemoveMessages(userID, threadID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.locked(userID, threadID)
	kept := e.items[:0:0]
	for _, item := range e.items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	e.items = kept
	e.mutation++
}

// Invalidate drops the cached list so the next GetContext regenerates
// from history.
func (c *Cache) Invalidate(userID, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.locked(userID, threadID)
	e.items = nil
	e.loaded = false
	e.mutation++
}

// MutationCount returns the current mutation counter, or (0, false) if
// no cache call has touched this thread+user yet. An entry that was only
// invalidated, never loaded, still reports (count, true).
func (c *Cache) MutationCount(userID, threadID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{userID, threadID}
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	return e.mutation, true
}

// SetContext is the mutation-safe primitive for background work: a
// caller reads MutationCount, does some slow work (e.g.
// summarizing older entries), and calls SetContext with the counter value
// it started from. If the counter has moved since then — a turn mutated
// the cache while the background work was running — the replacement is
// discarded and SetContext returns false rather than clobbering newer
// state. On success the entries replace the cache wholesale and the
// mutation counter itself advances, so a second racing writer targeting
// the same expectedMutation also loses.
func (c *Cache) SetContext(expectedMutation int64, userID, threadID string, entries []models.ContextEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{userID, threadID}
	e, ok := c.entries[k]
	if !ok || e.mutation != expectedMutation {
		return false
	}
	e.items = entries
	e.loaded = true
	e.mutation++
	return true
}
