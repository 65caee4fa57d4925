package orchestrator

import (
	"context"
	"fmt"

	internalcontext "github.com/relaykit/turnengine/internal/context"
	"github.com/relaykit/turnengine/internal/pluginregistry"
)

const (
	compactKeepFirst = 1
	compactKeepLast  = 4
)

func compactionTaskName(threadID string) string { return "compact_context:" + threadID }

// maybeCompact launches a background task that rewrites a thread's
// cached context down once logContextWindow finds it running low. It is
// fire-and-forget from the turn's perspective: the current round already
// has entries in hand and proceeds regardless of whether compaction wins
// its race against a concurrent mutation.
func (t *turn) maybeCompact(usage internalcontext.Usage) {
	if t.o.bg == nil || !usage.ShouldWarn() {
		return
	}
	target := usage.TotalTokens - internalcontext.WarnBelowTokens
	if target < internalcontext.MinWindowTokens {
		target = internalcontext.MinWindowTokens
	}
	userID, threadID := t.req.UserID, t.threadID
	scope := TaskScope{UserID: userID, ThreadID: threadID, TurnCorrelationID: t.turnCorrelationID}
	t.o.bg.Go(compactionTaskName(threadID), scope, func(ctx context.Context) error {
		return t.o.compactContext(ctx, userID, threadID, target)
	})
}

// compactContext drops the oldest non-pinned entries from a thread's
// cached context until the remainder's estimated tokens fit target,
// then writes the result back through the ContextPlugin's mutation-safe
// SetContext: if anything else mutated the cache between the read here
// and the write, the write is silently discarded rather than clobbering
// newer state, since a subsequent round will see the fresher context
// anyway.
func (o *Orchestrator) compactContext(ctx context.Context, userID, threadID string, target int) error {
	contextRole, ok := o.registry.Get(pluginregistry.RoleContext)
	if !ok {
		return fmt.Errorf("compactContext: no context plugin registered")
	}
	cache, ok := contextRole.(ContextPlugin)
	if !ok {
		return fmt.Errorf("compactContext: context plugin does not implement ContextPlugin")
	}

	entries, err := cache.GetContext(ctx, userID, threadID, false)
	if err != nil {
		return err
	}
	mutation, ok := cache.MutationCount(userID, threadID)
	if !ok {
		return nil
	}

	survivors, result := internalcontext.CompactOldest(entries, target, compactKeepFirst, compactKeepLast)
	if result.Removed == 0 {
		return nil
	}

	if !cache.SetContext(mutation, userID, threadID, survivors) {
		o.logger.Warn(ctx, "orchestrator: context compaction lost its mutation race", "thread_id", threadID)
		return nil
	}
	o.logger.Info(ctx, "orchestrator: compacted thread context", "thread_id", threadID,
		"removed", result.Removed, "tokens_freed", result.TokensFreed, "new_count", result.Kept)
	return nil
}
