package context

import "github.com/relaykit/turnengine/pkg/models"

// CompactResult reports what a compaction removed.
type CompactResult struct {
	Removed     int
	Kept        int
	TokensFreed int
}

// CompactOldest drops the oldest droppable entries until the estimated
// total fits budgetTokens. The first keepFirst and last keepLast entries
// are pinned, as are thinking entries (they belong to a tool round still
// in flight and are scrubbed by the turn itself once it resolves).
// Order is preserved; if everything already fits, entries is returned
// unchanged.
func CompactOldest(entries []models.ContextEntry, budgetTokens, keepFirst, keepLast int) ([]models.ContextEntry, CompactResult) {
	res := CompactResult{Kept: len(entries)}
	total := EstimateEntryTokens(entries)
	if total <= budgetTokens || len(entries) == 0 {
		return entries, res
	}
	if keepFirst < 0 {
		keepFirst = 0
	}
	if keepLast < 0 {
		keepLast = 0
	}

	pinned := func(i int) bool {
		if i < keepFirst || i >= len(entries)-keepLast {
			return true
		}
		return entries[i].Role == models.RoleThinking
	}

	drop := make([]bool, len(entries))
	for i := 0; i < len(entries) && total > budgetTokens; i++ {
		if pinned(i) {
			continue
		}
		drop[i] = true
		freed := EstimateTokens(entries[i].Content) + entryOverheadTokens
		total -= freed
		res.Removed++
		res.TokensFreed += freed
	}
	if res.Removed == 0 {
		return entries, res
	}

	kept := make([]models.ContextEntry, 0, len(entries)-res.Removed)
	for i, e := range entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	res.Kept = len(kept)
	return kept, res
}
