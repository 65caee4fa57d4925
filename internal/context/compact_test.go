package context

import (
	"fmt"
	"testing"

	"github.com/relaykit/turnengine/pkg/models"
)

func userEntries(n int) []models.ContextEntry {
	out := make([]models.ContextEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.ContextEntry{
			ID:      fmt.Sprintf("e%d", i),
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message number %d, padded so it costs a few tokens", i),
		})
	}
	return out
}

func TestCompactOldestNoopWhenUnderBudget(t *testing.T) {
	entries := userEntries(3)
	kept, res := CompactOldest(entries, 1_000_000, 1, 2)
	if res.Removed != 0 {
		t.Fatalf("expected a no-op under budget, removed %d", res.Removed)
	}
	if len(kept) != len(entries) {
		t.Fatalf("expected all %d entries kept, got %d", len(entries), len(kept))
	}
}

func TestCompactOldestDropsOldestFirst(t *testing.T) {
	entries := userEntries(10)
	kept, res := CompactOldest(entries, 60, 1, 2)
	if res.Removed == 0 {
		t.Fatal("expected compaction to remove entries")
	}
	if res.Kept != len(kept) {
		t.Fatalf("result.Kept = %d, want %d", res.Kept, len(kept))
	}
	if kept[0].ID != "e0" {
		t.Fatalf("expected the pinned first entry to survive, got %s", kept[0].ID)
	}
	if kept[len(kept)-1].ID != "e9" || kept[len(kept)-2].ID != "e8" {
		t.Fatalf("expected the pinned tail to survive, got %+v", kept)
	}
	// Survivors keep their original relative order.
	pos := make(map[string]int, len(entries))
	for i, e := range entries {
		pos[e.ID] = i
	}
	for i := 1; i < len(kept); i++ {
		if pos[kept[i-1].ID] >= pos[kept[i].ID] {
			t.Fatalf("order not preserved: %s before %s", kept[i-1].ID, kept[i].ID)
		}
	}
}

func TestCompactOldestPinsThinkingEntries(t *testing.T) {
	entries := userEntries(8)
	entries[3].Role = models.RoleThinking
	entries[3].Content = "working through the tool round"

	kept, res := CompactOldest(entries, 40, 0, 1)
	if res.Removed == 0 {
		t.Fatal("expected compaction to remove entries")
	}
	found := false
	for _, e := range kept {
		if e.Role == models.RoleThinking {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the in-flight thinking entry to be pinned")
	}
}

func TestCompactOldestReportsTokensFreed(t *testing.T) {
	entries := userEntries(10)
	before := EstimateEntryTokens(entries)
	kept, res := CompactOldest(entries, 60, 1, 2)
	after := EstimateEntryTokens(kept)
	if before-after != res.TokensFreed {
		t.Fatalf("TokensFreed = %d, want %d (before %d, after %d)", res.TokensFreed, before-after, before, after)
	}
}
