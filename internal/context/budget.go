// Package context does token bookkeeping for the model-visible view of
// a thread: estimating how much of a model's window the assembled
// entries consume, and compacting the cached view when it runs low.
package context

import (
	"strings"
	"unicode/utf8"

	"github.com/relaykit/turnengine/pkg/models"
)

const (
	// DefaultWindowTokens is assumed for models with no registered window.
	DefaultWindowTokens = 128000

	// MinWindowTokens is the floor a compaction target never goes below.
	MinWindowTokens = 16000

	// WarnBelowTokens triggers the running-low warning and background
	// compaction once remaining tokens drop under it.
	WarnBelowTokens = 32000

	// tokensPerChar is a conservative character-ratio estimate. No
	// tokenizer is vendored; the estimate only gates warnings and
	// compaction targets, not billing.
	tokensPerChar = 0.25

	// entryOverheadTokens accounts for role and formatting tokens each
	// entry costs beyond its content.
	entryOverheadTokens = 4
)

// modelWindows maps model name prefixes to window sizes. Longest prefix
// wins, so "gpt-4-turbo-preview" matches "gpt-4-turbo", not "gpt-4".
var modelWindows = map[string]int{
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-opus-4":     200000,
	"gpt-4":             8192,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"o1":                200000,
	"gemini-1.5-pro":    2097152,
	"gemini-2.0-flash":  1048576,
}

// RegisterModelWindow declares (or overrides) a model's window size, for
// model plugins whose models the built-in table doesn't know.
func RegisterModelWindow(model string, tokens int) {
	modelWindows[model] = tokens
}

// WindowFor returns the window size for model, by exact then
// longest-prefix match, falling back to DefaultWindowTokens.
func WindowFor(model string) int {
	if tokens, ok := modelWindows[model]; ok {
		return tokens
	}
	best, bestTokens := "", 0
	for prefix, tokens := range modelWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, bestTokens = prefix, tokens
		}
	}
	if best != "" {
		return bestTokens
	}
	return DefaultWindowTokens
}

// EstimateTokens estimates the tokens in text, rune-aware, minimum 1
// for non-empty text.
func EstimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := int(float64(chars) * tokensPerChar)
	if tokens == 0 && chars > 0 {
		return 1
	}
	return tokens
}

// EstimateEntryTokens sums the estimate over entries, charging each
// entry its per-entry overhead.
func EstimateEntryTokens(entries []models.ContextEntry) int {
	total := 0
	for _, e := range entries {
		total += EstimateTokens(e.Content) + entryOverheadTokens
	}
	return total
}

// Usage is one measurement of a thread's assembled context against a
// model's window.
type Usage struct {
	TotalTokens int
	UsedTokens  int
}

// Measure estimates entries against model's window.
func Measure(model string, entries []models.ContextEntry) Usage {
	return Usage{
		TotalTokens: WindowFor(model),
		UsedTokens:  EstimateEntryTokens(entries),
	}
}

// RemainingTokens returns how much of the window is left, never negative.
func (u Usage) RemainingTokens() int {
	remaining := u.TotalTokens - u.UsedTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShouldWarn reports whether the context is getting low.
func (u Usage) ShouldWarn() bool {
	return u.RemainingTokens() < WarnBelowTokens
}

// ShouldBlock reports whether the context is too low to continue.
func (u Usage) ShouldBlock() bool {
	return u.RemainingTokens() < MinWindowTokens
}

// Status returns "ok", "warning", or "critical".
func (u Usage) Status() string {
	if u.ShouldBlock() {
		return "critical"
	}
	if u.ShouldWarn() {
		return "warning"
	}
	return "ok"
}
