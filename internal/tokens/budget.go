package tokens

import (
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the character-based estimation ratio. It is a budget
// heuristic, not a model tokenizer.
const CharsPerToken = 4

// TruncationMarker is appended whenever Truncate has to cut text.
const TruncationMarker = "[...truncated]"

// Boundary-search windows, expressed as a fraction of the character budget.
// A cut is only taken at a paragraph or sentence break when the break falls
// late enough in the budget to keep most of it.
const (
	paragraphWindowFraction = 0.70
	sentenceWindowFraction  = 0.80
	chunkWindowFraction     = 0.50
)

// TargetConfig holds the per-target token limits.
type TargetConfig struct {
	MaxTokens     int
	ReserveTokens int
	ChunkSize     int
}

// fallbackTarget is the most conservative entry; unknown targets get it.
const fallbackTarget = "ollama"

var targetConfigs = map[string]TargetConfig{
	"claude": {MaxTokens: 100000, ReserveTokens: 4000, ChunkSize: 8000},
	"gemini": {MaxTokens: 32000, ReserveTokens: 3000, ChunkSize: 6000},
	"codex":  {MaxTokens: 16000, ReserveTokens: 1500, ChunkSize: 3000},
	"ollama": {MaxTokens: 8000, ReserveTokens: 1000, ChunkSize: 2000},
}

// Estimate returns the estimated token count for text: ceil(len/4), 0 for
// empty input.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// LimitsFor returns the token limits for a named target. Unknown targets
// fall back to the most conservative entry.
func LimitsFor(target string) TargetConfig {
	if cfg, ok := targetConfigs[strings.ToLower(strings.TrimSpace(target))]; ok {
		return cfg
	}
	return targetConfigs[fallbackTarget]
}

// Available returns the token room left for a target after reserve and
// already-used tokens. May be negative; callers treat <=0 as no room.
func Available(target string, alreadyUsed int) int {
	cfg := LimitsFor(target)
	return cfg.MaxTokens - cfg.ReserveTokens - alreadyUsed
}

// Truncate cuts text to fit the target's remaining budget. Text that already
// fits is returned unchanged. Otherwise the cut prefers the last paragraph
// break in the trailing 30% of the budget, then the last sentence break in
// the trailing 20%, then a hard cut, and appends TruncationMarker.
func Truncate(text, target string, alreadyUsed int) string {
	charBudget := Available(target, alreadyUsed) * CharsPerToken
	if charBudget <= 0 {
		return TruncationMarker
	}
	if len(text) <= charBudget {
		return text
	}

	cut := truncateAt(text, charBudget)

	if idx := strings.LastIndex(cut, "\n\n"); idx >= int(float64(charBudget)*paragraphWindowFraction) {
		return strings.TrimRight(cut[:idx], "\n") + "\n\n" + TruncationMarker
	}
	if idx := lastSentenceBreak(cut); idx >= int(float64(charBudget)*sentenceWindowFraction) {
		return strings.TrimRight(cut[:idx], " ") + "\n\n" + TruncationMarker
	}
	return cut + "\n\n" + TruncationMarker
}

// Chunk splits text greedily into pieces no larger than the target's chunk
// budget, preferring paragraph then sentence boundaries found in the trailing
// half of each window. Each chunk is trimmed. Returns nil for blank input.
func Chunk(text, target string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	charBudget := LimitsFor(target).ChunkSize * CharsPerToken
	if charBudget <= 0 || len(trimmed) <= charBudget {
		return []string{trimmed}
	}

	chunks := make([]string, 0, len(trimmed)/charBudget+1)
	rest := trimmed
	for len(rest) > charBudget {
		window := truncateAt(rest, charBudget)
		cutAt := len(window)

		minBoundary := int(float64(len(window)) * chunkWindowFraction)
		if idx := strings.LastIndex(window, "\n\n"); idx >= minBoundary {
			cutAt = idx
		} else if idx := lastSentenceBreak(window); idx >= minBoundary {
			cutAt = idx
		}
		if cutAt <= 0 {
			cutAt = len(window)
		}

		if chunk := strings.TrimSpace(rest[:cutAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[cutAt:], " \t\n")
	}
	if chunk := strings.TrimSpace(rest); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Usage reports how much of a target's usable budget a text consumes.
type Usage struct {
	Used       int
	Available  int
	Percentage float64
}

// NearLimit reports whether usage has crossed 80% of the usable budget.
func (u Usage) NearLimit() bool {
	return u.Percentage >= 80
}

// UsageFor computes budget usage of text against a target.
func UsageFor(text, target string) Usage {
	cfg := LimitsFor(target)
	usable := cfg.MaxTokens - cfg.ReserveTokens
	used := Estimate(text)

	u := Usage{Used: used, Available: usable}
	if usable > 0 {
		u.Percentage = float64(used) / float64(usable) * 100
	}
	return u
}

// truncateAt cuts text at the byte budget, backing off to a rune boundary so
// a multi-byte character is never split.
func truncateAt(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	for budget > 0 && !utf8.RuneStart(text[budget]) {
		budget--
	}
	return text[:budget]
}

// lastSentenceBreak returns the index just past the last sentence-ending
// punctuation followed by a space, or the last newline, whichever is later.
// Returns -1 when no break exists.
func lastSentenceBreak(text string) int {
	best := -1
	for _, mark := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(text, mark); idx >= 0 && idx+1 > best {
			best = idx + 1
		}
	}
	if idx := strings.LastIndex(text, "\n"); idx >= 0 && idx > best {
		best = idx
	}
	return best
}
