// Package compress produces shorter semantic-preserving versions of text
// blocks via the local summarization service, degrading to plain truncation
// whenever the service is unavailable or fails.
package compress

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/lunarch/promptmem/internal/tokens"
)

const (
	// FallbackMarker tags text that was truncated because summarization
	// failed. Distinct from tokens.TruncationMarker so callers can tell
	// the two apart.
	FallbackMarker = "[...summarization failed, truncated]"

	// Inputs below this estimated size are not worth key-point extraction.
	keyPointMinTokens = 100

	// Cap on how much input text is embedded into a summarization prompt.
	maxPromptInputChars = 24000

	defaultMaxTokens = 500
)

var codeBlockRegex = regexp.MustCompile("(?s)```.*?```")

const (
	summaryPrompt = `Compress the following text to roughly %d tokens while preserving every key fact, decision, and constraint. Return only the compressed text, no preamble.

Text:
%s`

	bulletSummaryPrompt = `Compress the following text into a bullet list of at most %d tokens. One fact per bullet, no preamble.

Text:
%s`

	keyPointsPrompt = `Extract the key points from the following text as a bullet list. One concise point per line, each starting with "- ". Return only the bullets.

Text:
%s`
)

// Generator is the summarization side of the inference service.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
	Available(ctx context.Context) bool
}

// Result describes one compression outcome. Ratio is original/summary token
// counts when compression occurred and 1 when the input passed through
// unchanged or truncation was used instead.
type Result struct {
	Summary        string
	OriginalTokens int
	SummaryTokens  int
	Ratio          float64
}

// Options control a single Compress call.
type Options struct {
	MaxTokens    int
	PreserveCode bool
	Format       string // "paragraph" (default) or "bullets"
}

type Compressor struct {
	client Generator
	model  string
}

func New(client Generator, model string) *Compressor {
	return &Compressor{client: client, model: model}
}

// Compress shortens text to roughly opts.MaxTokens. Text already under the
// limit passes through unchanged. Fenced code blocks are kept byte-for-byte
// when opts.PreserveCode is set. Any service failure degrades to truncation
// of the original text.
func (c *Compressor) Compress(ctx context.Context, text string, opts Options) Result {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	originalTokens := tokens.Estimate(text)
	if originalTokens <= maxTokens {
		return Result{Summary: text, OriginalTokens: originalTokens, SummaryTokens: originalTokens, Ratio: 1}
	}

	input := text
	var blocks []string
	if opts.PreserveCode {
		input, blocks = extractCodeBlocks(text)
	}

	promptInput := input
	if len(promptInput) > maxPromptInputChars {
		promptInput = truncateRunes(promptInput, maxPromptInputChars)
	}

	template := summaryPrompt
	if strings.EqualFold(strings.TrimSpace(opts.Format), "bullets") {
		template = bulletSummaryPrompt
	}

	summary, err := c.client.Generate(ctx, c.model, fmt.Sprintf(template, maxTokens, promptInput))
	if err != nil {
		log.Printf("[compress] summarization failed, falling back to truncation: %v", err)
		return truncationFallback(text, originalTokens, maxTokens)
	}

	if opts.PreserveCode {
		summary = restoreCodeBlocks(summary, blocks)
	}

	summaryTokens := tokens.Estimate(summary)
	ratio := 1.0
	if summaryTokens > 0 {
		ratio = float64(originalTokens) / float64(summaryTokens)
	}
	return Result{Summary: summary, OriginalTokens: originalTokens, SummaryTokens: summaryTokens, Ratio: ratio}
}

// CompressIfNeeded returns text unchanged when it fits tokenLimit, otherwise
// compresses targeting 80% of the limit to leave slack for downstream
// formatting and the fallback's own marker.
func (c *Compressor) CompressIfNeeded(ctx context.Context, text string, tokenLimit int, opts Options) string {
	if tokenLimit <= 0 || tokens.Estimate(text) <= tokenLimit {
		return text
	}
	opts.MaxTokens = tokenLimit * 80 / 100
	return c.Compress(ctx, text, opts).Summary
}

// ExtractKeyPoints asks the service for a bullet list of the text's key
// points. Short text is returned as-is in a single-element list; failures
// degrade to a single truncated element.
func (c *Compressor) ExtractKeyPoints(ctx context.Context, text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if tokens.Estimate(trimmed) < keyPointMinTokens {
		return []string{trimmed}
	}

	promptInput := trimmed
	if len(promptInput) > maxPromptInputChars {
		promptInput = truncateRunes(promptInput, maxPromptInputChars)
	}

	resp, err := c.client.Generate(ctx, c.model, fmt.Sprintf(keyPointsPrompt, promptInput))
	if err != nil {
		log.Printf("[compress] key point extraction failed: %v", err)
		return []string{truncateRunes(trimmed, keyPointMinTokens*tokens.CharsPerToken)}
	}

	points := parseBullets(resp)
	if len(points) == 0 {
		return []string{truncateRunes(trimmed, keyPointMinTokens*tokens.CharsPerToken)}
	}
	return points
}

// Available probes the summarization service. Advisory only.
func (c *Compressor) Available(ctx context.Context) bool {
	return c.client.Available(ctx)
}

func truncationFallback(text string, originalTokens, maxTokens int) Result {
	cut := truncateRunes(text, maxTokens*tokens.CharsPerToken)
	summary := strings.TrimRight(cut, " \n") + "\n\n" + FallbackMarker
	return Result{
		Summary:        summary,
		OriginalTokens: originalTokens,
		SummaryTokens:  tokens.Estimate(summary),
		Ratio:          1,
	}
}

// extractCodeBlocks replaces each fenced code block with a stable positional
// placeholder and returns the blocks in order.
func extractCodeBlocks(text string) (string, []string) {
	var blocks []string
	stripped := codeBlockRegex.ReplaceAllStringFunc(text, func(block string) string {
		placeholder := codePlaceholder(len(blocks))
		blocks = append(blocks, block)
		return placeholder
	})
	return stripped, blocks
}

func restoreCodeBlocks(text string, blocks []string) string {
	for i, block := range blocks {
		text = strings.Replace(text, codePlaceholder(i), block, 1)
	}
	return text
}

func codePlaceholder(i int) string {
	return fmt.Sprintf("__CODE_BLOCK_%d__", i)
}

func parseBullets(resp string) []string {
	var points []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
				break
			}
		}
		if line != "" {
			points = append(points, line)
		}
	}
	return points
}

func truncateRunes(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(text) <= budget {
		return text
	}
	for budget > 0 && text[budget]&0xC0 == 0x80 {
		budget--
	}
	return text[:budget]
}
