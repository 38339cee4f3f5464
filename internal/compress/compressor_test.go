package compress

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lunarch/promptmem/internal/tokens"
)

type mockGenerator struct {
	generateFn  func(model, prompt string) (string, error)
	availableFn func() bool
}

func (m *mockGenerator) Generate(ctx context.Context, model, prompt string) (string, error) {
	if m.generateFn != nil {
		return m.generateFn(model, prompt)
	}
	return "", fmt.Errorf("no generator")
}

func (m *mockGenerator) Available(ctx context.Context) bool {
	if m.availableFn != nil {
		return m.availableFn()
	}
	return false
}

func TestCompressPassthroughShortText(t *testing.T) {
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		t.Fatal("service should not be called for short text")
		return "", nil
	}}, "llama3")

	text := "already short"
	result := c.Compress(context.Background(), text, Options{MaxTokens: 100})
	if result.Summary != text {
		t.Fatalf("Summary = %q, want passthrough", result.Summary)
	}
	if result.Ratio != 1 {
		t.Fatalf("Ratio = %v, want 1", result.Ratio)
	}
	if result.OriginalTokens != result.SummaryTokens {
		t.Fatalf("token counts differ on passthrough: %d vs %d", result.OriginalTokens, result.SummaryTokens)
	}
}

func TestCompressComputesRatio(t *testing.T) {
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		return "short summary", nil
	}}, "llama3")

	long := strings.Repeat("a verbose paragraph about many things. ", 100)
	result := c.Compress(context.Background(), long, Options{MaxTokens: 50})
	if result.Summary != "short summary" {
		t.Fatalf("Summary = %q", result.Summary)
	}
	if result.Ratio <= 1 {
		t.Fatalf("Ratio = %v, want > 1", result.Ratio)
	}
	if result.OriginalTokens != tokens.Estimate(long) {
		t.Fatalf("OriginalTokens = %d", result.OriginalTokens)
	}
}

func TestCompressFallbackOnServiceError(t *testing.T) {
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		return "", fmt.Errorf("connection refused")
	}}, "llama3")

	long := strings.Repeat("some prose that goes on and on. ", 200)
	result := c.Compress(context.Background(), long, Options{MaxTokens: 50})
	if !strings.HasSuffix(result.Summary, FallbackMarker) {
		t.Fatalf("expected fallback marker, got %q", result.Summary[len(result.Summary)-60:])
	}
	if result.Ratio != 1 {
		t.Fatalf("Ratio = %v, want forced 1 on fallback", result.Ratio)
	}
	if !strings.HasPrefix(result.Summary, "some prose") {
		t.Fatal("fallback should truncate the original text")
	}
}

func TestCompressPreservesCodeBlocks(t *testing.T) {
	code := "```go\nfunc main() {\n\tpanic(\"exact bytes\")\n}\n```"
	var sawCode bool
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		if strings.Contains(prompt, "exact bytes") {
			sawCode = true
		}
		// Echo back the placeholder the compressor substituted.
		return "compressed prose __CODE_BLOCK_0__ more prose", nil
	}}, "llama3")

	text := strings.Repeat("prose before. ", 100) + code + strings.Repeat(" prose after.", 100)
	result := c.Compress(context.Background(), text, Options{MaxTokens: 50, PreserveCode: true})
	if sawCode {
		t.Fatal("code content must never be sent to the summarization service")
	}
	if !strings.Contains(result.Summary, code) {
		t.Fatalf("code block not restored verbatim: %q", result.Summary)
	}
}

func TestCompressIfNeeded(t *testing.T) {
	var gotPrompt string
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		gotPrompt = prompt
		return "squeezed", nil
	}}, "llama3")

	short := "fits fine"
	if got := c.CompressIfNeeded(context.Background(), short, 1000, Options{}); got != short {
		t.Fatalf("short text changed: %q", got)
	}

	long := strings.Repeat("words words words. ", 300)
	if got := c.CompressIfNeeded(context.Background(), long, 100, Options{}); got != "squeezed" {
		t.Fatalf("long text = %q", got)
	}
	// Target is 80% of the limit.
	if !strings.Contains(gotPrompt, "80 tokens") {
		t.Fatalf("prompt should target 80%% of limit: %q", gotPrompt[:80])
	}
}

func TestExtractKeyPointsShortText(t *testing.T) {
	c := New(&mockGenerator{}, "llama3")
	got := c.ExtractKeyPoints(context.Background(), "  a short note  ")
	if len(got) != 1 || got[0] != "a short note" {
		t.Fatalf("ExtractKeyPoints short = %v", got)
	}
}

func TestExtractKeyPointsParsesBullets(t *testing.T) {
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		return "- first point\n* second point\n\n• third point\n", nil
	}}, "llama3")

	long := strings.Repeat("sentence with substance. ", 50)
	got := c.ExtractKeyPoints(context.Background(), long)
	want := []string{"first point", "second point", "third point"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("point %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractKeyPointsFallback(t *testing.T) {
	c := New(&mockGenerator{generateFn: func(model, prompt string) (string, error) {
		return "", fmt.Errorf("timeout")
	}}, "llama3")

	long := strings.Repeat("sentence with substance. ", 50)
	got := c.ExtractKeyPoints(context.Background(), long)
	if len(got) != 1 {
		t.Fatalf("expected single fallback element, got %d", len(got))
	}
	if !strings.HasPrefix(got[0], "sentence with substance.") {
		t.Fatalf("fallback element = %q", got[0])
	}
}
