package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4000), 1000},
		{strings.Repeat("x", 4001), 1001},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Fatalf("Estimate(len=%d) = %d, want %d", len(tc.text), got, tc.want)
		}
	}
}

func TestLimitsForUnknownTargetFallsBack(t *testing.T) {
	got := LimitsFor("unknown-target")
	want := TargetConfig{MaxTokens: 8000, ReserveTokens: 1000, ChunkSize: 2000}
	if got != want {
		t.Fatalf("LimitsFor fallback = %+v, want %+v", got, want)
	}
	if LimitsFor("  Claude ") != LimitsFor("claude") {
		t.Fatal("LimitsFor should normalize case and whitespace")
	}
}

func TestAvailableMayGoNegative(t *testing.T) {
	if got := Available("ollama", 0); got != 7000 {
		t.Fatalf("Available(ollama, 0) = %d, want 7000", got)
	}
	if got := Available("ollama", 8000); got >= 0 {
		t.Fatalf("Available(ollama, 8000) = %d, want negative", got)
	}
}

func TestTruncatePassthroughWhenFits(t *testing.T) {
	text := "short text that easily fits"
	if got := Truncate(text, "ollama", 0); got != text {
		t.Fatalf("Truncate changed text that fits: %q", got)
	}
}

func TestTruncateRespectsBudget(t *testing.T) {
	text := strings.Repeat("long filler sentence without breaks ", 2000)
	got := Truncate(text, "ollama", 0)

	available := Available("ollama", 0)
	markerTokens := Estimate(TruncationMarker)
	if est := Estimate(got); est > available+markerTokens+1 {
		t.Fatalf("truncated estimate %d exceeds available %d + marker %d", est, available, markerTokens)
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("missing truncation marker: %q", got[len(got)-40:])
	}
}

func TestTruncatePrefersParagraphBoundary(t *testing.T) {
	budget := Available("ollama", 0) * CharsPerToken
	// One paragraph break placed inside the trailing 30% of the budget.
	head := strings.Repeat("a", int(float64(budget)*0.85))
	text := head + "\n\ntail paragraph " + strings.Repeat("b", budget)

	got := Truncate(text, "ollama", 0)
	if !strings.HasPrefix(got, head) {
		t.Fatal("paragraph cut should keep everything before the break")
	}
	if strings.Contains(got, "tail paragraph") {
		t.Fatal("paragraph cut should drop everything after the break")
	}
}

func TestTruncateNoRoom(t *testing.T) {
	if got := Truncate("anything", "ollama", 10000); got != TruncationMarker {
		t.Fatalf("expected bare marker when no room, got %q", got)
	}
}

func TestChunkRespectsChunkBudget(t *testing.T) {
	paragraph := "This is a sentence. Another one follows here.\n\n"
	text := strings.Repeat(paragraph, 1200)

	chunks := Chunk(text, "ollama")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	budget := LimitsFor("ollama").ChunkSize * CharsPerToken
	for i, chunk := range chunks {
		if len(chunk) > budget {
			t.Fatalf("chunk %d has %d chars, budget %d", i, len(chunk), budget)
		}
		if chunk != strings.TrimSpace(chunk) {
			t.Fatalf("chunk %d not trimmed", i)
		}
	}
}

func TestChunkShortInput(t *testing.T) {
	if got := Chunk("  hello  ", "ollama"); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("Chunk short input = %v", got)
	}
	if got := Chunk("   ", "ollama"); got != nil {
		t.Fatalf("Chunk blank input = %v, want nil", got)
	}
}

func TestUsageNearLimit(t *testing.T) {
	u := UsageFor(strings.Repeat("x", 7000*CharsPerToken), "ollama")
	if u.Used != 7000 || u.Available != 7000 {
		t.Fatalf("usage = %+v", u)
	}
	if !u.NearLimit() {
		t.Fatal("100%% usage should be near limit")
	}

	low := UsageFor("tiny", "ollama")
	if low.NearLimit() {
		t.Fatalf("tiny usage flagged near limit: %+v", low)
	}
}
