package memstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lunarch/promptmem/internal/ollama"
)

type stubEmbedder struct {
	models    []ollama.ModelInfo
	listErr   error
	embedFn   func(input []string) ([][]float32, error)
	embedHits int
}

func (s *stubEmbedder) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	s.embedHits++
	if s.embedFn != nil {
		return s.embedFn(input)
	}
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

// axisEmbedder maps known words to orthogonal unit vectors so similarity
// ranking is fully deterministic.
func axisEmbedder() *stubEmbedder {
	axes := map[string][]float32{
		"goroutine": {1, 0, 0},
		"deadlock":  {0, 1, 0},
		"database":  {0, 0, 1},
	}
	return &stubEmbedder{
		models: []ollama.ModelInfo{{Name: "nomic-embed-text"}},
		embedFn: func(input []string) ([][]float32, error) {
			out := make([][]float32, len(input))
			for i, text := range input {
				vec := []float32{0.1, 0.1, 0.1}
				for word, axis := range axes {
					if containsWord(text, word) {
						vec = axis
						break
					}
				}
				out[i] = vec
			}
			return out, nil
		},
	}
}

func containsWord(text, word string) bool {
	for i := 0; i+len(word) <= len(text); i++ {
		if text[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func openKeywordOnly(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), nil, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenWithoutProvider(t *testing.T) {
	s := openKeywordOnly(t)
	if s.ProviderActive() {
		t.Fatal("no client should mean keyword-only mode")
	}
}

func TestOpenProviderUnreachable(t *testing.T) {
	stub := &stubEmbedder{listErr: errors.New("connection refused")}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.ProviderActive() {
		t.Fatal("unreachable provider must leave keyword-only mode")
	}
}

func TestOpenDetectsEmbedModel(t *testing.T) {
	stub := &stubEmbedder{models: []ollama.ModelInfo{
		{Name: "llama3.2"},
		{Name: "bge-small"},
	}}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.ProviderActive() {
		t.Fatal("provider should be active")
	}
	if s.EmbedModel() != "bge-small" {
		t.Fatalf("EmbedModel = %q", s.EmbedModel())
	}
}

func TestOpenHonorsConfiguredModel(t *testing.T) {
	stub := &stubEmbedder{models: []ollama.ModelInfo{{Name: "llama3.2"}}}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "my-embedder")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.ProviderActive() || s.EmbedModel() != "my-embedder" {
		t.Fatalf("active=%v model=%q", s.ProviderActive(), s.EmbedModel())
	}
}

func TestAddGetDelete(t *testing.T) {
	s := openKeywordOnly(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Item{
		Type:     TypeDecision,
		Content:  "use write-ahead logging for the local store",
		Metadata: map[string]string{"source": "review"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	item, ok := s.Get(ctx, id)
	if !ok {
		t.Fatal("Get should find the stored record")
	}
	if item.Type != TypeDecision || item.Metadata["source"] != "review" {
		t.Fatalf("item = %+v", item)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be set")
	}

	deleted, err := s.Delete(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if _, ok := s.Get(ctx, id); ok {
		t.Fatal("record should be gone")
	}
	if deleted, _ := s.Delete(ctx, id); deleted {
		t.Fatal("second delete should report false")
	}
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s := openKeywordOnly(t)
	if _, err := s.Add(context.Background(), Item{Type: TypeCode, Content: "   "}); err == nil {
		t.Fatal("blank content should fail")
	}
}

func TestAddDefaultsType(t *testing.T) {
	s := openKeywordOnly(t)
	id, err := s.Add(context.Background(), Item{Content: "untyped note"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	item, _ := s.Get(context.Background(), id)
	if item.Type != TypeContext {
		t.Fatalf("Type = %q", item.Type)
	}
}

func TestRecent(t *testing.T) {
	s := openKeywordOnly(t)
	ctx := context.Background()

	for _, c := range []struct{ typ, content string }{
		{TypeCode, "retry helper with backoff"},
		{TypeCode, "worker pool draining"},
		{TypeDecision, "pin schema version"},
	} {
		if _, err := s.Add(ctx, Item{Type: c.typ, Content: c.content}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}

	code, err := s.Recent(ctx, TypeCode, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("code records = %d", len(code))
	}
	for _, item := range code {
		if item.Type != TypeCode {
			t.Fatalf("type filter leaked %q", item.Type)
		}
	}

	limited, err := s.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestSearchKeyword(t *testing.T) {
	s := openKeywordOnly(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "goroutine leak in the watcher loop"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, Item{Type: TypeDecision, Content: "goroutine budget capped per request"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "sql migration ordering"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := s.SearchKeyword(ctx, "goroutine", "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	for _, r := range results {
		if r.Score < 0 {
			t.Fatalf("score must be non-negative, got %v", r.Score)
		}
	}

	filtered, err := s.SearchKeyword(ctx, "goroutine", TypeDecision, 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Item.Type != TypeDecision {
		t.Fatalf("filtered = %+v", filtered)
	}
}

func TestSearchKeywordSanitizesQuery(t *testing.T) {
	s := openKeywordOnly(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "parser handles nested quotes"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Operator characters and reserved words must not break the match query.
	results, err := s.SearchKeyword(ctx, `parser AND "quotes* (nested)`, "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}

	empty, err := s.SearchKeyword(ctx, `"" ** ()`, "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(empty) != 0 {
		t.Fatal("operator-only query should match nothing")
	}
}

func TestSearchDispatchKeywordOnly(t *testing.T) {
	s := openKeywordOnly(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "deadlock on shutdown"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, method, err := s.Search(ctx, "deadlock", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if method != MethodKeyword {
		t.Fatalf("method = %q", method)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
}

func TestSearchVectorRanking(t *testing.T) {
	stub := axisEmbedder()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "goroutine pool sizing"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "deadlock between writers"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, Item{Type: TypeDecision, Content: "database kept embedded"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, method, err := s.Search(ctx, "goroutine scheduling", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if method != MethodVector {
		t.Fatalf("method = %q", method)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Item.Content != "goroutine pool sizing" {
		t.Fatalf("top result = %q", results[0].Item.Content)
	}
	if results[0].Score != 1 {
		t.Fatalf("top score = %v", results[0].Score)
	}

	filtered, _, err := s.Search(ctx, "database layout", TypeDecision, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Item.Type != TypeDecision {
		t.Fatalf("filtered = %+v", filtered)
	}
}

func TestSearchFallsBackWhenEmbedFails(t *testing.T) {
	stub := &stubEmbedder{models: []ollama.ModelInfo{{Name: "nomic-embed-text"}}}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Add(ctx, Item{Type: TypeCode, Content: "fallback path exercised"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Provider dies after detection and ingestion.
	stub.embedFn = func(input []string) ([][]float32, error) {
		return nil, errors.New("model evicted")
	}

	results, method, err := s.Search(ctx, "fallback", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if method != MethodKeyword {
		t.Fatalf("method = %q, want keyword fallback", method)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
}

func TestStats(t *testing.T) {
	stub := axisEmbedder()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mem.db"), stub, "auto")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, c := range []struct{ typ, content string }{
		{TypeCode, "goroutine helper"},
		{TypeCode, "deadlock notes"},
		{TypeDecision, "database embedded"},
	} {
		if _, err := s.Add(ctx, Item{Type: c.typ, Content: c.content}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalItems != 3 || st.ByType[TypeCode] != 2 || st.ByType[TypeDecision] != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.VectorCount != 3 {
		t.Fatalf("VectorCount = %d", st.VectorCount)
	}
	if !st.ProviderActive || st.EmbedModel != "nomic-embed-text" {
		t.Fatalf("provider fields = %+v", st)
	}
}
