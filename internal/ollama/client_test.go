package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "  a summary  "})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.Generate(context.Background(), "llama3", "summarize this")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if got != "a summary" {
		t.Fatalf("Generate = %q", got)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Generate(context.Background(), "missing", "x"); err == nil {
		t.Fatal("expected error for http 404")
	}
}

func TestEmbedValidatesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2}, {0.3, 0.4}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	vectors, err := c.Embed(context.Background(), "nomic-embed-text", []string{"one", "two"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 2 {
		t.Fatalf("unexpected vectors %v", vectors)
	}

	if _, err := c.Embed(context.Background(), "nomic-embed-text", []string{"only one"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []ModelInfo{{Name: "llama3"}}})
	}))
	c := NewClient(srv.URL)
	if !c.Available(context.Background()) {
		t.Fatal("expected service available")
	}
	srv.Close()
	if c.Available(context.Background()) {
		t.Fatal("expected service unavailable after close")
	}
}
