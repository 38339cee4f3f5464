// Package memstore is the durable long-term memory: typed records in SQLite
// with a mandatory FTS5 keyword index and an optional vector index that is
// only populated when a local embedding provider is detected.
package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lunarch/promptmem/internal/ollama"
)

// Memory record types.
const (
	TypeConversation = "conversation"
	TypeCode         = "code"
	TypeDecision     = "decision"
	TypePattern      = "pattern"
	TypeContext      = "context"
)

// AllTypes lists every record type, in retrieval-category order.
var AllTypes = []string{TypeConversation, TypeCode, TypeDecision, TypePattern, TypeContext}

// embedModelMarkers identify embedding-capable models in the service's
// listing during auto-detection.
var embedModelMarkers = []string{"embed", "bge", "minilm", "nomic"}

// Item is one long-lived memory record. Content is immutable once stored.
type Item struct {
	ID        string
	Type      string
	Content   string
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchResult pairs an item with a path-specific score: |bm25| on the
// keyword path, cosine similarity on the vector path, or a fixed low
// constant for recency-only inclusion. Scores from different paths are not
// numerically comparable.
type SearchResult struct {
	Item  Item
	Score float64
}

// Search methods reported to callers.
const (
	MethodVector  = "vector"
	MethodKeyword = "keyword"
	MethodRecency = "recency"
)

// EmbeddingClient is the embedding side of the inference service.
type EmbeddingClient interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

// Store owns the database handle and the provider-detection result for its
// lifetime. A provider that comes up later is not picked up until a new
// Store is opened.
type Store struct {
	db             *sql.DB
	client         EmbeddingClient
	providerActive bool
	embedModel     string
}

// Open opens (or creates) the store at dbPath and probes the embedding
// provider exactly once. client may be nil for a keyword-only store.
// configuredModel "auto" means pick an embedding model from the service's
// listing.
func Open(ctx context.Context, dbPath string, client EmbeddingClient, configuredModel string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, client: client}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.detectProvider(ctx, configuredModel)
	if s.providerActive {
		if err := s.initVectorSchema(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ProviderActive reports whether semantic search is available.
func (s *Store) ProviderActive() bool {
	return s.providerActive
}

// EmbedModel returns the embedding model chosen at detection time.
func (s *Store) EmbedModel() string {
	return s.embedModel
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) initVectorSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS memory_vectors (
		memory_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init vector schema: %w", err)
	}
	return nil
}

// detectProvider probes the service listing once and caches the outcome for
// the store's lifetime.
func (s *Store) detectProvider(ctx context.Context, configuredModel string) {
	if s.client == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	models, err := s.client.ListModels(probeCtx)
	if err != nil {
		log.Printf("[memstore] embedding provider not reachable, keyword search only: %v", err)
		return
	}

	configuredModel = strings.TrimSpace(configuredModel)
	if configuredModel != "" && !strings.EqualFold(configuredModel, "auto") {
		s.providerActive = true
		s.embedModel = configuredModel
		return
	}

	for _, m := range models {
		name := strings.ToLower(m.Name)
		for _, marker := range embedModelMarkers {
			if strings.Contains(name, marker) {
				s.providerActive = true
				s.embedModel = m.Name
				log.Printf("[memstore] detected embedding model %s", m.Name)
				return
			}
		}
	}
	log.Printf("[memstore] no embedding model served, keyword search only")
}

// Add stores a new record and returns its id. When a provider is active the
// content is embedded and mirrored into the vector index; the mirror write
// is best-effort and never fails the insert.
func (s *Store) Add(ctx context.Context, item Item) (string, error) {
	content := strings.TrimSpace(item.Content)
	if content == "" {
		return "", fmt.Errorf("add memory: empty content")
	}
	typ := strings.TrimSpace(item.Type)
	if typ == "" {
		typ = TypeContext
	}

	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	metadata := "{}"
	if len(item.Metadata) > 0 {
		data, err := json.Marshal(item.Metadata)
		if err != nil {
			return "", fmt.Errorf("add memory: marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	var blob []byte
	if s.providerActive {
		vectors, err := s.client.Embed(ctx, s.embedModel, []string{content})
		if err != nil {
			log.Printf("[memstore] embed on add failed, storing without vector: %v", err)
		} else if encoded, err := EncodeVector(vectors[0]); err == nil {
			blob = encoded
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, typ, content, metadata, blob, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("add memory: %w", err)
	}

	if blob != nil {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_vectors (memory_id, type, content, embedding)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET type=excluded.type, content=excluded.content, embedding=excluded.embedding
		`, id, typ, content, blob); err != nil {
			log.Printf("[memstore] vector index write failed for %s: %v", id, err)
		}
	}
	return id, nil
}

// Get returns a record by id; ok=false when absent.
func (s *Store) Get(ctx context.Context, id string) (Item, bool) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, metadata, embedding, created_at, updated_at
		FROM memories WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if err != nil {
		return Item{}, false
	}
	return item, true
}

// Recent returns the newest records, optionally filtered by type.
func (s *Store) Recent(ctx context.Context, typ string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, type, content, metadata, embedding, created_at, updated_at
		FROM memories
	`
	args := []any{}
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Delete removes a record (and its vector mirror) by id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	if s.providerActive {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
			log.Printf("[memstore] vector index delete failed for %s: %v", id, err)
		}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return n > 0, nil
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	TotalItems     int
	ByType         map[string]int
	VectorCount    int
	ProviderActive bool
	EmbedModel     string
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByType:         map[string]int{},
		ProviderActive: s.providerActive,
		EmbedModel:     s.embedModel,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(1) FROM memories GROUP BY type`)
	if err != nil {
		return st, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.ByType[typ] = count
		st.TotalItems += count
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate stats: %w", err)
	}

	if s.providerActive {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_vectors`).Scan(&st.VectorCount); err != nil {
			log.Printf("[memstore] vector count failed: %v", err)
		}
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var metadata string
	var blob []byte
	var createdAt, updatedAt string
	if err := row.Scan(&item.ID, &item.Type, &item.Content, &metadata, &blob, &createdAt, &updatedAt); err != nil {
		return Item{}, err
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			// Malformed persisted metadata is dropped, not fatal.
			item.Metadata = nil
		}
	}
	if len(blob) > 0 {
		if vec, err := DecodeVector(blob); err == nil {
			item.Embedding = vec
		}
	}
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return item, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return items, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
