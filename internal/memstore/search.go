package memstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"unicode"
)

const maxFTSTokens = 16

// SearchKeyword runs a relevance-ranked FTS5 match. The raw bm25 score is
// more relevant the lower (negative) it is; callers want higher-is-better,
// so the absolute value is returned.
func (s *Store) SearchKeyword(ctx context.Context, query, typ string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	stmt := `
		SELECT m.id, m.type, m.content, m.metadata, m.embedding, m.created_at, m.updated_at,
		       bm25(memories_fts) AS score
		FROM memories m
		JOIN memories_fts f ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?
	`
	args := []any{match}
	if typ != "" {
		stmt += ` AND m.type = ?`
		args = append(args, typ)
	}
	stmt += ` ORDER BY bm25(memories_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	results := make([]SearchResult, 0)
	for rows.Next() {
		var item Item
		var metadata string
		var blob []byte
		var createdAt, updatedAt string
		var score float64
		if err := rows.Scan(&item.ID, &item.Type, &item.Content, &metadata, &blob, &createdAt, &updatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)
		if len(blob) > 0 {
			if vec, err := DecodeVector(blob); err == nil {
				item.Embedding = vec
			}
		}
		if score < 0 {
			score = -score
		}
		results = append(results, SearchResult{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword results: %w", err)
	}
	return results, nil
}

// SearchVector embeds the query and ranks records by cosine similarity over
// the vector index. The index is not type-partitioned, so the type filter is
// applied after retrieval. Any failure falls back to keyword search.
func (s *Store) SearchVector(ctx context.Context, query, typ string, limit int) ([]SearchResult, error) {
	if !s.providerActive {
		return s.SearchKeyword(ctx, query, typ, limit)
	}
	results, err := s.vectorSearch(ctx, query, typ, limit)
	if err != nil {
		log.Printf("[memstore] vector search failed, falling back to keyword: %v", err)
		return s.SearchKeyword(ctx, query, typ, limit)
	}
	return results, nil
}

// Search dispatches to vector search when a provider is active and reports
// which path actually produced the results. Keyword search is the mandatory
// baseline; semantic search is opportunistic.
func (s *Store) Search(ctx context.Context, query, typ string, limit int) ([]SearchResult, string, error) {
	if s.providerActive {
		results, err := s.vectorSearch(ctx, query, typ, limit)
		if err == nil {
			return results, MethodVector, nil
		}
		log.Printf("[memstore] vector search failed, falling back to keyword: %v", err)
	}
	results, err := s.SearchKeyword(ctx, query, typ, limit)
	return results, MethodKeyword, err
}

func (s *Store) vectorSearch(ctx context.Context, query, typ string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vectors, err := s.client.Embed(ctx, s.embedModel, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVector := vectors[0]

	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, type, embedding FROM memory_vectors`)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id    string
		score float64
	}
	candidates := make([]candidate, 0)
	for rows.Next() {
		var id, rowType string
		var blob []byte
		if err := rows.Scan(&id, &rowType, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if typ != "" && rowType != typ {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(queryVector, vec)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		item, ok := s.Get(ctx, c.id)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Item: item, Score: c.score})
	}
	return results, nil
}

// buildMatchQuery strips characters special to the FTS index and joins the
// remaining tokens as a quoted OR query.
func buildMatchQuery(query string) string {
	tokens := sanitizeFTSTokens(strings.Fields(query))
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		quoted = append(quoted, `"`+token+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func sanitizeFTSTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}

	reserved := map[string]struct{}{
		"and":  {},
		"or":   {},
		"not":  {},
		"near": {},
	}

	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		for _, part := range strings.Fields(normalizeFTSToken(token)) {
			if _, blocked := reserved[part]; blocked {
				continue
			}
			if _, exists := seen[part]; exists {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	if len(out) > maxFTSTokens {
		out = out[:maxFTSTokens]
	}
	return out
}

func normalizeFTSToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}
