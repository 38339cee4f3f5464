// Package retrieval ranks, filters, and token-budgets long-term memory
// lookups for prompt assembly.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/lunarch/promptmem/internal/memstore"
	"github.com/lunarch/promptmem/internal/tokens"
)

const (
	defaultLimit     = 10
	defaultMaxTokens = 2000
	defaultMinScore  = 0.3

	// recencyScore tags backfilled items as recency-only, not
	// relevance-matched.
	recencyScore = 0.05
)

// Searcher is the slice of the memory store the retriever needs.
type Searcher interface {
	Search(ctx context.Context, query, typ string, limit int) ([]memstore.SearchResult, string, error)
	Recent(ctx context.Context, typ string, limit int) ([]memstore.Item, error)
}

// Options control one retrieval pass. Zero values take conservative
// defaults; MinScore 0 keeps everything.
type Options struct {
	Limit         int
	Types         []string
	IncludeRecent bool
	MinScore      float64
	MaxTokens     int
}

// Result is a budgeted, ranked retrieval outcome. Method reports how the
// items were found; recency means nothing matched by relevance.
type Result struct {
	Items       []memstore.SearchResult
	TotalTokens int
	Method      string
}

// ContextResult extends Result with a per-type item count for callers that
// assemble multi-category context blocks.
type ContextResult struct {
	Items       []memstore.SearchResult
	TotalTokens int
	Method      string
	Breakdown   map[string]int
}

type Retriever struct {
	store Searcher
}

func New(store Searcher) *Retriever {
	return &Retriever{store: store}
}

// Retrieve searches each requested type with an even share of the limit,
// merges and ranks the results, optionally backfills with recent items, and
// packs the ranked list into the token ceiling. Packing is order-preserving:
// the first item that would overflow stops the scan, even if a later,
// smaller item would still fit.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	types := opts.Types
	if len(types) == 0 {
		types = []string{""}
	}
	share := opts.Limit / len(types)
	if share < 1 {
		share = 1
	}

	seen := make(map[string]struct{})
	merged := make([]memstore.SearchResult, 0, opts.Limit)
	method := memstore.MethodKeyword
	for _, typ := range types {
		results, m, err := r.store.Search(ctx, query, typ, share)
		if err != nil {
			return Result{}, fmt.Errorf("search %q: %w", typ, err)
		}
		method = m
		for _, res := range results {
			if res.Score < opts.MinScore {
				continue
			}
			if _, dup := seen[res.Item.ID]; dup {
				continue
			}
			seen[res.Item.ID] = struct{}{}
			merged = append(merged, res)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	relevanceHits := len(merged)
	if opts.IncludeRecent && len(merged) < opts.Limit {
		for _, typ := range types {
			recent, err := r.store.Recent(ctx, typ, opts.Limit-len(merged))
			if err != nil {
				return Result{}, fmt.Errorf("recent %q: %w", typ, err)
			}
			for _, item := range recent {
				if len(merged) >= opts.Limit {
					break
				}
				if _, dup := seen[item.ID]; dup {
					continue
				}
				seen[item.ID] = struct{}{}
				merged = append(merged, memstore.SearchResult{Item: item, Score: recencyScore})
			}
		}
	}
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}

	packed, total := packByTokens(merged, opts.MaxTokens)
	if relevanceHits == 0 && len(packed) > 0 {
		method = memstore.MethodRecency
	}
	return Result{Items: packed, TotalTokens: total, Method: method}, nil
}

// RetrieveByType fixes the type filter for a single memory kind.
func (r *Retriever) RetrieveByType(ctx context.Context, query, typ string, opts Options) (Result, error) {
	opts.Types = []string{typ}
	return r.Retrieve(ctx, query, opts)
}

// ConversationContext pulls past conversation records, padding with recent
// ones when relevance matches run short.
func (r *Retriever) ConversationContext(ctx context.Context, query string, limit int) (Result, error) {
	return r.RetrieveByType(ctx, query, memstore.TypeConversation, Options{
		Limit:         limit,
		IncludeRecent: true,
		MinScore:      defaultMinScore,
	})
}

// CodeContext pulls stored code snippets by relevance only.
func (r *Retriever) CodeContext(ctx context.Context, query string, limit int) (Result, error) {
	return r.RetrieveByType(ctx, query, memstore.TypeCode, Options{
		Limit:    limit,
		MinScore: defaultMinScore,
	})
}

// DecisionContext pulls recorded decisions, padding with recent ones.
func (r *Retriever) DecisionContext(ctx context.Context, query string, limit int) (Result, error) {
	return r.RetrieveByType(ctx, query, memstore.TypeDecision, Options{
		Limit:         limit,
		IncludeRecent: true,
		MinScore:      defaultMinScore,
	})
}

// PatternContext pulls user-preference patterns. Preference records are
// assumed always relevant, so no score floor is applied.
func (r *Retriever) PatternContext(ctx context.Context, query string, limit int) (Result, error) {
	return r.RetrieveByType(ctx, query, memstore.TypePattern, Options{
		Limit:         limit,
		IncludeRecent: true,
		MinScore:      0,
	})
}

// BuildContext retrieves across the four context categories under one shared
// token ceiling and reports the per-type item count.
func (r *Retriever) BuildContext(ctx context.Context, query string, opts Options) (ContextResult, error) {
	if len(opts.Types) == 0 {
		opts.Types = []string{
			memstore.TypeConversation,
			memstore.TypeCode,
			memstore.TypeDecision,
			memstore.TypePattern,
		}
	}

	result, err := r.Retrieve(ctx, query, opts)
	if err != nil {
		return ContextResult{}, err
	}

	breakdown := make(map[string]int)
	for _, res := range result.Items {
		breakdown[res.Item.Type]++
	}
	return ContextResult{
		Items:       result.Items,
		TotalTokens: result.TotalTokens,
		Method:      result.Method,
		Breakdown:   breakdown,
	}, nil
}

func packByTokens(ranked []memstore.SearchResult, maxTokens int) ([]memstore.SearchResult, int) {
	packed := make([]memstore.SearchResult, 0, len(ranked))
	total := 0
	for _, res := range ranked {
		cost := tokens.Estimate(res.Item.Content)
		if total+cost > maxTokens {
			break
		}
		packed = append(packed, res)
		total += cost
	}
	return packed, total
}
