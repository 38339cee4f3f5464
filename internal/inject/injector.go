// Package inject renders retrieved memory items into a single budgeted text
// block ready to embed in a prompt.
package inject

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/lunarch/promptmem/internal/memstore"
	"github.com/lunarch/promptmem/internal/retrieval"
	"github.com/lunarch/promptmem/internal/tokens"
)

// Output dialects.
const (
	DialectMarkup = "markup"
	DialectProse  = "prose"
)

// typeHeadings label prose sections, in rendering order.
var typeHeadings = []struct {
	typ     string
	heading string
}{
	{memstore.TypeConversation, "Past conversations"},
	{memstore.TypeCode, "Code context"},
	{memstore.TypeDecision, "Decisions"},
	{memstore.TypePattern, "Patterns and preferences"},
	{memstore.TypeContext, "Background"},
}

// Options control one injection build. Include flags select categories; when
// none is set, every category is searched.
type Options struct {
	Dialect             string
	Limit               int
	MaxTokens           int
	MinScore            float64
	IncludeConversation bool
	IncludeCode         bool
	IncludeDecisions    bool
	IncludePatterns     bool
}

// Result is the rendered injection block.
type Result struct {
	Content   string
	Tokens    int
	ItemCount int
	Method    string
	Breakdown map[string]int
}

// ContextBuilder is the retriever surface the injector consumes.
type ContextBuilder interface {
	BuildContext(ctx context.Context, query string, opts retrieval.Options) (retrieval.ContextResult, error)
}

type Injector struct {
	retriever ContextBuilder
}

func New(retriever ContextBuilder) *Injector {
	return &Injector{retriever: retriever}
}

// DialectFor picks the rendering dialect for a target agent. Claude prompts
// respond well to structured markup; everything else gets prose.
func DialectFor(targetAgent string) string {
	if strings.EqualFold(strings.TrimSpace(targetAgent), "claude") {
		return DialectMarkup
	}
	return DialectProse
}

// Build retrieves context for query and renders it in the requested dialect.
// Zero retrievable items yield empty content, zero tokens, zero count.
func (i *Injector) Build(ctx context.Context, query string, opts Options) (Result, error) {
	dialect := opts.Dialect
	if dialect == "" {
		dialect = DialectProse
	}
	if dialect != DialectMarkup && dialect != DialectProse {
		return Result{}, fmt.Errorf("build injection: unknown dialect %q", dialect)
	}

	built, err := i.retriever.BuildContext(ctx, query, retrieval.Options{
		Limit:     opts.Limit,
		Types:     opts.includedTypes(),
		MinScore:  opts.MinScore,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("build injection: %w", err)
	}

	if len(built.Items) == 0 {
		return Result{Breakdown: map[string]int{}}, nil
	}

	var content string
	switch dialect {
	case DialectMarkup:
		content = renderMarkup(built.Items)
	default:
		content = renderProse(built.Items)
	}

	return Result{
		Content:   content,
		Tokens:    tokens.Estimate(content),
		ItemCount: len(built.Items),
		Method:    built.Method,
		Breakdown: built.Breakdown,
	}, nil
}

// BuildFor renders for a target agent using its preferred dialect.
func (i *Injector) BuildFor(ctx context.Context, query, targetAgent string, opts Options) (Result, error) {
	opts.Dialect = DialectFor(targetAgent)
	return i.Build(ctx, query, opts)
}

func (o Options) includedTypes() []string {
	selected := make([]string, 0, 4)
	if o.IncludeConversation {
		selected = append(selected, memstore.TypeConversation)
	}
	if o.IncludeCode {
		selected = append(selected, memstore.TypeCode)
	}
	if o.IncludeDecisions {
		selected = append(selected, memstore.TypeDecision)
	}
	if o.IncludePatterns {
		selected = append(selected, memstore.TypePattern)
	}
	if len(selected) == 0 {
		return nil
	}
	return selected
}

// renderMarkup emits one <memory> element per item. Content is escaped
// except for code items, whose exact bytes matter to the consumer.
func renderMarkup(items []memstore.SearchResult) string {
	var b strings.Builder
	b.WriteString("<memories>\n")
	for _, res := range items {
		b.WriteString(`<memory type="`)
		b.WriteString(res.Item.Type)
		b.WriteString(`">`)
		if res.Item.Type == memstore.TypeCode {
			b.WriteString("\n")
			b.WriteString(res.Item.Content)
			b.WriteString("\n")
		} else {
			b.WriteString(html.EscapeString(res.Item.Content))
		}
		b.WriteString("</memory>\n")
	}
	b.WriteString("</memories>")
	return b.String()
}

// renderProse groups items by type under labeled headings; code items are
// fenced to survive prompt formatting.
func renderProse(items []memstore.SearchResult) string {
	grouped := make(map[string][]memstore.SearchResult)
	for _, res := range items {
		grouped[res.Item.Type] = append(grouped[res.Item.Type], res)
	}

	var b strings.Builder
	b.WriteString("Relevant context from memory:\n")
	for _, section := range typeHeadings {
		group := grouped[section.typ]
		if len(group) == 0 {
			continue
		}
		b.WriteString("\n## ")
		b.WriteString(section.heading)
		b.WriteString("\n")
		for _, res := range group {
			if section.typ == memstore.TypeCode {
				b.WriteString("```\n")
				b.WriteString(res.Item.Content)
				b.WriteString("\n```\n")
				continue
			}
			b.WriteString("- ")
			b.WriteString(res.Item.Content)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
