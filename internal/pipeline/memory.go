// Package pipeline keeps per-run memory of step outputs: large outputs are
// summarized with key points extracted, and templates are expanded with
// token-safe substitution so a step's output never blows a prompt budget.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lunarch/promptmem/internal/compress"
	"github.com/lunarch/promptmem/internal/tokens"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StepResult is what an executed pipeline step hands back.
type StepResult struct {
	StepID     string
	Content    string
	Status     string
	Error      string
	Model      string
	DurationMs int64
}

// Succeeded reports whether the step completed without an error.
func (r StepResult) Succeeded() bool {
	return r.Status == StatusCompleted && r.Error == ""
}

// StepOutput is the memory record for one executed step. Owned exclusively
// by the run's context and destroyed with it.
type StepOutput struct {
	Raw               string
	Summary           string
	TokenCount        int
	SummaryTokenCount int
	KeyPoints         []string
	Timestamp         time.Time
}

// Config tunes a run's memory behavior.
type Config struct {
	Target             string
	SummarizeThreshold int
	MaxInjectionTokens int
	PreferSummaries    bool
}

// Context aggregates a run's steps, named outputs, and step memory. Updates
// yield a new context value; earlier values stay inspectable.
type Context struct {
	Prompt  string
	Vars    map[string]string
	Steps   map[string]StepResult
	Outputs map[string]string
	Memory  map[string]StepOutput
	Config  Config
}

// NewContext creates the memory context for one pipeline run.
func NewContext(prompt string, vars map[string]string, cfg Config) Context {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return Context{
		Prompt:  prompt,
		Vars:    copied,
		Steps:   map[string]StepResult{},
		Outputs: map[string]string{},
		Memory:  map[string]StepOutput{},
		Config:  cfg,
	}
}

func (c Context) clone() Context {
	out := c
	out.Vars = make(map[string]string, len(c.Vars))
	for k, v := range c.Vars {
		out.Vars[k] = v
	}
	out.Steps = make(map[string]StepResult, len(c.Steps))
	for k, v := range c.Steps {
		out.Steps[k] = v
	}
	out.Outputs = make(map[string]string, len(c.Outputs))
	for k, v := range c.Outputs {
		out.Outputs[k] = v
	}
	out.Memory = make(map[string]StepOutput, len(c.Memory))
	for k, v := range c.Memory {
		out.Memory[k] = v
	}
	return out
}

// Summarizer is the slice of the compressor this package needs.
type Summarizer interface {
	Compress(ctx context.Context, text string, opts compress.Options) compress.Result
	ExtractKeyPoints(ctx context.Context, text string) []string
	Available(ctx context.Context) bool
}

// Memory records step results into run contexts.
type Memory struct {
	summarizer Summarizer
}

func New(summarizer Summarizer) *Memory {
	return &Memory{summarizer: summarizer}
}

// RecordStepResult stores a step's raw output verbatim and, when the output
// crosses the summarize threshold and the service is reachable, produces a
// summary and key points concurrently. Both are issued together and both
// awaited; each falls back independently. Returns the updated context.
func (m *Memory) RecordStepResult(ctx context.Context, mc Context, result StepResult, outputAlias string) Context {
	out := mc.clone()
	out.Steps[result.StepID] = result
	if outputAlias != "" {
		out.Outputs[outputAlias] = result.Content
	}

	raw := result.Content
	tokenCount := tokens.Estimate(raw)
	record := StepOutput{
		Raw:        raw,
		Summary:    raw,
		TokenCount: tokenCount,
		Timestamp:  time.Now().UTC(),
	}
	record.SummaryTokenCount = tokenCount

	threshold := out.Config.SummarizeThreshold
	if threshold > 0 && tokenCount > threshold && m.summarizer != nil && m.summarizer.Available(ctx) {
		var (
			wg        sync.WaitGroup
			summary   compress.Result
			keyPoints []string
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			summary = m.summarizer.Compress(ctx, raw, compress.Options{MaxTokens: threshold, PreserveCode: true})
		}()
		go func() {
			defer wg.Done()
			keyPoints = m.summarizer.ExtractKeyPoints(ctx, raw)
		}()
		wg.Wait()

		record.Summary = summary.Summary
		record.SummaryTokenCount = summary.SummaryTokens
		record.KeyPoints = keyPoints
	}

	out.Memory[result.StepID] = record
	return out
}

// Stats is a read-only aggregation over a run's memory.
type Stats struct {
	StepCount          int
	TotalRawTokens     int
	TotalSummaryTokens int
	SummarizedSteps    int
}

func StatsFor(mc Context) Stats {
	st := Stats{StepCount: len(mc.Memory)}
	for _, rec := range mc.Memory {
		st.TotalRawTokens += rec.TokenCount
		st.TotalSummaryTokens += rec.SummaryTokenCount
		if rec.Summary != rec.Raw {
			st.SummarizedSteps++
		}
	}
	return st
}

// Clear evicts the named steps' memory, or everything when no ids are given.
// Returns the updated context.
func Clear(mc Context, stepIDs ...string) Context {
	out := mc.clone()
	if len(stepIDs) == 0 {
		out.Memory = map[string]StepOutput{}
		return out
	}
	for _, id := range stepIDs {
		delete(out.Memory, id)
	}
	return out
}

// BudgetedStepOutput picks the densest representation of a step's output
// that fits the token budget: key points first, then the full summary, then
// a hard-truncated summary with a 10% safety margin. Raw output is never
// offered here.
func BudgetedStepOutput(mc Context, stepID string, tokenBudget int) string {
	rec, ok := mc.Memory[stepID]
	if !ok || tokenBudget <= 0 {
		return ""
	}

	if len(rec.KeyPoints) > 0 && tokenBudget < rec.SummaryTokenCount/2 {
		bullets := bulletList(rec.KeyPoints)
		if tokens.Estimate(bullets) <= tokenBudget {
			return bullets
		}
	}
	if rec.SummaryTokenCount <= tokenBudget {
		return rec.Summary
	}

	charBudget := tokenBudget * tokens.CharsPerToken * 9 / 10
	return truncateRunes(rec.Summary, charBudget)
}

func bulletList(points []string) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
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
