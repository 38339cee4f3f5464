// Package session keeps durable per-agent conversation history, one JSON
// document per session, and folds old turns into a rolling summary once a
// session crosses its token ceiling.
package session

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lunarch/promptmem/internal/tokens"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// previewLength is the character cut applied to listing previews.
const previewLength = 100

// summaryBudgetFraction sizes the rolling summary relative to the budget
// left after the kept verbatim messages.
const summaryBudgetFraction = 0.3

// Message is one conversation turn. Immutable once created.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is a durable conversation keyed by id, namespaced by agent tag.
type Session struct {
	ID                string    `json:"id"`
	AgentTag          string    `json:"agentTag"`
	Messages          []Message `json:"messages"`
	Summary           string    `json:"summary,omitempty"`
	SummaryTokenCount int       `json:"summaryTokenCount,omitempty"`
	TotalTokenCount   int       `json:"totalTokenCount"`
	MessageCount      int       `json:"messageCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Compactable reports whether compaction would fold anything.
func (s *Session) Compactable(keepRecent int) bool {
	return s.MessageCount > keepRecent
}

// Summary line for listings.
type Listing struct {
	ID           string
	AgentTag     string
	Preview      string
	MessageCount int
	UpdatedAt    time.Time
}

// Stats is a read-only snapshot of a session's budget state.
type Stats struct {
	MessageCount     int
	TotalTokens      int
	SummaryTokens    int
	HasSummary       bool
	CompressionRatio float64
}

func newSessionID(agentTag string) string {
	return fmt.Sprintf("%s-%d-%04x", sanitizeTag(agentTag), time.Now().UnixMilli(), rand.Intn(0x10000))
}

func sanitizeTag(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if tag == "" {
		return "agent"
	}
	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ConversationText renders the summary block (if any) followed by the
// verbatim turns. System turns are excluded unless includeSystem is set.
func ConversationText(s *Session, includeSystem bool) string {
	var b strings.Builder
	if strings.TrimSpace(s.Summary) != "" {
		b.WriteString("[Conversation summary]\n")
		b.WriteString(strings.TrimSpace(s.Summary))
		b.WriteString("\n\n")
	}
	for _, msg := range s.Messages {
		if msg.Role == RoleSystem && !includeSystem {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatsFor computes session statistics. The compression ratio is only
// meaningful when a summary exists; it compares the summary against what the
// folded portion would have cost unsummarized.
func StatsFor(s *Session) Stats {
	st := Stats{
		MessageCount:  s.MessageCount,
		TotalTokens:   s.TotalTokenCount,
		SummaryTokens: s.SummaryTokenCount,
		HasSummary:    strings.TrimSpace(s.Summary) != "",
	}
	if st.HasSummary {
		recent := 0
		for _, msg := range s.Messages {
			recent += msg.TokenCount
		}
		denom := s.TotalTokenCount - recent + s.SummaryTokenCount
		if denom > 0 {
			st.CompressionRatio = 1 - float64(s.SummaryTokenCount)/float64(denom)
		}
	}
	return st
}

func preview(s *Session) string {
	text := ""
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			text = msg.Content
			break
		}
	}
	if text == "" {
		text = s.Summary
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > previewLength {
		text = truncateRunes(text, previewLength) + "..."
	}
	return text
}

func truncateRunes(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	for budget > 0 && text[budget]&0xC0 == 0x80 {
		budget--
	}
	return text[:budget]
}

func estimateMessageTokens(content string) int {
	return tokens.Estimate(content)
}
