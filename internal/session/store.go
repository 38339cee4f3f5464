package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lunarch/promptmem/internal/compress"
	"github.com/lunarch/promptmem/internal/config"
	"github.com/lunarch/promptmem/internal/tokens"
)

// Summarizer is the slice of the compressor the store needs for compaction.
type Summarizer interface {
	Compress(ctx context.Context, text string, opts compress.Options) compress.Result
}

// Store persists sessions as whole-document JSON snapshots, one file per
// session id. Single writer per session id is assumed; there is no locking.
type Store struct {
	dir        string
	summarizer Summarizer
}

// NewStore creates the session directory if needed. summarizer may be nil;
// compaction then always uses truncation.
func NewStore(dir string, summarizer Summarizer) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir, summarizer: summarizer}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create generates a new empty session and persists it immediately.
func (s *Store) Create(agentTag string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        newSessionID(agentTag),
		AgentTag:  agentTag,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns the session for id, or ok=false when it does not exist or its
// file cannot be parsed. Malformed persisted data is treated as absence.
func (s *Store) Load(id string) (*Session, bool) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Printf("[session] skipping unparseable session %s: %v", id, err)
		return nil, false
	}
	return &sess, true
}

// Save overwrites the session's file with a full JSON snapshot.
func (s *Store) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(s.path(sess.ID), data, 0644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Delete removes a session by id and reports whether it existed.
func (s *Store) Delete(id string) bool {
	return os.Remove(s.path(id)) == nil
}

// List returns session listings ordered most-recently-updated first,
// optionally filtered by agent tag. Unparseable files are skipped.
func (s *Store) List(agentTag string) []Listing {
	sessions := s.loadAll(agentTag)

	listings := make([]Listing, 0, len(sessions))
	for _, sess := range sessions {
		listings = append(listings, Listing{
			ID:           sess.ID,
			AgentTag:     sess.AgentTag,
			Preview:      preview(sess),
			MessageCount: sess.MessageCount,
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].UpdatedAt.After(listings[j].UpdatedAt)
	})
	return listings
}

// LatestOrCreate returns the most recently updated session for the tag, or a
// fresh one when none exists.
func (s *Store) LatestOrCreate(agentTag string) (*Session, error) {
	var latest *Session
	for _, sess := range s.loadAll(agentTag) {
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			latest = sess
		}
	}
	if latest != nil {
		return latest, nil
	}
	return s.Create(agentTag)
}

// Append adds a message, updates the totals, compacts when the configured
// ceiling is crossed, and auto-saves when enabled.
func (s *Store) Append(ctx context.Context, sess *Session, role, content string, cfg config.SessionConfig) (*Session, error) {
	msg := Message{
		Role:       role,
		Content:    content,
		TokenCount: estimateMessageTokens(content),
		Timestamp:  time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount = len(sess.Messages)
	sess.TotalTokenCount += msg.TokenCount
	sess.UpdatedAt = msg.Timestamp

	if cfg.MaxTokens > 0 && sess.TotalTokenCount > cfg.MaxTokens {
		s.compact(ctx, sess, cfg)
	}

	if cfg.AutoSave {
		if err := s.Save(sess); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// compact folds messages before count-keepRecent into the rolling summary.
// No-op when there is nothing to fold.
func (s *Store) compact(ctx context.Context, sess *Session, cfg config.SessionConfig) {
	keepRecent := cfg.KeepRecentMessages
	if keepRecent <= 0 {
		keepRecent = config.DefaultKeepRecentMessages
	}
	splitAt := len(sess.Messages) - keepRecent
	if splitAt <= 0 {
		return
	}
	fold := sess.Messages[:splitAt]
	keep := sess.Messages[splitAt:]

	var b strings.Builder
	if strings.TrimSpace(sess.Summary) != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(sess.Summary)
		b.WriteString("\n\n")
	}
	for _, msg := range fold {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	foldInput := b.String()

	keptTokens := 0
	for _, msg := range keep {
		keptTokens += msg.TokenCount
	}

	// Summary gets ~30% of whatever budget the kept messages leave free.
	targetTokens := int(float64(cfg.MaxTokens-keptTokens) * summaryBudgetFraction)
	if targetTokens < 50 {
		targetTokens = 50
	}

	var summary string
	if s.summarizer != nil {
		summary = s.summarizer.Compress(ctx, foldInput, compress.Options{MaxTokens: targetTokens}).Summary
	} else {
		summary = truncateRunes(foldInput, targetTokens*tokens.CharsPerToken)
	}

	sess.Summary = summary
	sess.SummaryTokenCount = tokens.Estimate(summary)
	sess.Messages = append([]Message{}, keep...)
	sess.MessageCount = len(sess.Messages)
	sess.TotalTokenCount = sess.SummaryTokenCount + keptTokens
}

// Search is a case-insensitive full-scan substring match across every stored
// message and the rolling summary.
func (s *Store) Search(keyword, agentTag string) []Listing {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil
	}

	var matches []Listing
	for _, sess := range s.loadAll(agentTag) {
		if sessionMatches(sess, needle) {
			matches = append(matches, Listing{
				ID:           sess.ID,
				AgentTag:     sess.AgentTag,
				Preview:      preview(sess),
				MessageCount: sess.MessageCount,
				UpdatedAt:    sess.UpdatedAt,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches
}

// ClearHistory resets messages, summary, and counters while preserving the
// session's identity, then saves.
func (s *Store) ClearHistory(sess *Session) (*Session, error) {
	sess.Messages = []Message{}
	sess.Summary = ""
	sess.SummaryTokenCount = 0
	sess.TotalTokenCount = 0
	sess.MessageCount = 0
	sess.UpdatedAt = time.Now().UTC()
	if err := s.Save(sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// PruneOlderThan deletes sessions whose last update is before the cutoff.
// Returns the number removed. Used by the maintenance sweep.
func (s *Store) PruneOlderThan(cutoff time.Time) int {
	removed := 0
	for _, sess := range s.loadAll("") {
		if sess.UpdatedAt.Before(cutoff) {
			if s.Delete(sess.ID) {
				removed++
			}
		}
	}
	return removed
}

func (s *Store) loadAll(agentTag string) []*Session {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, ok := s.Load(strings.TrimSuffix(name, ".json"))
		if !ok {
			continue
		}
		if agentTag != "" && sess.AgentTag != agentTag {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions
}

func sessionMatches(sess *Session, needle string) bool {
	if strings.Contains(strings.ToLower(sess.Summary), needle) {
		return true
	}
	for _, msg := range sess.Messages {
		if strings.Contains(strings.ToLower(msg.Content), needle) {
			return true
		}
	}
	return false
}
