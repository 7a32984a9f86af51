// Package memory provides an embedding-free recall store. Entries are
// captured from finished turns and surfaced into the system prompt by
// keyword overlap with a recency boost.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Entry is a single remembered fact or exchange, scoped to a user.
type Entry struct {
	ID             string
	UserID         string
	ConversationID string
	Content        string
	Source         string // user_message, assistant_reply, note
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Result pairs an entry with its relevance score.
type Result struct {
	Entry *Entry
	Score float64
}

// Config contains configuration for the recall store.
type Config struct {
	Path              string // SQLite database file; empty means in-memory
	MaxEntriesPerUser int    // oldest entries beyond this are pruned
	CandidateLimit    int    // newest entries considered per search
}

const (
	defaultMaxEntriesPerUser = 2000
	defaultCandidateLimit    = 500

	keywordWeight = 0.75
	recencyWeight = 0.25
)

// Store implements keyword/recency recall over SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// New creates a recall store backed by the SQLite file at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.MaxEntriesPerUser <= 0 {
		cfg.MaxEntriesPerUser = defaultMaxEntriesPerUser
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaultCandidateLimit
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one pooled connection serializes
	// access and keeps :memory: databases on a stable connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			conversation_id TEXT,
			content         TEXT NOT NULL,
			source          TEXT,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_memories_conversation ON memories(conversation_id)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember stores an entry and prunes the user's oldest entries beyond the
// configured cap.
func (s *Store) Remember(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if strings.TrimSpace(entry.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.UpdatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (id, user_id, conversation_id, content, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.ConversationID, entry.Content, entry.Source, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE user_id = ? AND id NOT IN (
			SELECT id FROM memories WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
		)
	`, entry.UserID, entry.UserID, s.cfg.MaxEntriesPerUser)
	if err != nil {
		return fmt.Errorf("failed to prune memories: %w", err)
	}
	return nil
}

// BySource returns the user's newest entries recorded under the given
// source, regardless of keyword overlap. The agent uses source "project"
// for pinned notes that are always surfaced in the prompt.
func (s *Store) BySource(ctx context.Context, userID, source string, limit int) ([]*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, content, source, created_at, updated_at
		FROM memories WHERE user_id = ? AND source = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.ConversationID, &entry.Content, &entry.Source, &entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}
	return entries, nil
}

// Forget removes a single entry.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// Search returns the user's top entries ranked by keyword overlap with the
// query plus a recency boost. Entries sharing no terms with the query are
// excluded; a query with no usable terms falls back to pure recency.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, content, source, created_at, updated_at
		FROM memories WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, s.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	queryTerms := termSet(tokenize(query))
	now := s.now()

	var results []*Result
	for rows.Next() {
		entry := &Entry{}
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.ConversationID, &entry.Content, &entry.Source, &entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}

		keyword := keywordScore(queryTerms, tokenize(entry.Content))
		if len(queryTerms) > 0 && keyword == 0 {
			continue
		}
		score := keywordWeight*keyword + recencyWeight*recencyScore(now.Sub(entry.CreatedAt))
		results = append(results, &Result{Entry: entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// stopwords are common terms that carry no recall signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"was": {}, "are": {}, "you": {}, "has": {}, "have": {}, "had": {},
	"not": {}, "but": {}, "can": {}, "what": {}, "when": {}, "how": {},
	"please": {}, "about": {}, "from": {}, "into": {}, "your": {},
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping short
// words and stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// keywordScore is the fraction of query terms present in the entry.
func keywordScore(queryTerms map[string]struct{}, entryTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := termSet(entryTerms)
	matched := 0
	for term := range queryTerms {
		if _, ok := present[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// recencyScore halves every seven days.
func recencyScore(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/(7*24))
}
