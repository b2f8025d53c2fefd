// Package memory backs the overseer's save_memory, find_memory and
// delete_memory tools with a sqlite database.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Term separates working notes from durable knowledge.
type Term string

const (
	TermShort Term = "short"
	TermLong  Term = "long"
)

// Valid reports whether t is a known term.
func (t Term) Valid() bool { return t == TermShort || t == TermLong }

// Memory is one stored note.
type Memory struct {
	ID        int64     `json:"id"`
	Term      Term      `json:"term"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	term TEXT NOT NULL CHECK (term IN ('short', 'long')),
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memories_term ON memories (term, created_at);
`

// Store is a sqlite-backed memory store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// table-lock errors under concurrent tool calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores one note and returns its id.
func (s *Store) Save(ctx context.Context, term Term, content string) (int64, error) {
	if !term.Valid() {
		return 0, fmt.Errorf("unknown memory term %q", term)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, fmt.Errorf("memory content is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (term, content) VALUES (?, ?)`, string(term), content)
	if err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}
	return res.LastInsertId()
}

// Find returns notes whose content matches any of the queries,
// case-insensitively, newest first.
func (s *Store) Find(ctx context.Context, queries []string) ([]Memory, error) {
	clean := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			clean = append(clean, q)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("no query terms")
	}

	conds := make([]string, len(clean))
	args := make([]any, len(clean))
	for i, q := range clean {
		conds[i] = "content LIKE ? ESCAPE '\\'"
		args[i] = "%" + escapeLike(q) + "%"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, term, content, created_at FROM memories WHERE `+
			strings.Join(conds, " OR ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("find memory: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Recent returns the newest notes of one term, for the system-status block.
func (s *Store) Recent(ctx context.Context, term Term, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, term, content, created_at FROM memories
		 WHERE term = ? ORDER BY created_at DESC, id DESC LIMIT ?`, string(term), limit)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Delete removes one note by term and id.
func (s *Store) Delete(ctx context.Context, term Term, id int64) error {
	if !term.Valid() {
		return fmt.Errorf("unknown memory term %q", term)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE term = ? AND id = ?`, string(term), id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no %s-term memory with id %d", term, id)
	}
	return nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		var term string
		if err := rows.Scan(&m.ID, &term, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Term = Term(term)
		out = append(out, m)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
