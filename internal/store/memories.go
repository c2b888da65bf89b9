// ABOUTME: Long-term memory record persistence for SQLiteStore
// ABOUTME: Stores conversation turns and summaries with optional float32 embeddings

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultMemoryLimit = 100

// SaveMemory inserts or replaces a long-term memory record.
// Records are keyed by ID, so saving identical content twice is a no-op.
func (s *SQLiteStore) SaveMemory(ctx context.Context, rec *MemoryRecord) error {
	if rec.ID == "" {
		return errors.New("memory record id is required")
	}

	query := `
		INSERT INTO memories (memory_id, conversation_id, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			embedding = COALESCE(excluded.embedding, memories.embedding)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ConversationID,
		rec.Role,
		rec.Content,
		encodeFloat32s(rec.Embedding),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}

	return nil
}

// GetMemory retrieves a long-term memory record by ID
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	query := `
		SELECT memory_id, conversation_id, role, content, embedding, created_at
		FROM memories
		WHERE memory_id = ?
	`

	rec, err := scanMemory(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	return rec, nil
}

// ListMemories returns the most recent long-term records, newest first.
func (s *SQLiteStore) ListMemories(ctx context.Context, conversationID string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	query := `
		SELECT memory_id, conversation_id, role, content, embedding, created_at
		FROM memories
	`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMemories(ctx, query, args...)
}

// SearchMemories returns records containing any of the terms, newest first.
// Matching is case-insensitive substring matching; ranking happens in the caller.
func (s *SQLiteStore) SearchMemories(ctx context.Context, terms []string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	var clauses []string
	var args []any
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		clauses = append(clauses, `lower(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	if len(clauses) == 0 {
		return []*MemoryRecord{}, nil
	}

	query := `
		SELECT memory_id, conversation_id, role, content, embedding, created_at
		FROM memories
		WHERE ` + strings.Join(clauses, " OR ") + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	args = append(args, limit)

	return s.queryMemories(ctx, query, args...)
}

// ListEmbeddedMemories returns the most recent records that carry an embedding.
func (s *SQLiteStore) ListEmbeddedMemories(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	query := `
		SELECT memory_id, conversation_id, role, content, embedding, created_at
		FROM memories
		WHERE embedding IS NOT NULL
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryMemories(ctx, query, limit)
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]*MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	records := []*MemoryRecord{}
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}

	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*MemoryRecord, error) {
	var rec MemoryRecord
	var embedding []byte
	var createdAt string

	if err := row.Scan(
		&rec.ID,
		&rec.ConversationID,
		&rec.Role,
		&rec.Content,
		&embedding,
		&createdAt,
	); err != nil {
		return nil, err
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	rec.Kind = MemoryKindLongTerm
	rec.CreatedAt = t
	rec.Embedding = decodeFloat32s(embedding)
	return &rec, nil
}
