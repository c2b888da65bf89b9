// ABOUTME: Archive of finished conversations for SQLiteStore
// ABOUTME: Keeps the terminal snapshot of each conversation keyed by conversation ID

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveConversation archives a terminal conversation. Archiving the same
// conversation again replaces the earlier snapshot.
func (s *SQLiteStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	snapshot := rec.Snapshot
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}

	query := `
		INSERT INTO conversations (
			conversation_id, status, query, failure_reason, snapshot_json, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			status = excluded.status,
			query = excluded.query,
			failure_reason = excluded.failure_reason,
			snapshot_json = excluded.snapshot_json,
			finished_at = excluded.finished_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Status,
		rec.Query,
		nullString(rec.FailureReason),
		string(snapshot),
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves an archived conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	query := `
		SELECT conversation_id, status, query, failure_reason, snapshot_json, started_at, finished_at
		FROM conversations
		WHERE conversation_id = ?
	`

	var rec ConversationRecord
	var reason sql.NullString
	var snapshot, startedAt, finishedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Status,
		&rec.Query,
		&reason,
		&snapshot,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	rec.FailureReason = reason.String
	rec.Snapshot = []byte(snapshot)
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}

	return &rec, nil
}
