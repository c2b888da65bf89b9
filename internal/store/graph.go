// ABOUTME: Knowledge graph edge persistence for SQLiteStore
// ABOUTME: Upserts subject-predicate-object triples and queries them with wildcard patterns

package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

const defaultEdgeLimit = 500

// ValidateEdge checks that the triple is complete and the confidence is usable.
func ValidateEdge(edge *Edge) error {
	if strings.TrimSpace(edge.Subject) == "" ||
		strings.TrimSpace(edge.Predicate) == "" ||
		strings.TrimSpace(edge.Object) == "" {
		return fmt.Errorf("%w: subject, predicate and object are required", ErrInvalidEdge)
	}
	if math.IsNaN(edge.Confidence) || math.IsInf(edge.Confidence, 0) {
		return fmt.Errorf("%w: confidence must be finite", ErrInvalidEdge)
	}
	if edge.Confidence < 0 || edge.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidEdge, edge.Confidence)
	}
	return nil
}

// UpsertEdge writes an edge keyed on its triple. An existing edge takes the
// new confidence and source, and is no longer superseded.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge *Edge) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}

	now := edge.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	created := edge.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO knowledge_edges (
			subject, predicate, object, source_conversation_id, confidence,
			superseded, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(subject, predicate, object) DO UPDATE SET
			source_conversation_id = excluded.source_conversation_id,
			confidence = excluded.confidence,
			superseded = 0,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		edge.Subject,
		edge.Predicate,
		edge.Object,
		edge.SourceConversationID,
		edge.Confidence,
		formatTime(created),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upserting edge: %w", err)
	}

	return nil
}

// QueryEdges returns edges matching the pattern, most recently updated first.
func (s *SQLiteStore) QueryEdges(ctx context.Context, pattern EdgePattern) ([]*Edge, error) {
	limit := pattern.Limit
	if limit <= 0 {
		limit = defaultEdgeLimit
	}

	var where []string
	var args []any
	if pattern.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, pattern.Subject)
	}
	if pattern.Predicate != "" {
		where = append(where, "predicate = ?")
		args = append(args, pattern.Predicate)
	}
	if pattern.Object != "" {
		where = append(where, "object = ?")
		args = append(args, pattern.Object)
	}
	if !pattern.IncludeSuperseded {
		where = append(where, "superseded = 0")
	}

	query := `
		SELECT subject, predicate, object, source_conversation_id, confidence,
			superseded, created_at, updated_at
		FROM knowledge_edges
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, subject, predicate, object LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	edges := []*Edge{}
	for rows.Next() {
		var e Edge
		var superseded int
		var createdAt, updatedAt string
		if err := rows.Scan(
			&e.Subject,
			&e.Predicate,
			&e.Object,
			&e.SourceConversationID,
			&e.Confidence,
			&superseded,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}

		e.Superseded = superseded != 0
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		edges = append(edges, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}

	return edges, nil
}

// SupersedeEdge marks an edge as replaced. Superseded edges are hidden from
// queries unless IncludeSuperseded is set.
func (s *SQLiteStore) SupersedeEdge(ctx context.Context, subject, predicate, object string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_edges
		SET superseded = 1, updated_at = ?
		WHERE subject = ? AND predicate = ? AND object = ?
	`, formatTime(time.Now()), subject, predicate, object)
	if err != nil {
		return fmt.Errorf("superseding edge: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
