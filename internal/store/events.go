// ABOUTME: Append-only event log backing hub replay
// ABOUTME: Stores published events by sequence number and reads them back in order

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// AppendEvent writes one published event. Sequence numbers are the primary
// key, so a duplicate sequence is rejected.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO event_log (sequence, topic, conversation_id, payload, ts)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		int64(rec.Sequence),
		rec.Topic,
		rec.ConversationID,
		string(payload),
		formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("appending event %d: %w", rec.Sequence, err)
	}

	return nil
}

// ListEventsSince returns events after the given sequence, oldest first.
func (s *SQLiteStore) ListEventsSince(ctx context.Context, after uint64, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, topic, conversation_id, payload, ts
		FROM event_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var rec EventRecord
		var seq int64
		var payload, ts string
		if err := rows.Scan(&seq, &rec.Topic, &rec.ConversationID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.Payload = []byte(payload)
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return events, nil
}

// LastEventSequence returns the highest logged sequence, or 0 for an empty log.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
