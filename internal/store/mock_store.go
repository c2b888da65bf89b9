// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to simulate storage outages

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrMockUnavailable is returned by MockStore writes while FailWrites is set.
var ErrMockUnavailable = errors.New("mock store unavailable")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	memories      map[string]*MemoryRecord // keyed by memory ID
	memoryOrder   []string                 // insertion order of memory IDs
	edges         map[string]*Edge         // keyed by "subject\x00predicate\x00object"
	events        []*EventRecord           // ordered by sequence
	conversations map[string]*ConversationRecord
	failWrites    bool
	closed        bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		memories:      make(map[string]*MemoryRecord),
		edges:         make(map[string]*Edge),
		conversations: make(map[string]*ConversationRecord),
	}
}

// FailWrites makes every subsequent write fail until called with false.
func (m *MockStore) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *MockStore) writeErr() error {
	if m.failWrites {
		return ErrMockUnavailable
	}
	return nil
}

// SaveMemory stores a memory record.
func (m *MockStore) SaveMemory(ctx context.Context, rec *MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("memory record id is required")
	}

	if _, exists := m.memories[rec.ID]; !exists {
		m.memoryOrder = append(m.memoryOrder, rec.ID)
	}
	r := copyMemory(rec)
	r.Kind = MemoryKindLongTerm
	m.memories[rec.ID] = r
	return nil
}

// GetMemory retrieves a memory record by ID.
func (m *MockStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.memories[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMemory(rec), nil
}

// ListMemories returns the most recent records, newest first.
func (m *MockStore) ListMemories(ctx context.Context, conversationID string, limit int) ([]*MemoryRecord, error) {
	return m.filterMemories(limit, func(r *MemoryRecord) bool {
		return conversationID == "" || r.ConversationID == conversationID
	}), nil
}

// SearchMemories returns records containing any of the terms, newest first.
func (m *MockStore) SearchMemories(ctx context.Context, terms []string, limit int) ([]*MemoryRecord, error) {
	var lowered []string
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return []*MemoryRecord{}, nil
	}

	return m.filterMemories(limit, func(r *MemoryRecord) bool {
		content := strings.ToLower(r.Content)
		for _, t := range lowered {
			if strings.Contains(content, t) {
				return true
			}
		}
		return false
	}), nil
}

// ListEmbeddedMemories returns records that carry an embedding.
func (m *MockStore) ListEmbeddedMemories(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	return m.filterMemories(limit, func(r *MemoryRecord) bool {
		return len(r.Embedding) > 0
	}), nil
}

func (m *MockStore) filterMemories(limit int, keep func(*MemoryRecord) bool) []*MemoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultMemoryLimit
	}

	result := []*MemoryRecord{}
	for i := len(m.memoryOrder) - 1; i >= 0; i-- {
		rec := m.memories[m.memoryOrder[i]]
		if keep(rec) {
			result = append(result, copyMemory(rec))
		}
	}

	// Newest first, insertion order breaks ties
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyMemory(rec *MemoryRecord) *MemoryRecord {
	r := *rec
	if rec.Embedding != nil {
		r.Embedding = append([]float32(nil), rec.Embedding...)
	}
	return &r
}

func edgeKey(subject, predicate, object string) string {
	return subject + "\x00" + predicate + "\x00" + object
}

// UpsertEdge writes an edge keyed on its triple.
func (m *MockStore) UpsertEdge(ctx context.Context, edge *Edge) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}

	now := edge.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}

	key := edgeKey(edge.Subject, edge.Predicate, edge.Object)
	if existing, ok := m.edges[key]; ok {
		existing.SourceConversationID = edge.SourceConversationID
		existing.Confidence = edge.Confidence
		existing.Superseded = false
		existing.UpdatedAt = now
		return nil
	}

	e := *edge
	e.Superseded = false
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	m.edges[key] = &e
	return nil
}

// QueryEdges returns edges matching the pattern, most recently updated first.
func (m *MockStore) QueryEdges(ctx context.Context, pattern EdgePattern) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := pattern.Limit
	if limit <= 0 {
		limit = defaultEdgeLimit
	}

	result := []*Edge{}
	for _, e := range m.edges {
		if pattern.Subject != "" && e.Subject != pattern.Subject {
			continue
		}
		if pattern.Predicate != "" && e.Predicate != pattern.Predicate {
			continue
		}
		if pattern.Object != "" && e.Object != pattern.Object {
			continue
		}
		if e.Superseded && !pattern.IncludeSuperseded {
			continue
		}
		c := *e
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return edgeKey(result[i].Subject, result[i].Predicate, result[i].Object) <
			edgeKey(result[j].Subject, result[j].Predicate, result[j].Object)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SupersedeEdge marks an edge as replaced.
func (m *MockStore) SupersedeEdge(ctx context.Context, subject, predicate, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}

	e, ok := m.edges[edgeKey(subject, predicate, object)]
	if !ok {
		return ErrNotFound
	}
	e.Superseded = true
	e.UpdatedAt = time.Now()
	return nil
}

// AppendEvent appends an event to the log.
func (m *MockStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	if n := len(m.events); n > 0 && m.events[n-1].Sequence >= rec.Sequence {
		return fmt.Errorf("appending event %d: sequence not increasing", rec.Sequence)
	}

	r := *rec
	r.Payload = append([]byte(nil), rec.Payload...)
	m.events = append(m.events, &r)
	return nil
}

// ListEventsSince returns events after the given sequence, oldest first.
func (m *MockStore) ListEventsSince(ctx context.Context, after uint64, limit int) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultEventLimit
	}

	result := []*EventRecord{}
	for _, e := range m.events {
		if e.Sequence <= after {
			continue
		}
		r := *e
		result = append(result, &r)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// LastEventSequence returns the highest logged sequence.
func (m *MockStore) LastEventSequence(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Sequence, nil
}

// SaveConversation archives a conversation.
func (m *MockStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}

	r := *rec
	r.Snapshot = append([]byte(nil), rec.Snapshot...)
	m.conversations[rec.ID] = &r
	return nil
}

// GetConversation retrieves an archived conversation.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
