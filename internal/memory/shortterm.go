// ABOUTME: Bounded per-conversation short-term memory buffer
// ABOUTME: Keeps the most recent turns of each live conversation and evicts the oldest first

package memory

import (
	"sync"

	"github.com/Gliksbot/Dexter/internal/store"
)

// DefaultShortTermCapacity is the number of turns kept per conversation.
const DefaultShortTermCapacity = 50

// ShortTerm holds the recent turns of live conversations. It is safe for
// concurrent use; each conversation has its own buffer.
type ShortTerm struct {
	mu       sync.Mutex
	capacity int
	buffers  map[string][]*Record
}

// NewShortTerm creates a buffer set holding at most capacity records per conversation.
func NewShortTerm(capacity int) *ShortTerm {
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	return &ShortTerm{
		capacity: capacity,
		buffers:  make(map[string][]*Record),
	}
}

// Capacity returns the per-conversation bound.
func (s *ShortTerm) Capacity() int { return s.capacity }

// Add appends a record, evicting the oldest when the buffer is full.
func (s *ShortTerm) Add(rec *Record) {
	r := *rec
	r.Kind = store.MemoryKindShortTerm

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[r.ConversationID]
	if len(buf) >= s.capacity {
		n := copy(buf, buf[len(buf)-s.capacity+1:])
		buf = buf[:n]
	}
	s.buffers[r.ConversationID] = append(buf, &r)
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *ShortTerm) Recent(conversationID string, limit int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[conversationID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}

	out := make([]*Record, 0, limit)
	for i := len(buf) - 1; i >= 0 && len(out) < limit; i-- {
		r := *buf[i]
		out = append(out, &r)
	}
	return out
}

// Len returns the number of buffered records for a conversation.
func (s *ShortTerm) Len(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[conversationID])
}

// Forget drops a conversation's buffer.
func (s *ShortTerm) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, conversationID)
}
