// ABOUTME: Store interfaces and data types for Dexter persistence
// ABOUTME: Defines memory records, knowledge edges, event log entries and conversation archives

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidEdge is returned when a knowledge edge is missing a part of its triple
var ErrInvalidEdge = errors.New("invalid knowledge edge")

// MemoryKind separates the bounded conversational buffer from durable memory
type MemoryKind string

const (
	MemoryKindShortTerm MemoryKind = "short_term"
	MemoryKindLongTerm  MemoryKind = "long_term"
)

// MemoryRecord is a single remembered turn or summary.
// Only long-term records are ever written to the store; short-term records
// live in memory and share the type so recall can merge both.
type MemoryRecord struct {
	ID             string
	Kind           MemoryKind
	ConversationID string
	Role           string // "user", "assistant", "system", "clarification"
	Content        string
	Embedding      []float32 // optional
	CreatedAt      time.Time
}

// Edge is a derived subject-predicate-object fact in the knowledge graph.
// The triple is the identity key: writing the same triple again updates
// confidence and source instead of adding a row.
type Edge struct {
	Subject              string
	Predicate            string
	Object               string
	SourceConversationID string
	Confidence           float64
	Superseded           bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EdgePattern selects edges. Empty fields are wildcards.
type EdgePattern struct {
	Subject           string
	Predicate         string
	Object            string
	IncludeSuperseded bool
	Limit             int // 0 means the store default (500)
}

// EventRecord is one entry of the append-only hub event log.
type EventRecord struct {
	Sequence       uint64
	Topic          string
	ConversationID string
	Payload        []byte // JSON encoded payload variant
	Timestamp      time.Time
}

// ConversationRecord is the archived form of a finished conversation.
type ConversationRecord struct {
	ID            string
	Status        string
	Query         string
	FailureReason string
	Snapshot      []byte // JSON encoded conversation snapshot
	StartedAt     time.Time
	FinishedAt    time.Time
}

// MemoryStore persists long-term memory records.
type MemoryStore interface {
	SaveMemory(ctx context.Context, rec *MemoryRecord) error
	GetMemory(ctx context.Context, id string) (*MemoryRecord, error)
	// ListMemories returns the most recent records of a conversation, newest first.
	// An empty conversationID lists across all conversations.
	ListMemories(ctx context.Context, conversationID string, limit int) ([]*MemoryRecord, error)
	// SearchMemories returns records whose content contains any of the terms, newest first.
	SearchMemories(ctx context.Context, terms []string, limit int) ([]*MemoryRecord, error)
	// ListEmbeddedMemories returns records that carry an embedding.
	ListEmbeddedMemories(ctx context.Context, limit int) ([]*MemoryRecord, error)
}

// GraphStore persists knowledge graph edges.
type GraphStore interface {
	UpsertEdge(ctx context.Context, edge *Edge) error
	QueryEdges(ctx context.Context, pattern EdgePattern) ([]*Edge, error)
	SupersedeEdge(ctx context.Context, subject, predicate, object string) error
}

// EventLog is the append-only log backing hub replay.
type EventLog interface {
	AppendEvent(ctx context.Context, rec *EventRecord) error
	// ListEventsSince returns events with a sequence strictly greater than after, oldest first.
	ListEventsSince(ctx context.Context, after uint64, limit int) ([]*EventRecord, error)
	LastEventSequence(ctx context.Context) (uint64, error)
}

// ConversationArchive keeps finished conversations for later inspection.
type ConversationArchive interface {
	SaveConversation(ctx context.Context, rec *ConversationRecord) error
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
}

// Store is everything the gateway persists.
type Store interface {
	MemoryStore
	GraphStore
	EventLog
	ConversationArchive

	// Close releases any resources held by the store
	Close() error
}
