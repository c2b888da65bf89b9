// Package store provides persistent storage for the Dexter gateway using SQLite.
//
// # Architecture
//
// The store package composes four narrow interfaces into Store:
//
//   - MemoryStore: long-term memory records with optional embeddings
//   - GraphStore: knowledge graph edges keyed on their triple
//   - EventLog: append-only log of hub events for replay
//   - ConversationArchive: terminal conversation snapshots
//
// SQLiteStore implements all of them in a single struct. Consumers accept the
// narrowest interface they need.
//
// # Data Models
//
//   - MemoryRecord: a remembered turn or summary (short_term or long_term)
//   - Edge: subject-predicate-object fact with confidence and superseded flag
//   - EventRecord: one published hub event with its sequence number
//   - ConversationRecord: archived conversation with its JSON snapshot
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Tables: memories, knowledge_edges, event_log, conversations. Timestamps
// are stored as RFC3339 text with nanoseconds. Embeddings are stored as
// little-endian float32 blobs.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrInvalidEdge: edge triple incomplete or confidence outside [0,1]
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	s.FailWrites(true) // simulate an outage
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
