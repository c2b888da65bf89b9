// Package memory implements Dexter's layered memory.
//
// Three layers sit behind one Memory value:
//
//   - short-term: a bounded buffer per live conversation (ShortTerm), oldest
//     entries evicted first
//   - long-term: durable records in a store.MemoryStore, content addressed
//     by blake2b and never evicted here
//   - knowledge graph: subject-predicate-object facts in a Graph, either the
//     gateway's SQLite store (SQLiteGraph) or Neo4j (Neo4jGraph)
//
// Recall blends the layers: the conversation's short-term buffer in recency
// order, plus long-term records ranked by cosine similarity when an Embedder
// is configured, or by token overlap otherwise. Records stored without a
// vector are always matched by token overlap. Short-term entries win equal
// scores and remaining ties go to the more recent record.
//
// A fact replaced by a later answer is superseded rather than deleted: it
// drops out of default graph queries but stays visible with
// IncludeSuperseded.
//
// A long-term outage surfaces from Remember as ErrStorageUnavailable while
// short-term buffering keeps working.
package memory
