// ABOUTME: Knowledge graph backend interface and the SQLite-backed implementation
// ABOUTME: The graph stores subject-predicate-object facts upserted on their triple

package memory

import (
	"context"

	"github.com/Gliksbot/Dexter/internal/store"
)

// Graph is a knowledge graph backend.
type Graph interface {
	// Link upserts the edge keyed on its triple.
	Link(ctx context.Context, edge *store.Edge) error
	// Query returns edges matching the pattern, most recently updated first.
	Query(ctx context.Context, pattern Pattern) ([]*store.Edge, error)
	// Supersede marks the edge replaced, or returns store.ErrNotFound.
	Supersede(ctx context.Context, subject, predicate, object string) error
}

// SQLiteGraph keeps the graph in the gateway's own store.
type SQLiteGraph struct {
	store store.GraphStore
}

// NewSQLiteGraph wraps a GraphStore.
func NewSQLiteGraph(s store.GraphStore) *SQLiteGraph {
	return &SQLiteGraph{store: s}
}

func (g *SQLiteGraph) Link(ctx context.Context, edge *store.Edge) error {
	return g.store.UpsertEdge(ctx, edge)
}

func (g *SQLiteGraph) Query(ctx context.Context, pattern Pattern) ([]*store.Edge, error) {
	return g.store.QueryEdges(ctx, pattern)
}

func (g *SQLiteGraph) Supersede(ctx context.Context, subject, predicate, object string) error {
	return g.store.SupersedeEdge(ctx, subject, predicate, object)
}

var _ Graph = (*SQLiteGraph)(nil)
