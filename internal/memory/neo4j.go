// ABOUTME: Neo4j knowledge graph backend
// ABOUTME: Facts are FACT relationships between Entity nodes, merged on subject, predicate and object

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v6/neo4j"

	"github.com/Gliksbot/Dexter/internal/store"
)

// factTimeLayout is fixed width so ORDER BY r.updated_at is chronological.
const factTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const linkCypher = `
	MERGE (s:Entity {name: $subject})
	MERGE (o:Entity {name: $object})
	MERGE (s)-[r:FACT {predicate: $predicate}]->(o)
	ON CREATE SET r.created_at = $now
	SET r.source = $source,
		r.confidence = $confidence,
		r.superseded = false,
		r.updated_at = $now
`

const supersedeCypher = `
	MATCH (:Entity {name: $subject})-[r:FACT {predicate: $predicate}]->(:Entity {name: $object})
	SET r.superseded = true, r.updated_at = $now
	RETURN count(r) AS n
`

// Neo4jGraph stores the knowledge graph in Neo4j.
type Neo4jGraph struct {
	driver neo4j.Driver
	logger *slog.Logger
}

// DialNeo4j connects to a Neo4j server and verifies connectivity.
func DialNeo4j(ctx context.Context, uri, username, password string) (neo4j.Driver, error) {
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j at %s: %w", uri, err)
	}
	return driver, nil
}

// NewNeo4jGraph wraps a connected driver. Pass nil logger for default.
func NewNeo4jGraph(driver neo4j.Driver, logger *slog.Logger) *Neo4jGraph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jGraph{
		driver: driver,
		logger: logger.With("component", "memory.neo4j"),
	}
}

// Link merges the edge on its triple.
func (g *Neo4jGraph) Link(ctx context.Context, edge *store.Edge) error {
	if err := store.ValidateEdge(edge); err != nil {
		return err
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	now := edge.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, linkCypher, map[string]any{
			"subject":    edge.Subject,
			"predicate":  edge.Predicate,
			"object":     edge.Object,
			"source":     edge.SourceConversationID,
			"confidence": edge.Confidence,
			"now":        now.UTC().Format(factTimeLayout),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("merging fact %s-%s->%s: %w", edge.Subject, edge.Predicate, edge.Object, err)
	}
	return nil
}

// Supersede flags the fact so default queries skip it.
func (g *Neo4jGraph) Supersede(ctx context.Context, subject, predicate, object string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	n, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, supersedeCypher, map[string]any{
			"subject":   subject,
			"predicate": predicate,
			"object":    object,
			"now":       time.Now().UTC().Format(factTimeLayout),
		})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		count, _ := record.Get("n")
		return count, nil
	})
	if err != nil {
		return fmt.Errorf("superseding fact %s-%s->%s: %w", subject, predicate, object, err)
	}
	if count, _ := n.(int64); count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Query returns facts matching the pattern.
func (g *Neo4jGraph) Query(ctx context.Context, pattern Pattern) ([]*store.Edge, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	cypher, params := buildFactQuery(pattern)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		edges := []*store.Edge{}
		for res.Next(ctx) {
			edge, err := edgeFromRecord(res.Record())
			if err != nil {
				g.logger.Warn("skipping malformed fact", "error", err)
				continue
			}
			edges = append(edges, edge)
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}

	return result.([]*store.Edge), nil
}

// Close releases the driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// buildFactQuery renders the MATCH for a pattern. Empty pattern fields are
// left unconstrained.
func buildFactQuery(pattern Pattern) (string, map[string]any) {
	limit := pattern.Limit
	if limit <= 0 {
		limit = 500
	}

	var where []string
	params := map[string]any{"limit": limit}
	if pattern.Subject != "" {
		where = append(where, "s.name = $subject")
		params["subject"] = pattern.Subject
	}
	if pattern.Predicate != "" {
		where = append(where, "r.predicate = $predicate")
		params["predicate"] = pattern.Predicate
	}
	if pattern.Object != "" {
		where = append(where, "o.name = $object")
		params["object"] = pattern.Object
	}
	if !pattern.IncludeSuperseded {
		where = append(where, "coalesce(r.superseded, false) = false")
	}

	var b strings.Builder
	b.WriteString("MATCH (s:Entity)-[r:FACT]->(o:Entity)")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(` RETURN s.name AS subject, r.predicate AS predicate, o.name AS object,` +
		` r.source AS source, r.confidence AS confidence, r.superseded AS superseded,` +
		` r.created_at AS created_at, r.updated_at AS updated_at` +
		` ORDER BY r.updated_at DESC LIMIT $limit`)

	return b.String(), params
}

func edgeFromRecord(record *neo4j.Record) (*store.Edge, error) {
	str := func(key string) string {
		v, _ := record.Get(key)
		s, _ := v.(string)
		return s
	}

	edge := &store.Edge{
		Subject:              str("subject"),
		Predicate:            str("predicate"),
		Object:               str("object"),
		SourceConversationID: str("source"),
	}
	if edge.Subject == "" || edge.Predicate == "" || edge.Object == "" {
		return nil, fmt.Errorf("incomplete triple %q-%q->%q", edge.Subject, edge.Predicate, edge.Object)
	}

	if v, ok := record.Get("confidence"); ok {
		switch c := v.(type) {
		case float64:
			edge.Confidence = c
		case int64:
			edge.Confidence = float64(c)
		}
	}
	if v, ok := record.Get("superseded"); ok {
		edge.Superseded, _ = v.(bool)
	}
	edge.CreatedAt, _ = time.Parse(time.RFC3339Nano, str("created_at"))
	edge.UpdatedAt, _ = time.Parse(time.RFC3339Nano, str("updated_at"))

	return edge, nil
}

var _ Graph = (*Neo4jGraph)(nil)
