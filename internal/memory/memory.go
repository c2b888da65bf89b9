// ABOUTME: Layered memory facade merging short-term buffers, long-term storage and the knowledge graph
// ABOUTME: Provides Remember, Recall, RecentContext, Link and QueryGraph over pluggable backends

package memory

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/Gliksbot/Dexter/internal/store"
)

var (
	// ErrStorageUnavailable wraps failures of the durable long-term store.
	ErrStorageUnavailable = errors.New("memory storage unavailable")

	// ErrNotFound is returned for a record id or fact that memory does not hold.
	ErrNotFound = errors.New("not found in memory")
)

// Record is a remembered turn or summary.
type Record = store.MemoryRecord

// Pattern selects knowledge graph edges; empty fields are wildcards.
type Pattern = store.EdgePattern

const (
	KindShortTerm = store.MemoryKindShortTerm
	KindLongTerm  = store.MemoryKindLongTerm
)

const (
	// shortTermScore ranks live context above any long-term match short of identical.
	shortTermScore = 1.0

	defaultRecallK       = 10
	defaultSearchLimit   = 200
	defaultEmbedScanSize = 500
)

// Result is one recalled record with its relevance score.
type Result struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// Context is everything known about a conversation for a query: recalled
// records plus the graph facts whose subject is the conversation.
type Context struct {
	Records []Result      `json:"records"`
	Edges   []*store.Edge `json:"edges"`
}

// Memory is the unified memory contract. It is safe for concurrent use.
type Memory struct {
	short    *ShortTerm
	long     store.MemoryStore
	graph    Graph
	embedder Embedder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Memory.
type Option func(*Memory)

// WithShortTermCapacity bounds each conversation's short-term buffer.
func WithShortTermCapacity(n int) Option {
	return func(m *Memory) { m.short = NewShortTerm(n) }
}

// WithEmbedder enables embedding-based long-term recall.
func WithEmbedder(e Embedder) Option {
	return func(m *Memory) { m.embedder = e }
}

// WithGraph sets the knowledge graph backend.
func WithGraph(g Graph) Option {
	return func(m *Memory) { m.graph = g }
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger.With("component", "memory")
		}
	}
}

// New creates a Memory over a long-term store. Without WithGraph the graph
// is kept in the same store when it implements store.GraphStore.
func New(long store.MemoryStore, opts ...Option) *Memory {
	m := &Memory{
		short:  NewShortTerm(DefaultShortTermCapacity),
		long:   long,
		logger: slog.Default().With("component", "memory"),
		tracer: otel.Tracer("github.com/Gliksbot/Dexter/internal/memory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.graph == nil {
		if gs, ok := long.(store.GraphStore); ok {
			m.graph = NewSQLiteGraph(gs)
		}
	}
	return m
}

// ShortTerm exposes the short-term buffers.
func (m *Memory) ShortTerm() *ShortTerm { return m.short }

// ContentID derives the content-addressed id of a long-term record.
func ContentID(conversationID, role, content string) string {
	sum := blake2b.Sum256([]byte(conversationID + "\x00" + role + "\x00" + content))
	return hex.EncodeToString(sum[:16])
}

// Remember stores a record. Short-term records go to the conversation's
// bounded buffer; long-term records are appended durably and never evicted.
func (m *Memory) Remember(ctx context.Context, rec *Record) error {
	ctx, span := m.tracer.Start(ctx, "memory.Remember", trace.WithAttributes(
		attribute.String("memory.kind", string(rec.Kind)),
		attribute.String("conversation.id", rec.ConversationID),
	))
	defer span.End()

	if strings.TrimSpace(rec.Content) == "" {
		err := errors.New("memory content is required")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}

	switch rec.Kind {
	case KindShortTerm, "":
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.Kind = KindShortTerm
		m.short.Add(rec)
		return nil

	case KindLongTerm:
		if m.long == nil {
			span.SetStatus(codes.Error, "no long-term store")
			return fmt.Errorf("remembering %s: %w", rec.ID, ErrStorageUnavailable)
		}
		if rec.ID == "" {
			rec.ID = ContentID(rec.ConversationID, rec.Role, rec.Content)
		}
		if m.embedder != nil && len(rec.Embedding) == 0 {
			vectors, err := m.embedder.Embed(ctx, []string{rec.Content})
			if err != nil || len(vectors) == 0 {
				m.logger.Warn("embedding failed, storing without vector", "memory_id", rec.ID, "error", err)
			} else {
				rec.Embedding = vectors[0]
			}
		}
		if err := m.long.SaveMemory(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "long-term write failed")
			return fmt.Errorf("remembering %s: %w: %w", rec.ID, ErrStorageUnavailable, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown memory kind %q", rec.Kind)
	}
}

// Recall merges the conversation's live short-term buffer with a
// relevance-ranked long-term lookup and returns the top k results.
// Long-term failures are logged and the short-term results still returned.
func (m *Memory) Recall(ctx context.Context, conversationID, query string, k int) ([]Result, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Recall", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("recall.k", k),
	))
	defer span.End()

	if k <= 0 {
		k = defaultRecallK
	}

	var results []Result
	seen := make(map[string]bool)
	for _, rec := range m.short.Recent(conversationID, 0) {
		seen[rec.ID] = true
		results = append(results, Result{Record: rec, Score: shortTermScore})
	}

	long, err := m.recallLongTerm(ctx, conversationID, query)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("long-term recall failed", "conversation_id", conversationID, "error", err)
	}
	for _, r := range long {
		if seen[r.Record.ID] {
			continue
		}
		seen[r.Record.ID] = true
		results = append(results, r)
	}

	rankResults(results)
	if len(results) > k {
		results = results[:k]
	}
	span.SetAttributes(attribute.Int("recall.results", len(results)))
	return results, nil
}

func (m *Memory) recallLongTerm(ctx context.Context, conversationID, query string) ([]Result, error) {
	if m.long == nil {
		return nil, nil
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		// No query terms: the conversation's own history, newest first
		recs, err := m.long.ListMemories(ctx, conversationID, defaultSearchLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		results := make([]Result, 0, len(recs))
		for _, rec := range recs {
			results = append(results, Result{Record: rec})
		}
		return results, nil
	}

	var results []Result
	embedded := false
	if m.embedder != nil {
		byVector, err := m.recallByEmbedding(ctx, query)
		if err != nil {
			m.logger.Warn("embedding recall failed, using lexical match", "error", err)
		} else {
			embedded = true
			results = byVector
		}
	}

	// Records without a vector (stored while the embedder was down or before
	// it was enabled) are always matched lexically.
	recs, err := m.long.SearchMemories(ctx, tokens, defaultSearchLimit)
	if err != nil {
		if len(results) > 0 {
			m.logger.Warn("lexical recall failed", "error", err)
			return results, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.Record.ID] = true
	}
	for _, rec := range recs {
		if seen[rec.ID] || (embedded && len(rec.Embedding) > 0) {
			continue
		}
		if score := lexicalScore(tokens, rec.Content); score > 0 {
			seen[rec.ID] = true
			results = append(results, Result{Record: rec, Score: score})
		}
	}
	return results, nil
}

func (m *Memory) recallByEmbedding(ctx context.Context, query string) ([]Result, error) {
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vectors")
	}

	recs, err := m.long.ListEmbeddedMemories(ctx, defaultEmbedScanSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		sim := cosineSimilarity(vectors[0], rec.Embedding)
		if sim <= 0 {
			continue
		}
		// Cap below the short-term score so live context wins ties
		results = append(results, Result{Record: rec, Score: min(sim, shortTermScore)})
	}
	return results, nil
}

// RecentContext returns the conversation's most recent turns, newest first.
// When the short-term buffer is empty it falls back to long-term records.
func (m *Memory) RecentContext(ctx context.Context, conversationID string, limit int) ([]*Record, error) {
	if recent := m.short.Recent(conversationID, limit); len(recent) > 0 {
		return recent, nil
	}
	if m.long == nil {
		return []*Record{}, nil
	}
	recs, err := m.long.ListMemories(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent context: %w: %w", ErrStorageUnavailable, err)
	}
	return recs, nil
}

// RecallContext runs recall and the graph lookup for a conversation in parallel.
func (m *Memory) RecallContext(ctx context.Context, conversationID, query string, k int) (*Context, error) {
	out := &Context{Edges: []*store.Edge{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := m.Recall(gctx, conversationID, query, k)
		out.Records = results
		return err
	})
	if m.graph != nil && conversationID != "" {
		g.Go(func() error {
			edges, err := m.graph.Query(gctx, Pattern{Subject: conversationID})
			if err != nil {
				m.logger.Warn("graph lookup failed", "conversation_id", conversationID, "error", err)
				return nil
			}
			out.Edges = edges
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Link upserts a knowledge graph fact keyed on its triple.
func (m *Memory) Link(ctx context.Context, subject, predicate, object string, confidence float64, source string) error {
	if m.graph == nil {
		return fmt.Errorf("linking %s: %w", subject, ErrStorageUnavailable)
	}
	edge := &store.Edge{
		Subject:              subject,
		Predicate:            predicate,
		Object:               object,
		SourceConversationID: source,
		Confidence:           confidence,
		UpdatedAt:            m.now(),
	}
	if err := store.ValidateEdge(edge); err != nil {
		return err
	}
	if err := m.graph.Link(ctx, edge); err != nil {
		return fmt.Errorf("linking %s: %w: %w", subject, ErrStorageUnavailable, err)
	}
	return nil
}

// Supersede marks a fact as replaced. It stays queryable with
// IncludeSuperseded but no longer counts as current.
func (m *Memory) Supersede(ctx context.Context, subject, predicate, object string) error {
	if m.graph == nil {
		return fmt.Errorf("superseding %s: %w", subject, ErrStorageUnavailable)
	}
	err := m.graph.Supersede(ctx, subject, predicate, object)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("fact %s-%s->%s: %w", subject, predicate, object, ErrNotFound)
	default:
		return fmt.Errorf("superseding %s: %w: %w", subject, ErrStorageUnavailable, err)
	}
}

// QueryGraph returns edges matching the pattern.
func (m *Memory) QueryGraph(ctx context.Context, pattern Pattern) ([]*store.Edge, error) {
	if m.graph == nil {
		return []*store.Edge{}, nil
	}
	edges, err := m.graph.Query(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("querying graph: %w: %w", ErrStorageUnavailable, err)
	}
	return edges, nil
}

// Get returns one long-term record by id.
func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	if m.long == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	rec, err := m.long.GetMemory(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	default:
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
}

// Forget drops the conversation's short-term buffer. Long-term records and
// graph facts are kept.
func (m *Memory) Forget(conversationID string) {
	m.short.Forget(conversationID)
}
