// ABOUTME: Gateway wires store, hub, memory, clarification and the orchestrator behind HTTP
// ABOUTME: Manages the HTTP server, event sinks and graceful shutdown of every component

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Gliksbot/Dexter/internal/auth"
	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/config"
	"github.com/Gliksbot/Dexter/internal/conversation"
	"github.com/Gliksbot/Dexter/internal/dedupe"
	"github.com/Gliksbot/Dexter/internal/hub"
	"github.com/Gliksbot/Dexter/internal/memory"
	"github.com/Gliksbot/Dexter/internal/sink"
	"github.com/Gliksbot/Dexter/internal/store"
)

const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 100_000
	sseKeepAlive       = 15 * time.Second
)

// Gateway hosts the Dexter collaboration core.
type Gateway struct {
	config       *config.Config
	store        store.Store
	hub          *hub.Hub
	memory       *memory.Memory
	engine       clarify.Engine
	handoff      *conversation.EventHandoff
	orchestrator *conversation.Orchestrator
	httpServer   *http.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// idempotency maps Idempotency-Key headers to conversation ids
	idempotency *dedupe.Cache[string]

	// sinks mirror hub events elsewhere; closed after the hub
	sinks []sink.Sink

	// neo4jGraph is set when the knowledge graph lives in Neo4j
	neo4jGraph *memory.Neo4jGraph

	// authEnabled is set when API routes require a bearer token
	authEnabled bool

	// closing is closed when shutdown starts so event streams end promptly
	closing   chan struct{}
	closeOnce sync.Once

	keepAlive time.Duration
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DEXTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initHub creates the hub, resuming sequence numbers from the event log.
func initHub(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (*hub.Hub, error) {
	opts := []hub.Option{hub.WithQueueSize(cfg.Hub.QueueSize)}
	if cfg.Hub.EventLogEnabled() {
		last, err := s.LastEventSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading last event sequence: %w", err)
		}
		opts = append(opts, hub.WithEventLog(s), hub.WithStartSequence(last))
		logger.Info("event log enabled", "last_sequence", last)
	}
	return hub.New(logger.With("component", "hub"), opts...), nil
}

// initMemory builds the layered memory with the configured embedder and graph backend.
func initMemory(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (*memory.Memory, *memory.Neo4jGraph, error) {
	opts := []memory.Option{
		memory.WithShortTermCapacity(cfg.Memory.ShortTermCapacity),
		memory.WithLogger(logger),
	}

	if emb := cfg.Memory.Embedding; emb.Enabled {
		embedder, err := memory.NewOllamaEmbedder(emb.BaseURL, emb.Model, emb.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("creating embedder: %w", err)
		}
		opts = append(opts, memory.WithEmbedder(embedder))
		logger.Info("embedding recall enabled", "model", emb.Model)
	}

	var graph *memory.Neo4jGraph
	if cfg.Graph.Backend == "neo4j" {
		driver, err := memory.DialNeo4j(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password)
		if err != nil {
			return nil, nil, err
		}
		graph = memory.NewNeo4jGraph(driver, logger)
		opts = append(opts, memory.WithGraph(graph))
		logger.Info("knowledge graph backend", "backend", "neo4j", "uri", cfg.Graph.URI)
	}

	return memory.New(s, opts...), graph, nil
}

// initEngine builds the clarification engine named by config.
func initEngine(cfg *config.Config, logger *slog.Logger) (clarify.Engine, error) {
	c := cfg.Clarify
	engine, err := clarify.New(clarify.Config{
		Mode:              c.Mode,
		Provider:          c.Provider,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		APIKey:            c.APIKey,
		Seed:              c.Seed,
		RequestsPerSecond: c.RequestsPerSecond,
		Timeout:           c.Timeout,
		CacheTTL:          c.CacheTTL,
		CacheSize:         c.CacheSize,
	}, logger.With("component", "clarify"))
	if err != nil {
		return nil, fmt.Errorf("creating clarification engine: %w", err)
	}
	logger.Info("clarification engine ready", "mode", c.Mode, "provider", c.Provider, "model", c.Model)
	return engine, nil
}

// initSinks attaches the configured event sinks to the hub.
func initSinks(cfg *config.Config, h *hub.Hub, logger *slog.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink
	if cfg.Sinks.Log.Enabled {
		sinks = append(sinks, sink.NewLogSink(logger))
	}
	if k := cfg.Sinks.Kafka; k.Enabled {
		ks, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchTimeout: k.BatchTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ks)
	}

	// Subscriptions end when the hub closes
	for _, s := range sinks {
		if _, err := sink.Attach(context.Background(), h, s, logger); err != nil {
			return nil, err
		}
	}
	return sinks, nil
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	protect := func(h http.HandlerFunc) http.Handler { return h }
	identify := protect
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		middleware := auth.Middleware(verifier)
		optional := auth.OptionalMiddleware(verifier)
		protect = func(h http.HandlerFunc) http.Handler { return middleware(h) }
		identify = func(h http.HandlerFunc) http.Handler { return optional(h) }
		g.authEnabled = true
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	// Readiness answers everyone; hub details only go to authenticated callers
	mux.Handle("GET /health/ready", identify(g.handleReady))

	mux.Handle("POST /api/query", protect(g.handleQuery))
	mux.Handle("POST /api/answer", protect(g.handleAnswer))
	mux.Handle("GET /api/conversations/{id}", protect(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/cancel", protect(g.handleCancel))
	mux.Handle("GET /api/events", protect(g.handleEvents))
	mux.Handle("GET /api/memory/recall", protect(g.handleRecall))
	mux.Handle("GET /api/memory/graph", protect(g.handleGraph))
	mux.Handle("GET /api/memory/records/{id}", protect(g.handleGetMemory))
	mux.Handle("GET /api/handoffs/{token}", protect(g.handleGetHandoff))
	mux.Handle("POST /api/handoffs/{token}/complete", protect(g.handleCompleteHandoff))
	mux.Handle("POST /api/handoffs/{token}/fail", protect(g.handleFailHandoff))
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
		idempotency: dedupe.New[string](idempotencyTTL, idempotencyMaxKeys),
		closing:     make(chan struct{}),
		keepAlive:   sseKeepAlive,
	}

	// Release whatever was built if a later step fails
	ok := false
	defer func() {
		if !ok {
			_ = gw.closeComponents()
		}
	}()

	if gw.hub, err = initHub(ctx, cfg, s, logger); err != nil {
		return nil, err
	}
	if gw.memory, gw.neo4jGraph, err = initMemory(ctx, cfg, s, logger); err != nil {
		return nil, err
	}
	if gw.engine, err = initEngine(cfg, logger); err != nil {
		return nil, err
	}
	if gw.sinks, err = initSinks(cfg, gw.hub, logger); err != nil {
		return nil, err
	}

	gw.handoff = conversation.NewEventHandoff(gw.hub, logger,
		conversation.WithHandoffTTL(cfg.Clarify.HandoffTTL))
	gw.orchestrator = conversation.New(gw.hub, gw.engine, gw.memory,
		conversation.WithHandoff(gw.handoff),
		conversation.WithArchive(s),
		conversation.WithAnswerTimeout(cfg.Clarify.AnswerTimeout),
		conversation.WithHistoryLimit(cfg.Memory.HistoryLimit),
		conversation.WithLogger(logger.With("component", "orchestrator")),
	)

	mux := http.NewServeMux()

	// Health - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)

	// API endpoints - auth required if JWT secret is configured
	if err := gw.registerHTTPAPIRoutes(mux, cfg, logger); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return gw, nil
}

// Handler returns the HTTP handler serving health and API routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServers starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServers(httpLn net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServers(httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops everything behind the HTTP server in dependency
// order: conversations first so their failures reach the hub, then the hub
// so the event log and sinks drain, then the backends.
func (g *Gateway) closeComponents() error {
	var errs []error

	if g.orchestrator != nil {
		g.orchestrator.Close()
	}
	if g.handoff != nil {
		g.handoff.Close()
	}
	if g.hub != nil {
		g.hub.Close()
	}
	for _, s := range g.sinks {
		errs = appendCloseError(errs, s.Name()+" sink close", s.Close())
	}
	if closer, ok := g.engine.(interface{ Close() }); ok {
		closer.Close()
	}
	if g.neo4jGraph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = appendCloseError(errs, "neo4j close", g.neo4jGraph.Close(ctx))
		cancel()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if g.idempotency != nil {
		g.idempotency.Close()
	}
	return errors.Join(errs...)
}

// Shutdown gracefully stops the HTTP server and releases every component.
// Calling it more than once is safe.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.closing)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "components", g.closeComponents())

		if len(errs) > 0 {
			err = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return err
}

// handleHealth reports that the process is up.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Dexter gateway is up"})
}

// handleReady returns 200 while the gateway accepts work. With auth enabled,
// anonymous callers only see the status.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.closing:
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	default:
	}

	body := map[string]any{
		"status":    "ready",
		"server_id": g.serverID,
	}
	subject := auth.SubjectFromContext(r.Context())
	if !g.authEnabled || subject != "" {
		body["last_sequence"] = g.hub.LastSequence()
		body["subscribers"] = g.hub.SubscriberCount()
		body["log_dropped"] = g.hub.LogDropped()
	}
	if subject != "" {
		body["subject"] = subject
	}
	writeJSON(w, http.StatusOK, body)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("dexter-gateway-%d", time.Now().UnixNano()%1000000)
}
