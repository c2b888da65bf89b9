// Package gateway hosts the Dexter collaboration core over HTTP.
//
// # Wiring
//
// New builds every component from config.Config:
//
//   - a SQLite store (DEXTER_DB_PATH overrides database.path)
//   - the hub, resuming sequence numbers from the event log when it is enabled
//   - layered memory, with an Ollama embedder and a Neo4j graph when configured
//   - the clarification engine selected by clarify.mode
//   - the orchestrator with an EventHandoff and the conversation archive
//   - event sinks (log, Kafka) attached as hub subscribers
//
// # Routes
//
//	GET  /health                           liveness
//	GET  /health/ready                     readiness; hub details for authenticated callers
//	POST /api/query                        start or continue a conversation
//	POST /api/answer                       answer one pending question
//	GET  /api/conversations/{id}           live or archived snapshot
//	POST /api/conversations/{id}/cancel    fail a live conversation as cancelled
//	GET  /api/events                       SSE stream, ?topic= ?conversation_id= ?since=
//	GET  /api/memory/recall                ?conversation_id= ?q= ?k=
//	GET  /api/memory/graph                 ?subject= ?predicate= ?object=
//	GET  /api/memory/records/{id}          one long-term record
//	GET  /api/handoffs/{token}             clarified request behind a token
//	POST /api/handoffs/{token}/complete    publish response_ready
//	POST /api/handoffs/{token}/fail        publish error with reason handoff_failed
//
// API routes require a bearer JWT when auth.jwt_secret is set. Errors are
// JSON objects with an "error" field. POST /api/query honours an
// Idempotency-Key header: duplicates within ten minutes return the
// conversation started by the first request. Handoff tokens expire after
// clarify.handoff_ttl.
//
// # Shutdown
//
// Shutdown ends event streams, stops the HTTP server, fails live
// conversations as cancelled, closes the hub so the event log and sinks
// drain, and finally releases the backends and the store.
package gateway
