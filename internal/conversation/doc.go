// Package conversation drives user requests through clarification.
//
// # Orchestrator
//
// The Orchestrator owns every live conversation and moves it through
//
//	collecting -> awaiting_answers -> clarified
//	(any state) -> failed
//
// Submit publishes query_received, asks the clarify.Engine for questions and
// either clarifies at once or publishes clarification_requested with the
// full ordered question set. Answer publishes clarification_answered for
// each answer; answering the same question again replaces the earlier
// answer and the event carries Revision. Once nothing is pending the
// conversation is clarified, clarification_complete is published exactly
// once and the request goes to the Handoff.
//
// Failures publish an error event with a reason code:
//
//   - clarification_timeout: no answer arrived within the answer window
//   - cancelled: Cancel was called or the orchestrator closed
//   - engine_error: the engine could not evaluate the query
//   - handoff_failed: the handoff rejected the clarified request
//
// # Persistence
//
// Each query and answer is remembered as a short-term turn. When a
// conversation finishes, a long-term summary is written, answered slots of
// a clarified conversation become knowledge graph facts
// (conversation, slot, answer), the snapshot is archived and the
// short-term buffer is dropped. Storage failures are logged and never
// change the outcome.
//
// Submitting again to a finished conversation starts a new round that sees
// the earlier summary and the known slots, so answered details are not asked
// twice.
//
// # Handoff
//
// EventHandoff issues a token per clarified request. Collaborators pick the
// request up from clarification_complete and report their result with
// CompleteHandoff, which publishes response_ready.
package conversation
