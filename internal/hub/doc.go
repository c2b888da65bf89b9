// Package hub is the in-process collaboration event bus.
//
// # Overview
//
// Every collaborator of a conversation (the HTTP event stream, peer agents,
// logging and analytics sinks) observes the same ordered stream of events
// through a Hub. The hub knows nothing about conversation semantics: it
// routes typed payloads by topic and conversation ID.
//
// # Topics and Payloads
//
// Topics are a closed set, each with one payload type:
//
//   - query_received: QueryReceived
//   - clarification_requested: ClarificationRequested
//   - clarification_answered: ClarificationAnswered
//   - clarification_complete: ClarificationComplete
//   - response_ready: ResponseReady
//   - error: ErrorRaised
//
// Payloads are validated before a sequence number is assigned, so an
// invalid publish never consumes a number.
//
// # Ordering and Backpressure
//
// Sequence numbers are unique and strictly increasing per hub. Each
// subscriber has its own bounded queue and receives events in sequence
// order. A publisher never waits on a consumer: when a subscriber's queue is
// full the subscriber is dropped, its Err reports ErrSubscriberOverload, and
// an error event with reason subscriber_overload is published.
//
// # Replay
//
// With WithEventLog every event is appended to a store.EventLog and
// Replay re-reads it. Live subscriptions never replay; callers that need
// both subscribe first, replay, then skip already-seen sequence numbers.
// Appends go through a bounded buffer; if storage falls that far behind,
// events are delivered live but left out of the log, counted by LogDropped.
//
// # Usage
//
//	h := hub.New(logger, hub.WithEventLog(db))
//	defer h.Close()
//
//	sub, _ := h.Subscribe(ctx, hub.Filter{Topic: hub.AllTopics})
//	for ev := range sub.Events() {
//	    ...
//	}
package hub
