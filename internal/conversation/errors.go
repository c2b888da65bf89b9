// ABOUTME: Sentinel errors and failure reason codes for conversations
// ABOUTME: Reason codes travel on error events and in archived snapshots

package conversation

import "errors"

var (
	// ErrNotFound is returned when no live or archived conversation has the id.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidCorrelation is returned when an answer names an unknown
	// conversation or a question that was never asked.
	ErrInvalidCorrelation = errors.New("answer does not match a pending question")

	// ErrClarificationTimeout is the cause recorded when answers stop arriving.
	ErrClarificationTimeout = errors.New("clarification timed out")

	// ErrTerminal is returned when acting on a clarified or failed conversation.
	ErrTerminal = errors.New("conversation already finished")

	// ErrActive is returned when submitting to a conversation that is still
	// collecting answers.
	ErrActive = errors.New("conversation still awaiting answers")

	// ErrInvalidRequest is returned for empty queries and answers.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned after the orchestrator has been closed.
	ErrClosed = errors.New("orchestrator closed")

	// ErrUnknownHandoff is returned for a handoff token that was never issued,
	// has already been resolved or has expired.
	ErrUnknownHandoff = errors.New("unknown handoff token")
)

// Failure reason codes.
const (
	ReasonClarificationTimeout = "clarification_timeout"
	ReasonCancelled            = "cancelled"
	ReasonEngineError          = "engine_error"
	ReasonHandoffFailed        = "handoff_failed"
)
