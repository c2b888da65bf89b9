// ABOUTME: Handoff of clarified requests to solution collaborators
// ABOUTME: EventHandoff issues expiring tokens and publishes response_ready or error when a result comes back

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Gliksbot/Dexter/internal/dedupe"
	"github.com/Gliksbot/Dexter/internal/hub"
)

const (
	// DefaultHandoffTTL is how long an issued token waits for its result.
	DefaultHandoffTTL = 24 * time.Hour

	defaultHandoffLimit = 10000
)

// ClarifiedRequest is a request whose intent has been fully collected.
type ClarifiedRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Query          string                 `json:"query"`
	Answers        []hub.AnsweredQuestion `json:"answers"`
}

// Handoff passes clarified requests to whatever produces the answer.
type Handoff interface {
	// Submit accepts the request and returns a token that identifies the result.
	Submit(ctx context.Context, req ClarifiedRequest) (string, error)
}

// Publisher is the part of the hub the orchestrator and handoff need.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, payload hub.Payload) (uint64, error)
}

// EventHandoff keeps issued tokens until a collaborator reports the outcome
// through CompleteHandoff or FailHandoff. Collaborators learn about requests
// from the clarification_complete event. Tokens nobody resolves expire after
// the TTL, and the oldest are evicted once the limit is reached.
type EventHandoff struct {
	pub     Publisher
	logger  *slog.Logger
	pending *dedupe.Cache[ClarifiedRequest] // token -> request
}

// HandoffOption configures an EventHandoff.
type HandoffOption func(*handoffConfig)

type handoffConfig struct {
	ttl   time.Duration
	limit int
}

// WithHandoffTTL sets how long tokens stay redeemable. Zero or less keeps the default.
func WithHandoffTTL(d time.Duration) HandoffOption {
	return func(c *handoffConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithHandoffLimit caps the number of outstanding tokens. Zero or less keeps the default.
func WithHandoffLimit(n int) HandoffOption {
	return func(c *handoffConfig) {
		if n > 0 {
			c.limit = n
		}
	}
}

// NewEventHandoff creates a handoff that publishes results on pub. Pass nil logger for default.
// Close releases the token cache.
func NewEventHandoff(pub Publisher, logger *slog.Logger, opts ...HandoffOption) *EventHandoff {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := handoffConfig{ttl: DefaultHandoffTTL, limit: defaultHandoffLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EventHandoff{
		pub:     pub,
		logger:  logger.With("component", "handoff"),
		pending: dedupe.New[ClarifiedRequest](cfg.ttl, cfg.limit),
	}
}

// Submit records the request and returns its token.
func (h *EventHandoff) Submit(ctx context.Context, req ClarifiedRequest) (string, error) {
	token := uuid.New().String()
	h.pending.Set(token, req)

	h.logger.Debug("handoff issued", "conversation_id", req.ConversationID, "token", token)
	return token, nil
}

// Pending returns the request behind an outstanding token.
func (h *EventHandoff) Pending(token string) (ClarifiedRequest, bool) {
	return h.pending.Get(token)
}

// CompleteHandoff publishes response_ready for the token's conversation.
// Each token resolves once.
func (h *EventHandoff) CompleteHandoff(ctx context.Context, token, content string) (uint64, error) {
	return h.resolve(ctx, token, "completing", hub.ResponseReady{
		HandoffToken: token,
		Content:      content,
	})
}

// FailHandoff reports that the collaborator could not produce a result.
// It publishes an error event with reason handoff_failed and resolves the token.
func (h *EventHandoff) FailHandoff(ctx context.Context, token, detail string) (uint64, error) {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "collaborator reported failure"
	}
	return h.resolve(ctx, token, "failing", hub.ErrorRaised{
		Reason: ReasonHandoffFailed,
		Detail: detail,
	})
}

func (h *EventHandoff) resolve(ctx context.Context, token, action string, payload hub.Payload) (uint64, error) {
	req, ok := h.pending.Take(token)
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", action, token, ErrUnknownHandoff)
	}

	seq, err := h.pub.Publish(ctx, req.ConversationID, payload)
	if err != nil {
		// Put it back so the collaborator can retry
		h.pending.Set(token, req)
		return 0, fmt.Errorf("publishing %s for %s: %w", payload.Topic(), token, err)
	}

	h.logger.Debug("handoff resolved", "conversation_id", req.ConversationID, "token", token, "topic", payload.Topic())
	return seq, nil
}

// Close stops the token cache's cleanup.
func (h *EventHandoff) Close() {
	h.pending.Close()
}

var _ Handoff = (*EventHandoff)(nil)
