// ABOUTME: Event sinks are hub subscribers that copy every event somewhere else
// ABOUTME: Attach wires a sink to the hub and logs when the hub drops it

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Gliksbot/Dexter/internal/hub"
)

// handleTimeout bounds a single sink write.
const handleTimeout = 5 * time.Second

// Sink receives hub events in publish order.
type Sink interface {
	Name() string
	Handle(ctx context.Context, event *hub.Event) error
	Close() error
}

// Record is the wire form of an event written by sinks.
type Record struct {
	Sequence       uint64          `json:"sequence"`
	Topic          hub.Topic       `json:"topic"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// Encode renders an event as a JSON Record.
func Encode(event *hub.Event) ([]byte, error) {
	payload, err := hub.EncodePayload(event.Payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Record{
		Sequence:       event.Sequence,
		Topic:          event.Topic,
		ConversationID: event.ConversationID,
		Timestamp:      event.Timestamp,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event %d: %w", event.Sequence, err)
	}
	return data, nil
}

// Attach subscribes s to every topic. Failed writes are logged and skipped.
// The subscription ends with ctx, on hub Close, or when the sink falls so
// far behind that the hub drops it.
func Attach(ctx context.Context, h *hub.Hub, s Sink, logger *slog.Logger) (*hub.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sink", "sink", s.Name())

	sub, err := h.SubscribeFunc(ctx, hub.Filter{Topic: hub.AllTopics}, func(event *hub.Event) {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
		defer cancel()
		if err := s.Handle(hctx, event); err != nil {
			logger.Warn("sink write failed",
				"sequence", event.Sequence,
				"topic", event.Topic,
				"error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("attaching sink %s: %w", s.Name(), err)
	}

	go func() {
		<-sub.Done()
		if err := sub.Err(); err != nil {
			logger.Warn("sink detached", "sub_id", sub.ID(), "error", err)
			return
		}
		logger.Debug("sink detached", "sub_id", sub.ID())
	}()

	logger.Info("sink attached", "sub_id", sub.ID())
	return sub, nil
}
