// ABOUTME: In-process topic-addressed publish/subscribe hub for collaboration events
// ABOUTME: Assigns sequence numbers, fans out to bounded per-subscriber queues, drops overloaded subscribers

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gliksbot/Dexter/internal/store"
)

const (
	// DefaultQueueSize is the delivery queue length of each subscriber.
	DefaultQueueSize = 64

	// ReasonSubscriberOverload is the error reason published when a
	// subscriber is dropped for falling behind.
	ReasonSubscriberOverload = "subscriber_overload"
)

var (
	// ErrClosed is returned by operations on a closed hub.
	ErrClosed = errors.New("hub closed")

	// ErrSubscriberOverload ends a subscription whose queue was full at publish time.
	ErrSubscriberOverload = errors.New("subscriber overloaded")

	// ErrInvalidPayload is returned when a payload is nil or fails validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidFilter is returned when a filter names an unknown topic.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrReplayUnavailable is returned by Replay when no event log is configured.
	ErrReplayUnavailable = errors.New("replay unavailable: no event log configured")
)

// Hub broadcasts events to subscribers. It is safe for concurrent use.
//
// A single lock covers sequence assignment and enqueueing, so every
// subscriber sees events in sequence order. Publishing never blocks on a
// consumer: a subscriber whose queue is full is dropped instead.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[string]*Subscription
	closed bool

	queueSize int
	log       *logWriter
	wg        sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber delivery queue length.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithEventLog appends every published event to log and enables Replay.
func WithEventLog(log store.EventLog) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = newLogWriter(log, h.logger)
		}
	}
}

// WithStartSequence continues numbering after seq, typically the last
// sequence found in the event log, so numbers are never reused.
func WithStartSequence(seq uint64) Option {
	return func(h *Hub) {
		h.seq = seq
	}
}

// New creates a hub. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:      make(map[string]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    logger.With("component", "hub"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log != nil {
		h.log.start()
	}
	return h
}

// Publish validates the payload, assigns the next sequence number and
// enqueues the event for every matching subscriber. The topic is taken from
// the payload type.
func (h *Hub) Publish(ctx context.Context, conversationID string, payload Payload) (uint64, error) {
	if payload == nil {
		return 0, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, payload.Topic(), err)
	}
	if !payload.Topic().Valid() {
		return 0, fmt.Errorf("%w: unknown topic %q", ErrInvalidPayload, payload.Topic())
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}

	h.seq++
	event := &Event{
		Sequence:       h.seq,
		Topic:          payload.Topic(),
		ConversationID: conversationID,
		Payload:        payload,
		Timestamp:      h.now(),
	}

	var dropped []string
	for id, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			delete(h.subs, id)
			sub.end(ErrSubscriberOverload)
			dropped = append(dropped, id)
		}
	}

	logged := h.log == nil || h.log.append(event)
	h.mu.Unlock()

	if !logged {
		h.logger.Warn("event log buffer full, event not persisted",
			"sequence", event.Sequence,
			"dropped_total", h.log.dropped.Load())
	}

	for _, id := range dropped {
		h.logger.Warn("dropped overloaded subscriber",
			"sub_id", id,
			"sequence", event.Sequence)
		if _, err := h.Publish(ctx, "", ErrorRaised{
			Reason:         ReasonSubscriberOverload,
			Detail:         fmt.Sprintf("delivery queue full at sequence %d", event.Sequence),
			SubscriptionID: id,
		}); err != nil && !errors.Is(err, ErrClosed) {
			h.logger.Warn("failed to publish overload notice", "sub_id", id, "error", err)
		}
	}

	return event.Sequence, nil
}

// Subscribe registers a subscriber. There is no replay on subscribe; only
// events published afterwards are delivered. The subscription is removed
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	return h.subscribe(ctx, filter, nil)
}

// SubscribeFunc registers a subscriber whose events are handed to fn on a
// dedicated delivery goroutine. fn must not call Close on the hub.
func (h *Hub) SubscribeFunc(ctx context.Context, filter Filter, fn func(*Event)) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscribe func: nil handler")
	}
	return h.subscribe(ctx, filter, fn)
}

func (h *Hub) subscribe(ctx context.Context, filter Filter, fn func(*Event)) (*Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, fmt.Errorf("%w: topic %q", err, filter.Topic)
	}

	sub := newSubscription(uuid.New().String(), filter, h.queueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	if fn != nil {
		h.wg.Add(1)
	}
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"sub_id", sub.id,
		"topic", filter.Topic,
		"conversation_id", filter.ConversationID)

	// Auto-cleanup on context cancellation
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
			h.Unsubscribe(sub.id)
		case <-sub.done:
		}
	}()

	if fn != nil {
		go func() {
			defer h.wg.Done()
			for event := range sub.queue {
				fn(event)
			}
		}()
	}

	return sub, nil
}

// Unsubscribe removes a subscription and closes its queue. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	sub.end(nil)

	h.logger.Debug("subscriber removed", "sub_id", id)
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastSequence returns the most recently assigned sequence number.
func (h *Hub) LastSequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Close shuts the hub down: every subscription ends with ErrClosed, pending
// event log writes are flushed, and all hub goroutines exit before it returns.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.end(ErrClosed)
	}
	h.mu.Unlock()

	if h.log != nil {
		h.log.stop()
	}
	h.wg.Wait()

	h.logger.Debug("hub closed")
}
