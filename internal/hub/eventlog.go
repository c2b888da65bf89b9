// ABOUTME: Ordered asynchronous writer from the hub into the append-only event log
// ABOUTME: Also implements Replay, which flushes pending writes and re-reads the log

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Gliksbot/Dexter/internal/store"
)

const (
	logBufferSize   = 1024
	logWriteTimeout = 5 * time.Second
	replayPageSize  = 500
)

// logItem is either an event to append or a flush marker.
type logItem struct {
	event *Event
	flush chan struct{}
}

// logWriter appends events in publish order on a single goroutine so that
// slow storage never holds the hub lock. When the buffer is full the event
// is left out of the log and counted; live delivery is unaffected.
type logWriter struct {
	log     store.EventLog
	items   chan logItem
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Uint64
}

func newLogWriter(log store.EventLog, logger *slog.Logger) *logWriter {
	return &logWriter{
		log:    log,
		items:  make(chan logItem, logBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (w *logWriter) start() {
	go w.run()
}

func (w *logWriter) run() {
	defer close(w.done)
	for item := range w.items {
		if item.flush != nil {
			close(item.flush)
			continue
		}
		w.write(item.event)
	}
}

func (w *logWriter) write(event *Event) {
	data, err := EncodePayload(event.Payload)
	if err != nil {
		w.logger.Warn("failed to encode event", "sequence", event.Sequence, "error", err)
		return
	}

	// Use a separate context so shutdown does not lose queued events
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	if err := w.log.AppendEvent(ctx, &store.EventRecord{
		Sequence:       event.Sequence,
		Topic:          string(event.Topic),
		ConversationID: event.ConversationID,
		Payload:        data,
		Timestamp:      event.Timestamp,
	}); err != nil {
		w.logger.Warn("failed to append event", "sequence", event.Sequence, "error", err)
	}
}

// append enqueues an event without blocking and reports whether it was
// queued. Called with the hub lock held, which keeps the log in sequence order.
func (w *logWriter) append(event *Event) bool {
	select {
	case w.items <- logItem{event: event}:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// stop drains pending writes and waits for the writer to exit.
func (w *logWriter) stop() {
	close(w.items)
	<-w.done
}

// LogDropped returns how many events were left out of the event log because
// its write buffer was full.
func (h *Hub) LogDropped() uint64 {
	if h.log == nil {
		return 0
	}
	return h.log.dropped.Load()
}

// Replay returns logged events with a sequence greater than after that
// match the filter, oldest first. Events published before the call are
// flushed to the log first, so the result is complete up to that point.
func (h *Hub) Replay(ctx context.Context, after uint64, filter Filter) ([]*Event, error) {
	if h.log == nil {
		return nil, ErrReplayUnavailable
	}
	if err := filter.validate(); err != nil {
		return nil, fmt.Errorf("%w: topic %q", err, filter.Topic)
	}

	flushed := make(chan struct{})
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	select {
	case h.log.items <- logItem{flush: flushed}:
	case <-ctx.Done():
		h.mu.Unlock()
		return nil, ctx.Err()
	}
	h.mu.Unlock()

	select {
	case <-flushed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	events := []*Event{}
	cursor := after
	for {
		records, err := h.log.log.ListEventsSince(ctx, cursor, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("reading event log: %w", err)
		}
		for _, rec := range records {
			cursor = rec.Sequence
			payload, err := DecodePayload(Topic(rec.Topic), rec.Payload)
			if err != nil {
				h.logger.Warn("skipping undecodable logged event", "sequence", rec.Sequence, "error", err)
				continue
			}
			event := &Event{
				Sequence:       rec.Sequence,
				Topic:          Topic(rec.Topic),
				ConversationID: rec.ConversationID,
				Payload:        payload,
				Timestamp:      rec.Timestamp,
			}
			if filter.Matches(event) {
				events = append(events, event)
			}
		}
		if len(records) < replayPageSize {
			return events, nil
		}
	}
}
