// ABOUTME: Server-sent event stream of hub events with replay from the event log
// ABOUTME: Subscribes before replaying so no event falls between history and live delivery

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Gliksbot/Dexter/internal/hub"
)

// parseEventQuery reads the topic, conversation and replay cursor of an
// event stream request. The cursor comes from ?since= or, on reconnect, the
// Last-Event-ID header.
func parseEventQuery(r *http.Request) (hub.Filter, uint64, bool, error) {
	q := r.URL.Query()

	topic, err := hub.ParseTopic(q.Get("topic"))
	if err != nil {
		return hub.Filter{}, 0, false, err
	}
	filter := hub.Filter{Topic: topic, ConversationID: q.Get("conversation_id")}

	raw := q.Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return filter, 0, false, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return hub.Filter{}, 0, false, fmt.Errorf("since must be a sequence number, got %q", raw)
	}
	return filter, since, true, nil
}

// handleEvents handles GET /api/events?topic=&conversation_id=&since=.
// Each event is sent with its sequence as the SSE id and its topic as the
// SSE event name. A stream whose subscriber is dropped for falling behind
// ends with a stream_error event; clients reconnect with Last-Event-ID.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, since, replay, err := parseEventQuery(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	sub, err := g.hub.Subscribe(ctx, filter)
	if err != nil {
		g.sendError(w, "subscribe", err)
		return
	}
	defer g.hub.Unsubscribe(sub.ID())

	var backlog []*hub.Event
	if replay {
		backlog, err = g.hub.Replay(ctx, since, filter)
		if err != nil {
			g.sendError(w, "replay", err)
			return
		}
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := since
	for _, ev := range backlog {
		g.writeSSEEvent(w, ev.Sequence, string(ev.Topic), ev)
		last = ev.Sequence
	}
	flusher.Flush()

	g.logger.Debug("event stream opened",
		"sub_id", sub.ID(),
		"topic", filter.Topic,
		"conversation_id", filter.ConversationID,
		"replayed", len(backlog))

	keepAlive := time.NewTicker(g.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.closing:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					g.writeSSEEvent(w, 0, "stream_error", map[string]any{
						"error":         err.Error(),
						"last_sequence": last,
					})
					flusher.Flush()
				}
				return
			}
			// Already sent from the replayed backlog
			if ev.Sequence <= last {
				continue
			}
			g.writeSSEEvent(w, ev.Sequence, string(ev.Topic), ev)
			last = ev.Sequence
			flusher.Flush()
		}
	}
}
