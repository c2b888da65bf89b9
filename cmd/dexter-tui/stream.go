// ABOUTME: Server-Sent Events parsing and rendering for the TUI
// ABOUTME: Turns hub events from GET /api/events into terminal lines

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/Gliksbot/Dexter/internal/hub"
)

// sseEvent is a parsed Server-Sent Event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// wireEvent is a hub event as sent on the stream. The payload shape depends on the topic.
type wireEvent struct {
	Sequence       uint64          `json:"sequence"`
	Topic          hub.Topic       `json:"topic"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// streamSSE reads events from body until it ends or ctx is cancelled.
// Comment lines such as keepalives are skipped.
func streamSSE(ctx context.Context, body io.Reader, handle func(sseEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var ev sseEvent
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if ev.Event != "" && len(dataLines) > 0 {
				ev.Data = strings.Join(dataLines, "\n")
				if err := handle(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	return scanner.Err()
}

var (
	dim    = color.New(color.FgHiBlack)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

// renderEvent writes one stream event to out.
func renderEvent(out io.Writer, ev sseEvent) error {
	if ev.Event == "stream_error" {
		var body struct {
			Error        string `json:"error"`
			LastSequence uint64 `json:"last_sequence"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &body); err != nil {
			return fmt.Errorf("parsing event data: %w", err)
		}
		yellow.Fprintf(out, "[stream closed] %s (last event %d)\n", body.Error, body.LastSequence)
		return nil
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(ev.Data), &we); err != nil {
		return fmt.Errorf("parsing event data: %w", err)
	}

	switch we.Topic {
	case hub.TopicQueryReceived:
		var p hub.QueryReceived
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		dim.Fprintf(out, "[query] %s\n", truncate(p.Text, 80))

	case hub.TopicClarificationRequested:
		var p hub.ClarificationRequested
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		dim.Fprintf(out, "[clarify] %d question(s)\n", len(p.Questions))

	case hub.TopicClarificationAnswered:
		var p hub.ClarificationAnswered
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		suffix := ""
		if p.Revision {
			suffix = " (revised)"
		}
		dim.Fprintf(out, "[answered] %s: %s%s\n", p.QuestionID, truncate(p.Answer, 60), suffix)

	case hub.TopicClarificationComplete:
		var p hub.ClarificationComplete
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		green.Fprintf(out, "[clarified] %s\n", truncate(p.Query, 80))
		for _, a := range p.Answers {
			dim.Fprintf(out, "  %s -> %s\n", a.Question, a.Answer)
		}

	case hub.TopicResponseReady:
		var p hub.ResponseReady
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		bold.Fprint(out, "[response] ")
		fmt.Fprintln(out, p.Content)

	case hub.TopicError:
		var p hub.ErrorRaised
		if err := json.Unmarshal(we.Payload, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", we.Topic, err)
		}
		if p.Detail != "" {
			red.Fprintf(out, "[error] %s: %s\n", p.Reason, p.Detail)
		} else {
			red.Fprintf(out, "[error] %s\n", p.Reason)
		}

	default:
		// Ignore unknown events silently
	}
	return nil
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
