// ABOUTME: LogSink writes every hub event through slog
// ABOUTME: Useful as an audit trail when no external consumer is configured

package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Gliksbot/Dexter/internal/hub"
)

// LogSink logs each event at Info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Pass nil logger for default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "event-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(ctx context.Context, event *hub.Event) error {
	payload, err := hub.EncodePayload(event.Payload)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "hub event",
		"sequence", event.Sequence,
		"topic", event.Topic,
		"conversation_id", event.ConversationID,
		"payload", json.RawMessage(payload))
	return nil
}

func (s *LogSink) Close() error { return nil }

var _ Sink = (*LogSink)(nil)
