// ABOUTME: Tests for the log and Kafka event sinks
// ABOUTME: Uses a recording writer in place of a Kafka broker

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gliksbot/Dexter/internal/hub"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error // returned in order before succeeding
	calls  int
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaSink_MirrorsEventsInOrder(t *testing.T) {
	h := hub.New(nil)
	defer h.Close()
	ctx := t.Context()

	w := &recordingWriter{}
	s := NewKafkaSinkWithWriter(w, "dexter.events", nil)
	_, err := Attach(ctx, h, s, nil)
	require.NoError(t, err)

	_, err = h.Publish(ctx, "conv-1", hub.QueryReceived{Text: "book a flight"})
	require.NoError(t, err)
	_, err = h.Publish(ctx, "conv-1", hub.ErrorRaised{Reason: "cancelled"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.messages()) == 2 }, time.Second, 10*time.Millisecond)

	msgs := w.messages()
	assert.Equal(t, []byte("conv-1"), msgs[0].Key)
	assert.Equal(t, []kafka.Header{{Key: "topic", Value: []byte("query_received")}}, msgs[0].Headers)

	var rec Record
	require.NoError(t, json.Unmarshal(msgs[0].Value, &rec))
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, hub.TopicQueryReceived, rec.Topic)
	assert.Equal(t, "conv-1", rec.ConversationID)
	assert.JSONEq(t, `{"text":"book a flight"}`, string(rec.Payload))

	require.NoError(t, json.Unmarshal(msgs[1].Value, &rec))
	assert.Equal(t, uint64(2), rec.Sequence)
	assert.Equal(t, hub.TopicError, rec.Topic)
}

func TestKafkaSink_RetriesLeaderErrors(t *testing.T) {
	w := &recordingWriter{errs: []error{kafka.LeaderNotAvailable}}
	s := NewKafkaSinkWithWriter(w, "t", nil)
	s.backoff = time.Millisecond

	err := s.Handle(t.Context(), &hub.Event{
		Sequence: 1,
		Topic:    hub.TopicQueryReceived,
		Payload:  hub.QueryReceived{Text: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, w.calls)
	require.Len(t, w.messages(), 1)
	assert.Equal(t, []byte("query_received"), w.messages()[0].Key)
}

func TestKafkaSink_OtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("broker down")
	w := &recordingWriter{errs: []error{boom}}
	s := NewKafkaSinkWithWriter(w, "t", nil)

	err := s.Handle(t.Context(), &hub.Event{Sequence: 7, Topic: hub.TopicQueryReceived, Payload: hub.QueryReceived{Text: "hi"}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.calls)
}

func TestKafkaSink_CloseClosesWriter(t *testing.T) {
	w := &recordingWriter{}
	s := NewKafkaSinkWithWriter(w, "t", nil)
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"}, nil)
	assert.Error(t, err)

	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
}

func TestLogSink_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewLogSink(logger)

	err := s.Handle(t.Context(), &hub.Event{
		Sequence:       3,
		Topic:          hub.TopicResponseReady,
		ConversationID: "conv-9",
		Payload:        hub.ResponseReady{HandoffToken: "tok", Content: "4"},
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hub event", line["msg"])
	assert.Equal(t, "event-log", line["component"])
	assert.Equal(t, "response_ready", line["topic"])
	assert.Equal(t, "conv-9", line["conversation_id"])
	assert.EqualValues(t, 3, line["sequence"])
}

func TestAttach_EndsWithHub(t *testing.T) {
	h := hub.New(nil)
	sub, err := Attach(t.Context(), h, NewLogSink(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))), nil)
	require.NoError(t, err)

	h.Close()
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), hub.ErrClosed)

	_, err = Attach(t.Context(), h, NewLogSink(nil), nil)
	assert.ErrorIs(t, err, hub.ErrClosed)
}
