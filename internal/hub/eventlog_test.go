// ABOUTME: Tests for event log persistence and replay
// ABOUTME: Uses the mock store and a real SQLite store to verify ordered append and filtered replay

package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gliksbot/Dexter/internal/store"
)

func TestReplay_UnavailableWithoutLog(t *testing.T) {
	h := New(nil)
	defer h.Close()

	_, err := h.Replay(t.Context(), 0, Filter{})
	assert.ErrorIs(t, err, ErrReplayUnavailable)
}

func TestReplay_ReturnsLoggedEventsAfterSequence(t *testing.T) {
	log := store.NewMockStore()
	h := New(nil, WithEventLog(log))
	defer h.Close()
	ctx := t.Context()

	_, err := h.Publish(ctx, "a", QueryReceived{Text: "book a flight"})
	require.NoError(t, err)
	_, err = h.Publish(ctx, "a", ClarificationRequested{Questions: []Question{
		{ID: "q1", Text: "Where to?", Priority: 10, Slot: "destination"},
	}})
	require.NoError(t, err)
	_, err = h.Publish(ctx, "b", QueryReceived{Text: "what's 2+2"})
	require.NoError(t, err)
	_, err = h.Publish(ctx, "a", ClarificationAnswered{QuestionID: "q1", Answer: "Lisbon"})
	require.NoError(t, err)

	events, err := h.Replay(ctx, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Sequence)
	req, ok := events[0].Payload.(ClarificationRequested)
	require.True(t, ok)
	assert.Equal(t, "destination", req.Questions[0].Slot)

	events, err = h.Replay(ctx, 0, Filter{ConversationID: "a", Topic: TopicClarificationAnswered})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ClarificationAnswered{QuestionID: "q1", Answer: "Lisbon"}, events[0].Payload)
}

func TestReplay_SQLiteSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ctx := t.Context()

	db, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer db.Close()

	h1 := New(nil, WithEventLog(db))
	for i := 0; i < 3; i++ {
		_, err := h1.Publish(ctx, "conv", QueryReceived{Text: "hi"})
		require.NoError(t, err)
	}
	h1.Close()

	last, err := db.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	// A restarted hub continues numbering after the log
	h2 := New(nil, WithEventLog(db), WithStartSequence(last))
	defer h2.Close()

	seq, err := h2.Publish(ctx, "conv", ResponseReady{HandoffToken: "tok", Content: "done"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	events, err := h2.Replay(ctx, 0, Filter{Topic: AllTopics})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, TopicResponseReady, events[3].Topic)
}

func TestReplay_AfterCloseFails(t *testing.T) {
	h := New(nil, WithEventLog(store.NewMockStore()))
	h.Close()

	_, err := h.Replay(t.Context(), 0, Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublish_SurvivesLogOutage(t *testing.T) {
	log := store.NewMockStore()
	log.FailWrites(true)
	h := New(nil, WithEventLog(log))
	defer h.Close()
	ctx := t.Context()

	sub, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	seq, err := h.Publish(ctx, "c", QueryReceived{Text: "still delivered"})
	require.NoError(t, err)
	assert.Equal(t, seq, receive(t, sub).Sequence)

	events, err := h.Replay(ctx, 0, Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

// stalledLog blocks every append until released.
type stalledLog struct {
	*store.MockStore
	release chan struct{}
}

func (l *stalledLog) AppendEvent(ctx context.Context, rec *store.EventRecord) error {
	select {
	case <-l.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.MockStore.AppendEvent(ctx, rec)
}

func TestPublish_DoesNotWaitForStalledLog(t *testing.T) {
	log := &stalledLog{MockStore: store.NewMockStore(), release: make(chan struct{})}
	h := New(nil, WithEventLog(log))
	ctx := t.Context()

	total := logBufferSize + 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range total {
			_, err := h.Publish(ctx, "c", QueryReceived{Text: "busy"})
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked behind the event log")
	}

	dropped := h.LogDropped()
	assert.Positive(t, dropped)
	assert.LessOrEqual(t, dropped, uint64(total))

	close(log.release)
	h.Close()

	logged, err := log.ListEventsSince(context.Background(), 0, total)
	require.NoError(t, err)
	assert.Len(t, logged, total-int(dropped), "queued events are still logged")
}

func TestLogDropped_ZeroWithoutLog(t *testing.T) {
	h := New(nil)
	defer h.Close()
	assert.Zero(t, h.LogDropped())
}
