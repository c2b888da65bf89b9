// ABOUTME: Tests for the conversation orchestrator state machine
// ABOUTME: Covers clarification rounds, re-answers, timeouts, cancellation, failures and persistence

package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/hub"
	"github.com/Gliksbot/Dexter/internal/memory"
	"github.com/Gliksbot/Dexter/internal/store"
)

type fixture struct {
	hub    *hub.Hub
	store  *store.MockStore
	memory *memory.Memory
	orch   *Orchestrator
	events *hub.Subscription
}

func newFixture(t *testing.T, engine clarify.Engine, opts ...Option) *fixture {
	t.Helper()
	if engine == nil {
		engine = clarify.NewHeuristic()
	}

	h := hub.New(nil, hub.WithQueueSize(512))
	s := store.NewMockStore()
	m := memory.New(s)

	sub, err := h.Subscribe(t.Context(), hub.Filter{Topic: hub.AllTopics})
	require.NoError(t, err)

	opts = append([]Option{WithArchive(s)}, opts...)
	o := New(h, engine, m, opts...)
	t.Cleanup(func() {
		o.Close()
		h.Close()
	})

	return &fixture{hub: h, store: s, memory: m, orch: o, events: sub}
}

// drain returns the events of one conversation published so far.
func (f *fixture) drain(conversationID string) []*hub.Event {
	var out []*hub.Event
	for {
		select {
		case ev, ok := <-f.events.Events():
			if !ok {
				return out
			}
			if ev.ConversationID == conversationID {
				out = append(out, ev)
			}
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func topics(events []*hub.Event) []hub.Topic {
	out := make([]hub.Topic, len(events))
	for i, ev := range events {
		out[i] = ev.Topic
	}
	return out
}

func countTopic(events []*hub.Event, topic hub.Topic) int {
	n := 0
	for _, ev := range events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

type failingEngine struct{}

func (failingEngine) Evaluate(ctx context.Context, query string, c clarify.Context) ([]clarify.Question, error) {
	return nil, fmt.Errorf("ollama: %w", clarify.ErrEngineUnavailable)
}

// destinationEngine always asks for the destination, whatever is known.
type destinationEngine struct{}

func (destinationEngine) Evaluate(ctx context.Context, query string, c clarify.Context) ([]clarify.Question, error) {
	return []clarify.Question{{ID: "q1", Text: "Where to?", Slot: "destination", Priority: 1}}, nil
}

type failingHandoff struct{}

func (failingHandoff) Submit(ctx context.Context, req ClarifiedRequest) (string, error) {
	return "", errors.New("sandbox unreachable")
}

func TestOrchestrator_BookAFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConversationID)
	assert.Equal(t, StatusAwaitingAnswers, res.Status)
	require.Len(t, res.Questions, 2)
	assert.Equal(t, "destination", res.Questions[0].Slot)
	assert.Equal(t, "date", res.Questions[1].Slot)
	assert.Empty(t, res.HandoffToken)

	id := res.ConversationID
	snap, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "Lisbon"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingAnswers, snap.Status)
	require.Len(t, snap.PendingQuestions, 1)
	assert.Equal(t, "q2", snap.PendingQuestions[0].ID)

	snap, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q2", Text: "next Friday"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, snap.Status)
	assert.Empty(t, snap.PendingQuestions)
	assert.Equal(t, map[string]string{"q1": "Lisbon", "q2": "next Friday"}, snap.Answers)
	assert.NotEmpty(t, snap.HandoffToken)

	events := f.drain(id)
	assert.Equal(t, []hub.Topic{
		hub.TopicQueryReceived,
		hub.TopicClarificationRequested,
		hub.TopicClarificationAnswered,
		hub.TopicClarificationAnswered,
		hub.TopicClarificationComplete,
	}, topics(events))
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	complete := events[4].Payload.(hub.ClarificationComplete)
	assert.Equal(t, "book a flight", complete.Query)
	require.Len(t, complete.Answers, 2)
	assert.Equal(t, hub.AnsweredQuestion{
		QuestionID: "q1",
		Question:   res.Questions[0].Text,
		Slot:       "destination",
		Answer:     "Lisbon",
	}, complete.Answers[0])

	// Finished conversations leave the live table but stay readable
	got, err := f.orch.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, got.Status)
	assert.Equal(t, snap.Answers, got.Answers)

	archived, err := f.store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "clarified", archived.Status)
	assert.Equal(t, "book a flight", archived.Query)

	edges, err := f.memory.QueryGraph(ctx, memory.Pattern{Subject: id})
	require.NoError(t, err)
	facts := map[string]string{}
	for _, e := range edges {
		facts[e.Predicate] = e.Object
		assert.Equal(t, 1.0, e.Confidence)
		assert.Equal(t, id, e.SourceConversationID)
	}
	assert.Equal(t, map[string]string{"destination": "Lisbon", "date": "next Friday"}, facts)

	assert.Zero(t, f.memory.ShortTerm().Len(id))
	recs, err := f.store.ListMemories(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Content, "Lisbon")
	assert.Contains(t, recs[0].Content, "Outcome: clarified")
}

func TestOrchestrator_ArithmeticClarifiesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "math", Text: "what's 2+2"})
	require.NoError(t, err)
	assert.Equal(t, "math", res.ConversationID)
	assert.Equal(t, StatusClarified, res.Status)
	assert.Empty(t, res.Questions)
	assert.NotEmpty(t, res.HandoffToken)

	events := f.drain("math")
	assert.Equal(t, []hub.Topic{hub.TopicQueryReceived, hub.TopicClarificationComplete}, topics(events))
	complete := events[1].Payload.(hub.ClarificationComplete)
	assert.Empty(t, complete.Answers)

	snap, err := f.orch.Wait(ctx, "math")
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, snap.Status)
}

func TestOrchestrator_ClarifiedOnlyWhenNothingPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := 0; trial < 20; trial++ {
		res, err := f.orch.Submit(ctx, SubmitRequest{Text: "build a web app"})
		require.NoError(t, err)
		require.Len(t, res.Questions, 3)

		order := rng.Perm(len(res.Questions))
		for i, idx := range order {
			q := res.Questions[idx]
			snap, err := f.orch.Answer(ctx, AnswerRequest{
				ConversationID: res.ConversationID,
				QuestionID:     q.ID,
				Text:           fmt.Sprintf("answer %d", idx),
			})
			require.NoError(t, err)

			if snap.Status == StatusClarified {
				assert.Empty(t, snap.PendingQuestions)
			}
			if i < len(order)-1 {
				assert.Equal(t, StatusAwaitingAnswers, snap.Status)
				assert.Len(t, snap.PendingQuestions, len(order)-1-i)
			} else {
				assert.Equal(t, StatusClarified, snap.Status)
			}
		}

		events := f.drain(res.ConversationID)
		assert.Equal(t, 1, countTopic(events, hub.TopicClarificationComplete))
	}
}

func TestOrchestrator_ReAnswerReplacesWithoutReasking(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	id := res.ConversationID

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "Paris"})
	require.NoError(t, err)
	snap, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "Lisbon"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingAnswers, snap.Status)
	assert.Equal(t, "Lisbon", snap.Answers["q1"])
	assert.Len(t, snap.PendingQuestions, 1)

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q2", Text: "May 3"})
	require.NoError(t, err)

	events := f.drain(id)
	assert.Equal(t, 1, countTopic(events, hub.TopicClarificationRequested))
	assert.Equal(t, 3, countTopic(events, hub.TopicClarificationAnswered))

	var revisions []bool
	for _, ev := range events {
		if p, ok := ev.Payload.(hub.ClarificationAnswered); ok {
			revisions = append(revisions, p.Revision)
		}
	}
	assert.Equal(t, []bool{false, true, false}, revisions)

	complete := events[len(events)-1].Payload.(hub.ClarificationComplete)
	assert.Equal(t, "Lisbon", complete.Answers[0].Answer)
}

func TestOrchestrator_InvalidCorrelationLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: "nope", QuestionID: "q1", Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidCorrelation)

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	before, err := f.orch.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	f.drain(res.ConversationID)

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: res.ConversationID, QuestionID: "q9", Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidCorrelation)

	after, err := f.orch.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.drain(res.ConversationID))

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: res.ConversationID, QuestionID: "q1", Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrchestrator_AnswerAfterFinishIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "what's 2+2"})
	require.NoError(t, err)

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: res.ConversationID, QuestionID: "q1", Text: "x"})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestOrchestrator_TimeoutPersistsPartialAnswers(t *testing.T) {
	f := newFixture(t, nil, WithAnswerTimeout(100*time.Millisecond))
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	id := res.ConversationID

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "Lisbon"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := f.orch.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ReasonClarificationTimeout, snap.FailureReason)
	assert.Equal(t, "Lisbon", snap.Answers["q1"])
	require.Len(t, snap.PendingQuestions, 1)
	assert.Equal(t, "q2", snap.PendingQuestions[0].ID)

	recs, err := f.store.ListMemories(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.MemoryKindLongTerm, recs[0].Kind)
	assert.Contains(t, recs[0].Content, "Lisbon")
	assert.Contains(t, recs[0].Content, ReasonClarificationTimeout)

	archived, err := f.store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", archived.Status)
	assert.Equal(t, ReasonClarificationTimeout, archived.FailureReason)

	events := f.drain(id)
	last := events[len(events)-1]
	assert.Equal(t, hub.TopicError, last.Topic)
	assert.Equal(t, ReasonClarificationTimeout, last.Payload.(hub.ErrorRaised).Reason)
	assert.Zero(t, countTopic(events, hub.TopicClarificationComplete))
}

func TestOrchestrator_AnswersRestartTheTimeout(t *testing.T) {
	f := newFixture(t, nil, WithAnswerTimeout(500*time.Millisecond))
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "build a web app"})
	require.NoError(t, err)
	id := res.ConversationID

	time.Sleep(250 * time.Millisecond)
	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "a"})
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)
	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q2", Text: "b"})
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)
	snap, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q3", Text: "c"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, snap.Status)
}

func TestOrchestrator_CancelReleasesWaiters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	id := res.ConversationID

	waited := make(chan *Snapshot, 1)
	go func() {
		snap, err := f.orch.Wait(ctx, id)
		if err == nil {
			waited <- snap
		}
		close(waited)
	}()

	snap, err := f.orch.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ReasonCancelled, snap.FailureReason)

	select {
	case got, ok := <-waited:
		require.True(t, ok)
		assert.Equal(t, ReasonCancelled, got.FailureReason)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	_, err = f.orch.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.orch.Cancel(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.orch.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestrator_WaitHonoursContext(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.Submit(t.Context(), SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err = f.orch.Wait(ctx, res.ConversationID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrchestrator_EngineFailure(t *testing.T) {
	f := newFixture(t, failingEngine{})
	ctx := t.Context()

	_, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "broken", Text: "book a flight"})
	require.ErrorIs(t, err, clarify.ErrEngineUnavailable)

	snap, err := f.orch.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ReasonEngineError, snap.FailureReason)

	events := f.drain("broken")
	assert.Equal(t, []hub.Topic{hub.TopicQueryReceived, hub.TopicError}, topics(events))
}

func TestOrchestrator_HandoffFailure(t *testing.T) {
	f := newFixture(t, nil, WithHandoff(failingHandoff{}))
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "what's 2+2"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	events := f.drain(res.ConversationID)
	assert.Equal(t, []hub.Topic{
		hub.TopicQueryReceived,
		hub.TopicClarificationComplete,
		hub.TopicError,
	}, topics(events))
	assert.Equal(t, ReasonHandoffFailed, events[2].Payload.(hub.ErrorRaised).Reason)
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.orch.Submit(ctx, SubmitRequest{Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "busy", Text: "book a flight"})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, SubmitRequest{ConversationID: res.ConversationID, Text: "book a hotel"})
	assert.ErrorIs(t, err, ErrActive)
}

func TestOrchestrator_FollowUpUsesKnownSlots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "trip", Text: "book a flight"})
	require.NoError(t, err)
	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: "trip", QuestionID: "q1", Text: "Lisbon"})
	require.NoError(t, err)
	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: "trip", QuestionID: "q2", Text: "May 3"})
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingAnswers, res.Status)

	again, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "trip", Text: "book a flight"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, again.Status)
	assert.Empty(t, again.Questions)
}

func TestOrchestrator_StorageOutageDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.store.FailWrites(true)

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)
	id := res.ConversationID

	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q1", Text: "Lisbon"})
	require.NoError(t, err)
	snap, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: id, QuestionID: "q2", Text: "May 3"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarified, snap.Status)
	assert.NotEmpty(t, snap.HandoffToken)
	assert.Equal(t, 1, countTopic(f.drain(id), hub.TopicClarificationComplete))

	// Nothing reached the store
	f.store.FailWrites(false)
	recs, err := f.store.ListMemories(ctx, id, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, err = f.orch.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestrator_CloseFailsLiveConversations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	res, err := f.orch.Submit(ctx, SubmitRequest{Text: "book a flight"})
	require.NoError(t, err)

	f.orch.Close()
	f.orch.Close()

	snap, err := f.orch.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, ReasonCancelled, snap.FailureReason)

	_, err = f.orch.Submit(ctx, SubmitRequest{Text: "what's 2+2"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOrchestrator_LaterRoundSupersedesSlotFact(t *testing.T) {
	f := newFixture(t, destinationEngine{})
	ctx := t.Context()

	for _, answer := range []string{"Lisbon", "Porto"} {
		_, err := f.orch.Submit(ctx, SubmitRequest{ConversationID: "trip", Text: "book a flight"})
		require.NoError(t, err)
		snap, err := f.orch.Answer(ctx, AnswerRequest{ConversationID: "trip", QuestionID: "q1", Text: answer})
		require.NoError(t, err)
		require.Equal(t, StatusClarified, snap.Status)
	}

	current, err := f.memory.QueryGraph(ctx, memory.Pattern{Subject: "trip", Predicate: "destination"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Porto", current[0].Object)

	all, err := f.memory.QueryGraph(ctx, memory.Pattern{Subject: "trip", Predicate: "destination", IncludeSuperseded: true})
	require.NoError(t, err)
	superseded := map[string]bool{}
	for _, e := range all {
		superseded[e.Object] = e.Superseded
	}
	assert.Equal(t, map[string]bool{"Lisbon": true, "Porto": false}, superseded)

	// Repeating the same answer keeps the fact current
	_, err = f.orch.Submit(ctx, SubmitRequest{ConversationID: "trip", Text: "book a flight"})
	require.NoError(t, err)
	_, err = f.orch.Answer(ctx, AnswerRequest{ConversationID: "trip", QuestionID: "q1", Text: "Porto"})
	require.NoError(t, err)

	current, err = f.memory.QueryGraph(ctx, memory.Pattern{Subject: "trip", Predicate: "destination"})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Porto", current[0].Object)
}
