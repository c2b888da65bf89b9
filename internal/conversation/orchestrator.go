// ABOUTME: Orchestrator drives each conversation through the clarification state machine
// ABOUTME: Publishes every transition on the hub and persists finished conversations to memory and the archive

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/hub"
	"github.com/Gliksbot/Dexter/internal/memory"
	"github.com/Gliksbot/Dexter/internal/store"
)

const (
	// DefaultAnswerTimeout is how long a conversation waits for the next answer.
	DefaultAnswerTimeout = 5 * time.Minute

	defaultHistoryLimit = 10

	// persistTimeout bounds terminal writes so they finish even when the
	// caller's request context is gone.
	persistTimeout = 5 * time.Second

	roleUser    = "user"
	roleSummary = "system"

	// slotConfidence is the confidence of facts the user stated directly.
	slotConfidence = 1.0
)

// SubmitRequest starts a clarification round. An empty ConversationID
// starts a new conversation; an existing finished one continues with its
// earlier turns as context.
type SubmitRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// SubmitResult is the state right after the engine evaluated the query.
type SubmitResult struct {
	ConversationID string             `json:"conversation_id"`
	Status         Status             `json:"status"`
	Questions      []clarify.Question `json:"questions"`
	HandoffToken   string             `json:"handoff_token,omitempty"`
}

// AnswerRequest answers one pending question.
type AnswerRequest struct {
	ConversationID string `json:"conversation_id"`
	QuestionID     string `json:"question_id"`
	Text           string `json:"answer"`
}

// Orchestrator owns the live conversations. Transitions of one conversation
// are serialized; different conversations proceed in parallel.
type Orchestrator struct {
	pub           Publisher
	engine        clarify.Engine
	memory        *memory.Memory
	archive       store.ConversationArchive
	handoff       Handoff
	ownHandoff    *EventHandoff
	answerTimeout time.Duration
	historyLimit  int
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	mu     sync.Mutex
	live   map[string]*state
	closed bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAnswerTimeout sets the window for the next answer. Zero or less disables it.
func WithAnswerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.answerTimeout = d }
}

// WithHandoff sets the collaborator that receives clarified requests.
func WithHandoff(h Handoff) Option {
	return func(o *Orchestrator) { o.handoff = h }
}

// WithArchive keeps finished conversations so Get and Wait can find them later.
func WithArchive(a store.ConversationArchive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithHistoryLimit caps how many earlier turns are given to the engine.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// New creates an orchestrator. Without WithHandoff, clarified requests go to
// an EventHandoff on pub.
func New(pub Publisher, engine clarify.Engine, mem *memory.Memory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pub:           pub,
		engine:        engine,
		memory:        mem,
		answerTimeout: DefaultAnswerTimeout,
		historyLimit:  defaultHistoryLimit,
		logger:        slog.Default().With("component", "orchestrator"),
		tracer:        otel.Tracer("github.com/Gliksbot/Dexter/internal/conversation"),
		now:           time.Now,
		live:          make(map[string]*state),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.handoff == nil {
		o.ownHandoff = NewEventHandoff(pub, o.logger)
		o.handoff = o.ownHandoff
	}
	return o
}

// Submit records the query and asks the engine whether it needs
// clarification. Without questions the conversation is clarified and handed
// off at once; otherwise it waits for answers.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := o.tracer.Start(ctx, "conversation.Submit")
	defer span.End()

	query := strings.TrimSpace(req.Text)
	if query == "" {
		return nil, fmt.Errorf("%w: query text is required", ErrInvalidRequest)
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	span.SetAttributes(attribute.String("conversation.id", id))

	st := newState(id, query, o.now())
	st.mu.Lock()
	defer st.mu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := o.live[id]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("submitting to %s: %w", id, ErrActive)
	}
	o.live[id] = st
	o.mu.Unlock()

	// Record first, then act
	o.publish(ctx, id, hub.QueryReceived{Text: query})
	clarifyCtx := o.clarifyContext(ctx, id)
	o.remember(ctx, id, query)

	questions, err := o.engine.Evaluate(ctx, query, clarifyCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine failed")
		o.fail(ctx, st, ReasonEngineError, err.Error())
		return nil, fmt.Errorf("evaluating query: %w", err)
	}

	if len(questions) == 0 {
		o.complete(ctx, st)
	} else {
		st.questions = questions
		st.status = StatusAwaitingAnswers
		st.updatedAt = o.now()
		o.publish(ctx, id, hub.ClarificationRequested{Questions: toHubQuestions(questions)})
		o.armTimer(st)
	}

	o.logger.Info("query submitted",
		"conversation_id", id,
		"status", st.status,
		"questions", len(questions))

	return &SubmitResult{
		ConversationID: id,
		Status:         st.status,
		Questions:      st.pending(),
		HandoffToken:   st.handoffToken,
	}, nil
}

// Answer records the answer to one question. Answering an already answered
// question replaces the earlier answer. When nothing is pending the
// conversation is clarified.
func (o *Orchestrator) Answer(ctx context.Context, req AnswerRequest) (*Snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "conversation.Answer", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("question.id", req.QuestionID),
	))
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: answer text is required", ErrInvalidRequest)
	}

	st, err := o.liveState(ctx, req.ConversationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("answering %s: %w", req.ConversationID, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status.Terminal() {
		return nil, fmt.Errorf("answering %s: %w", st.id, ErrTerminal)
	}
	q, ok := st.question(req.QuestionID)
	if !ok || st.status != StatusAwaitingAnswers {
		span.SetStatus(codes.Error, "invalid correlation")
		return nil, fmt.Errorf("answering %s/%s: %w", st.id, req.QuestionID, ErrInvalidCorrelation)
	}

	_, revision := st.answers[q.ID]
	st.answers[q.ID] = text
	st.updatedAt = o.now()

	o.publish(ctx, st.id, hub.ClarificationAnswered{
		QuestionID: q.ID,
		Answer:     text,
		Revision:   revision,
	})
	o.remember(ctx, st.id, text)

	if len(st.pending()) == 0 {
		o.complete(ctx, st)
	} else {
		o.armTimer(st)
	}

	return st.snapshot(), nil
}

// Cancel fails a live conversation with reason cancelled and releases its waiters.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Snapshot, error) {
	st, err := o.liveState(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInvalidCorrelation) {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("cancelling %s: %w", id, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status.Terminal() {
		return nil, fmt.Errorf("cancelling %s: %w", id, ErrTerminal)
	}
	o.fail(ctx, st, ReasonCancelled, "cancelled by request")
	return st.snapshot(), nil
}

// Get returns a snapshot of a live or archived conversation.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Snapshot, error) {
	o.mu.Lock()
	st, ok := o.live[id]
	o.mu.Unlock()

	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.snapshot(), nil
	}
	return o.archived(ctx, id)
}

// Wait blocks until the conversation is clarified or failed.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Snapshot, error) {
	o.mu.Lock()
	st, ok := o.live[id]
	o.mu.Unlock()

	if !ok {
		return o.archived(ctx, id)
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// Close fails every live conversation as cancelled. Later submissions
// return ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	states := make([]*state, 0, len(o.live))
	for _, st := range o.live {
		states = append(states, st)
	}
	o.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if !st.status.Terminal() {
			o.fail(context.Background(), st, ReasonCancelled, "orchestrator shutting down")
		}
		st.mu.Unlock()
	}

	if o.ownHandoff != nil {
		o.ownHandoff.Close()
	}
}

// liveState finds a live conversation. Finished conversations report
// ErrTerminal and unknown ones ErrInvalidCorrelation.
func (o *Orchestrator) liveState(ctx context.Context, id string) (*state, error) {
	o.mu.Lock()
	st, ok := o.live[id]
	o.mu.Unlock()
	if ok {
		return st, nil
	}
	if _, err := o.archived(ctx, id); err == nil {
		return nil, ErrTerminal
	}
	return nil, ErrInvalidCorrelation
}

func (o *Orchestrator) archived(ctx context.Context, id string) (*Snapshot, error) {
	if o.archive == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	rec, err := o.archive.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &snap, nil
}

// clarifyContext gathers earlier turns and already known slots.
func (o *Orchestrator) clarifyContext(ctx context.Context, id string) clarify.Context {
	c := clarify.Context{Answered: make(map[string]string)}

	recent, err := o.memory.RecentContext(ctx, id, o.historyLimit)
	if err != nil {
		o.logger.Warn("loading conversation history failed", "conversation_id", id, "error", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		c.History = append(c.History, recent[i].Content)
	}

	edges, err := o.memory.QueryGraph(ctx, memory.Pattern{Subject: id})
	if err != nil {
		o.logger.Warn("loading known facts failed", "conversation_id", id, "error", err)
	}
	// Edges come newest first; the newest answer for a slot wins
	for _, e := range edges {
		if _, ok := c.Answered[e.Predicate]; !ok {
			c.Answered[e.Predicate] = e.Object
		}
	}
	return c
}

// complete moves st to clarified and hands it off. Caller holds st.mu.
func (o *Orchestrator) complete(ctx context.Context, st *state) {
	st.status = StatusClarified
	st.updatedAt = o.now()

	answers := st.answered()
	o.publish(ctx, st.id, hub.ClarificationComplete{Query: st.query, Answers: answers})

	token, err := o.handoff.Submit(ctx, ClarifiedRequest{
		ConversationID: st.id,
		Query:          st.query,
		Answers:        answers,
	})
	if err != nil {
		o.logger.Warn("handoff failed", "conversation_id", st.id, "error", err)
		o.fail(ctx, st, ReasonHandoffFailed, err.Error())
		return
	}
	st.handoffToken = token
	o.finish(ctx, st)
}

// fail moves st to failed with reason. Caller holds st.mu.
func (o *Orchestrator) fail(ctx context.Context, st *state, reason, detail string) {
	st.status = StatusFailed
	st.failureReason = reason
	st.updatedAt = o.now()

	o.logger.Info("conversation failed", "conversation_id", st.id, "reason", reason)
	o.publish(ctx, st.id, hub.ErrorRaised{Reason: reason, Detail: detail})
	o.finish(ctx, st)
}

// finish persists a terminal conversation and drops it from the live table.
// Caller holds st.mu.
func (o *Orchestrator) finish(ctx context.Context, st *state) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.generation++

	// Separate context so persistence survives a cancelled request
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.memory.Remember(pctx, &memory.Record{
		Kind:           memory.KindLongTerm,
		ConversationID: st.id,
		Role:           roleSummary,
		Content:        st.summary(),
	}); err != nil {
		o.logger.Warn("failed to persist conversation summary", "conversation_id", st.id, "error", err)
	}

	if st.status == StatusClarified {
		for _, a := range st.answered() {
			if a.Slot == "" {
				continue
			}
			o.linkSlot(pctx, st.id, a.Slot, a.Answer)
		}
	}

	o.archiveState(pctx, st)
	o.memory.Forget(st.id)

	o.mu.Lock()
	if o.live[st.id] == st {
		delete(o.live, st.id)
	}
	o.mu.Unlock()

	close(st.done)
}

// linkSlot records slot=answer as a fact about the conversation. An earlier
// round's different answer for the same slot is superseded.
func (o *Orchestrator) linkSlot(ctx context.Context, id, slot, answer string) {
	prior, err := o.memory.QueryGraph(ctx, memory.Pattern{Subject: id, Predicate: slot})
	if err != nil {
		o.logger.Warn("failed to read prior answers", "conversation_id", id, "slot", slot, "error", err)
	}
	for _, e := range prior {
		if e.Object == answer {
			continue
		}
		if err := o.memory.Supersede(ctx, id, slot, e.Object); err != nil {
			o.logger.Warn("failed to supersede answer", "conversation_id", id, "slot", slot, "error", err)
		}
	}

	if err := o.memory.Link(ctx, id, slot, answer, slotConfidence, id); err != nil {
		o.logger.Warn("failed to link answer", "conversation_id", id, "slot", slot, "error", err)
	}
}

func (o *Orchestrator) archiveState(ctx context.Context, st *state) {
	if o.archive == nil {
		return
	}
	data, err := json.Marshal(st.snapshot())
	if err != nil {
		o.logger.Error("failed to encode conversation snapshot", "conversation_id", st.id, "error", err)
		return
	}
	err = o.archive.SaveConversation(ctx, &store.ConversationRecord{
		ID:            st.id,
		Status:        string(st.status),
		Query:         st.query,
		FailureReason: st.failureReason,
		Snapshot:      data,
		StartedAt:     st.startedAt,
		FinishedAt:    st.updatedAt,
	})
	if err != nil {
		o.logger.Warn("failed to archive conversation", "conversation_id", st.id, "error", err)
	}
}

// armTimer restarts the answer window. Caller holds st.mu.
func (o *Orchestrator) armTimer(st *state) {
	st.generation++
	if st.timer != nil {
		st.timer.Stop()
	}
	if o.answerTimeout <= 0 {
		return
	}
	gen := st.generation
	st.timer = time.AfterFunc(o.answerTimeout, func() { o.expire(st, gen) })
}

func (o *Orchestrator) expire(st *state, gen uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.generation != gen || st.status != StatusAwaitingAnswers {
		return
	}
	o.fail(context.Background(), st, ReasonClarificationTimeout, ErrClarificationTimeout.Error())
}

// publish announces a transition that already happened. Publishing is not
// tied to the caller's cancellation.
func (o *Orchestrator) publish(ctx context.Context, id string, p hub.Payload) {
	if _, err := o.pub.Publish(context.WithoutCancel(ctx), id, p); err != nil {
		o.logger.Warn("failed to publish event", "conversation_id", id, "topic", p.Topic(), "error", err)
	}
}

func (o *Orchestrator) remember(ctx context.Context, id, content string) {
	err := o.memory.Remember(ctx, &memory.Record{
		Kind:           memory.KindShortTerm,
		ConversationID: id,
		Role:           roleUser,
		Content:        content,
	})
	if err != nil {
		o.logger.Warn("failed to remember turn", "conversation_id", id, "error", err)
	}
}
