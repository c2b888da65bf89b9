// ABOUTME: Conversation state owned by the orchestrator and its public snapshot form
// ABOUTME: Tracks asked questions, pending ones, collected answers and the terminal outcome

package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/hub"
)

// Status is where a conversation is in the clarification loop.
type Status string

const (
	StatusCollecting      Status = "collecting"
	StatusAwaitingAnswers Status = "awaiting_answers"
	StatusClarified       Status = "clarified"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClarified || s == StatusFailed
}

// Snapshot is a point-in-time copy of a conversation.
type Snapshot struct {
	ConversationID   string             `json:"conversation_id"`
	Status           Status             `json:"status"`
	Query            string             `json:"query"`
	Questions        []clarify.Question `json:"questions"`
	PendingQuestions []clarify.Question `json:"pending_questions"`
	Answers          map[string]string  `json:"answers"` // question id -> answer
	FailureReason    string             `json:"failure_reason,omitempty"`
	HandoffToken     string             `json:"handoff_token,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// state is the live conversation. All fields are guarded by mu.
type state struct {
	mu sync.Mutex

	id            string
	status        Status
	query         string
	questions     []clarify.Question // full ordered set, as asked
	answers       map[string]string  // question id -> latest answer
	failureReason string
	handoffToken  string
	startedAt     time.Time
	updatedAt     time.Time

	timer *time.Timer
	// generation invalidates timer callbacks armed before the latest answer.
	generation uint64
	done       chan struct{}
}

func newState(id, query string, now time.Time) *state {
	return &state{
		id:        id,
		status:    StatusCollecting,
		query:     query,
		answers:   make(map[string]string),
		startedAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// question finds an asked question by id.
func (s *state) question(id string) (clarify.Question, bool) {
	for _, q := range s.questions {
		if q.ID == id {
			return q, true
		}
	}
	return clarify.Question{}, false
}

// pending returns the unanswered questions in asked order.
func (s *state) pending() []clarify.Question {
	out := make([]clarify.Question, 0, len(s.questions))
	for _, q := range s.questions {
		if _, ok := s.answers[q.ID]; !ok {
			out = append(out, q)
		}
	}
	return out
}

// answered returns every answered question in asked order.
func (s *state) answered() []hub.AnsweredQuestion {
	out := make([]hub.AnsweredQuestion, 0, len(s.answers))
	for _, q := range s.questions {
		if a, ok := s.answers[q.ID]; ok {
			out = append(out, hub.AnsweredQuestion{
				QuestionID: q.ID,
				Question:   q.Text,
				Slot:       q.Slot,
				Answer:     a,
			})
		}
	}
	return out
}

func (s *state) snapshot() *Snapshot {
	questions := make([]clarify.Question, len(s.questions))
	copy(questions, s.questions)
	answers := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	return &Snapshot{
		ConversationID:   s.id,
		Status:           s.status,
		Query:            s.query,
		Questions:        questions,
		PendingQuestions: s.pending(),
		Answers:          answers,
		FailureReason:    s.failureReason,
		HandoffToken:     s.handoffToken,
		StartedAt:        s.startedAt,
		UpdatedAt:        s.updatedAt,
	}
}

// summary renders the finished exchange for long-term memory.
func (s *state) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", s.query)
	for _, q := range s.questions {
		answer, ok := s.answers[q.ID]
		if !ok {
			answer = "(no answer)"
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", q.Text, answer)
	}
	if s.failureReason != "" {
		fmt.Fprintf(&b, "Outcome: %s (%s)", s.status, s.failureReason)
	} else {
		fmt.Fprintf(&b, "Outcome: %s", s.status)
	}
	return b.String()
}

func toHubQuestions(qs []clarify.Question) []hub.Question {
	out := make([]hub.Question, len(qs))
	for i, q := range qs {
		out[i] = hub.Question{
			ID:        q.ID,
			Text:      q.Text,
			Rationale: q.Rationale,
			Priority:  q.Priority,
			Slot:      q.Slot,
		}
	}
	return out
}
