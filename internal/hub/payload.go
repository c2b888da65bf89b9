// ABOUTME: Closed set of typed event payloads, one variant per hub topic
// ABOUTME: Payloads validate themselves at publish time and round-trip through JSON for the event log

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Topic names a category of collaboration event.
type Topic string

const (
	TopicQueryReceived          Topic = "query_received"
	TopicClarificationRequested Topic = "clarification_requested"
	TopicClarificationAnswered  Topic = "clarification_answered"
	TopicClarificationComplete  Topic = "clarification_complete"
	TopicResponseReady          Topic = "response_ready"
	TopicError                  Topic = "error"

	// AllTopics is the wildcard filter matching every topic.
	AllTopics Topic = "*"
)

// Topics lists every concrete topic in publish-flow order.
var Topics = []Topic{
	TopicQueryReceived,
	TopicClarificationRequested,
	TopicClarificationAnswered,
	TopicClarificationComplete,
	TopicResponseReady,
	TopicError,
}

// Valid reports whether t is a concrete topic.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTopic accepts a concrete topic name or the wildcard.
// An empty string is treated as the wildcard.
func ParseTopic(s string) (Topic, error) {
	t := Topic(strings.TrimSpace(s))
	if t == "" || t == AllTopics {
		return AllTopics, nil
	}
	if !t.Valid() {
		return "", fmt.Errorf("unknown topic %q", s)
	}
	return t, nil
}

// Payload is implemented by every event body. The topic of an event is
// derived from its payload type.
type Payload interface {
	Topic() Topic
	Validate() error
}

// Question is a clarifying question as carried on the bus.
type Question struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Rationale string `json:"rationale,omitempty"`
	Priority  int    `json:"priority"`
	Slot      string `json:"slot,omitempty"`
}

// AnsweredQuestion pairs a question with the answer the user gave.
type AnsweredQuestion struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Slot       string `json:"slot,omitempty"`
	Answer     string `json:"answer"`
}

// QueryReceived announces a new user query.
type QueryReceived struct {
	Text string `json:"text"`
}

func (QueryReceived) Topic() Topic { return TopicQueryReceived }

func (p QueryReceived) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("query text is required")
	}
	return nil
}

// ClarificationRequested carries the full ordered set of pending questions.
type ClarificationRequested struct {
	Questions []Question `json:"questions"`
}

func (ClarificationRequested) Topic() Topic { return TopicClarificationRequested }

func (p ClarificationRequested) Validate() error {
	if len(p.Questions) == 0 {
		return errors.New("at least one question is required")
	}
	seen := make(map[string]bool, len(p.Questions))
	for _, q := range p.Questions {
		if q.ID == "" || strings.TrimSpace(q.Text) == "" {
			return errors.New("question id and text are required")
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}

// ClarificationAnswered records one answer to a pending question.
type ClarificationAnswered struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	Revision   bool   `json:"revision,omitempty"` // true when replacing an earlier answer
}

func (ClarificationAnswered) Topic() Topic { return TopicClarificationAnswered }

func (p ClarificationAnswered) Validate() error {
	if p.QuestionID == "" {
		return errors.New("question id is required")
	}
	return nil
}

// ClarificationComplete carries the clarified request for solution collaborators.
type ClarificationComplete struct {
	Query   string             `json:"query"`
	Answers []AnsweredQuestion `json:"answers"`
}

func (ClarificationComplete) Topic() Topic { return TopicClarificationComplete }

func (p ClarificationComplete) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

// ResponseReady announces that a collaborator produced a result for a handoff.
type ResponseReady struct {
	HandoffToken string `json:"handoff_token"`
	Content      string `json:"content"`
}

func (ResponseReady) Topic() Topic { return TopicResponseReady }

func (p ResponseReady) Validate() error {
	if p.HandoffToken == "" {
		return errors.New("handoff token is required")
	}
	return nil
}

// ErrorRaised reports a failure. Reason is a stable machine-readable code.
type ErrorRaised struct {
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

func (ErrorRaised) Topic() Topic { return TopicError }

func (p ErrorRaised) Validate() error {
	if p.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

// EncodePayload serializes a payload for the event log.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Topic(), err)
	}
	return data, nil
}

// DecodePayload rebuilds the payload variant for a topic.
func DecodePayload(topic Topic, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch topic {
	case TopicQueryReceived:
		var v QueryReceived
		err = json.Unmarshal(data, &v)
		p = v
	case TopicClarificationRequested:
		var v ClarificationRequested
		err = json.Unmarshal(data, &v)
		p = v
	case TopicClarificationAnswered:
		var v ClarificationAnswered
		err = json.Unmarshal(data, &v)
		p = v
	case TopicClarificationComplete:
		var v ClarificationComplete
		err = json.Unmarshal(data, &v)
		p = v
	case TopicResponseReady:
		var v ResponseReady
		err = json.Unmarshal(data, &v)
		p = v
	case TopicError:
		var v ErrorRaised
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", topic, err)
	}
	return p, nil
}
