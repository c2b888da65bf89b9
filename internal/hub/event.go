// ABOUTME: Event envelope and subscription filters for the collaboration hub
// ABOUTME: Events carry a bus-assigned sequence number and the conversation they belong to

package hub

import "time"

// Event is one published payload with its bus metadata.
type Event struct {
	Sequence       uint64    `json:"sequence"`
	Topic          Topic     `json:"topic"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        Payload   `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

// Filter selects events for a subscription. A zero Filter matches everything.
type Filter struct {
	Topic          Topic  // a concrete topic, AllTopics, or empty for all
	ConversationID string // empty matches every conversation
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *Event) bool {
	if f.Topic != "" && f.Topic != AllTopics && f.Topic != e.Topic {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != e.ConversationID {
		return false
	}
	return true
}

func (f Filter) validate() error {
	if f.Topic == "" || f.Topic == AllTopics || f.Topic.Valid() {
		return nil
	}
	return ErrInvalidFilter
}
