// ABOUTME: Subscription handle owned by the hub
// ABOUTME: Exposes the bounded delivery queue and the reason a subscription ended

package hub

import "sync"

// Subscription is a registered consumer of hub events. The hub owns it:
// the Events channel is closed when the subscription is removed for any reason.
type Subscription struct {
	id     string
	filter Filter
	queue  chan *Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(id string, filter Filter, size int) *Subscription {
	return &Subscription{
		id:     id,
		filter: filter,
		queue:  make(chan *Event, size),
		done:   make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Events returns the delivery queue. Events arrive in sequence order.
func (s *Subscription) Events() <-chan *Event { return s.queue }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: ErrSubscriberOverload when the
// queue overflowed, ErrClosed when the hub shut down, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end closes the queue. Must be called with the hub lock held, once.
func (s *Subscription) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.queue)
	close(s.done)
}
