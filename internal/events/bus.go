package events

import (
	"sync"
)

// Handler receives the payload published to a topic.
type Handler func(payload any)

// Bus is a synchronous publish/subscribe registry. Handlers for a topic
// fire in registration order. Every subscription returns a handle whose
// Cancel is safe to call multiple times, so teardown is mechanical.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextId int
}

type Subscription struct {
	bus   *Bus
	topic string
	id    int
	fn    Handler
	once  sync.Once
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextId++
	sub := &Subscription{bus: b, topic: topic, id: b.nextId, fn: fn}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers payload to every handler subscribed to topic, in
// registration order. Delivery is synchronous on the caller's goroutine.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Cancel removes the subscription from its bus. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		subs := s.bus.subs[s.topic]
		for i, sub := range subs {
			if sub.id == s.id {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
}
