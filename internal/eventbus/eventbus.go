// Package eventbus implements a synchronous, topic-keyed publish/subscribe
// bus shared by every module through its ModuleContext.
package eventbus

import (
	"log/slog"
	"sync"
)

// Handler receives an emitted event payload.
type Handler func(payload any)

// subscription pairs a handler with the token returned to the caller so
// it can be unsubscribed later.
type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a many-to-many topic publish/subscribe bus. Delivery is
// synchronous: Emit snapshots the current handler list for a topic under
// the bus lock, releases the lock, then invokes handlers in subscription
// order. A panicking handler is recovered, logged, and never interrupts
// sibling handlers or the emitter.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers handler for topic and returns a token that
// Unsubscribe accepts to remove it.
func (b *Bus) Subscribe(topic string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the handler registered under id for topic. It is a
// no-op if the token is unknown.
func (b *Bus) Unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler subscribed to topic, in
// subscription order. Handlers observe events for a single topic in
// Emit order; no ordering is promised across topics.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(topic, s.handler, payload)
	}
}

// invoke calls handler, recovering any panic so it never reaches Emit's
// caller and never stops delivery to the remaining subscribers.
func (b *Bus) invoke(topic string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	handler(payload)
}

// TopicCount returns the number of distinct topics with at least one
// subscriber. Intended for tests and SystemHealth-style diagnostics.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.topics {
		if len(subs) > 0 {
			n++
		}
	}
	return n
}
