// Package bus is a small in-process publish/subscribe mechanism the
// protocol engine uses to broadcast state transitions and per-pin
// completions for structured logging and for tests to observe engine
// behavior without reaching into its private fields. It is a trimmed
// form of a topic-trie bus: the bridge has a handful of fixed internal
// topics, not an open-ended device tree, so wildcard matching and
// retained-message replay are dropped and the topic space is a flat
// map.
package bus

import (
	"sync"
	"sync/atomic"
)

// Topic is a slash-free internal channel name, e.g. "bridge.state" or
// "bridge.pin.3". Topics are compared by value.
type Topic string

// Message is one event published on the bus.
type Message struct {
	Topic   Topic
	Payload any
	ID      uint32
}

// Bus fans a published Message out to every current subscriber of its
// topic. It never blocks a publisher: a slow subscriber has its oldest
// buffered message dropped to make room rather than stalling the engine.
type Bus struct {
	mu    sync.Mutex
	subs  map[Topic][]*Subscription
	qLen  int
	idCtr atomic.Uint32
}

// New creates a Bus whose per-subscriber channel buffers qLen messages.
func New(qLen int) *Bus {
	if qLen <= 0 {
		qLen = 8
	}
	return &Bus{subs: make(map[Topic][]*Subscription), qLen: qLen}
}

// Subscription is a single subscriber's inbox for one topic.
type Subscription struct {
	topic Topic
	ch    chan *Message
	bus   *Bus
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.bus.unsubscribe(s) }

// Subscribe registers a new subscription for topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, b.qLen), bus: b}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Publish delivers payload to every current subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	id := b.idCtr.Add(1)
	msg := &Message{Topic: topic, Payload: payload, ID: id}

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		trySend(sub.ch, msg)
	}
}

func trySend(ch chan *Message, m *Message) {
	select {
	case ch <- m:
		return
	default:
	}
	// Drop the oldest buffered message to make room for the newest one;
	// diagnostics consumers care about current state, not full history.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- m:
	default:
	}
}
