package pubsub

import (
	"context"
	"log"
	"sync"
)

// subscriberQueueSize bounds each subscriber's delivery channel. A subscriber
// that falls behind this far has the new message dropped rather than
// stalling the publisher.
const subscriberQueueSize = 100

// Memory is an in-process PubSub. Subscriber lists are copy-on-write so that
// Publish never holds a lock while sending to a slow channel.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

// NewMemory returns an empty in-process PubSub.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	channel string
	ch      chan Message
	closed  chan struct{}
	once    sync.Once
	parent  *Memory
}

func (s *memorySub) Channel() string         { return s.channel }
func (s *memorySub) C() <-chan Message       { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.parent.remove(s)
		close(s.ch)
	})
	return nil
}

// Subscribe registers a new subscriber for channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySub{
		channel: channel,
		ch:      make(chan Message, subscriberQueueSize),
		closed:  make(chan struct{}),
		parent:  m,
	}

	m.mu.Lock()
	existing := m.subs[channel]
	next := make([]*memorySub, len(existing), len(existing)+1)
	copy(next, existing)
	m.subs[channel] = append(next, sub)
	m.mu.Unlock()

	return sub, nil
}

func (m *Memory) remove(target *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.subs[target.channel]
	next := make([]*memorySub, 0, len(existing))
	for _, s := range existing {
		if s != target {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(m.subs, target.channel)
	} else {
		m.subs[target.channel] = next
	}
}

// Publish delivers op to every current subscriber of channel. A subscriber
// whose queue is full has the message dropped and logged; publish never
// blocks.
func (m *Memory) Publish(ctx context.Context, channel string, op []byte) error {
	m.mu.RLock()
	subs := m.subs[channel]
	m.mu.RUnlock()

	msg := Message{Channel: channel, Op: op}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			log.Printf("pubsub: dropping message for channel %s, subscriber queue full", channel)
		}
	}
	return nil
}

// Close closes every live subscription's delivery channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	all := m.subs
	m.subs = make(map[string][]*memorySub)
	m.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.once.Do(func() {
				close(s.closed)
				close(s.ch)
			})
		}
	}
	return nil
}
