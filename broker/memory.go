package broker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Broker with the same observable semantics as the
// Redis adapter: FIFO lists with blocking pops, lazy TTL reaping, a
// membership set, and fan-out pub/sub with confirmation events. It backs
// the test suite and single-process embedded deployments.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	sets   map[string]map[string]struct{}
	subs   map[*memoryPubSub]struct{}
	closed bool
	done   chan struct{}
}

type memQueue struct {
	items    [][]byte
	expireAt time.Time // zero means no TTL
	waiters  []chan []byte
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[*memoryPubSub]struct{}),
		done:   make(chan struct{}),
	}
}

// queue fetches a list, resetting it first if its TTL has lapsed. Waiters
// survive a reset; they are blocked on future pushes, not on stale items.
func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{}
		m.queues[name] = q
		return q
	}
	if !q.expireAt.IsZero() && time.Now().After(q.expireAt) {
		q.items = nil
		q.expireAt = time.Time{}
	}
	return q
}

func (m *Memory) Push(ctx context.Context, queue string, payload []byte) error {
	return m.push(queue, payload, 0)
}

func (m *Memory) PushEx(ctx context.Context, queue string, payload []byte, ttl time.Duration) error {
	return m.push(queue, payload, ttl)
}

func (m *Memory) push(queue string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(queue)
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- payload
		return nil
	}
	q.items = append(q.items, payload)
	if ttl > 0 {
		q.expireAt = time.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	q := m.queue(queue)
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		m.mu.Unlock()
		return item, nil
	}
	w := make(chan []byte, 1)
	q.waiters = append(q.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-w:
		return item, nil
	case <-timer.C:
		return m.abandon(queue, w, ErrTimeout)
	case <-ctx.Done():
		return m.abandon(queue, w, ctx.Err())
	case <-m.done:
		return m.abandon(queue, w, ErrClosed)
	}
}

// abandon removes a waiter, keeping an item that was handed over in the
// races between delivery, timeout and cancellation.
func (m *Memory) abandon(queue string, w chan []byte, cause error) ([]byte, error) {
	m.mu.Lock()
	if q, ok := m.queues[queue]; ok {
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	select {
	case item := <-w:
		return item, nil
	default:
		return nil, cause
	}
}

func (m *Memory) AddMember(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.sets[set], member)
	return nil
}

func (m *Memory) IsMember(ctx context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.sets[set][member]
	return ok, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// Payloads arrive at subscribers as strings, as they do from Redis.
	ev := Event{Type: "message", Channel: channel, Data: string(payload)}
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; ok {
			sub.deliver(ev)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (PubSub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memoryPubSub{
		m:        m,
		channels: make(map[string]struct{}),
		events:   make(chan Event, eventBuffer),
	}
	m.subs[sub] = struct{}{}
	sub.subscribeLocked(channels)
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for sub := range m.subs {
		sub.closeLocked()
	}
	m.subs = make(map[*memoryPubSub]struct{})
	return nil
}

type memoryPubSub struct {
	m        *Memory
	channels map[string]struct{}
	events   chan Event
	closed   bool
}

// deliver is called with the broker lock held. Slow consumers lose events
// once their buffer fills, as they would against a real broker.
func (s *memoryPubSub) deliver(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *memoryPubSub) subscribeLocked(channels []string) {
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
		s.deliver(Event{Type: "subscribe", Channel: ch, Data: len(s.channels)})
	}
}

func (s *memoryPubSub) Subscribe(ctx context.Context, channels ...string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed || s.m.closed {
		return ErrClosed
	}
	s.subscribeLocked(channels)
	return nil
}

func (s *memoryPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed || s.m.closed {
		return ErrClosed
	}
	// No arguments means all, as with Redis.
	if len(channels) == 0 {
		channels = make([]string, 0, len(s.channels))
		for ch := range s.channels {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
	}
	for _, ch := range channels {
		delete(s.channels, ch)
		s.deliver(Event{Type: "unsubscribe", Channel: ch, Data: len(s.channels)})
	}
	return nil
}

func (s *memoryPubSub) Events() <-chan Event {
	return s.events
}

func (s *memoryPubSub) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if !s.closed {
		delete(s.m.subs, s)
		s.closeLocked()
	}
	return nil
}

func (s *memoryPubSub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
