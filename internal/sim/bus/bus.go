// Package bus is the in-process publish/subscribe fan-out for domain
// events. Publishing never blocks the tick loop: each subscriber has its own
// bounded buffer and a full buffer drops that subscriber's oldest entry
// only.
package bus

import (
	"sync"

	"econsim.ai/internal/protocol"
)

// TopicAll subscribes to every event regardless of type.
const TopicAll = "*"

// DefaultBuffer is the per-subscriber channel capacity used when the caller
// passes a non-positive buffer size.
const DefaultBuffer = 256

type SubscriptionID uint64

type subscriber struct {
	id      SubscriptionID
	topic   string
	ch      chan protocol.Event
	dropped uint64
}

// deliver enqueues without blocking. On a full buffer it evicts the oldest
// entry and retries once; per-subscriber ordering is preserved either way.
func (s *subscriber) deliver(ev protocol.Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

type ring struct {
	buf  []protocol.Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]protocol.Event, capacity)}
}

func (r *ring) add(ev protocol.Event) {
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// recent returns up to limit entries, oldest first.
func (r *ring) recent(limit int) []protocol.Event {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]protocol.Event, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Bus routes events by topic (topic == event type). Delivery happens from
// the single tick goroutine; the mutex guards the subscription table and
// history rings against concurrent subscribe/unsubscribe/Recent calls from
// API goroutines.
type Bus struct {
	mu         sync.RWMutex
	nextID     SubscriptionID
	subs       map[string]map[SubscriptionID]*subscriber
	history    map[string]*ring
	historyCap int
}

func New(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 1024
	}
	return &Bus{
		subs:       map[string]map[SubscriptionID]*subscriber{},
		history:    map[string]*ring{},
		historyCap: historyCap,
	}
}

// Subscribe registers a sink for topic and returns its id and receive
// channel. buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(topic string, buffer int) (SubscriptionID, <-chan protocol.Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, topic: topic, ch: make(chan protocol.Event, buffer)}
	m := b.subs[topic]
	if m == nil {
		m = map[SubscriptionID]*subscriber{}
		b.subs[topic] = m
	}
	m[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.subs {
		if sub, ok := m[id]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, topic)
			}
			close(sub.ch)
			return
		}
	}
}

// Publish fans ev out to subscribers of its type and of TopicAll, and
// records it in the recent-history ring. It never blocks and never fails: a
// slow or stalled subscriber only loses its own oldest events.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	for _, sub := range b.subs[ev.Type] {
		sub.deliver(ev)
	}
	if ev.Type != TopicAll {
		for _, sub := range b.subs[TopicAll] {
			sub.deliver(ev)
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	r := b.history[ev.Type]
	if r == nil {
		r = newRing(b.historyCap)
		b.history[ev.Type] = r
	}
	r.add(ev)
	all := b.history[TopicAll]
	if all == nil {
		all = newRing(b.historyCap)
		b.history[TopicAll] = all
	}
	all.add(ev)
	b.mu.Unlock()
}

// Recent returns up to limit recent events for topic, oldest first. History
// is a bounded ring; durable history belongs to the event journal.
func (b *Bus) Recent(topic string, limit int) []protocol.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.history[topic]
	if r == nil {
		return nil
	}
	return r.recent(limit)
}

// Dropped reports how many events a subscription has lost to buffer
// overflow. Zero for unknown ids.
func (b *Bus) Dropped(id SubscriptionID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.subs {
		if sub, ok := m[id]; ok {
			return sub.dropped
		}
	}
	return 0
}
