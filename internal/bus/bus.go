// Package bus fans join request lifecycle events out to in-process
// subscribers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Join request lifecycle topics. All share the "join." prefix.
const (
	TopicJoinEnqueued = "join.enqueued"
	TopicJoinVerified = "join.verified"
	TopicJoinExpired  = "join.expired"
	TopicJoinDeclined = "join.declined"
)

const defaultBufferSize = 100

// JoinEvent is the payload published for every join lifecycle topic.
type JoinEvent struct {
	UserID     int64
	ChatID     int64
	MessageID  int
	JoinTime   int64 // milliseconds since epoch
	QueueDepth int   // queue length right after the transition
}

// Event is one delivery to a subscriber.
type Event struct {
	Topic string
	Join  JoinEvent
}

type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the delivery channel. It is closed by Unsubscribe or Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus delivers with non-blocking sends: a subscriber whose buffer is full
// misses the event and the drop counter is bumped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer sets the per-subscriber buffer. Sizes below 1 use the default.
func NewWithBuffer(size int) *Bus {
	if size < 1 {
		size = defaultBufferSize
	}
	return &Bus{subs: make(map[*Subscription]struct{}), bufSize: size}
}

// Subscribe matches topics starting with prefix. An empty prefix matches
// everything. Subscribing to a closed bus returns an already closed
// subscription.
func (b *Bus) Subscribe(prefix string) *Subscription {
	sub := &Subscription{prefix: prefix, ch: make(chan Event, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, ev JoinEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- Event{Topic: topic, Join: ev}:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*Subscription]struct{}{}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
