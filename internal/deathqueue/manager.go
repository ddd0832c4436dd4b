package deathqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/gatekeeper/internal/bus"
)

// Options configures a Manager.
type Options struct {
	Store  Store
	TTL    time.Duration
	Logger *slog.Logger
	Bus    *bus.Bus // optional; lifecycle events are published when set
}

// Manager owns the pending queue. All reads and writes of the index go
// through mu; removal from the index is the point that decides whether an
// entry was verified or expired.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	bus    *bus.Bus

	mu     sync.Mutex
	index  map[Key]*item
	order  itemHeap
	outbox []storeOp
	closed bool
	// swept remembers keys a sweep took, with the sweep time in ms, so a
	// verification that loses the race can tell it lost to expiry.
	swept map[Key]int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

type item struct {
	req JoinRequest
	pos int
}

// storeOp is a pending write to the Store. Ops are applied in the order the
// in-memory mutations happened.
type storeOp struct {
	put *JoinRequest
	del Key
}

// NewManager rebuilds the index from the store and starts the persistence
// writer. Call Close to flush pending writes and stop it.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("deathqueue: store is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("deathqueue: ttl must be positive, got %s", opts.TTL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loaded, err := opts.Store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("deathqueue: load: %w", err)
	}

	m := &Manager{
		store:  opts.Store,
		ttl:    opts.TTL,
		logger: logger,
		bus:    opts.Bus,
		index:  make(map[Key]*item, len(loaded)),
		swept:  make(map[Key]int64),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, req := range loaded {
		if _, dup := m.index[req.Key()]; dup {
			logger.Warn("death queue: duplicate entry in store, keeping first",
				"user_id", req.UserID, "chat_id", req.ChatID)
			continue
		}
		it := &item{req: req}
		m.index[req.Key()] = it
		heap.Push(&m.order, it)
	}
	go m.writer()

	logger.Info("death queue loaded", "entries", len(m.index), "ttl", m.ttl)
	return m, nil
}

// TTL returns the configured time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Enqueue adds a pending request. It returns ErrDuplicate if the same user
// already has a pending request for the chat.
func (m *Manager) Enqueue(req JoinRequest) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("deathqueue: manager closed")
	}
	if _, ok := m.index[req.Key()]; ok {
		m.mu.Unlock()
		return ErrDuplicate
	}
	it := &item{req: req}
	m.index[req.Key()] = it
	heap.Push(&m.order, it)
	delete(m.swept, req.Key())
	stored := req
	m.outbox = append(m.outbox, storeOp{put: &stored})
	depth := len(m.index)
	m.mu.Unlock()

	m.signal()
	m.publish(bus.TopicJoinEnqueued, req, depth)
	return nil
}

// Remove deletes the pending request for (userID, chatID). It reports false
// when there was nothing to remove, which means a concurrent sweep or an
// earlier verification already took the entry.
func (m *Manager) Remove(userID, chatID int64) (JoinRequest, bool) {
	key := Key{UserID: userID, ChatID: chatID}

	m.mu.Lock()
	it, ok := m.index[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Info("death queue: entry not found", "user_id", userID, "chat_id", chatID)
		return JoinRequest{}, false
	}
	heap.Remove(&m.order, it.pos)
	delete(m.index, key)
	m.outbox = append(m.outbox, storeOp{del: key})
	depth := len(m.index)
	m.mu.Unlock()

	m.signal()
	m.publish(bus.TopicJoinVerified, it.req, depth)
	return it.req, true
}

// Sweep removes and returns every entry older than the TTL at now, oldest
// first. The caller is responsible for the rejection side effects.
func (m *Manager) Sweep(now time.Time) []JoinRequest {
	var expired []JoinRequest

	m.mu.Lock()
	nowMs := now.UnixMilli()
	for k, at := range m.swept {
		if nowMs-at > m.ttl.Milliseconds() {
			delete(m.swept, k)
		}
	}
	for m.order.Len() > 0 && Expired(m.order[0].req.JoinTime, now, m.ttl) {
		it := heap.Pop(&m.order).(*item)
		delete(m.index, it.req.Key())
		m.swept[it.req.Key()] = nowMs
		m.outbox = append(m.outbox, storeOp{del: it.req.Key()})
		expired = append(expired, it.req)
	}
	depth := len(m.index)
	m.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	m.signal()
	for _, req := range expired {
		m.publish(bus.TopicJoinExpired, req, depth)
	}
	return expired
}

// Swept reports whether a recent sweep expired the entry for (userID,
// chatID). Marks are kept for one TTL after the sweep and cleared when the
// user enqueues again.
func (m *Manager) Swept(userID, chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.swept[Key{UserID: userID, ChatID: chatID}]
	return ok
}

// Get returns the pending request for (userID, chatID), if any.
func (m *Manager) Get(userID, chatID int64) (JoinRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.index[Key{UserID: userID, ChatID: chatID}]
	if !ok {
		return JoinRequest{}, false
	}
	return it.req, true
}

// Len returns the number of pending requests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Snapshot returns a copy of the pending requests ordered oldest first.
func (m *Manager) Snapshot() []JoinRequest {
	m.mu.Lock()
	out := make([]JoinRequest, 0, len(m.index))
	for _, it := range m.index {
		out = append(out, it.req)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime < out[j].JoinTime })
	return out
}

// Close stops accepting new entries, flushes pending writes and stops the
// writer. It returns ctx.Err() if the flush does not finish in time.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) publish(topic string, req JoinRequest, depth int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.JoinEvent{
		UserID:     req.UserID,
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		JoinTime:   req.JoinTime,
		QueueDepth: depth,
	})
}

// writer applies queued store ops in order, outside the index lock.
func (m *Manager) writer() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	for {
		m.mu.Lock()
		ops := m.outbox
		m.outbox = nil
		m.mu.Unlock()
		if len(ops) == 0 {
			return
		}

		ctx := context.Background()
		for _, op := range ops {
			if op.put != nil {
				if err := m.store.Put(ctx, *op.put); err != nil {
					m.logger.Error("death queue: persist put failed",
						"user_id", op.put.UserID, "chat_id", op.put.ChatID, "error", err)
				}
				continue
			}
			if err := m.store.Delete(ctx, op.del); err != nil {
				m.logger.Error("death queue: persist delete failed",
					"user_id", op.del.UserID, "chat_id", op.del.ChatID, "error", err)
			}
		}
	}
}

// itemHeap orders items by JoinTime, oldest first.
type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].req.JoinTime < h[j].req.JoinTime }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}
