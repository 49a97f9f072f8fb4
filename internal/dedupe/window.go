// ABOUTME: Bounded recent-ids window for suppressing retransmitted mesh messages.
// ABOUTME: TTL-based with oldest-first eviction at capacity; keys are (id, sender) pairs.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for the retention window. Mesh packet ids recycle per node, so
// the window only needs to outlive the radio's retransmission horizon.
const (
	DefaultCapacity = 1000
	DefaultTTL      = 10 * time.Minute
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Window tracks recently seen message keys. It is safe for concurrent
// use, though it is normally accessed through the single router worker.
// Insertion order is kept in a doubly-linked list for O(1) eviction.
type Window struct {
	mu     sync.Mutex
	seen   map[string]*entry
	order  *list.List // oldest key at the front
	ttl    time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

// NewWindow creates a dedup window with the given retention TTL and
// capacity. Non-positive arguments use the defaults. A background
// goroutine sweeps expired entries until Close is called.
func NewWindow(ttl time.Duration, capacity int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	w := &Window{
		seen:  make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		cap:   capacity,
		done:  make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Observe atomically checks whether key was already seen inside the
// retention window, marking it seen if not. Returns true for a duplicate.
// The atomic form avoids a check/mark race if a second worker is ever
// added in front of the router.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[key]; ok && time.Since(e.seenAt) < w.ttl {
		return true
	}
	w.mark(key)
	return false
}

// contains reports whether key is in the window without marking it.
func (w *Window) contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.seen[key]
	return ok && time.Since(e.seenAt) < w.ttl
}

// size returns the current number of tracked keys.
func (w *Window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// mark records key as seen now. Callers hold mu.
func (w *Window) mark(key string) {
	now := time.Now()

	if e, ok := w.seen[key]; ok {
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return
	}

	if len(w.seen) >= w.cap {
		w.evictOldest()
	}

	w.seen[key] = &entry{seenAt: now, element: w.order.PushBack(key)}
}

// evictOldest drops the oldest entry. Callers hold mu.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

// sweep periodically removes expired entries so idle channels do not pin
// memory for the full capacity.
func (w *Window) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.removeExpired()
		case <-w.done:
			return
		}
	}
}

func (w *Window) removeExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for key, e := range w.seen {
		if now.Sub(e.seenAt) >= w.ttl {
			w.order.Remove(e.element)
			delete(w.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
