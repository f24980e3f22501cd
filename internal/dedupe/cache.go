// ABOUTME: TTL window for dropping chat events that were already handled
// ABOUTME: Used by the Matrix adapter so replayed sync batches do not re-emit messages

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for a TTL, bounded by a maximum size. The backing
// list is ordered by last-seen time so expiry and eviction both pop from the
// front; no background goroutine is needed.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a window. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int) *Window {
	return &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was seen within the TTL and marks it as seen now.
// The check and the mark happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if el, ok := w.index[key]; ok {
		el.Value.(*entry).seen = now
		w.order.MoveToBack(el)
		return true
	}

	if w.maxSize > 0 && w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Contains reports whether key is inside the window without marking it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[key]
	if !ok {
		return false
	}
	return w.now().Sub(el.Value.(*entry).seen) < w.ttl
}

// Forget drops a key so its next Seen returns false.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of keys currently held, expired ones included
// until the next Seen.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) expireLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).key)
}
