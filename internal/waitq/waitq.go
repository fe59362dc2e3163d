// Package waitq implements the kernel's universal suspension
// primitive: an unbounded list of waiters woken by key events. Every
// suspension point in the kernel (a full channel send, an empty
// channel receive, a blocked accept, thread.Wait) ultimately parks on
// one of these.
package waitq

import (
	"container/list"
	"sync"
)

// Waiter is a single parked party. WakeMany invokes Callback after
// releasing the queue's lock, so the callback may re-arm the waiter on
// the same queue or a different one.
type Waiter struct {
	Callback func(ctx any)
	Context  any

	elem *list.Element
}

// Queue is a generic wait queue. The zero value is ready to use.
type Queue struct {
	mu    sync.Mutex
	ready list.List
}

// Lock acquires the queue's spinlock-equivalent. Callers needing to add or
// remove a waiter atomically with some other check (e.g. "is the channel
// still empty?") hold this across both.
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the lock acquired by Lock.
func (q *Queue) Unlock() { q.mu.Unlock() }

// AddLocked enqueues w. Caller must hold the lock. Adding the same
// waiter twice without an intervening remove is undefined.
func (q *Queue) AddLocked(w *Waiter) {
	w.elem = q.ready.PushBack(w)
}

// RemoveLocked removes w if still queued, reporting whether it was found.
// Caller must hold the lock.
func (q *Queue) RemoveLocked(w *Waiter) bool {
	if w.elem == nil {
		return false
	}
	q.ready.Remove(w.elem)
	w.elem = nil
	return true
}

// WakeMany wakes up to n waiters (n<0 means all) in enqueue order,
// invoking each callback exactly once after releasing the lock, so a
// callback that re-arms on this same queue doesn't deadlock against
// WakeMany's own lock. Returns the number woken.
func (q *Queue) WakeMany(n int) int {
	q.mu.Lock()
	var woken []*Waiter
	e := q.ready.Front()
	for e != nil && (n < 0 || len(woken) < n) {
		next := e.Next()
		w := e.Value.(*Waiter)
		q.ready.Remove(e)
		w.elem = nil
		woken = append(woken, w)
		e = next
	}
	q.mu.Unlock()

	for _, w := range woken {
		w.Callback(w.Context)
	}
	return len(woken)
}

// Len reports the current number of parked waiters. Intended for tests
// and diagnostics, not for racy "is anyone waiting" decisions, those
// must hold Lock() across the check and the enqueue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}
