package kernel

import (
	"sync"
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// FutexTable backs the futex_{wait,wake,associate} syscalls: one wait
// queue per watched address, created lazily on first use. Addresses
// here are opaque uintptr keys, not real memory the kernel
// dereferences; the userspace event loop and this module agree on what
// an address means.
type FutexTable struct {
	mu sync.Mutex
	qs map[uintptr]*waitq.Queue
}

func newFutexTable() *FutexTable {
	return &FutexTable{qs: make(map[uintptr]*waitq.Queue)}
}

func (f *FutexTable) queueFor(addr uintptr) *waitq.Queue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.qs[addr]
	if !ok {
		q = &waitq.Queue{}
		f.qs[addr] = q
	}
	return q
}

// FutexWait parks the calling goroutine on addr's futex queue until a
// matching FutexWake fires or timeout elapses (timeout<=0 waits
// indefinitely). Grounded on internal/channel's blockOn/
// internal/thread's WaitLocked register-then-recheck discipline: the
// waiter is added to the queue before any wake can be missed.
func (k *Kernel) FutexWait(addr uintptr, timeout time.Duration) Status {
	q := k.futex.queueFor(addr)

	done := make(chan struct{}, 1)
	w := &waitq.Waiter{Callback: func(any) {
		select {
		case done <- struct{}{}:
		default:
		}
	}}
	q.Lock()
	q.AddLocked(w)
	q.Unlock()

	if timeout <= 0 {
		<-done
		return status.Ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return status.Ok
	case <-timer.C:
		q.Lock()
		removed := q.RemoveLocked(w)
		q.Unlock()
		if removed {
			return status.Timeout
		}
		<-done
		return status.Ok
	}
}

// FutexWake wakes up to n waiters parked on addr (n<0 wakes all),
// returning the number actually woken.
func (k *Kernel) FutexWake(addr uintptr, n int) int {
	return k.futex.queueFor(addr).WakeMany(n)
}

// FutexAssociate wires a channel endpoint's event notifications into
// waking addr's futex queue: each time one of the watched events
// fires, one waiter parked in FutexWait(addr, ...) is woken. Returns
// the Monitor so the caller can Close it to stop forwarding.
func (k *Kernel) FutexAssociate(addr uintptr, e *channel.Endpoint, mask channel.EventMask, edgeTriggered bool) *channel.Monitor {
	return channel.NewMonitor(e, mask, edgeTriggered, func(channel.EventMask) {
		k.FutexWake(addr, 1)
	})
}
