package channel

import (
	"sync"

	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// EventMask selects which of an endpoint's four wait conditions a
// Monitor watches.
type EventMask uint32

const (
	EventPeerClosed EventMask = 1 << iota
	EventMessageArrived
	EventQueueSpaceAvailable
	EventDeleted
)

// Monitor delivers level- or edge-triggered notifications for a subset
// of an endpoint's wait conditions, the mechanism backing
// futex_associate, used by the user-space event loop to suspend
// cooperative work items without a dedicated kernel thread per item.
// Edge-triggered calls notify once, on the first wake of each watched
// queue, and does not re-arm; level-triggered re-arms after each
// delivery so a condition that keeps recurring (more messages keep
// arriving) keeps notifying.
type Monitor struct {
	mu     sync.Mutex
	e      *Endpoint
	mask   EventMask
	edge   bool
	notify func(EventMask)
	closed bool
}

// NewMonitor creates and arms a Monitor on e for the events set in
// mask. notify is invoked from the waking goroutine each time one of
// the watched events fires; it must not block.
func NewMonitor(e *Endpoint, mask EventMask, edgeTriggered bool, notify func(EventMask)) *Monitor {
	m := &Monitor{e: e, mask: mask, edge: edgeTriggered, notify: notify}
	if mask&EventMessageArrived != 0 {
		m.armLocked(&e.arrivedQ, EventMessageArrived)
	}
	if mask&EventQueueSpaceAvailable != 0 {
		m.armLocked(&e.spaceQ, EventQueueSpaceAvailable)
	}
	if mask&EventPeerClosed != 0 {
		m.armLocked(&e.peerClosedQ, EventPeerClosed)
	}
	if mask&EventDeleted != 0 {
		m.armLocked(&e.deletedQ, EventDeleted)
	}
	return m
}

func (m *Monitor) armLocked(q *waitq.Queue, bit EventMask) {
	q.Lock()
	q.AddLocked(m.waiterFor(q, bit))
	q.Unlock()
}

func (m *Monitor) waiterFor(q *waitq.Queue, bit EventMask) *waitq.Waiter {
	var w *waitq.Waiter
	w = &waitq.Waiter{Callback: func(any) {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.notify(bit)
		if !m.edge {
			q.Lock()
			q.AddLocked(w)
			q.Unlock()
		}
	}}
	return w
}

// Close disarms the monitor. Already-fired-but-queued notifications
// may still land after Close returns; notify must tolerate that.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
