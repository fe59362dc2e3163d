// Package thread implements the kernel's thread object: a lifecycle
// state machine, reference count, hook-slot vector, and the per-thread
// wait queues that back suspend/block/wait. A per-thread mutex guards
// a small enum of states, with blocking realized as a goroutine parked
// on a channel rather than an explicit scheduler context switch. This
// package's Wait is the one place a "thread" really does block the
// goroutine underneath it, standing in for a hardware context switch.
package thread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/kpanic"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// HooksPerThread is the fixed hook-slot table size.
const HooksPerThread = 8

// State is the thread's execution state.
type State int

const (
	// StateSuspended is both the initial state (creation folds directly
	// into it, a thread never runs before its first resume) and the
	// parked state between resume and the next suspend/block.
	StateSuspended State = iota
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Flags is the thread's transitive-flag bitmask.
type Flags uint32

const (
	FlagPendingSuspend Flags = 1 << iota
	FlagPendingBlock
	FlagPendingDeath
	FlagBlocked
	FlagInterrupted
	FlagHoldingWaitQueueLock
	FlagExitDataCopied
	FlagDeallocateStackOnExit
	FlagSignalsBlocked
)

// TimeoutType selects how a Wait's timeout value is interpreted.
type TimeoutType int

const (
	TimeoutNone TimeoutType = iota
	TimeoutRelative
	TimeoutAbsolute
)

// HookResult is the tri-state a hook callback reports: whether it
// handled the event, declined, or the resource is gone for good.
type HookResult int

const (
	HookNotHandled HookResult = iota
	HookHandled
	HookPermanentOutage
)

// HookEvent enumerates the lifecycle events a hook slot can subscribe to.
type HookEvent int

const (
	HookSuspend HookEvent = iota
	HookResume
	HookKill
	HookBlock
	HookUnblock
	HookInterrupted
	HookEndingInterrupt
	HookBusError
	HookPageFault
	HookFPException
	HookIllegalInstruction
	HookDebugTrap
	HookDivideByZero
)

// HookCallback handles one event for one hook slot. ctx is the opaque
// context the slot was registered with.
type HookCallback func(t *Thread, ctx any) HookResult

// Hooks bundles every callback a single hook slot may provide; a nil
// field means this slot doesn't subscribe to that event.
type Hooks struct {
	Suspend            HookCallback
	Resume             HookCallback
	Kill               HookCallback
	Block              HookCallback
	Unblock            HookCallback
	Interrupted        HookCallback
	EndingInterrupt    HookCallback
	BusError           HookCallback
	PageFault          HookCallback
	FPException        HookCallback
	IllegalInstruction HookCallback
	DebugTrap          HookCallback
	DivideByZero       HookCallback
}

func (h Hooks) callback(ev HookEvent) HookCallback {
	switch ev {
	case HookSuspend:
		return h.Suspend
	case HookResume:
		return h.Resume
	case HookKill:
		return h.Kill
	case HookBlock:
		return h.Block
	case HookUnblock:
		return h.Unblock
	case HookInterrupted:
		return h.Interrupted
	case HookEndingInterrupt:
		return h.EndingInterrupt
	case HookBusError:
		return h.BusError
	case HookPageFault:
		return h.PageFault
	case HookFPException:
		return h.FPException
	case HookIllegalInstruction:
		return h.IllegalInstruction
	case HookDebugTrap:
		return h.DebugTrap
	case HookDivideByZero:
		return h.DivideByZero
	default:
		kpanic.Unreachable("unknown hook event %d", ev)
		return nil
	}
}

type hookSlot struct {
	used    bool
	ownerID uint64
	context any
	hooks   Hooks
}

var nextThreadID uint64

// Thread is a first-class kernel thread object.
type Thread struct {
	mu sync.Mutex

	id    uint64
	refs  int32
	state State
	flags Flags

	stackBase uintptr
	stackSize uintptr

	blockCount int

	parkedOn *waitq.Queue

	hooks [HooksPerThread]hookSlot

	pendingTimeoutType  TimeoutType
	pendingTimeoutValue time.Duration

	suspendWaitQ waitq.Queue
	blockWaitQ   waitq.Queue
	deathWaitQ   waitq.Queue
	destroyWaitQ waitq.Queue

	exitData []byte
	exitCopy bool

	// pendingSignals is the pending-signal mask. Delivery semantics
	// (which bits cause what) live above this package; Thread only
	// stores and reports the mask.
	pendingSignals uint64

	onZero func(*Thread)

	logger *logging.Logger
}

// New creates a thread in the Suspended state with the given stack
// bounds. onZero, if non-nil, is invoked on its own goroutine once the
// reference count reaches zero.
func New(stackBase, stackSize uintptr, onZero func(*Thread)) *Thread {
	id := atomic.AddUint64(&nextThreadID, 1)
	return &Thread{
		id:        id,
		refs:      1,
		state:     StateSuspended,
		stackBase: stackBase,
		stackSize: stackSize,
		onZero:    onZero,
		logger:    logging.Default().WithComponent("thread"),
	}
}

// ID returns the thread's stable identifier.
func (t *Thread) ID() uint64 { return t.id }

// State returns the thread's current execution state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Flags returns the thread's current transitive-flag bitmask.
func (t *Thread) Flags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// RegisterHook claims the first free hook slot for ownerID, returning
// its index, or ok=false if all HooksPerThread slots are taken.
func (t *Thread) RegisterHook(ownerID uint64, hooks Hooks, ctx any) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.hooks {
		if !t.hooks[i].used {
			t.hooks[i] = hookSlot{used: true, ownerID: ownerID, context: ctx, hooks: hooks}
			return i, true
		}
	}
	return 0, false
}

// UnregisterHook frees a previously registered slot.
func (t *Thread) UnregisterHook(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= 0 && slot < HooksPerThread {
		t.hooks[slot] = hookSlot{}
	}
}

// runHooksLocked walks slots 0..7 in order, invoking each populated
// callback for ev, stopping at the first Handled or PermanentOutage;
// a PermanentOutage result is always the last to run. Caller holds
// t.mu.
func (t *Thread) runHooksLocked(ev HookEvent) HookResult {
	for i := range t.hooks {
		s := &t.hooks[i]
		if !s.used {
			continue
		}
		cb := s.hooks.callback(ev)
		if cb == nil {
			continue
		}
		switch r := cb(t, s.context); r {
		case HookHandled, HookPermanentOutage:
			return r
		case HookNotHandled:
			continue
		default:
			kpanic.Unreachable("hook returned unknown result %d", r)
		}
	}
	return HookNotHandled
}

// Retain increments the reference count.
func (t *Thread) Retain() {
	atomic.AddInt32(&t.refs, 1)
}

// Release decrements the reference count; at zero, schedules onZero on
// its own goroutine, deferred because the scheduler may still hold a
// transient pointer.
func (t *Thread) Release() {
	if atomic.AddInt32(&t.refs, -1) == 0 && t.onZero != nil {
		go t.onZero(t)
	}
}

// Suspend requests that the thread stop running. If wait is set, the
// caller (presumably a different thread than t) parks on t's suspend
// wait queue until the suspension completes.
func (t *Thread) Suspend(wait bool) status.Status {
	t.mu.Lock()
	if t.state == StateDead {
		t.mu.Unlock()
		return status.PermanentOutage
	}
	t.flags |= FlagPendingSuspend
	t.state = StateSuspended
	t.flags &^= FlagPendingSuspend
	t.runHooksLocked(HookSuspend)
	t.mu.Unlock()

	t.suspendWaitQ.WakeMany(-1)
	if wait {
		// The suspend already completed synchronously above (this
		// simulation has no separate suspend-in-flight phase), so a
		// waiting caller returns immediately.
	}
	return status.Ok
}

// Resume requires a prior or pending suspend; fails PermanentOutage if
// the thread is dead. A Resume on a thread that's already Running with
// no pending suspend is redundant and reports AlreadyInProgress.
func (t *Thread) Resume() status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDead {
		return status.PermanentOutage
	}
	if t.state == StateRunning {
		return status.AlreadyInProgress
	}
	t.state = StateRunning
	t.runHooksLocked(HookResume)
	return status.Ok
}

// Block increments the nesting count; the thread is considered blocked
// while the count is nonzero.
func (t *Thread) Block() status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDead {
		return status.PermanentOutage
	}
	t.blockCount++
	t.flags |= FlagBlocked
	t.runHooksLocked(HookBlock)
	return status.Ok
}

// Unblock decrements the nesting count; only wakes blockWaitQ once the
// count returns to zero. Calling Unblock with no matching Block is a
// caller bug.
func (t *Thread) Unblock() status.Status {
	t.mu.Lock()
	if t.blockCount == 0 {
		t.mu.Unlock()
		return status.InvalidArgument
	}
	t.blockCount--
	zero := t.blockCount == 0
	if zero {
		t.flags &^= FlagBlocked
	}
	t.runHooksLocked(HookUnblock)
	t.mu.Unlock()

	if zero {
		t.blockWaitQ.WakeMany(-1)
	}
	return status.Ok
}

// Kill transitions the thread to Dead. Idempotent: a thread already
// dead or dying reports AlreadyInProgress.
func (t *Thread) Kill() status.Status {
	t.mu.Lock()
	if t.state == StateDead || t.flags&FlagPendingDeath != 0 {
		t.mu.Unlock()
		return status.AlreadyInProgress
	}
	t.flags |= FlagPendingDeath
	t.state = StateDead
	t.runHooksLocked(HookKill)
	t.mu.Unlock()

	t.deathWaitQ.WakeMany(-1)
	t.destroyWaitQ.WakeMany(-1)
	return status.Ok
}

// Exit records the thread's exit payload then kills it. Meant to be
// called by the thread on itself; callers wanting kill-self semantics
// should call Exit instead of Kill so the payload survives.
func (t *Thread) Exit(data []byte, copy bool) status.Status {
	t.mu.Lock()
	if copy {
		t.exitData = append([]byte(nil), data...)
		t.flags |= FlagExitDataCopied
	} else {
		t.exitData = data
	}
	t.exitCopy = copy
	t.mu.Unlock()
	return t.Kill()
}

// ExitData returns the payload recorded by Exit, if any.
func (t *Thread) ExitData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitData
}

// Wait suspends the calling goroutine until q wakes it or timeout
// elapses (when timeoutType != TimeoutNone). It is equivalent to
// Suspend plus registering on q plus arming a cancellable timer.
func (t *Thread) Wait(q *waitq.Queue, timeout time.Duration, timeoutType TimeoutType) status.Status {
	q.Lock()
	return t.WaitLocked(q, timeout, timeoutType)
}

// WaitLocked is Wait for a caller that already holds q's lock; it adds
// the waiter before releasing the lock, so a concurrent waker can never
// slip in between "check condition" and "register as waiter."
func (t *Thread) WaitLocked(q *waitq.Queue, timeout time.Duration, timeoutType TimeoutType) status.Status {
	t.mu.Lock()
	t.parkedOn = q
	t.state = StateSuspended
	t.mu.Unlock()

	woken := make(chan struct{}, 1)
	var once sync.Once
	w := &waitq.Waiter{
		Callback: func(any) {
			once.Do(func() { woken <- struct{}{} })
		},
	}
	q.AddLocked(w)
	q.Unlock()

	var timedOut bool
	if timeoutType == TimeoutNone {
		<-woken
	} else {
		timer := time.NewTimer(timeout)
		select {
		case <-woken:
			timer.Stop()
		case <-timer.C:
			wonRace := false
			once.Do(func() { wonRace = true })
			if wonRace {
				q.Lock()
				q.RemoveLocked(w)
				q.Unlock()
				timedOut = true
			} else {
				// The waker's callback already claimed the race; its
				// value is sitting in the channel buffer.
				<-woken
			}
		}
	}

	t.mu.Lock()
	t.parkedOn = nil
	t.state = StateRunning
	t.mu.Unlock()

	if timedOut {
		return status.Timeout
	}
	return status.Ok
}

// Signal ORs mask into the thread's pending-signal bitmask. A dead
// thread cannot receive signals. Blocked threads still accumulate
// signals for later delivery. Clearing FlagSignalsBlocked doesn't
// happen here; it's a caller-driven toggle via SetSignalsBlocked.
func (t *Thread) Signal(mask uint64) status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDead {
		return status.PermanentOutage
	}
	t.pendingSignals |= mask
	return status.Ok
}

// PendingSignals returns the current pending-signal mask.
func (t *Thread) PendingSignals() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingSignals
}

// ConsumeSignals clears and returns the bits of mask that were
// pending, for a caller that just delivered them.
func (t *Thread) ConsumeSignals(mask uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := t.pendingSignals & mask
	t.pendingSignals &^= mask
	return delivered
}

// SetSignalsBlocked toggles the block-signals flag.
func (t *Thread) SetSignalsBlocked(blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if blocked {
		t.flags |= FlagSignalsBlocked
	} else {
		t.flags &^= FlagSignalsBlocked
	}
}

// ParkedOn reports which wait queue the thread is currently parked on,
// if any.
func (t *Thread) ParkedOn() *waitq.Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parkedOn
}
