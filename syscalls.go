package kernel

import (
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/server"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/thread"
)

// This file is the Kernel's syscall-surface facade: one method per
// system call. There is no trap/ABI layer underneath it (that is an
// architecture-specific external seam). Callers are Go code (tests,
// cmd/anillo-sim) invoking
// these directly, with channel endpoints, thread handles, and server
// channels standing in for the kernel descriptor ids a real syscall
// ABI would hand back.

// ChannelCreatePair implements channel_create_pair: creates a linked
// pair of endpoints bounded to depth's queue capacity (0 uses the
// kernel's configured default).
func (k *Kernel) ChannelCreatePair(depth uint32) (a, b *channel.Endpoint) {
	if depth == 0 {
		depth = k.cfg.ChannelQueueDepth
	}
	return channel.CreatePair(depth)
}

// ChannelSend implements channel_send.
func (k *Kernel) ChannelSend(e *channel.Endpoint, msg *channel.Message, flags channel.SendFlags, timeout time.Duration) Status {
	st := e.Send(msg, flags, timeout)
	k.obs.ObserveChannelSend(uint64(len(msg.Body)), st == status.Ok)
	return st
}

// ChannelReceive implements channel_receive's two-phase peek/consume
// protocol (see channel.ReceiveFlags).
func (k *Kernel) ChannelReceive(e *channel.Endpoint, flags channel.ReceiveFlags, timeout time.Duration) (channel.ReceiveResult, Status) {
	res, st := e.Receive(flags, timeout)
	var bytes uint64
	if res.Message != nil {
		bytes = uint64(len(res.Message.Body))
	}
	k.obs.ObserveChannelReceive(bytes, st == status.Ok)
	return res, st
}

// ChannelClose implements channel_close. The force parameter has no
// distinct effect here: Close is already unconditional
// and idempotent (AlreadyInProgress on a second call), so "graceful"
// drain-then-close is left to the caller receiving PermanentOutage from
// a subsequent Receive rather than being a kernel-side mode.
func (k *Kernel) ChannelClose(e *channel.Endpoint, force bool) Status {
	return e.Close()
}

// ChannelConversationCreate implements channel_conversation_create.
func (k *Kernel) ChannelConversationCreate(e *channel.Endpoint) uint64 {
	return e.NewConversationID()
}

// ServerChannelCreate implements server_channel_create.
func (k *Kernel) ServerChannelCreate(name string, realm server.Realm) (*server.Channel, Status) {
	return server.Create(name, realm)
}

// ServerChannelConnect is the client half of a server-channel
// rendezvous: the only way a caller obtains the endpoint whose peer a
// server_channel_accept counterpart is handed.
func (k *Kernel) ServerChannelConnect(name string, realm server.Realm, flags server.Flags) (*channel.Endpoint, Status) {
	return server.Connect(name, realm, flags)
}

// ServerChannelAccept implements server_channel_accept.
func (k *Kernel) ServerChannelAccept(ch *server.Channel, flags server.Flags) (*channel.Endpoint, Status) {
	return ch.Accept(flags)
}

// ThreadCreate implements thread_create: a new thread in the Suspended
// state, not yet known to any scheduler run queue until ThreadResume
// enqueues it.
func (k *Kernel) ThreadCreate(stackBase, stackSize uintptr) (thread.Handle, Status) {
	th := thread.New(stackBase, stackSize, k.onThreadZero)
	return k.Threads.Insert(th), status.Ok
}

// ThreadResume implements thread_resume: transitions the thread to
// Running and enqueues it on cpuID's run queue so the scheduler will
// actually dispatch it at the next switch.
func (k *Kernel) ThreadResume(h thread.Handle, cpuID int) Status {
	th, ok := k.Threads.Lookup(h)
	if !ok {
		return status.NoSuchResource
	}
	if st := th.Resume(); st != status.Ok {
		return st
	}
	return k.Scheduler.Enqueue(cpuID, th)
}

// ThreadSuspend implements thread_suspend.
func (k *Kernel) ThreadSuspend(h thread.Handle, wait bool) Status {
	th, ok := k.Threads.Lookup(h)
	if !ok {
		return status.NoSuchResource
	}
	return th.Suspend(wait)
}

// ThreadKill implements thread_kill. Once the thread reaches Dead, its
// handle is removed from the registry so a stale copy fails Lookup
// rather than resolving to a zombie.
func (k *Kernel) ThreadKill(h thread.Handle) Status {
	th, ok := k.Threads.Lookup(h)
	if !ok {
		return status.NoSuchResource
	}
	st := th.Kill()
	if st == status.Ok {
		k.Threads.Remove(h)
	}
	return st
}

// ThreadSignal implements thread_signal: ORs mask into the thread's
// pending-signal bitmask.
func (k *Kernel) ThreadSignal(h thread.Handle, mask uint64) Status {
	th, ok := k.Threads.Lookup(h)
	if !ok {
		return status.NoSuchResource
	}
	return th.Signal(mask)
}

// onThreadZero is the deferred-free worker invoked when Thread.Release
// reaches a zero refcount. There's no separate thread
// memory to reclaim in a hosted Go process (the garbage collector owns
// that once the last reference drops), this just records the event.
func (k *Kernel) onThreadZero(t *thread.Thread) {
	k.logger.Debug("thread reference count reached zero", "thread_id", t.ID())
}
