// Package channel implements bidirectional capability channels: a pair
// of endpoints exchanging messages whose attachments carry
// sub-channels, shared-memory mappings, and data blobs. Send/Receive's
// blocking paths use internal/waitq's register-then-recheck discipline
// across the four distinct wait conditions an endpoint exposes:
// message arrived, peer queue space available, peer closed, deleted.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/ringbuf"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/uapi"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// nextDescID mints the monotonic descriptor ids stamped into the wire
// format's PeerID and channel-attachment payload fields; this
// simulation has no real per-process descriptor table; a global
// counter stands in for it.
var nextDescID uint64

// pair is the state shared by both endpoints of a channel: the
// monotonic conversation/message id counters are minted per
// channel-pair rather than per-endpoint.
type pair struct {
	mu                 sync.Mutex
	nextConversationID uint64
	nextMessageID      uint64
}

// SendFlags controls Send's behavior.
type SendFlags struct {
	NoWait            bool
	StartConversation bool
}

// ReceiveFlags controls Receive's behavior.
type ReceiveFlags struct {
	NoWait bool

	// Match, when true, makes Receive only consume a message whose ID
	// equals MatchMessageID, the second phase of the two-phase
	// protocol. If the head message's ID has changed (a
	// concurrent receiver won the race) or the queue went empty,
	// Receive returns ShouldRestart instead of waiting.
	Match          bool
	MatchMessageID uint64

	// BodyBufferSize/AttachmentsBufferSize are the caller's allocated
	// buffer capacities. If the head message doesn't fit, Receive
	// returns TooBig along with the sizes actually required, without
	// consuming the message.
	BodyBufferSize        uint64
	AttachmentsBufferSize uint64
}

// ReceiveResult is Receive's successful or TooBig outcome.
type ReceiveResult struct {
	Message                 *Message
	RequiredBodySize        uint64
	RequiredAttachmentsSize uint64
}

// Endpoint is one side of a channel pair.
type Endpoint struct {
	p    *pair
	peer *Endpoint

	mu         sync.Mutex
	queue      *ringbuf.Queue[*Message]
	credit     int // messages this endpoint has sent into peer and not yet had consumed
	closed     bool
	peerClosed bool

	arrivedQ    waitq.Queue // woken when a message lands in this endpoint's queue
	spaceQ      waitq.Queue // woken when this endpoint's outstanding credit is returned
	peerClosedQ waitq.Queue // woken when this endpoint's peer closes
	deletedQ    waitq.Queue // woken when this endpoint itself closes

	// descID is this endpoint's wire descriptor id, stable
	// across a transferOut: the transferred copy keeps its origin's id,
	// since it is the same capability under new ownership, not a new one.
	descID uint64

	logger *logging.Logger
}

// CreatePair creates two linked endpoints, each with an inbound queue
// bounded to depth messages.
func CreatePair(depth uint32) (a, b *Endpoint) {
	p := &pair{}
	a = newEndpoint(p, depth)
	b = newEndpoint(p, depth)
	a.peer = b
	b.peer = a
	return a, b
}

func newEndpoint(p *pair, depth uint32) *Endpoint {
	return &Endpoint{
		p:      p,
		queue:  ringbuf.New[*Message](depth),
		descID: atomic.AddUint64(&nextDescID, 1),
		logger: logging.Default().WithComponent("channel"),
	}
}

// transferOut detaches e from its current wiring and returns a fresh
// Endpoint object that inherits e's live state (inbound queue, peer
// wiring, credit, peer-closed status, descriptor id) while e itself is
// left closed and unlinked from its peer. Attached endpoints are
// transferred, not duplicated: the sender's own reference to e becomes
// a dead handle the instant the attachment is sent, so a later Close
// on it cannot reach the copy the receiver now owns. They are
// deliberately no longer the same object.
func (e *Endpoint) transferOut() *Endpoint {
	e.mu.Lock()
	peer := e.peer
	next := &Endpoint{
		p:          e.p,
		peer:       peer,
		queue:      e.queue,
		credit:     e.credit,
		peerClosed: e.peerClosed,
		descID:     e.descID,
		logger:     e.logger,
	}
	e.closed = true
	e.peer = nil
	e.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.peer = next
		peer.mu.Unlock()
	}
	return next
}

// Send enqueues msg on e's peer. If StartConversation is set, the pair
// mints a fresh conversation id and stamps msg with it; every send
// stamps msg with a fresh monotonic message id regardless. A full peer
// queue blocks (subject to timeout) unless NoWait is set.
func (e *Endpoint) Send(msg *Message, flags SendFlags, timeout time.Duration) status.Status {
	peer := e.peer
	for {
		// Never hold both endpoints' locks at once: a concurrent send
		// in the opposite direction takes them in the opposite order.
		// The queue capacity is immutable, so the fullness check needs
		// only this endpoint's own credit counter.
		peer.mu.Lock()
		peerClosed := peer.closed
		peer.mu.Unlock()

		e.mu.Lock()
		if e.closed || peerClosed {
			e.mu.Unlock()
			return status.PermanentOutage
		}

		if e.credit < int(peer.queue.Cap()) {
			break
		}
		e.mu.Unlock()

		if flags.NoWait {
			return status.WouldBlock
		}
		if st := blockOn(&e.spaceQ, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.closed || e.credit < int(peer.queue.Cap())
		}, timeout); st != status.Ok {
			return st
		}
	}

	e.p.mu.Lock()
	if flags.StartConversation {
		e.p.nextConversationID++
		msg.ConversationID = e.p.nextConversationID
	}
	e.p.nextMessageID++
	msg.MessageID = e.p.nextMessageID
	e.p.mu.Unlock()

	// Serialize into the wire format before handing off any
	// channel-endpoint attachments: the attachment table's descriptor
	// ids name the pre-transfer endpoint, and Receive's two-phase peek
	// consults this header for its required-size accounting.
	attBuf := marshalAttachmentTable(msg.Attachments, func(ep *Endpoint) uint64 { return ep.descID })
	msg.wireAttachments = attBuf
	msg.wireHeader = uapi.MarshalMessageHeader(&uapi.MessageHeader{
		ConversationID:    msg.ConversationID,
		MessageID:         msg.MessageID,
		PeerID:            e.descID,
		BodyLength:        uint64(len(msg.Body)),
		AttachmentsLength: uint64(len(attBuf)),
	})

	for i := range msg.Attachments {
		if msg.Attachments[i].Kind == AttachmentChannel && msg.Attachments[i].Endpoint != nil {
			msg.Attachments[i].Endpoint = msg.Attachments[i].Endpoint.transferOut()
		}
	}

	st := peer.queue.Push(msg)
	if st != status.Ok {
		e.mu.Unlock()
		return st
	}
	e.credit++
	e.mu.Unlock()

	peer.arrivedQ.WakeMany(1)
	e.logger.Debug("message sent", "message_id", msg.MessageID, "conversation_id", msg.ConversationID)
	return status.Ok
}

// Receive dequeues the oldest pending message. See ReceiveFlags for the
// two-phase peek/match protocol.
func (e *Endpoint) Receive(flags ReceiveFlags, timeout time.Duration) (ReceiveResult, status.Status) {
	for {
		e.mu.Lock()
		msg, ok := e.queue.Peek()
		if !ok {
			peerClosed := e.peerClosed
			e.mu.Unlock()

			if flags.Match {
				return ReceiveResult{}, status.ShouldRestart
			}
			if peerClosed {
				return ReceiveResult{}, status.PermanentOutage
			}
			if flags.NoWait {
				return ReceiveResult{}, status.WouldBlock
			}
			if st := blockOn(&e.arrivedQ, func() bool {
				e.mu.Lock()
				defer e.mu.Unlock()
				_, has := e.queue.Peek()
				return has || e.peerClosed
			}, timeout); st != status.Ok {
				return ReceiveResult{}, st
			}
			continue
		}
		e.mu.Unlock()

		if flags.Match && msg.MessageID != flags.MatchMessageID {
			return ReceiveResult{}, status.ShouldRestart
		}

		// The two-phase peek's required sizes come from the wire-format
		// header Send stamped, not straight from the live Go slices:
		// the serialized record is what a real syscall trap would hand
		// back to a caller across the user/kernel boundary.
		var hdr uapi.MessageHeader
		if err := uapi.UnmarshalMessageHeader(msg.wireHeader, &hdr); err != nil {
			hdr.BodyLength = uint64(len(msg.Body))
		}
		bodyLen := hdr.BodyLength
		attLen := uint64(countWireAttachments(msg.wireAttachments))
		if flags.BodyBufferSize < bodyLen || flags.AttachmentsBufferSize < attLen {
			return ReceiveResult{RequiredBodySize: bodyLen, RequiredAttachmentsSize: attLen}, status.TooBig
		}

		e.mu.Lock()
		got, ok := e.queue.Pop()
		e.mu.Unlock()
		if !ok || got != msg {
			// Someone else raced us between Peek and Pop.
			if flags.Match {
				return ReceiveResult{}, status.ShouldRestart
			}
			continue
		}

		e.returnCredit()
		e.logger.Debug("message received", "message_id", got.MessageID, "conversation_id", got.ConversationID)
		return ReceiveResult{Message: got}, status.Ok
	}
}

// returnCredit is called on the endpoint whose queue a message was just
// popped from; it restores the sending peer's credit and wakes anyone
// blocked in Send waiting for space.
func (e *Endpoint) returnCredit() {
	sender := e.peer
	if sender == nil {
		return
	}
	sender.mu.Lock()
	if sender.credit > 0 {
		sender.credit--
	}
	sender.mu.Unlock()
	sender.spaceQ.WakeMany(1)
}

// Close marks e closed, wakes e's deletion waiters, and tells e's peer
// it has lost its partner, waking the peer's arrived, space and
// peer-closed queues. Waiters on e's own arrived and space queues are
// not woken.
func (e *Endpoint) Close() status.Status {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return status.AlreadyInProgress
	}
	e.closed = true
	peer := e.peer
	e.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.peerClosed = true
		peer.mu.Unlock()
		peer.arrivedQ.WakeMany(-1)
		peer.spaceQ.WakeMany(-1)
		peer.peerClosedQ.WakeMany(-1)
	}
	e.deletedQ.WakeMany(-1)
	return status.Ok
}

// Pending returns the number of messages currently queued for e.
func (e *Endpoint) Pending() uint32 {
	return e.queue.Len()
}

// NewConversationID mints a fresh conversation id from the pair's
// monotonic counter without sending a message, the
// channel_conversation_create syscall, used when a caller
// wants to stamp a conversation id onto a message it's still
// assembling rather than letting Send mint one via StartConversation.
func (e *Endpoint) NewConversationID() uint64 {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.nextConversationID++
	return e.p.nextConversationID
}

// blockOn registers a waiter on q, then checks ready, closing the
// classic lost-wakeup race, since any wake that lands after
// registration is guaranteed delivered through the buffered channel
// even if it arrives before the select below starts. If ready is
// already true, blockOn deregisters and returns immediately. timeout<=0
// waits indefinitely. The RemoveLocked result is the sole arbiter of
// the race between a fired timer and a concurrent WakeMany: whichever
// side removes the waiter owns the outcome.
func blockOn(q *waitq.Queue, ready func() bool, timeout time.Duration) status.Status {
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

	if ready() {
		q.Lock()
		q.RemoveLocked(w)
		q.Unlock()
		return status.Ok
	}

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
