// Package server implements the named-rendezvous server channel: a
// server registers a name in a realm's namespace, clients connect by
// name to receive one end of a freshly created pair, and the server
// accepts the other end off its pending-client queue. Each realm's
// namespace is a mutex-guarded lookup table; per-channel state sits
// behind its own lock, never held across a call into another
// subsystem.
package server

import (
	"container/list"
	"sync"

	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/constants"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// Realm selects which namespace a server channel's name is registered
// in.
type Realm int

const (
	RealmLocal Realm = iota
	RealmGlobal
	RealmParent
	RealmChildren
)

func (r Realm) String() string {
	switch r {
	case RealmLocal:
		return "local"
	case RealmGlobal:
		return "global"
	case RealmParent:
		return "parent"
	case RealmChildren:
		return "children"
	default:
		return "realm(?)"
	}
}

// Flags controls Accept's no-wait behavior. Connect never blocks and
// does not read it.
type Flags struct {
	NoWait bool
}

// Channel is a named rendezvous point. Create registers one in a
// realm's namespace; Connect and Accept pair off a fresh
// internal/channel endpoint pair across it.
type Channel struct {
	name  string
	realm Realm

	mu      sync.Mutex
	pending list.List // of *channel.Endpoint, the server-side end awaiting Accept
	closed  bool
	acceptQ waitq.Queue
}

type registry struct {
	mu     sync.Mutex
	byName map[string]*Channel
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]*Channel)}
}

var realmRegistries = [...]*registry{
	RealmLocal:    newRegistry(),
	RealmGlobal:   newRegistry(),
	RealmParent:   newRegistry(),
	RealmChildren: newRegistry(),
}

func registryFor(realm Realm) *registry {
	if int(realm) < 0 || int(realm) >= len(realmRegistries) {
		return nil
	}
	return realmRegistries[realm]
}

// Create registers a new server channel under name in realm. Returns
// AlreadyInProgress if the name is already taken in that realm.
func Create(name string, realm Realm) (*Channel, status.Status) {
	reg := registryFor(realm)
	if reg == nil {
		return nil, status.InvalidArgument
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byName[name]; exists {
		return nil, status.AlreadyInProgress
	}

	ch := &Channel{name: name, realm: realm}
	reg.byName[name] = ch
	return ch, status.Ok
}

// Lookup finds a registered server channel by name within a realm.
func Lookup(name string, realm Realm) (*Channel, status.Status) {
	reg := registryFor(realm)
	if reg == nil {
		return nil, status.InvalidArgument
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()

	ch, ok := reg.byName[name]
	if !ok {
		return nil, status.NoSuchResource
	}
	return ch, status.Ok
}

// Connect looks up name in realm, atomically creates a connected pair,
// enqueues one end on the server's pending-client queue (waking any
// blocked Accept), and returns the other end to the caller.
func Connect(name string, realm Realm, flags Flags) (*channel.Endpoint, status.Status) {
	ch, st := Lookup(name, realm)
	if st != status.Ok {
		return nil, st
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, status.PermanentOutage
	}
	serverSide, clientSide := channel.CreatePair(constants.DefaultChannelQueueDepth)
	ch.pending.PushBack(serverSide)
	ch.mu.Unlock()

	ch.acceptQ.WakeMany(1)
	return clientSide, status.Ok
}

// Accept dequeues a pending client connection, blocking (subject to
// the shared lock-race-free discipline internal/channel uses) unless
// NoWait is set. Accepting from a closed channel returns
// PermanentOutage.
func (ch *Channel) Accept(flags Flags) (*channel.Endpoint, status.Status) {
	for {
		ch.mu.Lock()
		if front := ch.pending.Front(); front != nil {
			ch.pending.Remove(front)
			ch.mu.Unlock()
			return front.Value.(*channel.Endpoint), status.Ok
		}
		if ch.closed {
			ch.mu.Unlock()
			return nil, status.PermanentOutage
		}
		ch.mu.Unlock()

		if flags.NoWait {
			return nil, status.WouldBlock
		}

		w := &waitq.Waiter{}
		done := make(chan struct{}, 1)
		w.Callback = func(any) {
			select {
			case done <- struct{}{}:
			default:
			}
		}

		ch.acceptQ.Lock()
		ch.acceptQ.AddLocked(w)
		ch.acceptQ.Unlock()

		ch.mu.Lock()
		ready := ch.pending.Len() > 0 || ch.closed
		ch.mu.Unlock()
		if ready {
			ch.acceptQ.Lock()
			ch.acceptQ.RemoveLocked(w)
			ch.acceptQ.Unlock()
			continue
		}

		<-done
	}
}

// Close removes ch from its realm's namespace (so a later Connect by
// name gets NoSuchResource), makes every further Accept return
// PermanentOutage, drains any pending unaccepted client endpoints, and
// wakes every blocked accepter.
func (ch *Channel) Close() status.Status {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return status.AlreadyInProgress
	}
	ch.closed = true

	var drained []*channel.Endpoint
	for e := ch.pending.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*channel.Endpoint))
	}
	ch.pending.Init()
	ch.mu.Unlock()

	for _, ep := range drained {
		ep.Close()
	}

	if reg := registryFor(ch.realm); reg != nil {
		reg.mu.Lock()
		delete(reg.byName, ch.name)
		reg.mu.Unlock()
	}

	ch.acceptQ.WakeMany(-1)
	return status.Ok
}

// Name returns the server channel's registered name.
func (ch *Channel) Name() string { return ch.name }

// Realm returns the realm ch is registered in.
func (ch *Channel) Realm() Realm { return ch.realm }
