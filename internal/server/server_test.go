package server

import (
	"testing"
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return t.Name()
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}
	defer ch.Close()

	if _, st := Create(name, RealmLocal); st != status.AlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress on duplicate name, got %v", st)
	}

	// Same name in a different realm is fine.
	ch2, st := Create(name, RealmGlobal)
	if st != status.Ok {
		t.Fatalf("create in other realm: %v", st)
	}
	defer ch2.Close()
}

func TestConnectWithoutServerFails(t *testing.T) {
	if _, st := Connect(uniqueName(t)+"-missing", RealmLocal, Flags{}); st != status.NoSuchResource {
		t.Fatalf("expected NoSuchResource, got %v", st)
	}
}

func TestConnectThenAccept(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}
	defer ch.Close()

	clientSide, st := Connect(name, RealmLocal, Flags{})
	if st != status.Ok {
		t.Fatalf("connect: %v", st)
	}
	defer clientSide.Close()

	serverSide, st := ch.Accept(Flags{})
	if st != status.Ok {
		t.Fatalf("accept: %v", st)
	}
	defer serverSide.Close()

	msg := &channel.Message{Body: []byte("hello")}
	if st := serverSide.Send(msg, channel.SendFlags{StartConversation: true}, 0); st != status.Ok {
		t.Fatalf("send over accepted endpoint: %v", st)
	}
}

func TestAcceptNoWaitOnEmptyReturnsWouldBlock(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}
	defer ch.Close()

	if _, st := ch.Accept(Flags{NoWait: true}); st != status.WouldBlock {
		t.Fatalf("expected WouldBlock, got %v", st)
	}
}

func TestAcceptBlocksUntilConnect(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}
	defer ch.Close()

	type result struct {
		st status.Status
	}
	done := make(chan result, 1)
	go func() {
		_, st := ch.Accept(Flags{})
		done <- result{st}
	}()

	time.Sleep(10 * time.Millisecond)
	clientSide, st := Connect(name, RealmLocal, Flags{})
	if st != status.Ok {
		t.Fatalf("connect: %v", st)
	}
	defer clientSide.Close()

	select {
	case r := <-done:
		if r.st != status.Ok {
			t.Fatalf("expected Accept to succeed, got %v", r.st)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never unblocked after Connect")
	}
}

func TestCloseWakesPendingAcceptersWithPermanentOutage(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}

	done := make(chan status.Status, 1)
	go func() {
		_, st := ch.Accept(Flags{})
		done <- st
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case st := <-done:
		if st != status.PermanentOutage {
			t.Fatalf("expected PermanentOutage, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never woke up on Close")
	}
}

func TestCloseRemovesNameAllowingReuse(t *testing.T) {
	name := uniqueName(t)
	ch, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("create: %v", st)
	}
	if st := ch.Close(); st != status.Ok {
		t.Fatalf("close: %v", st)
	}

	ch2, st := Create(name, RealmLocal)
	if st != status.Ok {
		t.Fatalf("expected name to be reusable after close, got %v", st)
	}
	ch2.Close()
}
