package thread

import (
	"testing"
	"time"

	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

func TestNewThreadStartsSuspended(t *testing.T) {
	th := New(0, 4096, nil)
	if th.State() != StateSuspended {
		t.Fatalf("State() = %v, want Suspended", th.State())
	}
}

func TestResumeThenSuspend(t *testing.T) {
	th := New(0, 4096, nil)
	if st := th.Resume(); st != status.Ok {
		t.Fatalf("Resume() = %v", st)
	}
	if th.State() != StateRunning {
		t.Fatalf("State() after Resume = %v, want Running", th.State())
	}
	if st := th.Resume(); st != status.AlreadyInProgress {
		t.Errorf("second Resume() = %v, want AlreadyInProgress", st)
	}
	if st := th.Suspend(false); st != status.Ok {
		t.Fatalf("Suspend() = %v", st)
	}
	if th.State() != StateSuspended {
		t.Errorf("State() after Suspend = %v, want Suspended", th.State())
	}
}

func TestKillIsIdempotent(t *testing.T) {
	th := New(0, 4096, nil)
	if st := th.Kill(); st != status.Ok {
		t.Fatalf("first Kill() = %v", st)
	}
	if th.State() != StateDead {
		t.Fatalf("State() after Kill = %v, want Dead", th.State())
	}
	if st := th.Kill(); st != status.AlreadyInProgress {
		t.Errorf("second Kill() = %v, want AlreadyInProgress", st)
	}
	if st := th.Resume(); st != status.PermanentOutage {
		t.Errorf("Resume() on dead thread = %v, want PermanentOutage", st)
	}
}

func TestDeadIsTerminal(t *testing.T) {
	th := New(0, 4096, nil)
	th.Kill()
	if st := th.Suspend(false); st != status.PermanentOutage {
		t.Errorf("Suspend() on dead thread = %v, want PermanentOutage", st)
	}
}

func TestBlockUnblockNesting(t *testing.T) {
	th := New(0, 4096, nil)
	th.Resume()

	th.Block()
	th.Block()
	if th.Flags()&FlagBlocked == 0 {
		t.Fatal("FlagBlocked should be set after Block()")
	}
	th.Unblock()
	if th.Flags()&FlagBlocked == 0 {
		t.Error("thread should still be blocked after one Unblock of two Blocks")
	}
	th.Unblock()
	if th.Flags()&FlagBlocked != 0 {
		t.Error("thread should be unblocked once block count reaches zero")
	}
	if st := th.Unblock(); st != status.InvalidArgument {
		t.Errorf("unbalanced Unblock() = %v, want InvalidArgument", st)
	}
}

func TestReleaseAtZeroSchedulesOnZero(t *testing.T) {
	done := make(chan *Thread, 1)
	th := New(0, 4096, func(t *Thread) { done <- t })
	th.Release()

	select {
	case got := <-done:
		if got != th {
			t.Error("onZero called with wrong thread")
		}
	case <-time.After(time.Second):
		t.Fatal("onZero not called within timeout")
	}
}

func TestHookOrderingStopsAtFirstHandled(t *testing.T) {
	th := New(0, 4096, nil)
	var calls []int

	slot0, _ := th.RegisterHook(100, Hooks{Suspend: func(t *Thread, ctx any) HookResult {
		calls = append(calls, 0)
		return HookNotHandled
	}}, nil)
	slot1, _ := th.RegisterHook(200, Hooks{Suspend: func(t *Thread, ctx any) HookResult {
		calls = append(calls, 1)
		return HookHandled
	}}, nil)
	_, _ = th.RegisterHook(300, Hooks{Suspend: func(t *Thread, ctx any) HookResult {
		calls = append(calls, 2)
		return HookHandled
	}}, nil)

	th.Suspend(false)

	if len(calls) != 2 || calls[0] != 0 || calls[1] != 1 {
		t.Fatalf("hook call order = %v, want [0 1] (stop at first Handled)", calls)
	}
	_ = slot0
	_ = slot1
}

func TestRegisterHookExhaustsSlots(t *testing.T) {
	th := New(0, 4096, nil)
	for i := 0; i < HooksPerThread; i++ {
		if _, ok := th.RegisterHook(uint64(i), Hooks{}, nil); !ok {
			t.Fatalf("RegisterHook #%d failed, want success", i)
		}
	}
	if _, ok := th.RegisterHook(999, Hooks{}, nil); ok {
		t.Error("RegisterHook should fail once all 8 slots are taken")
	}
}

func TestWaitWakesOnSignal(t *testing.T) {
	var q waitq.Queue
	th := New(0, 4096, nil)
	th.Resume()

	result := make(chan status.Status, 1)
	go func() {
		result <- th.Wait(&q, 0, TimeoutNone)
	}()

	time.Sleep(20 * time.Millisecond)
	q.WakeMany(1)

	select {
	case st := <-result:
		if st != status.Ok {
			t.Errorf("Wait() = %v, want Ok", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after wake")
	}
	if th.ParkedOn() != nil {
		t.Error("ParkedOn() should be nil after Wait returns")
	}
}

func TestWaitTimesOutCleanly(t *testing.T) {
	var q waitq.Queue
	th := New(0, 4096, nil)
	th.Resume()

	st := th.Wait(&q, 30*time.Millisecond, TimeoutRelative)
	if st != status.Timeout {
		t.Fatalf("Wait() = %v, want Timeout", st)
	}
	if th.ParkedOn() != nil {
		t.Error("ParkedOn() should be nil after timeout")
	}
	if th.State() != StateRunning {
		t.Errorf("State() after timeout = %v, want Running (resumable)", th.State())
	}

	// Re-suspending after a timeout should work cleanly.
	if st := th.Suspend(false); st != status.Ok {
		t.Errorf("Suspend() after timeout wait = %v, want Ok", st)
	}
}

func TestConcurrentWaitersOnlyOneWoken(t *testing.T) {
	var q waitq.Queue
	th1 := New(0, 4096, nil)
	th2 := New(0, 4096, nil)
	th1.Resume()
	th2.Resume()

	r1 := make(chan status.Status, 1)
	r2 := make(chan status.Status, 1)
	go func() { r1 <- th1.Wait(&q, 0, TimeoutNone) }()
	go func() { r2 <- th2.Wait(&q, 0, TimeoutNone) }()

	time.Sleep(20 * time.Millisecond)
	if n := q.WakeMany(1); n != 1 {
		t.Fatalf("WakeMany(1) = %d, want 1", n)
	}

	woken := 0
	select {
	case <-r1:
		woken++
	case <-r2:
		woken++
	case <-time.After(time.Second):
		t.Fatal("neither waiter woke")
	}

	select {
	case <-r1:
		t.Fatal("both waiters woke from a single WakeMany(1)")
	case <-r2:
		t.Fatal("both waiters woke from a single WakeMany(1)")
	case <-time.After(50 * time.Millisecond):
	}
	if woken != 1 {
		t.Fatalf("woken = %d, want 1", woken)
	}
}
