//go:build !integration

// Package unit holds fast, pure-logic tests against the kernel facade
// that don't start a scheduler CPU or rely on a real timer beyond a
// short one, the
// counterpart to test/integration's end-to-end scenarios.
package unit

import (
	"testing"
	"time"

	kernel "github.com/anillo-os/anillo-os-sub001"
	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/thread"
	"github.com/anillo-os/anillo-os-sub001/internal/vmm"
)

func testKernel(t *testing.T, pages uint32) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultKernelConfig([]kernel.RegionConfig{{BasePage: 0, PageCount: pages}})
	k := kernel.Boot(cfg)
	t.Cleanup(k.Shutdown)
	return k
}

func TestDefaultKernelConfigDerivesArenaSizeFromRegions(t *testing.T) {
	cfg := kernel.DefaultKernelConfig([]kernel.RegionConfig{
		{BasePage: 0, PageCount: 4},
		{BasePage: 8, PageCount: 4},
	})
	const wantBytes = 12 * 4096
	if cfg.ArenaSize != wantBytes {
		t.Fatalf("ArenaSize = %d, want %d", cfg.ArenaSize, wantBytes)
	}
	if cfg.NumCPUs != 1 {
		t.Fatalf("NumCPUs = %d, want default of 1", cfg.NumCPUs)
	}
	if cfg.ChannelQueueDepth == 0 {
		t.Fatal("ChannelQueueDepth should have a nonzero default")
	}
}

func TestBootWiresFrameAllocatorToConfiguredRegions(t *testing.T) {
	k := testKernel(t, 4)

	blk, st := k.Frames.Allocate(4)
	if st != kernel.Ok {
		t.Fatalf("Allocate(4): %v", st)
	}
	if _, st := k.Frames.Allocate(1); st != kernel.ResourceExhausted {
		t.Fatalf("Allocate(1) after exhausting region = %v, want ResourceExhausted", st)
	}
	k.Frames.Free(blk)
}

func TestChannelCreatePairHonorsConfiguredDefaultDepth(t *testing.T) {
	k := testKernel(t, 1)
	a, b := k.ChannelCreatePair(0)
	defer a.Close()
	defer b.Close()

	if a.Pending() != 0 || b.Pending() != 0 {
		t.Fatal("freshly created pair should have no pending messages")
	}

	depth := kernel.DefaultKernelConfig(nil).ChannelQueueDepth
	for i := uint32(0); i < depth; i++ {
		if st := k.ChannelSend(a, &channel.Message{Body: []byte{1}}, channel.SendFlags{NoWait: true}, 0); st != kernel.Ok {
			t.Fatalf("send %d of %d: %v", i+1, depth, st)
		}
	}
	if st := k.ChannelSend(a, &channel.Message{Body: []byte{1}}, channel.SendFlags{NoWait: true}, 0); st != kernel.WouldBlock {
		t.Fatalf("send past default depth %d = %v, want WouldBlock", depth, st)
	}
}

func TestThreadCreateStartsSuspendedAndUnresolvedAfterKill(t *testing.T) {
	k := testKernel(t, 1)

	h, st := k.ThreadCreate(0x1000, 4096)
	if st != kernel.Ok {
		t.Fatalf("ThreadCreate: %v", st)
	}
	th, ok := k.Threads.Lookup(h)
	if !ok {
		t.Fatal("expected freshly created thread to resolve")
	}
	if th.State() != thread.StateSuspended {
		t.Fatalf("state = %v, want Suspended", th.State())
	}

	if st := k.ThreadKill(h); st != kernel.Ok {
		t.Fatalf("ThreadKill: %v", st)
	}
	if _, ok := k.Threads.Lookup(h); ok {
		t.Fatal("expected handle to fail lookup after kill removed it")
	}
}

func TestThreadResumeOnUnknownHandleIsNoSuchResource(t *testing.T) {
	k := testKernel(t, 1)
	stale := func() thread.Handle {
		h, _ := k.ThreadCreate(0, 4096)
		k.ThreadKill(h)
		return h
	}()

	if st := k.ThreadResume(stale, 0); st != kernel.NoSuchResource {
		t.Fatalf("ThreadResume(stale) = %v, want NoSuchResource", st)
	}
}

func TestMetricsSnapshotTracksChannelOutcomes(t *testing.T) {
	m := kernel.NewMetrics()
	m.ObserveChannelSend(4, true)
	m.ObserveChannelSend(4, false)
	m.ObserveChannelReceive(4, true)
	m.RecordLatency(5_000)

	snap := m.Snapshot()
	if snap.ChannelSends != 2 || snap.ChannelSendFail != 1 {
		t.Fatalf("sends=%d fails=%d, want 2/1", snap.ChannelSends, snap.ChannelSendFail)
	}
	if snap.ChannelRecvs != 1 {
		t.Fatalf("recvs=%d, want 1", snap.ChannelRecvs)
	}
	if snap.AvgLatencyNs != 5_000 {
		t.Fatalf("AvgLatencyNs = %d, want 5000", snap.AvgLatencyNs)
	}
}

func TestLoadImageMapsRegionsAndReservesStack(t *testing.T) {
	k := testKernel(t, 64)

	data := []byte("hello, process")
	regions := []kernel.LoadRegion{
		{Data: data, Virt: vmm.VPage(16), Flags: vmm.Flags{Unprivileged: true}},
	}

	proc, st := k.LoadImage(regions, kernel.EntryPoint(0x1000), 2, nil)
	if st != kernel.Ok {
		t.Fatalf("LoadImage: %v", st)
	}
	if proc.Thread.State() != thread.StateSuspended {
		t.Fatalf("loaded process's thread state = %v, want Suspended", proc.Thread.State())
	}

	phys, ok := proc.Space.Translate(vmm.VPage(16))
	if !ok {
		t.Fatal("expected the loaded region's first page to translate")
	}
	var buf [len("hello, process")]byte
	if _, err := k.Arena.ReadAt(buf[:], phys); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:]) != string(data) {
		t.Fatalf("mapped page contents = %q, want %q", buf, data)
	}
}

func TestFutexWaitTimesOutWithoutWake(t *testing.T) {
	k := testKernel(t, 1)

	start := time.Now()
	st := k.FutexWait(0x1000, 30*time.Millisecond)
	if st != kernel.Timeout {
		t.Fatalf("FutexWait with no waker = %v, want Timeout", st)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("FutexWait returned before its timeout elapsed")
	}
}

func TestFutexWakeReleasesWaiter(t *testing.T) {
	k := testKernel(t, 1)

	done := make(chan kernel.Status, 1)
	go func() {
		done <- k.FutexWait(0x2000, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if n := k.FutexWake(0x2000, 1); n != 1 {
		t.Fatalf("FutexWake = %d, want 1", n)
	}

	select {
	case st := <-done:
		if st != kernel.Ok {
			t.Fatalf("FutexWait = %v, want Ok", st)
		}
	case <-time.After(time.Second):
		t.Fatal("FutexWait never returned after FutexWake")
	}
}

func TestFutexAssociateForwardsMessageArrival(t *testing.T) {
	k := testKernel(t, 1)
	a, b := k.ChannelCreatePair(4)
	defer a.Close()
	defer b.Close()

	const addr = 0x3000
	mon := k.FutexAssociate(addr, b, channel.EventMessageArrived, false)
	defer mon.Close()

	done := make(chan kernel.Status, 1)
	go func() {
		done <- k.FutexWait(addr, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	st := k.ChannelSend(a, &channel.Message{Body: []byte("wake up")}, channel.SendFlags{StartConversation: true}, 0)
	if st != kernel.Ok {
		t.Fatalf("ChannelSend = %v", st)
	}

	select {
	case st := <-done:
		if st != kernel.Ok {
			t.Fatalf("FutexWait = %v, want Ok after associated event fired", st)
		}
	case <-time.After(time.Second):
		t.Fatal("associated futex waiter never woke on message arrival")
	}
}

// fakeObserver counts events so tests can substitute it for the
// kernel's own Metrics through KernelConfig.Observer.
type fakeObserver struct {
	allocs   int
	frees    int
	switches int
	sends    int
	recvs    int
}

func (f *fakeObserver) ObserveAllocate(bytes uint64, success bool) { f.allocs++ }

func (f *fakeObserver) ObserveFree(bytes uint64) { f.frees++ }

func (f *fakeObserver) ObserveContextSwitch(cpuID int) { f.switches++ }

func (f *fakeObserver) ObserveChannelSend(bytes uint64, success bool) { f.sends++ }

func (f *fakeObserver) ObserveChannelReceive(bytes uint64, success bool) { f.recvs++ }

func TestConfiguredObserverReceivesKernelEvents(t *testing.T) {
	obs := &fakeObserver{}
	cfg := kernel.DefaultKernelConfig([]kernel.RegionConfig{{BasePage: 0, PageCount: 64}})
	cfg.Observer = obs
	k := kernel.Boot(cfg)
	t.Cleanup(k.Shutdown)

	a, b := k.ChannelCreatePair(4)
	defer a.Close()
	defer b.Close()

	if st := k.ChannelSend(a, &channel.Message{Body: []byte("x")}, channel.SendFlags{StartConversation: true}, 0); st != kernel.Ok {
		t.Fatalf("ChannelSend: %v", st)
	}
	if _, st := k.ChannelReceive(b, channel.ReceiveFlags{BodyBufferSize: 16, AttachmentsBufferSize: 4}, 0); st != kernel.Ok {
		t.Fatalf("ChannelReceive: %v", st)
	}
	if obs.sends != 1 || obs.recvs != 1 {
		t.Fatalf("observer saw sends=%d recvs=%d, want 1/1", obs.sends, obs.recvs)
	}

	regions := []kernel.LoadRegion{{Data: []byte("img"), Virt: vmm.VPage(8)}}
	if _, st := k.LoadImage(regions, 0, 1, nil); st != kernel.Ok {
		t.Fatalf("LoadImage: %v", st)
	}
	if obs.allocs != 2 {
		t.Fatalf("observer saw %d allocations, want 2 (image region + stack)", obs.allocs)
	}

	k.Scheduler.ImmediateSwitch(0)
	if obs.switches != 1 {
		t.Fatalf("observer saw %d context switches, want 1", obs.switches)
	}
}
