// Package sched implements the kernel's per-CPU scheduler: one run
// queue and one armed quantum timer per CPU, with immediate, delayed,
// and bootstrap switch paths. Each simulated CPU's scheduling
// goroutine pins itself to one OS thread with runtime.LockOSThread and
// an optional CPU affinity mask before entering its loop.
package sched

import (
	"container/list"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/thread"
	"github.com/anillo-os/anillo-os-sub001/internal/vmm"
)

// DefaultQuantum is how long a thread runs before the per-CPU timer
// requests the next switch. There's no voluntary-yield primitive;
// yielding is done by blocking on a timer.
const DefaultQuantum = 10 * time.Millisecond

// CPU is one simulated processor: current/idle thread, run queue, and
// the armed quantum timer every switch path re-arms.
type CPU struct {
	id int

	mu       sync.Mutex
	current  *thread.Thread
	idle     *thread.Thread
	runQueue list.List

	quantum time.Duration
	timer   *time.Timer

	wake chan struct{}
	stop chan struct{}
}

// Scheduler owns one CPU struct per simulated processor.
type Scheduler struct {
	cpus     []*CPU
	onSwitch func(cpuID int)
	logger   *logging.Logger
}

// New creates a scheduler with n CPUs, each with its own idle thread
// and a DefaultQuantum preemption timer.
func New(n int) *Scheduler {
	s := &Scheduler{logger: logging.Default().WithComponent("sched")}
	for i := 0; i < n; i++ {
		cpu := &CPU{
			id:      i,
			idle:    thread.New(0, 0, nil),
			quantum: DefaultQuantum,
			wake:    make(chan struct{}, 1),
			stop:    make(chan struct{}),
		}
		cpu.idle.Resume()
		s.cpus = append(s.cpus, cpu)
	}
	return s
}

// NumCPUs returns the number of simulated CPUs.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// SetSwitchObserver installs a hook invoked after every dispatch,
// typically an Observer's ObserveContextSwitch. Install before any CPU
// starts; the hook is read without synchronization once loops run.
func (s *Scheduler) SetSwitchObserver(fn func(cpuID int)) {
	s.onSwitch = fn
}

// Enqueue adds th to cpuID's run queue and wakes that CPU's scheduling
// loop if it's idle-waiting.
func (s *Scheduler) Enqueue(cpuID int, th *thread.Thread) status.Status {
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return status.InvalidArgument
	}
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	cpu.runQueue.PushBack(th)
	idleWaiting := cpu.current == cpu.idle
	cpu.mu.Unlock()

	if idleWaiting {
		select {
		case cpu.wake <- struct{}{}:
		default:
		}
	}
	return status.Ok
}

// Current returns the thread currently dispatched on cpuID, or nil if
// that CPU is running its idle thread.
func (s *Scheduler) Current(cpuID int) *thread.Thread {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if cpu.current == cpu.idle {
		return nil
	}
	return cpu.current
}

func (cpu *CPU) popNextLocked() *thread.Thread {
	e := cpu.runQueue.Front()
	if e == nil {
		return cpu.idle
	}
	cpu.runQueue.Remove(e)
	return e.Value.(*thread.Thread)
}

func (cpu *CPU) armTimerLocked() {
	if cpu.timer != nil {
		cpu.timer.Stop()
	}
	w := cpu.wake
	cpu.timer = time.AfterFunc(cpu.quantum, func() {
		select {
		case w <- struct{}{}:
		default:
		}
	})
}

// ImmediateSwitch performs a voluntary switch: the
// outgoing thread's context is already durable in *thread.Thread (there
// is no separate register-save step in a hosted simulation), the next
// runnable thread is dispatched, and the quantum timer is re-armed.
// Returns the thread that is now current on cpuID.
func (s *Scheduler) ImmediateSwitch(cpuID int) (*thread.Thread, status.Status) {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	next := cpu.popNextLocked()
	cpu.current = next
	cpu.armTimerLocked()
	cpu.mu.Unlock()

	if next != cpu.idle {
		next.Resume()
	}
	if s.onSwitch != nil {
		s.onSwitch(cpuID)
	}
	return next, status.Ok
}

// DelayedSwitch performs an interrupt-context switch: on real hardware
// the handler patches an interrupt frame already on the stack rather
// than saving a fresh one. A hosted simulation has no interrupt frame
// to patch, so the net effect on CPU state is identical to
// ImmediateSwitch; the distinction is pure architecture-ABI detail.
func (s *Scheduler) DelayedSwitch(cpuID int) (*thread.Thread, status.Status) {
	return s.ImmediateSwitch(cpuID)
}

// BootstrapSwitch performs the very first switch on a CPU with no
// current thread yet. Calling it once a CPU already has a current
// thread is a caller bug.
func (s *Scheduler) BootstrapSwitch(cpuID int) (*thread.Thread, status.Status) {
	cpu := s.cpus[cpuID]
	cpu.mu.Lock()
	if cpu.current != nil {
		cpu.mu.Unlock()
		return nil, status.AlreadyInProgress
	}
	cpu.mu.Unlock()
	return s.ImmediateSwitch(cpuID)
}

// StartCPU launches the goroutine standing in for a physical CPU's
// scheduling loop: pinned to one OS thread with optional CPU affinity.
// osCPU<0 leaves affinity unset.
func (s *Scheduler) StartCPU(cpuID int, osCPU int) {
	cpu := s.cpus[cpuID]
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if osCPU >= 0 {
			var mask unix.CPUSet
			mask.Set(osCPU)
			if err := unix.SchedSetaffinity(0, &mask); err != nil {
				s.logger.Warn("failed to set CPU affinity", "cpu", cpuID, "os_cpu", osCPU, "err", err)
			}
		}

		s.BootstrapSwitch(cpuID)
		for {
			select {
			case <-cpu.stop:
				return
			case <-cpu.wake:
				s.ImmediateSwitch(cpuID)
			}
		}
	}()
}

// StopCPU halts cpuID's scheduling loop goroutine.
func (s *Scheduler) StopCPU(cpuID int) {
	close(s.cpus[cpuID].stop)
}

// Shootdown returns a vmm.TLBShootdownFunc suitable for installing on
// every address space this scheduler manages. It stands in for
// broadcasting an inter-processor interrupt to every CPU running the
// target space. This simulation has no per-CPU TLB cache to actually
// invalidate, so the hook's only observable effect is the log line.
func (s *Scheduler) Shootdown() vmm.TLBShootdownFunc {
	return func(virt vmm.VPage, n uint32) {
		s.logger.Debug("tlb shootdown", "virt", virt, "pages", n, "cpus", len(s.cpus))
	}
}
