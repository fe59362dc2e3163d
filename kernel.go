// Package kernel assembles the memory, threading, and channel
// subsystems into one bootable unit and exposes the syscall-surface
// facade external callers (and test scenarios) use: Kernel bundles a
// physical arena, frame allocator, scheduler, and thread registry
// behind Boot.
package kernel

import (
	"github.com/anillo-os/anillo-os-sub001/internal/frame"
	"github.com/anillo-os/anillo-os-sub001/internal/interfaces"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/physmem"
	"github.com/anillo-os/anillo-os-sub001/internal/sched"
	"github.com/anillo-os/anillo-os-sub001/internal/thread"
)

// RegionConfig describes one physical memory region to hand the frame
// allocator at boot: a page offset into the arena and a page count.
type RegionConfig struct {
	BasePage  uint64
	PageCount uint32
}

// KernelConfig is a flat struct of tunables callers override
// field-by-field, with a constructor supplying sane defaults.
type KernelConfig struct {
	// ArenaSize is the total simulated physical memory in bytes.
	ArenaSize int64

	// Regions are the physical page ranges handed to the frame
	// allocator. Most callers pass a single region spanning the whole
	// arena; multiple regions simulate discontiguous RAM.
	Regions []RegionConfig

	// NumCPUs is the number of scheduler workers to create.
	NumCPUs int

	// ChannelQueueDepth is the default bound on a channel endpoint's
	// pending-message queue.
	ChannelQueueDepth uint32

	// Logger receives every subsystem's log output. Defaults to
	// logging.Default() if nil.
	Logger *logging.Logger

	// Observer receives syscall outcomes, loader allocations, and
	// scheduler switches. Nil means the kernel's own Metrics; tests
	// substitute fakes here.
	Observer interfaces.Observer
}

// DefaultKernelConfig returns a KernelConfig with sane defaults for the
// given regions, callers needing non-default sizing or CPU count
// override fields on the returned value before calling Boot.
func DefaultKernelConfig(regions []RegionConfig) KernelConfig {
	var arenaSize int64
	for _, r := range regions {
		end := (r.BasePage + uint64(r.PageCount)) * physmem.PageSize
		if int64(end) > arenaSize {
			arenaSize = int64(end)
		}
	}
	return KernelConfig{
		ArenaSize:         arenaSize,
		Regions:           regions,
		NumCPUs:           1,
		ChannelQueueDepth: 128,
		Logger:            logging.Default(),
	}
}

// Kernel is the assembled, running instance: a physical arena and
// frame allocator, a scheduler with its CPUs, and the thread registry
// issuing handles for every created thread.
type Kernel struct {
	cfg KernelConfig

	Arena     *physmem.Arena
	Frames    *frame.Allocator
	Scheduler *sched.Scheduler
	Threads   *thread.Registry

	Metrics *Metrics
	obs     interfaces.Observer

	futex *FutexTable

	logger *logging.Logger
}

// Boot assembles a Kernel from cfg: creates the physical arena, adds
// every configured region to the frame allocator, and creates the
// scheduler's CPUs. No CPU worker goroutines are started; callers
// start them with StartCPU (or rely on ImmediateSwitch's synchronous
// dispatch in single-threaded tests).
func Boot(cfg KernelConfig) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	arena := physmem.NewArena(cfg.ArenaSize)
	frames := frame.NewAllocator()
	for _, r := range cfg.Regions {
		frames.AddRegion(arena, r.BasePage, r.PageCount)
	}

	numCPUs := cfg.NumCPUs
	if numCPUs < 1 {
		numCPUs = 1
	}

	k := &Kernel{
		cfg:       cfg,
		Arena:     arena,
		Frames:    frames,
		Scheduler: sched.New(numCPUs),
		Threads:   &thread.Registry{},
		Metrics:   NewMetrics(),
		futex:     newFutexTable(),
		logger:    logger.WithComponent("kernel"),
	}
	k.obs = cfg.Observer
	if k.obs == nil {
		k.obs = k.Metrics
	}
	k.Scheduler.SetSwitchObserver(k.obs.ObserveContextSwitch)

	k.logger.Info("kernel booted", "arena_bytes", cfg.ArenaSize, "cpus", numCPUs, "regions", len(cfg.Regions))
	return k
}

// Shutdown stops every scheduler CPU worker goroutine started via
// StartCPU. Safe to call even if no workers were started.
func (k *Kernel) Shutdown() {
	for i := 0; i < k.Scheduler.NumCPUs(); i++ {
		k.Scheduler.StopCPU(i)
	}
	k.logger.Info("kernel shutdown")
}
