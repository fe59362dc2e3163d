package kernel

import (
	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/frame"
	"github.com/anillo-os/anillo-os-sub001/internal/physmem"
	"github.com/anillo-os/anillo-os-sub001/internal/pool"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/thread"
	"github.com/anillo-os/anillo-os-sub001/internal/vmm"
)

// EntryPoint is the initial register-context value process_create's
// loader hands the new thread: a program counter on aarch64, or the
// return address pushed onto the initial RSP on x86-64. Interpreting
// it as executable code is the ABI-specific trampoline, an external
// collaborator; this module only carries the value through as metadata
// on the Process it creates.
type EntryPoint uint64

// LoadRegion is one (source bytes, virtual destination) pair the
// loader copies into a new process's address space before its main
// thread is resumed.
type LoadRegion struct {
	Data  []byte
	Virt  vmm.VPage
	Flags vmm.Flags
}

// BinaryChannelIndex is the fixed descriptor index every new process
// inherits its binary channel at, the one capability a freshly loaded
// image starts with, before it can ask the kernel for anything else.
const BinaryChannelIndex = 0

// Process bundles what process_create hands back: the new address
// space, a memory pool layered on it, the main thread (and its
// registry handle), the entry value the loader recorded, and the
// inherited binary channel endpoint.
type Process struct {
	Space  *vmm.AddressSpace
	Pool   *pool.Pool
	Thread *thread.Thread
	Handle thread.Handle
	Entry  EntryPoint
	Binary *channel.Endpoint
}

// VirtualArenaPages is how many virtual pages above a loaded image's
// high-water mark are handed to the address space's general allocator
// (the range Pool.Allocate and AddressSpace.Allocate draw from).
const VirtualArenaPages = 1 << 20

func pagesFor(nbytes int) uint32 {
	if nbytes <= 0 {
		return 1
	}
	return uint32((nbytes + physmem.PageSize - 1) / physmem.PageSize)
}

// LoadImage is the process-binary entry path: it creates a fresh
// address space wired to this kernel's frame allocator and TLB
// shootdown hook, copies each region's bytes into freshly allocated
// frames mapped at its destination virtual address, reserves a stack,
// creates the main thread (Suspended, the caller resumes it once
// ready), and records binary as the process's inherited descriptor.
func (k *Kernel) LoadImage(regions []LoadRegion, entry EntryPoint, stackPages uint32, binary *channel.Endpoint) (*Process, Status) {
	as := vmm.NewAddressSpace(k.Frames)
	as.SetShootdownFunc(k.Scheduler.Shootdown())

	var highPage vmm.VPage
	type mapped struct {
		region LoadRegion
		blk    frame.Block
	}
	var installed []mapped
	rollback := func() {
		for _, m := range installed {
			as.Unmap(m.region.Virt, pagesFor(len(m.region.Data)))
			k.Frames.Free(m.blk)
			k.obs.ObserveFree(uint64(m.blk.PageCount()) * physmem.PageSize)
		}
	}

	for _, r := range regions {
		pages := pagesFor(len(r.Data))
		blk, st := k.Frames.Allocate(pages)
		k.obs.ObserveAllocate(uint64(pages)*physmem.PageSize, st == status.Ok)
		if st != status.Ok {
			rollback()
			return nil, st
		}
		if _, err := blk.Arena().WriteAt(r.Data, blk.Addr()); err != nil {
			k.Frames.Free(blk)
			rollback()
			return nil, status.InvalidArgument
		}
		if st := as.MapFixed(blk, r.Virt, r.Flags); st != status.Ok {
			k.Frames.Free(blk)
			rollback()
			return nil, st
		}
		installed = append(installed, mapped{region: r, blk: blk})
		if end := r.Virt + vmm.VPage(pages); end > highPage {
			highPage = end
		}
	}

	as.AddRegion(highPage, VirtualArenaPages)
	pl := pool.NewPool(as, k.Arena)

	stackVirt, st := as.Allocate(stackPages, vmm.Flags{Unprivileged: true})
	k.obs.ObserveAllocate(uint64(stackPages)*physmem.PageSize, st == status.Ok)
	if st != status.Ok {
		rollback()
		return nil, st
	}

	th := thread.New(uintptr(stackVirt)*physmem.PageSize, uintptr(stackPages)*physmem.PageSize, k.onThreadZero)
	handle := k.Threads.Insert(th)

	k.logger.Info("process loaded", "entry", entry, "regions", len(regions), "stack_pages", stackPages)

	return &Process{
		Space:  as,
		Pool:   pl,
		Thread: th,
		Handle: handle,
		Entry:  entry,
		Binary: binary,
	}, status.Ok
}
