// Package pool implements the kernel's memory pool: a
// size-class-indexed free-list allocator layered over an
// internal/vmm.AddressSpace, serving arbitrarily sized kernel objects
// the way internal/frame serves whole pages. Power-of-two classes run
// from 16 bytes through one page, each carved from page-backed slabs,
// plus a large-allocation path that bypasses slabs entirely.
package pool

import (
	"sync"

	"github.com/anillo-os/anillo-os-sub001/internal/interfaces"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/physmem"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/vmm"
)

const (
	minClassShift = 4  // smallest class: 16 bytes
	maxClassShift = 12 // largest class: one page (physmem.PageSize); bigger requests bypass slabs
	numClasses    = maxClassShift - minClassShift + 1
)

// Flags are the allocate/reallocate option bits. PhysicallyContiguous
// and Prebound are mutually exclusive.
type Flags struct {
	PhysicallyContiguous bool
	Prebound             bool
}

func classShiftFor(nbytes uint64, alignPower uint8) (uint8, bool) {
	needed := uint8(minClassShift)
	for needed < maxClassShift && (uint64(1)<<needed) < nbytes {
		needed++
	}
	if alignPower > needed {
		needed = alignPower
	}
	if needed > maxClassShift || (uint64(1)<<needed) < nbytes {
		return 0, false
	}
	return needed, true
}

func boundaryOK(needed, boundaryPower uint8) bool {
	switch {
	case boundaryPower == 0:
		return true // a 1-byte boundary can never be crossed
	case boundaryPower > 63:
		return true // >63 means no boundary constraint
	default:
		return boundaryPower >= needed
	}
}

type slab struct {
	base     vmm.VPage
	classIdx int
	slotSize uint64
	free     []uint32 // free slot indices, LIFO
	inUse    int
}

type allocation struct {
	large    bool
	slab     *slab
	slot     uint32
	classIdx int
	baseAddr uint64
	size     uint64
	pages    uint32 // only meaningful when large
}

// Pool is a memory pool over one address space. mem is the physical
// backing store used only to copy bytes during Reallocate; both the
// virtual and physical halves of every mapping this pool makes are
// contiguous by construction (internal/vmm.MapAny assigns consecutive
// pages), so a single linear translation suffices across an entire
// allocation regardless of how many pages it spans.
type Pool struct {
	mu      sync.Mutex
	as      *vmm.AddressSpace
	mem     interfaces.PhysicalMemory
	classes [numClasses][]*slab
	live    map[uint64]*allocation
	logger  *logging.Logger
}

// NewPool creates a pool layered over as, using mem (typically a
// physmem.Arena, a fake in tests) for the byte copies Reallocate
// needs.
func NewPool(as *vmm.AddressSpace, mem interfaces.PhysicalMemory) *Pool {
	return &Pool{
		as:     as,
		mem:    mem,
		live:   make(map[uint64]*allocation),
		logger: logging.Default().WithComponent("pool"),
	}
}

func classIndex(shift uint8) int { return int(shift) - minClassShift }

// Allocate reserves at least nbytes, aligned to 2^alignPower and not
// crossing any 2^boundaryAlignPower boundary, returning the address and
// the actual byte count granted (>= nbytes).
func (p *Pool) Allocate(nbytes uint64, alignPower, boundaryAlignPower uint8, flags Flags) (uint64, uint64, status.Status) {
	if flags.PhysicallyContiguous && flags.Prebound {
		return 0, 0, status.InvalidArgument
	}
	if nbytes == 0 {
		return 0, 0, status.InvalidArgument
	}

	needed, ok := classShiftFor(nbytes, alignPower)
	if !ok {
		return p.allocateLarge(nbytes, alignPower, boundaryAlignPower)
	}
	if !boundaryOK(needed, boundaryAlignPower) {
		return 0, 0, status.InvalidArgument
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := classIndex(needed)
	slotSize := uint64(1) << needed

	for _, s := range p.classes[idx] {
		if len(s.free) > 0 {
			addr, st := p.takeSlotLocked(s)
			return addr, slotSize, st
		}
	}

	s, st := p.newSlabLocked(idx, needed)
	if st != status.Ok {
		return 0, 0, st
	}
	addr, st := p.takeSlotLocked(s)
	return addr, slotSize, st
}

func (p *Pool) newSlabLocked(idx int, shift uint8) (*slab, status.Status) {
	virt, st := p.as.Allocate(1, vmm.Flags{})
	if st != status.Ok {
		return nil, st
	}
	slotSize := uint64(1) << shift
	slotsPerPage := physmem.PageSize / int64(slotSize)

	s := &slab{base: virt, classIdx: idx, slotSize: slotSize}
	for i := int64(0); i < slotsPerPage; i++ {
		s.free = append(s.free, uint32(i))
	}
	p.classes[idx] = append(p.classes[idx], s)
	return s, status.Ok
}

func (p *Pool) takeSlotLocked(s *slab) (uint64, status.Status) {
	n := len(s.free)
	slot := s.free[n-1]
	s.free = s.free[:n-1]
	s.inUse++

	addr := uint64(s.base)*uint64(physmem.PageSize) + uint64(slot)*s.slotSize
	p.live[addr] = &allocation{slab: s, slot: slot, classIdx: s.classIdx, baseAddr: addr, size: s.slotSize}
	return addr, status.Ok
}

func (p *Pool) allocateLarge(nbytes uint64, alignPower, boundaryAlignPower uint8) (uint64, uint64, status.Status) {
	pages := uint32((nbytes + physmem.PageSize - 1) / physmem.PageSize)
	needed := uint8(0)
	for (uint64(1) << needed) < uint64(pages)*physmem.PageSize {
		needed++
	}
	if alignPower > needed {
		needed = alignPower
	}
	if !boundaryOK(needed, boundaryAlignPower) {
		return 0, 0, status.InvalidArgument
	}

	virt, st := p.as.Allocate(pages, vmm.Flags{})
	if st != status.Ok {
		return 0, 0, st
	}

	p.mu.Lock()
	addr := uint64(virt) * uint64(physmem.PageSize)
	p.live[addr] = &allocation{large: true, baseAddr: addr, size: uint64(pages) * physmem.PageSize, pages: pages}
	p.mu.Unlock()

	return addr, uint64(pages) * physmem.PageSize, status.Ok
}

// Free releases an allocation made by Allocate or Reallocate. Freeing
// an unknown address is a caller bug: every free must match a prior
// allocate, so this reports InvalidArgument rather than silently
// succeeding.
func (p *Pool) Free(addr uint64) status.Status {
	p.mu.Lock()
	a, ok := p.live[addr]
	if !ok {
		p.mu.Unlock()
		return status.InvalidArgument
	}
	delete(p.live, addr)

	if a.large {
		p.mu.Unlock()
		return p.as.Free(vmm.VPage(addr/physmem.PageSize), a.pages)
	}

	s := a.slab
	s.free = append(s.free, a.slot)
	s.inUse--
	var drain *slab
	if s.inUse == 0 {
		drain = s
		classes := p.classes[s.classIdx]
		for i, cand := range classes {
			if cand == s {
				p.classes[s.classIdx] = append(classes[:i], classes[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if drain != nil {
		return p.as.Free(drain.base, 1)
	}
	return status.Ok
}

// Reallocate grows or shrinks an existing allocation, copying the
// overlapping prefix of bytes. addr==0 behaves exactly like Allocate.
func (p *Pool) Reallocate(addr uint64, newBytes uint64, alignPower, boundaryAlignPower uint8, flags Flags) (uint64, uint64, status.Status) {
	if addr == 0 {
		return p.Allocate(newBytes, alignPower, boundaryAlignPower, flags)
	}

	p.mu.Lock()
	a, ok := p.live[addr]
	p.mu.Unlock()
	if !ok {
		return 0, 0, status.InvalidArgument
	}

	newAddr, newSize, st := p.Allocate(newBytes, alignPower, boundaryAlignPower, flags)
	if st != status.Ok {
		return 0, 0, st
	}

	n := a.size
	if newSize < n {
		n = newSize
	}
	if err := p.copyBytes(newAddr, addr, n); err != nil {
		p.logger.Warn("reallocate copy failed", "err", err)
	}

	p.Free(addr)
	return newAddr, newSize, status.Ok
}

func (p *Pool) physOffset(addr uint64) (int64, bool) {
	base := vmm.VPage(addr / physmem.PageSize)
	pageOff := addr % physmem.PageSize
	phys, ok := p.as.Translate(base)
	if !ok {
		return 0, false
	}
	return phys + int64(pageOff), true
}

func (p *Pool) copyBytes(dstAddr, srcAddr uint64, n uint64) error {
	if n == 0 {
		return nil
	}
	srcOff, ok := p.physOffset(srcAddr)
	if !ok {
		return status.New("pool.copyBytes", status.NoSuchResource, "source address unmapped")
	}
	dstOff, ok := p.physOffset(dstAddr)
	if !ok {
		return status.New("pool.copyBytes", status.NoSuchResource, "destination address unmapped")
	}
	buf := make([]byte, n)
	if _, err := p.mem.ReadAt(buf, srcOff); err != nil {
		return err
	}
	_, err := p.mem.WriteAt(buf, dstOff)
	return err
}
