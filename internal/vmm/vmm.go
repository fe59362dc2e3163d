// Package vmm implements an address space: a root translation table
// plus a per-space virtual-range buddy allocator, the same buddy shape
// as internal/frame but keyed on virtual page number rather than
// physical frame. A recursive self-mapping page table is left
// unmodeled in favor of a fixed-offset flat table of tables.
package vmm

import (
	"container/list"
	"math/bits"
	"sync"

	"github.com/anillo-os/anillo-os-sub001/internal/frame"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
	"github.com/anillo-os/anillo-os-sub001/internal/waitq"
)

// VPage is a virtual page number.
type VPage uint64

// MaxOrder bounds the virtual buddy order ladder, same as internal/frame.
const MaxOrder = frame.MaxOrder

// PTEsPerTable is the simulated page-table fan-out: every PTEsPerTable
// consecutive virtual pages share one table frame, so mapping the first
// page in a run allocates a table frame and unmapping the last page in
// a run frees it, without modeling the real 4-level x86-64/aarch64
// hierarchy (pure ABI detail).
const PTEsPerTable = 512

// Flags are the leaf mapping attributes.
type Flags struct {
	Uncacheable  bool
	Unprivileged bool
}

type pte struct {
	frame frame.Block
	flags Flags
}

type tableEntry struct {
	blk      frame.Block
	refcount int
}

// TLBShootdownFunc invalidates a virtual range on every CPU the owning
// address space is active on. The real implementation is architecture
// assembly, an external collaborator; AddressSpace calls this hook
// around every broken entry instead.
type TLBShootdownFunc func(virt VPage, n uint32)

func noopShootdown(VPage, uint32) {}

type vregion struct {
	base      VPage
	pageCount uint32

	mu      sync.Mutex
	bitmap  []uint64
	buckets [MaxOrder + 1]list.List
}

// AddressSpace owns a root translation table and a virtual-range
// allocator.
type AddressSpace struct {
	mu     sync.Mutex // guards table + tables (the "root table" lock)
	table  map[VPage]pte
	tables map[VPage]*tableEntry

	frames    *frame.Allocator
	shootdown TLBShootdownFunc

	active       bool
	DestroyWaitQ waitq.Queue

	allocMu sync.Mutex
	regions []*vregion

	logger *logging.Logger
}

// NewAddressSpace creates an address space backed by frames, with no
// virtual regions registered yet.
func NewAddressSpace(frames *frame.Allocator) *AddressSpace {
	return &AddressSpace{
		table:     make(map[VPage]pte),
		tables:    make(map[VPage]*tableEntry),
		frames:    frames,
		shootdown: noopShootdown,
		logger:    logging.Default().WithComponent("vmm"),
	}
}

// SetShootdownFunc installs the TLB shootdown hook. Defaults to a no-op,
// appropriate for an address space that's never been swapped in.
func (as *AddressSpace) SetShootdownFunc(f TLBShootdownFunc) {
	if f == nil {
		f = noopShootdown
	}
	as.shootdown = f
}

func vorder(pages uint32) uint8 {
	if pages <= 1 {
		return 0
	}
	return uint8(bits.Len32(pages - 1))
}

// AddRegion registers [base, base+pageCount) as available virtual
// address space for this AddressSpace's allocator.
func (as *AddressSpace) AddRegion(base VPage, pageCount uint32) {
	r := &vregion{base: base, pageCount: pageCount, bitmap: make([]uint64, (pageCount+63)/64)}
	var off uint32
	for off < pageCount {
		remaining := pageCount - off
		k := vorder(remaining + 1)
		for (uint32(1) << k) > remaining {
			k--
		}
		for k > 0 && off&((1<<k)-1) != 0 {
			k--
		}
		r.buckets[k].PushBack(uint64(off))
		off += 1 << k
	}
	as.allocMu.Lock()
	as.regions = append(as.regions, r)
	as.allocMu.Unlock()
}

func vbitSet(bitmap []uint64, i uint32) bool { return bitmap[i/64]&(1<<(i%64)) != 0 }
func vbitOn(bitmap []uint64, i uint32)       { bitmap[i/64] |= 1 << (i % 64) }
func vbitOff(bitmap []uint64, i uint32)      { bitmap[i/64] &^= 1 << (i % 64) }

func vbucketRemove(l *list.List, val uint64) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) == val {
			l.Remove(e)
			return true
		}
	}
	return false
}

func (r *vregion) allocateLocked(k uint8) (VPage, bool) {
	j := k
	for j <= MaxOrder && r.buckets[j].Len() == 0 {
		j++
	}
	if j > MaxOrder {
		return 0, false
	}
	elem := r.buckets[j].Front()
	r.buckets[j].Remove(elem)
	off := elem.Value.(uint64)
	for j > k {
		j--
		r.buckets[j].PushBack(off + (uint64(1) << j))
	}
	for i := uint32(off); i < uint32(off)+(1<<k); i++ {
		vbitOn(r.bitmap, i)
	}
	return VPage(r.base) + VPage(off), true
}

func (r *vregion) freeLocked(base VPage, k uint8) {
	off := uint32(base - r.base)
	for i := off; i < off+(1<<k); i++ {
		vbitOff(r.bitmap, i)
	}
	for k < MaxOrder {
		buddyOff := off ^ (uint32(1) << k)
		if buddyOff+(1<<k) > r.pageCount {
			break
		}
		if !vbucketRemove(&r.buckets[k], uint64(buddyOff)) {
			break
		}
		if buddyOff < off {
			off = buddyOff
		}
		k++
	}
	r.buckets[k].PushBack(uint64(off))
}

func (as *AddressSpace) allocateVirtual(pages uint32) (VPage, status.Status) {
	k := vorder(pages)
	if k > MaxOrder {
		return 0, status.InvalidArgument
	}
	as.allocMu.Lock()
	defer as.allocMu.Unlock()
	for _, r := range as.regions {
		r.mu.Lock()
		v, ok := r.allocateLocked(k)
		r.mu.Unlock()
		if ok {
			return v, status.Ok
		}
	}
	return 0, status.ResourceExhausted
}

func (as *AddressSpace) freeVirtual(base VPage, pages uint32) {
	k := vorder(pages)
	as.allocMu.Lock()
	defer as.allocMu.Unlock()
	for _, r := range as.regions {
		if base >= r.base && base < r.base+VPage(r.pageCount) {
			r.mu.Lock()
			r.freeLocked(base, k)
			r.mu.Unlock()
			return
		}
	}
}

func tableIndex(v VPage) VPage { return v / PTEsPerTable }

// installLocked maps a single virtual page to blk, allocating its table
// frame on first use in that PTEsPerTable-sized run. Caller holds as.mu.
func (as *AddressSpace) installLocked(v VPage, blk frame.Block, flags Flags) status.Status {
	idx := tableIndex(v)
	t, ok := as.tables[idx]
	if !ok {
		tblBlk, st := as.frames.Allocate(1)
		if st != status.Ok {
			return status.ResourceExhausted
		}
		t = &tableEntry{blk: tblBlk}
		as.tables[idx] = t
	}
	if _, present := as.table[v]; !present {
		t.refcount++
	} else {
		as.breakEntryLocked(v)
	}
	as.table[v] = pte{frame: blk, flags: flags}
	return status.Ok
}

// breakEntryLocked invalidates an existing mapping before it's overwritten
// or removed: shoot down the TLB for that one page, then drop the entry.
// Caller holds as.mu.
func (as *AddressSpace) breakEntryLocked(v VPage) {
	if _, ok := as.table[v]; !ok {
		return
	}
	as.shootdown(v, 1)
	delete(as.table, v)
}

func (as *AddressSpace) uninstallLocked(v VPage) {
	as.breakEntryLocked(v)
	idx := tableIndex(v)
	t, ok := as.tables[idx]
	if !ok {
		return
	}
	t.refcount--
	if t.refcount <= 0 {
		as.frames.Free(t.blk)
		delete(as.tables, idx)
	}
}

// MapFixed installs mappings for blk's pages starting at virt, overwriting
// any existing mapping there. Rolls back everything it installed if a
// table frame can't be allocated partway through.
func (as *AddressSpace) MapFixed(blk frame.Block, virt VPage, flags Flags) status.Status {
	as.mu.Lock()
	defer as.mu.Unlock()

	n := blk.PageCount()
	var installed uint32
	for i := uint32(0); i < n; i++ {
		pageBlk := blk.SubPage(i)
		if st := as.installLocked(virt+VPage(i), pageBlk, flags); st != status.Ok {
			for j := uint32(0); j < installed; j++ {
				as.uninstallLocked(virt + VPage(j))
			}
			return status.ResourceExhausted
		}
		installed++
	}
	as.logger.Debug("map_fixed", "virt", virt, "pages", n)
	return status.Ok
}

// MapAny allocates n virtual pages (n = blk.PageCount()) and installs
// phys->virt mappings there, returning the chosen base.
func (as *AddressSpace) MapAny(blk frame.Block, flags Flags) (VPage, status.Status) {
	virt, st := as.allocateVirtual(blk.PageCount())
	if st != status.Ok {
		return 0, st
	}
	if st := as.MapFixed(blk, virt, flags); st != status.Ok {
		as.freeVirtual(virt, blk.PageCount())
		return 0, st
	}
	return virt, status.Ok
}

// Unmap breaks mappings for [virt, virt+n) and releases the virtual
// range, without freeing the backing frames; the caller still owns
// those.
func (as *AddressSpace) Unmap(virt VPage, n uint32) status.Status {
	as.mu.Lock()
	for i := uint32(0); i < n; i++ {
		as.uninstallLocked(virt + VPage(i))
	}
	as.mu.Unlock()
	as.freeVirtual(virt, n)
	return status.Ok
}

// Allocate reserves n virtual pages backed by freshly allocated frames.
func (as *AddressSpace) Allocate(n uint32, flags Flags) (VPage, status.Status) {
	blk, st := as.frames.Allocate(n)
	if st != status.Ok {
		return 0, st
	}
	virt, st := as.MapAny(blk, flags)
	if st != status.Ok {
		as.frames.Free(blk)
		return 0, st
	}
	return virt, status.Ok
}

// Free releases frames and virtual range for an Allocate'd mapping.
func (as *AddressSpace) Free(virt VPage, n uint32) status.Status {
	as.mu.Lock()
	var toFree []frame.Block
	for i := uint32(0); i < n; i++ {
		if p, ok := as.table[virt+VPage(i)]; ok {
			toFree = append(toFree, p.frame)
		}
		as.uninstallLocked(virt + VPage(i))
	}
	as.mu.Unlock()
	as.freeVirtual(virt, n)
	for _, blk := range toFree {
		as.frames.Free(blk)
	}
	return status.Ok
}

// Translate walks the space's table, returning ok=false if virt is
// unmapped.
func (as *AddressSpace) Translate(virt VPage) (phys int64, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, present := as.table[virt]
	if !present {
		return 0, false
	}
	return p.frame.Addr(), true
}

// SwapIn makes this space active on the current CPU, deactivating prev
// (which may be nil). Mirroring the root table into hardware is the
// out-of-scope ABI seam; here "mirroring" means flipping the active
// flag the root-table invariant tracks.
func (as *AddressSpace) SwapIn(prev *AddressSpace) {
	if prev != nil && prev != as {
		prev.mu.Lock()
		prev.active = false
		prev.mu.Unlock()
	}
	as.mu.Lock()
	as.active = true
	as.mu.Unlock()
}

// Active reports whether this space is the one currently mirrored into
// hardware on some CPU.
func (as *AddressSpace) Active() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.active
}
