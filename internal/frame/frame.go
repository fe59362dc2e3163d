// Package frame implements the kernel's physical frame allocator: a
// buddy allocator over one or more regions carved out of a
// physmem.Arena at boot. It owns the sole source of truth for which
// physical pages are in use; every page in a region is either
// free-and-linked-in-a-bucket or in-use, never both, never neither.
// Locking is per region, one region's lock held at a time, never
// nested, in place of a single global allocator lock.
package frame

import (
	"container/list"
	"math/bits"
	"sync"

	"github.com/anillo-os/anillo-os-sub001/internal/kpanic"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/physmem"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
)

// MaxOrder bounds the buddy order ladder: order k covers 2^k pages, so
// order 20 covers 2^20 pages (4GiB at a 4KiB page size), far beyond any
// single region this simulation is expected to carve.
const MaxOrder = 20

// Block is a contiguous, power-of-two-aligned span of frames handed out
// by Allocate. PageCount is always 1<<Order.
type Block struct {
	region    *Region
	BasePage  uint64 // absolute page number from the start of the region's arena
	Order     uint8
}

// PageCount returns the number of pages covered by the block.
func (b Block) PageCount() uint32 { return 1 << b.Order }

// Addr returns the byte offset of the block's first page within the
// region's backing arena.
func (b Block) Addr() int64 { return int64(b.BasePage) * physmem.PageSize }

// Region is one allocator-owned contiguous span of physical memory,
// created once at boot from a firmware-provided memory map and never
// destroyed.
type Region struct {
	arena     *physmem.Arena
	basePage  uint64
	pageCount uint32

	mu      sync.Mutex
	bitmap  []uint64 // relative-page in-use bitmap; bit set = in use
	buckets [MaxOrder + 1]list.List
}

// Allocator owns every Region and services allocate/free requests by
// walking regions in order, locking each in turn (waiting if it is
// held) and taking the first that can satisfy the request. A traversal holds at most one region's
// lock at a time, released before the next region's is taken.
type Allocator struct {
	regions []*Region
	logger  *logging.Logger
}

// NewAllocator creates an allocator with no regions; call AddRegion for
// each span of the firmware memory map before serving any Allocate call.
func NewAllocator() *Allocator {
	return &Allocator{logger: logging.Default().WithComponent("frame")}
}

func order(pages uint32) uint8 {
	if pages <= 1 {
		return 0
	}
	return uint8(bits.Len32(pages - 1))
}

// AddRegion registers a new region spanning [basePage, basePage+pageCount)
// of arena, carving it into the largest aligned power-of-two free blocks
// that cover it.
func (a *Allocator) AddRegion(arena *physmem.Arena, basePage uint64, pageCount uint32) *Region {
	r := &Region{
		arena:     arena,
		basePage:  basePage,
		pageCount: pageCount,
		bitmap:    make([]uint64, (pageCount+63)/64),
	}

	var off uint32
	for off < pageCount {
		remaining := pageCount - off
		// Largest order such that 2^k pages fit in what's left...
		k := order(remaining + 1)
		for (uint32(1) << k) > remaining {
			k--
		}
		// ...and the block starts aligned to its own size.
		for k > 0 && off&((1<<k)-1) != 0 {
			k--
		}
		r.buckets[k].PushBack(uint64(off))
		off += 1 << k
	}

	a.regions = append(a.regions, r)
	a.logger.Debug("region added", "base_page", basePage, "page_count", pageCount)
	return r
}

func bitSet(bitmap []uint64, i uint32) bool {
	return bitmap[i/64]&(1<<(i%64)) != 0
}

func bitSetOn(bitmap []uint64, i uint32)  { bitmap[i/64] |= 1 << (i % 64) }
func bitSetOff(bitmap []uint64, i uint32) { bitmap[i/64] &^= 1 << (i % 64) }

// allRangeClear reports whether every page in [off, off+count) is marked
// free in the bitmap, used to confirm a freshly-popped bucket entry
// really is free before handing it out (defense against bitmap/bucket
// drift, which would otherwise be silent corruption).
func allRangeClear(bitmap []uint64, off, count uint32) bool {
	for i := off; i < off+count; i++ {
		if bitSet(bitmap, i) {
			return false
		}
	}
	return true
}

// Allocate reserves the smallest power-of-two block that can hold pages
// contiguous pages, splitting surplus back into the free lists. Returns
// status.ResourceExhausted if no region can satisfy the request.
func (a *Allocator) Allocate(pages uint32) (Block, status.Status) {
	if pages == 0 {
		return Block{}, status.InvalidArgument
	}
	k := order(pages)
	if k > MaxOrder {
		return Block{}, status.InvalidArgument
	}

	for _, r := range a.regions {
		r.mu.Lock()
		blk, ok := r.allocateLocked(k)
		r.mu.Unlock()
		if ok {
			a.logger.Debug("allocated", "pages", pages, "order", k, "base_page", blk.BasePage)
			return blk, status.Ok
		}
	}
	return Block{}, status.ResourceExhausted
}

func (r *Region) allocateLocked(k uint8) (Block, bool) {
	j := k
	for j <= MaxOrder && r.buckets[j].Len() == 0 {
		j++
	}
	if j > MaxOrder {
		return Block{}, false
	}

	elem := r.buckets[j].Front()
	r.buckets[j].Remove(elem)
	off := elem.Value.(uint64)

	// Split surplus from the high end one order at a time until we're
	// down to exactly the requested order.
	for j > k {
		j--
		buddyOff := off + (uint64(1) << j)
		r.buckets[j].PushBack(buddyOff)
	}

	kpanic.Invariant(allRangeClear(r.bitmap, uint32(off), 1<<k),
		"frame block popped from free bucket has in-use pages (off=%d, count=%d)", off, 1<<k)
	for i := uint32(off); i < uint32(off)+(1<<k); i++ {
		bitSetOn(r.bitmap, i)
	}

	return Block{region: r, BasePage: r.basePage + off, Order: k}, true
}

// Free returns a block to its region's free lists, merging with its
// buddy at each order while the buddy is entirely free, widening the
// block to the lower of the two addresses each time.
func (a *Allocator) Free(b Block) {
	r := b.region
	r.mu.Lock()
	defer r.mu.Unlock()

	off := uint32(b.BasePage - r.basePage)
	k := b.Order
	for i := off; i < off+(1<<k); i++ {
		bitSetOff(r.bitmap, i)
	}

	for k < MaxOrder {
		buddyOff := off ^ (uint32(1) << k)
		if buddyOff+(1<<k) > r.pageCount {
			break
		}
		if !bucketRemove(&r.buckets[k], uint64(buddyOff)) {
			break
		}
		if buddyOff < off {
			off = buddyOff
		}
		k++
	}
	r.buckets[k].PushBack(uint64(off))
	a.logger.Debug("freed", "order", b.Order, "merged_order", k)
}

// bucketRemove removes the element with the given value from l, if
// present, reporting whether it found one.
func bucketRemove(l *list.List, val uint64) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) == val {
			l.Remove(e)
			return true
		}
	}
	return false
}

// Arena returns the backing physmem.Arena for a block's region, letting
// callers (pool, vmm) read/write the frame's bytes.
func (b Block) Arena() *physmem.Arena { return b.region.arena }

// SubPage returns the single-page (order-0) block for the i'th page
// within b, for callers (vmm) that map a multi-page block one page at a
// time. i must be < b.PageCount().
func (b Block) SubPage(i uint32) Block {
	kpanic.Invariant(i < b.PageCount(), "SubPage index %d out of range for %d-page block", i, b.PageCount())
	return Block{region: b.region, BasePage: b.BasePage + uint64(i), Order: 0}
}
