package frame

import (
	"testing"

	"github.com/anillo-os/anillo-os-sub001/internal/physmem"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
)

func bucketLens(r *Region) [MaxOrder + 1]int {
	var out [MaxOrder + 1]int
	for i := range r.buckets {
		out[i] = r.buckets[i].Len()
	}
	return out
}

// TestBuddySplitMergeRoundTrip allocates 1 page from a fresh 8-page
// region, verifies the 7 remaining pages sit as one block each at
// orders 0, 1, and 2, frees it, and verifies the region collapses back
// to a single order-3 block.
func TestBuddySplitMergeRoundTrip(t *testing.T) {
	arena := physmem.NewArena(8 * physmem.PageSize)
	a := NewAllocator()
	r := a.AddRegion(arena, 0, 8)

	lens := bucketLens(r)
	if lens[3] != 1 {
		t.Fatalf("fresh region bucket lens = %v, want single order-3 block", lens)
	}

	blk, st := a.Allocate(1)
	if st != status.Ok {
		t.Fatalf("Allocate(1) status = %v, want Ok", st)
	}
	if blk.Order != 0 {
		t.Fatalf("Allocate(1) order = %d, want 0", blk.Order)
	}

	lens = bucketLens(r)
	if lens[0] != 1 || lens[1] != 1 || lens[2] != 1 || lens[3] != 0 {
		t.Fatalf("after alloc, bucket lens = %v, want orders 0, 1, and 2 each holding one block", lens)
	}

	a.Free(blk)

	lens = bucketLens(r)
	if lens[3] != 1 {
		t.Fatalf("after free, bucket lens = %v, want region to collapse to one order-3 block", lens)
	}
	for i, n := range lens {
		if i != 3 && n != 0 {
			t.Errorf("bucket %d has %d entries after merge, want 0", i, n)
		}
	}
}

func TestAllocateExhaustsRegion(t *testing.T) {
	arena := physmem.NewArena(4 * physmem.PageSize)
	a := NewAllocator()
	a.AddRegion(arena, 0, 4)

	blk, st := a.Allocate(4)
	if st != status.Ok {
		t.Fatalf("Allocate(4) status = %v, want Ok", st)
	}

	if _, st := a.Allocate(1); st != status.ResourceExhausted {
		t.Errorf("Allocate(1) after exhausting region = %v, want ResourceExhausted", st)
	}

	a.Free(blk)
	if _, st := a.Allocate(4); st != status.Ok {
		t.Errorf("Allocate(4) after free = %v, want Ok", st)
	}
}

func TestAllocateZeroIsInvalidArgument(t *testing.T) {
	a := NewAllocator()
	if _, st := a.Allocate(0); st != status.InvalidArgument {
		t.Errorf("Allocate(0) = %v, want InvalidArgument", st)
	}
}

func TestAllocatedPagesAreDisjoint(t *testing.T) {
	arena := physmem.NewArena(16 * physmem.PageSize)
	a := NewAllocator()
	a.AddRegion(arena, 0, 16)

	seen := map[uint64]bool{}
	var blocks []Block
	for i := 0; i < 8; i++ {
		blk, st := a.Allocate(2)
		if st != status.Ok {
			t.Fatalf("Allocate(2) #%d status = %v", i, st)
		}
		for p := blk.BasePage; p < blk.BasePage+uint64(blk.PageCount()); p++ {
			if seen[p] {
				t.Fatalf("page %d double-allocated", p)
			}
			seen[p] = true
		}
		blocks = append(blocks, blk)
	}
	for _, blk := range blocks {
		a.Free(blk)
	}
}
