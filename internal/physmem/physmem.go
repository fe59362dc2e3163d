// Package physmem simulates the physical memory this kernel core runs
// against: a single flat byte arena standing in for RAM, sharded under
// per-shard locks so concurrent frame regions do not serialize on each
// other's I/O. Frame bookkeeping (what's free, what's in use) lives one
// layer up in package frame; this package only knows how to move bytes.
package physmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ShardSize is the size of each locking shard (64KB): fine enough
// for page-sized (4KB) traffic to rarely collide across unrelated
// frames, coarse enough that the shard-mutex slice stays small even
// for large arenas.
const ShardSize = 64 * 1024

// PageSize is the hardware page size this simulation assumes throughout
// the frame/vmm/pool layers.
const PageSize = 4096

// Arena is a byte-addressable stand-in for physical RAM. Backed by an
// anonymous mmap when the host supports it (so the "physical memory"
// this kernel manages really is a distinct memory mapping rather than
// Go heap the GC can move or scan), falling back to a plain make([]byte)
// on hosts where the mapping can't be established (e.g. a restricted
// container without mmap permissions).
type Arena struct {
	data    []byte
	mmapped bool
	size    int64
	shards  []sync.RWMutex
}

// NewArena allocates an arena of the given size in bytes. size should be
// a multiple of PageSize; NewArena does not check it, and NumPages
// rounds any remainder down.
func NewArena(size int64) *Arena {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	a := &Arena{size: size, shards: make([]sync.RWMutex, numShards)}

	if size > 0 {
		data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err == nil {
			a.data = data
			a.mmapped = true
			return a
		}
	}
	a.data = make([]byte, size)
	return a
}

// Close releases the arena's backing mapping. Safe to call on a
// make([]byte)-backed arena (a no-op); callers that boot a Kernel for
// the lifetime of a test or process don't need to call this at all.
func (a *Arena) Close() error {
	if a.mmapped {
		err := unix.Munmap(a.data)
		a.mmapped = false
		a.data = nil
		return err
	}
	return nil
}

// Size returns the arena's total byte size.
func (a *Arena) Size() int64 { return a.size }

// NumPages returns the arena's size in PageSize units.
func (a *Arena) NumPages() uint64 { return uint64(a.size) / PageSize }

func (a *Arena) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(a.shards) {
		end = len(a.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// ReadAt copies bytes from the arena into p, the way io.ReaderAt does,
// except short reads past the end of the arena are a programming error
// here (frame.Allocator never hands out out-of-range frames).
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > a.size {
		return 0, fmt.Errorf("physmem: read [%d,%d) out of range (size %d)", off, off+int64(len(p)), a.size)
	}
	start, end := a.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		a.shards[i].RLock()
	}
	n := copy(p, a.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		a.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt copies bytes from p into the arena.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > a.size {
		return 0, fmt.Errorf("physmem: write [%d,%d) out of range (size %d)", off, off+int64(len(p)), a.size)
	}
	start, end := a.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		a.shards[i].Lock()
	}
	n := copy(a.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		a.shards[i].Unlock()
	}
	return n, nil
}

// Zero clears [off, off+length) to zero. The frame allocator does not
// call it on Free; freed frames keep their contents until overwritten.
func (a *Arena) Zero(off, length int64) error {
	if off < 0 || off+length > a.size {
		return fmt.Errorf("physmem: zero [%d,%d) out of range (size %d)", off, off+length, a.size)
	}
	start, end := a.shardRange(off, length)
	for i := start; i <= end; i++ {
		a.shards[i].Lock()
	}
	for i := off; i < off+length; i++ {
		a.data[i] = 0
	}
	for i := start; i <= end; i++ {
		a.shards[i].Unlock()
	}
	return nil
}
