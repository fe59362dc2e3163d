package ringbuf

import (
	"testing"

	"github.com/anillo-os/anillo-os-sub001/internal/status"
)

func TestNewRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	q := New[int](5)
	if q.Cap() != 8 {
		t.Fatalf("Cap() = %d, want 8", q.Cap())
	}
}

func TestPushPopFIFOOrder(t *testing.T) {
	q := New[int](4)
	for i := 1; i <= 4; i++ {
		if st := q.Push(i); st != status.Ok {
			t.Fatalf("Push(%d) = %v", i, st)
		}
	}
	for i := 1; i <= 4; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("Pop() = (%d, %v), want (%d, true)", v, ok, i)
		}
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	if st := q.Push(3); st != status.ResourceExhausted {
		t.Fatalf("Push on a full queue = %v, want ResourceExhausted", st)
	}
}

func TestPopOnEmptyReturnsFalse(t *testing.T) {
	q := New[int](2)
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on an empty queue should return ok=false")
	}
}

func TestWrapsAroundCorrectly(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	q.Pop()
	q.Push(3) // wraps: head=1,tail=2 -> push at index (2&1)=0
	v, _ := q.Pop()
	if v != 2 {
		t.Fatalf("Pop() = %d, want 2", v)
	}
	v, _ = q.Pop()
	if v != 3 {
		t.Fatalf("Pop() = %d, want 3", v)
	}
}

func TestPeekDoesNotDequeue(t *testing.T) {
	q := New[int](2)
	q.Push(42)
	v, ok := q.Peek()
	if !ok || v != 42 {
		t.Fatalf("Peek() = (%d, %v), want (42, true)", v, ok)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() after Peek = %d, want 1", q.Len())
	}
}

func TestDrainEmptiesQueueInOrder(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	got := q.Drain()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Drain()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", q.Len())
	}
}
