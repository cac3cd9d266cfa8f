package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/cloudwego/framekit/container/ilist"
)

const (
	// DefaultMaxOrder is the default number of orders, blocks span 1 to 2^14 objects.
	DefaultMaxOrder = 15

	// MaxOrderLimit is the largest supported max order, bounded by the width of int.
	MaxOrderLimit = bits.UintSize - 1
)

// BuddyAllocator is a buddy system allocator over a caller supplied slice of objects.
//
// A block of order k is 2^k contiguous objects starting at an index that is a multiple
// of 2^k, and is represented by its first object. Handles are indices into the slice.
// The allocator never allocates per-object memory and never owns the slice; it only
// mutates the objects' state. It is not safe for concurrent use.
type BuddyAllocator[T any, P Object[T]] struct {
	// objs is the borrowed backing slice.
	objs []T

	maxOrder int

	// freeLists[o] links the representatives of free blocks of order o.
	freeLists []ilist.List[T, P]
	// freeCounts[o] is always the length of freeLists[o].
	freeCounts []int
	// avail has bit o set iff freeCounts[o] > 0.
	avail uint64
}

// NewBuddyAllocator creates a buddy allocator over objs with DefaultMaxOrder.
func NewBuddyAllocator[T any, P Object[T]](objs []T) (*BuddyAllocator[T, P], error) {
	return NewBuddyAllocatorWithMaxOrder[T, P](objs, DefaultMaxOrder)
}

// NewBuddyAllocatorWithMaxOrder creates a buddy allocator over objs serving orders
// in [0, maxOrder). len(objs) need not be a power of two.
func NewBuddyAllocatorWithMaxOrder[T any, P Object[T]](objs []T, maxOrder int) (*BuddyAllocator[T, P], error) {
	if len(objs) == 0 {
		return nil, fmt.Errorf("buddy: no objects to manage")
	}
	if maxOrder < 1 || maxOrder > MaxOrderLimit {
		return nil, fmt.Errorf("buddy: maxOrder must be in [1, %d], got %d", MaxOrderLimit, maxOrder)
	}
	a := &BuddyAllocator[T, P]{
		objs:       objs,
		maxOrder:   maxOrder,
		freeLists:  make([]ilist.List[T, P], maxOrder),
		freeCounts: make([]int, maxOrder),
	}
	a.Reset()
	return a, nil
}

// Reset returns every object to the free lists, as right after construction.
// All outstanding handles become invalid.
func (a *BuddyAllocator[T, P]) Reset() {
	for o := range a.freeLists {
		a.freeLists[o].Init(a.objs)
		a.freeCounts[o] = 0
	}
	a.avail = 0

	// Place the largest blocks first. Every placement before a block of order o
	// is a multiple of 2^o, so each block starts aligned.
	count := len(a.objs)
	idx := 0
	for o := a.maxOrder - 1; o >= 0; o-- {
		size := BlockSize(o)
		for count-idx >= size {
			a.push(o, idx)
			idx += size
		}
	}
}

// Get returns the object of handle i.
func (a *BuddyAllocator[T, P]) Get(i int) P {
	return P(&a.objs[i])
}

// Len returns the number of managed objects.
func (a *BuddyAllocator[T, P]) Len() int {
	return len(a.objs)
}

// MaxOrder returns the number of orders, allocations must be below it.
func (a *BuddyAllocator[T, P]) MaxOrder() int {
	return a.maxOrder
}

// IsManaged reports whether p points to one of the managed objects.
func (a *BuddyAllocator[T, P]) IsManaged(p P) bool {
	head := uintptr(unsafe.Pointer(&a.objs[0]))
	tail := uintptr(unsafe.Pointer(&a.objs[len(a.objs)-1]))
	addr := uintptr(unsafe.Pointer((*T)(p)))
	return head <= addr && addr <= tail
}

// IndexOf returns the handle of the object p points to.
func (a *BuddyAllocator[T, P]) IndexOf(p P) (int, bool) {
	if p == nil || !a.IsManaged(p) {
		return -1, false
	}
	off := uintptr(unsafe.Pointer((*T)(p))) - uintptr(unsafe.Pointer(&a.objs[0]))
	size := unsafe.Sizeof(a.objs[0])
	if size == 0 || off%size != 0 {
		return -1, false
	}
	return int(off / size), true
}

// Buddy returns the buddy of the order-aligned block at i.
// It reports false if order is out of range or the buddy lies outside the managed objects.
func (a *BuddyAllocator[T, P]) Buddy(i, order int) (int, bool) {
	if order < 0 || order >= a.maxOrder || i < 0 || i >= len(a.objs) {
		return -1, false
	}
	b := i ^ BlockSize(order)
	if b >= len(a.objs) {
		return -1, false
	}
	return b, true
}

// Allocate takes a block of 2^order objects and returns the handle of its first object.
// It returns false if order is out of range or no free block is large enough.
func (a *BuddyAllocator[T, P]) Allocate(order int) (int, bool) {
	if order < 0 || order >= a.maxOrder {
		return -1, false
	}
	// Lowest non-empty order >= order, same as scanning the lists upwards.
	mask := a.avail >> uint(order)
	if mask == 0 {
		return -1, false
	}
	found := order + bits.TrailingZeros64(mask)
	idx := a.pop(found)

	// Splitting keeps the lower half, the upper half of each level goes back.
	for o := order; o < found; o++ {
		b, ok := a.Buddy(idx, o)
		if !ok {
			panic("buddy: split buddy out of range")
		}
		a.push(o, b)
	}

	obj := a.Get(idx)
	obj.SetOrder(order)
	obj.MarkUsed()
	return idx, true
}

// Free returns the block of handle i and merges it with free buddies.
// Panics if i is not a live allocation of this allocator.
func (a *BuddyAllocator[T, P]) Free(i int) {
	if i < 0 || i >= len(a.objs) {
		panic("buddy: object not managed by allocator")
	}
	obj := a.Get(i)
	if !obj.IsUsed() {
		panic("buddy: double free or invalid object")
	}
	order := obj.Order()
	if order < 0 || order >= a.maxOrder {
		panic("buddy: corrupted order")
	}
	if i&(BlockSize(order)-1) != 0 {
		panic("buddy: misaligned object")
	}
	obj.MarkFree()

	// The top order never merges.
	for ; order < a.maxOrder-1; order++ {
		b, ok := a.Buddy(i, order)
		if !ok {
			break
		}
		// A free buddy of a lower order covers only part of the buddy range.
		if bo := a.Get(b); bo.IsUsed() || bo.Order() != order {
			break
		}
		a.detach(order, b)
		if b < i {
			i = b
		}
	}
	a.push(order, i)
}

// FreeCount returns the number of free blocks of the given order.
func (a *BuddyAllocator[T, P]) FreeCount(order int) int {
	if order < 0 || order >= a.maxOrder {
		return 0
	}
	return a.freeCounts[order]
}

// CountFreeObjs returns the number of free objects.
func (a *BuddyAllocator[T, P]) CountFreeObjs() int {
	n := 0
	for o, c := range a.freeCounts {
		n += c * BlockSize(o)
	}
	return n
}

// CheckInvariants walks every free list and returns an error describing the first
// inconsistency found. It is O(free blocks) and meant for tests and debugging.
func (a *BuddyAllocator[T, P]) CheckInvariants() error {
	total := 0
	for o := range a.freeLists {
		var err error
		n := 0
		size := BlockSize(o)
		a.freeLists[o].Range(func(i int) bool {
			obj := a.Get(i)
			switch {
			case obj.IsUsed():
				err = fmt.Errorf("buddy: object %d in free list %d is used", i, o)
			case obj.Order() != o:
				err = fmt.Errorf("buddy: object %d in free list %d has order %d", i, o, obj.Order())
			case i&(size-1) != 0:
				err = fmt.Errorf("buddy: object %d in free list %d is misaligned", i, o)
			case i+size > len(a.objs):
				err = fmt.Errorf("buddy: block %d of order %d exceeds %d objects", i, o, len(a.objs))
			}
			n++
			return err == nil && n <= len(a.objs)
		})
		if err != nil {
			return err
		}
		if n != a.freeCounts[o] {
			return fmt.Errorf("buddy: free list %d has %d blocks, count is %d", o, n, a.freeCounts[o])
		}
		if (a.avail&(1<<uint(o)) != 0) != (n > 0) {
			return fmt.Errorf("buddy: availability bit %d disagrees with count %d", o, n)
		}
		total += n * size
	}
	if total > len(a.objs) {
		return fmt.Errorf("buddy: %d free objects exceed %d managed", total, len(a.objs))
	}
	if total != a.CountFreeObjs() {
		return fmt.Errorf("buddy: free lists hold %d objects, counts say %d", total, a.CountFreeObjs())
	}
	return nil
}

func (a *BuddyAllocator[T, P]) push(order, i int) {
	obj := a.Get(i)
	obj.SetOrder(order)
	obj.MarkFree()
	a.freeLists[order].PushBack(i)
	a.freeCounts[order]++
	a.avail |= 1 << uint(order)
}

func (a *BuddyAllocator[T, P]) pop(order int) int {
	i, ok := a.freeLists[order].PopFront()
	if !ok {
		panic("buddy: free list empty but counted")
	}
	a.dec(order)
	return i
}

func (a *BuddyAllocator[T, P]) detach(order, i int) {
	a.freeLists[order].Detach(i)
	a.dec(order)
}

func (a *BuddyAllocator[T, P]) dec(order int) {
	a.freeCounts[order]--
	if a.freeCounts[order] == 0 {
		a.avail &^= 1 << uint(order)
	}
}
