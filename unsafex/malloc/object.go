package malloc

import "github.com/cloudwego/framekit/container/ilist"

// Object is the constraint for elements managed by BuddyAllocator.
//
// P must be *T. The allocator keeps all of its bookkeeping inside the objects:
// the link embedded for free list membership, the used flag, and the order of
// the block the object currently represents.
type Object[T any] interface {
	ilist.Node[T]

	IsUsed() bool
	MarkUsed()
	MarkFree()
	// Order is log2 of the number of objects in the block represented by this object.
	Order() int
	SetOrder(order int)
}

// BlockSize returns the number of objects in a block of the given order.
func BlockSize(order int) int {
	return 1 << order
}
