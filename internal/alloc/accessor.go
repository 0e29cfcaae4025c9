// Package alloc implements the two allocators that live inside the backing
// file's segments: a boundary-tagged variable-size heap (C3) and a generic
// fixed-size cell pool (C4). Both are expressed purely in terms of a
// BlockAccessor, so the same allocator code runs unmodified whether it is
// wired directly against internal/segment.Store during bootstrap or, once a
// transaction is open, against internal/txn.Manager's shadowed view of the
// same bytes.
package alloc

import "github.com/iamNilotpal/ignite/internal/segment"

// BlockAccessor is the minimal read/write-block surface both internal/
// segment.Store and internal/txn.Manager satisfy. The allocators never
// assume which one they are talking to.
type BlockAccessor interface {
	ReadonlyBlock(addr segment.FarAddr, length uint32) ([]byte, error)
	WritableBlock(addr segment.FarAddr, src []byte) error
}

// growableAccessor is satisfied by a BlockAccessor that can also materialize
// new segments on demand. The Store itself implements it; a transaction's
// shadowed view does not, since growth is a file-level operation the
// allocators' own bootstrap-time accessor performs directly against the
// Store, never through a transaction. Both Heap and Pool type-assert for it
// when their current arenas run out of room, so growth is opportunistic —
// an accessor that can't grow just surfaces the original no-memory error.
type growableAccessor interface {
	EnsureSegment(i uint32) error
}
