package alloc

import (
	"encoding/binary"
	"sync"

	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/errors"
	"go.uber.org/zap"
)

// blockHeaderSize is the size of a heap block's physical header: a size
// field (total block size, low bit doubling as the allocated flag) and the
// total size of the immediately preceding physical block, which lets
// Deallocate find and coalesce backward without a trailing boundary tag.
const blockHeaderSize = 8

// freeNodeSize is how many of a free block's payload bytes are reserved for
// the intrusive doubly-linked free-list pointers.
const freeNodeSize = 16

// minBlockSize is the smallest total block size the heap ever hands out or
// leaves behind after a split: header + room for the free-list pointers.
const minBlockSize = blockHeaderSize + freeNodeSize

// Heap is a boundary-tagged, first-fit variable-size allocator whose arena
// is a fixed byte range reserved by this slot in every segment. Far
// addresses let a single logical free list thread through every segment's
// arena, even though physical coalescing (governed by the size/prevPhysical
// fields) never crosses a segment boundary.
//
// The free list itself is kept in memory only and rebuilt by Open, by
// walking each segment's physical block chain — the same bootstrap-by-
// scanning idiom internal/storage.New uses to recover its active segment on
// restart, applied here to recover free-space bookkeeping instead.
type Heap struct {
	accessor   BlockAccessor
	arenaBytes uint32
	log        *zap.SugaredLogger

	mu        sync.Mutex
	freeHead  segment.FarAddr
	arenas    map[uint32]segment.FarRange
	liveBytes uint64
	freeBytes uint64
}

// NewHeap builds a Heap whose arena in every segment is exactly arenaBytes
// long, reading and writing blocks through accessor.
func NewHeap(accessor BlockAccessor, arenaBytes uint32, log *zap.SugaredLogger) *Heap {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Heap{
		accessor:   accessor,
		arenaBytes: arenaBytes,
		log:        log,
		freeHead:   segment.NullAddr,
		arenas:     make(map[uint32]segment.FarRange),
	}
}

// Name identifies this slot for topology registration.
func (h *Heap) Name() string { return "heap" }

// ByteSize reports the fixed arena size this slot claims in every segment.
func (h *Heap) ByteSize(addr segment.FarAddr) (uint32, error) {
	return h.arenaBytes, nil
}

// OnNewSegment formats the whole arena as a single free block and links it
// into the in-memory free list.
func (h *Heap) OnNewSegment(addr segment.FarAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.arenas[addr.Segment()] = segment.FarRange{Addr: addr, Len: h.arenaBytes}
	if err := h.writeHeader(addr, blockHeader{size: h.arenaBytes, prevPhysical: 0, free: true}); err != nil {
		return err
	}
	if err := h.linkFreeLocked(addr); err != nil {
		return err
	}
	h.freeBytes += uint64(h.arenaBytes - blockHeaderSize)
	return nil
}

// Open reconstructs the in-memory free list for a previously-created
// segment by walking its physical block chain.
func (h *Heap) Open(addr segment.FarAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.arenas[addr.Segment()] = segment.FarRange{Addr: addr, Len: h.arenaBytes}

	cursor := addr
	consumed := uint32(0)
	for consumed < h.arenaBytes {
		hdr, err := h.readHeader(cursor)
		if err != nil {
			return err
		}
		if hdr.free {
			if err := h.linkFreeLocked(cursor); err != nil {
				return err
			}
			h.freeBytes += uint64(hdr.size - blockHeaderSize)
		} else {
			h.liveBytes += uint64(hdr.size - blockHeaderSize)
		}
		cursor = cursor.Add(hdr.size)
		consumed += hdr.size
	}
	return nil
}

// CheckIntegrity walks the arena's physical chain, validating that every
// block's prevPhysical field agrees with the block before it.
func (h *Heap) CheckIntegrity(addr segment.FarAddr) error {
	cursor := addr
	consumed := uint32(0)
	prevSize := uint32(0)
	for consumed < h.arenaBytes {
		hdr, err := h.readHeader(cursor)
		if err != nil {
			return err
		}
		if hdr.prevPhysical != prevSize {
			return errors.NewStorageError(
				nil, errors.ErrorCodeSegmentCorrupted, "heap block prevPhysical does not match preceding block size",
			).WithSegmentID(int(addr.Segment())).WithOffset(int(cursor.Offset()))
		}
		prevSize = hdr.size
		cursor = cursor.Add(hdr.size)
		consumed += hdr.size
	}
	return nil
}

// HasBlockMerging reports whether adjacent free blocks are coalesced.
// Always true: the boundary-tag design exists precisely to make this cheap.
func (h *Heap) HasBlockMerging() bool { return true }

// UsageInfo reports bytes currently allocated versus bytes free across
// every arena this Heap has opened or created.
func (h *Heap) UsageInfo() (live, free uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveBytes, h.freeBytes
}

// Allocate reserves a block able to hold size payload bytes and returns the
// far address of its payload (immediately after the header). When every
// known arena is full, it asks the accessor to materialize one more segment
// (if it supports growth) and retries before giving up.
func (h *Heap) Allocate(size uint32) (segment.FarAddr, error) {
	need := blockHeaderSize + size
	if need < minBlockSize {
		need = minBlockSize
	}
	need = segment.AlignUp(need)

	for {
		h.mu.Lock()
		addr, hdr, err := h.findFitLocked(need)
		if err != nil {
			h.mu.Unlock()
			if errors.GetErrorCode(err) == errors.ErrorCodeNoMemory && h.growArena() {
				continue
			}
			return segment.NullAddr, err
		}

		out, err := h.completeAllocateLocked(addr, hdr, need, size)
		h.mu.Unlock()
		return out, err
	}
}

// completeAllocateLocked unlinks the chosen free block, splits it if the
// remainder is worth keeping, and marks the reserved block allocated. Called
// with h.mu held.
func (h *Heap) completeAllocateLocked(addr segment.FarAddr, hdr blockHeader, need, size uint32) (segment.FarAddr, error) {
	if err := h.unlinkFreeLocked(addr, hdr); err != nil {
		return segment.NullAddr, err
	}

	remaining := hdr.size - need
	if remaining >= minBlockSize {
		hdr.size = need
		if err := h.writeHeader(addr, blockHeader{size: need, prevPhysical: hdr.prevPhysical, free: false}); err != nil {
			return segment.NullAddr, err
		}
		splitAddr := addr.Add(need)
		if err := h.writeHeader(splitAddr, blockHeader{size: remaining, prevPhysical: need, free: true}); err != nil {
			return segment.NullAddr, err
		}
		if err := h.fixupNextPrevPhysical(splitAddr, remaining); err != nil {
			return segment.NullAddr, err
		}
		if err := h.linkFreeLocked(splitAddr); err != nil {
			return segment.NullAddr, err
		}
		h.freeBytes -= uint64(need)
	} else {
		if err := h.writeHeader(addr, blockHeader{size: hdr.size, prevPhysical: hdr.prevPhysical, free: false}); err != nil {
			return segment.NullAddr, err
		}
		h.freeBytes -= uint64(hdr.size - blockHeaderSize)
	}

	h.liveBytes += uint64(hdr.size - blockHeaderSize)
	return addr.Add(blockHeaderSize), nil
}

// growArena asks the accessor to materialize one more segment so the next
// allocation attempt has a fresh arena to search. It reports false (rather
// than an error) when growth isn't possible — the accessor doesn't support
// it, or the underlying store couldn't grow — so the caller falls back to
// surfacing the original no-memory error.
func (h *Heap) growArena() bool {
	grower, ok := h.accessor.(growableAccessor)
	if !ok {
		return false
	}
	h.mu.Lock()
	next := uint32(len(h.arenas))
	h.mu.Unlock()

	if err := grower.EnsureSegment(next); err != nil {
		h.log.Warnw("failed to grow heap arena", "nextSegment", next, "error", err)
		return false
	}

	h.mu.Lock()
	grew := len(h.arenas) > int(next)
	h.mu.Unlock()
	return grew
}

// Deallocate returns payloadAddr's block to the free list, coalescing with
// an adjacent free physical neighbor on either side. It is an error to
// deallocate a block that is not currently marked allocated.
func (h *Heap) Deallocate(payloadAddr segment.FarAddr) error {
	return h.deallocate(payloadAddr, false)
}

// ForcibleDeallocate frees payloadAddr's block without checking whether it
// is currently marked allocated, for the rollback path where a shadow
// restore may re-free a block whose allocated bit was never durably set.
func (h *Heap) ForcibleDeallocate(payloadAddr segment.FarAddr) error {
	return h.deallocate(payloadAddr, true)
}

func (h *Heap) deallocate(payloadAddr segment.FarAddr, forcible bool) error {
	addr := segment.NewFarAddr(payloadAddr.Segment(), payloadAddr.Offset()-blockHeaderSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	hdr, err := h.readHeader(addr)
	if err != nil {
		return err
	}
	if hdr.free && !forcible {
		return errors.NewStorageError(
			nil, errors.ErrorCodeOverlappingBlock, "double free detected",
		).WithSegmentID(int(addr.Segment())).WithOffset(int(addr.Offset()))
	}

	h.liveBytes -= uint64(hdr.size - blockHeaderSize)

	mergedAddr, mergedSize, mergedPrevPhysical := addr, hdr.size, hdr.prevPhysical
	arena := h.arenas[addr.Segment()]

	if next := mergedAddr.Add(mergedSize); next.Offset() < arena.End().Offset() {
		nextHdr, err := h.readHeader(next)
		if err == nil && nextHdr.free {
			if err := h.unlinkFreeLocked(next, nextHdr); err != nil {
				return err
			}
			mergedSize += nextHdr.size
			h.freeBytes -= uint64(nextHdr.size - blockHeaderSize)
		}
	}

	if hdr.prevPhysical > 0 {
		prev := segment.NewFarAddr(addr.Segment(), addr.Offset()-hdr.prevPhysical)
		prevHdr, err := h.readHeader(prev)
		if err == nil && prevHdr.free {
			if err := h.unlinkFreeLocked(prev, prevHdr); err != nil {
				return err
			}
			mergedAddr = prev
			mergedSize += prevHdr.size
			mergedPrevPhysical = prevHdr.prevPhysical
			h.freeBytes -= uint64(prevHdr.size - blockHeaderSize)
		}
	}

	if err := h.writeHeader(mergedAddr, blockHeader{size: mergedSize, prevPhysical: mergedPrevPhysical, free: true}); err != nil {
		return err
	}
	if err := h.fixupNextPrevPhysical(mergedAddr, mergedSize); err != nil {
		return err
	}

	if err := h.linkFreeLocked(mergedAddr); err != nil {
		return err
	}
	h.freeBytes += uint64(mergedSize - blockHeaderSize)
	return nil
}

// fixupNextPrevPhysical rewrites the prevPhysical field of the block that
// immediately physically follows addr (if any), after addr's own size has
// changed.
func (h *Heap) fixupNextPrevPhysical(addr segment.FarAddr, size uint32) error {
	arena := h.arenas[addr.Segment()]
	next := addr.Add(size)
	if next.Offset() >= arena.End().Offset() {
		return nil
	}
	nextHdr, err := h.readHeader(next)
	if err != nil {
		return err
	}
	nextHdr.prevPhysical = size
	return h.writeHeader(next, nextHdr)
}

func (h *Heap) findFitLocked(need uint32) (segment.FarAddr, blockHeader, error) {
	cursor := h.freeHead
	for !cursor.IsNull() {
		hdr, err := h.readHeader(cursor)
		if err != nil {
			return segment.NullAddr, blockHeader{}, err
		}
		if hdr.size >= need {
			return cursor, hdr, nil
		}
		node, err := h.readFreeNode(cursor)
		if err != nil {
			return segment.NullAddr, blockHeader{}, err
		}
		cursor = node.next
	}
	return segment.NullAddr, blockHeader{}, errors.NewStorageError(
		nil, errors.ErrorCodeNoMemory, "no free block large enough to satisfy allocation",
	).WithDetail("requestedBytes", need)
}

type blockHeader struct {
	size         uint32
	prevPhysical uint32
	free         bool
}

// writeHeader packs the allocated bit into the low bit of the stored size
// word; the header's logical size is always even (AlignUp guarantees it).
func (h *Heap) writeHeader(addr segment.FarAddr, hdr blockHeader) error {
	buf := make([]byte, blockHeaderSize)
	stored := hdr.size
	if !hdr.free {
		stored |= 1
	}
	binary.NativeEndian.PutUint32(buf[0:4], stored)
	binary.NativeEndian.PutUint32(buf[4:8], hdr.prevPhysical)
	return h.accessor.WritableBlock(addr, buf)
}

func (h *Heap) readHeader(addr segment.FarAddr) (blockHeader, error) {
	raw, err := h.accessor.ReadonlyBlock(addr, blockHeaderSize)
	if err != nil {
		return blockHeader{}, err
	}
	stored := binary.NativeEndian.Uint32(raw[0:4])
	return blockHeader{
		size:         stored &^ 1,
		prevPhysical: binary.NativeEndian.Uint32(raw[4:8]),
		free:         stored&1 == 0,
	}, nil
}

type freeNode struct {
	next segment.FarAddr
	prev segment.FarAddr
}

func (h *Heap) readFreeNode(blockAddr segment.FarAddr) (freeNode, error) {
	raw, err := h.accessor.ReadonlyBlock(blockAddr.Add(blockHeaderSize), freeNodeSize)
	if err != nil {
		return freeNode{}, err
	}
	return freeNode{
		next: segment.FarAddr(binary.NativeEndian.Uint64(raw[0:8])),
		prev: segment.FarAddr(binary.NativeEndian.Uint64(raw[8:16])),
	}, nil
}

func (h *Heap) writeFreeNode(blockAddr segment.FarAddr, node freeNode) error {
	buf := make([]byte, freeNodeSize)
	binary.NativeEndian.PutUint64(buf[0:8], uint64(node.next))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(node.prev))
	return h.accessor.WritableBlock(blockAddr.Add(blockHeaderSize), buf)
}

func (h *Heap) linkFreeLocked(addr segment.FarAddr) error {
	node := freeNode{next: h.freeHead, prev: segment.NullAddr}
	if err := h.writeFreeNode(addr, node); err != nil {
		return err
	}
	if !h.freeHead.IsNull() {
		head, err := h.readFreeNode(h.freeHead)
		if err != nil {
			return err
		}
		head.prev = addr
		if err := h.writeFreeNode(h.freeHead, head); err != nil {
			return err
		}
	}
	h.freeHead = addr
	return nil
}

func (h *Heap) unlinkFreeLocked(addr segment.FarAddr, _ blockHeader) error {
	node, err := h.readFreeNode(addr)
	if err != nil {
		return err
	}
	if node.prev.IsNull() {
		h.freeHead = node.next
	} else {
		prev, err := h.readFreeNode(node.prev)
		if err != nil {
			return err
		}
		prev.next = node.next
		if err := h.writeFreeNode(node.prev, prev); err != nil {
			return err
		}
	}
	if !node.next.IsNull() {
		next, err := h.readFreeNode(node.next)
		if err != nil {
			return err
		}
		next.prev = node.prev
		if err := h.writeFreeNode(node.next, next); err != nil {
			return err
		}
	}
	return nil
}
