package alloc

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/errors"
	"go.uber.org/zap"
)

// Pool is a generic fixed-size cell allocator: every cell in every segment
// it claims is exactly cellSize bytes. T never appears at runtime — it only
// keeps a Pool's returned addresses from being mixed up with another Pool's
// at compile time by callers that wrap FarAddr in a typed reference.
//
// Free cells are tracked with a roaring bitmap per segment for O(1)
// amortized allocation (Minimum/Remove), backed by a plain durable bitmap
// written into a small header at the front of each segment's arena so the
// free set survives a restart without scanning cell contents, which Pool
// cannot interpret generically.
type Pool[T any] struct {
	name      string
	accessor  BlockAccessor
	cellSize  uint32
	cellCount uint32 // cells per segment
	bitmapLen uint32 // aligned byte length of the persisted bitmap header

	log *zap.SugaredLogger

	mu        sync.Mutex
	arenaBase map[uint32]segment.FarAddr // per-segment: address of cell 0
	free      map[uint32]*roaring.Bitmap // per-segment: free cell indices
	inUse     uint64
	freeCount uint64
}

// NewPool builds a Pool named name, accessing cells through accessor, with
// cellsPerSegment cells of cellSize bytes each reserved in every segment.
func NewPool[T any](name string, accessor BlockAccessor, cellSize, cellsPerSegment uint32, log *zap.SugaredLogger) *Pool[T] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool[T]{
		name:      name,
		accessor:  accessor,
		cellSize:  segment.AlignUp(cellSize),
		cellCount: cellsPerSegment,
		bitmapLen: segment.AlignUp((cellsPerSegment + 7) / 8),
		log:       log,
		arenaBase: make(map[uint32]segment.FarAddr),
		free:      make(map[uint32]*roaring.Bitmap),
	}
}

// Name identifies this slot for topology registration.
func (p *Pool[T]) Name() string { return p.name }

// ByteSize reports the fixed size of this pool's per-segment arena: the
// durable free-bitmap header plus every cell.
func (p *Pool[T]) ByteSize(addr segment.FarAddr) (uint32, error) {
	return p.bitmapLen + p.cellCount*p.cellSize, nil
}

// OnNewSegment formats a brand-new all-free bitmap header for the segment.
func (p *Pool[T]) OnNewSegment(addr segment.FarAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accessor.WritableBlock(addr, make([]byte, p.bitmapLen)); err != nil {
		return err
	}

	bm := roaring.New()
	bm.AddRange(0, uint64(p.cellCount))

	p.arenaBase[addr.Segment()] = addr.Add(p.bitmapLen)
	p.free[addr.Segment()] = bm
	p.freeCount += uint64(p.cellCount)
	return nil
}

// Open reconstructs a segment's in-memory free bitmap from its durable
// allocated-bit header.
func (p *Pool[T]) Open(addr segment.FarAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := p.accessor.ReadonlyBlock(addr, p.bitmapLen)
	if err != nil {
		return err
	}

	bm := roaring.New()
	var inUse uint64
	for i := uint32(0); i < p.cellCount; i++ {
		byteIdx, bit := i/8, i%8
		allocated := raw[byteIdx]&(1<<bit) != 0
		if allocated {
			inUse++
		} else {
			bm.Add(i)
		}
	}

	p.arenaBase[addr.Segment()] = addr.Add(p.bitmapLen)
	p.free[addr.Segment()] = bm
	p.inUse += inUse
	p.freeCount += uint64(bm.GetCardinality())
	return nil
}

// CheckIntegrity verifies the in-memory free count for a segment matches
// its durable bitmap's zero-bit count.
func (p *Pool[T]) CheckIntegrity(addr segment.FarAddr) error {
	raw, err := p.accessor.ReadonlyBlock(addr, p.bitmapLen)
	if err != nil {
		return err
	}
	free, ok := p.free[addr.Segment()]
	if !ok {
		return nil
	}
	var zeroBits uint64
	for i := uint32(0); i < p.cellCount; i++ {
		if raw[i/8]&(1<<(i%8)) == 0 {
			zeroBits++
		}
	}
	if zeroBits != free.GetCardinality() {
		return errors.NewStorageError(
			nil, errors.ErrorCodeSegmentCorrupted, "pool free bitmap diverges from durable header",
		).WithSegmentID(int(addr.Segment()))
	}
	return nil
}

// UsageInfo reports how many cells are currently allocated versus free
// across every segment this Pool has opened or created.
func (p *Pool[T]) UsageInfo() (inUse, free uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, p.freeCount
}

// Allocate reserves a single cell and returns its address. When every known
// arena is full, it asks the accessor to materialize one more segment (if it
// supports growth) and retries before giving up.
func (p *Pool[T]) Allocate() (segment.FarAddr, error) {
	for {
		p.mu.Lock()
		addr, err := p.allocateOneLocked()
		p.mu.Unlock()
		if err == nil {
			return addr, nil
		}
		if errors.GetErrorCode(err) == errors.ErrorCodeNoMemory && p.growArena() {
			continue
		}
		return segment.NullAddr, err
	}
}

// AllocateN reserves k cells, calling ctor(i, cell) to let the caller write
// each cell's initial contents, and stores the resulting addresses in
// out[:k]. len(out) must be >= k. k == 0 is a documented no-op.
func (p *Pool[T]) AllocateN(out []segment.FarAddr, k int, ctor func(i int, cell []byte) error) error {
	if k == 0 {
		return nil
	}

	scratch := make([]byte, p.cellSize)
	for i := 0; i < k; i++ {
		addr, err := p.Allocate()
		if err != nil {
			return err
		}
		for j := range scratch {
			scratch[j] = 0
		}
		if err := ctor(i, scratch); err != nil {
			return err
		}
		if err := p.accessor.WritableBlock(addr, scratch); err != nil {
			return err
		}
		out[i] = addr
	}
	return nil
}

// Deallocate returns a cell to its segment's free set.
func (p *Pool[T]) Deallocate(addr segment.FarAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	base, ok := p.arenaBase[addr.Segment()]
	if !ok {
		return errors.NewStorageError(
			nil, errors.ErrorCodeOverlappingBlock, "deallocate from an unknown pool arena",
		).WithSegmentID(int(addr.Segment()))
	}
	idx := (addr.Offset() - base.Offset()) / p.cellSize

	if err := p.setAllocatedBit(addr.Segment(), idx, false); err != nil {
		return err
	}
	p.free[addr.Segment()].Add(idx)
	p.inUse--
	p.freeCount++
	return nil
}

func (p *Pool[T]) allocateOneLocked() (segment.FarAddr, error) {
	segIdx, ok := p.firstSegmentWithFreeLocked()
	if !ok {
		return segment.NullAddr, errors.NewStorageError(
			nil, errors.ErrorCodeNoMemory, "no free cell in any pool arena",
		).WithDetail("pool", p.name)
	}

	bm := p.free[segIdx]
	idx := bm.Minimum()
	bm.Remove(idx)

	if err := p.setAllocatedBit(segIdx, idx, true); err != nil {
		return segment.NullAddr, err
	}

	p.inUse++
	p.freeCount--
	return p.arenaBase[segIdx].Add(idx * p.cellSize), nil
}

// growArena asks the accessor to materialize one more segment so the next
// allocation attempt has a fresh arena to search. It reports false (rather
// than an error) when growth isn't possible — the accessor doesn't support
// it, or the underlying store couldn't grow — so the caller falls back to
// surfacing the original no-memory error. Must be called with p.mu NOT
// held: growth re-enters OnNewSegment, which locks p.mu itself.
func (p *Pool[T]) growArena() bool {
	grower, ok := p.accessor.(growableAccessor)
	if !ok {
		return false
	}
	p.mu.Lock()
	next := uint32(len(p.free))
	p.mu.Unlock()

	if err := grower.EnsureSegment(next); err != nil {
		p.log.Warnw("failed to grow pool arena", "pool", p.name, "nextSegment", next, "error", err)
		return false
	}

	p.mu.Lock()
	grew := len(p.free) > int(next)
	p.mu.Unlock()
	return grew
}

func (p *Pool[T]) firstSegmentWithFreeLocked() (uint32, bool) {
	segments := make([]uint32, 0, len(p.free))
	for seg := range p.free {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	for _, seg := range segments {
		if !p.free[seg].IsEmpty() {
			return seg, true
		}
	}
	return 0, false
}

// setAllocatedBit flips cell idx's durable allocated bit within segment
// segIdx's bitmap header. The header is small enough that a read-modify-
// write through the block accessor is cheap.
func (p *Pool[T]) setAllocatedBit(segIdx, idx uint32, allocated bool) error {
	headerAddr := segment.NewFarAddr(segIdx, p.arenaBase[segIdx].Offset()-p.bitmapLen)
	raw, err := p.accessor.ReadonlyBlock(headerAddr, p.bitmapLen)
	if err != nil {
		return err
	}
	byteIdx, bit := idx/8, idx%8
	if allocated {
		raw[byteIdx] |= 1 << bit
	} else {
		raw[byteIdx] &^= 1 << bit
	}
	return p.accessor.WritableBlock(headerAddr, raw)
}
