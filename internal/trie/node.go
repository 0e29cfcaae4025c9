// Package trie implements the on-disk 256-way radix trie (C8–C10): node
// headers with a 256-bit presence bitmap and popcount-compressed slots (the
// same sparse-index shape as mari's MariINode, generalized from a
// hash-array-mapped trie keyed by hashed chunks to a radix trie keyed by raw
// key bytes), each slot carrying its own compressed stem run, an optional
// terminal value, and an optional child node — plus the Trie itself and a
// resync-capable cursor.
package trie

import (
	"encoding/binary"
	"math/bits"

	"github.com/iamNilotpal/ignite/internal/alloc"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/errors"
)

// CapacityClasses is the growth ladder a node's slot arrays climb as they
// gain occupied byte positions: it starts at the smallest class able to
// hold the first slot and reallocates to the next class up whenever an
// insert would exceed its current one.
var CapacityClasses = []int{8, 16, 32, 64, 128, 256}

// reindexThreshold is the capacity class paired with the direct byte ->
// slot index table layout sized by reindexTableSize. No code path builds or
// consults such a table: a node of every class finds a slot by a popcount
// scan over its presence bitmap, and Node.Reindex is always NullAddr.
const reindexThreshold = 32

// nodeHeaderSize is the fixed byte size of every node's header, before its
// inline, dense-indexed slot arrays (children, values, stem addresses, stem
// lengths).
const nodeHeaderSize = 8 + 32 + 8 + 2 + 6

// reindexTableSize is the byte size of a direct reindex table: 256 slots of
// int16 (dense slot index, or -1 for absent).
const reindexTableSize = 256 * 2

// slotSize is the per-occupied-byte footprint within a node cell: an 8-byte
// child far address, an 8-byte terminal value far address, an 8-byte stem
// far address, and a 4-byte word holding the 2-byte stem length, the 1-byte
// child capacity-class index, and 1 byte of padding.
const slotSize = 8 + 8 + 8 + 4

// CellSize returns the fixed cell size a node of the given capacity class
// occupies, for sizing internal/alloc.Pool[Node].
func CellSize(capacity int) uint32 {
	return segment.AlignUp(uint32(nodeHeaderSize + capacity*slotSize))
}

// Node is the decoded, in-memory form of one trie node's on-disk cell. Each
// occupied byte b (Presence bit b set) owns one dense slot, at index
// popcountBefore(b): Children[i] is the far address of the child node
// reached after consuming b and its stem (NullAddr if the edge ends here),
// Values[i] is the far address of the terminal payload stored for the key
// that ends exactly at b's stem (NullAddr if this edge is a pure
// branch-through), and StemAddrs[i]/StemLens[i] describe the compressed run
// of key bytes consumed immediately after b.
type Node struct {
	Version    uint64
	Presence   [4]uint64 // 256-bit bitmap, bit i set means byte i has an occupied slot
	Capacity   int
	ChildCount int
	Reindex    segment.FarAddr // far address of a direct reindex table; always NullAddr, no table is built

	Children   []segment.FarAddr
	Values     []segment.FarAddr
	StemAddrs  []segment.FarAddr
	StemLens   []uint16
	// ChildClass holds the CapacityClasses index each occupied slot's child
	// node was last written at, so a caller can Read it without guessing.
	// Meaningless where Children[i] is NullAddr.
	ChildClass []uint8
}

// ClassIndex returns the CapacityClasses index for a capacity value, or
// -1 if class is not one of the declared classes.
func ClassIndex(class int) int {
	for i, c := range CapacityClasses {
		if c == class {
			return i
		}
	}
	return -1
}

// NodeManager reads, writes, allocates and grows Node cells. It wraps one
// internal/alloc.Pool[Node] per capacity class plus the alloc.Heap that
// per-slot stem byte runs live in.
type NodeManager struct {
	pools map[int]*alloc.Pool[Node] // capacity -> pool
	stems *alloc.Heap
}

// NewNodeManager builds a NodeManager backed by one fixed pool per capacity
// class (named "trie-node-N") and stems, the heap stem bytes live in. Every
// method that reads or writes node cells or stem bytes takes its own
// alloc.BlockAccessor so the same NodeManager serves reads/writes against
// whichever transaction is currently open; FreeStem only returns a stem block
// to the heap and takes none.
func NewNodeManager(pools map[int]*alloc.Pool[Node], stems *alloc.Heap) *NodeManager {
	return &NodeManager{pools: pools, stems: stems}
}

// bitIndex returns (word, bit) for byte key b within the 256-bit Presence array.
func bitIndex(b byte) (int, uint) {
	return int(b) / 64, uint(b) % 64
}

// Has reports whether byte key b currently owns a slot.
func (n *Node) Has(b byte) bool {
	w, bit := bitIndex(b)
	return n.Presence[w]&(1<<bit) != 0
}

// popcountBefore returns how many of the bits below b are set — b's dense
// slot index among Node's occupied bytes if b itself were set.
func (n *Node) popcountBefore(b byte) int {
	w, bit := bitIndex(b)
	count := 0
	for i := 0; i < w; i++ {
		count += bits.OnesCount64(n.Presence[i])
	}
	count += bits.OnesCount64(n.Presence[w] & (1<<bit - 1))
	return count
}

// SlotIndex returns the dense slot index for byte key b and whether it is
// currently occupied. When unoccupied, the returned index is where a new
// slot for b would be inserted.
func (n *Node) SlotIndex(b byte) (int, bool) {
	return n.popcountBefore(b), n.Has(b)
}

// needsGrowth reports whether inserting one more occupied slot would exceed capacity.
func (n *Node) needsGrowth() bool {
	return n.ChildCount >= n.Capacity
}

// Occupy inserts a brand-new slot for byte b, which must not already be
// present. The caller must have already ensured capacity via Grow.
func (n *Node) Occupy(b byte, child, value, stemAddr segment.FarAddr, stemLen uint16, childClass uint8) error {
	if n.Has(b) {
		return errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "Occupy called for a byte that already has a slot").WithByteKey(b)
	}
	if n.needsGrowth() {
		return errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "Occupy called on a full node without growing first").WithByteKey(b)
	}

	idx := n.popcountBefore(b)
	insertAt := func(s []segment.FarAddr, v segment.FarAddr) []segment.FarAddr {
		s = append(s, segment.NullAddr)
		copy(s[idx+1:], s[idx:])
		s[idx] = v
		return s
	}
	n.Children = insertAt(n.Children, child)
	n.Values = insertAt(n.Values, value)
	n.StemAddrs = insertAt(n.StemAddrs, stemAddr)

	n.StemLens = append(n.StemLens, 0)
	copy(n.StemLens[idx+1:], n.StemLens[idx:])
	n.StemLens[idx] = stemLen

	n.ChildClass = append(n.ChildClass, 0)
	copy(n.ChildClass[idx+1:], n.ChildClass[idx:])
	n.ChildClass[idx] = childClass

	w, bit := bitIndex(b)
	n.Presence[w] |= 1 << bit
	n.ChildCount++
	return nil
}

// RemoveSlot deletes the slot at byte key b entirely, if present — used when
// erase clears both a slot's value and child.
func (n *Node) RemoveSlot(b byte) {
	if !n.Has(b) {
		return
	}
	idx := n.popcountBefore(b)
	n.Children = append(n.Children[:idx], n.Children[idx+1:]...)
	n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
	n.StemAddrs = append(n.StemAddrs[:idx], n.StemAddrs[idx+1:]...)
	n.StemLens = append(n.StemLens[:idx], n.StemLens[idx+1:]...)
	n.ChildClass = append(n.ChildClass[:idx], n.ChildClass[idx+1:]...)

	w, bit := bitIndex(b)
	n.Presence[w] &^= 1 << bit
	n.ChildCount--
}

// SetChild overwrites the child address (and its capacity class) of the
// already-occupied slot for b.
func (n *Node) SetChild(b byte, child segment.FarAddr, childClass uint8) {
	idx := n.popcountBefore(b)
	n.Children[idx] = child
	n.ChildClass[idx] = childClass
}

// SetValue overwrites the terminal value address of the already-occupied slot for b.
func (n *Node) SetValue(b byte, value segment.FarAddr) {
	idx := n.popcountBefore(b)
	n.Values[idx] = value
}

// SetStem overwrites the compressed stem run of the already-occupied slot for b.
func (n *Node) SetStem(b byte, stemAddr segment.FarAddr, stemLen uint16) {
	idx := n.popcountBefore(b)
	n.StemAddrs[idx] = stemAddr
	n.StemLens[idx] = stemLen
}

func nextCapacityClass(current int) (int, bool) {
	for _, c := range CapacityClasses {
		if c > current {
			return c, true
		}
	}
	return 0, false
}

// Allocate reserves a brand-new, empty node at the smallest capacity class,
// within the given transaction-scoped accessor.
func (m *NodeManager) Allocate(accessor alloc.BlockAccessor) (segment.FarAddr, error) {
	class := CapacityClasses[0]
	pool, ok := m.pools[class]
	if !ok {
		return segment.NullAddr, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "no pool registered for the smallest capacity class")
	}
	addr, err := pool.Allocate()
	if err != nil {
		return segment.NullAddr, err
	}
	n := &Node{Capacity: class, Reindex: segment.NullAddr}
	if err := m.write(accessor, addr, n); err != nil {
		return segment.NullAddr, err
	}
	return addr, nil
}

// Read decodes the node at addr, which must have been allocated at capacity
// class class (the caller knows this from which pool's arena the address
// falls in, or threads it through from the parent's child slot).
func (m *NodeManager) Read(accessor alloc.BlockAccessor, addr segment.FarAddr, class int) (*Node, error) {
	size := CellSize(class)
	raw, err := accessor.ReadonlyBlock(addr, size)
	if err != nil {
		return nil, err
	}
	return decodeNode(raw, class)
}

// Write persists n's current in-memory state back to addr.
func (m *NodeManager) Write(accessor alloc.BlockAccessor, addr segment.FarAddr, n *Node) error {
	return m.write(accessor, addr, n)
}

func (m *NodeManager) write(accessor alloc.BlockAccessor, addr segment.FarAddr, n *Node) error {
	buf := make([]byte, CellSize(n.Capacity))
	encodeNode(buf, n)
	return accessor.WritableBlock(addr, buf)
}

// Grow reallocates n into the next capacity class, copying its occupied
// slots, and returns the new node's far address. The old cell is returned
// to its pool. Callers are responsible for rewriting whichever parent slot
// or root pointer referenced the old address.
func (m *NodeManager) Grow(accessor alloc.BlockAccessor, oldAddr segment.FarAddr, n *Node) (segment.FarAddr, error) {
	newClass, ok := nextCapacityClass(n.Capacity)
	if !ok {
		return segment.NullAddr, errors.NewGrowthFailedError(addrString(oldAddr), n.Capacity, n.Capacity, nil)
	}
	return m.MoveTo(accessor, oldAddr, n, newClass)
}

// MoveTo relocates n's occupied slots into a node at a different capacity
// class — used by Grow to climb the ladder, and available for a future
// shrink/copy-on-write rewrite. It allocates the new cell, copies every
// slot array, bumps Version, writes the new cell, and frees the old one.
func (m *NodeManager) MoveTo(accessor alloc.BlockAccessor, oldAddr segment.FarAddr, n *Node, targetClass int) (segment.FarAddr, error) {
	pool, ok := m.pools[targetClass]
	if !ok {
		return segment.NullAddr, errors.NewGrowthFailedError(addrString(oldAddr), n.Capacity, targetClass, nil)
	}
	newAddr, err := pool.Allocate()
	if err != nil {
		return segment.NullAddr, errors.NewGrowthFailedError(addrString(oldAddr), n.Capacity, targetClass, err)
	}

	moved := *n
	moved.Capacity = targetClass
	moved.Version = n.Version + 1
	moved.Children = append([]segment.FarAddr(nil), n.Children...)
	moved.Values = append([]segment.FarAddr(nil), n.Values...)
	moved.StemAddrs = append([]segment.FarAddr(nil), n.StemAddrs...)
	moved.StemLens = append([]uint16(nil), n.StemLens...)
	moved.ChildClass = append([]uint8(nil), n.ChildClass...)

	if err := m.write(accessor, newAddr, &moved); err != nil {
		return segment.NullAddr, err
	}
	if oldPool, ok := m.pools[n.Capacity]; ok {
		_ = oldPool.Deallocate(oldAddr)
	}
	return newAddr, nil
}

// WriteStem allocates (or reallocates) stem bytes for the slot at byte key
// b and records their address/length on n. An empty stem clears any
// previously held one and leaves the slot addressed by NullAddr.
func (m *NodeManager) WriteStem(accessor alloc.BlockAccessor, n *Node, b byte, stem []byte) error {
	idx := n.popcountBefore(b)
	if !n.StemAddrs[idx].IsNull() {
		_ = m.stems.Deallocate(n.StemAddrs[idx])
	}
	if len(stem) == 0 {
		n.SetStem(b, segment.NullAddr, 0)
		return nil
	}
	addr, err := m.stems.Allocate(uint32(len(stem)))
	if err != nil {
		return err
	}
	if err := accessor.WritableBlock(addr, stem); err != nil {
		return err
	}
	n.SetStem(b, addr, uint16(len(stem)))
	return nil
}

// ReadStemAt returns the stem bytes stored at slot index idx, or nil if that slot has none.
func (m *NodeManager) ReadStemAt(accessor alloc.BlockAccessor, n *Node, idx int) ([]byte, error) {
	addr, l := n.StemAddrs[idx], n.StemLens[idx]
	if addr.IsNull() || l == 0 {
		return nil, nil
	}
	return accessor.ReadonlyBlock(addr, uint32(l))
}

// FreeStem releases the stem bytes owned by the slot at byte key b, if any.
func (m *NodeManager) FreeStem(n *Node, b byte) error {
	idx := n.popcountBefore(b)
	if n.StemAddrs[idx].IsNull() {
		return nil
	}
	return m.stems.Deallocate(n.StemAddrs[idx])
}

func addrString(addr segment.FarAddr) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(addr))
	return string(buf)
}

func encodeNode(dst []byte, n *Node) {
	binary.NativeEndian.PutUint64(dst[0:8], n.Version)
	for i, w := range n.Presence {
		binary.NativeEndian.PutUint64(dst[8+i*8:16+i*8], w)
	}
	binary.NativeEndian.PutUint64(dst[40:48], uint64(n.Reindex))
	binary.NativeEndian.PutUint16(dst[48:50], uint16(n.ChildCount))

	childrenOff := nodeHeaderSize
	valuesOff := childrenOff + n.Capacity*8
	stemAddrOff := valuesOff + n.Capacity*8
	stemLenOff := stemAddrOff + n.Capacity*8

	for i := 0; i < n.ChildCount; i++ {
		binary.NativeEndian.PutUint64(dst[childrenOff+i*8:childrenOff+i*8+8], uint64(n.Children[i]))
		binary.NativeEndian.PutUint64(dst[valuesOff+i*8:valuesOff+i*8+8], uint64(n.Values[i]))
		binary.NativeEndian.PutUint64(dst[stemAddrOff+i*8:stemAddrOff+i*8+8], uint64(n.StemAddrs[i]))
		binary.NativeEndian.PutUint16(dst[stemLenOff+i*4:stemLenOff+i*4+2], n.StemLens[i])
		dst[stemLenOff+i*4+2] = n.ChildClass[i]
	}
}

func decodeNode(src []byte, capacity int) (*Node, error) {
	if len(src) < nodeHeaderSize {
		return nil, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "node cell too small for header")
	}
	n := &Node{Capacity: capacity}
	n.Version = binary.NativeEndian.Uint64(src[0:8])
	for i := range n.Presence {
		n.Presence[i] = binary.NativeEndian.Uint64(src[8+i*8 : 16+i*8])
	}
	n.Reindex = segment.FarAddr(binary.NativeEndian.Uint64(src[40:48]))
	n.ChildCount = int(binary.NativeEndian.Uint16(src[48:50]))

	childrenOff := nodeHeaderSize
	valuesOff := childrenOff + capacity*8
	stemAddrOff := valuesOff + capacity*8
	stemLenOff := stemAddrOff + capacity*8

	n.Children = make([]segment.FarAddr, n.ChildCount)
	n.Values = make([]segment.FarAddr, n.ChildCount)
	n.StemAddrs = make([]segment.FarAddr, n.ChildCount)
	n.StemLens = make([]uint16, n.ChildCount)
	n.ChildClass = make([]uint8, n.ChildCount)
	for i := 0; i < n.ChildCount; i++ {
		n.Children[i] = segment.FarAddr(binary.NativeEndian.Uint64(src[childrenOff+i*8 : childrenOff+i*8+8]))
		n.Values[i] = segment.FarAddr(binary.NativeEndian.Uint64(src[valuesOff+i*8 : valuesOff+i*8+8]))
		n.StemAddrs[i] = segment.FarAddr(binary.NativeEndian.Uint64(src[stemAddrOff+i*8 : stemAddrOff+i*8+8]))
		n.StemLens[i] = binary.NativeEndian.Uint16(src[stemLenOff+i*4 : stemLenOff+i*4+2])
		n.ChildClass[i] = src[stemLenOff+i*4+2]
	}
	return n, nil
}
