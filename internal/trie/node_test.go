package trie

import (
	"testing"

	"github.com/iamNilotpal/ignite/internal/segment"
)

func newEmptyNode(capacity int) *Node {
	return &Node{Capacity: capacity, Reindex: segment.NullAddr}
}

func TestNodeOccupyMaintainsByteOrder(t *testing.T) {
	n := newEmptyNode(8)

	order := []byte{200, 10, 99, 5}
	for _, b := range order {
		if err := n.Occupy(b, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
			t.Fatalf("Occupy(%d): %v", b, err)
		}
	}

	for _, b := range order {
		if !n.Has(b) {
			t.Fatalf("expected byte %d to be occupied", b)
		}
	}

	sorted := []byte{5, 10, 99, 200}
	for i, b := range sorted {
		idx, ok := n.SlotIndex(b)
		if !ok {
			t.Fatalf("byte %d should report occupied", b)
		}
		if idx != i {
			t.Fatalf("byte %d: expected dense index %d, got %d", b, i, idx)
		}
	}
	if n.ChildCount != len(order) {
		t.Fatalf("expected ChildCount %d, got %d", len(order), n.ChildCount)
	}
}

func TestNodeOccupyRejectsDuplicateByte(t *testing.T) {
	n := newEmptyNode(8)
	if err := n.Occupy(42, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
		t.Fatalf("first Occupy: %v", err)
	}
	if err := n.Occupy(42, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err == nil {
		t.Fatal("expected error re-occupying an already-set byte")
	}
}

func TestNodeOccupyRejectsOverflow(t *testing.T) {
	n := newEmptyNode(2)
	if err := n.Occupy(1, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
		t.Fatalf("Occupy 1: %v", err)
	}
	if err := n.Occupy(2, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
		t.Fatalf("Occupy 2: %v", err)
	}
	if !n.needsGrowth() {
		t.Fatal("expected needsGrowth true at capacity")
	}
	if err := n.Occupy(3, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err == nil {
		t.Fatal("expected error occupying a full node")
	}
}

func TestNodeRemoveSlotShiftsArrays(t *testing.T) {
	n := newEmptyNode(8)
	for _, b := range []byte{1, 2, 3} {
		child := segment.NewFarAddr(0, uint32(b)*16)
		if err := n.Occupy(b, child, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
			t.Fatalf("Occupy(%d): %v", b, err)
		}
	}

	n.RemoveSlot(2)
	if n.Has(2) {
		t.Fatal("byte 2 should no longer be occupied")
	}
	if n.ChildCount != 2 {
		t.Fatalf("expected ChildCount 2 after removal, got %d", n.ChildCount)
	}

	idx, ok := n.SlotIndex(3)
	if !ok || idx != 1 {
		t.Fatalf("byte 3 expected at dense index 1 after removal, got idx=%d ok=%v", idx, ok)
	}
	wantChild := segment.NewFarAddr(0, uint32(3)*16)
	if n.Children[idx] != wantChild {
		t.Fatalf("expected child %v after shift, got %v", wantChild, n.Children[idx])
	}
}

func TestNodeRemoveSlotOnAbsentByteIsNoop(t *testing.T) {
	n := newEmptyNode(8)
	if err := n.Occupy(1, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
		t.Fatalf("Occupy: %v", err)
	}
	n.RemoveSlot(99)
	if n.ChildCount != 1 {
		t.Fatalf("expected RemoveSlot on an absent byte to be a no-op, ChildCount=%d", n.ChildCount)
	}
}

func TestNodeSetChildValueStem(t *testing.T) {
	n := newEmptyNode(8)
	if err := n.Occupy(7, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
		t.Fatalf("Occupy: %v", err)
	}

	child := segment.NewFarAddr(1, 32)
	n.SetChild(7, child, 2)
	idx, _ := n.SlotIndex(7)
	if n.Children[idx] != child || n.ChildClass[idx] != 2 {
		t.Fatalf("SetChild did not take effect: children=%v class=%v", n.Children[idx], n.ChildClass[idx])
	}

	value := segment.NewFarAddr(0, 64)
	n.SetValue(7, value)
	if n.Values[idx] != value {
		t.Fatalf("SetValue did not take effect: %v", n.Values[idx])
	}

	stemAddr := segment.NewFarAddr(0, 96)
	n.SetStem(7, stemAddr, 5)
	if n.StemAddrs[idx] != stemAddr || n.StemLens[idx] != 5 {
		t.Fatalf("SetStem did not take effect: addr=%v len=%v", n.StemAddrs[idx], n.StemLens[idx])
	}
}

func TestClassIndex(t *testing.T) {
	for i, c := range CapacityClasses {
		if got := ClassIndex(c); got != i {
			t.Fatalf("ClassIndex(%d) = %d, want %d", c, got, i)
		}
	}
	if got := ClassIndex(3); got != -1 {
		t.Fatalf("ClassIndex(3) = %d, want -1 for a non-class value", got)
	}
}

func TestNextCapacityClassClimbsLadderAndStops(t *testing.T) {
	for i := 0; i < len(CapacityClasses)-1; i++ {
		next, ok := nextCapacityClass(CapacityClasses[i])
		if !ok || next != CapacityClasses[i+1] {
			t.Fatalf("nextCapacityClass(%d) = (%d, %v), want (%d, true)", CapacityClasses[i], next, ok, CapacityClasses[i+1])
		}
	}
	if _, ok := nextCapacityClass(CapacityClasses[len(CapacityClasses)-1]); ok {
		t.Fatal("expected nextCapacityClass to report false past the top of the ladder")
	}
}

func TestCellSizeGrowsWithCapacityAndIsAligned(t *testing.T) {
	prev := uint32(0)
	for _, c := range CapacityClasses {
		size := CellSize(c)
		if size%segment.Alignment != 0 {
			t.Fatalf("CellSize(%d) = %d is not %d-byte aligned", c, size, segment.Alignment)
		}
		if size <= prev {
			t.Fatalf("CellSize(%d) = %d did not grow past previous class's %d", c, size, prev)
		}
		prev = size
	}
}

func TestEncodeDecodeNodeRoundtrip(t *testing.T) {
	n := newEmptyNode(CapacityClasses[1]) // 16
	n.Version = 7
	n.Reindex = segment.NewFarAddr(0, 4096)

	entries := []struct {
		b          byte
		child      segment.FarAddr
		value      segment.FarAddr
		stemAddr   segment.FarAddr
		stemLen    uint16
		childClass uint8
	}{
		{b: 3, child: segment.NewFarAddr(0, 100), value: segment.NullAddr, stemAddr: segment.NewFarAddr(0, 200), stemLen: 4, childClass: 1},
		{b: 9, child: segment.NullAddr, value: segment.NewFarAddr(0, 300), stemAddr: segment.NullAddr, stemLen: 0, childClass: 0},
		{b: 250, child: segment.NewFarAddr(1, 50), value: segment.NewFarAddr(1, 60), stemAddr: segment.NewFarAddr(1, 70), stemLen: 9, childClass: 3},
	}
	for _, e := range entries {
		if err := n.Occupy(e.b, e.child, e.value, e.stemAddr, e.stemLen, e.childClass); err != nil {
			t.Fatalf("Occupy(%d): %v", e.b, err)
		}
	}

	buf := make([]byte, CellSize(n.Capacity))
	encodeNode(buf, n)

	decoded, err := decodeNode(buf, n.Capacity)
	if err != nil {
		t.Fatalf("decodeNode: %v", err)
	}

	if decoded.Version != n.Version {
		t.Fatalf("Version: got %d, want %d", decoded.Version, n.Version)
	}
	if decoded.Reindex != n.Reindex {
		t.Fatalf("Reindex: got %v, want %v", decoded.Reindex, n.Reindex)
	}
	if decoded.ChildCount != n.ChildCount {
		t.Fatalf("ChildCount: got %d, want %d", decoded.ChildCount, n.ChildCount)
	}
	if decoded.Presence != n.Presence {
		t.Fatalf("Presence: got %v, want %v", decoded.Presence, n.Presence)
	}

	for _, e := range entries {
		idx, ok := decoded.SlotIndex(e.b)
		if !ok {
			t.Fatalf("decoded node missing byte %d", e.b)
		}
		if decoded.Children[idx] != e.child {
			t.Fatalf("byte %d child: got %v, want %v", e.b, decoded.Children[idx], e.child)
		}
		if decoded.Values[idx] != e.value {
			t.Fatalf("byte %d value: got %v, want %v", e.b, decoded.Values[idx], e.value)
		}
		if decoded.StemAddrs[idx] != e.stemAddr {
			t.Fatalf("byte %d stemAddr: got %v, want %v", e.b, decoded.StemAddrs[idx], e.stemAddr)
		}
		if decoded.StemLens[idx] != e.stemLen {
			t.Fatalf("byte %d stemLen: got %d, want %d", e.b, decoded.StemLens[idx], e.stemLen)
		}
		if decoded.ChildClass[idx] != e.childClass {
			t.Fatalf("byte %d childClass: got %d, want %d", e.b, decoded.ChildClass[idx], e.childClass)
		}
	}
}

func TestDecodeNodeRejectsUndersizedCell(t *testing.T) {
	if _, err := decodeNode(make([]byte, 4), CapacityClasses[0]); err == nil {
		t.Fatal("expected an error decoding a cell smaller than the header")
	}
}
