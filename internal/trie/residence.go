package trie

import (
	"encoding/binary"
	"sync"

	"github.com/iamNilotpal/ignite/internal/alloc"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/internal/txn"
	"github.com/iamNilotpal/ignite/pkg/errors"
)

// residenceSize is the fixed byte footprint of the trie-residence block: the
// root node's far address, the root's capacity class, the distinct
// terminal-key count, and the total allocated node count.
const residenceSize = 8 + 8 + 8 + 8

// Residence is the segment.Slot that gives the whole trie a fixed, known
// location to anchor itself from: the far address of its root node plus the
// running size()/nodes_count() counters, all mutated only inside
// transactions so their updates inherit C7's isolation. It only claims
// space in segment 0, matching §6's "segment 0 contains ... slot payloads
// including the trie residence slot".
type Residence struct {
	bootstrap alloc.BlockAccessor // used only by OnNewSegment/Open, before any transaction exists

	mu   sync.Mutex
	addr segment.FarAddr // this block's own location in segment 0
}

// NewResidence builds a Residence slot that formats/reads itself through
// bootstrap, the same accessor (the segment.Store) every other slot uses
// for its structural housekeeping outside of transactions.
func NewResidence(bootstrap alloc.BlockAccessor) *Residence {
	return &Residence{bootstrap: bootstrap, addr: segment.NullAddr}
}

func (r *Residence) Name() string { return "trie-residence" }

// ByteSize claims space only in segment 0; every later segment declines residence.
func (r *Residence) ByteSize(addr segment.FarAddr) (uint32, error) {
	if addr.Segment() != 0 {
		return 0, nil
	}
	return segment.AlignUp(residenceSize), nil
}

// OnNewSegment formats an empty residence block (no root yet) the one time
// segment 0 is created.
func (r *Residence) OnNewSegment(addr segment.FarAddr) error {
	if addr.Segment() != 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr = addr

	buf := make([]byte, residenceSize)
	binary.NativeEndian.PutUint64(buf[0:8], uint64(segment.NullAddr))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(CapacityClasses[0]))
	return r.bootstrap.WritableBlock(addr, buf)
}

// Open just remembers this segment's offset; its payload is read lazily by
// Load whenever the trie needs it.
func (r *Residence) Open(addr segment.FarAddr) error {
	if addr.Segment() != 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr = addr
	return nil
}

// CheckIntegrity has nothing structural of its own to validate; a corrupt
// root address surfaces as a failed node read the first time it is used.
func (r *Residence) CheckIntegrity(addr segment.FarAddr) error { return nil }

// residenceState is the decoded payload of the residence block.
type residenceState struct {
	root          segment.FarAddr
	rootCapacity  int
	size          uint64
	nodesCount    uint64
}

// Load reads the current residence state through accessor, which is
// whichever transaction (or, during bootstrap, the store) is live.
func (r *Residence) Load(accessor alloc.BlockAccessor) (residenceState, error) {
	r.mu.Lock()
	addr := r.addr
	r.mu.Unlock()
	if addr.IsNull() {
		return residenceState{}, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "trie residence slot was never bound to segment 0")
	}

	raw, err := accessor.ReadonlyBlock(addr, residenceSize)
	if err != nil {
		return residenceState{}, err
	}
	return residenceState{
		root:         segment.FarAddr(binary.NativeEndian.Uint64(raw[0:8])),
		rootCapacity: int(binary.NativeEndian.Uint64(raw[8:16])),
		size:         binary.NativeEndian.Uint64(raw[16:24]),
		nodesCount:   binary.NativeEndian.Uint64(raw[24:32]),
	}, nil
}

// LoadForUpdate reads the residence state the same way Load does, but
// retains a read lock on the residence block with tx until tx either writes
// it back (via Store, routed through WritableBlockHinted elsewhere in this
// transaction) or finishes. Every write-path caller that plans to read the
// residence block and then possibly write it back — insert, erase, and
// prefix-erase all do — must use this instead of Load, so no other
// transaction's write can slip in between the read and the write it guards.
func (r *Residence) LoadForUpdate(tx *txn.Transaction) (residenceState, error) {
	r.mu.Lock()
	addr := r.addr
	r.mu.Unlock()
	if addr.IsNull() {
		return residenceState{}, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "trie residence slot was never bound to segment 0")
	}

	raw, err := tx.ReadonlyBlockHinted(addr, residenceSize, txn.ROKeepLock)
	if err != nil {
		return residenceState{}, err
	}
	return residenceState{
		root:         segment.FarAddr(binary.NativeEndian.Uint64(raw[0:8])),
		rootCapacity: int(binary.NativeEndian.Uint64(raw[8:16])),
		size:         binary.NativeEndian.Uint64(raw[16:24]),
		nodesCount:   binary.NativeEndian.Uint64(raw[24:32]),
	}, nil
}

// Store persists a new residence state through accessor.
func (r *Residence) Store(accessor alloc.BlockAccessor, st residenceState) error {
	r.mu.Lock()
	addr := r.addr
	r.mu.Unlock()
	if addr.IsNull() {
		return errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "trie residence slot was never bound to segment 0")
	}

	buf := make([]byte, residenceSize)
	binary.NativeEndian.PutUint64(buf[0:8], uint64(st.root))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(st.rootCapacity))
	binary.NativeEndian.PutUint64(buf[16:24], st.size)
	binary.NativeEndian.PutUint64(buf[24:32], st.nodesCount)
	return accessor.WritableBlock(addr, buf)
}
