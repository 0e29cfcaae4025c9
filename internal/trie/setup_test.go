package trie

import (
	"path/filepath"
	"testing"

	"github.com/iamNilotpal/ignite/internal/alloc"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/internal/txn"
	"github.com/iamNilotpal/ignite/pkg/options"
	"go.uber.org/zap"
)

// testStoreRef is this package's own copy of internal/engine's late-bound
// alloc.BlockAccessor: every topology Slot needs an accessor before
// segment.Open has built the Store that accessor wraps, so the Store is
// resolved into testStoreRef's field via segment.Open's bind hook instead of
// being known up front. internal/trie can't import internal/engine (which
// imports internal/trie), so the harness is duplicated here rather than
// shared.
type testStoreRef struct {
	store *segment.Store
}

func (r *testStoreRef) bind(s *segment.Store) { r.store = s }

func (r *testStoreRef) ReadonlyBlock(addr segment.FarAddr, length uint32) ([]byte, error) {
	return r.store.ReadonlyBlock(addr, length)
}

func (r *testStoreRef) WritableBlock(addr segment.FarAddr, src []byte) error {
	return r.store.WritableBlock(addr, src)
}

func (r *testStoreRef) EnsureSegment(i uint32) error {
	return r.store.EnsureSegment(i)
}

// testPoolCapacity is how many cells of each capacity class live in a single
// segment of the test harness. Kept small on purpose: most trie tests insert
// enough keys to roll over into a second or third segment at least once,
// exercising segment rotation as a side effect of ordinary tests rather than
// needing a dedicated segment-rotation test.
const testPoolCapacity = 8

// testSegmentSize comfortably fits testPoolCapacity cells of every
// CapacityClasses entry plus a small stem/value heap and the residence
// block, with headroom for the topology header.
const testSegmentSize = 200 * 1024

// testHarness bundles everything newTestTrie builds, for tests that need to
// reach past the Trie itself (e.g. to force a transaction manually, or to
// inspect allocator occupancy).
type testHarness struct {
	store *segment.Store
	txns  *txn.Manager
	trie  *Trie[[]byte]
}

// newTestTrie builds a fully wired Trie[[]byte] over a throwaway backing
// file in t.TempDir(), mirroring internal/engine's bootstrap sequence at a
// much smaller scale. The returned harness's Manager and Store are closed
// automatically via t.Cleanup.
func newTestTrie(t *testing.T, opts ...func(*options.TransactionOptions)) *testHarness {
	t.Helper()

	txOpts := &options.TransactionOptions{
		Isolation:               options.IsolationPrevent,
		LockRetryMaxAttempts:    options.DefaultLockRetryMaxAttempts,
		LockRetryInitialBackoff: options.DefaultLockRetryInitialBackoff,
		GCWakeInterval:          options.DefaultGCWakeInterval,
		HistoryBackend:          "memory",
	}
	for _, opt := range opts {
		opt(txOpts)
	}

	log := zap.NewNop().Sugar()
	ref := &testStoreRef{}

	stems := alloc.NewHeap(ref, 16*1024, log)
	values := alloc.NewHeap(ref, 32*1024, log)

	pools := make(map[int]*alloc.Pool[Node], len(CapacityClasses))
	for _, class := range CapacityClasses {
		name := "trie-node-test"
		pools[class] = alloc.NewPool[Node](name, ref, CellSize(class), testPoolCapacity, log)
	}
	residence := NewResidence(ref)

	slots := make([]segment.Slot, 0, 2+len(CapacityClasses)+1)
	slots = append(slots, stems, values)
	for _, class := range CapacityClasses {
		slots = append(slots, pools[class])
	}
	slots = append(slots, residence)
	topology := segment.NewTopology(slots...)

	path := filepath.Join(t.TempDir(), "test.seg")
	store, err := segment.Open(path, testSegmentSize, topology, log, 0, ref.bind)
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}

	hist := txn.NewMemHistory()
	txns := txn.NewManager(store, hist, txOpts, log)

	nodes := NewNodeManager(pools, stems)
	tr := NewTrie[[]byte](txns, nodes, values, BytesValueManager{}, residence, txOpts, log)

	t.Cleanup(func() {
		_ = txns.Close()
		_ = store.Close()
	})

	return &testHarness{store: store, txns: txns, trie: tr}
}
