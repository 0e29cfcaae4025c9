package txn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/options"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scratchSlot is a Slot that claims a fixed, generously sized byte region in
// every segment, giving tests arbitrary addresses to read and write through
// a Manager without needing internal/alloc or internal/trie wired in.
type scratchSlot struct{ size uint32 }

func (s *scratchSlot) Name() string                          { return "scratch" }
func (s *scratchSlot) ByteSize(segment.FarAddr) (uint32, error) { return s.size, nil }
func (s *scratchSlot) OnNewSegment(segment.FarAddr) error     { return nil }
func (s *scratchSlot) Open(segment.FarAddr) error             { return nil }
func (s *scratchSlot) CheckIntegrity(segment.FarAddr) error    { return nil }

const testScratchSize = 64 * 1024

// newTestManager builds a Manager over a throwaway single-segment backing
// file, along with the base address of a scratch arena tests can address
// into freely. The Manager and Store are closed automatically.
func newTestManager(t *testing.T, isolation options.IsolationPolicy) (*Manager, segment.FarAddr) {
	t.Helper()

	log := zap.NewNop().Sugar()
	slot := &scratchSlot{size: testScratchSize}
	topology := segment.NewTopology(slot)

	path := filepath.Join(t.TempDir(), "test.seg")
	store, err := segment.Open(path, testScratchSize+4096, topology, log, 0, func(*segment.Store) {})
	require.NoError(t, err)

	txOpts := &options.TransactionOptions{
		Isolation:               isolation,
		LockRetryMaxAttempts:    options.DefaultLockRetryMaxAttempts,
		LockRetryInitialBackoff: options.DefaultLockRetryInitialBackoff,
		GCWakeInterval:          options.DefaultGCWakeInterval,
		HistoryBackend:          "memory",
	}
	mgr := NewManager(store, NewMemHistory(), txOpts, log)

	t.Cleanup(func() {
		_ = mgr.Close()
		_ = store.Close()
	})

	off, _ := topology.SlotOffset(0, 0)
	base := segment.NewFarAddr(0, off)
	return mgr, base
}

func TestWritesAreInvisibleUntilCommit(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	initial := make([]byte, 16)
	req.NoError(mgr.store.WritableBlock(base, initial))

	wr, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	req.NoError(wr.WritableBlock(base, []byte("uncommitted-data")[:16]))

	raw, err := mgr.store.ReadonlyBlock(base, 16)
	req.NoError(err, "raw store reads should never see a staged write before commit")
	req.Equal(initial, raw)

	req.NoError(wr.Commit())

	raw, err = mgr.store.ReadonlyBlock(base, 16)
	req.NoError(err)
	req.Equal([]byte("uncommitted-data")[:16], raw)
}

func TestRollbackNeverTouchesTheStore(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	initial := []byte("original-16-byte")
	req.NoError(mgr.store.WritableBlock(base, initial))

	wr, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	req.NoError(wr.WritableBlock(base, []byte("staged-but-never")))
	req.NoError(wr.Rollback())

	raw, err := mgr.store.ReadonlyBlock(base, uint32(len(initial)))
	req.NoError(err)
	req.Equal(initial, raw, "rollback must leave the store exactly as it was, since nothing was ever written there")
}

func TestOwnWritesAreAlwaysVisibleRegardlessOfIsolation(t *testing.T) {
	for _, policy := range []options.IsolationPolicy{
		options.IsolationPrevent, options.IsolationReadCommitted, options.IsolationReadUncommitted,
	} {
		policy := policy
		t.Run(policy.String(), func(t *testing.T) {
			req := require.New(t)
			mgr, base := newTestManager(t, policy)
			ctx := context.Background()

			tx, err := mgr.BeginTransaction(ctx)
			req.NoError(err)
			req.NoError(tx.WritableBlock(base, []byte("self-read-12")))

			got, err := tx.ReadonlyBlock(base, 12)
			req.NoError(err)
			req.Equal("self-read-12", string(got))
			req.NoError(tx.Commit())
		})
	}
}

func TestReadUncommittedSeesAnotherTransactionsDirtyWrite(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadUncommitted)
	ctx := context.Background()

	writer, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	req.NoError(writer.WritableBlock(base, []byte("dirty-value-1234")))

	reader, err := mgr.BeginROTransaction(ctx)
	req.NoError(err)

	got, err := reader.ReadonlyBlock(base, 16)
	req.NoError(err)
	req.Equal("dirty-value-1234", string(got), "IsolationReadUncommitted must overlay another transaction's uncommitted write")

	req.NoError(writer.Commit())
	req.NoError(reader.Rollback())
}

func TestReadCommittedNeverSeesAnotherTransactionsDirtyWrite(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	committed := []byte("committed-value-")
	req.NoError(mgr.store.WritableBlock(base, committed))

	writer, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	req.NoError(writer.WritableBlock(base, []byte("uncommitted-xxxx")))

	reader, err := mgr.BeginROTransaction(ctx)
	req.NoError(err)

	got, err := reader.ReadonlyBlock(base, uint32(len(committed)))
	req.NoError(err)
	req.Equal(committed, got, "ReadCommitted must never observe another transaction's uncommitted write")

	req.NoError(writer.Commit())
	req.NoError(reader.Rollback())
}

func TestConcurrentDisjointRangeWritersBothSucceed(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	addrA := base
	addrB := base.Add(256)

	txA, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	txB, err := mgr.BeginTransaction(ctx)
	req.NoError(err, "BeginTransaction must not refuse a second writer outright — only an actual address conflict should")

	var wg sync.WaitGroup
	wg.Add(2)
	var errA, errB error
	go func() {
		defer wg.Done()
		errA = txA.WritableBlock(addrA, []byte("from-A"))
	}()
	go func() {
		defer wg.Done()
		errB = txB.WritableBlock(addrB, []byte("from-B"))
	}()
	wg.Wait()

	req.NoError(errA)
	req.NoError(errB)
	req.NoError(txA.Commit())
	req.NoError(txB.Commit())

	gotA, err := mgr.store.ReadonlyBlock(addrA, 6)
	req.NoError(err)
	req.Equal("from-A", string(gotA))

	gotB, err := mgr.store.ReadonlyBlock(addrB, 6)
	req.NoError(err)
	req.Equal("from-B", string(gotB))
}

func TestOverlappingWriteIsRefusedWhileDisjointIsNot(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	txA, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	txB, err := mgr.BeginTransaction(ctx)
	req.NoError(err)

	req.NoError(txA.WritableBlock(base, []byte("first-writer")))

	err = txB.WritableBlock(base, []byte("second-writer"))
	req.Error(err, "a second transaction writing the same address txA already holds must be refused")

	req.NoError(txB.WritableBlock(base.Add(64), []byte("disjoint")), "a write to an address no other transaction holds must be allowed")

	req.NoError(txA.Commit())
	req.NoError(txB.Rollback())
}

func TestRetainedReadLockBlocksConflictingWrite(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	reader, err := mgr.BeginROTransaction(ctx)
	req.NoError(err)
	_, err = reader.ReadonlyBlockHinted(base, 16, ROKeepLock)
	req.NoError(err)

	writer, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	err = writer.WritableBlock(base, []byte("should-not-write"))
	req.Error(err, "a retained ROKeepLock read lock must block a conflicting write to the same address")

	req.NoError(reader.Rollback())

	// Once the read lock is released, the same write now succeeds.
	err = writer.WritableBlock(base, []byte("now-it-works-16b"))
	req.NoError(err)
	req.NoError(writer.Commit())
}

func TestSavepointRollbackRestoresPriorShadowState(t *testing.T) {
	req := require.New(t)
	mgr, base := newTestManager(t, options.IsolationReadCommitted)
	ctx := context.Background()

	tx, err := mgr.BeginTransaction(ctx)
	req.NoError(err)
	req.NoError(tx.WritableBlock(base, []byte("before-savepoint")))

	sp, err := tx.CreateSavepoint()
	req.NoError(err)

	req.NoError(tx.WritableBlock(base, []byte("after-the-point!")))
	got, err := tx.ReadonlyBlock(base, 16)
	req.NoError(err)
	req.Equal("after-the-point!", string(got))

	req.NoError(tx.RollbackToSavepoint(sp))
	got, err = tx.ReadonlyBlock(base, 16)
	req.NoError(err)
	req.Equal("before-savepoint", string(got))

	req.NoError(tx.Commit())
	raw, err := mgr.store.ReadonlyBlock(base, 16)
	req.NoError(err)
	req.Equal("before-savepoint", string(raw))
}
