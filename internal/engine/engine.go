// Package engine provides the core database engine implementation for the
// Ignite storage system.
//
// The engine is the central coordinator: it bootstraps (or reopens) the
// mmap'd backing file laid out by internal/segment, wires the two
// allocators (internal/alloc) and the event-sourcing transaction manager
// (internal/txn) over it, and builds the 256-way radix trie (internal/trie)
// those subsystems back. Every exported operation on the facade in
// pkg/ignite ultimately runs through the Trie this file assembles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/iamNilotpal/ignite/internal/alloc"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/internal/trie"
	"github.com/iamNilotpal/ignite/internal/txn"
	ierrors "github.com/iamNilotpal/ignite/pkg/errors"
	"github.com/iamNilotpal/ignite/pkg/filesys"
	"github.com/iamNilotpal/ignite/pkg/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrEngineClosed is returned when attempting to perform operations on a closed engine.
	ErrEngineClosed = errors.New("operation failed: cannot access closed engine")
)

// backingFileName is the single mmap'd file every segment lives inside,
// named from the configured segment prefix the same way internal/storage
// names its rotating log files.
const backingFileName = ".seg"

// residenceArenaMargin is subtracted from the segment's usable byte budget
// before splitting the remainder between the stem and value heaps, leaving
// headroom for the trie-residence block and alignment padding.
const residenceArenaMargin = 4096

// stemsShare is the fraction of the heap budget given to the stems heap;
// stems are short compressed byte runs, typically far smaller than stored
// values, so the remainder goes to the values heap.
const stemsShare = 0.3

// Engine coordinates the segment store, its allocators, the transaction
// manager, and the radix trie built on top of them. It is the lowest layer
// pkg/ignite's facade talks to; nothing above it knows about far addresses,
// capacity classes, or transactions.
type Engine struct {
	options *options.Options
	log     *zap.SugaredLogger
	closed  atomic.Bool

	store *segment.Store
	txns  *txn.Manager
	hist  txn.History

	stems     *alloc.Heap
	values    *alloc.Heap
	nodePools map[int]*alloc.Pool[trie.Node]

	trie *trie.Trie[[]byte]
}

// Config holds all the parameters needed to initialize a new Engine instance.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// storeRef is a late-bound alloc.BlockAccessor. Every topology Slot (the
// two heaps, the six node pools, the trie residence) needs an accessor at
// construction time, but the only accessor that exists before segment.Open
// runs is the Store it is in the middle of building. storeRef is handed to
// every slot as a stand-in, then resolved to the real Store the instant
// segment.Open constructs one, via the bind hook.
type storeRef struct {
	store *segment.Store
}

func (r *storeRef) bind(s *segment.Store) { r.store = s }

func (r *storeRef) ReadonlyBlock(addr segment.FarAddr, length uint32) ([]byte, error) {
	return r.store.ReadonlyBlock(addr, length)
}

func (r *storeRef) WritableBlock(addr segment.FarAddr, src []byte) error {
	return r.store.WritableBlock(addr, src)
}

func (r *storeRef) EnsureSegment(i uint32) error {
	return r.store.EnsureSegment(i)
}

// New creates and initializes a new Engine instance with the provided
// configuration, bootstrapping the backing file on first run or reopening
// it on every run after. Change history is replayed from disk only with the
// "file" history backend; the default "memory" backend starts empty.
func New(ctx context.Context, config *Config) (*Engine, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, fmt.Errorf("invalid configuration")
	}
	opts := config.Options
	log := config.Logger

	segmentDirPath := filepath.Join(opts.DataDir, opts.SegmentOptions.Directory)
	if err := filesys.CreateDir(segmentDirPath, 0755, true); err != nil {
		return nil, ierrors.NewStorageError(
			err, ierrors.ErrorCodeIO, "failed to create segment directory",
		).WithPath(segmentDirPath).WithDetail("permission", "0755").WithDetail("forceCreate", true)
	}
	backingPath := filepath.Join(segmentDirPath, opts.SegmentOptions.Prefix+backingFileName)

	ref := &storeRef{}

	nodePools := make(map[int]*alloc.Pool[trie.Node], len(trie.CapacityClasses))
	var poolsTotal uint64
	for _, class := range trie.CapacityClasses {
		cellSize := trie.CellSize(class)
		poolsTotal += uint64(cellSize) * uint64(opts.AllocatorOptions.NodePoolCapacity)
	}

	stemsBytes, valuesBytes, err := arenaSplit(opts.SegmentOptions.Size, poolsTotal)
	if err != nil {
		return nil, err
	}

	stems := alloc.NewHeap(ref, stemsBytes, log)
	values := alloc.NewHeap(ref, valuesBytes, log)
	for _, class := range trie.CapacityClasses {
		name := fmt.Sprintf("trie-node-%d", class)
		nodePools[class] = alloc.NewPool[trie.Node](name, ref, trie.CellSize(class), opts.AllocatorOptions.NodePoolCapacity, log)
	}
	residence := trie.NewResidence(ref)

	slots := make([]segment.Slot, 0, 2+len(trie.CapacityClasses)+1)
	slots = append(slots, stems, values)
	for _, class := range trie.CapacityClasses {
		slots = append(slots, nodePools[class])
	}
	slots = append(slots, residence)
	topology := segment.NewTopology(slots...)

	store, err := segment.Open(backingPath, uint32(opts.SegmentOptions.Size), topology, log, 0, ref.bind)
	if err != nil {
		return nil, err
	}

	hist, err := txn.NewHistory(opts.TransactionOptions, opts.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	txns := txn.NewManager(store, hist, opts.TransactionOptions, log)
	nodes := trie.NewNodeManager(nodePools, stems)
	tr := trie.NewTrie[[]byte](txns, nodes, values, trie.BytesValueManager{}, residence, opts.TransactionOptions, log)

	log.Infow("engine ready", "backingFile", backingPath, "segments", store.AvailableSegments())

	return &Engine{
		options:   opts,
		log:       log,
		store:     store,
		txns:      txns,
		hist:      hist,
		stems:     stems,
		values:    values,
		nodePools: nodePools,
		trie:      tr,
	}, nil
}

// arenaSplit divides the budget left over after the fixed-size node pools
// claim their share between the stem and value heaps, leaving
// residenceArenaMargin bytes of headroom. A segment too small to fit both
// the configured node pools and a usable heap is a configuration error,
// not something to silently clamp around.
func arenaSplit(segmentSize uint64, poolsTotal uint64) (stems uint32, values uint32, err error) {
	if poolsTotal+residenceArenaMargin >= segmentSize {
		return 0, 0, fmt.Errorf("segment size %d too small for configured node pools (%d bytes)", segmentSize, poolsTotal)
	}
	remaining := segmentSize - poolsTotal - residenceArenaMargin
	stemsBytes := uint64(float64(remaining) * stemsShare)
	valuesBytes := remaining - stemsBytes
	return segment.AlignUp(uint32(stemsBytes)), segment.AlignUp(uint32(valuesBytes)), nil
}

// Trie exposes the underlying radix trie for pkg/ignite's facade methods.
func (e *Engine) Trie() *trie.Trie[[]byte] {
	return e.trie
}

// PoolUsage reports one capacity class's fixed-pool occupancy.
type PoolUsage struct {
	InUse uint64
	Free  uint64
}

// Stats is a point-in-time diagnostics snapshot: segment count, stem/value
// heap occupancy, per-class node pool occupancy, change-history log size,
// and the trie's own key/node counters. Debug/ops use only — never read on
// the hot path.
type Stats struct {
	Segments        uint32
	StemsLive       uint64
	StemsFree       uint64
	ValuesLive      uint64
	ValuesFree      uint64
	NodePools       map[int]PoolUsage
	HistoryEntries  int
	TrieSize        uint64
	TrieNodesCount  uint64
}

// Stats assembles a Stats snapshot.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrEngineClosed
	}

	size, err := e.trie.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	nodesCount, err := e.trie.NodesCount(ctx)
	if err != nil {
		return Stats{}, err
	}

	stemsLive, stemsFree := e.stems.UsageInfo()
	valuesLive, valuesFree := e.values.UsageInfo()

	pools := make(map[int]PoolUsage, len(e.nodePools))
	for class, pool := range e.nodePools {
		inUse, free := pool.UsageInfo()
		pools[class] = PoolUsage{InUse: inUse, Free: free}
	}

	return Stats{
		Segments:       e.store.AvailableSegments(),
		StemsLive:      stemsLive,
		StemsFree:      stemsFree,
		ValuesLive:     valuesLive,
		ValuesFree:     valuesFree,
		NodePools:      pools,
		HistoryEntries: e.hist.Len(),
		TrieSize:       size,
		TrieNodesCount: nodesCount,
	}, nil
}

// CheckIntegrity walks every segment and every registered slot's debug-only
// integrity check, surfacing the first inconsistency found.
func (e *Engine) CheckIntegrity() error {
	return e.store.CheckIntegrity()
}

// Close gracefully shuts down the engine: stops the transaction manager's
// background GC worker (which also closes the change-history log it owns),
// flushes every mapped segment, and unmaps the backing file.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}

	var err error
	err = multierr.Append(err, e.txns.Close()) // also closes e.hist
	err = multierr.Append(err, e.store.Flush())
	err = multierr.Append(err, e.store.Close())
	return err
}
