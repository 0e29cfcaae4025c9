package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/pkg/errors"
	"github.com/iamNilotpal/ignite/pkg/options"
	"go.uber.org/zap"
)

// Hint is a bitmask a caller attaches to a block access (ReadonlyBlockHinted,
// WritableBlockHinted, UpgradeToWritableBlock) to describe the nature of the
// access, letting Manager skip bookkeeping it can prove is unnecessary.
type Hint uint32

const (
	HintNone Hint = 0
	// ROKeepLock asks a read-only access (ReadonlyBlockHinted) to retain its
	// read lock with the manager instead of releasing it the instant the
	// read returns, and asks a later UpgradeToWritableBlock on the same
	// address not to release it either. A retained lock blocks any other
	// transaction's write to that address (see acquireWriteLock) until this
	// transaction releases it — by finishing, or by a later write
	// (WritableBlockHinted or UpgradeToWritableBlock) on the same address
	// that omits the hint; a later read without the hint keeps it. It
	// exists for the read-then-maybe-
	// write sequence a mutating trie operation runs against the residence
	// block: nothing may slip in a conflicting write between the read that
	// decides whether to mutate and the write that follows.
	ROKeepLock Hint = 1 << 0
	// Update marks a write as modifying existing live content, the
	// default assumption when no hint is given.
	Update Hint = 1 << 1
	// NewC ("new create") marks a write as initializing a block that has
	// no meaningful prior content, letting Manager skip capturing a
	// pre-image for it.
	NewC Hint = 1 << 2
	// AllowBlockRealloc tells the allocator layer above Manager that this
	// write may legally relocate to a different address if the current
	// one can't hold the new size; Manager itself only threads the hint
	// through, it does not interpret it.
	AllowBlockRealloc Hint = 1 << 3
)

// savepointState is the lifecycle a Savepoint moves through: it starts
// active, transitions to sealed_rollback_only the first time it is rolled
// back to (further rollbacks-to are harmless replays of an already-empty
// undo chain but it can no longer be independently released), and finally
// to sealed_noop once its owning transaction finishes, after which every
// operation on it is a documented no-op.
type savepointState int

const (
	savepointActive savepointState = iota
	savepointSealedRollbackOnly
	savepointSealedNoop
)

// Savepoint is a named point in a transaction's write history that the
// transaction can later roll back to without discarding writes made before
// the savepoint was created.
type Savepoint struct {
	id    uint64
	state savepointState
	mark  int // index into the owning transaction's undo log at creation time
}

// undoEntry is one write's prior shadow content, kept in transaction-local
// order so a savepoint rollback can replay a suffix of it instead of the
// whole thing. hadShadow distinguishes "addr held no staged write before
// this one" (undo by deleting the shadow entry) from "addr already held
// staged content" (undo by restoring pre verbatim).
type undoEntry struct {
	addr      segment.FarAddr
	pre       []byte
	hadShadow bool
}

// Transaction is a single unit of work against the store. It implements
// alloc.BlockAccessor, so internal/alloc and internal/trie read and write
// blocks through it exactly as they would through internal/segment.Store
// directly during bootstrap — the difference is that every write is staged
// in a transaction-local shadow buffer and materialized into the shared
// store only by Commit, so no other transaction can observe it before then.
type Transaction struct {
	id        uint64
	manager   *Manager
	readonly  bool
	isolation options.IsolationPolicy
	epoch     uint64

	mu         sync.Mutex
	shadow     map[segment.FarAddr][]byte // staged writes, addr -> pending bytes
	roHeld     map[segment.FarAddr]bool   // addresses this tx retains a read lock on
	undo       []undoEntry
	savepoints []*Savepoint
	nextSPID   uint64
	finished   bool
}

// ID returns the transaction's identifier, used in error reporting and by
// the caller to label log lines.
func (t *Transaction) ID() uint64 { return t.id }

// ReadonlyBlock returns a copy of the bytes visible to this transaction at
// addr, honoring its isolation policy. It is ReadonlyBlockHinted with no
// hint, so no read lock is retained past the call.
func (t *Transaction) ReadonlyBlock(addr segment.FarAddr, length uint32) ([]byte, error) {
	return t.ReadonlyBlockHinted(addr, length, HintNone)
}

// ReadonlyBlockHinted is ReadonlyBlock with an explicit Hint. Passing
// ROKeepLock registers this transaction as retaining a read lock on addr
// with the manager, so a concurrent write targeting the same address is
// refused until this transaction releases it.
func (t *Transaction) ReadonlyBlockHinted(addr segment.FarAddr, length uint32, hint Hint) ([]byte, error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil, errors.NewTransactionGhostStateError(t.id)
	}

	// A transaction always sees its own staged writes first, under every
	// isolation policy — this is reading back what the transaction itself
	// just wrote, not a dirty read of someone else's work.
	if buf, ok := t.shadow[addr]; ok {
		out := make([]byte, length)
		copy(out, buf)
		t.applyReadHintLocked(addr, hint)
		t.mu.Unlock()
		return out, nil
	}
	t.applyReadHintLocked(addr, hint)
	t.mu.Unlock()

	// IsolationReadUncommitted overlays another transaction's in-flight
	// write on addr — the one genuine dirty read among the three
	// policies. Prevent and ReadCommitted never overlay: since no
	// transaction other than the one holding addr's write lock ever
	// mutates the shared store before committing, a direct store read for
	// them is always exactly the last committed image, unconditionally.
	if t.isolation == options.IsolationReadUncommitted {
		if dirty, ok := t.manager.dirtyShadowOf(addr, t.id); ok {
			out := make([]byte, length)
			copy(out, dirty)
			return out, nil
		}
	}

	return t.manager.store.ReadonlyBlock(addr, length)
}

// applyReadHintLocked must be called with t.mu held.
func (t *Transaction) applyReadHintLocked(addr segment.FarAddr, hint Hint) {
	if hint&ROKeepLock == 0 {
		return
	}
	if t.roHeld == nil {
		t.roHeld = make(map[segment.FarAddr]bool)
	}
	t.roHeld[addr] = true
	t.manager.acquireReadLock(t.id, addr)
}

// releaseReadLockLocked must be called with t.mu held.
func (t *Transaction) releaseReadLockLocked(addr segment.FarAddr) {
	if !t.roHeld[addr] {
		return
	}
	delete(t.roHeld, addr)
	t.manager.releaseReadLock(t.id, addr)
}

// WritableBlock applies src as the new contents of addr within this
// transaction, recording a pre-image the first time this transaction
// touches addr (unless hint says NewC, the block has no prior content
// worth preserving). The write is staged in this transaction's shadow
// buffer; it is invisible to every other transaction until Commit
// materializes it into the shared store.
func (t *Transaction) WritableBlock(addr segment.FarAddr, src []byte) error {
	return t.WritableBlockHinted(addr, src, HintNone)
}

// WritableBlockHinted is WritableBlock with an explicit Hint.
func (t *Transaction) WritableBlockHinted(addr segment.FarAddr, src []byte, hint Hint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return errors.NewTransactionGhostStateError(t.id)
	}
	if t.readonly {
		return errors.NewStorageError(nil, errors.ErrorCodeInvalidInput, "write attempted on a read-only transaction")
	}

	if err := t.manager.acquireWriteLock(t, addr); err != nil {
		return err
	}

	prevShadow, hadShadow := t.shadow[addr]
	if hint&NewC == 0 && !hadShadow {
		pre, err := t.manager.store.ReadonlyBlock(addr, uint32(len(src)))
		if err != nil {
			return err
		}
		if err := t.manager.history.Record(BlockProfile{
			Range:  segment.FarRange{Addr: addr, Len: uint32(len(src))},
			TxID:   t.id,
			Epoch:  t.epoch,
			Shadow: pre,
			Kind:   BlockWritable,
		}); err != nil {
			return err
		}
	}

	t.undo = append(t.undo, undoEntry{addr: addr, pre: prevShadow, hadShadow: hadShadow})
	if t.shadow == nil {
		t.shadow = make(map[segment.FarAddr][]byte)
	}

	buf := t.manager.shadow.Get(len(src))
	copy(buf, src)
	t.shadow[addr] = buf

	if hint&ROKeepLock == 0 {
		t.releaseReadLockLocked(addr)
	}
	return nil
}

// UpgradeToWritableBlock converts a block this transaction has only read
// so far into one it intends to write, recording its pre-image up front
// (unless hint is NewC) and returning a scratch copy the caller mutates in
// place before handing it back to WritableBlock. It saves a second
// ReadonlyBlock round trip in a read-modify-write sequence.
func (t *Transaction) UpgradeToWritableBlock(addr segment.FarAddr, length uint32, hint Hint) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil, errors.NewTransactionGhostStateError(t.id)
	}
	if t.readonly {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeInvalidInput, "write attempted on a read-only transaction")
	}
	if err := t.manager.acquireWriteLock(t, addr); err != nil {
		return nil, err
	}

	shadowed, hadShadow := t.shadow[addr]
	var cur []byte
	if hadShadow {
		cur = make([]byte, length)
		copy(cur, shadowed)
	} else {
		raw, err := t.manager.store.ReadonlyBlock(addr, length)
		if err != nil {
			return nil, err
		}
		cur = raw
	}

	if hint&NewC == 0 && !hadShadow {
		if err := t.manager.history.Record(BlockProfile{
			Range:  segment.FarRange{Addr: addr, Len: length},
			TxID:   t.id,
			Epoch:  t.epoch,
			Shadow: cur,
			Kind:   BlockWritable,
		}); err != nil {
			return nil, err
		}
	}

	if hint&ROKeepLock == 0 {
		t.releaseReadLockLocked(addr)
	}
	return cur, nil
}

// CreateSavepoint marks the transaction's current write position so a
// later RollbackToSavepoint can undo everything written since.
func (t *Transaction) CreateSavepoint() (*Savepoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil, errors.NewTransactionGhostStateError(t.id)
	}
	t.nextSPID++
	sp := &Savepoint{id: t.nextSPID, state: savepointActive, mark: len(t.undo)}
	t.savepoints = append(t.savepoints, sp)
	return sp, nil
}

// RollbackToSavepoint undoes every write made since sp was created,
// restoring each affected address's shadow content (or absence of it) in
// reverse order. Nothing is written to the shared store — the writes being
// undone were never there in the first place.
func (t *Transaction) RollbackToSavepoint(sp *Savepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return errors.NewTransactionGhostStateError(t.id)
	}
	if sp.state == savepointSealedNoop {
		return nil
	}

	for i := len(t.undo) - 1; i >= sp.mark; i-- {
		entry := t.undo[i]
		if entry.hadShadow {
			t.shadow[entry.addr] = entry.pre
		} else {
			delete(t.shadow, entry.addr)
		}
	}
	t.undo = t.undo[:sp.mark]
	sp.state = savepointSealedRollbackOnly
	return nil
}

// ReleaseSavepoint discards sp without rolling back, keeping its writes.
func (t *Transaction) ReleaseSavepoint(sp *Savepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sp.state == savepointSealedRollbackOnly {
		return errors.NewTransactionGhostStateError(t.id)
	}
	sp.state = savepointSealedNoop
	return nil
}

// Commit finalizes the transaction: every staged write is materialized into
// the shared store, each block it wrote is marked committed in the change-
// history log, and its locks are released. Only after this returns can
// another transaction observe the writes.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return errors.NewTransactionGhostStateError(t.id)
	}
	t.finished = true
	for _, sp := range t.savepoints {
		sp.state = savepointSealedNoop
	}
	writes := t.shadow
	t.shadow = nil
	t.mu.Unlock()

	for addr, buf := range writes {
		if err := t.manager.store.WritableBlock(addr, buf); err != nil {
			return err
		}
		t.manager.history.MarkCommitted(addr, t.id)
		t.manager.shadow.Put(buf)
	}
	if err := t.manager.store.Flush(); err != nil {
		return err
	}
	t.manager.finish(t)
	return nil
}

// Rollback discards every write the transaction staged and releases its
// locks. Because staged writes never left the transaction's shadow buffer,
// there is nothing to undo in the shared store.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return errors.NewTransactionGhostStateError(t.id)
	}
	t.finished = true
	for _, sp := range t.savepoints {
		sp.state = savepointSealedNoop
	}
	writes := t.shadow
	t.shadow = nil
	t.mu.Unlock()

	for addr, buf := range writes {
		t.manager.history.MarkRolledBack(addr, t.id)
		t.manager.shadow.Put(buf)
	}
	t.manager.finish(t)
	return nil
}

// Manager is the transaction layer's entry point: it begins and finalizes
// transactions, arbitrates block-level read/write locks according to the
// configured IsolationPolicy, and runs a background GC sweep over the
// change-history log.
type Manager struct {
	store   *segment.Store
	history History
	shadow  *Cache
	opts    *options.TransactionOptions
	log     *zap.SugaredLogger

	mu            sync.Mutex
	nextTxID      uint64
	nextEpoch     uint64
	activeWriters map[uint64]bool
	activeReaders map[uint64]bool
	writeLocks    map[segment.FarAddr]uint64          // addr -> holding txID
	roLocks       map[segment.FarAddr]map[uint64]bool // addr -> retaining txIDs
	active        map[uint64]*Transaction

	gcCond   *sync.Cond
	gcClosed atomic.Bool
}

// NewManager builds a Manager over store, using history as its change-
// history backend.
func NewManager(store *segment.Store, history History, opts *options.TransactionOptions, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:         store,
		history:       history,
		shadow:        NewCache(),
		opts:          opts,
		log:           log,
		activeWriters: make(map[uint64]bool),
		activeReaders: make(map[uint64]bool),
		writeLocks:    make(map[segment.FarAddr]uint64),
		roLocks:       make(map[segment.FarAddr]map[uint64]bool),
		active:        make(map[uint64]*Transaction),
	}
	m.gcCond = sync.NewCond(&m.mu)
	go m.gcLoop()
	go m.gcTicker()
	return m
}

// BeginTransaction starts a writable transaction. Under IsolationPrevent it
// is refused while a read-only transaction is active. It never refuses a
// writer just because another writer is already open — two writers
// touching disjoint addresses proceed concurrently under every isolation
// policy. A conflict is only ever detected, address by address, the moment
// a write actually targets an address another open transaction already
// holds a lock on — see acquireWriteLock.
func (m *Manager) BeginTransaction(ctx context.Context) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Isolation == options.IsolationPrevent && len(m.activeReaders) > 0 {
		var other uint64
		for id := range m.activeReaders {
			other = id
			break
		}
		return nil, errors.NewRoTransactionStartedError(other)
	}

	m.nextTxID++
	m.nextEpoch++
	tx := &Transaction{
		id:        m.nextTxID,
		manager:   m,
		isolation: m.opts.Isolation,
		epoch:     m.nextEpoch,
	}
	m.activeWriters[tx.id] = true
	m.active[tx.id] = tx
	return tx, nil
}

// BeginROTransaction starts a read-only transaction. Under IsolationPrevent
// it is refused while a writer is active; otherwise read-only transactions
// never conflict with a writer, only observing an older snapshot of blocks
// the writer has touched.
func (m *Manager) BeginROTransaction(ctx context.Context) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Isolation == options.IsolationPrevent && len(m.activeWriters) > 0 {
		var other uint64
		for id := range m.activeWriters {
			other = id
			break
		}
		return nil, errors.NewCannotStartRoTransactionError(other)
	}

	m.nextTxID++
	tx := &Transaction{
		id:        m.nextTxID,
		manager:   m,
		readonly:  true,
		isolation: m.opts.Isolation,
		epoch:     m.nextEpoch,
	}
	m.activeReaders[tx.id] = true
	m.active[tx.id] = tx
	return tx, nil
}

// acquireWriteLock grants t a write lock on addr, refusing it when another
// transaction already holds the write lock there (a write-write conflict)
// or retains a read lock there (a retained-read-versus-write conflict, the
// half of the algorithm ROKeepLock exists to support).
func (m *Manager) acquireWriteLock(t *Transaction, addr segment.FarAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.writeLocks[addr]; ok && holder != t.id {
		return errors.NewConcurrentLockError(t.id, holder, uint64(addr), 0)
	}
	for holder := range m.roLocks[addr] {
		if holder != t.id {
			return errors.NewConcurrentLockError(t.id, holder, uint64(addr), 0)
		}
	}
	m.writeLocks[addr] = t.id
	return nil
}

func (m *Manager) acquireReadLock(txID uint64, addr segment.FarAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roLocks[addr]
	if !ok {
		set = make(map[uint64]bool)
		m.roLocks[addr] = set
	}
	set[txID] = true
}

func (m *Manager) releaseReadLock(txID uint64, addr segment.FarAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roLocks[addr]
	if !ok {
		return
	}
	delete(set, txID)
	if len(set) == 0 {
		delete(m.roLocks, addr)
	}
}

// dirtyShadowOf returns the staged write of whichever transaction other
// than exceptTxID currently holds addr's write lock, if any. It is the one
// source of cross-transaction dirty reads, consulted only under
// IsolationReadUncommitted.
func (m *Manager) dirtyShadowOf(addr segment.FarAddr, exceptTxID uint64) ([]byte, bool) {
	m.mu.Lock()
	holder, ok := m.writeLocks[addr]
	if !ok || holder == exceptTxID {
		m.mu.Unlock()
		return nil, false
	}
	holderTx, ok := m.active[holder]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	holderTx.mu.Lock()
	defer holderTx.mu.Unlock()
	buf, ok := holderTx.shadow[addr]
	return buf, ok
}

// finish releases a transaction's locks and wakes the GC worker so it can
// reconsider the history horizon now that an epoch has retired.
func (m *Manager) finish(t *Transaction) {
	m.mu.Lock()
	if t.readonly {
		delete(m.activeReaders, t.id)
	} else {
		delete(m.activeWriters, t.id)
	}
	for addr, holder := range m.writeLocks {
		if holder == t.id {
			delete(m.writeLocks, addr)
		}
	}
	for addr, holders := range m.roLocks {
		if holders[t.id] {
			delete(holders, t.id)
			if len(holders) == 0 {
				delete(m.roLocks, addr)
			}
		}
	}
	delete(m.active, t.id)
	m.mu.Unlock()

	m.gcCond.Broadcast()
}

// gcTicker wakes gcLoop every GCWakeInterval even when no transaction has
// finished in the meantime, since sync.Cond has no built-in timed wait.
func (m *Manager) gcTicker() {
	for !m.gcClosed.Load() {
		time.Sleep(m.opts.GCWakeInterval)
		m.gcCond.Broadcast()
	}
}

// gcLoop wakes whenever a transaction finishes or gcTicker's interval
// elapses, and asks History to discard entries no remaining active
// transaction's epoch could still need.
func (m *Manager) gcLoop() {
	m.mu.Lock()
	for !m.gcClosed.Load() {
		m.gcCond.Wait()
		if m.gcClosed.Load() {
			break
		}

		minEpoch := m.nextEpoch
		for _, tx := range m.active {
			if tx.epoch < minEpoch {
				minEpoch = tx.epoch
			}
		}
		m.mu.Unlock()
		m.history.GC(minEpoch)
		m.mu.Lock()
	}
	m.mu.Unlock()
}

// Close stops the background GC worker and closes the history backend.
func (m *Manager) Close() error {
	m.gcClosed.Store(true)
	m.gcCond.Broadcast()
	return m.history.Close()
}
