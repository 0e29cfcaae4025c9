package trie

import (
	"context"
	"encoding/binary"

	"github.com/iamNilotpal/ignite/internal/alloc"
	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/internal/txn"
	"github.com/iamNilotpal/ignite/pkg/errors"
	"github.com/iamNilotpal/ignite/pkg/options"
	"go.uber.org/zap"
)

// navStatus is the outcome of consulting one node for the next portion of a
// key, mirroring the equals/stem_end/string_end/unequals states a single
// navigate_over call can land in.
type navStatus int

const (
	statusEquals navStatus = iota
	statusStemEnd
	statusStringEnd
	statusUnequals
)

// Trie is the 256-way radix trie: a node tree anchored at a Residence
// block, with per-slot compressed stems and terminal values stored through
// a ValueManager. Every public operation runs inside its own transaction
// (read-only for lookups, read-write for mutations) unless noted otherwise.
type Trie[V any] struct {
	txns      *txn.Manager
	nodes     *NodeManager
	values    *alloc.Heap
	vm        ValueManager[V]
	residence *Residence
	opts      *options.TransactionOptions
	log       *zap.SugaredLogger
}

// NewTrie assembles a Trie over already-constructed storage: txns drives
// the transaction lifecycle, nodes/values are the node-cell and
// value-payload allocators, vm (de)serializes V, and residence anchors the
// root pointer and running counters in segment 0.
func NewTrie[V any](
	txns *txn.Manager,
	nodes *NodeManager,
	values *alloc.Heap,
	vm ValueManager[V],
	residence *Residence,
	opts *options.TransactionOptions,
	log *zap.SugaredLogger,
) *Trie[V] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Trie[V]{txns: txns, nodes: nodes, values: values, vm: vm, residence: residence, opts: opts, log: log}
}

// pathStep records one edge a traversal crossed: the node it left from, that
// node's capacity class (needed to re-Read it), and the byte key of the
// slot taken. A Cursor keeps a trail of these to resync after concurrent
// structural change (§4.9 "Iterator resync").
type pathStep struct {
	addr  segment.FarAddr
	class int
	b     byte
}

// withWriteTxn runs fn inside a fresh read-write transaction, retrying on
// ConcurrentLock per §5's retry protocol, committing on success and rolling
// back on any error.
func (t *Trie[V]) withWriteTxn(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	return txn.WithRetry(ctx, t.opts, func() error {
		tx, err := t.txns.BeginTransaction(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// withReadTxn runs fn inside a fresh read-only transaction, always
// releasing it afterward regardless of outcome (RO transactions have
// nothing to commit, only locks to drop).
func (t *Trie[V]) withReadTxn(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	return txn.WithRetry(ctx, t.opts, func() error {
		tx, err := t.txns.BeginROTransaction(ctx)
		if err != nil {
			return err
		}
		err = fn(tx)
		if rerr := tx.Rollback(); rerr != nil && err == nil {
			err = rerr
		}
		return err
	})
}

// commitResidence persists st after a mutating operation.
func (t *Trie[V]) commitResidence(tx *txn.Transaction, st *residenceState) error {
	return t.residence.Store(tx, *st)
}

func (t *Trie[V]) writeValue(tx *txn.Transaction, existing segment.FarAddr, v V) (segment.FarAddr, error) {
	payload, err := t.vm.Serialize(v)
	if err != nil {
		return segment.NullAddr, err
	}
	if !existing.IsNull() {
		_ = t.values.Deallocate(existing)
	}
	addr, err := t.values.Allocate(valueLenPrefix + uint32(len(payload)))
	if err != nil {
		return segment.NullAddr, err
	}
	buf := make([]byte, valueLenPrefix+len(payload))
	binary.NativeEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[valueLenPrefix:], payload)
	if err := tx.WritableBlock(addr, buf); err != nil {
		return segment.NullAddr, err
	}
	return addr, nil
}

// valueLenPrefix is the size of the payload-length word writeValue stores
// at the start of every value block, so readValue hands Deserialize exactly
// the serialized bytes.
const valueLenPrefix = 4

func (t *Trie[V]) readValue(tx *txn.Transaction, addr segment.FarAddr) (V, error) {
	var zero V
	head, err := tx.ReadonlyBlock(addr, valueLenPrefix)
	if err != nil {
		return zero, err
	}
	raw, err := tx.ReadonlyBlock(addr, valueLenPrefix+binary.NativeEndian.Uint32(head))
	if err != nil {
		return zero, err
	}
	return t.vm.Deserialize(raw[valueLenPrefix:])
}

// navigateOverNode consumes tail against n, returning which status applies,
// how many bytes of tail were consumed en route, and the dense slot index
// involved (-1 when no slot exists for tail[0]).
func navigateOverNode(tx *txn.Transaction, nm *NodeManager, n *Node, tail []byte) (navStatus, int, int, error) {
	if len(tail) == 0 {
		return statusStringEnd, 0, -1, nil
	}
	b := tail[0]
	if !n.Has(b) {
		return statusUnequals, 0, -1, nil
	}
	idx := n.popcountBefore(b)
	stem, err := nm.ReadStemAt(tx, n, idx)
	if err != nil {
		return 0, 0, 0, err
	}
	rest := tail[1:]
	m := len(rest)
	if len(stem) < m {
		m = len(stem)
	}
	i := 0
	for i < m && rest[i] == stem[i] {
		i++
	}
	switch {
	case i < len(stem) && i == len(rest):
		return statusStringEnd, 1 + i, idx, nil
	case i < len(stem):
		return statusUnequals, 1 + i, idx, nil
	case len(rest) == len(stem):
		return statusEquals, 1 + len(stem), idx, nil
	default:
		return statusStemEnd, 1 + len(stem), idx, nil
	}
}

// Size returns the number of distinct terminal keys currently stored.
func (t *Trie[V]) Size(ctx context.Context) (uint64, error) {
	var size uint64
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		st, err := t.residence.Load(tx)
		if err != nil {
			return err
		}
		size = st.size
		return nil
	})
	return size, err
}

// NodesCount returns the total number of allocated node cells.
func (t *Trie[V]) NodesCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		st, err := t.residence.Load(tx)
		if err != nil {
			return err
		}
		count = st.nodesCount
		return nil
	})
	return count, err
}

// Find locates the exact key, returning an end cursor if it is absent.
func (t *Trie[V]) Find(ctx context.Context, key []byte) (*Cursor[V], error) {
	var cur *Cursor[V]
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		st, err := t.residence.Load(tx)
		if err != nil {
			return err
		}
		if st.root.IsNull() {
			cur = t.endCursor()
			return nil
		}

		addr, class := st.root, st.rootCapacity
		tail := key
		var path []pathStep
		for {
			n, err := t.nodes.Read(tx, addr, class)
			if err != nil {
				return err
			}
			status, consumed, idx, err := navigateOverNode(tx, t.nodes, n, tail)
			if err != nil {
				return err
			}
			switch status {
			case statusUnequals, statusStringEnd:
				cur = t.endCursor()
				return nil
			case statusEquals:
				b := tail[0]
				path = append(path, pathStep{addr, class, b})
				if n.Values[idx].IsNull() {
					cur = t.endCursor()
					return nil
				}
				cur, err = t.cursorAt(tx, path, addr, class, idx)
				return err
			case statusStemEnd:
				b := tail[0]
				path = append(path, pathStep{addr, class, b})
				child := n.Children[idx]
				if child.IsNull() {
					cur = t.endCursor()
					return nil
				}
				addr, class = child, CapacityClasses[n.ChildClass[idx]]
				tail = tail[consumed:]
			}
		}
	})
	return cur, err
}

// CheckExists is true only for exact stored keys.
func (t *Trie[V]) CheckExists(ctx context.Context, key []byte) (bool, error) {
	cur, err := t.Find(ctx, key)
	if err != nil {
		return false, err
	}
	return !cur.end, nil
}

// Insert stores key->v only if key is not already present, returning
// (iterator, true) on success or (existing iterator, false) if key exists.
func (t *Trie[V]) Insert(ctx context.Context, key []byte, v V) (*Cursor[V], bool, error) {
	return t.insertOrUpsert(ctx, key, v, false)
}

// Upsert stores key->v, overwriting any existing value; key is always
// present after this call returns successfully.
func (t *Trie[V]) Upsert(ctx context.Context, key []byte, v V) (*Cursor[V], error) {
	cur, _, err := t.insertOrUpsert(ctx, key, v, true)
	return cur, err
}

func (t *Trie[V]) insertOrUpsert(ctx context.Context, key []byte, v V, upsert bool) (*Cursor[V], bool, error) {
	if len(key) == 0 {
		return nil, false, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "empty keys are not supported")
	}

	var result *Cursor[V]
	var inserted bool
	err := t.withWriteTxn(ctx, func(tx *txn.Transaction) error {
		st, err := t.residence.LoadForUpdate(tx)
		if err != nil {
			return err
		}
		if st.root.IsNull() {
			rootAddr, err := t.nodes.Allocate(tx)
			if err != nil {
				return err
			}
			st.root = rootAddr
			st.rootCapacity = CapacityClasses[0]
			st.nodesCount = 1
		}

		addr, class := st.root, st.rootCapacity
		tail := key
		var prevAddr segment.FarAddr
		var prevClass int
		var prevByte byte
		var prevNode *Node
		var path []pathStep

		growIfFull := func(n *Node) (*Node, error) {
			if !n.needsGrowth() {
				return n, nil
			}
			newAddr, err := t.nodes.Grow(tx, addr, n)
			if err != nil {
				return nil, err
			}
			newClass, _ := nextCapacityClass(class)
			classIdx := uint8(ClassIndex(newClass))
			if prevNode == nil {
				st.root, st.rootCapacity = newAddr, newClass
			} else {
				prevNode.SetChild(prevByte, newAddr, classIdx)
				if err := t.nodes.Write(tx, prevAddr, prevNode); err != nil {
					return nil, err
				}
			}
			addr, class = newAddr, newClass
			return t.nodes.Read(tx, newAddr, newClass)
		}

		for {
			n, err := t.nodes.Read(tx, addr, class)
			if err != nil {
				return err
			}
			status, consumed, idx, err := navigateOverNode(tx, t.nodes, n, tail)
			if err != nil {
				return err
			}
			b := tail[0]

			switch status {
			case statusEquals:
				path = append(path, pathStep{addr, class, b})
				if !n.Values[idx].IsNull() {
					if !upsert {
						rc, err := t.cursorAt(tx, path, addr, class, idx)
						if err != nil {
							return err
						}
						result, inserted = rc, false
						return nil
					}
					newAddr, err := t.writeValue(tx, n.Values[idx], v)
					if err != nil {
						return err
					}
					n.SetValue(b, newAddr)
					if err := t.nodes.Write(tx, addr, n); err != nil {
						return err
					}
					rc, err := t.cursorAt(tx, path, addr, class, idx)
					if err != nil {
						return err
					}
					result, inserted = rc, false
					return nil
				}
				newAddr, err := t.writeValue(tx, segment.NullAddr, v)
				if err != nil {
					return err
				}
				n.SetValue(b, newAddr)
				if err := t.nodes.Write(tx, addr, n); err != nil {
					return err
				}
				st.size++
				rc, err := t.cursorAt(tx, path, addr, class, idx)
				if err != nil {
					return err
				}
				result, inserted = rc, true
				return t.commitResidence(tx, &st)

			case statusStemEnd:
				path = append(path, pathStep{addr, class, b})
				child := n.Children[idx]
				if !child.IsNull() {
					prevAddr, prevClass, prevByte, prevNode = addr, class, b, n
					addr, class = child, CapacityClasses[n.ChildClass[idx]]
					tail = tail[consumed:]
					continue
				}
				newChildAddr, err := t.nodes.Allocate(tx)
				if err != nil {
					return err
				}
				st.nodesCount++
				childNode, err := t.nodes.Read(tx, newChildAddr, CapacityClasses[0])
				if err != nil {
					return err
				}
				rem := tail[consumed:]
				nb := rem[0]
				valAddr, err := t.writeValue(tx, segment.NullAddr, v)
				if err != nil {
					return err
				}
				if err := childNode.Occupy(nb, segment.NullAddr, valAddr, segment.NullAddr, 0, 0); err != nil {
					return err
				}
				if err := t.nodes.WriteStem(tx, childNode, nb, rem[1:]); err != nil {
					return err
				}
				if err := t.nodes.Write(tx, newChildAddr, childNode); err != nil {
					return err
				}
				n.SetChild(b, newChildAddr, 0)
				if err := t.nodes.Write(tx, addr, n); err != nil {
					return err
				}
				st.size++
				nidx, _ := childNode.SlotIndex(nb)
				rc, err := t.cursorAt(tx, append(path, pathStep{newChildAddr, CapacityClasses[0], nb}), newChildAddr, CapacityClasses[0], nidx)
				if err != nil {
					return err
				}
				result = rc
				inserted = true
				return t.commitResidence(tx, &st)

			case statusUnequals:
				if idx == -1 {
					n, err = growIfFull(n)
					if err != nil {
						return err
					}
					stem := tail[1:]
					valAddr, err := t.writeValue(tx, segment.NullAddr, v)
					if err != nil {
						return err
					}
					if err := n.Occupy(b, segment.NullAddr, segment.NullAddr, segment.NullAddr, 0, 0); err != nil {
						return err
					}
					if err := t.nodes.WriteStem(tx, n, b, stem); err != nil {
						return err
					}
					n.SetValue(b, valAddr)
					if err := t.nodes.Write(tx, addr, n); err != nil {
						return err
					}
					st.size++
					nidx, _ := n.SlotIndex(b)
					rc, err := t.cursorAt(tx, append(path, pathStep{addr, class, b}), addr, class, nidx)
					if err != nil {
						return err
					}
					result = rc
					inserted = true
					return t.commitResidence(tx, &st)
				}
				splitPos := consumed - 1
				rem := tail[consumed:]
				cur, err := t.diversify(tx, addr, n, b, idx, splitPos, rem, v, path, &st.nodesCount)
				if err != nil {
					return err
				}
				st.size++
				result, inserted = cur, true
				return t.commitResidence(tx, &st)

			case statusStringEnd:
				splitPos := consumed - 1
				cur, err := t.diversify(tx, addr, n, b, idx, splitPos, nil, v, path, &st.nodesCount)
				if err != nil {
					return err
				}
				st.size++
				result, inserted = cur, true
				return t.commitResidence(tx, &st)
			}
			return nil
		}
	})
	return result, inserted, err
}

// diversify splits the slot for byte b at n's splitPos'th stem byte,
// moving the overflow (old continuation) into a fresh intermediate node and
// attaching the new key's value either on the original slot (rem empty, the
// new key ends exactly at the split) or as a second slot on the
// intermediate (rem non-empty, the keys differ from here on).
func (t *Trie[V]) diversify(
	tx *txn.Transaction,
	addr segment.FarAddr,
	n *Node,
	b byte,
	idx int,
	splitPos int,
	rem []byte,
	v V,
	path []pathStep,
	nodesCount *uint64,
) (*Cursor[V], error) {
	oldStem, err := t.nodes.ReadStemAt(tx, n, idx)
	if err != nil {
		return nil, err
	}
	oldChild, oldValue, oldChildClass := n.Children[idx], n.Values[idx], n.ChildClass[idx]

	intermediateAddr, err := t.nodes.Allocate(tx)
	if err != nil {
		return nil, err
	}
	*nodesCount++
	intermediate, err := t.nodes.Read(tx, intermediateAddr, CapacityClasses[0])
	if err != nil {
		return nil, err
	}

	tailByte := oldStem[splitPos]
	if err := intermediate.Occupy(tailByte, oldChild, oldValue, segment.NullAddr, 0, oldChildClass); err != nil {
		return nil, err
	}
	if err := t.nodes.WriteStem(tx, intermediate, tailByte, oldStem[splitPos+1:]); err != nil {
		return nil, err
	}

	resultAddr, resultClass := addr, n.Capacity
	resultIdx := idx
	trail := append(append([]pathStep(nil), path...), pathStep{addr, n.Capacity, b})

	if len(rem) == 0 {
		valAddr, err := t.writeValue(tx, segment.NullAddr, v)
		if err != nil {
			return nil, err
		}
		n.SetValue(b, valAddr)
	} else {
		nb := rem[0]
		valAddr, err := t.writeValue(tx, segment.NullAddr, v)
		if err != nil {
			return nil, err
		}
		if err := intermediate.Occupy(nb, segment.NullAddr, valAddr, segment.NullAddr, 0, 0); err != nil {
			return nil, err
		}
		if err := t.nodes.WriteStem(tx, intermediate, nb, rem[1:]); err != nil {
			return nil, err
		}
		resultAddr, resultClass = intermediateAddr, intermediate.Capacity
		resultIdx, _ = intermediate.SlotIndex(nb)
		trail = append(trail, pathStep{intermediateAddr, intermediate.Capacity, nb})
	}

	if err := t.nodes.Write(tx, intermediateAddr, intermediate); err != nil {
		return nil, err
	}
	if err := t.nodes.WriteStem(tx, n, b, oldStem[:splitPos]); err != nil {
		return nil, err
	}
	n.SetChild(b, intermediateAddr, 0)
	if err := t.nodes.Write(tx, addr, n); err != nil {
		return nil, err
	}

	return t.cursorAt(tx, trail, resultAddr, resultClass, resultIdx)
}

// Update overwrites the value at iter, returning 1 if applied, 0 if iter is
// end or no longer resolves to a live terminal.
func (t *Trie[V]) Update(ctx context.Context, iter *Cursor[V], v V) (int, error) {
	applied := 0
	err := t.withWriteTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			return nil
		}
		n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
		if err != nil {
			return err
		}
		if n.Values[iter.slotIdx].IsNull() {
			return nil
		}
		newAddr, err := t.writeValue(tx, n.Values[iter.slotIdx], v)
		if err != nil {
			return err
		}
		n.Values[iter.slotIdx] = newAddr
		if err := t.nodes.Write(tx, iter.nodeAddr, n); err != nil {
			return err
		}
		applied = 1
		return nil
	})
	return applied, err
}

// Erase removes the single terminal at iter, returning an iterator to the
// successor and decrementing size.
func (t *Trie[V]) Erase(ctx context.Context, iter *Cursor[V]) (*Cursor[V], error) {
	var successor *Cursor[V]
	err := t.withWriteTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			successor = t.endCursor()
			return nil
		}

		st, err := t.residence.LoadForUpdate(tx)
		if err != nil {
			return err
		}

		successor, err = t.stepNext(tx, iter)
		if err != nil {
			return err
		}

		n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
		if err != nil {
			return err
		}
		b := iter.trail[len(iter.trail)-1].b
		valAddr := n.Values[iter.slotIdx]
		if valAddr.IsNull() {
			return nil
		}
		_ = t.values.Deallocate(valAddr)
		n.SetValue(b, segment.NullAddr)

		if n.Children[iter.slotIdx].IsNull() {
			if err := t.nodes.FreeStem(n, b); err != nil {
				return err
			}
			n.RemoveSlot(b)
		}
		if err := t.nodes.Write(tx, iter.nodeAddr, n); err != nil {
			return err
		}

		st.size--
		return t.pruneEmptyAncestors(tx, iter, &st)
	})
	return successor, err
}

// pruneEmptyAncestors walks iter's trail upward, deallocating nodes that
// became empty branches after an erase, stopping at the root or the first
// ancestor that still has occupants.
func (t *Trie[V]) pruneEmptyAncestors(tx *txn.Transaction, iter *Cursor[V], st *residenceState) error {
	for i := len(iter.trail) - 2; i >= 0; i-- {
		childStep := iter.trail[i+1]
		child, err := t.nodes.Read(tx, childStep.addr, childStep.class)
		if err != nil {
			return err
		}
		if child.ChildCount > 0 {
			break
		}
		parentStep := iter.trail[i]
		parent, err := t.nodes.Read(tx, parentStep.addr, parentStep.class)
		if err != nil {
			return err
		}
		pool, ok := t.nodes.pools[childStep.class]
		if ok {
			_ = pool.Deallocate(childStep.addr)
		}
		st.nodesCount--
		parent.SetChild(parentStep.b, segment.NullAddr, 0)
		if parent.Values[parent.popcountBefore(parentStep.b)].IsNull() {
			if err := t.nodes.FreeStem(parent, parentStep.b); err != nil {
				return err
			}
			parent.RemoveSlot(parentStep.b)
		}
		if err := t.nodes.Write(tx, parentStep.addr, parent); err != nil {
			return err
		}
		if parent.ChildCount > 0 {
			break
		}
	}
	return t.commitResidence(tx, st)
}

// PrefixedEraseAll erases the entire subtree rooted at iter, including
// iter's own terminal if any, returning the count of terminals erased.
func (t *Trie[V]) PrefixedEraseAll(ctx context.Context, iter *Cursor[V]) (int, error) {
	var erased int
	err := t.withWriteTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			return nil
		}
		st, err := t.residence.LoadForUpdate(tx)
		if err != nil {
			return err
		}

		n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
		if err != nil {
			return err
		}
		count, err := t.eraseSubtree(tx, n, iter.slotIdx, &st)
		if err != nil {
			return err
		}
		erased = count
		st.size -= uint64(count)

		b := iter.trail[len(iter.trail)-1].b
		if err := t.nodes.FreeStem(n, b); err != nil {
			return err
		}
		n.RemoveSlot(b)
		if err := t.nodes.Write(tx, iter.nodeAddr, n); err != nil {
			return err
		}
		return t.pruneEmptyAncestors(tx, iter, &st)
	})
	return erased, err
}

// eraseSubtree frees the terminal value (if any) and recursively frees the
// child node (if any) rooted at n's slotIdx, using an explicit stack so
// depth is bounded only by memory, never the machine call stack. It returns
// how many terminals were freed; it does not remove the slot itself or
// write n back — the caller owns that.
func (t *Trie[V]) eraseSubtree(tx *txn.Transaction, n *Node, slotIdx int, st *residenceState) (int, error) {
	type frame struct {
		addr  segment.FarAddr
		class int
	}

	count := 0
	if !n.Values[slotIdx].IsNull() {
		_ = t.values.Deallocate(n.Values[slotIdx])
		count++
	}
	childAddr, childClass := n.Children[slotIdx], CapacityClasses[n.ChildClass[slotIdx]]
	if childAddr.IsNull() {
		return count, nil
	}

	stack := []frame{{childAddr, childClass}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cn, err := t.nodes.Read(tx, f.addr, f.class)
		if err != nil {
			return count, err
		}
		for i := 0; i < cn.ChildCount; i++ {
			if !cn.Values[i].IsNull() {
				_ = t.values.Deallocate(cn.Values[i])
				count++
			}
			if !cn.Children[i].IsNull() {
				stack = append(stack, frame{cn.Children[i], CapacityClasses[cn.ChildClass[i]]})
			}
		}
		if pool, ok := t.nodes.pools[f.class]; ok {
			_ = pool.Deallocate(f.addr)
		}
		st.nodesCount--
	}
	return count, nil
}

// PrefixedKeyEraseAll erases every stored key that starts with prefix,
// returning the count erased. Each round erases the slot subtree of the
// smallest remaining key with that prefix, until none is left.
func (t *Trie[V]) PrefixedKeyEraseAll(ctx context.Context, prefix []byte) (int, error) {
	total := 0
	for {
		anchor, err := t.lowerBoundFromRoot(ctx, prefix)
		if err != nil {
			return total, err
		}
		if anchor == nil || anchor.end || !hasPrefix(anchor.keyBuf, prefix) {
			return total, nil
		}
		n, err := t.PrefixedEraseAll(ctx, anchor)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PrefixedInsert scopes Insert under iter's key, inserting at iter.Key()+suffix.
func (t *Trie[V]) PrefixedInsert(ctx context.Context, iter *Cursor[V], suffix []byte, v V) (*Cursor[V], bool, error) {
	return t.Insert(ctx, append(append([]byte(nil), iter.Key()...), suffix...), v)
}

// PrefixedUpsert scopes Upsert under iter's key, upserting at iter.Key()+suffix.
func (t *Trie[V]) PrefixedUpsert(ctx context.Context, iter *Cursor[V], suffix []byte, v V) (*Cursor[V], error) {
	return t.Upsert(ctx, append(append([]byte(nil), iter.Key()...), suffix...), v)
}

// LowerBound returns an iterator to the smallest stored key >= key.
func (t *Trie[V]) LowerBound(ctx context.Context, key []byte) (*Cursor[V], error) {
	return t.lowerBoundFromRoot(ctx, key)
}

func (t *Trie[V]) lowerBoundFromRoot(ctx context.Context, key []byte) (*Cursor[V], error) {
	var cur *Cursor[V]
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		st, err := t.residence.Load(tx)
		if err != nil {
			return err
		}
		if st.root.IsNull() {
			cur = t.endCursor()
			return nil
		}
		c, err := t.lowerBoundDescend(tx, st.root, st.rootCapacity, nil, key)
		if err != nil {
			return err
		}
		cur = c
		return nil
	})
	return cur, err
}

// LowerBoundFrom finds the lower bound of suffix within the subtree
// anchored at iter; on an end iterator it degrades to the global lower
// bound of suffix.
func (t *Trie[V]) LowerBoundFrom(ctx context.Context, iter *Cursor[V], suffix []byte) (*Cursor[V], error) {
	if iter == nil || iter.end {
		return t.lowerBoundFromRoot(ctx, suffix)
	}
	var cur *Cursor[V]
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			st, err := t.residence.Load(tx)
			if err != nil {
				return err
			}
			if st.root.IsNull() {
				cur = t.endCursor()
				return nil
			}
			c, err := t.lowerBoundDescend(tx, st.root, st.rootCapacity, nil, suffix)
			if err != nil {
				return err
			}
			cur = c
			return nil
		}
		n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
		if err != nil {
			return err
		}
		child := n.Children[iter.slotIdx]
		if child.IsNull() {
			// no subtree to descend into; if iter's own key already
			// qualifies (suffix empty or iter is itself an exact match),
			// return iter; else it has no successor within its own subtree.
			if len(suffix) == 0 && !n.Values[iter.slotIdx].IsNull() {
				cur = iter
				return nil
			}
			cur, err = t.stepNext(tx, iter)
			return err
		}
		c, err := t.lowerBoundDescend(tx, child, CapacityClasses[n.ChildClass[iter.slotIdx]], iter.trail, suffix)
		if err != nil {
			return err
		}
		cur = c
		return nil
	})
	return cur, err
}

func (t *Trie[V]) lowerBoundDescend(tx *txn.Transaction, addr segment.FarAddr, class int, basePath []pathStep, key []byte) (*Cursor[V], error) {
	if len(key) == 0 {
		return t.firstInNode(tx, append([]pathStep(nil), basePath...), addr, class)
	}
	path := append([]pathStep(nil), basePath...)
	tail := key
	for {
		n, err := t.nodes.Read(tx, addr, class)
		if err != nil {
			return nil, err
		}
		status, consumed, idx, err := navigateOverNode(tx, t.nodes, n, tail)
		if err != nil {
			return nil, err
		}
		switch status {
		case statusEquals:
			b := tail[0]
			np := append(path, pathStep{addr, class, b})
			if !n.Values[idx].IsNull() {
				return t.cursorAt(tx, np, addr, class, idx)
			}
			return t.firstDescendantOrSuccessor(tx, np, addr, class, n, idx)
		case statusStemEnd:
			b := tail[0]
			child := n.Children[idx]
			if child.IsNull() {
				np := append(path, pathStep{addr, class, b})
				return t.firstDescendantOrSuccessor(tx, np, addr, class, n, idx)
			}
			path = append(path, pathStep{addr, class, b})
			addr, class = child, CapacityClasses[n.ChildClass[idx]]
			tail = tail[consumed:]
		case statusStringEnd:
			// key is a strict prefix of this slot's stem: the smallest key
			// >= key under this slot is this slot's own subtree/terminal.
			b := tail[0]
			np := append(path, pathStep{addr, class, b})
			if !n.Values[idx].IsNull() {
				return t.cursorAt(tx, np, addr, class, idx)
			}
			return t.firstDescendantOrSuccessor(tx, np, addr, class, n, idx)
		case statusUnequals:
			if idx == -1 {
				// no edge for this byte at all: successor is the smallest
				// occupied byte strictly greater, within this same node.
				return t.siblingOrAscend(tx, path, addr, class, n, tail[0])
			}
			// diverged inside an existing stem: if the query's differing
			// byte sorts below the stem's, this slot's subtree is the
			// answer; else move to the next sibling.
			stem, err := t.nodes.ReadStemAt(tx, n, idx)
			if err != nil {
				return nil, err
			}
			splitPos := consumed - 1
			rest := tail[1:]
			if splitPos < len(rest) && splitPos < len(stem) && rest[splitPos] < stem[splitPos] {
				b := tail[0]
				np := append(path, pathStep{addr, class, b})
				return t.firstDescendantOrSuccessor(tx, np, addr, class, n, idx)
			}
			return t.siblingOrAscend(tx, path, addr, class, n, tail[0])
		}
	}
}

// firstDescendantOrSuccessor returns the lexicographically first terminal
// reachable from slotIdx's subtree (if any), else the in-order successor of
// slotIdx itself. path must already include the step leading into slotIdx
// (addr, class, the byte key of slotIdx).
func (t *Trie[V]) firstDescendantOrSuccessor(tx *txn.Transaction, path []pathStep, addr segment.FarAddr, class int, n *Node, slotIdx int) (*Cursor[V], error) {
	child := n.Children[slotIdx]
	if child.IsNull() {
		return t.siblingOrAscend(tx, path[:len(path)-1], addr, class, n, path[len(path)-1].b)
	}
	return t.firstInNode(tx, path, child, CapacityClasses[n.ChildClass[slotIdx]])
}

// firstInNode returns the lexicographically first terminal reachable from
// the subtree rooted at addr/class itself (not via a parent slot), or an
// end cursor if that subtree holds none. path is the trail of edges already
// crossed to reach addr/class.
func (t *Trie[V]) firstInNode(tx *txn.Transaction, path []pathStep, addr segment.FarAddr, class int) (*Cursor[V], error) {
	curAddr, curClass := addr, class
	for {
		cn, err := t.nodes.Read(tx, curAddr, curClass)
		if err != nil {
			return nil, err
		}
		if cn.ChildCount == 0 {
			return t.endCursor(), nil
		}
		b := firstSetByte(cn)
		idx, _ := cn.SlotIndex(b)
		np := append(path, pathStep{curAddr, curClass, b})
		if !cn.Values[idx].IsNull() {
			return t.cursorAt(tx, np, curAddr, curClass, idx)
		}
		path = np
		if cn.Children[idx].IsNull() {
			return t.siblingOrAscend(tx, path[:len(path)-1], curAddr, curClass, cn, b)
		}
		curAddr, curClass = cn.Children[idx], CapacityClasses[cn.ChildClass[idx]]
	}
}

func firstSetByte(n *Node) byte {
	for w := 0; w < 4; w++ {
		if n.Presence[w] == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if n.Presence[w]&(1<<uint(bit)) != 0 {
				return byte(w*64 + bit)
			}
		}
	}
	return 0
}

// siblingOrAscend finds the next occupied byte strictly greater than after
// within n (whose own location is addr/class, reached via pathAboveN),
// descending to its first descendant; if none exists, ascends pathAboveN.
func (t *Trie[V]) siblingOrAscend(tx *txn.Transaction, pathAboveN []pathStep, addr segment.FarAddr, class int, n *Node, after byte) (*Cursor[V], error) {
	for b := int(after) + 1; b < 256; b++ {
		if !n.Has(byte(b)) {
			continue
		}
		idx, _ := n.SlotIndex(byte(b))
		np := append(append([]pathStep(nil), pathAboveN...), pathStep{addr, class, byte(b)})
		if !n.Values[idx].IsNull() {
			return t.cursorAt(tx, np, addr, class, idx)
		}
		return t.firstDescendantOrSuccessor(tx, np, addr, class, n, idx)
	}
	if len(pathAboveN) == 0 {
		return t.endCursor(), nil
	}
	parentStep := pathAboveN[len(pathAboveN)-1]
	parent, err := t.nodes.Read(tx, parentStep.addr, parentStep.class)
	if err != nil {
		return nil, err
	}
	return t.siblingOrAscend(tx, pathAboveN[:len(pathAboveN)-1], parentStep.addr, parentStep.class, parent, parentStep.b)
}
