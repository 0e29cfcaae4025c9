package trie

import (
	"context"
	stditer "iter"
	"math/bits"

	"github.com/iamNilotpal/ignite/internal/segment"
	"github.com/iamNilotpal/ignite/internal/txn"
	"github.com/iamNilotpal/ignite/pkg/errors"
)

// Cursor is a resumable position inside a Trie: either an end marker (no
// position) or a live terminal slot, reached via a trail of edges from the
// root. It stores enough of that trail — each step's node address, capacity
// class, and the node's version at the time it was read — to resync itself
// against concurrent structural change before any operation that depends on
// it (§4.9 "Iterator resync").
type Cursor[V any] struct {
	trie *Trie[V]

	end bool

	trail        []pathStep
	stepVersions []uint64

	nodeAddr  segment.FarAddr
	nodeClass int
	slotIdx   int

	keyBuf []byte
}

// Key returns the full key this cursor refers to; nil for an end cursor.
func (c *Cursor[V]) Key() []byte {
	if c == nil || c.end {
		return nil
	}
	return append([]byte(nil), c.keyBuf...)
}

// End reports whether this cursor holds no position.
func (c *Cursor[V]) End() bool { return c == nil || c.end }

// Value reads the value stored at this cursor's position, resyncing first.
func (c *Cursor[V]) Value(ctx context.Context) (V, error) {
	var zero V
	if c.End() {
		return zero, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "iterator is past-the-end")
	}
	var v V
	err := c.trie.withReadTxn(ctx, func(tx *txn.Transaction) error {
		if err := c.resync(tx); err != nil {
			return err
		}
		if c.end {
			return errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "iterator's key no longer exists")
		}
		n, err := c.trie.nodes.Read(tx, c.nodeAddr, c.nodeClass)
		if err != nil {
			return err
		}
		if n.Values[c.slotIdx].IsNull() {
			return errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "iterator's key no longer exists")
		}
		got, err := c.trie.readValue(tx, n.Values[c.slotIdx])
		if err != nil {
			return err
		}
		v = got
		return nil
	})
	if err != nil {
		return zero, err
	}
	return v, nil
}

// resync walks the recorded trail against the live tree. If every step's
// node version still matches and every step's byte is still occupied, the
// cursor is left untouched. Otherwise it re-descends via lower_bound from
// the last known key, landing on the same key if it survived or its
// successor if it did not (turning into an end cursor if none exists).
func (c *Cursor[V]) resync(tx *txn.Transaction) error {
	if c.end {
		return nil
	}

	stale := false
	for i, step := range c.trail {
		n, err := c.trie.nodes.Read(tx, step.addr, step.class)
		if err != nil {
			return err
		}
		if n.Version != c.stepVersions[i] {
			stale = true
			break
		}
		if _, ok := n.SlotIndex(step.b); !ok {
			stale = true
			break
		}
	}
	if !stale {
		return nil
	}

	st, err := c.trie.residence.Load(tx)
	if err != nil {
		return err
	}
	if st.root.IsNull() {
		*c = Cursor[V]{trie: c.trie, end: true}
		return nil
	}
	nc, err := c.trie.lowerBoundDescend(tx, st.root, st.rootCapacity, nil, c.keyBuf)
	if err != nil {
		return err
	}
	*c = *nc
	return nil
}

// cursorAt builds a live Cursor for the slot at (addr, class, idx), reached
// via trail. It re-reads every node along trail to assemble the full key
// (each step's consumed byte plus its compressed stem) and to capture each
// step's version for later resync checks.
func (t *Trie[V]) cursorAt(tx *txn.Transaction, trail []pathStep, addr segment.FarAddr, class int, idx int) (*Cursor[V], error) {
	key, versions, err := t.buildKeyAndVersions(tx, trail)
	if err != nil {
		return nil, err
	}
	return &Cursor[V]{
		trie:         t,
		trail:        append([]pathStep(nil), trail...),
		stepVersions: versions,
		nodeAddr:     addr,
		nodeClass:    class,
		slotIdx:      idx,
		keyBuf:       key,
	}, nil
}

// endCursor returns a cursor holding no position.
func (t *Trie[V]) endCursor() *Cursor[V] { return &Cursor[V]{trie: t, end: true} }

func (t *Trie[V]) buildKeyAndVersions(tx *txn.Transaction, trail []pathStep) ([]byte, []uint64, error) {
	var key []byte
	versions := make([]uint64, len(trail))
	for i, step := range trail {
		n, err := t.nodes.Read(tx, step.addr, step.class)
		if err != nil {
			return nil, nil, err
		}
		idx, ok := n.SlotIndex(step.b)
		if !ok {
			return nil, nil, errors.NewTrieError(nil, errors.ErrorCodeInvalidBlock, "corrupt trail: byte no longer present in node").WithNodeAddr(addrString(step.addr)).WithByteKey(step.b)
		}
		stem, err := t.nodes.ReadStemAt(tx, n, idx)
		if err != nil {
			return nil, nil, err
		}
		key = append(key, step.b)
		key = append(key, stem...)
		versions[i] = n.Version
	}
	return key, versions, nil
}

// stepNext returns the in-order successor of iter's current position,
// descending into its child subtree if one exists, else advancing to the
// next sibling bit, ascending as needed.
func (t *Trie[V]) stepNext(tx *txn.Transaction, iter *Cursor[V]) (*Cursor[V], error) {
	n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
	if err != nil {
		return nil, err
	}
	return t.firstDescendantOrSuccessor(tx, iter.trail, iter.nodeAddr, iter.nodeClass, n, iter.slotIdx)
}

// byteAtSlot maps a node's dense slot index back to the byte it occupies.
func byteAtSlot(n *Node, idx int) byte {
	count := 0
	for w := 0; w < 4; w++ {
		word := n.Presence[w]
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if count == idx {
				return byte(w*64 + bit)
			}
			count++
			word &= word - 1
		}
	}
	return 0
}

// Next advances iter to its in-order successor (full-order stepping, not
// scoped to any subtree). An end iterator, or nil, stays at end.
func (t *Trie[V]) Next(ctx context.Context, iter *Cursor[V]) (*Cursor[V], error) {
	if iter == nil || iter.end {
		return t.endCursor(), nil
	}
	var next *Cursor[V]
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			next = iter
			return nil
		}
		n, err := t.stepNext(tx, iter)
		if err != nil {
			return err
		}
		next = n
		return nil
	})
	return next, err
}

// NextSibling finds the next set bit in iter's node strictly greater than
// iter's own byte, ascending to the parent and repeating if none remains.
// This deliberately skips the entire subtree under iter's current byte.
func (t *Trie[V]) NextSibling(ctx context.Context, iter *Cursor[V]) (*Cursor[V], error) {
	if iter == nil || iter.end {
		return t.endCursor(), nil
	}
	var next *Cursor[V]
	err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
		if err := iter.resync(tx); err != nil {
			return err
		}
		if iter.end {
			next = iter
			return nil
		}
		n, err := t.nodes.Read(tx, iter.nodeAddr, iter.nodeClass)
		if err != nil {
			return err
		}
		pathAboveN := iter.trail[:len(iter.trail)-1]
		b := iter.trail[len(iter.trail)-1].b
		c, err := t.siblingOrAscend(tx, pathAboveN, iter.nodeAddr, iter.nodeClass, n, b)
		if err != nil {
			return err
		}
		next = c
		return nil
	})
	return next, err
}

// NextLowerBoundOf is lower_bound scoped to iter's subtree: the smallest
// stored key >= iter.Key()+suffix among iter's descendants, or iter's global
// successor if the subtree holds none.
func (t *Trie[V]) NextLowerBoundOf(ctx context.Context, iter *Cursor[V], suffix []byte) (*Cursor[V], error) {
	return t.LowerBoundFrom(ctx, iter, suffix)
}

// ChildrenRange yields the direct child terminals one edge below anchor —
// the occupied, value-bearing slots of the node anchor's own slot points at
// — in ascending byte order. It does not recurse into grandchildren; use
// Range/PrefixedRange for a full subtree walk.
func (t *Trie[V]) ChildrenRange(ctx context.Context, anchor *Cursor[V]) stditer.Seq2[[]byte, V] {
	return func(yield func([]byte, V) bool) {
		if anchor == nil || anchor.End() {
			return
		}

		var childAddr segment.FarAddr
		var childClass int
		var baseKey []byte
		err := t.withReadTxn(ctx, func(tx *txn.Transaction) error {
			if err := anchor.resync(tx); err != nil {
				return err
			}
			if anchor.end {
				return nil
			}
			n, err := t.nodes.Read(tx, anchor.nodeAddr, anchor.nodeClass)
			if err != nil {
				return err
			}
			childAddr = n.Children[anchor.slotIdx]
			childClass = CapacityClasses[n.ChildClass[anchor.slotIdx]]
			baseKey = anchor.Key()
			return nil
		})
		if err != nil || childAddr.IsNull() {
			return
		}

		_ = t.withReadTxn(ctx, func(tx *txn.Transaction) error {
			cn, err := t.nodes.Read(tx, childAddr, childClass)
			if err != nil {
				return err
			}
			for i := 0; i < cn.ChildCount; i++ {
				if cn.Values[i].IsNull() {
					continue
				}
				stem, err := t.nodes.ReadStemAt(tx, cn, i)
				if err != nil {
					return err
				}
				b := byteAtSlot(cn, i)
				key := append(append(append([]byte(nil), baseKey...), b), stem...)
				v, err := t.readValue(tx, cn.Values[i])
				if err != nil {
					return err
				}
				if !yield(key, v) {
					return nil
				}
			}
			return nil
		})
	}
}

// Range yields every stored (key, value) pair in ascending lexicographic
// order.
func (t *Trie[V]) Range(ctx context.Context) stditer.Seq2[[]byte, V] {
	return t.rangeFromPrefix(ctx, nil)
}

// PrefixedRange yields every stored (key, value) pair whose key starts with
// prefix, in ascending lexicographic order.
func (t *Trie[V]) PrefixedRange(ctx context.Context, prefix []byte) stditer.Seq2[[]byte, V] {
	return t.rangeFromPrefix(ctx, prefix)
}

func (t *Trie[V]) rangeFromPrefix(ctx context.Context, prefix []byte) stditer.Seq2[[]byte, V] {
	return func(yield func([]byte, V) bool) {
		cur, err := t.LowerBound(ctx, prefix)
		if err != nil {
			return
		}
		for !cur.End() {
			key := cur.Key()
			if !hasPrefix(key, prefix) {
				return
			}
			v, err := cur.Value(ctx)
			if err != nil {
				return
			}
			if !yield(key, v) {
				return
			}
			cur, err = t.Next(ctx, cur)
			if err != nil {
				return
			}
		}
	}
}
