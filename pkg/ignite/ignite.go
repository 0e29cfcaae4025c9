// Package ignite provides a high-performance, embedded, transactional
// key/value data store backed by a memory-mapped file and a 256-way radix
// trie. It combines an on-disk segment store (internal/segment), two
// allocators (internal/alloc), an event-sourcing transaction manager
// (internal/txn), and the trie itself (internal/trie) behind a small,
// synchronous Set/Get/Delete-shaped facade, plus the ordered-traversal
// operations (LowerBound, Range, PrefixedRange) the trie's cursor exposes
// natively.
package ignite

import (
	"context"
	"errors"

	"github.com/iamNilotpal/ignite/internal/engine"
	"github.com/iamNilotpal/ignite/internal/trie"
	"github.com/iamNilotpal/ignite/pkg/logger"
	"github.com/iamNilotpal/ignite/pkg/options"
)

// ErrKeyNotFound is returned by Get and Delete when the requested key has
// no stored value.
var ErrKeyNotFound = errors.New("ignite: key not found")

// Instance is the primary entry point for interacting with an Ignite
// store. It encapsulates the core engine responsible for data handling and
// the configuration options for this specific database instance.
type Instance struct {
	engine  *engine.Engine
	options *options.Options
}

// NewInstance creates and initializes a new Ignite DB instance, bootstrapping
// its backing file under opts.DataDir (or reopening it, if one already
// exists there).
func NewInstance(ctx context.Context, service string, opts ...options.OptionFunc) (*Instance, error) {
	log := logger.New(service)

	defaultOpts := options.NewDefaultOptions()
	for _, opt := range opts {
		opt(&defaultOpts)
	}
	if err := defaultOpts.Validate(); err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, &engine.Config{Logger: log, Options: &defaultOpts})
	if err != nil {
		return nil, err
	}

	return &Instance{engine: eng, options: &defaultOpts}, nil
}

// Set stores a key-value pair in the database. If the key already exists,
// its value is overwritten.
func (i *Instance) Set(ctx context.Context, key string, value []byte) error {
	_, err := i.engine.Trie().Upsert(ctx, []byte(key), value)
	return err
}

// Insert stores a key-value pair only if key is not already present,
// reporting whether the insert took effect.
func (i *Instance) Insert(ctx context.Context, key string, value []byte) (bool, error) {
	_, inserted, err := i.engine.Trie().Insert(ctx, []byte(key), value)
	return inserted, err
}

// Get retrieves the value associated with the given key, returning
// ErrKeyNotFound if it does not exist.
func (i *Instance) Get(ctx context.Context, key string) ([]byte, error) {
	cur, err := i.engine.Trie().Find(ctx, []byte(key))
	if err != nil {
		return nil, err
	}
	if cur.End() {
		return nil, ErrKeyNotFound
	}
	return cur.Value(ctx)
}

// Exists reports whether key is stored exactly (a prefix-only path does
// not count).
func (i *Instance) Exists(ctx context.Context, key string) (bool, error) {
	return i.engine.Trie().CheckExists(ctx, []byte(key))
}

// Delete removes a key-value pair from the database, reporting
// ErrKeyNotFound if the key was not present.
func (i *Instance) Delete(ctx context.Context, key string) error {
	cur, err := i.engine.Trie().Find(ctx, []byte(key))
	if err != nil {
		return err
	}
	if cur.End() {
		return ErrKeyNotFound
	}
	_, err = i.engine.Trie().Erase(ctx, cur)
	return err
}

// DeletePrefix erases every stored key starting with prefix, returning how
// many were removed.
func (i *Instance) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return i.engine.Trie().PrefixedKeyEraseAll(ctx, []byte(prefix))
}

// LowerBound returns a cursor positioned at the smallest stored key >= key,
// or a past-the-end cursor if none exists. The returned Cursor supports
// Next/NextSibling stepping directly.
func (i *Instance) LowerBound(ctx context.Context, key string) (*trie.Cursor[[]byte], error) {
	return i.engine.Trie().LowerBound(ctx, []byte(key))
}

// Range iterates every stored (key, value) pair in ascending lexicographic
// order. Use with a Go range-over-func loop:
//
//	for k, v := range store.Range(ctx) { ... }
func (i *Instance) Range(ctx context.Context) func(yield func(string, []byte) bool) {
	seq := i.engine.Trie().Range(ctx)
	return func(yield func(string, []byte) bool) {
		seq(func(k []byte, v []byte) bool {
			return yield(string(k), v)
		})
	}
}

// PrefixedRange iterates every stored (key, value) pair whose key starts
// with prefix, in ascending lexicographic order.
func (i *Instance) PrefixedRange(ctx context.Context, prefix string) func(yield func(string, []byte) bool) {
	seq := i.engine.Trie().PrefixedRange(ctx, []byte(prefix))
	return func(yield func(string, []byte) bool) {
		seq(func(k []byte, v []byte) bool {
			return yield(string(k), v)
		})
	}
}

// Len reports the number of distinct stored keys.
func (i *Instance) Len(ctx context.Context) (uint64, error) {
	return i.engine.Trie().Size(ctx)
}

// Stats returns a point-in-time diagnostics snapshot of the engine: segment
// count, allocator occupancy, change-history size, and trie counters.
func (i *Instance) Stats(ctx context.Context) (engine.Stats, error) {
	return i.engine.Stats(ctx)
}

// CheckIntegrity walks every segment and every allocator/trie structure's
// debug-only integrity check, returning the first inconsistency found.
func (i *Instance) CheckIntegrity() error {
	return i.engine.CheckIntegrity()
}

// Close gracefully shuts down the Ignite DB instance: it stops the
// transaction manager's background GC worker, closes the change-history
// log, flushes every mapped segment, and unmaps the backing file.
func (i *Instance) Close(ctx context.Context) error {
	return i.engine.Close()
}
