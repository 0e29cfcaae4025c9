// Package txn implements the event-sourcing transaction layer (C5–C7):
// shadow buffers for uncommitted writes, a change-history log transactions
// roll back against, and the Manager that exposes the readonly/writable
// block API the rest of the store is built on.
package txn

import "sync"

// shadowClasses are the buffer sizes Cache pools. A request for n bytes is
// served from the smallest class able to hold it, then sliced down to
// length n — the same size-classed pooling shape as mari's MariNodePool,
// generalized from fixed trie-node cells to arbitrary shadow-copy lengths.
var shadowClasses = []int{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// Cache is a sync.Pool-backed allocator for the byte slices a transaction
// uses to hold its shadow (pre-image or post-image) copy of a block while
// the transaction is open. Buffers are never zeroed on Put — every Get
// caller overwrites the full requested length before reading it back.
type Cache struct {
	pools []sync.Pool // parallel to shadowClasses
}

// NewCache builds an empty Cache; pools are populated lazily by sync.Pool.
func NewCache() *Cache {
	c := &Cache{pools: make([]sync.Pool, len(shadowClasses))}
	for i, size := range shadowClasses {
		size := size
		c.pools[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return c
}

// Get returns a buffer of exactly n bytes, drawn from the smallest size
// class able to hold it. Oversized requests (larger than the biggest
// class) allocate directly and are never returned to a pool by Put.
func (c *Cache) Get(n int) []byte {
	class := c.classFor(n)
	if class < 0 {
		return make([]byte, n)
	}
	ptr := c.pools[class].Get().(*[]byte)
	buf := *ptr
	if cap(buf) < n {
		buf = make([]byte, shadowClasses[class])
	}
	return buf[:n]
}

// Put returns buf to the pool matching its capacity, if any. Buffers whose
// capacity doesn't exactly match a class (e.g. oversized Gets) are dropped.
func (c *Cache) Put(buf []byte) {
	class := -1
	for i, size := range shadowClasses {
		if cap(buf) == size {
			class = i
			break
		}
	}
	if class < 0 {
		return
	}
	full := buf[:cap(buf)]
	c.pools[class].Put(&full)
}

func (c *Cache) classFor(n int) int {
	for i, size := range shadowClasses {
		if size >= n {
			return i
		}
	}
	return -1
}
