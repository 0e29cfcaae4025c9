package trie

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorResyncLandsOnSuccessorAfterConcurrentErase(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	for _, k := range []string{"alpha", "beta", "gamma"} {
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	stale, err := tr.Find(ctx, []byte("beta"))
	req.NoError(err)
	req.False(stale.End())

	// A second, independent cursor does the erase "concurrently" with
	// respect to stale — stale's own trail is never touched directly.
	toErase, err := tr.Find(ctx, []byte("beta"))
	req.NoError(err)
	_, err = tr.Erase(ctx, toErase)
	req.NoError(err)

	got, err := stale.Value(ctx)
	req.NoError(err, "a stale cursor whose key was erased should resync onto its successor, not error")
	req.Equal("gamma", string(got))
	req.Equal("gamma", string(stale.Key()))
}

func TestCursorResyncBecomesEndWhenNoSuccessorSurvives(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	for _, k := range []string{"only1", "only2"} {
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	stale, err := tr.Find(ctx, []byte("only2"))
	req.NoError(err)
	req.False(stale.End())

	toErase, err := tr.Find(ctx, []byte("only2"))
	req.NoError(err)
	_, err = tr.Erase(ctx, toErase)
	req.NoError(err)

	_, err = stale.Value(ctx)
	req.Error(err, "a stale cursor with no surviving successor should report an error, not silently read garbage")
}

func TestCursorResyncSurvivesStructuralGrowthElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	_, _, err := tr.Insert(ctx, []byte("target"), []byte("original"))
	req.NoError(err)

	stale, err := tr.Find(ctx, []byte("target"))
	req.NoError(err)
	req.False(stale.End())

	// Insert enough unrelated keys sharing "target"'s root edge to force
	// node growth/splits along the path stale's trail recorded, without
	// ever touching "target" itself.
	for i := 0; i < 64; i++ {
		k := fmt.Sprintf("target-sibling-%02d", i)
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	got, err := stale.Value(ctx)
	req.NoError(err)
	req.Equal("original", string(got), "resync should still resolve to the same key after unrelated growth")
	req.Equal("target", string(stale.Key()))
}

func TestNextWalksFullOrderIgnoringSubtreeBoundaries(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	keys := []string{"ant", "ants", "anteater", "bee", "bees"}
	for _, k := range keys {
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	cur, err := tr.LowerBound(ctx, nil)
	req.NoError(err)

	var walked []string
	for !cur.End() {
		walked = append(walked, string(cur.Key()))
		cur, err = tr.Next(ctx, cur)
		req.NoError(err)
	}

	want := []string{"ant", "anteater", "ants", "bee", "bees"}
	req.Equal(want, walked)
}

func TestNextSiblingSkipsSubtree(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	for _, k := range []string{"cat", "catalog", "cats", "dog"} {
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	cur, err := tr.Find(ctx, []byte("cat"))
	req.NoError(err)
	req.False(cur.End())

	next, err := tr.NextSibling(ctx, cur)
	req.NoError(err)
	req.False(next.End())
	req.Equal("dog", string(next.Key()), "NextSibling from cat's byte should skip catalog/cats entirely")
}

func TestChildrenRangeYieldsOnlyDirectChildren(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	for _, k := range []string{"a", "ab", "abc", "ad"} {
		_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
		req.NoError(err)
	}

	anchor, err := tr.Find(ctx, []byte("a"))
	req.NoError(err)
	req.False(anchor.End())

	var children []string
	for k, v := range tr.ChildrenRange(ctx, anchor) {
		req.Equal(string(k), string(v))
		children = append(children, string(k))
	}

	req.ElementsMatch([]string{"ab", "ad"}, children, "abc is a grandchild, not a direct child, of a")
}

func TestConcurrentInsertsAllSurvive(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie
	req := require.New(t)

	const workers = 8
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := fmt.Sprintf("w%02d-k%03d", w, i)
				_, _, err := tr.Insert(ctx, []byte(k), []byte(k))
				assertNoErrorFromGoroutine(t, err)
			}
		}(w)
	}
	wg.Wait()

	size, err := tr.Size(ctx)
	req.NoError(err)
	req.Equal(uint64(workers*perWorker), size)

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			k := fmt.Sprintf("w%02d-k%03d", w, i)
			exists, err := tr.CheckExists(ctx, []byte(k))
			req.NoError(err)
			req.True(exists, "key %q lost under concurrent insert", k)
		}
	}
}

// assertNoErrorFromGoroutine reports a test failure from within a worker
// goroutine without calling t.Fatal there, which testing forbids outside
// the main goroutine.
func assertNoErrorFromGoroutine(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
