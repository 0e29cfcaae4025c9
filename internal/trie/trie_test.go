package trie

import (
	"context"
	"sort"
	"testing"
)

func TestInsertFindAndUpsert(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	cases := map[string]string{
		"apple":       "fruit",
		"app":         "shorter-prefix",
		"application": "longest",
		"banana":      "also-fruit",
		"band":        "music",
	}

	for k, v := range cases {
		if _, inserted, err := tr.Insert(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		} else if !inserted {
			t.Fatalf("Insert(%q) reported not-inserted on first write", k)
		}
	}

	for k, want := range cases {
		cur, err := tr.Find(ctx, []byte(k))
		if err != nil {
			t.Fatalf("Find(%q): %v", k, err)
		}
		if cur.End() {
			t.Fatalf("Find(%q) returned an end cursor", k)
		}
		got, err := cur.Value(ctx)
		if err != nil {
			t.Fatalf("Value(%q): %v", k, err)
		}
		if string(got) != want {
			t.Fatalf("Find(%q) = %q, want %q", k, got, want)
		}
		exists, err := tr.CheckExists(ctx, []byte(k))
		if err != nil {
			t.Fatalf("CheckExists(%q): %v", k, err)
		}
		if !exists {
			t.Fatalf("CheckExists(%q) = false, want true", k)
		}
	}

	if cur, err := tr.Find(ctx, []byte("missing")); err != nil {
		t.Fatalf("Find(missing): %v", err)
	} else if !cur.End() {
		t.Fatal("Find(missing) expected an end cursor")
	}

	if _, inserted, err := tr.Insert(ctx, []byte("apple"), []byte("ignored")); err != nil {
		t.Fatalf("Insert(apple) second time: %v", err)
	} else if inserted {
		t.Fatal("Insert on an existing key should report inserted=false")
	}

	if _, err := tr.Upsert(ctx, []byte("apple"), []byte("overwritten")); err != nil {
		t.Fatalf("Upsert(apple): %v", err)
	}
	cur, err := tr.Find(ctx, []byte("apple"))
	if err != nil {
		t.Fatalf("Find(apple) after upsert: %v", err)
	}
	got, err := cur.Value(ctx)
	if err != nil {
		t.Fatalf("Value(apple) after upsert: %v", err)
	}
	if string(got) != "overwritten" {
		t.Fatalf("apple = %q after upsert, want %q", got, "overwritten")
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint64(len(cases)) {
		t.Fatalf("Size() = %d, want %d", size, len(cases))
	}
}

func TestUpdateOverwritesValueAtCursor(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	cur, _, err := tr.Insert(ctx, []byte("key"), []byte("v1"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	applied, err := tr.Update(ctx, cur, []byte("v2"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if applied != 1 {
		t.Fatalf("Update applied = %d, want 1", applied)
	}

	fresh, err := tr.Find(ctx, []byte("key"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	got, err := fresh.Value(ctx)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("value after Update = %q, want v2", got)
	}
}

func TestEraseRemovesKeyAndAdvancesToSuccessor(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		if _, _, err := tr.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	cur, err := tr.Find(ctx, []byte("b"))
	if err != nil {
		t.Fatalf("Find(b): %v", err)
	}

	successor, err := tr.Erase(ctx, cur)
	if err != nil {
		t.Fatalf("Erase(b): %v", err)
	}
	if successor.End() {
		t.Fatal("Erase(b) successor should not be end (c follows)")
	}
	if string(successor.Key()) != "c" {
		t.Fatalf("Erase(b) successor key = %q, want %q", successor.Key(), "c")
	}

	if exists, err := tr.CheckExists(ctx, []byte("b")); err != nil {
		t.Fatalf("CheckExists(b): %v", err)
	} else if exists {
		t.Fatal("b should no longer exist after Erase")
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint64(len(keys)-1) {
		t.Fatalf("Size() = %d, want %d", size, len(keys)-1)
	}
}

func TestEraseLastKeyReturnsEndCursor(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	cur, _, err := tr.Insert(ctx, []byte("only"), []byte("v"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	successor, err := tr.Erase(ctx, cur)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !successor.End() {
		t.Fatal("erasing the only key should yield an end cursor")
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() = %d, want 0", size)
	}
}

func TestLowerBound(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	keys := []string{"bat", "bath", "bathe", "cat", "dog"}
	for _, k := range keys {
		if _, _, err := tr.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	tests := []struct {
		query string
		want  string // "" means end cursor expected
	}{
		{"", "bat"},
		{"bat", "bat"},
		{"bas", "bat"},
		{"batg", "bath"},
		{"cat", "cat"},
		{"cz", "dog"},
		{"z", ""},
	}

	for _, tc := range tests {
		cur, err := tr.LowerBound(ctx, []byte(tc.query))
		if err != nil {
			t.Fatalf("LowerBound(%q): %v", tc.query, err)
		}
		if tc.want == "" {
			if !cur.End() {
				t.Fatalf("LowerBound(%q) = %q, want end cursor", tc.query, cur.Key())
			}
			continue
		}
		if cur.End() {
			t.Fatalf("LowerBound(%q) returned end cursor, want %q", tc.query, tc.want)
		}
		if string(cur.Key()) != tc.want {
			t.Fatalf("LowerBound(%q) = %q, want %q", tc.query, cur.Key(), tc.want)
		}
	}
}

func TestRangeYieldsAscendingOrder(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	keys := []string{"zebra", "apple", "mango", "kiwi", "banana"}
	for _, k := range keys {
		if _, _, err := tr.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	var got []string
	for k, v := range tr.Range(ctx) {
		if string(k) != string(v) {
			t.Fatalf("Range yielded mismatched key/value: %q/%q", k, v)
		}
		got = append(got, string(k))
	}

	want := append([]string(nil), keys...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("Range yielded %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range()[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPrefixedRangeAndEraseAll(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	grouped := []string{"user:1", "user:2", "user:30", "order:1", "order:2"}
	for _, k := range grouped {
		if _, _, err := tr.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	var got []string
	for k := range tr.PrefixedRange(ctx, []byte("user:")) {
		got = append(got, string(k))
	}
	want := []string{"user:1", "user:2", "user:30"}
	if len(got) != len(want) {
		t.Fatalf("PrefixedRange(user:) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PrefixedRange(user:)[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	erased, err := tr.PrefixedKeyEraseAll(ctx, []byte("user:"))
	if err != nil {
		t.Fatalf("PrefixedKeyEraseAll: %v", err)
	}
	if erased != 3 {
		t.Fatalf("PrefixedKeyEraseAll erased %d, want 3", erased)
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("Size() after PrefixedKeyEraseAll = %d, want 2", size)
	}

	for _, k := range []string{"order:1", "order:2"} {
		if exists, err := tr.CheckExists(ctx, []byte(k)); err != nil {
			t.Fatalf("CheckExists(%q): %v", k, err)
		} else if !exists {
			t.Fatalf("%q should have survived the user: prefix erase", k)
		}
	}
}

func TestInsertManyKeysAcrossSegments(t *testing.T) {
	ctx := context.Background()
	h := newTestTrie(t)
	tr := h.trie

	const n = 300
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k := randomishKey(i)
		keys = append(keys, k)
		if _, _, err := tr.Insert(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert(%q) at i=%d: %v", k, i, err)
		}
	}

	size, err := tr.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint64(n) {
		t.Fatalf("Size() = %d, want %d", size, n)
	}

	for _, k := range keys {
		exists, err := tr.CheckExists(ctx, []byte(k))
		if err != nil {
			t.Fatalf("CheckExists(%q): %v", k, err)
		}
		if !exists {
			t.Fatalf("key %q lost after bulk insert", k)
		}
	}

	if segs := h.store.AvailableSegments(); segs < 2 {
		t.Fatalf("expected bulk insert to roll over into a second segment, got %d segment(s)", segs)
	}
}

// randomishKey produces a deterministic, varied-length key from i so bulk
// insert tests exercise different trie-depth shapes without depending on
// math/rand (which would make failures hard to reproduce).
func randomishKey(i int) string {
	b := []byte{
		byte('a' + i%26),
		byte('a' + (i/26)%26),
		byte('0' + i%10),
		byte('A' + (i*7)%26),
	}
	if i%3 == 0 {
		b = append(b, byte('x'+i%3))
	}
	return string(b) + "-" + string(rune('0'+i%10))
}
