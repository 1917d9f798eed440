package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/tuplgo/tupl/internal/cache"
	"github.com/tuplgo/tupl/internal/page"
)

// testRig wires a real page.Store through a real cache.Cache, the same
// way the transaction runtime wires them, so the B-tree's split/merge
// logic is exercised against genuine eviction and dirty-flush behavior.
type testRig struct {
	store *page.Store
	cache *cache.Cache
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := page.Open(page.Config{
		Path:     filepath.Join(t.TempDir(), "tree.tupl"),
		PageSize: 512, // small pages to force splits/merges quickly
	})
	if err != nil {
		t.Fatalf("page.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := cache.New(cache.Config{
		Partitions: 4,
		Capacity:   64,
		PageSize:   store.PageSize(),
		Load:       store.ReadPage,
		Flush:      store.WritePage,
	})
	return &testRig{store: store, cache: c}
}

func (r *testRig) openTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := Open(r.cache, r.store, page.Invalid)
	if err != nil {
		t.Fatalf("Open tree: %v", err)
	}
	return tr
}

func (r *testRig) reopenTree(t *testing.T, root page.ID) *Tree {
	t.Helper()
	tr, err := Open(r.cache, r.store, root)
	if err != nil {
		t.Fatalf("reopen tree: %v", err)
	}
	return tr
}

func TestPutGetBasic(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	if err := tree.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, ok, err := tree.Get([]byte("a"))
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", val, ok, err)
	}
	if _, ok, _ := tree.Get([]byte("missing")); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestPutTriggersSplit(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := tree.Put(key, val); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("value-%04d", i)
		got, ok, err := tree.Get(key)
		if err != nil || !ok || string(got) != want {
			t.Fatalf("Get(%s) = %q, %v, %v; want %q", key, got, ok, err, want)
		}
	}
}

func TestScanRangeOrdered(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	keys := []string{"b", "d", "a", "c", "e"}
	for _, k := range keys {
		if err := tree.Put([]byte(k), []byte(k+k)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var seen []string
	err := tree.ScanRange(nil, nil, func(key, value []byte) bool {
		seen = append(seen, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestDeleteAndMerge(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := tree.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := 0; i < n-5; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		ok, err := tree.Delete(key)
		if err != nil || !ok {
			t.Fatalf("Delete(%d) = %v, %v", i, ok, err)
		}
	}
	for i := 0; i < n-5; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, ok, _ := tree.Get(key); ok {
			t.Fatalf("key-%04d should have been deleted", i)
		}
	}
	for i := n - 5; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, ok, _ := tree.Get(key); !ok {
			t.Fatalf("key-%04d should still be present", i)
		}
	}
}

func TestFragmentedValueRoundTrip(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	big := make([]byte, 4000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := tree.Put([]byte("blob"), big); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := tree.Get([]byte("blob"))
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if len(got) != len(big) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestTreePersistsAcrossReopen(t *testing.T) {
	r := newTestRig(t)
	tree := r.openTree(t)

	if err := tree.Put([]byte("persisted"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	root := tree.Root()

	reopened := r.reopenTree(t, root)
	val, ok, err := reopened.Get([]byte("persisted"))
	if err != nil || !ok || string(val) != "value" {
		t.Fatalf("Get after reopen = %q, %v, %v", val, ok, err)
	}
}
