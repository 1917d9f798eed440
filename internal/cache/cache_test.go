package cache

import (
	"testing"

	"github.com/tuplgo/tupl/internal/page"
)

func newTestCache(t *testing.T, capacity int) (*Cache, map[page.ID][]byte) {
	t.Helper()
	backing := make(map[page.ID][]byte)
	c := New(Config{
		Partitions: 2,
		Capacity:   capacity,
		PageSize:   4096,
		Load: func(id page.ID) ([]byte, error) {
			buf, ok := backing[id]
			if !ok {
				buf = make([]byte, 4096)
			}
			return buf, nil
		},
		Flush: func(id page.ID, buf []byte) error {
			backing[id] = append([]byte(nil), buf...)
			return nil
		},
	})
	return c, backing
}

func TestFetchUnpinDirtyFlush(t *testing.T) {
	c, backing := newTestCache(t, 16)

	buf, err := c.Fetch(page.ID(5))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	buf[0] = 0xAB
	c.Unpin(page.ID(5), true)

	dirty := c.DirtyIDs()
	if len(dirty) != 1 || dirty[0] != page.ID(5) {
		t.Fatalf("DirtyIDs = %v, want [5]", dirty)
	}

	n, err := c.FlushGeneration(c.SwapGeneration())
	if err != nil {
		t.Fatalf("FlushGeneration: %v", err)
	}
	if n != 1 {
		t.Fatalf("flushed %d pages, want 1", n)
	}
	if backing[page.ID(5)][0] != 0xAB {
		t.Fatal("flushed buffer did not reach backing store")
	}
	if len(c.DirtyIDs()) != 0 {
		t.Fatal("page still marked dirty after flush")
	}
}

func TestEvictionRespectsCapacityAndPins(t *testing.T) {
	c, _ := newTestCache(t, 2) // 1 page per partition across 2 partitions

	// Fetch two pages and keep both pinned, which may push a partition
	// beyond capacity — eviction must not drop a pinned page.
	if _, err := c.Fetch(page.ID(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(page.ID(2)); err != nil {
		t.Fatal(err)
	}
	if c.Resident() < 1 {
		t.Fatal("expected at least the pinned page to remain resident")
	}
}

func TestInvalidateRemovesPage(t *testing.T) {
	c, _ := newTestCache(t, 16)
	if _, err := c.Fetch(page.ID(1)); err != nil {
		t.Fatal(err)
	}
	c.Unpin(page.ID(1), false)
	c.Invalidate(page.ID(1))
	if c.Resident() != 0 {
		t.Fatalf("Resident() = %d, want 0 after invalidate", c.Resident())
	}
}
