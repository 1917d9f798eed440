package btree

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"

	"github.com/tuplgo/tupl/internal/page"
)

// Cursor provides stepwise ordered iteration over a Tree, the
// lower-level primitive the root package's OrderedMap/Cursor traits are
// built on.
type Cursor struct {
	tree    *Tree
	leafID  page.ID
	idx     int
	atEnd   bool
	started bool
}

// NewCursor returns a Cursor positioned before the first entry.
func NewCursor(t *Tree) *Cursor {
	return &Cursor{tree: t}
}

// First positions the cursor at the smallest key and returns it, or
// atEnd=true if the tree is empty.
func (c *Cursor) First() (key, value []byte, ok bool, err error) {
	return c.seek(nil)
}

// Seek positions the cursor at the smallest key >= key.
func (c *Cursor) Seek(key []byte) (foundKey, value []byte, ok bool, err error) {
	return c.seek(key)
}

func (c *Cursor) seek(key []byte) ([]byte, []byte, bool, error) {
	path, leaf, err := c.tree.descend(key)
	if err != nil {
		return nil, nil, false, err
	}
	id := path[len(path)-1].id
	idx, _ := leaf.Find(key)
	c.leafID, c.idx, c.started, c.atEnd = id, idx, true, false

	if idx >= leaf.KeyCount() {
		c.tree.nodes.Unpin(id, false)
		if !c.advanceLeaf() {
			c.atEnd = true
			return nil, nil, false, nil
		}
		return c.current()
	}
	k, v, err := c.readEntry(leaf, idx)
	c.tree.nodes.Unpin(id, false)
	if err != nil {
		return nil, nil, false, err
	}
	return k, v, true, nil
}

func (c *Cursor) current() ([]byte, []byte, bool, error) {
	if c.atEnd {
		return nil, nil, false, nil
	}
	leaf, err := c.tree.fetch(c.leafID)
	if err != nil {
		return nil, nil, false, err
	}
	k, v, err := c.readEntry(leaf, c.idx)
	c.tree.nodes.Unpin(c.leafID, false)
	if err != nil {
		return nil, nil, false, err
	}
	return k, v, true, nil
}

func (c *Cursor) readEntry(leaf Node, idx int) ([]byte, []byte, error) {
	e := leaf.LeafEntryAt(idx)
	if !e.Overflow {
		return e.Key, e.Value, nil
	}
	val, err := ReadOverflow(c.tree.alloc, e.OverflowHead)
	return e.Key, val, err
}

// Next advances to the following entry.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.atEnd || !c.started {
		return nil, nil, false, nil
	}
	leaf, err := c.tree.fetch(c.leafID)
	if err != nil {
		return nil, nil, false, err
	}
	c.idx++
	if c.idx >= leaf.KeyCount() {
		c.tree.nodes.Unpin(c.leafID, false)
		if !c.advanceLeaf() {
			c.atEnd = true
			return nil, nil, false, nil
		}
		return c.current()
	}
	k, v, err := c.readEntry(leaf, c.idx)
	c.tree.nodes.Unpin(c.leafID, false)
	if err != nil {
		return nil, nil, false, err
	}
	return k, v, true, nil
}

// Last positions the cursor at the greatest key in the tree.
func (c *Cursor) Last() (key, value []byte, ok bool, err error) {
	id := c.tree.root
	for {
		n, err := c.tree.fetch(id)
		if err != nil {
			return nil, nil, false, err
		}
		if n.IsLeaf() {
			c.tree.nodes.Unpin(id, false)
			break
		}
		next := n.Sibling()
		c.tree.nodes.Unpin(id, false)
		id = next
	}
	leaf, err := c.tree.fetch(id)
	if err != nil {
		return nil, nil, false, err
	}
	c.started = true
	count := leaf.KeyCount()
	if count == 0 {
		c.tree.nodes.Unpin(id, false)
		c.leafID, c.atEnd = id, true
		return nil, nil, false, nil
	}
	c.leafID, c.idx, c.atEnd = id, count-1, false
	k, v, err := c.readEntry(leaf, count-1)
	c.tree.nodes.Unpin(id, false)
	return k, v, true, err
}

// FindGT positions the cursor at the smallest key strictly greater than
// key.
func (c *Cursor) FindGT(key []byte) (foundKey, value []byte, ok bool, err error) {
	k, v, ok, err := c.seek(key)
	if err != nil || !ok {
		return k, v, ok, err
	}
	if bytes.Equal(k, key) {
		return c.Next()
	}
	return k, v, ok, nil
}

// FindLE positions the cursor at the greatest key less than or equal to
// key.
func (c *Cursor) FindLE(key []byte) (foundKey, value []byte, ok bool, err error) {
	return c.floor(key, false)
}

// FindLT positions the cursor at the greatest key strictly less than
// key.
func (c *Cursor) FindLT(key []byte) (foundKey, value []byte, ok bool, err error) {
	return c.floor(key, true)
}

// floor is the shared implementation of FindLE/FindLT: descend to the
// leaf that would hold key, then either take the matched entry (LE,
// non-strict, exact match) or the entry immediately before it. When the
// floor falls outside the leaf entirely (key is smaller than every entry
// in it) the predecessor leaf is located by re-descending from its
// first key, since the only sibling link kept current is the right
// Sibling pointer (PrevLeaf is set on a split's right half and not
// maintained afterwards).
func (c *Cursor) floor(key []byte, strict bool) ([]byte, []byte, bool, error) {
	path, leaf, err := c.tree.descend(key)
	if err != nil {
		return nil, nil, false, err
	}
	id := path[len(path)-1].id
	idx, found := leaf.Find(key)

	pos := idx
	if !found || strict {
		pos = idx - 1
	}

	if pos >= 0 {
		c.leafID, c.idx, c.started, c.atEnd = id, pos, true, false
		k, v, rerr := c.readEntry(leaf, pos)
		c.tree.nodes.Unpin(id, false)
		return k, v, true, rerr
	}
	c.tree.nodes.Unpin(id, false)

	c.leafID, c.started = id, true
	prevID, err := c.previousLeaf()
	if err != nil {
		return nil, nil, false, err
	}
	if prevID == page.Invalid {
		c.atEnd = true
		return nil, nil, false, nil
	}
	prevLeaf, err := c.tree.fetch(prevID)
	if err != nil {
		return nil, nil, false, err
	}
	last := prevLeaf.KeyCount() - 1
	c.leafID, c.idx, c.atEnd = prevID, last, false
	k, v, rerr := c.readEntry(prevLeaf, last)
	c.tree.nodes.Unpin(prevID, false)
	return k, v, true, rerr
}

// Nearby positions the cursor at the smallest key >= key, reusing the
// cursor's current leaf without a root descent when key still falls
// within it.
func (c *Cursor) Nearby(key []byte) (foundKey, value []byte, ok bool, err error) {
	if c.started && !c.atEnd {
		leaf, err := c.tree.fetch(c.leafID)
		if err != nil {
			return nil, nil, false, err
		}
		idx, _ := leaf.Find(key)
		if idx < leaf.KeyCount() {
			c.idx = idx
			k, v, rerr := c.readEntry(leaf, idx)
			c.tree.nodes.Unpin(c.leafID, false)
			return k, v, true, rerr
		}
		c.tree.nodes.Unpin(c.leafID, false)
	}
	return c.Seek(key)
}

// Previous moves the cursor to the preceding entry in key order.
func (c *Cursor) Previous() (key, value []byte, ok bool, err error) {
	if !c.started {
		return nil, nil, false, nil
	}
	if !c.atEnd && c.idx > 0 {
		leaf, err := c.tree.fetch(c.leafID)
		if err != nil {
			return nil, nil, false, err
		}
		c.idx--
		k, v, rerr := c.readEntry(leaf, c.idx)
		c.tree.nodes.Unpin(c.leafID, false)
		return k, v, true, rerr
	}

	prevID, err := c.previousLeaf()
	if err != nil {
		return nil, nil, false, err
	}
	if prevID == page.Invalid {
		c.atEnd = true
		return nil, nil, false, nil
	}
	leaf, err := c.tree.fetch(prevID)
	if err != nil {
		return nil, nil, false, err
	}
	count := leaf.KeyCount()
	if count == 0 {
		c.tree.nodes.Unpin(prevID, false)
		c.atEnd = true
		return nil, nil, false, nil
	}
	c.leafID, c.idx, c.atEnd = prevID, count-1, false
	k, v, rerr := c.readEntry(leaf, count-1)
	c.tree.nodes.Unpin(prevID, false)
	return k, v, true, rerr
}

// previousLeaf locates the leaf immediately to the left of c.leafID by
// re-descending from the root on c.leafID's first key: the right Sibling
// pointer is the only sibling link kept current (PrevLeaf is not
// maintained across later splits and merges), so there is no cheaper
// way to walk backward across a leaf boundary. Returns page.Invalid if c.leafID is already
// the first leaf.
func (c *Cursor) previousLeaf() (page.ID, error) {
	leaf, err := c.tree.fetch(c.leafID)
	if err != nil {
		return page.Invalid, err
	}
	if leaf.KeyCount() == 0 {
		c.tree.nodes.Unpin(c.leafID, false)
		return page.Invalid, nil
	}
	firstKey := append([]byte(nil), leaf.KeyAt(0)...)
	c.tree.nodes.Unpin(c.leafID, false)

	path, _, err := c.tree.descend(firstKey)
	if err != nil {
		return page.Invalid, err
	}
	c.tree.nodes.Unpin(path[len(path)-1].id, false)

	for i := len(path) - 2; i >= 0; i-- {
		if path[i].childIdx == 0 {
			continue
		}
		parent, err := c.tree.fetch(path[i].id)
		if err != nil {
			return page.Invalid, err
		}
		childID := c.tree.childAt(parent, path[i].childIdx-1)
		c.tree.nodes.Unpin(path[i].id, false)
		return c.rightmostLeafUnder(childID)
	}
	return page.Invalid, nil
}

// rightmostLeafUnder walks right-Sibling pointers down from id until it
// reaches a leaf.
func (c *Cursor) rightmostLeafUnder(id page.ID) (page.ID, error) {
	for {
		n, err := c.tree.fetch(id)
		if err != nil {
			return page.Invalid, err
		}
		if n.IsLeaf() {
			c.tree.nodes.Unpin(id, false)
			return id, nil
		}
		next := n.Sibling()
		c.tree.nodes.Unpin(id, false)
		id = next
	}
}

// Skip moves the cursor forward n entries (or backward, for negative n).
// n == math.MinInt64 is rejected without panicking, since its magnitude
// cannot be represented as a positive int64 to drive the backward walk.
func (c *Cursor) Skip(n int64) (key, value []byte, ok bool, err error) {
	if n == math.MinInt64 {
		return nil, nil, false, fmt.Errorf("btree: cursor skip(%d) out of bounds", n)
	}
	if n == 0 {
		return c.current()
	}
	if n > 0 {
		for i := int64(0); i < n; i++ {
			key, value, ok, err = c.Next()
			if err != nil || !ok {
				return key, value, ok, err
			}
		}
		return key, value, ok, err
	}
	for i := int64(0); i < -n; i++ {
		key, value, ok, err = c.Previous()
		if err != nil || !ok {
			return key, value, ok, err
		}
	}
	return key, value, ok, err
}

// Random positions the cursor at the smallest key >= a uniformly sampled
// probe between lo and hi, giving an approximately random live entry in
// that range.
func (c *Cursor) Random(lo, hi []byte) (key, value []byte, ok bool, err error) {
	return c.Seek(randomKeyBetween(lo, hi))
}

func randomKeyBetween(lo, hi []byte) []byte {
	n := len(hi)
	if len(lo) > n {
		n = len(lo)
	}
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		var loB byte
		hiB := byte(0xff)
		if i < len(lo) {
			loB = lo[i]
		}
		if i < len(hi) {
			hiB = hi[i]
		}
		if hiB < loB {
			hiB = loB
		}
		buf[i] = loB + byte(rand.Intn(int(hiB-loB)+1))
	}
	return buf
}

// advanceLeaf moves the cursor to the first entry of the next leaf,
// skipping empty leaves. Returns false once the chain is exhausted.
func (c *Cursor) advanceLeaf() bool {
	for {
		leaf, err := c.tree.fetch(c.leafID)
		if err != nil {
			return false
		}
		next := leaf.Sibling()
		c.tree.nodes.Unpin(c.leafID, false)
		if next == page.Invalid {
			return false
		}
		c.leafID = next
		c.idx = 0
		nleaf, err := c.tree.fetch(next)
		if err != nil {
			return false
		}
		count := nleaf.KeyCount()
		c.tree.nodes.Unpin(next, false)
		if count > 0 {
			return true
		}
	}
}
