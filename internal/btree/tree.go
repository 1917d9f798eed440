package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tuplgo/tupl/internal/page"
)

// Nodes gives the tree pinned access to page buffers, normally satisfied
// by *cache.Cache.
type Nodes interface {
	Fetch(id page.ID) ([]byte, error)
	Unpin(id page.ID, dirty bool)
}

// Allocator gives the tree direct access to the page store for
// allocating new node/overflow pages and formatting them before they
// first enter the cache.
type Allocator interface {
	Alloc() page.ID
	Free(id page.ID)
	PageSize() uint32
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
}

// underflowFraction is the minimum fraction of a node's record area that
// must stay occupied before a delete triggers a merge/rebalance attempt.
const underflowFraction = 0.25

// overflowThresholdFraction bounds how large a value may be before it is
// pushed into an overflow chain instead of living inline in a leaf.
const overflowThresholdFraction = 0.25

// Tree is an ordered map over byte-string keys, backed by a page-store
// B-tree with fragmented-value support.
type Tree struct {
	nodes Nodes
	alloc Allocator
	root  page.ID
}

// Open attaches a Tree to an existing root page, or creates a fresh empty
// leaf root if root is page.Invalid.
func Open(nodes Nodes, alloc Allocator, root page.ID) (*Tree, error) {
	t := &Tree{nodes: nodes, alloc: alloc, root: root}
	if root == page.Invalid {
		id, err := t.newNode(true)
		if err != nil {
			return nil, err
		}
		t.root = id
	}
	return t, nil
}

// Root returns the current root page ID, for persistence in the registry.
func (t *Tree) Root() page.ID { return t.root }

func (t *Tree) newNode(leaf bool) (page.ID, error) {
	id := t.alloc.Alloc()
	buf := make([]byte, t.alloc.PageSize())
	n := New(buf, leaf)
	n.Finalize()
	if err := t.alloc.WritePage(id, buf); err != nil {
		return page.Invalid, err
	}
	return id, nil
}

func (t *Tree) fetch(id page.ID) (Node, error) {
	buf, err := t.nodes.Fetch(id)
	if err != nil {
		return Node{}, fmt.Errorf("btree: fetch node %d: %w", id, err)
	}
	return Wrap(buf), nil
}

// pathStep records how a descent reached a node, so inserts/deletes can
// walk back up to propagate splits and merges.
type pathStep struct {
	id       page.ID
	childIdx int // index of the child followed from this node, -1 at the leaf
}

func (t *Tree) descend(key []byte) ([]pathStep, Node, error) {
	var path []pathStep
	id := t.root
	for {
		n, err := t.fetch(id)
		if err != nil {
			return nil, Node{}, err
		}
		if n.IsLeaf() {
			path = append(path, pathStep{id: id, childIdx: -1})
			return path, n, nil
		}
		idx, found := n.Find(key)
		var childID page.ID
		if found {
			// exact separator match descends into the right subtree
			childID = t.childAt(n, idx+1)
			path = append(path, pathStep{id: id, childIdx: idx + 1})
		} else {
			childID = t.childAt(n, idx)
			path = append(path, pathStep{id: id, childIdx: idx})
		}
		t.nodes.Unpin(id, false)
		id = childID
	}
}

// childAt returns the idx-th child pointer of an internal node (0..KeyCount
// are all valid: KeyCount is the rightmost Sibling pointer).
func (t *Tree) childAt(n Node, idx int) page.ID {
	if idx == n.KeyCount() {
		return n.Sibling()
	}
	return n.InternalEntryAt(idx).ChildID
}

// setChildAt points the idx-th child pointer of an internal node at
// child (idx == KeyCount rewrites the rightmost Sibling pointer).
func setChildAt(n Node, idx int, child page.ID) {
	if idx == n.KeyCount() {
		n.setSibling(child)
		return
	}
	rec := n.record(idx)
	binary.BigEndian.PutUint64(rec[len(rec)-8:], uint64(child))
}

// Get looks up key, resolving overflow chains transparently.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	path, leaf, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	defer t.nodes.Unpin(path[len(path)-1].id, false)

	idx, found := leaf.Find(key)
	if !found {
		return nil, false, nil
	}
	e := leaf.LeafEntryAt(idx)
	if !e.Overflow {
		return append([]byte(nil), e.Value...), true, nil
	}
	val, err := ReadOverflow(t.alloc, e.OverflowHead)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Put inserts or updates key with value, splitting nodes as needed.
func (t *Tree) Put(key, value []byte) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	entry := LeafEntry{Key: key, Value: value}
	threshold := int(float64(t.alloc.PageSize()) * overflowThresholdFraction)
	if len(value) > threshold {
		head, err := WriteOverflow(t.alloc, value)
		if err != nil {
			t.nodes.Unpin(path[len(path)-1].id, false)
			return err
		}
		entry = LeafEntry{Key: key, Overflow: true, OverflowHead: head}
	}

	idx, found := leaf.Find(key)
	if found {
		old := leaf.LeafEntryAt(idx)
		if old.Overflow && !(entry.Overflow && old.OverflowHead == entry.OverflowHead) {
			if err := FreeOverflowChain(t.alloc, old.OverflowHead); err != nil {
				return err
			}
		}
		if leaf.UpdateLeafValue(idx, entry) {
			leaf.Finalize()
			t.nodes.Unpin(path[len(path)-1].id, true)
			return nil
		}
		// Doesn't fit in place even after compaction: fall through to split path
		leaf.Compact()
		if leaf.UpdateLeafValue(idx, entry) {
			leaf.Finalize()
			t.nodes.Unpin(path[len(path)-1].id, true)
			return nil
		}
	} else if leaf.InsertLeaf(idx, entry) {
		leaf.Finalize()
		t.nodes.Unpin(path[len(path)-1].id, true)
		return nil
	} else {
		leaf.Compact()
		if leaf.InsertLeaf(idx, entry) {
			leaf.Finalize()
			t.nodes.Unpin(path[len(path)-1].id, true)
			return nil
		}
	}

	// Leaf is full: split it and propagate the new separator upward.
	return t.splitAndPropagate(path, leaf, idx, entry, found)
}

func (t *Tree) splitAndPropagate(path []pathStep, leaf Node, idx int, entry LeafEntry, wasUpdate bool) error {
	rightID, err := t.newNode(true)
	if err != nil {
		return err
	}
	rightBuf, err := t.nodes.Fetch(rightID)
	if err != nil {
		return err
	}
	right := Wrap(rightBuf)

	mid := leaf.KeyCount() / 2
	for i := mid; i < leaf.KeyCount(); i++ {
		e := leaf.LeafEntryAt(i)
		if !right.InsertLeaf(right.KeyCount(), e) {
			return fmt.Errorf("btree: split target leaf unexpectedly full")
		}
	}
	for i := leaf.KeyCount() - 1; i >= mid; i-- {
		leaf.DeleteSlot(i)
	}
	leaf.Compact()

	// Insert the pending entry into whichever half it belongs to.
	target := leaf
	if idx >= mid {
		target = right
		idx -= mid
	}
	if wasUpdate {
		target.UpdateLeafValue(idx, entry)
	} else if !target.InsertLeaf(idx, entry) {
		return fmt.Errorf("btree: entry does not fit even after split")
	}

	right.setSibling(leaf.Sibling())
	leaf.setSibling(rightID)
	right.setPrevLeaf(path[len(path)-1].id)

	leaf.Finalize()
	right.Finalize()
	t.nodes.Unpin(path[len(path)-1].id, true)
	t.nodes.Unpin(rightID, true)

	separator := append([]byte(nil), right.KeyAt(0)...)
	return t.insertChildUpward(path[:len(path)-1], separator, rightID)
}

// insertChildUpward inserts a new separator/right-child pair into the
// parent chain, splitting internal nodes as needed and creating a new
// root if the top of the path also splits.
func (t *Tree) insertChildUpward(path []pathStep, sepKey []byte, rightChild page.ID) error {
	if len(path) == 0 {
		// The root split: create a new internal root over the old root
		// and the freshly split-off sibling.
		newRootID, err := t.newNode(false)
		if err != nil {
			return err
		}
		buf, err := t.nodes.Fetch(newRootID)
		if err != nil {
			return err
		}
		root := Wrap(buf)
		root.InsertInternal(0, InternalEntry{Key: sepKey, ChildID: t.root})
		root.setSibling(rightChild)
		root.Finalize()
		t.nodes.Unpin(newRootID, true)
		t.root = newRootID
		return nil
	}

	step := path[len(path)-1]
	n, err := t.fetch(step.id)
	if err != nil {
		return err
	}

	entry := InternalEntry{Key: sepKey, ChildID: t.childAt(n, step.childIdx)}
	// The child at step.childIdx now becomes the *left* child of the new
	// separator; rightChild becomes the new child at step.childIdx+1. If
	// step.childIdx was the rightmost (Sibling) slot, the new rightChild
	// becomes the new Sibling and the old Sibling becomes entry.ChildID.
	insertAt := step.childIdx
	if insertAt == n.KeyCount() {
		// was following Sibling; insert at the end, new node becomes Sibling
		ok := n.InsertInternal(n.KeyCount(), entry)
		if ok {
			n.setSibling(rightChild)
			n.Finalize()
			t.nodes.Unpin(step.id, true)
			return nil
		}
	} else {
		if n.InsertInternal(insertAt, entry) {
			setChildAt(n, insertAt+1, rightChild)
			n.Finalize()
			t.nodes.Unpin(step.id, true)
			return nil
		}
	}

	// Internal node is full: split it.
	return t.splitInternalAndPropagate(path, n, insertAt, entry, rightChild, insertAt == n.KeyCount())
}

func (t *Tree) splitInternalAndPropagate(path []pathStep, n Node, insertAt int, entry InternalEntry, newRightChild page.ID, appendedAtEnd bool) error {
	step := path[len(path)-1]

	// Materialize all keys+children (count+1 children) including the
	// pending insert, then split into two halves around a promoted key.
	type kc struct {
		key   []byte
		child page.ID
	}
	var items []kc
	for i := 0; i < n.KeyCount(); i++ {
		ie := n.InternalEntryAt(i)
		items = append(items, kc{append([]byte(nil), ie.Key...), ie.ChildID})
	}
	oldSibling := n.Sibling()

	if appendedAtEnd {
		items = append(items, kc{entry.Key, entry.ChildID})
		oldSibling = newRightChild
	} else {
		items = append(items[:insertAt], append([]kc{{entry.Key, entry.ChildID}}, items[insertAt:]...)...)
		items[insertAt+1].child = newRightChild
	}

	mid := len(items) / 2
	promoted := items[mid].key

	leftID := step.id
	rightID, err := t.newNode(false)
	if err != nil {
		return err
	}
	rightBuf, err := t.nodes.Fetch(rightID)
	if err != nil {
		return err
	}
	right := Wrap(rightBuf)

	left := New(n.Bytes(), false)
	for i := 0; i < mid; i++ {
		left.InsertInternal(i, InternalEntry{Key: items[i].key, ChildID: items[i].child})
	}
	left.setSibling(items[mid].child)

	for i := mid + 1; i < len(items); i++ {
		right.InsertInternal(right.KeyCount(), InternalEntry{Key: items[i].key, ChildID: items[i].child})
	}
	right.setSibling(oldSibling)

	left.Finalize()
	right.Finalize()
	t.nodes.Unpin(leftID, true)
	t.nodes.Unpin(rightID, true)

	return t.insertChildUpward(path[:len(path)-1], promoted, rightID)
}

// Delete removes key, merging or rebalancing underflowing nodes on the
// way back up the path.
func (t *Tree) Delete(key []byte) (bool, error) {
	path, leaf, err := t.descend(key)
	if err != nil {
		return false, err
	}

	idx, found := leaf.Find(key)
	if !found {
		t.nodes.Unpin(path[len(path)-1].id, false)
		return false, nil
	}
	e := leaf.LeafEntryAt(idx)
	if e.Overflow {
		if err := FreeOverflowChain(t.alloc, e.OverflowHead); err != nil {
			return false, err
		}
	}
	leaf.DeleteSlot(idx)
	leaf.Finalize()
	t.nodes.Unpin(path[len(path)-1].id, true)

	if err := t.rebalanceUpward(path); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) underfull(n Node) bool {
	pageSize := int(t.alloc.PageSize())
	threshold := int(float64(pageSize) * underflowFraction)
	return n.freeSpace() > pageSize-threshold && n.KeyCount() > 0
}

// rebalanceUpward walks from the leaf back to the root, merging or
// redistributing any node that fell below the utilization threshold.
func (t *Tree) rebalanceUpward(path []pathStep) error {
	for level := len(path) - 1; level >= 0; level-- {
		id := path[level].id
		n, err := t.fetch(id)
		if err != nil {
			return err
		}
		needsFix := n.KeyCount() == 0 && !n.IsLeaf()
		if !needsFix && t.underfull(n) {
			needsFix = true
		}
		t.nodes.Unpin(id, false)
		if !needsFix {
			return nil
		}
		if level == 0 {
			return t.fixRoot()
		}
		if err := t.fixChild(path, level); err != nil {
			return err
		}
	}
	return nil
}

// fixRoot demotes the root one level if it is an internal node with no
// separators left (a single remaining child).
func (t *Tree) fixRoot() error {
	n, err := t.fetch(t.root)
	if err != nil {
		return err
	}
	if n.IsLeaf() || n.KeyCount() > 0 {
		t.nodes.Unpin(t.root, false)
		return nil
	}
	newRoot := n.Sibling()
	old := t.root
	t.nodes.Unpin(old, false)
	t.alloc.Free(old)
	t.root = newRoot
	return nil
}

// fixChild merges or redistributes the node at path[level] with a
// sibling, using the parent at path[level-1] to locate it and update
// separators.
func (t *Tree) fixChild(path []pathStep, level int) error {
	parentStep := path[level-1]
	parent, err := t.fetch(parentStep.id)
	if err != nil {
		return err
	}
	childIdx := parentStep.childIdx
	nChildren := parent.KeyCount() + 1

	var leftIdx, rightIdx int
	if childIdx > 0 {
		leftIdx, rightIdx = childIdx-1, childIdx
	} else if childIdx < nChildren-1 {
		leftIdx, rightIdx = childIdx, childIdx+1
	} else {
		t.nodes.Unpin(parentStep.id, false)
		return nil // only child, nothing to merge with (handled at root by fixRoot)
	}

	leftID := t.childAt(parent, leftIdx)
	rightID := t.childAt(parent, rightIdx)
	left, err := t.fetch(leftID)
	if err != nil {
		return err
	}
	right, err := t.fetch(rightID)
	if err != nil {
		t.nodes.Unpin(leftID, false)
		return err
	}

	merged := t.tryMerge(left, right, parent, leftIdx)
	t.nodes.Unpin(leftID, true)
	t.nodes.Unpin(rightID, !merged) // merged away: discard without flushing; redistributed: persist the change
	if merged {
		t.alloc.Free(rightID)
		parent.DeleteSlot(leftIdx)
		setChildAt(parent, leftIdx, leftID)
		parent.Finalize()
		t.nodes.Unpin(parentStep.id, true)
		return nil
	}
	parent.Finalize()
	t.nodes.Unpin(parentStep.id, true)
	return nil
}

// tryMerge attempts to fold right's contents into left. If they fit in a
// single node it does so and returns true; otherwise it redistributes one
// entry from the larger side to the smaller and updates the parent's
// separator key in place, returning false.
func (t *Tree) tryMerge(left, right Node, parent Node, sepIdx int) bool {
	if left.IsLeaf() {
		combined := make([]LeafEntry, 0, left.KeyCount()+right.KeyCount())
		for i := 0; i < left.KeyCount(); i++ {
			combined = append(combined, left.LeafEntryAt(i))
		}
		for i := 0; i < right.KeyCount(); i++ {
			combined = append(combined, right.LeafEntryAt(i))
		}
		fresh := New(left.Bytes(), true)
		ok := true
		for i, e := range combined {
			if !fresh.InsertLeaf(i, e) {
				ok = false
				break
			}
		}
		if ok {
			fresh.setSibling(right.Sibling())
			fresh.Finalize()
			return true
		}
		// Redistribute: move right's first entry into left.
		moved := right.LeafEntryAt(0)
		right.DeleteSlot(0)
		left.InsertLeaf(left.KeyCount(), moved)
		right.Compact()
		left.Finalize()
		right.Finalize()
		if right.KeyCount() > 0 {
			newSep := append([]byte(nil), right.KeyAt(0)...)
			updateSeparator(parent, sepIdx, newSep)
		}
		return false
	}

	// Internal merge: pull down the parent separator as the joining key.
	sep := append([]byte(nil), parent.InternalEntryAt(sepIdx).Key...)
	type kc struct {
		key   []byte
		child page.ID
	}
	var items []kc
	for i := 0; i < left.KeyCount(); i++ {
		ie := left.InternalEntryAt(i)
		items = append(items, kc{ie.Key, ie.ChildID})
	}
	items = append(items, kc{sep, left.Sibling()})
	for i := 0; i < right.KeyCount(); i++ {
		ie := right.InternalEntryAt(i)
		items = append(items, kc{ie.Key, ie.ChildID})
	}
	rightSibling := right.Sibling()

	fresh := New(left.Bytes(), false)
	ok := true
	for i := range items {
		if !fresh.InsertInternal(i, InternalEntry{Key: items[i].key, ChildID: items[i].child}) {
			ok = false
			break
		}
	}
	if ok {
		fresh.setSibling(rightSibling)
		fresh.Finalize()
		return true
	}

	// Redistribute one child from right into left via the parent separator.
	moved := right.InternalEntryAt(0)
	right.DeleteSlot(0)
	left.InsertInternal(left.KeyCount(), InternalEntry{Key: sep, ChildID: left.Sibling()})
	left.setSibling(moved.ChildID)
	right.Compact()
	left.Finalize()
	right.Finalize()
	if right.KeyCount() > 0 {
		updateSeparator(parent, sepIdx, append([]byte(nil), right.InternalEntryAt(0).Key...))
	} else {
		updateSeparator(parent, sepIdx, moved.Key)
	}
	return false
}

// updateSeparator rewrites the key of the separator at sepIdx in place.
func updateSeparator(parent Node, sepIdx int, newKey []byte) {
	child := parent.InternalEntryAt(sepIdx).ChildID
	parent.DeleteSlot(sepIdx)
	if !parent.InsertInternal(sepIdx, InternalEntry{Key: newKey, ChildID: child}) {
		parent.Compact()
		parent.InsertInternal(sepIdx, InternalEntry{Key: newKey, ChildID: child})
	}
}

// ScanRange visits every key in [start, end) in order (end == nil means
// unbounded), calling fn(key, value) until it returns false or the range
// is exhausted. Fragmented values are resolved transparently.
func (t *Tree) ScanRange(start, end []byte, fn func(key, value []byte) bool) error {
	path, leaf, err := t.descend(start)
	if err != nil {
		return err
	}
	id := path[len(path)-1].id
	idx, _ := leaf.Find(start)

	for {
		count := leaf.KeyCount()
		for ; idx < count; idx++ {
			e := leaf.LeafEntryAt(idx)
			if end != nil && bytes.Compare(e.Key, end) >= 0 {
				t.nodes.Unpin(id, false)
				return nil
			}
			val := e.Value
			if e.Overflow {
				val, err = ReadOverflow(t.alloc, e.OverflowHead)
				if err != nil {
					t.nodes.Unpin(id, false)
					return err
				}
			}
			if !fn(e.Key, val) {
				t.nodes.Unpin(id, false)
				return nil
			}
		}
		next := leaf.Sibling()
		t.nodes.Unpin(id, false)
		if next == page.Invalid {
			return nil
		}
		id = next
		leaf, err = t.fetch(id)
		if err != nil {
			return err
		}
		idx = 0
	}
}
