package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tuplgo/tupl/internal/page"
)

// LeafEntry is one decoded key/value slot of a leaf node. A fragmented
// ("blob") value is represented by Overflow=true and Value left empty;
// the caller must resolve it via the overflow chain starting at
// OverflowHead.
type LeafEntry struct {
	Key          []byte
	Value        []byte
	Overflow     bool
	OverflowHead page.ID
}

// InternalEntry is one decoded separator key and its left child pointer.
// The node's own Sibling() field holds the rightmost child.
type InternalEntry struct {
	Key     []byte
	ChildID page.ID
}

const overflowFlag = 1

func encodeLeaf(e LeafEntry) []byte {
	var flags byte
	if e.Overflow {
		flags = overflowFlag
	}
	buf := make([]byte, 0, 1+4+len(e.Key)+4+len(e.Value)+8)
	buf = append(buf, flags)
	var kl [4]byte
	binary.BigEndian.PutUint32(kl[:], uint32(len(e.Key)))
	buf = append(buf, kl[:]...)
	buf = append(buf, e.Key...)
	if e.Overflow {
		var oid [8]byte
		binary.BigEndian.PutUint64(oid[:], uint64(e.OverflowHead))
		buf = append(buf, oid[:]...)
	} else {
		var vl [4]byte
		binary.BigEndian.PutUint32(vl[:], uint32(len(e.Value)))
		buf = append(buf, vl[:]...)
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeLeaf(rec []byte) LeafEntry {
	flags := rec[0]
	kl := binary.BigEndian.Uint32(rec[1:5])
	key := rec[5 : 5+kl]
	rest := rec[5+kl:]
	if flags&overflowFlag != 0 {
		oid := page.ID(binary.BigEndian.Uint64(rest[:8]))
		return LeafEntry{Key: key, Overflow: true, OverflowHead: oid}
	}
	vl := binary.BigEndian.Uint32(rest[:4])
	val := rest[4 : 4+vl]
	return LeafEntry{Key: key, Value: val}
}

func encodeInternal(e InternalEntry) []byte {
	buf := make([]byte, 0, 4+len(e.Key)+8)
	var kl [4]byte
	binary.BigEndian.PutUint32(kl[:], uint32(len(e.Key)))
	buf = append(buf, kl[:]...)
	buf = append(buf, e.Key...)
	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], uint64(e.ChildID))
	buf = append(buf, cid[:]...)
	return buf
}

func decodeInternal(rec []byte) InternalEntry {
	kl := binary.BigEndian.Uint32(rec[0:4])
	key := rec[4 : 4+kl]
	cid := page.ID(binary.BigEndian.Uint64(rec[4+kl : 4+kl+8]))
	return InternalEntry{Key: key, ChildID: cid}
}

// LeafEntryAt decodes slot i as a LeafEntry.
func (n Node) LeafEntryAt(i int) LeafEntry { return decodeLeaf(n.record(i)) }

// InternalEntryAt decodes slot i as an InternalEntry.
func (n Node) InternalEntryAt(i int) InternalEntry { return decodeInternal(n.record(i)) }

// KeyAt returns the raw key bytes at slot i regardless of node kind.
func (n Node) KeyAt(i int) []byte {
	if n.IsLeaf() {
		return n.LeafEntryAt(i).Key
	}
	return n.InternalEntryAt(i).Key
}

// Find performs a binary search for key, returning the slot index and
// whether an exact match was found. For internal nodes the returned index
// is the child to descend into when key is not found (the index of the
// first separator greater than key; its ChildID is the *left* child of
// that separator, which is the correct descent target).
func (n Node) Find(key []byte) (idx int, found bool) {
	count := n.KeyCount()
	i := sort.Search(count, func(i int) bool {
		return bytes.Compare(n.KeyAt(i), key) >= 0
	})
	if i < count && bytes.Equal(n.KeyAt(i), key) {
		return i, true
	}
	return i, false
}

// insertSlot shifts the slot directory to make room for a new slot at i
// and places the record at the low end of free space. Returns false if
// there is no room, in which case the caller must split the node.
func (n Node) insertSlot(i int, rec []byte) bool {
	count := n.KeyCount()
	dirEnd := nodeSlotDirOff + (count+1)*slotEntrySize
	lowest := len(n.buf) - crcTrailerSize
	for j := 0; j < count; j++ {
		off, _ := n.slot(j)
		if off < lowest {
			lowest = off
		}
	}
	need := len(rec)
	if lowest-dirEnd < need {
		return false
	}
	recOff := lowest - need
	copy(n.buf[recOff:recOff+need], rec)

	for j := count; j > i; j-- {
		off, length := n.slot(j - 1)
		n.setSlot(j, off, length)
	}
	n.setSlot(i, recOff, need)
	n.setKeyCount(count + 1)
	return true
}

// DeleteSlot removes slot i, shifting later slots down. The vacated
// record bytes are reclaimed only by Compact.
func (n Node) DeleteSlot(i int) {
	count := n.KeyCount()
	for j := i; j < count-1; j++ {
		off, length := n.slot(j + 1)
		n.setSlot(j, off, length)
	}
	n.setKeyCount(count - 1)
}

// InsertLeaf inserts (or would insert) a leaf entry at slot i.
func (n Node) InsertLeaf(i int, e LeafEntry) bool {
	return n.insertSlot(i, encodeLeaf(e))
}

// InsertInternal inserts an internal entry at slot i.
func (n Node) InsertInternal(i int, e InternalEntry) bool {
	return n.insertSlot(i, encodeInternal(e))
}

// UpdateLeafValue replaces the value at slot i in place when the new
// record is no larger (common case: same-size overwrite); otherwise it
// deletes and re-inserts, which may fail if the node is full. A failed
// update leaves slot i holding its previous record.
func (n Node) UpdateLeafValue(i int, e LeafEntry) bool {
	rec := encodeLeaf(e)
	off, length := n.slot(i)
	if len(rec) <= length {
		copy(n.buf[off:off+len(rec)], rec)
		n.setSlot(i, off, len(rec))
		return true
	}
	n.DeleteSlot(i)
	if n.insertSlot(i, rec) {
		return true
	}
	count := n.KeyCount()
	for j := count; j > i; j-- {
		o, l := n.slot(j - 1)
		n.setSlot(j, o, l)
	}
	n.setSlot(i, off, length)
	n.setKeyCount(count + 1)
	return false
}

// Compact rewrites the node's record area with no gaps, reclaiming space
// freed by prior deletes and shrunk updates. It must be called with the
// node's own buffer; it operates via a scratch copy.
func (n Node) Compact() {
	count := n.KeyCount()
	type rec struct {
		off, length int
	}
	recs := make([]rec, count)
	for i := 0; i < count; i++ {
		off, length := n.slot(i)
		recs[i] = rec{off, length}
	}
	scratch := make([][]byte, count)
	for i, r := range recs {
		scratch[i] = append([]byte(nil), n.buf[r.off:r.off+r.length]...)
	}
	cursor := len(n.buf) - crcTrailerSize
	for i, b := range scratch {
		cursor -= len(b)
		copy(n.buf[cursor:cursor+len(b)], b)
		n.setSlot(i, cursor, len(b))
	}
}
