// Package btree implements the ordered-map B-tree: node splits and
// merges, fragmented ("blob") values stored in overflow chains, and
// cursors for ordered traversal.
package btree

import (
	"encoding/binary"

	"github.com/tuplgo/tupl/internal/page"
)

// Node layout (following the page package's common Header):
//
//	+0  IsLeaf        (1 byte, bool)
//	+1  KeyCount      (2 bytes)
//	+4  Sibling       (8 bytes) — rightmost child for internal nodes, next-leaf pointer for leaves
//	+12 PrevLeaf       (8 bytes) — leaf-only back pointer, unused (0) for internal nodes
//	+20 slot directory (4 bytes per slot: 2-byte offset, 2-byte length) growing forward
//	    record bytes growing backward from the end of the page
const (
	nodeIsLeafOff   = page.HeaderSize
	nodeKeyCountOff = page.HeaderSize + 1
	nodeSiblingOff  = page.HeaderSize + 4
	nodePrevLeafOff = page.HeaderSize + 12
	nodeSlotDirOff  = page.HeaderSize + 20
	slotEntrySize   = 4
	crcTrailerSize  = 4
)

// Node wraps a raw page buffer with B-tree node accessors. It does not
// copy the buffer; callers own its lifetime via the cache.
type Node struct {
	buf []byte
}

// Wrap interprets buf as a Node.
func Wrap(buf []byte) Node { return Node{buf: buf} }

// New formats a freshly allocated buffer as an empty node.
func New(buf []byte, leaf bool) Node {
	page.PutHeader(buf, page.Header{Type: nodeType(leaf)})
	n := Node{buf: buf}
	n.setLeaf(leaf)
	n.setKeyCount(0)
	n.setSibling(page.Invalid)
	n.setPrevLeaf(page.Invalid)
	return n
}

func nodeType(leaf bool) page.Type {
	if leaf {
		return page.TypeBTreeLeaf
	}
	return page.TypeBTreeInternal
}

func (n Node) IsLeaf() bool { return n.buf[nodeIsLeafOff] != 0 }

func (n Node) setLeaf(v bool) {
	if v {
		n.buf[nodeIsLeafOff] = 1
	} else {
		n.buf[nodeIsLeafOff] = 0
	}
}

func (n Node) KeyCount() int {
	return int(binary.BigEndian.Uint16(n.buf[nodeKeyCountOff : nodeKeyCountOff+2]))
}

func (n Node) setKeyCount(c int) {
	binary.BigEndian.PutUint16(n.buf[nodeKeyCountOff:nodeKeyCountOff+2], uint16(c))
}

// Sibling returns the rightmost child pointer (internal nodes) or the
// next-leaf pointer (leaf nodes).
func (n Node) Sibling() page.ID {
	return page.ID(binary.BigEndian.Uint64(n.buf[nodeSiblingOff : nodeSiblingOff+8]))
}

func (n Node) setSibling(id page.ID) {
	binary.BigEndian.PutUint64(n.buf[nodeSiblingOff:nodeSiblingOff+8], uint64(id))
}

func (n Node) PrevLeaf() page.ID {
	return page.ID(binary.BigEndian.Uint64(n.buf[nodePrevLeafOff : nodePrevLeafOff+8]))
}

func (n Node) setPrevLeaf(id page.ID) {
	binary.BigEndian.PutUint64(n.buf[nodePrevLeafOff:nodePrevLeafOff+8], uint64(id))
}

// slot returns the (offset, length) of the record at index i.
func (n Node) slot(i int) (off, length int) {
	base := nodeSlotDirOff + i*slotEntrySize
	off = int(binary.BigEndian.Uint16(n.buf[base : base+2]))
	length = int(binary.BigEndian.Uint16(n.buf[base+2 : base+4]))
	return
}

func (n Node) setSlot(i, off, length int) {
	base := nodeSlotDirOff + i*slotEntrySize
	binary.BigEndian.PutUint16(n.buf[base:base+2], uint16(off))
	binary.BigEndian.PutUint16(n.buf[base+2:base+4], uint16(length))
}

// freeSpace reports how many contiguous bytes remain between the slot
// directory's end and the lowest record's start.
func (n Node) freeSpace() int {
	dirEnd := nodeSlotDirOff + n.KeyCount()*slotEntrySize
	recStart := len(n.buf) - crcTrailerSize
	for i := 0; i < n.KeyCount(); i++ {
		off, _ := n.slot(i)
		if off < recStart {
			recStart = off
		}
	}
	return recStart - dirEnd
}

// record returns the raw bytes of slot i.
func (n Node) record(i int) []byte {
	off, length := n.slot(i)
	return n.buf[off : off+length]
}

// Finalize computes and stores the page checksum. Must be called after
// any mutation and before the node leaves the cache as dirty->flushed.
func (n Node) Finalize() {
	used := nodeSlotDirOff + n.KeyCount()*slotEntrySize - page.HeaderSize
	page.PutHeader(n.buf, page.Header{Type: nodeType(n.IsLeaf()), Length: uint32(used)})
	page.SetCRC(n.buf)
}

// Bytes returns the underlying buffer.
func (n Node) Bytes() []byte { return n.buf }
