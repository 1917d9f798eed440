package btree

import (
	"encoding/binary"

	"github.com/tuplgo/tupl/internal/page"
)

// Overflow page layout, following the common Header:
//
//	+0 Next      (8 bytes) — next overflow page, or page.Invalid for the tail
//	+8 DataLen   (4 bytes)
//	+12 payload  up to capacity(pageSize) bytes
const overflowNextOff = page.HeaderSize
const overflowDataLenOff = page.HeaderSize + 8
const overflowPayloadOff = page.HeaderSize + 12

// OverflowCapacity returns how many payload bytes a single overflow page
// of the given size can hold.
func OverflowCapacity(pageSize uint32) int {
	return int(pageSize) - overflowPayloadOff - crcTrailerSize
}

func putOverflow(buf []byte, next page.ID, data []byte) {
	binary.BigEndian.PutUint64(buf[overflowNextOff:overflowNextOff+8], uint64(next))
	binary.BigEndian.PutUint32(buf[overflowDataLenOff:overflowDataLenOff+4], uint32(len(data)))
	copy(buf[overflowPayloadOff:], data)
	page.PutHeader(buf, page.Header{Type: page.TypeOverflow, Length: uint32(12 + len(data))})
	page.SetCRC(buf)
}

func overflowNext(buf []byte) page.ID {
	return page.ID(binary.BigEndian.Uint64(buf[overflowNextOff : overflowNextOff+8]))
}

func overflowData(buf []byte) []byte {
	n := binary.BigEndian.Uint32(buf[overflowDataLenOff : overflowDataLenOff+4])
	return buf[overflowPayloadOff : overflowPayloadOff+n]
}

// PageStore is the subset of the page store the btree package depends on
// for allocating, reading, writing, and freeing overflow chains.
type PageStore interface {
	Alloc() page.ID
	Free(id page.ID)
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	PageSize() uint32
}

// WriteOverflow stores data as a chain of overflow pages and returns the
// head page ID.
func WriteOverflow(store PageStore, data []byte) (page.ID, error) {
	capacity := OverflowCapacity(store.PageSize())
	var head page.ID = page.Invalid
	for len(data) > 0 {
		n := capacity
		if n > len(data) {
			n = len(data)
		}
		chunk := data[len(data)-n:]
		data = data[:len(data)-n]

		id := store.Alloc()
		buf := make([]byte, store.PageSize())
		putOverflow(buf, head, chunk)
		if err := store.WritePage(id, buf); err != nil {
			return page.Invalid, err
		}
		head = id
	}
	return head, nil
}

// ReadOverflow reassembles the value stored in the chain starting at
// head.
func ReadOverflow(store PageStore, head page.ID) ([]byte, error) {
	var chunks [][]byte
	for id := head; id != page.Invalid; {
		buf, err := store.ReadPage(id)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, overflowData(buf))
		id = overflowNext(buf)
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// FreeOverflowChain releases every page in the chain starting at head.
func FreeOverflowChain(store PageStore, head page.ID) error {
	for id := head; id != page.Invalid; {
		buf, err := store.ReadPage(id)
		if err != nil {
			return err
		}
		next := overflowNext(buf)
		store.Free(id)
		id = next
	}
	return nil
}
