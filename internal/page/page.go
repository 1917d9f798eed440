// Package page implements the fixed-size page store: durable allocation,
// recycling, and commit of pages backed by a PageArray.
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// ID identifies a page within a PageArray. ID 0 is reserved for the
// superblock and is never handed out by Alloc.
type ID uint64

// Invalid is the zero value used to mean "no page".
const Invalid ID = 0

// Type tags the structural role of a page so a reader can validate it
// without consulting external metadata.
type Type uint8

const (
	TypeUnused Type = iota
	TypeSuperblock
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeOverflow
	TypeFreeList
)

// HeaderSize is the fixed size of the per-page header written at the
// front of every page regardless of Type.
const HeaderSize = 24

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the common prefix of every page on disk.
//
//	offset 0:  Type      (1 byte)
//	offset 1:  reserved  (3 bytes)
//	offset 4:  LSN       (8 bytes) — redo LSN of the last writer
//	offset 12: Length    (4 bytes) — used byte count following the header
//	offset 16: reserved  (4 bytes)
//	offset 20: reserved  (4 bytes) — not covered by the checksum
//
// The CRC32C of the first 20 header bytes and the page body is stored in
// the page's trailing 4 bytes (see SetCRC).
type Header struct {
	Type   Type
	LSN    uint64
	Length uint32
}

// PutHeader writes h into the front of buf. buf must be at least
// HeaderSize bytes.
func PutHeader(buf []byte, h Header) {
	if len(buf) < HeaderSize {
		panic("page: buffer smaller than header")
	}
	buf[0] = byte(h.Type)
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.BigEndian.PutUint64(buf[4:12], h.LSN)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	binary.BigEndian.PutUint32(buf[16:20], 0)
}

// GetHeader reads the header from the front of buf.
func GetHeader(buf []byte) Header {
	return Header{
		Type:   Type(buf[0]),
		LSN:    binary.BigEndian.Uint64(buf[4:12]),
		Length: binary.BigEndian.Uint32(buf[12:16]),
	}
}

// SetCRC computes and stores the checksum of buf (excluding the checksum
// field itself) at its trailing 4 bytes.
func SetCRC(buf []byte) {
	end := len(buf) - 4
	crc := crc32.Checksum(buf[:20], crcTable) // header fields before CRC
	crc = crc32.Update(crc, crcTable, buf[HeaderSize:end])
	binary.BigEndian.PutUint32(buf[end:], crc)
}

// VerifyCRC reports whether buf's trailing checksum matches its contents.
func VerifyCRC(buf []byte) bool {
	end := len(buf) - 4
	want := binary.BigEndian.Uint32(buf[end:])
	got := crc32.Checksum(buf[:20], crcTable)
	got = crc32.Update(got, crcTable, buf[HeaderSize:end])
	return got == want
}

// New allocates a zeroed page buffer of the given size and writes a header
// for typ into it.
func New(size int, typ Type) []byte {
	buf := make([]byte, size)
	PutHeader(buf, Header{Type: typ})
	return buf
}
