package page

import "encoding/binary"

// freeListEntriesOffset is where the packed ID list begins within a
// free-list page, following the common Header.
const freeListEntriesOffset = HeaderSize + 8 // +8 for the NextFreeList pointer

// PutFreeListPage writes a chain node holding ids, linking to next.
// Returns false if ids does not fit in a page of size len(buf).
func PutFreeListPage(buf []byte, next ID, ids []ID) bool {
	capacity := (len(buf) - freeListEntriesOffset - 4) / 8
	if len(ids) > capacity {
		return false
	}
	binary.BigEndian.PutUint64(buf[HeaderSize:HeaderSize+8], uint64(next))
	off := freeListEntriesOffset
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(id))
		off += 8
	}
	PutHeader(buf, Header{Type: TypeFreeList, Length: uint32(off - HeaderSize)})
	SetCRC(buf)
	return true
}

// FreeListPageNext returns the next pointer stored in a free-list page.
func FreeListPageNext(buf []byte) ID {
	return ID(binary.BigEndian.Uint64(buf[HeaderSize : HeaderSize+8]))
}

// FreeListPageIDs returns the IDs stored in a free-list page.
func FreeListPageIDs(buf []byte) []ID {
	h := GetHeader(buf)
	count := (int(h.Length) - 8) / 8
	ids := make([]ID, count)
	off := freeListEntriesOffset
	for i := 0; i < count; i++ {
		ids[i] = ID(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return ids
}

// Manager tracks free page IDs in memory, mirroring the durable free-list
// chain. It is not safe for concurrent use without external locking; the
// Store wraps it with a mutex.
type Manager struct {
	free []ID
}

// NewManager returns an empty in-memory free set.
func NewManager() *Manager {
	return &Manager{}
}

// Free marks id as available for reuse.
func (m *Manager) Free(id ID) {
	m.free = append(m.free, id)
}

// Alloc removes and returns an arbitrary free ID, or Invalid if none
// remain (the caller must then extend the file).
func (m *Manager) Alloc() ID {
	n := len(m.free)
	if n == 0 {
		return Invalid
	}
	id := m.free[n-1]
	m.free = m.free[:n-1]
	return id
}

// Count returns the number of tracked free pages.
func (m *Manager) Count() int {
	return len(m.free)
}

// All returns a snapshot of every tracked free page ID.
func (m *Manager) All() []ID {
	out := make([]ID, len(m.free))
	copy(out, m.free)
	return out
}

// Load replaces the in-memory set with ids (used when reloading the
// free-list chain from disk at open).
func (m *Manager) Load(ids []ID) {
	m.free = append(m.free[:0], ids...)
}
