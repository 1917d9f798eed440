package page

import (
	"fmt"
	"os"
	"sync"
)

// Array is the storage contract a Store is built on: a fixed-size-record
// random access array of bytes. The engine never assumes more about its
// backing medium than this — a regular file, a memory-mapped region, or a
// test double all satisfy it.
type Array interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// fileArray adapts *os.File to Array. This is the only concrete Array the
// engine ships; embedders may supply their own (e.g. an in-memory Array
// for tests, or a platform mmap-backed one) since only the contract is
// specified.
type fileArray struct {
	f *os.File
}

func openFileArray(path string) (*fileArray, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &fileArray{f: f}, nil
}

func (a *fileArray) ReadAt(p []byte, off int64) (int, error)  { return a.f.ReadAt(p, off) }
func (a *fileArray) WriteAt(p []byte, off int64) (int, error) { return a.f.WriteAt(p, off) }
func (a *fileArray) Sync() error                              { return a.f.Sync() }
func (a *fileArray) Truncate(size int64) error                { return a.f.Truncate(size) }
func (a *fileArray) Close() error                              { return a.f.Close() }

// Config configures a Store.
type Config struct {
	Path       string
	PageSize   uint32 // power of two, default 4096
	Codec      Codec  // nil means IdentityCodec
	Array      Array  // nil means an OS file at Path is opened
}

// Store is the page-level durability unit: it owns the superblock,
// allocates and recycles page IDs, and performs atomic commit by
// double-buffering the superblock across pages 0 and 1.
type Store struct {
	mu       sync.Mutex
	arr      Array
	codec    Codec
	pageSize uint32
	slotSize int64 // on-disk bytes per page slot, >= pageSize (room for codec overhead)
	sb       Superblock
	sbSlot   int // which of the two superblock copies is current (0 or 1)
	freeMgr  *Manager

	// commitMu is the store's commit lock: writers hold it shared while
	// they mark a page dirty in the cache, the checkpoint coordinator
	// holds it exclusively for the brief window where it captures the
	// redo position and flips the cache's dirty-generation tag, so no
	// write can straddle the two (committed to the old generation yet
	// excluded from the redo range the checkpoint is about to truncate
	// to, or vice versa).
	commitMu sync.RWMutex
}

const defaultPageSize = 4096

// Open opens or creates a database file per cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	codec := cfg.Codec
	if codec == nil {
		codec = IdentityCodec{}
	}
	arr := cfg.Array
	if arr == nil {
		var err error
		fa, err2 := openFileArray(cfg.Path)
		if err2 != nil {
			return nil, err2
		}
		arr = fa
		_ = err
	}

	overhead := int64(0)
	if _, ok := codec.(*EncryptionCodec); ok {
		overhead = Overhead
	}
	s := &Store{
		arr:      arr,
		codec:    codec,
		pageSize: cfg.PageSize,
		slotSize: int64(cfg.PageSize) + overhead,
		freeMgr:  NewManager(),
	}

	sb, fresh, err := s.loadOrInitSuperblock()
	if err != nil {
		arr.Close()
		return nil, err
	}
	s.sb = sb
	if !fresh {
		if err := s.loadFreeList(); err != nil {
			arr.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadOrInitSuperblock() (Superblock, bool, error) {
	buf := make([]byte, HeaderSize+Size+4)
	n, err := s.arr.ReadAt(buf, 0)
	ok0 := err == nil && n == len(buf) && GetHeader(buf).Type == TypeSuperblock && VerifyCRC(buf)
	buf1 := make([]byte, HeaderSize+Size+4)
	n1, err1 := s.arr.ReadAt(buf1, s.slotSize)
	ok1 := err1 == nil && n1 == len(buf1) && GetHeader(buf1).Type == TypeSuperblock && VerifyCRC(buf1)
	if !ok0 && !ok1 {
		// No valid superblock in either slot: treat as a fresh database.
		sb := New(s.pageSize)
		s.sbSlot = 0
		if err := s.writeSuperblock(sb, 0); err != nil {
			return Superblock{}, false, err
		}
		if err := s.writeSuperblock(sb, 1); err != nil {
			return Superblock{}, false, err
		}
		return sb, true, nil
	}
	sb0, sb1 := Unmarshal(buf[HeaderSize:]), Unmarshal(buf1[HeaderSize:])
	if ok1 && (!ok0 || sb1.CommitNumber > sb0.CommitNumber) {
		s.sbSlot = 1
		return sb1, false, nil
	}
	s.sbSlot = 0
	return sb0, false, nil
}

func (s *Store) writeSuperblock(sb Superblock, slot int) error {
	buf := make([]byte, HeaderSize+Size+4)
	Marshal(sb, buf[HeaderSize:])
	PutHeader(buf, Header{Type: TypeSuperblock, Length: uint32(Size)})
	SetCRC(buf)
	off := int64(slot) * s.slotSize
	if _, err := s.arr.WriteAt(buf, off); err != nil {
		return fmt.Errorf("page: write superblock slot %d: %w", slot, err)
	}
	return nil
}

// Commit durably installs sb as the new superblock by writing the
// inactive slot and syncing before flipping, so a crash mid-write leaves
// the previous, still-valid copy in place.
func (s *Store) Commit(sb Superblock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 1 - s.sbSlot
	sb.CommitNumber = s.sb.CommitNumber + 1
	if err := s.writeSuperblock(sb, next); err != nil {
		return err
	}
	if err := s.arr.Sync(); err != nil {
		return fmt.Errorf("page: sync after commit: %w", err)
	}
	s.sbSlot = next
	s.sb = sb
	return nil
}

// Superblock returns the last committed superblock.
func (s *Store) Superblock() Superblock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb
}

// PageSize returns the logical page size (not counting codec overhead).
func (s *Store) PageSize() uint32 { return s.pageSize }

func (s *Store) offsetOf(id ID) int64 {
	// Page IDs 0 and 1 are the superblock slots; data pages start at 2.
	return int64(id) * s.slotSize
}

// ReadPage reads and decodes page id.
func (s *Store) ReadPage(id ID) ([]byte, error) {
	raw := make([]byte, s.slotSize)
	if _, err := s.arr.ReadAt(raw, s.offsetOf(id)); err != nil {
		return nil, fmt.Errorf("page: read %d: %w", id, err)
	}
	plain, err := s.codec.Decode(id, raw)
	if err != nil {
		return nil, err
	}
	if !VerifyCRC(plain) {
		return nil, fmt.Errorf("page: checksum mismatch on page %d", id)
	}
	return plain, nil
}

// WritePage encodes and writes buf (which must already carry a valid
// header and CRC) to page id.
func (s *Store) WritePage(id ID, buf []byte) error {
	enc, err := s.codec.Encode(id, buf)
	if err != nil {
		return err
	}
	if _, err := s.arr.WriteAt(enc, s.offsetOf(id)); err != nil {
		return fmt.Errorf("page: write %d: %w", id, err)
	}
	return nil
}

// Sync flushes all prior writes to durable storage.
func (s *Store) Sync() error { return s.arr.Sync() }

// RLockCommit acquires the commit lock's shared (writer) side. A caller
// about to mark a page dirty holds it from just before appending the
// page's owning redo record through the dirty-mark itself.
func (s *Store) RLockCommit() { s.commitMu.RLock() }

// RUnlockCommit releases the shared side acquired by RLockCommit.
func (s *Store) RUnlockCommit() { s.commitMu.RUnlock() }

// LockCommit acquires the commit lock's exclusive side, used only by the
// checkpoint coordinator around its redo-position capture and
// dirty-generation swap.
func (s *Store) LockCommit() { s.commitMu.Lock() }

// UnlockCommit releases the exclusive side acquired by LockCommit.
func (s *Store) UnlockCommit() { s.commitMu.Unlock() }

// Alloc returns a fresh page ID, reusing a free one if available,
// otherwise extending the file's high-water mark.
func (s *Store) Alloc() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := s.freeMgr.Alloc(); id != Invalid {
		return id
	}
	id := ID(s.sb.PageCount)
	s.sb.PageCount++
	return id
}

// Free returns id to the free set for future reuse.
func (s *Store) Free(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeMgr.Free(id)
}

// FreeCount reports how many pages are currently free.
func (s *Store) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeMgr.Count()
}

// FlushFreeList writes the in-memory free set out as a chain of
// TypeFreeList pages and returns the new chain head, to be stored in the
// next committed superblock.
func (s *Store) FlushFreeList() (ID, error) {
	s.mu.Lock()
	ids := s.freeMgr.All()
	s.mu.Unlock()

	perPage := (int(s.pageSize) - freeListEntriesOffset - 4) / 8
	head := Invalid
	for len(ids) > 0 {
		n := perPage
		if n > len(ids) {
			n = len(ids)
		}
		chunk := ids[len(ids)-n:]
		ids = ids[:len(ids)-n]

		id := s.Alloc()
		buf := make([]byte, s.pageSize)
		if !PutFreeListPage(buf, head, chunk) {
			return Invalid, fmt.Errorf("page: free-list chunk too large for page size")
		}
		if err := s.WritePage(id, buf); err != nil {
			return Invalid, err
		}
		head = id
	}
	return head, nil
}

func (s *Store) loadFreeList() error {
	var ids []ID
	for pid := s.sb.FreeListHead; pid != Invalid; {
		buf, err := s.ReadPage(pid)
		if err != nil {
			return fmt.Errorf("page: load free-list chain: %w", err)
		}
		ids = append(ids, FreeListPageIDs(buf)...)
		pid = FreeListPageNext(buf)
	}
	s.freeMgr.Load(ids)
	return nil
}

// Close releases the backing Array. The advisory OS lock, if any, is
// released by the platform on file close.
func (s *Store) Close() error {
	return s.arr.Close()
}
