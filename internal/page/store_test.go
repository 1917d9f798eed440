package page

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tupl")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllocWriteReadPage(t *testing.T) {
	s := openTestStore(t)

	id := s.Alloc()
	if id == Invalid {
		t.Fatal("Alloc returned Invalid")
	}

	buf := make([]byte, s.PageSize())
	PutHeader(buf, Header{Type: TypeBTreeLeaf, Length: 5})
	copy(buf[HeaderSize:], []byte("hello"))
	SetCRC(buf)

	if err := s.WritePage(id, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := s.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got[HeaderSize:HeaderSize+5], []byte("hello")) {
		t.Fatalf("payload mismatch: %q", got[HeaderSize:HeaderSize+5])
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	s := openTestStore(t)
	id := s.Alloc()

	buf := make([]byte, s.PageSize())
	PutHeader(buf, Header{Type: TypeBTreeLeaf, Length: 3})
	copy(buf[HeaderSize:], []byte("abc"))
	SetCRC(buf)
	buf[HeaderSize] ^= 0xFF // corrupt payload after checksum was computed

	if err := s.WritePage(id, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if _, err := s.ReadPage(id); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestFreeListRoundTrip(t *testing.T) {
	s := openTestStore(t)

	var ids []ID
	for i := 0; i < 10; i++ {
		ids = append(ids, s.Alloc())
	}
	for _, id := range ids {
		s.Free(id)
	}
	if s.FreeCount() != len(ids) {
		t.Fatalf("FreeCount = %d, want %d", s.FreeCount(), len(ids))
	}

	head, err := s.FlushFreeList()
	if err != nil {
		t.Fatalf("FlushFreeList: %v", err)
	}
	sb := s.Superblock()
	sb.FreeListHead = head
	if err := s.Commit(sb); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.loadFreeList(); err != nil {
		t.Fatalf("loadFreeList: %v", err)
	}
}

func TestSuperblockCommitSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.tupl")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sb := s.Superblock()
	sb.LastTxID = 42
	if err := s.Commit(sb); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.Superblock().LastTxID; got != 42 {
		t.Fatalf("LastTxID = %d, want 42", got)
	}
}
