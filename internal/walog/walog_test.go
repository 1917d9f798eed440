package walog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(path, Sync)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := l.Append(Record{Op: OpTxnEnter, TxID: 1}); err != nil {
		t.Fatalf("Append enter: %v", err)
	}
	payload := EncodeStorePayload(7, []byte("k"), []byte("v"))
	if _, err := l.Append(Record{Op: OpTxnStore, TxID: 1, Payload: payload}); err != nil {
		t.Fatalf("Append store: %v", err)
	}
	if _, err := l.Append(Record{Op: OpTxnCommitFinal, TxID: 1}); err != nil {
		t.Fatalf("Append commit: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[1].Op != OpTxnStore {
		t.Fatalf("records[1].Op = %v, want OpTxnStore", records[1].Op)
	}
}

func TestRecoverSkipsUncommittedTxn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(path, Sync)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Append(Record{Op: OpTxnEnter, TxID: 1})
	l.Append(Record{Op: OpTxnStore, TxID: 1, Payload: EncodeStorePayload(1, []byte("committed"), []byte("yes"))})
	l.Append(Record{Op: OpTxnCommitFinal, TxID: 1})

	l.Append(Record{Op: OpTxnEnter, TxID: 2})
	l.Append(Record{Op: OpTxnStore, TxID: 2, Payload: EncodeStorePayload(1, []byte("aborted"), []byte("no"))})
	l.Append(Record{Op: OpTxnRollbackFinal, TxID: 2})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	applied := make(map[string]string)
	err = Recover(path, 0, func(indexID uint64, key, value []byte) error {
		applied[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if applied["committed"] != "yes" {
		t.Fatalf("committed key missing or wrong: %v", applied)
	}
	if _, ok := applied["aborted"]; ok {
		t.Fatal("aborted transaction's write should not have been replayed")
	}
}

func TestUndoLogRollbackLIFO(t *testing.T) {
	u := NewUndoLog()
	u.Push(UndoOp{Key: []byte("a")})
	u.Push(UndoOp{Key: []byte("b")})
	u.Push(UndoOp{Key: []byte("c")})

	var order []string
	err := u.Rollback(func(op UndoOp) error {
		order = append(order, string(op.Key))
		return nil
	})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	want := []string{"c", "b", "a"}
	for i, k := range want {
		if order[i] != k {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], k)
		}
	}
}

func TestWaitDurableBlocksUntilFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(path, NoFlush)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	pos, err := l.Append(Record{Op: OpTxnCommitFinal, TxID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	released := make(chan struct{})
	go func() {
		l.WaitDurable(pos)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("WaitDurable returned before any flush advanced the durable watermark")
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitDurable did not return after Flush advanced the durable watermark")
	}
}

func TestWaitNextCheckpointBlocksUntilFence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(path, NoRedo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	released := make(chan struct{})
	go func() {
		l.WaitNextCheckpoint()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("WaitNextCheckpoint returned before AdvanceCheckpointFence was called")
	case <-time.After(50 * time.Millisecond):
	}

	l.AdvanceCheckpointFence()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitNextCheckpoint did not return after AdvanceCheckpointFence")
	}
}

func TestNoRedoModeDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(path, NoRedo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(Record{Op: OpTxnEnter, TxID: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records in NoRedo mode, want 0", len(records))
	}
}
