package tupl

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenCloseEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenIndexCreatesAndReopensByName(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx1, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	idx2, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex (second call): %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("OpenIndex returned distinct handles for the same name")
	}
}

func TestCommitRoundTripsThroughReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(idx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Put(idx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	idx2, err := db2.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex after reopen: %v", err)
	}
	tx2, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin after reopen: %v", err)
	}
	value, ok, err := tx2.Get(idx2, []byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", value, ok)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestRollbackDiscardsWrite(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	seed, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := seed.Put(idx, []byte("k"), []byte("orig")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(idx, []byte("k"), []byte("changed")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	verify, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer verify.Rollback()
	value, ok, err := verify.Get(idx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "orig" {
		t.Fatalf("Get(k) = %q, %v; want orig, true", value, ok)
	}
}

func TestCursorScansInOrder(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, k := range []string{"c", "a", "b"} {
		if err := tx.Put(idx, []byte(k), []byte(k+"v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	read, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer read.Rollback()

	cur := read.Cursor(idx)
	var keys []string
	ok, err := cur.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	for ok {
		keys = append(keys, string(cur.Key()))
		ok, err = cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("scanned %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("scanned %v, want %v", keys, want)
		}
	}
}

func TestCursorExtendedContract(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := tx.Put(idx, []byte(k), []byte(k+"v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	read, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer read.Rollback()

	cur := read.Cursor(idx)
	ok, err := cur.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !ok || string(cur.Key()) != "e" {
		t.Fatalf("Last() = %q, %v; want e, true", cur.Key(), ok)
	}

	var backward []string
	for ok {
		backward = append(backward, string(cur.Key()))
		ok, err = cur.Previous()
		if err != nil {
			t.Fatalf("Previous: %v", err)
		}
	}
	want := []string{"e", "d", "c", "b", "a"}
	if len(backward) != len(want) {
		t.Fatalf("backward scan = %v, want %v", backward, want)
	}
	for i := range want {
		if backward[i] != want[i] {
			t.Fatalf("backward scan = %v, want %v", backward, want)
		}
	}

	if ok, err := cur.FindGT([]byte("b")); err != nil || !ok || string(cur.Key()) != "c" {
		t.Fatalf("FindGT(b) = %q, %v, %v; want c, true, nil", cur.Key(), ok, err)
	}
	if ok, err := cur.FindLE([]byte("b")); err != nil || !ok || string(cur.Key()) != "b" {
		t.Fatalf("FindLE(b) = %q, %v, %v; want b, true, nil", cur.Key(), ok, err)
	}
	if ok, err := cur.FindLT([]byte("b")); err != nil || !ok || string(cur.Key()) != "a" {
		t.Fatalf("FindLT(b) = %q, %v, %v; want a, true, nil", cur.Key(), ok, err)
	}
	if ok, err := cur.FindLT([]byte("a")); err != nil || ok {
		t.Fatalf("FindLT(a) = %v, %v; want false, nil (no predecessor)", ok, err)
	}

	if ok, err := cur.First(); err != nil || !ok {
		t.Fatalf("First: %v, %v", ok, err)
	}
	if ok, err := cur.Skip(2); err != nil || !ok || string(cur.Key()) != "c" {
		t.Fatalf("Skip(2) from a = %q, %v, %v; want c, true, nil", cur.Key(), ok, err)
	}
	if ok, err := cur.Skip(-2); err != nil || !ok || string(cur.Key()) != "a" {
		t.Fatalf("Skip(-2) from c = %q, %v, %v; want a, true, nil", cur.Key(), ok, err)
	}

	if _, err := cur.Skip(math.MinInt64); err == nil {
		t.Fatalf("Skip(MinInt64): expected an error, got nil")
	}
	var tupErr *Error
	if _, err := cur.Skip(math.MinInt64); !errors.As(err, &tupErr) || tupErr.Code != OutOfBounds {
		t.Fatalf("Skip(MinInt64) error = %v, want OutOfBounds", err)
	}
}

func TestConcurrentWritersSerializeOnSameKey(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	first, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := first.Put(idx, []byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	blocked := make(chan struct{})
	go func() {
		defer wg.Done()
		close(blocked)
		second, err := db.Begin()
		if err != nil {
			t.Errorf("Begin (goroutine): %v", err)
			return
		}
		if err := second.Put(idx, []byte("k"), []byte("2")); err != nil {
			t.Errorf("Put (goroutine): %v", err)
			return
		}
		if err := second.Commit(); err != nil {
			t.Errorf("Commit (goroutine): %v", err)
		}
	}()

	<-blocked
	time.Sleep(50 * time.Millisecond)
	if err := first.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	wg.Wait()

	verify, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer verify.Rollback()
	value, ok, err := verify.Get(idx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "2" {
		t.Fatalf("Get(k) = %q, %v; want 2, true (second writer should win after first commits)", value, ok)
	}
}

func TestLockTimeoutSurfacesAsPublicCode(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir, LockTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	holder, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer holder.Rollback()
	if err := holder.Put(idx, []byte("k"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	waiter, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer waiter.Rollback()

	err = waiter.Put(idx, []byte("k"), []byte("2"))
	if err == nil {
		t.Fatalf("Put: expected a lock timeout, got nil")
	}
	var tupErr *Error
	if !errors.As(err, &tupErr) {
		t.Fatalf("Put error %v is not a *Error", err)
	}
	if tupErr.Code != LockTimeout {
		t.Fatalf("Put error code = %v, want LockTimeout", tupErr.Code)
	}
}

func TestDatabaseClosedRejectsNewTransactions(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = db.Begin()
	if err == nil {
		t.Fatalf("Begin after Close: expected error, got nil")
	}
	var tupErr *Error
	if !errors.As(err, &tupErr) || tupErr.Code != Closed {
		t.Fatalf("Begin after Close error = %v, want Closed", err)
	}
}

func TestOpenWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tupl.yaml")
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	doc := "data_dir: " + dataDir + "\ndurability: nosync\n"
	if err := os.WriteFile(cfgPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	db, err := OpenWithConfigFile(cfgPath)
	if err != nil {
		t.Fatalf("OpenWithConfigFile: %v", err)
	}
	defer db.Close()

	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(idx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
