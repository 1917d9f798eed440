// Package txn implements the transaction runtime: it binds the lock
// manager, the undo/redo logs, and the B-tree together into atomic,
// isolated units of work.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tuplgo/tupl/internal/btree"
	"github.com/tuplgo/tupl/internal/lock"
	"github.com/tuplgo/tupl/internal/walog"
)

// Resolver looks up the B-tree backing a given index ID, so a Txn can
// apply undo operations without holding a reference to every index it
// touches ahead of time.
type Resolver interface {
	Tree(indexID uint64) (*btree.Tree, error)
}

// CommitLocker is the page store's commit lock, taken shared around the
// redo-append-then-dirty-mark pair every store/delete performs, and
// exclusive by the checkpoint coordinator while it captures the redo
// position and swaps the cache's dirty-generation tag. Holding it here
// guarantees that pairing is never split by a checkpoint running
// in between.
type CommitLocker interface {
	RLockCommit()
	RUnlockCommit()
}

// Runtime creates and tracks transactions, and owns the shared lock
// manager and redo log they all write through.
type Runtime struct {
	locks    *lock.Manager
	redo     *walog.RedoLog
	resolver Resolver
	store    CommitLocker
	mode     walog.DurabilityMode

	nextID uint64 // atomic

	mu     sync.Mutex
	active map[uint64]*Txn
}

// Config configures a Runtime.
type Config struct {
	Locks      *lock.Manager
	Redo       *walog.RedoLog
	Resolver   Resolver
	Store      CommitLocker
	Durability walog.DurabilityMode
}

// New builds a Runtime.
func New(cfg Config) *Runtime {
	return &Runtime{
		locks:    cfg.Locks,
		redo:     cfg.Redo,
		resolver: cfg.Resolver,
		store:    cfg.Store,
		mode:     cfg.Durability,
		active:   make(map[uint64]*Txn),
	}
}

// Begin starts a new transaction and records its entry in the redo log.
func (rt *Runtime) Begin() (*Txn, error) {
	id := atomic.AddUint64(&rt.nextID, 1)
	tx := &Txn{
		rt:    rt,
		id:    id,
		owner: lock.NewOwner(),
		undo:  walog.NewUndoLog(),
	}
	if _, err := rt.redo.Append(walog.Record{Op: walog.OpTxnEnter, TxID: id}); err != nil {
		return nil, fmt.Errorf("txn: begin: %w", err)
	}
	rt.mu.Lock()
	rt.active[id] = tx
	rt.mu.Unlock()
	return tx, nil
}

// ActiveIDs returns the transaction IDs currently open, in no particular
// order.
func (rt *Runtime) ActiveIDs() []uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]uint64, 0, len(rt.active))
	for id := range rt.active {
		ids = append(ids, id)
	}
	return ids
}

func (rt *Runtime) forget(id uint64) {
	rt.mu.Lock()
	delete(rt.active, id)
	rt.mu.Unlock()
}

// Txn is a single unit of work: a set of locked keys, an in-memory undo
// chain, and a cursor into the shared redo log.
type Txn struct {
	rt    *Runtime
	id    uint64
	owner lock.Owner
	undo  *walog.UndoLog

	mu     sync.Mutex
	locked []lock.Key
	done   bool
}

// ID returns the transaction's identifier, used as the TxID tag on every
// redo record it appends.
func (tx *Txn) ID() uint64 { return tx.id }

func (tx *Txn) trackLock(k lock.Key) {
	tx.mu.Lock()
	tx.locked = append(tx.locked, k)
	tx.mu.Unlock()
}

// Get acquires a shared lock on key and reads its current value from the
// index's tree.
func (tx *Txn) Get(indexID uint64, tree *btree.Tree, key []byte) ([]byte, bool, error) {
	k := lock.NewKey(indexID, key)
	if err := tx.rt.locks.Acquire(k, tx.owner, lock.Shared); err != nil {
		return nil, false, err
	}
	tx.trackLock(k)
	return tree.Get(key)
}

// Put acquires an exclusive lock on key, records the prior value for
// rollback, appends a redo record, and applies the write.
func (tx *Txn) Put(indexID uint64, tree *btree.Tree, key, value []byte) error {
	k := lock.NewKey(indexID, key)
	if err := tx.rt.locks.Acquire(k, tx.owner, lock.Exclusive); err != nil {
		return err
	}
	tx.trackLock(k)

	old, hadOld, err := tree.Get(key)
	if err != nil {
		return err
	}
	tx.undo.Push(walog.UndoOp{IndexID: indexID, Key: append([]byte(nil), key...), HadValue: hadOld, OldValue: old})

	// The redo append and the resulting dirty page mark must land on the
	// same side of any concurrent checkpoint's generation swap, or the
	// write could be excluded from the checkpoint that just truncated
	// the redo range covering it. The store's commit lock, held shared
	// here, blocks only a checkpoint's brief exclusive swap window.
	tx.rt.store.RLockCommit()
	defer tx.rt.store.RUnlockCommit()

	payload := walog.EncodeStorePayload(indexID, key, value)
	if _, err := tx.rt.redo.Append(walog.Record{Op: walog.OpTxnStore, TxID: tx.id, Payload: payload}); err != nil {
		return fmt.Errorf("txn: append store record: %w", err)
	}
	return tree.Put(key, value)
}

// Delete acquires an exclusive lock on key, records the prior value for
// rollback, appends a redo record, and removes the key.
func (tx *Txn) Delete(indexID uint64, tree *btree.Tree, key []byte) (bool, error) {
	k := lock.NewKey(indexID, key)
	if err := tx.rt.locks.Acquire(k, tx.owner, lock.Exclusive); err != nil {
		return false, err
	}
	tx.trackLock(k)

	old, hadOld, err := tree.Get(key)
	if err != nil {
		return false, err
	}
	if !hadOld {
		return false, nil
	}
	tx.undo.Push(walog.UndoOp{IndexID: indexID, Key: append([]byte(nil), key...), HadValue: true, OldValue: old})

	tx.rt.store.RLockCommit()
	defer tx.rt.store.RUnlockCommit()

	payload := walog.EncodeStorePayload(indexID, key, nil)
	if _, err := tx.rt.redo.Append(walog.Record{Op: walog.OpDeleteIndex, TxID: tx.id, Payload: payload}); err != nil {
		return false, fmt.Errorf("txn: append delete record: %w", err)
	}
	return tree.Delete(key)
}

// Commit appends a final commit record, waits for it to become durable
// per the runtime's durability mode, and only then releases every lock
// the transaction acquired. This is the PendingTxn wait: other readers
// must never observe a NoSync/NoFlush/NoRedo commit's writes before its
// position is actually durable, so lock release — the point at which
// they become visible — is gated on that, not just on the append.
func (tx *Txn) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("txn: transaction %d already finished", tx.id)
	}
	tx.done = true
	locked := tx.locked
	tx.mu.Unlock()

	pos, err := tx.rt.redo.Append(walog.Record{Op: walog.OpTxnCommitFinal, TxID: tx.id})
	if err != nil {
		return fmt.Errorf("txn: append commit record: %w", err)
	}

	switch tx.rt.mode {
	case walog.Sync:
		// Append already fsynced this record before returning.
	case walog.NoRedo:
		tx.rt.redo.WaitNextCheckpoint()
	default: // NoSync, NoFlush
		tx.rt.redo.WaitDurable(pos)
	}

	tx.rt.locks.ReleaseAll(tx.owner, locked)
	tx.rt.forget(tx.id)
	return nil
}

// Rollback undoes every write the transaction made, in reverse order,
// appends a rollback record, and releases every lock it acquired.
func (tx *Txn) Rollback() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("txn: transaction %d already finished", tx.id)
	}
	tx.done = true
	locked := tx.locked
	tx.mu.Unlock()

	err := tx.undo.Rollback(func(op walog.UndoOp) error {
		tree, err := tx.rt.resolver.Tree(op.IndexID)
		if err != nil {
			return err
		}
		if op.HadValue {
			return tree.Put(op.Key, op.OldValue)
		}
		_, err = tree.Delete(op.Key)
		return err
	})
	if err != nil {
		return fmt.Errorf("txn: rollback: %w", err)
	}

	if _, rerr := tx.rt.redo.Append(walog.Record{Op: walog.OpTxnRollbackFinal, TxID: tx.id}); rerr != nil {
		return fmt.Errorf("txn: append rollback record: %w", rerr)
	}
	tx.rt.locks.ReleaseAll(tx.owner, locked)
	tx.rt.forget(tx.id)
	return nil
}
