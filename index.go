package tupl

import (
	"errors"
	"math"

	"github.com/tuplgo/tupl/internal/btree"
	"github.com/tuplgo/tupl/internal/dbevent"
	"github.com/tuplgo/tupl/internal/lock"
	"github.com/tuplgo/tupl/internal/txn"
)

// Index is a single named, ordered key/value tree within a Database.
// Reads and writes against it always go through a Transaction.
type Index struct {
	db   *Database
	id   uint64
	name string
	tree *btree.Tree
	cmp  Comparator
}

// Name returns the index's registered name.
func (idx *Index) Name() string { return idx.name }

// Transaction is a single unit of work against a Database: every Get,
// Put, and Delete it performs is isolated and atomic with Commit.
type Transaction struct {
	db       *Database
	tx       *txn.Txn
	finished bool // set once Commit or Rollback has been called
}

// Get returns the value stored for key in idx, or ok=false if absent.
func (t *Transaction) Get(idx *Index, key []byte) (value []byte, ok bool, err error) {
	value, ok, err = t.tx.Get(idx.id, idx.tree, key)
	if err != nil {
		return nil, false, t.translate(err)
	}
	return value, ok, nil
}

// Put writes key/value into idx, replacing any existing value for key.
func (t *Transaction) Put(idx *Index, key, value []byte) error {
	if err := t.tx.Put(idx.id, idx.tree, key, value); err != nil {
		return t.translate(err)
	}
	return nil
}

// Delete removes key from idx, reporting whether it was present.
func (t *Transaction) Delete(idx *Index, key []byte) (bool, error) {
	existed, err := t.tx.Delete(idx.id, idx.tree, key)
	if err != nil {
		return false, t.translate(err)
	}
	return existed, nil
}

// Cursor returns a new Cursor over idx, scoped to this transaction's view
// of the tree. Its isolation follows the underlying tree directly: a
// Cursor observes writes this transaction itself has already applied,
// since reads and writes share the same tree.
func (t *Transaction) Cursor(idx *Index) *Cursor {
	return &Cursor{c: btree.NewCursor(idx.tree), cmp: idx.cmp}
}

// Commit makes every write durable (per the Database's durability mode)
// and releases the transaction's locks.
func (t *Transaction) Commit() error {
	if t.finished {
		return newError(Closed, "transaction already finished")
	}
	t.finished = true
	if err := t.tx.Commit(); err != nil {
		return t.translate(err)
	}
	t.db.ckpt.MaybeCheckpoint()
	return nil
}

// Rollback undoes every write the transaction made and releases its
// locks. Calling Rollback after Commit, or twice, returns a Closed error.
func (t *Transaction) Rollback() error {
	if t.finished {
		return newError(Closed, "transaction already finished")
	}
	t.finished = true
	if err := t.tx.Rollback(); err != nil {
		return t.translate(err)
	}
	return nil
}

// translate converts an internal lock-manager failure into the public
// error taxonomy and notifies the event listener, so callers branching on
// tupl.Code never need to import internal/lock.
func (t *Transaction) translate(err error) error {
	var to *lock.ErrTimeout
	if errors.As(err, &to) {
		t.db.events.Notify(dbevent.Event{Kind: dbevent.DeadlockBroken, Message: "lock acquire timed out"})
		return wrapError(LockTimeout, err, "acquire lock")
	}
	var dl *lock.ErrDeadlock
	if errors.As(err, &dl) {
		t.db.events.Notify(dbevent.Event{Kind: dbevent.DeadlockBroken, Cycle: len(dl.Cycle)})
		return wrapError(Deadlock, err, "deadlock detected")
	}
	return wrapError(IO, err, "transaction operation")
}

// Cursor provides stepwise ordered iteration over an Index within the
// scope of one Transaction.
type Cursor struct {
	c     *btree.Cursor
	cmp   Comparator
	key   []byte
	value []byte
	valid bool
}

// First positions the cursor at the smallest key in the index.
func (c *Cursor) First() (bool, error) {
	key, value, ok, err := c.c.First()
	if err != nil {
		return false, wrapError(IO, err, "cursor first")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// Seek positions the cursor at the smallest key >= key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	foundKey, value, ok, err := c.c.Seek(key)
	if err != nil {
		return false, wrapError(IO, err, "cursor seek")
	}
	c.key, c.value, c.valid = foundKey, value, ok
	return ok, nil
}

// Next advances the cursor to the next key in order.
func (c *Cursor) Next() (bool, error) {
	key, value, ok, err := c.c.Next()
	if err != nil {
		return false, wrapError(IO, err, "cursor next")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// Last positions the cursor at the greatest key in the index.
func (c *Cursor) Last() (bool, error) {
	key, value, ok, err := c.c.Last()
	if err != nil {
		return false, wrapError(IO, err, "cursor last")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// Previous moves the cursor to the preceding key in order.
func (c *Cursor) Previous() (bool, error) {
	key, value, ok, err := c.c.Previous()
	if err != nil {
		return false, wrapError(IO, err, "cursor previous")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// FindGT positions the cursor at the smallest key strictly greater than
// key.
func (c *Cursor) FindGT(key []byte) (bool, error) {
	foundKey, value, ok, err := c.c.FindGT(key)
	if err != nil {
		return false, wrapError(IO, err, "cursor find_gt")
	}
	c.key, c.value, c.valid = foundKey, value, ok
	return ok, nil
}

// FindLE positions the cursor at the greatest key less than or equal to
// key.
func (c *Cursor) FindLE(key []byte) (bool, error) {
	foundKey, value, ok, err := c.c.FindLE(key)
	if err != nil {
		return false, wrapError(IO, err, "cursor find_le")
	}
	c.key, c.value, c.valid = foundKey, value, ok
	return ok, nil
}

// FindLT positions the cursor at the greatest key strictly less than
// key.
func (c *Cursor) FindLT(key []byte) (bool, error) {
	foundKey, value, ok, err := c.c.FindLT(key)
	if err != nil {
		return false, wrapError(IO, err, "cursor find_lt")
	}
	c.key, c.value, c.valid = foundKey, value, ok
	return ok, nil
}

// Nearby positions the cursor at the smallest key >= key, favoring the
// cursor's current position over a fresh descent from the root when
// possible.
func (c *Cursor) Nearby(key []byte) (bool, error) {
	foundKey, value, ok, err := c.c.Nearby(key)
	if err != nil {
		return false, wrapError(IO, err, "cursor nearby")
	}
	c.key, c.value, c.valid = foundKey, value, ok
	return ok, nil
}

// Skip moves the cursor forward n entries, or backward for negative n.
// Skip(math.MinInt64) returns an OutOfBounds error rather than panicking.
func (c *Cursor) Skip(n int64) (bool, error) {
	key, value, ok, err := c.c.Skip(n)
	if err != nil {
		if n == math.MinInt64 {
			return false, wrapError(OutOfBounds, err, "cursor skip")
		}
		return false, wrapError(IO, err, "cursor skip")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// Random positions the cursor at an approximately random live key in
// [lo, hi].
func (c *Cursor) Random(lo, hi []byte) (bool, error) {
	key, value, ok, err := c.c.Random(lo, hi)
	if err != nil {
		return false, wrapError(IO, err, "cursor random")
	}
	c.key, c.value, c.valid = key, value, ok
	return ok, nil
}

// Valid reports whether the cursor currently rests on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current entry's key. Only meaningful while Valid.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current entry's value. Only meaningful while Valid.
func (c *Cursor) Value() []byte { return c.value }
