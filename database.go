// Package tupl implements an embedded, transactional, ordered
// key/value storage engine: a page store with durable commit, an LRU
// node cache, a B-tree supporting fragmented values, a row-level lock
// manager with deadlock detection, undo/redo logging, an MVCC-style
// transaction runtime, and a checkpoint coordinator tying them together.
package tupl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tuplgo/tupl/internal/btree"
	"github.com/tuplgo/tupl/internal/cache"
	"github.com/tuplgo/tupl/internal/checkpoint"
	"github.com/tuplgo/tupl/internal/config"
	"github.com/tuplgo/tupl/internal/dbevent"
	"github.com/tuplgo/tupl/internal/lock"
	"github.com/tuplgo/tupl/internal/page"
	"github.com/tuplgo/tupl/internal/txn"
	"github.com/tuplgo/tupl/internal/walog"
)

// Database is an open instance of the storage engine: one data file, one
// redo log, and the runtime state layered on top of them.
type Database struct {
	opts Options

	store *page.Store
	cache *cache.Cache
	locks *lock.Manager
	redo  *walog.RedoLog
	rt    *txn.Runtime
	ckpt  *checkpoint.Coordinator
	events EventListener

	mu          sync.RWMutex
	registry    *btree.Tree
	byName      map[string]*Index
	byID        map[uint64]*Index
	nextIndexID uint64 // atomic, next id to hand to a newly created index
	closed      bool
}

// Open opens or creates a database in opts.DataDir, replaying its redo
// log against the last durable checkpoint before returning.
func Open(opts Options) (*Database, error) {
	opts = opts.withDefaults()
	if opts.DataDir == "" {
		return nil, newError(OutOfBounds, "Options.DataDir is required")
	}

	codec, err := buildCodec(opts)
	if err != nil {
		return nil, err
	}

	store, err := page.Open(page.Config{
		Path:     filepath.Join(opts.DataDir, "data.tupl"),
		PageSize: opts.PageSize,
		Codec:    codec,
	})
	if err != nil {
		return nil, wrapError(IO, err, "open page store")
	}

	events := opts.EventListener
	if events == nil {
		events = dbevent.NewLogListener(nil)
	}

	c := cache.New(cache.Config{
		Partitions: opts.CachePartitions,
		Capacity:   opts.CachePages,
		PageSize:   store.PageSize(),
		Load:       store.ReadPage,
		Flush:      store.WritePage,
	})

	redo, err := walog.Open(filepath.Join(opts.DataDir, "redo.log"), opts.Durability)
	if err != nil {
		store.Close()
		return nil, wrapError(IO, err, "open redo log")
	}

	locks := lock.New(lock.Config{Timeout: opts.LockTimeout})

	db := &Database{
		opts:   opts,
		store:  store,
		cache:  c,
		locks:  locks,
		redo:   redo,
		events: events,
		byName: make(map[string]*Index),
		byID:   make(map[uint64]*Index),
	}

	sb := store.Superblock()
	registry, err := btree.Open(c, store, sb.RegistryRoot)
	if err != nil {
		db.closeQuiet()
		return nil, wrapError(Corrupt, err, "open index registry")
	}
	db.registry = registry

	if err := db.loadRegistry(); err != nil {
		db.closeQuiet()
		return nil, err
	}

	db.rt = txn.New(txn.Config{
		Locks:      locks,
		Redo:       redo,
		Resolver:   db,
		Store:      store,
		Durability: opts.Durability,
	})

	if err := db.recover(sb.RedoPosition); err != nil {
		db.closeQuiet()
		return nil, err
	}

	db.ckpt = checkpoint.New(checkpoint.Config{
		Cache:         c,
		Store:         store,
		Redo:          redo,
		RegistryRoot:  db.syncRegistryRoots,
		Events:        events,
		Interval:      opts.CheckpointInterval,
		SizeThreshold: opts.CheckpointSizeThreshold,
	})

	return db, nil
}

// OpenWithConfigFile loads a YAML options document at path (see
// internal/config for its schema) and opens a Database from it. An
// EncryptionKeyFile named in the document is read and used as the
// engine's page encryption key.
func OpenWithConfigFile(path string) (*Database, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, wrapError(OutOfBounds, err, "load config file %s", path)
	}
	mode, err := cfg.DurabilityMode()
	if err != nil {
		return nil, wrapError(OutOfBounds, err, "config file %s", path)
	}

	opts := Options{
		DataDir:                 cfg.DataDir,
		PageSize:                cfg.PageSize,
		CachePages:              cfg.CachePages,
		Durability:              mode,
		LockTimeout:             cfg.LockTimeout,
		CheckpointInterval:      cfg.CheckpointInterval,
		CheckpointSizeThreshold: cfg.CheckpointSizeThreshold,
	}
	if cfg.EncryptionKeyFile != "" {
		key, err := readEncryptionKeyFile(cfg.EncryptionKeyFile)
		if err != nil {
			return nil, err
		}
		opts.EncryptionKey = key
	}
	return Open(opts)
}

func readEncryptionKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(IO, err, "read encryption key file %s", path)
	}
	return key, nil
}

func buildCodec(opts Options) (page.Codec, error) {
	if len(opts.EncryptionKey) == 0 {
		return nil, nil // page.Open defaults to IdentityCodec
	}
	codec, err := page.NewEncryptionCodec(opts.EncryptionKey)
	if err != nil {
		return nil, wrapError(OutOfBounds, err, "build encryption codec")
	}
	return codec, nil
}

// loadRegistry populates byName/byID and nextIndexID from the persisted
// registry tree, opening a *btree.Tree handle for every named index so
// Tree(indexID) resolves without a later disk round-trip.
func (db *Database) loadRegistry() error {
	var maxID uint64
	err := db.registry.ScanRange(nil, nil, func(key, value []byte) bool {
		entry := decodeRegistryEntry(value)
		tree, err := btree.Open(db.cache, db.store, entry.root)
		if err != nil {
			return false
		}
		idx := &Index{db: db, id: entry.indexID, name: string(key), tree: tree, cmp: db.opts.Comparator}
		db.byName[idx.name] = idx
		db.byID[idx.id] = idx
		if entry.indexID > maxID {
			maxID = entry.indexID
		}
		return true
	})
	if err != nil {
		return wrapError(Corrupt, err, "load index registry")
	}
	atomic.StoreUint64(&db.nextIndexID, maxID+1)
	return nil
}

// recover replays the redo log from position, reapplying committed
// writes to whichever index each record names.
func (db *Database) recover(position uint64) error {
	db.events.Notify(dbevent.Event{Kind: dbevent.RecoveryStarted})
	applied := 0
	err := walog.Recover(filepath.Join(db.opts.DataDir, "redo.log"), position, func(indexID uint64, key, value []byte) error {
		idx := db.byID[indexID]
		if idx == nil {
			return nil // index no longer exists (dropped after this record, before the last checkpoint)
		}
		applied++
		if value == nil {
			_, err := idx.tree.Delete(key)
			return err
		}
		return idx.tree.Put(key, value)
	})
	if err != nil {
		return wrapError(Corrupt, err, "replay redo log")
	}
	db.events.Notify(dbevent.Event{Kind: dbevent.RecoveryCompleted, Message: fmt.Sprintf("%d records applied", applied)})
	return nil
}

// Tree implements txn.Resolver, letting a Txn's rollback path look up the
// B-tree for an index id without the caller threading it through.
func (db *Database) Tree(indexID uint64) (*btree.Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idx, ok := db.byID[indexID]
	if !ok {
		return nil, newError(Corrupt, "rollback referenced unknown index id %d", indexID)
	}
	return idx.tree, nil
}

// OpenIndex opens the named index, creating it if it does not exist.
func (db *Database) OpenIndex(name string) (*Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, newError(Closed, "database is closed")
	}
	if idx, ok := db.byName[name]; ok {
		return idx, nil
	}

	tree, err := btree.Open(db.cache, db.store, page.Invalid)
	if err != nil {
		return nil, wrapError(IO, err, "create index %q", name)
	}
	newID := db.allocIndexID()
	idx := &Index{db: db, id: newID, name: name, tree: tree, cmp: db.opts.Comparator}

	if err := db.registry.Put([]byte(name), encodeRegistryEntry(registryEntry{indexID: newID, root: tree.Root()})); err != nil {
		return nil, wrapError(IO, err, "register index %q", name)
	}

	db.byName[name] = idx
	db.byID[newID] = idx
	return idx, nil
}

func (db *Database) allocIndexID() uint64 {
	return atomic.AddUint64(&db.nextIndexID, 1) - 1
}

// DropIndex removes an index from the registry. The underlying pages are
// not reclaimed; a future compaction/GC pass would be needed for that.
func (db *Database) DropIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	idx, ok := db.byName[name]
	if !ok {
		return newError(OutOfBounds, "index %q does not exist", name)
	}
	if _, err := db.registry.Delete([]byte(name)); err != nil {
		return wrapError(IO, err, "drop index %q", name)
	}
	delete(db.byName, name)
	delete(db.byID, idx.id)
	return nil
}

// syncRegistryRoots writes every open index's current tree root into the
// registry tree and returns the registry tree's own root, for the
// checkpoint coordinator to install into the next superblock.
func (db *Database) syncRegistryRoots() page.ID {
	db.mu.RLock()
	indexes := make([]*Index, 0, len(db.byID))
	for _, idx := range db.byID {
		indexes = append(indexes, idx)
	}
	db.mu.RUnlock()

	for _, idx := range indexes {
		entry := registryEntry{indexID: idx.id, root: idx.tree.Root()}
		db.registry.Put([]byte(idx.name), encodeRegistryEntry(entry))
	}
	return db.registry.Root()
}

// Begin starts a new transaction.
func (db *Database) Begin() (*Transaction, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, newError(Closed, "database is closed")
	}
	inner, err := db.rt.Begin()
	if err != nil {
		return nil, wrapError(IO, err, "begin transaction")
	}
	return &Transaction{db: db, tx: inner}, nil
}

// Checkpoint runs a checkpoint synchronously, independent of the
// background trigger.
func (db *Database) Checkpoint() (checkpoint.Result, error) {
	result, err := db.ckpt.Run()
	if err != nil {
		return checkpoint.Result{}, wrapError(IO, err, "checkpoint")
	}
	return result, nil
}

// ActiveTransactionIDs reports the transaction IDs currently open.
func (db *Database) ActiveTransactionIDs() []uint64 {
	return db.rt.ActiveIDs()
}

func (db *Database) closeQuiet() {
	db.locks.Close()
	db.redo.Close()
	db.store.Close()
}

// Close quiesces the checkpoint coordinator, runs one final checkpoint,
// and releases every resource the Database holds. Afterwards OpenIndex
// and Begin return a Closed error. Other calls, including those on
// Transactions and Cursors opened before Close, are not checked against
// the closed state: they fail with whatever error the closed page store
// or redo log reports, or succeed against pages still in the cache.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.ckpt.Close()

	var errs []error
	if _, err := db.ckpt.Run(); err != nil {
		errs = append(errs, err)
	}
	db.locks.Close()
	if err := db.redo.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return wrapError(IO, errors.Join(errs...), "close database")
	}
	return nil
}
