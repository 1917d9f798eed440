// Package lock implements the row-level lock manager: shared, upgradable,
// and exclusive locks on (index ID, key) pairs, plus deadlock detection
// via periodic wait-for graph cycle scans. Lock records are keyed by the
// hash of the key bytes alone, so keys with equal hashes, including equal
// key bytes in different indexes, share one record and block each other.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tuplgo/tupl/internal/hashutil"
)

// Mode is the strength of a held or requested lock.
type Mode uint8

const (
	Shared Mode = iota
	Upgradable
	Exclusive
)

// Owner identifies the holder of a lock — normally a transaction's
// attachment, generated with google/uuid the same way the rest of the
// engine mints identifiers.
type Owner uuid.UUID

// NewOwner mints a fresh owner identifier.
func NewOwner() Owner { return Owner(uuid.New()) }

func (o Owner) String() string { return uuid.UUID(o).String() }

// Key identifies a lockable row: an index and the row's key bytes. Hash
// is precomputed so the manager's shard map never re-hashes long keys.
type Key struct {
	IndexID uint64
	KeyHash uint64
	Bytes   []byte
}

// NewKey builds a Key, computing its hash with the same Wang-Jenkins
// variant the node cache uses for its page map, keeping the two
// coherent per the engine's hashing contract.
func NewKey(indexID uint64, keyBytes []byte) Key {
	return Key{IndexID: indexID, KeyHash: hashutil.Hash64(keyBytes), Bytes: append([]byte(nil), keyBytes...)}
}

// ErrTimeout is returned when Acquire could not obtain the lock before
// its deadline.
type ErrTimeout struct {
	Key   Key
	Owner Owner
	Waited time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("lock: timeout after %s waiting for key in index %d", e.Waited, e.Key.IndexID)
}

// ErrDeadlock is returned to whichever waiter the detector chooses as the
// victim to break a cycle in the wait-for graph.
type ErrDeadlock struct {
	Victim Owner
	Cycle  []Owner
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("lock: deadlock detected, %d transactions in cycle", len(e.Cycle))
}

// record is the per-key lock state.
type record struct {
	mu         sync.Mutex
	holders    map[Owner]Mode
	waiters    []*waiter
}

type waiter struct {
	owner Owner
	mode  Mode
	ready chan error
}

// Manager owns every record, sharded by key hash to limit contention, and
// runs a background deadlock detector.
type Manager struct {
	shards    []*shard
	nshards   uint64
	timeout   time.Duration
	detector  *detector
}

type shard struct {
	mu      sync.Mutex
	records map[uint64]*record // key hash -> record; keys with equal hashes share a record
}

// Config configures a Manager.
type Config struct {
	Shards  int
	Timeout time.Duration // default lock-acquire timeout
}

// New builds a Manager.
func New(cfg Config) *Manager {
	n := cfg.Shards
	if n <= 0 {
		n = 16
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Manager{nshards: uint64(n), timeout: timeout}
	for i := 0; i < n; i++ {
		m.shards = append(m.shards, &shard{records: make(map[uint64]*record)})
	}
	m.detector = newDetector(m)
	return m
}

func (m *Manager) shardFor(k Key) *shard {
	return m.shards[k.KeyHash%m.nshards]
}

// recordFor returns the record for hash, creating it if absent. Distinct
// keys with the same hash get the same record.
func (s *shard) recordFor(hash uint64) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[hash]
	if !ok {
		r = &record{holders: make(map[Owner]Mode)}
		s.records[hash] = r
	}
	return r
}

func compatible(existing map[Owner]Mode, self Owner, want Mode) bool {
	for o, m := range existing {
		if o == self {
			continue
		}
		if want == Shared && m == Shared {
			continue
		}
		return false
	}
	return true
}

// Acquire blocks until owner holds mode on key, a deadlock is detected
// naming owner as the victim, or the configured timeout elapses.
func (m *Manager) Acquire(key Key, owner Owner, mode Mode) error {
	r := m.shardFor(key).recordFor(key.KeyHash)

	r.mu.Lock()
	if cur, held := r.holders[owner]; held && cur >= mode {
		r.mu.Unlock()
		return nil
	}
	if compatible(r.holders, owner, mode) {
		r.holders[owner] = upgrade(r.holders[owner], mode)
		r.mu.Unlock()
		return nil
	}
	w := &waiter{owner: owner, mode: mode, ready: make(chan error, 1)}
	r.waiters = append(r.waiters, w)
	m.detector.addWait(owner, key, holderSet(r.holders))
	r.mu.Unlock()

	select {
	case err := <-w.ready:
		m.detector.removeWait(owner)
		return err
	case <-time.After(m.timeout):
		m.detector.removeWait(owner)
		m.cancelWaiter(r, w)
		return &ErrTimeout{Key: key, Owner: owner, Waited: m.timeout}
	}
}

func upgrade(cur, want Mode) Mode {
	if want > cur {
		return want
	}
	return cur
}

func holderSet(holders map[Owner]Mode) []Owner {
	out := make([]Owner, 0, len(holders))
	for o := range holders {
		out = append(out, o)
	}
	return out
}

func (m *Manager) cancelWaiter(r *record, target *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w == target {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// Release drops owner's lock on key and promotes the next compatible
// waiter(s), if any.
func (m *Manager) Release(key Key, owner Owner) {
	r := m.shardFor(key).recordFor(key.KeyHash)
	r.mu.Lock()
	delete(r.holders, owner)
	m.promoteLocked(r)
	r.mu.Unlock()
}

// promoteLocked grants the lock to as many leading waiters as are mutually
// compatible with the current holder set, in FIFO order.
func (m *Manager) promoteLocked(r *record) {
	for len(r.waiters) > 0 {
		w := r.waiters[0]
		if !compatible(r.holders, w.owner, w.mode) {
			return
		}
		r.holders[w.owner] = upgrade(r.holders[w.owner], w.mode)
		r.waiters = r.waiters[1:]
		w.ready <- nil
	}
}

// ReleaseAll drops every lock owner currently holds across all keys it
// was tracked for. Transactions call this on commit/rollback.
func (m *Manager) ReleaseAll(owner Owner, keys []Key) {
	for _, k := range keys {
		m.Release(k, owner)
	}
}

// breakWait forcibly fails owner's pending wait with ErrDeadlock, used
// by the background detector when it finds owner in a wait-for cycle.
func (m *Manager) breakWait(key Key, owner Owner, cycle []Owner) {
	r := m.shardFor(key).recordFor(key.KeyHash)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w.owner == owner {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			w.ready <- &ErrDeadlock{Victim: owner, Cycle: cycle}
			return
		}
	}
}

// Close stops the background deadlock detector.
func (m *Manager) Close() {
	m.detector.stop()
}
