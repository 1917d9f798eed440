// Package walog implements the undo and redo logs: a per-transaction
// undo chain for rollback, and a single global, ordered redo stream
// supporting the engine's durability modes.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Op is a redo log record opcode.
type Op uint8

const (
	OpStore Op = iota
	OpStoreNoLock
	OpRenameIndex
	OpDeleteIndex
	OpTxnEnter
	OpTxnRollback
	OpTxnRollbackFinal
	OpTxnCommit
	OpTxnCommitFinal
	OpTxnStore
	OpTxnStoreCommitFinal
	OpTxnCustom
	OpTxnCustomLock
	OpTimestamp
	OpReset
	OpShutdown
	OpClose
	OpEndFile
)

// DurabilityMode controls how aggressively the redo log is flushed to
// stable storage, per the engine's external durability contract.
type DurabilityMode uint8

const (
	// Sync fsyncs the redo log before a commit is acknowledged.
	Sync DurabilityMode = iota
	// NoSync writes the redo log but does not fsync before acknowledging.
	NoSync
	// NoFlush buffers redo records in memory; they are written lazily.
	NoFlush
	// NoRedo disables the redo log: only the undo log protects
	// in-progress transactions, and committed data is not crash-durable.
	NoRedo
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// recordHeaderSize is the fixed framing before a record's payload:
// 1-byte Op, 8-byte TxID, 4-byte payload length, 4-byte CRC32C.
const recordHeaderSize = 1 + 8 + 4 + 4

// Record is one decoded redo log entry.
type Record struct {
	Op      Op
	TxID    uint64
	Payload []byte
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	buf[0] = byte(r.Op)
	binary.BigEndian.PutUint64(buf[1:9], r.TxID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	crc := crc32.Checksum(buf[:13], crcTable)
	crc = crc32.Update(crc, crcTable, r.Payload)
	binary.BigEndian.PutUint32(buf[13:17], crc)
	return buf
}

// pendingWaiter parks a committing transaction until the log's durable
// watermark reaches its commit position.
type pendingWaiter struct {
	position uint64
	done     chan struct{}
}

// RedoLog is an append-only, crash-tolerant stream of Records. Readers
// replay it in order during recovery; only a well-formed prefix is
// trusted — a torn tail write is detected and discarded.
type RedoLog struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	mode     DurabilityMode
	position uint64

	// durable is the position up to which the log is guaranteed to have
	// reached the durability this mode promises (fsynced for Sync,
	// written to the OS for NoSync, flushed on request for NoFlush).
	// pending holds commits waiting for durable to catch up to their
	// position, per the PendingTxn queue the transaction runtime parks
	// non-Sync commits on before releasing locks.
	durable uint64
	pending []*pendingWaiter

	// ckptWaiters park NoRedo-mode commits, which never advance
	// durable on their own; they are released when a checkpoint
	// completes instead.
	ckptWaiters []chan struct{}
}

// Open opens or creates the redo log file at path.
func Open(path string, mode DurabilityMode) (*RedoLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open redo log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RedoLog{f: f, w: bufio.NewWriter(f), mode: mode, position: uint64(info.Size())}, nil
}

// Append writes r to the log and, per the configured durability mode,
// flushes and/or fsyncs before returning. It returns the log position
// just past r, which is the position a commit passes to WaitDurable.
func (l *RedoLog) Append(r Record) (uint64, error) {
	if l.mode == NoRedo {
		return l.position, nil
	}
	buf := encodeRecord(r)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(buf); err != nil {
		return 0, fmt.Errorf("walog: append redo record: %w", err)
	}
	l.position += uint64(len(buf))

	switch l.mode {
	case Sync:
		if err := l.w.Flush(); err != nil {
			return 0, err
		}
		if err := l.f.Sync(); err != nil {
			return 0, fmt.Errorf("walog: fsync redo log: %w", err)
		}
		l.advanceDurableLocked(l.position)
	case NoSync:
		if err := l.w.Flush(); err != nil {
			return 0, err
		}
		l.advanceDurableLocked(l.position)
	case NoFlush:
		// leave buffered; a periodic or checkpoint-triggered flush catches up
	}
	return l.position, nil
}

// advanceDurableLocked raises the durable watermark to pos, if higher,
// and wakes every pending waiter whose commit position it now covers.
// l.mu must be held.
func (l *RedoLog) advanceDurableLocked(pos uint64) {
	if pos <= l.durable {
		return
	}
	l.durable = pos
	remaining := l.pending[:0]
	for _, w := range l.pending {
		if w.position <= l.durable {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.pending = remaining
}

// WaitDurable blocks until position is covered by the log's durable
// watermark. Sync-mode commits are already durable by the time Append
// returns and never block here; NoSync/NoFlush commits block until the
// next flush (explicit, periodic, or checkpoint-triggered) catches up.
// NoRedo writes nothing and never advances the watermark; its commits
// wait on WaitNextCheckpoint instead, and callers pick between the two
// by the configured mode.
func (l *RedoLog) WaitDurable(position uint64) {
	l.mu.Lock()
	if position <= l.durable {
		l.mu.Unlock()
		return
	}
	w := &pendingWaiter{position: position, done: make(chan struct{})}
	l.pending = append(l.pending, w)
	l.mu.Unlock()
	<-w.done
}

// WaitNextCheckpoint blocks until the next call to AdvanceCheckpointFence,
// the durability boundary for NoRedo-mode commits (which leave no redo
// record to wait on).
func (l *RedoLog) WaitNextCheckpoint() {
	l.mu.Lock()
	ch := make(chan struct{})
	l.ckptWaiters = append(l.ckptWaiters, ch)
	l.mu.Unlock()
	<-ch
}

// AdvanceCheckpointFence wakes every caller parked in WaitNextCheckpoint,
// called by the checkpoint coordinator after a successful Run.
func (l *RedoLog) AdvanceCheckpointFence() {
	l.mu.Lock()
	waiters := l.ckptWaiters
	l.ckptWaiters = nil
	l.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Flush pushes any buffered bytes to the OS without fsyncing, used by
// NoFlush mode's periodic catch-up and by the checkpoint coordinator
// before it reads the log's current position.
func (l *RedoLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	l.advanceDurableLocked(l.position)
	return nil
}

// Sync fsyncs the underlying file.
func (l *RedoLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	l.advanceDurableLocked(l.position)
	return nil
}

// Position returns the current write offset.
func (l *RedoLog) Position() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// Close flushes and closes the log file.
func (l *RedoLog) Close() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	ckptWaiters := l.ckptWaiters
	l.ckptWaiters = nil
	err := l.w.Flush()
	closeErr := l.f.Close()
	l.mu.Unlock()

	// Release anyone parked waiting for durability or a checkpoint: the
	// log is going away, so neither will ever arrive on its own.
	for _, w := range pending {
		close(w.done)
	}
	for _, ch := range ckptWaiters {
		close(ch)
	}
	if err != nil {
		return err
	}
	return closeErr
}

// Mode reports the log's configured durability mode.
func (l *RedoLog) Mode() DurabilityMode { return l.mode }

// ReadAll replays every well-formed record from the start of the log. It
// stops at the first record whose checksum or length framing is invalid,
// which is exactly the torn tail left by a crash mid-append — everything
// up to that point is trusted.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []Record
	for {
		hdr := make([]byte, recordHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			break
		}
		plen := binary.BigEndian.Uint32(hdr[9:13])
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		crc := crc32.Checksum(hdr[:13], crcTable)
		crc = crc32.Update(crc, crcTable, payload)
		if crc != binary.BigEndian.Uint32(hdr[13:17]) {
			break
		}
		records = append(records, Record{
			Op:      Op(hdr[0]),
			TxID:    binary.BigEndian.Uint64(hdr[1:9]),
			Payload: payload,
		})
	}
	return records, nil
}

// Truncate discards the log contents. No engine component calls it:
// checkpoints leave the log in place, and Recover skips the records
// before the checkpoint position instead.
func Truncate(path string) error {
	return os.Truncate(path, 0)
}
