// Package checkpoint implements the checkpoint coordinator: it
// periodically flushes dirty cache pages, advances the durable redo
// position, and installs a new superblock, bounding how much redo log a
// crash would need to replay.
package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tuplgo/tupl/internal/dbevent"
	"github.com/tuplgo/tupl/internal/page"
)

// Cache is the subset of *cache.Cache a checkpoint needs.
type Cache interface {
	// SwapGeneration flips the cache's dirty-state tag and returns the
	// generation that was active up to the call — the one this
	// checkpoint must now flush.
	SwapGeneration() uint32
	// FlushGeneration writes out every page still tagged with gen.
	FlushGeneration(gen uint32) (int, error)
}

// Store is the subset of *page.Store a checkpoint needs.
type Store interface {
	Superblock() page.Superblock
	Commit(sb page.Superblock) error
	Sync() error
	FlushFreeList() (page.ID, error)
	// LockCommit/UnlockCommit bracket the exclusive window in which the
	// checkpoint captures the redo position and swaps the cache's
	// dirty-generation tag; writers marking a page dirty hold the
	// shared side of the same lock.
	LockCommit()
	UnlockCommit()
}

// Redo is the subset of *walog.RedoLog a checkpoint needs.
type Redo interface {
	Flush() error
	Position() uint64
	// AdvanceCheckpointFence releases any NoRedo-mode commit parked
	// waiting for this checkpoint to complete.
	AdvanceCheckpointFence()
}

// RegistryRoot returns the current root page of the index registry the
// superblock should point at. The root package supplies this, since only
// it knows the live set of open indexes.
type RegistryRoot func() page.ID

// Result reports the outcome of one checkpoint run.
type Result struct {
	PagesFlushed int
	CommitNumber uint64
	RedoPosition uint64
	Duration     time.Duration
}

// Config configures a Coordinator.
type Config struct {
	Cache        Cache
	Store        Store
	Redo         Redo
	RegistryRoot RegistryRoot
	// Events, if non-nil, receives a CheckpointCompleted notification
	// after every successful Run.
	Events dbevent.Listener

	// Interval is how often the background trigger fires. Zero disables
	// the periodic trigger; Run can still be called directly.
	Interval time.Duration

	// SizeThreshold forces an out-of-band checkpoint once the redo log
	// has grown this many bytes past the last checkpoint's position.
	// Zero disables size-based triggering.
	SizeThreshold uint64
}

// Coordinator owns the checkpoint cadence and serializes runs: only one
// checkpoint executes at a time, and a Pause suspends both the periodic
// trigger and any size-triggered runs until Resume.
type Coordinator struct {
	cache        Cache
	store        Store
	redo         Redo
	registryRoot RegistryRoot
	threshold    uint64
	events       dbevent.Listener

	runMu sync.Mutex // serializes Run invocations

	mu          sync.Mutex
	paused      bool
	lastPos     uint64
	lastResult  Result
	cr          *cron.Cron
}

// New builds a Coordinator and starts its periodic trigger, if
// cfg.Interval is nonzero.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		cache:        cfg.Cache,
		store:        cfg.Store,
		redo:         cfg.Redo,
		registryRoot: cfg.RegistryRoot,
		threshold:    cfg.SizeThreshold,
		events:       cfg.Events,
	}
	if cfg.Interval > 0 {
		c.cr = cron.New()
		c.cr.Schedule(cron.Every(cfg.Interval), cron.FuncJob(c.triggerLocked))
		c.cr.Start()
	}
	return c
}

func (c *Coordinator) triggerLocked() {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return
	}
	c.Run()
}

// MaybeCheckpoint runs a checkpoint if the redo log has grown past
// SizeThreshold since the last run. Transaction commit paths call this
// after appending a commit record, matching the teacher's pattern of a
// cheap check on the hot path deferring to the real work only when a
// threshold is crossed.
func (c *Coordinator) MaybeCheckpoint() (bool, error) {
	if c.threshold == 0 {
		return false, nil
	}
	c.mu.Lock()
	paused := c.paused
	last := c.lastPos
	c.mu.Unlock()
	if paused {
		return false, nil
	}
	if c.redo.Position() < last+c.threshold {
		return false, nil
	}
	_, err := c.Run()
	return err == nil, err
}

// Run executes one checkpoint synchronously, following the sequence:
// acquire the page store's commit lock, capture the redo position and
// swap the cache's dirty-generation tag atomically, release the lock so
// writers resume, then flush the now-old generation's dirty pages, the
// free list, and finally install a new superblock naming the captured
// redo position and current registry root.
func (c *Coordinator) Run() (Result, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now()

	if err := c.redo.Flush(); err != nil {
		return Result{}, fmt.Errorf("checkpoint: flush redo log: %w", err)
	}

	c.store.LockCommit()
	pos := c.redo.Position()
	oldGen := c.cache.SwapGeneration()
	c.store.UnlockCommit()

	flushed, err := c.cache.FlushGeneration(oldGen)
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: flush dirty pages: %w", err)
	}

	freeListHead, err := c.store.FlushFreeList()
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: flush free list: %w", err)
	}

	if err := c.store.Sync(); err != nil {
		return Result{}, fmt.Errorf("checkpoint: sync page store: %w", err)
	}

	sb := c.store.Superblock()
	sb.FreeListHead = freeListHead
	sb.RedoPosition = pos
	if c.registryRoot != nil {
		sb.RegistryRoot = c.registryRoot()
	}

	c.store.LockCommit()
	err = c.store.Commit(sb)
	c.store.UnlockCommit()
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: commit superblock: %w", err)
	}

	result := Result{
		PagesFlushed: flushed,
		CommitNumber: sb.CommitNumber,
		RedoPosition: pos,
		Duration:     time.Since(start),
	}

	c.mu.Lock()
	c.lastPos = pos
	c.lastResult = result
	c.mu.Unlock()

	c.redo.AdvanceCheckpointFence()

	if c.events != nil {
		c.events.Notify(dbevent.Event{
			Kind:         dbevent.CheckpointCompleted,
			PagesFlushed: flushed,
			RedoPosition: pos,
		})
	}

	return result, nil
}

// Pause suspends the periodic and size-based triggers. In-flight Run
// calls are unaffected; callers performing a maintenance operation that
// conflicts with a checkpoint (e.g. a page store compaction) should pair
// this with Resume.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables the triggers suspended by Pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// LastResult returns the outcome of the most recently completed run.
func (c *Coordinator) LastResult() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Close stops the periodic trigger, if one was started.
func (c *Coordinator) Close() {
	if c.cr != nil {
		ctx := c.cr.Stop()
		<-ctx.Done()
	}
}
