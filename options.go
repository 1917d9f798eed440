package tupl

import (
	"time"

	"github.com/tuplgo/tupl/internal/walog"
)

// Options configures Open. Zero-valued fields take the engine's built-in
// defaults; see internal/config for a YAML-loadable equivalent.
type Options struct {
	// DataDir is the directory holding the primary database file and the
	// redo log. Required.
	DataDir string

	// PageSize is the fixed page size in bytes, a power of two. Default
	// 4096.
	PageSize uint32

	// CachePages is the total number of pages the node cache may hold
	// resident across all partitions. Default 4096.
	CachePages int
	// CachePartitions is the number of independent cache shards. Default
	// 8.
	CachePartitions int

	// Durability selects the redo log's flush behavior. Default Sync.
	Durability walog.DurabilityMode
	// LockTimeout bounds how long Acquire waits before failing with
	// LockTimeout. Default 5s.
	LockTimeout time.Duration

	// CheckpointInterval is how often the background checkpoint trigger
	// fires. Zero means the default, 30s; a negative value disables the
	// periodic trigger (manual checkpoints via Database.Checkpoint still
	// work).
	CheckpointInterval time.Duration
	// CheckpointSizeThreshold forces a checkpoint once the redo log has
	// grown this many bytes since the last one. Zero means the default,
	// 64 MiB; no value disables size-based triggering.
	CheckpointSizeThreshold uint64

	// Comparator is recorded on every index the Database opens. Nil means
	// DefaultComparator. Trees store and scan keys in unsigned byte order
	// whichever Comparator is set.
	Comparator Comparator

	// EventListener receives diagnostic lifecycle notifications. Nil
	// means a LogListener writing to log.Default().
	EventListener EventListener

	// Crypto is not consulted by Open: setting it does not enable page
	// encryption, which only EncryptionKey turns on.
	Crypto Crypto
	// EncryptionKey, if non-empty, must be exactly 32 bytes and enables
	// the engine's built-in ChaCha20-Poly1305 page encryption codec,
	// whether or not Crypto is set.
	EncryptionKey []byte

	// ReplicationManager is kept with the Options but not consulted:
	// commits never wait for replication confirmation.
	ReplicationManager ReplicationManager
	// ReplicationWaitTimeout defaults to 30s; no commit path waits on it.
	ReplicationWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.CachePages == 0 {
		o.CachePages = 4096
	}
	if o.CachePartitions == 0 {
		o.CachePartitions = 8
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = 30 * time.Second
	}
	if o.CheckpointSizeThreshold == 0 {
		o.CheckpointSizeThreshold = 64 << 20
	}
	if o.Comparator == nil {
		o.Comparator = DefaultComparator
	}
	if o.ReplicationWaitTimeout == 0 {
		o.ReplicationWaitTimeout = 30 * time.Second
	}
	return o
}
