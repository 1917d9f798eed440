package tupl

import (
	"time"

	"github.com/tuplgo/tupl/internal/dbevent"
)

// PageArray describes a page-granular storage medium. Open does not
// accept one: a Database's page store is built on internal/page.Array, a
// byte-offset contract whose one shipped implementation is a plain OS
// file.
type PageArray interface {
	PageSize() uint32
	PageCount() uint64
	ReadPage(id uint64, buf []byte) error
	WritePage(id uint64, buf []byte) error
	Sync(metadata []byte) error
	Close() error
}

// ReplicationManager is the collaborator interface for an external
// replication subsystem. Only its shape is specified here — no wire
// implementation ships with the core; a standalone embedder runs with
// ReplicationManager nil and never waits on ReplicationWaitTimeout.
type ReplicationManager interface {
	Writer(position uint64) (ReplicationOutput, error)
	Reader(position uint64) (ReplicationInput, error)
	Confirm(position uint64, timeout time.Duration) error
	SyncConfirm(position uint64, timeout time.Duration) error
	Flip() error
	Checkpointed(position uint64) error
}

// ReplicationOutput is the write side of a replication stream.
type ReplicationOutput interface {
	Write(p []byte) (int, error)
	Position() uint64
}

// ReplicationInput is the read side of a replication stream.
type ReplicationInput interface {
	Read(p []byte) (int, error)
}

// EventListener receives diagnostic lifecycle notifications from the
// engine; it must not block. This is an alias for dbevent.Listener so
// embedders configuring a Database don't need to import the internal
// package directly.
type EventListener = dbevent.Listener

// Crypto is the collaborator interface for page-at-rest encryption.
// Stateless: every call carries the page id so an implementation can
// derive a unique nonce per page without retaining state between calls.
type Crypto interface {
	EncryptPage(id uint64, pageSize uint32, in []byte) (out []byte, err error)
	DecryptPage(id uint64, pageSize uint32, in []byte) (out []byte, err error)
}
