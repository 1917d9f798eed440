// Package dbevent defines the engine's diagnostic event surface: a small
// set of lifecycle notifications (checkpoint completed, deadlock broken,
// recovery progress) an embedder can subscribe to, with a default
// listener that logs them in human-readable form.
package dbevent

import (
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// Kind identifies the category of an Event.
type Kind uint8

const (
	CheckpointCompleted Kind = iota
	DeadlockBroken
	RecoveryStarted
	RecoveryCompleted
	PageStoreCompacted
)

func (k Kind) String() string {
	switch k {
	case CheckpointCompleted:
		return "checkpoint_completed"
	case DeadlockBroken:
		return "deadlock_broken"
	case RecoveryStarted:
		return "recovery_started"
	case RecoveryCompleted:
		return "recovery_completed"
	case PageStoreCompacted:
		return "page_store_compacted"
	default:
		return "unknown"
	}
}

// Event is one diagnostic notification raised by the engine. Not every
// field is populated for every Kind.
type Event struct {
	Kind Kind
	At   time.Time

	PagesFlushed   int
	PagesReclaimed int
	BytesReclaimed int64
	RedoPosition   uint64

	Victim string
	Cycle  int

	Message string
}

// Listener receives engine diagnostic events. Implementations must not
// block: the engine calls Notify synchronously from whatever goroutine
// raised the event (a checkpoint run, a transaction reporting a lock
// timeout or deadlock, a recovery pass).
type Listener interface {
	Notify(Event)
}

// LogListener is the default Listener: it formats events onto a
// *log.Logger, using humanize for byte counts so operators reading the
// log don't have to do arithmetic.
type LogListener struct {
	Logger *log.Logger
}

// NewLogListener returns a LogListener writing to logger, or to
// log.Default() if logger is nil.
func NewLogListener(logger *log.Logger) *LogListener {
	if logger == nil {
		logger = log.Default()
	}
	return &LogListener{Logger: logger}
}

// Notify formats e and writes it to the listener's logger.
func (l *LogListener) Notify(e Event) {
	switch e.Kind {
	case CheckpointCompleted:
		l.Logger.Printf("checkpoint: flushed %d pages, redo position %s",
			e.PagesFlushed, humanize.Bytes(e.RedoPosition))
	case DeadlockBroken:
		l.Logger.Printf("lock: deadlock broken, victim=%s cycle_length=%d", e.Victim, e.Cycle)
	case RecoveryStarted:
		l.Logger.Printf("recovery: starting replay")
	case RecoveryCompleted:
		l.Logger.Printf("recovery: replay complete, %s", e.Message)
	case PageStoreCompacted:
		l.Logger.Printf("compact: reclaimed %d pages (%s)",
			e.PagesReclaimed, humanize.Bytes(uint64(e.BytesReclaimed)))
	default:
		l.Logger.Printf("%s: %s", e.Kind, e.Message)
	}
}

// NopListener discards every event, for embedders that don't want
// diagnostic logging at all.
type NopListener struct{}

// Notify implements Listener by doing nothing.
func (NopListener) Notify(Event) {}

// Broadcaster fans a single Notify out to every attached Listener, so the
// engine itself only ever needs to hold one.
type Broadcaster struct {
	listeners []Listener
}

// NewBroadcaster returns a Broadcaster fanning out to the given
// listeners, in order.
func NewBroadcaster(listeners ...Listener) *Broadcaster {
	return &Broadcaster{listeners: listeners}
}

// Notify calls Notify(e) on every attached listener.
func (b *Broadcaster) Notify(e Event) {
	for _, l := range b.listeners {
		l.Notify(e)
	}
}
