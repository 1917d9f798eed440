package dbevent

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLogListenerFormatsCheckpoint(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogListener(log.New(&buf, "", 0))

	l.Notify(Event{Kind: CheckpointCompleted, PagesFlushed: 12, RedoPosition: 2048})

	out := buf.String()
	if !strings.Contains(out, "checkpoint") || !strings.Contains(out, "12 pages") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestBroadcasterFansOutToAllListeners(t *testing.T) {
	var a, b int
	counter := func(n *int) Listener { return listenerFunc(func(Event) { *n++ }) }

	bc := NewBroadcaster(counter(&a), counter(&b))
	bc.Notify(Event{Kind: DeadlockBroken})

	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d, want 1,1", a, b)
	}
}

type listenerFunc func(Event)

func (f listenerFunc) Notify(e Event) { f(e) }

func TestNopListenerDoesNothing(t *testing.T) {
	NopListener{}.Notify(Event{Kind: RecoveryStarted})
}
