package lock

import (
	"testing"
	"time"
)

func TestSharedLocksCoexist(t *testing.T) {
	m := New(Config{Timeout: time.Second})
	defer m.Close()

	k := NewKey(1, []byte("row"))
	a, b := NewOwner(), NewOwner()

	if err := m.Acquire(k, a, Shared); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if err := m.Acquire(k, b, Shared); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New(Config{Timeout: 100 * time.Millisecond})
	defer m.Close()

	k := NewKey(1, []byte("row"))
	a, b := NewOwner(), NewOwner()

	if err := m.Acquire(k, a, Exclusive); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}

	err := m.Acquire(k, b, Shared)
	if err == nil {
		t.Fatal("expected timeout while exclusive lock is held")
	}
	if _, ok := err.(*ErrTimeout); !ok {
		t.Fatalf("err = %v, want *ErrTimeout", err)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	defer m.Close()

	k := NewKey(1, []byte("row"))
	a, b := NewOwner(), NewOwner()

	if err := m.Acquire(k, a, Exclusive); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Acquire(k, b, Exclusive) }()

	time.Sleep(20 * time.Millisecond)
	m.Release(k, a)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter Acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := New(Config{Timeout: 2 * time.Second})
	defer m.Close()

	k1 := NewKey(1, []byte("row1"))
	k2 := NewKey(1, []byte("row2"))
	a, b := NewOwner(), NewOwner()

	if err := m.Acquire(k1, a, Exclusive); err != nil {
		t.Fatalf("a acquires k1: %v", err)
	}
	if err := m.Acquire(k2, b, Exclusive); err != nil {
		t.Fatalf("b acquires k2: %v", err)
	}

	errs := make(chan error, 2)
	go func() { errs <- m.Acquire(k2, a, Exclusive) }()
	go func() { errs <- m.Acquire(k1, b, Exclusive) }()

	var sawDeadlock bool
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if _, ok := err.(*ErrDeadlock); ok {
				sawDeadlock = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("deadlock was never detected")
		}
	}
	if !sawDeadlock {
		t.Fatal("expected one waiter to receive ErrDeadlock")
	}
}
