package pool_test

import (
	"testing"
	"time"

	"github.com/holytls/holytls/connection"
	"github.com/holytls/holytls/pool"
)

type fakeConn struct {
	capacity bool
	state    connection.State
	closed   bool
}

func (f *fakeConn) HasCapacity() bool       { return f.capacity }
func (f *fakeConn) State() connection.State { return f.state }
func (f *fakeConn) Close() error            { f.closed = true; return nil }

func TestHostPool_AcquireSkipsSaturatedEntries(t *testing.T) {
	hp := pool.NewHostPool(2)
	saturated := &fakeConn{capacity: false, state: connection.StateConnected}
	free := &fakeConn{capacity: true, state: connection.StateConnected}
	hp.Add(saturated)
	hp.Add(free)

	c, ok := hp.Acquire()
	if !ok || c != free {
		t.Fatalf("Acquire() = %v, %v; want free entry", c, ok)
	}
}

func TestHostPool_AddRespectsCapacity(t *testing.T) {
	hp := pool.NewHostPool(1)
	if !hp.Add(&fakeConn{capacity: true, state: connection.StateConnected}) {
		t.Fatal("first Add() = false, want true")
	}
	if hp.Add(&fakeConn{capacity: true, state: connection.StateConnected}) {
		t.Fatal("second Add() = true, want false at capacity")
	}
	if hp.CanCreate() {
		t.Fatal("CanCreate() = true at capacity, want false")
	}
}

func TestHostPool_RemoveClosesAndDrops(t *testing.T) {
	hp := pool.NewHostPool(2)
	c := &fakeConn{capacity: true, state: connection.StateConnected}
	hp.Add(c)
	hp.Remove(c)

	if !c.closed {
		t.Fatal("Remove() did not close the connection")
	}
	if hp.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Remove", hp.Len())
	}
	if _, ok := hp.Acquire(); ok {
		t.Fatal("Acquire() succeeded after Remove")
	}
}

func TestHostPool_ReapIdleClosesStaleIdleEntries(t *testing.T) {
	hp := pool.NewHostPool(2)
	idle := &fakeConn{capacity: true, state: connection.StateConnected}
	busy := &fakeConn{capacity: false, state: connection.StateConnected}
	hp.Add(idle)
	hp.Add(busy)

	reaped := hp.ReapIdle(0)
	if len(reaped) != 1 || reaped[0] != idle {
		t.Fatalf("ReapIdle() reaped %v, want only the idle entry", reaped)
	}
	if !idle.closed {
		t.Fatal("ReapIdle() did not close the idle entry")
	}
	if busy.closed {
		t.Fatal("ReapIdle() closed a busy (non-HasCapacity) entry")
	}
	if hp.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after reap", hp.Len())
	}
}

func TestHostPool_ReapIdleSparesRecentlyUsedEntries(t *testing.T) {
	hp := pool.NewHostPool(2)
	c := &fakeConn{capacity: true, state: connection.StateConnected}
	hp.Add(c)
	hp.MarkUsed(c)

	reaped := hp.ReapIdle(time.Hour)
	if len(reaped) != 0 {
		t.Fatalf("ReapIdle() reaped %d entries, want 0 for a just-used entry", len(reaped))
	}
}

func TestQuicHostPool_BehavesLikeHostPool(t *testing.T) {
	qp := pool.NewQuicHostPool(1)
	c := &fakeConn{capacity: true, state: connection.StateConnected}
	if !qp.Add(c) {
		t.Fatal("Add() = false, want true")
	}
	if got, ok := qp.Acquire(); !ok || got != c {
		t.Fatalf("Acquire() = %v, %v; want the added entry", got, ok)
	}
}
