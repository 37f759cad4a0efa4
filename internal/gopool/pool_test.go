package gopool

import (
	"errors"
	"testing"
)

// fakeConnector hands back a controllable Promise per Connect call so
// tests can resolve connects in whatever order they like, and keeps the
// ConnectListener so tests can simulate OnRemove/OnConcurrencyChange.
type fakeConnector struct {
	promises  []*Promise
	listeners []ConnectListener
	conns     []int // not filled by Connect; tests pass payloads to resolve
}

func (c *fakeConnector) Connect(ctx Context, listener ConnectListener) Future {
	p := NewPromise()
	c.promises = append(c.promises, p)
	c.listeners = append(c.listeners, listener)
	return p
}

func (c *fakeConnector) IsValid(connection interface{}) bool { return true }

func (c *fakeConnector) resolve(i int, conn interface{}, concurrency, weight int) {
	c.promises[i].Resolve(ConnectResult{Connection: conn, Concurrency: concurrency, Weight: weight})
}

func (c *fakeConnector) reject(i int, err error) {
	c.promises[i].Reject(err)
}

func TestAcquireServesFromNewConnection(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{2}, 0)

	var lease *Lease
	var gotErr error
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, err error) {
		lease, gotErr = l, err
	})

	if lease != nil || gotErr != nil {
		t.Fatalf("sink fired before connect resolved: lease=%v err=%v", lease, gotErr)
	}

	conn.resolve(0, "conn-1", 1, 1)

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if lease == nil {
		t.Fatal("expected a lease after connect resolves")
	}
	if got := lease.Get(); got != "conn-1" {
		t.Errorf("lease.Get() = %v, want conn-1", got)
	}
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
	if p.Capacity() != 1 {
		t.Errorf("Capacity() = %d, want 1", p.Capacity())
	}
}

func TestAcquireTooBusy(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	// First acquire binds immediately to a new CONNECTING slot (its
	// connect never resolves in this test), so it never touches the
	// waiter queue.
	p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	// Second acquire has no eligible slot and the kind is already at its
	// reserved capacity, so it queues — filling the one waiter slot.
	p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	var err error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { err = e })

	if !errors.Is(err, ErrTooBusy) {
		t.Fatalf("err = %v, want ErrTooBusy", err)
	}
	var tb *TooBusyError
	if !errors.As(err, &tb) {
		t.Fatalf("err does not unwrap to *TooBusyError: %v", err)
	}
}

func TestAcquireRejectedAfterClose(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 0)

	p.Close(InlineContext{}, func([]CloseResult, error) {})

	var err error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { err = e })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestFailedConnectFreesReservedWeight(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 2)

	var err error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { err = e })

	if p.Capacity() != 1 {
		t.Fatalf("Capacity() while connecting = %d, want 1 (provisional reservation)", p.Capacity())
	}

	causeErr := errors.New("dial failed")
	conn.reject(0, causeErr)

	var connErr *ConnectError
	if !errors.As(err, &connErr) || !errors.Is(connErr.Cause, causeErr) {
		t.Fatalf("err = %v, want wrapped %v", err, causeErr)
	}
	if p.Capacity() != 0 {
		t.Errorf("Capacity() after failed connect = %d, want 0", p.Capacity())
	}
}

func TestCrossKindWaiterKeepsOwnConnectingSlotWhenFirstFails(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1, 2}, 2)

	var errA, errB error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { errA = e })
	p.Acquire(InlineContext{}, 1, nil, func(_ *Lease, e error) { errB = e })

	if len(conn.promises) != 2 {
		t.Fatalf("expected 2 concurrent connect attempts, got %d", len(conn.promises))
	}

	conn.reject(0, errors.New("boom"))
	if errA == nil {
		t.Fatal("waiter A should have failed")
	}
	if errB != nil {
		t.Fatal("waiter B should still be pending")
	}
	if p.Capacity() != 1 {
		t.Errorf("Capacity() after A fails = %d, want 1 (B's provisional reservation)", p.Capacity())
	}
}

func TestCancelRemovesQueuedWaiter(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 2)

	// Occupy the only slot so the next acquire stays queued.
	p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	var cancelled bool
	w := p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	p.Cancel(w, func(ok bool, err error) {
		cancelled = ok
		if err != nil {
			t.Fatalf("unexpected cancel error: %v", err)
		}
	})
	if !cancelled {
		t.Fatal("expected Cancel to report true for a still-queued waiter")
	}

	var again bool
	p.Cancel(w, func(ok bool, err error) { again = ok })
	if again {
		t.Error("cancelling an already-cancelled waiter should report false")
	}
}

func TestCancelReturnsFalseOnceCompleted(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	var lease *Lease
	w := p.Acquire(InlineContext{}, 0, nil, func(l *Lease, err error) { lease = l })
	conn.resolve(0, "c1", 1, 1)
	if lease == nil {
		t.Fatal("setup: expected lease")
	}

	var ok bool
	p.Cancel(w, func(o bool, _ error) { ok = o })
	if ok {
		t.Error("Cancel on a completed waiter must report false")
	}
}

func TestRecycleTwiceFails(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	var lease *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { lease = l })
	conn.resolve(0, "c1", 1, 1)

	if err := lease.Recycle(); err != nil {
		t.Fatalf("first Recycle: %v", err)
	}
	if err := lease.Recycle(); !errors.Is(err, ErrAlreadyRecycled) {
		t.Fatalf("second Recycle = %v, want ErrAlreadyRecycled", err)
	}
}

func TestRecycleUnblocksQueuedWaiter(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 2)

	var leaseA *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { leaseA = l })
	conn.resolve(0, "c1", 1, 1)

	var leaseB *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { leaseB = l })
	if leaseB != nil {
		t.Fatal("second waiter should be queued behind the single-concurrency slot")
	}

	if err := leaseA.Recycle(); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if leaseB == nil {
		t.Fatal("recycling should have served the queued waiter from the freed slot")
	}
	if leaseB.Get() != "c1" {
		t.Errorf("leaseB.Get() = %v, want c1", leaseB.Get())
	}
}

func TestEvictOrdersNewestIdleFirst(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{2}, 2)

	var l1, l2 *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { l1 = l })
	conn.resolve(0, "c1", 1, 1)
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { l2 = l })
	conn.resolve(1, "c2", 1, 1)

	if err := l1.Recycle(); err != nil {
		t.Fatalf("recycle c1: %v", err)
	}
	if err := l2.Recycle(); err != nil {
		t.Fatalf("recycle c2: %v", err)
	}

	var evicted []interface{}
	p.Evict(InlineContext{}, func(interface{}) bool { return true }, func(ev []interface{}, err error) {
		evicted, _ = ev, err
	})

	if len(evicted) != 2 || evicted[0] != "c2" || evicted[1] != "c1" {
		t.Errorf("evicted = %v, want [c2 c1]", evicted)
	}
	if p.Size() != 0 {
		t.Errorf("Size() after full evict = %d, want 0", p.Size())
	}
}

func TestEvictSkipsPinnedSlot(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	var lease *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { lease = l })
	conn.resolve(0, "c1", 1, 1)

	lease.Pin("warming")
	if err := lease.Recycle(); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	var evicted []interface{}
	p.Evict(InlineContext{}, func(interface{}) bool { return true }, func(ev []interface{}, _ error) {
		evicted = ev
	})
	if len(evicted) != 0 {
		t.Errorf("evicted = %v, want none (slot still pinned)", evicted)
	}
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1 (pinned slot survives eviction)", p.Size())
	}
}

func TestCloseFailsQueuedWaiters(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 2)

	// Occupy the only slot so the next acquire stays queued.
	p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	var err error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { err = e })

	p.Close(InlineContext{}, func([]CloseResult, error) {})

	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("queued waiter err = %v, want ErrPoolClosed", err)
	}
}

func TestCloseWaitsForPendingConnect(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	p.Acquire(InlineContext{}, 0, nil, func(*Lease, error) {})

	var results []CloseResult
	var closed bool
	p.Close(InlineContext{}, func(r []CloseResult, _ error) {
		results = r
		closed = true
	})
	if closed {
		t.Fatal("Close must wait for the in-flight connect before firing its sink")
	}

	conn.resolve(0, "c1", 1, 1)
	if !closed {
		t.Fatal("Close sink should fire once the pending connect resolves")
	}
	if len(results) != 1 || results[0].Connection != "c1" {
		t.Errorf("results = %+v, want one CloseResult{Connection: c1}", results)
	}
}

func TestDoubleCloseFails(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	p.Close(InlineContext{}, func([]CloseResult, error) {})

	var err error
	p.Close(InlineContext{}, func(_ []CloseResult, e error) { err = e })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("second Close err = %v, want ErrPoolClosed", err)
	}
}

func TestConcurrencyIncreaseUnblocksQueuedWaiter(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 2)

	var l1 *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { l1 = l })
	conn.resolve(0, "c1", 1, 1)

	var l2 *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { l2 = l })
	if l2 != nil {
		t.Fatal("waiter should be queued: slot is at capacity")
	}

	conn.listeners[0].OnConcurrencyChange(2)

	if l2 == nil {
		t.Fatal("raising concurrency should have served the queued waiter")
	}
	_ = l1
}

func TestOnRemoveDuringConnectFailsWaiter(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	var err error
	p.Acquire(InlineContext{}, 0, nil, func(_ *Lease, e error) { err = e })

	conn.listeners[0].OnRemove()

	if err == nil {
		t.Fatal("expected the bound waiter to fail once its connecting slot is removed")
	}
	if p.Capacity() != 0 {
		t.Errorf("Capacity() after on_remove = %d, want 0", p.Capacity())
	}
}

func TestOnRemoveAvailableSlotBlocksFurtherLeasesButKeepsOutstanding(t *testing.T) {
	conn := &fakeConnector{}
	p := NewPool(conn, []int{1}, 1)

	var lease *Lease
	p.Acquire(InlineContext{}, 0, nil, func(l *Lease, _ error) { lease = l })
	conn.resolve(0, "c1", 2, 1)

	conn.listeners[0].OnRemove()

	if lease.Get() != "c1" {
		t.Error("a lease already issued before on_remove must remain valid")
	}
	// A REMOVED slot no longer counts toward Size/Capacity even while an
	// outstanding lease against it is still valid; it is purged from the
	// arena once that lease recycles.
	if p.Size() != 0 {
		t.Errorf("Size() = %d, want 0 (removed slot excluded from size)", p.Size())
	}

	if err := lease.Recycle(); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if p.Size() != 0 {
		t.Errorf("Size() after recycle = %d, want 0 (removed slot purged once unused)", p.Size())
	}
}
