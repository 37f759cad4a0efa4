package gopool

import (
	"fmt"
	"sync"
)

// CloseResult is one entry of the list a Close sink receives: either
// the connection belonging to a slot that existed when close began, or
// the cause of a still-in-flight connect that resolved in failure.
type CloseResult struct {
	Connection interface{}
	Err        error
}

type arenaEntry struct {
	generation uint64
	slot       *Slot
}

type postAction struct {
	ctx Context
	fn  func()
}

// Pool owns an arena of Slots and a fifo queue of Waiters for
// one capacity vector. All exported methods are safe to call from any
// goroutine; every state transition is serialized internally and every
// user callback is dispatched outside the critical section, on the
// context the caller supplied.
type Pool struct {
	mu sync.Mutex

	connector  Connector
	maxPerKind []int
	maxWaiters int
	selector   Selector

	arena    []arenaEntry
	freeList []int
	idleOrder []int

	queue        []*Waiter
	nextWaiterID uint64

	closed                 bool
	closeCtx               Context
	closeSink              func([]CloseResult, error)
	closeResults           []CloseResult
	pendingConnectsAtClose int

	pending  []postAction
	draining bool
}

// NewPool constructs a Pool backed by connector, with a per-kind
// capacity vector and a total waiter-queue limit. If maxWaiters <= 0 it
// defaults to the sum of maxPerKind.
func NewPool(connector Connector, maxPerKind []int, maxWaiters int) *Pool {
	caps := make([]int, len(maxPerKind))
	copy(caps, maxPerKind)

	if maxWaiters <= 0 {
		sum := 0
		for _, m := range caps {
			sum += m
		}
		maxWaiters = sum
	}

	return &Pool{
		connector:  connector,
		maxPerKind: caps,
		maxWaiters: maxWaiters,
		selector:   DefaultSelector,
	}
}

// SetSelector replaces the matching policy. A nil selector restores
// DefaultSelector. The replacement affects subsequent match-loop
// iterations only.
func (p *Pool) SetSelector(s Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == nil {
		s = DefaultSelector
	}
	p.selector = s
}

// ── Trampoline ──────────────────────────────────────────────────────────

// runLocked runs fn with the critical section held, then — if this call
// is not itself nested inside an already-running drain — drains the
// post-action queue. Nested calls (e.g. a sink re-entering Acquire)
// simply enqueue more post-actions for the outermost drain to pick up.
func (p *Pool) runLocked(fn func()) {
	p.mu.Lock()
	fn()
	outermost := !p.draining
	if outermost {
		p.draining = true
	}
	p.mu.Unlock()

	if outermost {
		p.drain()
	}
}

func (p *Pool) drain() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		action := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		action.ctx.Execute(action.fn)
	}
}

// schedule must be called with p.mu held.
func (p *Pool) schedule(ctx Context, fn func()) {
	p.pending = append(p.pending, postAction{ctx: ctx, fn: fn})
}

// ── Arena ───────────────────────────────────────────────────────────────

// liveSlot must be called with p.mu held.
func (p *Pool) liveSlot(index int, generation uint64) *Slot {
	if index < 0 || index >= len(p.arena) {
		return nil
	}
	entry := &p.arena[index]
	if entry.slot == nil || entry.generation != generation {
		return nil
	}
	return entry.slot
}

func (p *Pool) allocArenaIndex() int {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx
	}
	p.arena = append(p.arena, arenaEntry{generation: 1})
	return len(p.arena) - 1
}

func (p *Pool) purgeSlot(slot *Slot) {
	p.unmarkIdle(slot)
	entry := &p.arena[slot.index]
	entry.slot = nil
	entry.generation++
	p.freeList = append(p.freeList, slot.index)
}

func (p *Pool) markIdle(slot *Slot) {
	p.idleOrder = append(p.idleOrder, slot.index)
}

func (p *Pool) unmarkIdle(slot *Slot) {
	for i, idx := range p.idleOrder {
		if idx == slot.index {
			p.idleOrder = append(p.idleOrder[:i], p.idleOrder[i+1:]...)
			return
		}
	}
}

func (p *Pool) committedWeight(kind int) int {
	total := 0
	for i := range p.arena {
		s := p.arena[i].slot
		if s != nil && s.state != SlotRemoved && s.kind == kind {
			total += s.weight
		}
	}
	return total
}

func (p *Pool) canOpenSlot(kind int) bool {
	if kind < 0 || kind >= len(p.maxPerKind) {
		return false
	}
	return p.committedWeight(kind)+1 <= p.maxPerKind[kind]
}

func (p *Pool) eligibleSlots(kind int) []*Slot {
	var out []*Slot
	for i := range p.arena {
		s := p.arena[i].slot
		if s == nil {
			continue
		}
		if s.state == SlotAvailable && s.kind == kind && s.used < s.concurrency {
			out = append(out, s)
		}
	}
	return out
}

// ── Match loop ────────────────────────────────────────────────────────

// runMatchLoop must be called with p.mu held. It implements the
// algorithm from §4.1: repeatedly serve the head waiter from an
// eligible slot; the first time the head waiter cannot be served
// immediately, either open a new connect for it or leave it queued, and
// stop either way.
func (p *Pool) runMatchLoop() {
	for {
		if p.closed || len(p.queue) == 0 {
			return
		}
		w := p.queue[0]

		if s := p.selector(w, p.eligibleSlots(w.kind)); s != nil {
			p.queue = p.queue[1:]
			if s.used == 0 {
				p.unmarkIdle(s)
			}
			s.used++
			w.state = WaiterCompleted
			lease := &Lease{pool: p, slotIndex: s.index, generation: s.generation}
			sink := w.sink
			p.schedule(w.context, func() { sink(lease, nil) })
			continue
		}

		if p.canOpenSlot(w.kind) {
			p.queue = p.queue[1:]
			w.state = WaiterConnectingAssigned
			slot := p.createConnectingSlot(w.kind, w.context)
			w.slotIndex = slot.index
			w.slotGeneration = slot.generation
			slot.boundWaiter = w
			if w.listener != nil {
				w.listener.OnConnectInitiated()
			}
			p.initiateConnect(slot, w)
		}
		return
	}
}

func (p *Pool) createConnectingSlot(kind int, ctx Context) *Slot {
	idx := p.allocArenaIndex()
	s := &Slot{
		index:      idx,
		generation: p.arena[idx].generation,
		kind:       kind,
		weight:     1, // provisional reservation; replaced on connect success
		state:      SlotConnecting,
		context:    ctx,
	}
	p.arena[idx].slot = s
	return s
}

func (p *Pool) initiateConnect(slot *Slot, w *Waiter) {
	listener := &slotConnectListener{pool: p, slotIndex: slot.index, generation: slot.generation}
	future := p.connector.Connect(slot.context, listener)
	// Await is registered after the critical section is released: a
	// Future that has already resolved runs its callback at once, and
	// onConnectResult takes p.mu again.
	p.schedule(InlineContext{}, func() {
		future.Await(func(res ConnectResult, err error) {
			p.onConnectResult(slot.index, slot.generation, w, res, err)
		})
	})
}

// ── Connect resolution ──────────────────────────────────────────────────

func (p *Pool) onConnectResult(slotIndex int, generation uint64, w *Waiter, res ConnectResult, err error) {
	p.runLocked(func() {
		slot := p.liveSlot(slotIndex, generation)
		if slot == nil {
			return // stale: already discarded (e.g. on_remove fired first)
		}

		if p.closed && p.closeSink != nil {
			if err != nil {
				p.closeResults = append(p.closeResults, CloseResult{Err: err})
			} else {
				p.closeResults = append(p.closeResults, CloseResult{Connection: res.Connection})
			}
			p.purgeSlot(slot)
			p.failBoundWaiter(w, ErrPoolClosed)
			p.pendingConnectsAtClose--
			if p.pendingConnectsAtClose == 0 {
				p.flushCloseSink()
			}
			return
		}

		if err != nil {
			p.purgeSlot(slot)
			connErr := &ConnectError{Cause: err}
			p.failBoundWaiter(w, connErr)
			p.runMatchLoop()
			return
		}

		slot.state = SlotAvailable
		slot.connection = res.Connection
		slot.concurrency = res.Concurrency
		if res.Weight > 0 {
			slot.weight = res.Weight
		}
		slot.used = 1
		slot.boundWaiter = nil

		w.state = WaiterCompleted
		lease := &Lease{pool: p, slotIndex: slot.index, generation: slot.generation}
		sink := w.sink
		p.schedule(w.context, func() { sink(lease, nil) })
		p.runMatchLoop()
	})
}

// failBoundWaiter must be called with p.mu held. It is a no-op if w is
// nil or has already been completed (guards against double-firing a
// sink when both on_remove and the connect future race each other).
func (p *Pool) failBoundWaiter(w *Waiter, err error) {
	if w == nil || w.state == WaiterCompleted || w.state == WaiterCancelled {
		return
	}
	w.state = WaiterCompleted
	sink := w.sink
	p.schedule(w.context, func() { sink(nil, err) })
}

func (p *Pool) flushCloseSink() {
	results := p.closeResults
	sink := p.closeSink
	ctx := p.closeCtx
	p.closeResults = nil
	p.closeSink = nil
	p.closeCtx = nil
	p.schedule(ctx, func() { sink(results, nil) })
}

// ── Connector listener plumbing ──────────────────────────────────────────

type slotConnectListener struct {
	pool       *Pool
	slotIndex  int
	generation uint64
}

func (l *slotConnectListener) OnRemove() {
	l.pool.handleRemove(l.slotIndex, l.generation)
}

func (l *slotConnectListener) OnConcurrencyChange(n int) {
	l.pool.handleConcurrencyChange(l.slotIndex, l.generation, n)
}

func (p *Pool) handleRemove(slotIndex int, generation uint64) {
	p.runLocked(func() {
		slot := p.liveSlot(slotIndex, generation)
		if slot == nil {
			return
		}

		switch slot.state {
		case SlotConnecting:
			w := slot.boundWaiter
			if p.closed && p.closeSink != nil {
				p.closeResults = append(p.closeResults, CloseResult{Err: errRemoved})
				p.purgeSlot(slot)
				p.failBoundWaiter(w, ErrPoolClosed)
				p.pendingConnectsAtClose--
				if p.pendingConnectsAtClose == 0 {
					p.flushCloseSink()
				}
				return
			}
			p.purgeSlot(slot)
			p.failBoundWaiter(w, &ConnectError{Cause: errRemoved})
			p.runMatchLoop()

		case SlotAvailable:
			slot.state = SlotRemoved
			p.unmarkIdle(slot)
			if slot.used == 0 {
				p.purgeSlot(slot)
			}
			p.runMatchLoop()
		}
	})
}

func (p *Pool) handleConcurrencyChange(slotIndex int, generation uint64, n int) {
	p.runLocked(func() {
		slot := p.liveSlot(slotIndex, generation)
		if slot == nil {
			return
		}
		old := slot.concurrency
		slot.concurrency = n
		if n > old && slot.state == SlotAvailable {
			p.runMatchLoop()
		}
	})
}

// ── Public API ────────────────────────────────────────────────────────

// Acquire enqueues a waiter for a connection of the given kind. It
// returns the Waiter handle (for use with Cancel) or nil if the
// request was rejected outright (pool closed, queue full, or an
// invalid kind); in every case — including outright rejection — the
// outcome is also delivered to sink, dispatched on ctx.
func (p *Pool) Acquire(ctx Context, kind int, listener WaiterListener, sink func(*Lease, error)) *Waiter {
	var w *Waiter
	p.runLocked(func() {
		if p.closed {
			p.schedule(ctx, func() { sink(nil, ErrPoolClosed) })
			return
		}
		if kind < 0 || kind >= len(p.maxPerKind) {
			err := fmt.Errorf("gopool: invalid kind %d", kind)
			p.schedule(ctx, func() { sink(nil, err) })
			return
		}
		if len(p.queue) >= p.maxWaiters {
			err := &TooBusyError{QueueLength: len(p.queue)}
			p.schedule(ctx, func() { sink(nil, err) })
			return
		}

		p.nextWaiterID++
		w = &Waiter{
			id:       p.nextWaiterID,
			kind:     kind,
			context:  ctx,
			listener: listener,
			sink:     sink,
			state:    WaiterQueued,
		}
		p.queue = append(p.queue, w)
		if listener != nil {
			listener.OnEnqueue()
		}
		p.runMatchLoop()
	})
	return w
}

// Cancel removes w from the queue if it is still QUEUED. sink receives
// true if the waiter was removed, false if it had already been
// serviced, cancelled, or bound to a connect attempt — or if the pool
// is closed, in which case sink also receives ErrPoolClosed.
func (p *Pool) Cancel(w *Waiter, sink func(bool, error)) {
	p.runLocked(func() {
		if p.closed {
			p.schedule(w.context, func() { sink(false, ErrPoolClosed) })
			return
		}

		removed := false
		if w.state == WaiterQueued {
			for i, q := range p.queue {
				if q == w {
					p.queue = append(p.queue[:i], p.queue[i+1:]...)
					removed = true
					break
				}
			}
			if removed {
				w.state = WaiterCancelled
			}
		}
		p.schedule(w.context, func() { sink(removed, nil) })
	})
}

// Evict atomically removes every AVAILABLE, idle (used == 0, unpinned)
// slot matching predicate, in most-recently-idled-first order, and
// returns their connections via sink. predicate is never invoked on a
// slot that is in use, CONNECTING, REMOVED, or pinned.
func (p *Pool) Evict(ctx Context, predicate func(connection interface{}) bool, sink func([]interface{}, error)) {
	p.runLocked(func() {
		if p.closed {
			p.schedule(ctx, func() { sink(nil, ErrPoolClosed) })
			return
		}

		var matched []*Slot
		var evicted []interface{}
		for i := len(p.idleOrder) - 1; i >= 0; i-- {
			slot := p.arena[p.idleOrder[i]].slot
			if slot == nil || slot.pinned > 0 {
				continue
			}
			if predicate(slot.connection) {
				matched = append(matched, slot)
				evicted = append(evicted, slot.connection)
			}
		}
		for _, slot := range matched {
			p.purgeSlot(slot)
		}
		p.schedule(ctx, func() { sink(evicted, nil) })
	})
}

// Close transitions the pool to closed. Every QUEUED waiter fails with
// ErrPoolClosed. Every AVAILABLE slot's connection, and the eventual
// outcome of every CONNECTING slot's pending connect, is collected into
// a CloseResult list delivered to sink once every in-flight connect has
// resolved. A second call to Close always fails with ErrPoolClosed, on
// a fresh dispatch rather than re-entrantly within the first call.
func (p *Pool) Close(ctx Context, sink func([]CloseResult, error)) {
	p.runLocked(func() {
		if p.closed {
			p.schedule(ctx, func() { sink(nil, ErrPoolClosed) })
			return
		}
		p.closed = true

		queued := p.queue
		p.queue = nil
		for _, w := range queued {
			w.state = WaiterCompleted
			sink2 := w.sink
			p.schedule(w.context, func() { sink2(nil, ErrPoolClosed) })
		}

		var results []CloseResult
		pendingConnects := 0
		for i := range p.arena {
			s := p.arena[i].slot
			if s == nil {
				continue
			}
			switch s.state {
			case SlotAvailable:
				results = append(results, CloseResult{Connection: s.connection})
				p.purgeSlot(s)
			case SlotConnecting:
				pendingConnects++
			}
		}

		if pendingConnects == 0 {
			p.schedule(ctx, func() { sink(results, nil) })
			return
		}
		p.closeCtx = ctx
		p.closeSink = sink
		p.closeResults = results
		p.pendingConnectsAtClose = pendingConnects
	})
}

// ── Observer surface ──────────────────────────────────────────────────

// Size reports the number of slots that are not REMOVED.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.arena {
		if s := p.arena[i].slot; s != nil && s.state != SlotRemoved {
			n++
		}
	}
	return n
}

// Capacity reports the sum of weights of slots that are not REMOVED.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.arena {
		if s := p.arena[i].slot; s != nil && s.state != SlotRemoved {
			n += s.weight
		}
	}
	return n
}

// Requests reports the number of slots currently CONNECTING.
func (p *Pool) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.arena {
		if s := p.arena[i].slot; s != nil && s.state == SlotConnecting {
			n++
		}
	}
	return n
}

// Waiters reports the current queue length.
func (p *Pool) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
