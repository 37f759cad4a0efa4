// Package gopool implements a generic connection pool that multiplexes a
// bounded set of long-lived resources across many asynchronous waiters.
// Each connection may serve more than one lease at a time, and that
// concurrency may change while the connection is in use.
//
// The pool owns a single logical critical section: every state
// transition (acquire, recycle, connect completion, eviction, close) is
// serialized, and every user-visible callback this produces is deferred
// onto a post-action queue and drained by a trampoline after the
// critical section is released, so that re-entrant calls from inside a
// callback never grow the call stack and always see consistent state.
package gopool

// Context is the cooperative execution context a caller supplies when
// invoking the pool's public API. All callbacks scheduled for delivery
// to a given Context fire in the order their triggering events were
// admitted into the pool's critical section — the pool never invokes a
// callback while holding its own lock.
type Context interface {
	// Execute schedules fn to run on this context. It must not block the
	// caller waiting for fn to finish; fn may run synchronously (as
	// InlineContext does) or be handed to a background worker.
	Execute(fn func())
}

// Rooter is implemented by Context types that can be duplicated into a
// logically distinct Context that still shares the root's execution
// identity. The default selector unwraps a duplicated context to its
// root before comparing context affinity.
type Rooter interface {
	Root() Context
}

// LoopIdentifier is implemented by Context types that can report which
// underlying event-loop thread they are bound to, independently of
// Context identity. The default selector's second tie-break compares
// loop identity across otherwise-unrelated contexts.
type LoopIdentifier interface {
	LoopID() uint64
}

func rootOf(ctx Context) Context {
	if r, ok := ctx.(Rooter); ok {
		return r.Root()
	}
	return ctx
}

func loopIDOf(ctx Context) (uint64, bool) {
	if li, ok := ctx.(LoopIdentifier); ok {
		return li.LoopID(), true
	}
	return 0, false
}

// InlineContext runs every submitted function synchronously, in the
// goroutine that calls Execute. It is the simplest Context: acquire
// callers that don't run their own event loop can use it directly, and
// tests use it for deterministic, synchronous callback delivery.
type InlineContext struct{}

// Execute runs fn immediately.
func (InlineContext) Execute(fn func()) { fn() }

// WorkerContext dispatches callbacks onto a single dedicated goroutine,
// modeling a real event-loop thread: submissions queue up and run
// strictly in arrival order, one at a time, never re-entering the
// submitter's own call stack. Distinct WorkerContexts never share a
// loop identity; use Duplicate to derive a context that does.
type WorkerContext struct {
	tasks  chan func()
	done   chan struct{}
	loopID uint64
}

var workerContextSeq uint64

func nextLoopID() uint64 {
	workerContextSeq++
	return workerContextSeq
}

// NewWorkerContext starts a background goroutine and returns a Context
// backed by it. Call Stop to terminate the goroutine once no further
// work will be submitted.
func NewWorkerContext() *WorkerContext {
	wc := &WorkerContext{
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
		loopID: nextLoopID(),
	}
	go wc.run()
	return wc
}

func (wc *WorkerContext) run() {
	for {
		select {
		case fn := <-wc.tasks:
			fn()
		case <-wc.done:
			return
		}
	}
}

// Execute queues fn to run on the worker goroutine.
func (wc *WorkerContext) Execute(fn func()) {
	select {
	case wc.tasks <- fn:
	case <-wc.done:
	}
}

// LoopID reports this worker's unique loop identity.
func (wc *WorkerContext) LoopID() uint64 { return wc.loopID }

// Root returns wc itself: a WorkerContext is always a root context.
func (wc *WorkerContext) Root() Context { return wc }

// Stop terminates the worker goroutine. Tasks still queued are dropped.
func (wc *WorkerContext) Stop() { close(wc.done) }

// DuplicateContext wraps a root Context, presenting a distinct Context
// value that nonetheless shares the root's dispatch queue and loop
// identity. This mirrors the common pattern of handing each request its
// own logical context while still running all of them on one
// underlying event loop.
type DuplicateContext struct {
	root Context
}

// Duplicate derives a DuplicateContext from root. If root is itself a
// DuplicateContext, the new value shares the same underlying root
// rather than nesting wrappers.
func Duplicate(root Context) *DuplicateContext {
	if d, ok := root.(*DuplicateContext); ok {
		root = d.root
	}
	return &DuplicateContext{root: root}
}

// Execute forwards to the root context.
func (d *DuplicateContext) Execute(fn func()) { d.root.Execute(fn) }

// Root returns the underlying context this value was duplicated from.
func (d *DuplicateContext) Root() Context { return d.root }

// LoopID forwards to the root context when it reports one.
func (d *DuplicateContext) LoopID() uint64 {
	if id, ok := loopIDOf(d.root); ok {
		return id
	}
	return 0
}
