package gopool

// Selector is a pure function mapping a waiter and a snapshot of
// eligible slots to the slot that should serve it, or nil to leave the
// waiter queued. A Selector must not mutate pool state; it is invoked
// while the pool's critical section is held.
type Selector func(w *Waiter, eligible []*Slot) *Slot

// DefaultSelector implements the tie-break policy from the design: when
// more than one slot is eligible, prefer (a) a slot whose context is the
// same root as the waiter's, else (b) a slot sharing the waiter's
// event-loop identity, else (c) the first eligible slot in snapshot
// order. Selection is deterministic given the snapshot.
func DefaultSelector(w *Waiter, eligible []*Slot) *Slot {
	if len(eligible) == 0 {
		return nil
	}

	wantRoot := rootOf(w.context)
	for _, s := range eligible {
		if rootOf(s.context) == wantRoot {
			return s
		}
	}

	if wantLoop, ok := loopIDOf(w.context); ok {
		for _, s := range eligible {
			if loop, ok := loopIDOf(s.context); ok && loop == wantLoop {
				return s
			}
		}
	}

	return eligible[0]
}
