package blobstate

import "sync"

// tracer indexes the inflight fetch slots of one blob. A unit has at most
// one live slot at a time, and every concurrent caller for that unit shares
// it. The mutex guards only the map; it is never held while waiting on a
// slot or while fetching data.
//
// A tracer is shared between a StateMap and a RangeStateMap built over the
// same store, so unit-addressed and range-addressed callers contend on the
// same slots.
type tracer[I comparable] struct {
	mu    sync.Mutex
	slots map[I]*slot
}

func newTracer[I comparable]() *tracer[I] {
	return &tracer[I]{slots: make(map[I]*slot)}
}

// pending reports whether a live slot exists for k.
func (t *tracer[I]) pending(k I) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[k]
	return ok
}

// insert records a fresh slot for k. The caller must hold t.mu and must
// have verified that no slot exists for k.
func (t *tracer[I]) insert(k I) {
	t.slots[k] = newSlot()
	unitClaimsTotal.Inc()
	inflightSlots.Inc()
}

// remove drops the slot for k, if any, and wakes its waiters. It reports
// whether a slot was actually removed.
func (t *tracer[I]) remove(k I) bool {
	t.mu.Lock()
	s, ok := t.slots[k]
	if ok {
		delete(t.slots, k)
	}
	t.mu.Unlock()

	if ok {
		s.complete()
		inflightSlots.Dec()
	}
	return ok
}

// inflight returns the number of live slots.
func (t *tracer[I]) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
