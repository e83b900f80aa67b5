package blobstate

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/constraints"
)

// RangeStateMap adds single-flight claiming and wait-for-completion to a
// range-addressed readiness store. Claims are tracked per granule, the
// store's fixed power-of-two readiness quantum; an interval claim owns
// exactly the missing granules that no other caller was already fetching.
//
// RangeStateMap implements RangeMap[I] itself and can stand in wherever the
// raw store is accepted.
type RangeStateMap[R RangeMap[I], I constraints.Unsigned] struct {
	r       R
	tr      *tracer[I]
	timeout time.Duration
}

var _ RangeMap[uint64] = (*RangeStateMap[RangeMap[uint64], uint64])(nil)

// NewRange wraps a range-addressed readiness store with inflight tracking.
func NewRange[R RangeMap[I], I constraints.Unsigned](r R, opts ...Option) *RangeStateMap[R, I] {
	o := applyOptions(opts)
	return &RangeStateMap[R, I]{r: r, tr: newTracer[I](), timeout: o.waitTimeout}
}

// NewWithRange wraps a store that is both unit- and range-addressed,
// returning the two tracker views over one shared slot table. Claims taken
// through either view are visible to, and waited on by, the other.
func NewWithRange[S interface {
	ChunkMap[I]
	RangeMap[I]
}, I constraints.Unsigned](s S, opts ...Option) (*StateMap[S, I], *RangeStateMap[S, I]) {
	o := applyOptions(opts)
	tr := newTracer[I]()
	sm := &StateMap[S, I]{c: s, tr: tr, timeout: o.waitTimeout}
	rm := &RangeStateMap[S, I]{r: s, tr: tr, timeout: o.waitTimeout}
	return sm, rm
}

// IsRangeAllReady delegates to the underlying store.
func (m *RangeStateMap[R, I]) IsRangeAllReady() bool {
	return m.r.IsRangeAllReady()
}

// IsRangeReady delegates to the underlying store.
func (m *RangeStateMap[R, I]) IsRangeReady(start, count I) (bool, error) {
	return m.r.IsRangeReady(start, count)
}

// IsGranuleReady delegates to the underlying store.
func (m *RangeStateMap[R, I]) IsGranuleReady(g I) (bool, error) {
	return m.r.IsGranuleReady(g)
}

// GranuleRange delegates to the underlying store.
func (m *RangeStateMap[R, I]) GranuleRange(start, count I) (I, I, error) {
	return m.r.GranuleRange(start, count)
}

// CheckRangeReadyAndMarkPending claims the missing granules of
// [start, start+count) that nobody else is fetching. See RangeMap for the
// nil versus empty result contract.
func (m *RangeStateMap[R, I]) CheckRangeReadyAndMarkPending(ctx context.Context, start, count I) ([]I, error) {
	missing, err := m.r.CheckRangeReadyAndMarkPending(ctx, start, count)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	owned := make([]I, 0, len(missing))

	m.tr.mu.Lock()
	defer m.tr.mu.Unlock()
	for _, g := range missing {
		if _, ok := m.tr.slots[g]; ok {
			continue
		}
		// Between the store scan and this lock the granule may have been
		// fetched and released; claim only what is still missing.
		ready, gerr := m.r.IsGranuleReady(g)
		if gerr != nil {
			// Roll back this call's claims so an error leaves no orphaned
			// slots behind.
			for _, o := range owned {
				if s, ok := m.tr.slots[o]; ok {
					delete(m.tr.slots, o)
					s.complete()
					inflightSlots.Dec()
				}
			}
			return nil, gerr
		}
		if ready {
			continue
		}
		m.tr.insert(g)
		owned = append(owned, g)
	}
	return owned, nil
}

// SetRangeReadyAndClearPending marks the interval ready in the store, then
// releases its slots. Store first, slots second: waiters must never wake
// before the marks are visible.
func (m *RangeStateMap[R, I]) SetRangeReadyAndClearPending(ctx context.Context, start, count I) error {
	err := m.r.SetRangeReadyAndClearPending(ctx, start, count)
	m.ClearRangePending(start, count)
	return err
}

// ClearRangePending abandons the inflight fetches for the interval's
// granules, waking their waiters without marking anything ready.
func (m *RangeStateMap[R, I]) ClearRangePending(start, count I) {
	first, end, err := m.r.GranuleRange(start, count)
	if err != nil {
		log.Warnw("clear pending on invalid interval", "start", start, "count", count, "error", err)
		return
	}

	m.tr.mu.Lock()
	for g := first; g < end; g++ {
		if s, ok := m.tr.slots[g]; ok {
			delete(m.tr.slots, g)
			s.complete()
			inflightSlots.Dec()
		}
	}
	m.tr.mu.Unlock()
}

// WaitForRangeReady blocks on the interval's inflight granules one by one.
// A timed out wait stops the waiting early; an abandoned granule turns into
// a (false, nil) report. The final answer always comes from a fresh range
// query, never from the waits themselves.
func (m *RangeStateMap[R, I]) WaitForRangeReady(ctx context.Context, start, count I) (bool, error) {
	ready, err := m.r.IsRangeReady(start, count)
	if err != nil || ready {
		return ready, err
	}

	first, end, err := m.r.GranuleRange(start, count)
	if err != nil {
		return false, err
	}

	for g := first; g < end; g++ {
		m.tr.mu.Lock()
		s, ok := m.tr.slots[g]
		m.tr.mu.Unlock()
		if !ok {
			continue
		}

		slotWaitsTotal.Inc()
		if werr := s.wait(ctx, m.timeout); werr != nil {
			if errors.Is(werr, ErrWaitTimeout) {
				slotWaitTimeoutsTotal.Inc()
				log.Warnw("wait for inflight range fetch timed out", "granule", g, "timeout", m.timeout)
				break
			}
			return false, werr
		}

		ready, err := m.r.IsGranuleReady(g)
		if err != nil {
			return false, err
		}
		if !ready {
			// The fetch for g was abandoned; the caller has to reclaim it.
			return false, nil
		}
	}

	return m.r.IsRangeReady(start, count)
}

// InflightSlots returns the number of live claims. Useful for tests and
// introspection.
func (m *RangeStateMap[R, I]) InflightSlots() int {
	return m.tr.inflight()
}
