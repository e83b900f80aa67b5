package blobstate

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/lazyblob/blobstate/chunk"
)

var log = logging.Logger("blobstate")

// DefaultWaitTimeout bounds a single wait on another caller's inflight
// fetch. Every wait gets the full budget; it is not a whole-call deadline.
const DefaultWaitTimeout = 2 * time.Second

// Option customizes a tracker at construction time.
type Option func(o *options)

type options struct {
	waitTimeout time.Duration
}

// WithWaitTimeout overrides DefaultWaitTimeout for waits on other callers'
// inflight fetches.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = d
	}
}

func applyOptions(opts []Option) *options {
	o := &options{waitTimeout: DefaultWaitTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.waitTimeout <= 0 {
		o.waitTimeout = DefaultWaitTimeout
	}
	return o
}

// StateMap adds single-flight claiming and wait-for-completion to a
// unit-addressed readiness store. The store itself stays lock-free; the
// adapter serializes nothing but the claim bookkeeping, so callers for
// different units proceed independently.
//
// StateMap implements ChunkMap[I] itself and can stand in wherever the raw
// store is accepted.
type StateMap[C ChunkMap[I], I comparable] struct {
	c       C
	tr      *tracer[I]
	timeout time.Duration
}

var _ ChunkMap[uint32] = (*StateMap[ChunkMap[uint32], uint32])(nil)

// New wraps a unit-addressed readiness store with inflight tracking.
func New[C ChunkMap[I], I comparable](c C, opts ...Option) *StateMap[C, I] {
	o := applyOptions(opts)
	return &StateMap[C, I]{c: c, tr: newTracer[I](), timeout: o.waitTimeout}
}

// ChunkKey returns the unit identity the underlying store assigns to c.
func (m *StateMap[C, I]) ChunkKey(c chunk.Info) I {
	return m.c.ChunkKey(c)
}

// IsReady delegates to the underlying store.
func (m *StateMap[C, I]) IsReady(c chunk.Info) (bool, error) {
	return m.c.IsReady(c)
}

// IsPending reports whether a fetch for c is inflight right now.
func (m *StateMap[C, I]) IsPending(c chunk.Info) (bool, error) {
	return m.tr.pending(m.c.ChunkKey(c)), nil
}

// CheckReadyAndMarkPending runs the claim protocol. It returns (true, nil)
// when the chunk is ready, and (false, nil) when the caller has become the
// fetcher of record. When another caller holds the claim, it blocks until
// that fetch completes and then re-runs the protocol, so a successful wait
// never reports stale state.
func (m *StateMap[C, I]) CheckReadyAndMarkPending(ctx context.Context, c chunk.Info) (bool, error) {
	ready, err := m.c.IsReady(c)
	if err != nil {
		return false, err
	}
	if ready {
		return true, nil
	}

	k := m.c.ChunkKey(c)

	m.tr.mu.Lock()
	if s, ok := m.tr.slots[k]; ok {
		m.tr.mu.Unlock()

		slotWaitsTotal.Inc()
		if err := s.wait(ctx, m.timeout); err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				slotWaitTimeoutsTotal.Inc()
				log.Warnw("wait for inflight fetch timed out", "unit", k, "timeout", m.timeout)
			}
			return false, err
		}
		// The fetch completed or was abandoned; start over to find out
		// which.
		return m.CheckReadyAndMarkPending(ctx, c)
	}

	// Nobody holds the claim. Re-check the store under the tracer lock: the
	// previous holder may have marked the chunk ready after the fast path
	// missed it.
	ready, err = m.c.IsReady(c)
	if err == nil && !ready {
		m.tr.insert(k)
	}
	m.tr.mu.Unlock()
	return ready, err
}

// SetReadyAndClearPending marks the chunk ready in the store, then releases
// the slot. Store first, slot second: waiters must never wake before the
// mark is visible.
func (m *StateMap[C, I]) SetReadyAndClearPending(ctx context.Context, c chunk.Info) error {
	err := m.c.SetReadyAndClearPending(ctx, c)
	m.tr.remove(m.c.ChunkKey(c))
	return err
}

// ClearPending abandons the inflight fetch for c, waking any waiters
// without marking anything ready. Calling it with no fetch pending is a
// no-op.
func (m *StateMap[C, I]) ClearPending(c chunk.Info) {
	k := m.c.ChunkKey(c)
	if m.tr.remove(k) {
		log.Debugw("abandoned inflight fetch", "unit", k)
	}
}

// Persistent reports whether the underlying store survives restarts.
func (m *StateMap[C, I]) Persistent() bool {
	return m.c.Persistent()
}

// InflightSlots returns the number of live claims. Useful for tests and
// introspection.
func (m *StateMap[C, I]) InflightSlots() int {
	return m.tr.inflight()
}
