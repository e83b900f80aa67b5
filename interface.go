// Package blobstate tracks which pieces of a lazily-populated blob are
// already present in a local cache, and arbitrates concurrent fetches of
// the pieces that are not.
//
// The concrete readiness stores (see the store subpackage) are plain data
// structures with no locking of their own. Wrapping a store in a StateMap
// or a RangeStateMap adds single-flight claiming and wait-for-completion
// on top while keeping the store's method surface, so consumers cannot
// tell a wrapped store from a raw one.
package blobstate

import (
	"context"
	"errors"

	"golang.org/x/exp/constraints"

	"github.com/lazyblob/blobstate/chunk"
)

var (
	// ErrWaitTimeout is returned when waiting for another caller's inflight
	// fetch exceeds the configured wait timeout.
	ErrWaitTimeout = errors.New("timed out waiting for inflight fetch")
)

// ChunkMap is the unit-addressed readiness capability of a blob cache state
// store. I is the unit identity the store keys readiness by: a chunk index,
// a digest key. ChunkKey projects a chunk descriptor to that identity.
//
// Plain stores implement the pending-flavored operations degenerately:
// CheckReadyAndMarkPending behaves like IsReady, IsPending reports false,
// and ClearPending does nothing. The StateMap adapter supplies the real
// single-flight semantics on top of any ChunkMap.
type ChunkMap[I comparable] interface {
	// ChunkKey returns the unit identity of the given chunk.
	ChunkKey(c chunk.Info) I

	// IsReady reports whether the chunk's data is present in the cache.
	IsReady(c chunk.Info) (bool, error)

	// IsPending reports whether the chunk is being fetched right now.
	IsPending(c chunk.Info) (bool, error)

	// CheckReadyAndMarkPending checks readiness and, if the chunk is neither
	// ready nor already being fetched, marks it pending on behalf of the
	// caller. A (false, nil) return makes the caller the fetcher of record:
	// it must eventually call SetReadyAndClearPending or ClearPending for
	// the chunk.
	CheckReadyAndMarkPending(ctx context.Context, c chunk.Info) (bool, error)

	// SetReadyAndClearPending marks the chunk's data as present and releases
	// any waiters.
	SetReadyAndClearPending(ctx context.Context, c chunk.Info) error

	// ClearPending abandons a pending fetch without marking the chunk ready.
	ClearPending(c chunk.Info)

	// Persistent reports whether readiness survives a restart.
	Persistent() bool
}

// RangeMap is the interval-addressed readiness capability. Intervals are
// expressed in the store's native addressing (chunk indices, byte offsets)
// and mapped internally onto granules; I is the granule index type.
type RangeMap[I constraints.Unsigned] interface {
	// IsRangeAllReady reports whether every granule of the blob is ready.
	IsRangeAllReady() bool

	// IsRangeReady reports whether every granule overlapping
	// [start, start+count) is ready.
	IsRangeReady(start, count I) (bool, error)

	// IsGranuleReady reports whether the single granule g is ready.
	IsGranuleReady(g I) (bool, error)

	// GranuleRange maps [start, start+count) to the granule interval
	// [first, end) it overlaps.
	GranuleRange(start, count I) (first, end I, err error)

	// CheckRangeReadyAndMarkPending determines which granules of
	// [start, start+count) are missing, and marks the ones not already
	// being fetched as pending on behalf of the caller, who must eventually
	// call SetRangeReadyAndClearPending or ClearRangePending for them.
	//
	// A nil result means the entire range is ready. A non-nil empty result
	// means the range is not ready, but every missing granule is already
	// being fetched elsewhere.
	CheckRangeReadyAndMarkPending(ctx context.Context, start, count I) ([]I, error)

	// SetRangeReadyAndClearPending marks every granule overlapping the
	// interval as present and releases any waiters.
	SetRangeReadyAndClearPending(ctx context.Context, start, count I) error

	// ClearRangePending abandons pending fetches for the interval's
	// granules without marking anything ready.
	ClearRangePending(start, count I)

	// WaitForRangeReady blocks until the granules of the interval that are
	// currently being fetched complete, then reports whether the whole
	// interval ended up ready. A false report with a nil error means a
	// fetch was abandoned or timed out; the caller should retry from
	// CheckRangeReadyAndMarkPending.
	WaitForRangeReady(ctx context.Context, start, count I) (bool, error)
}
