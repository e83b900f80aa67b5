package blobstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lazyblob/blobstate/chunk"
)

var errSpan = errors.New("interval out of span")

// granStore is a plain in-memory granule readiness store. It implements
// both the unit and the range capability over the same bits, with the
// granule index doubling as the unit identity, so it can back the shared
// slot table tests as well.
type granStore struct {
	lk      sync.Mutex
	bits    []bool
	granErr map[uint64]error
}

var (
	_ RangeMap[uint64] = (*granStore)(nil)
	_ ChunkMap[uint64] = (*granStore)(nil)
)

func newGranStore(granules uint64) *granStore {
	return &granStore{bits: make([]bool, granules), granErr: make(map[uint64]error)}
}

func (s *granStore) span() uint64 {
	return uint64(len(s.bits))
}

func (s *granStore) IsRangeAllReady() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, b := range s.bits {
		if !b {
			return false
		}
	}
	return true
}

func (s *granStore) GranuleRange(start, count uint64) (uint64, uint64, error) {
	if count == 0 {
		return 0, 0, nil
	}
	if start >= s.span() {
		return 0, 0, errSpan
	}
	end := start + count
	if end > s.span() {
		end = s.span()
	}
	return start, end, nil
}

func (s *granStore) IsRangeReady(start, count uint64) (bool, error) {
	first, end, err := s.GranuleRange(start, count)
	if err != nil {
		return false, err
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	for g := first; g < end; g++ {
		if !s.bits[g] {
			return false, nil
		}
	}
	return true, nil
}

func (s *granStore) IsGranuleReady(g uint64) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if err := s.granErr[g]; err != nil {
		return false, err
	}
	if g >= s.span() {
		return false, errSpan
	}
	return s.bits[g], nil
}

func (s *granStore) CheckRangeReadyAndMarkPending(ctx context.Context, start, count uint64) ([]uint64, error) {
	first, end, err := s.GranuleRange(start, count)
	if err != nil {
		return nil, err
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	var missing []uint64
	for g := first; g < end; g++ {
		if !s.bits[g] {
			missing = append(missing, g)
		}
	}
	return missing, nil
}

func (s *granStore) SetRangeReadyAndClearPending(ctx context.Context, start, count uint64) error {
	first, end, err := s.GranuleRange(start, count)
	if err != nil {
		return err
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	for g := first; g < end; g++ {
		s.bits[g] = true
	}
	return nil
}

func (s *granStore) ClearRangePending(start, count uint64) {}

func (s *granStore) WaitForRangeReady(ctx context.Context, start, count uint64) (bool, error) {
	return s.IsRangeReady(start, count)
}

func (s *granStore) ChunkKey(c chunk.Info) uint64 {
	return uint64(c.Index())
}

func (s *granStore) IsReady(c chunk.Info) (bool, error) {
	return s.IsGranuleReady(uint64(c.Index()))
}

func (s *granStore) IsPending(c chunk.Info) (bool, error) {
	return false, nil
}

func (s *granStore) CheckReadyAndMarkPending(ctx context.Context, c chunk.Info) (bool, error) {
	return s.IsReady(c)
}

func (s *granStore) SetReadyAndClearPending(ctx context.Context, c chunk.Info) error {
	return s.SetRangeReadyAndClearPending(ctx, uint64(c.Index()), 1)
}

func (s *granStore) ClearPending(c chunk.Info) {}

func (s *granStore) Persistent() bool {
	return false
}

func TestRangeCheckClaimsOnlyUnclaimed(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	require.NoError(t, gs.SetRangeReadyAndClearPending(ctx, 1, 1))

	// the first caller owns every missing granule.
	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 2, 3}, owned)
	require.Equal(t, 3, rm.InflightSlots())

	// the second caller owns nothing, but the range is not ready either:
	// a non-nil empty answer.
	owned, err = rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.NotNil(t, owned)
	require.Len(t, owned, 0)

	require.NoError(t, rm.SetRangeReadyAndClearPending(ctx, 0, 4))
	require.Zero(t, rm.InflightSlots())

	// now the whole range is ready: a nil answer.
	owned, err = rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Nil(t, owned)
}

func TestRangeCheckZeroCount(t *testing.T) {
	ctx := context.Background()
	rm := NewRange[*granStore, uint64](newGranStore(4))

	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 2, 0)
	require.NoError(t, err)
	require.Nil(t, owned)
	require.Zero(t, rm.InflightSlots())
}

func TestRangeCheckOutOfSpan(t *testing.T) {
	ctx := context.Background()
	rm := NewRange[*granStore, uint64](newGranStore(4))

	_, err := rm.CheckRangeReadyAndMarkPending(ctx, 4, 1)
	require.ErrorIs(t, err, errSpan)
	require.Zero(t, rm.InflightSlots())

	_, err = rm.IsRangeReady(4, 1)
	require.ErrorIs(t, err, errSpan)
}

func TestRangeClaimRollbackOnError(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	boom := errors.New("boom")
	gs.lk.Lock()
	gs.granErr[2] = boom
	gs.lk.Unlock()

	// granules 0 and 1 get claimed before the store fails on 2; the error
	// must leave no orphaned claims behind.
	_, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.ErrorIs(t, err, boom)
	require.Zero(t, rm.InflightSlots())
}

func TestWaitForRangeReadyCompletion(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, owned, 4)

	type result struct {
		ready bool
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ready, err := rm.WaitForRangeReady(ctx, 0, 4)
		resCh <- result{ready, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.Len(t, resCh, 0)

	require.NoError(t, rm.SetRangeReadyAndClearPending(ctx, 0, 4))
	res := <-resCh
	require.NoError(t, res.err)
	require.True(t, res.ready)
	require.Zero(t, rm.InflightSlots())
}

func TestWaitForRangeReadyAbandoned(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, owned, 4)

	type result struct {
		ready bool
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ready, err := rm.WaitForRangeReady(ctx, 0, 4)
		resCh <- result{ready, err}
	}()

	time.Sleep(100 * time.Millisecond)

	// the owner gives up; the waiter reports not ready without an error, so
	// the caller knows to reclaim.
	rm.ClearRangePending(0, 4)
	res := <-resCh
	require.NoError(t, res.err)
	require.False(t, res.ready)
	require.Zero(t, rm.InflightSlots())
}

func TestWaitForRangeReadyTimeout(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs, WithWaitTimeout(100*time.Millisecond))

	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, owned, 4)

	// nobody completes anything; the wait gives up after one timeout and
	// answers from the store.
	start := time.Now()
	ready, err := rm.WaitForRangeReady(ctx, 0, 4)
	require.NoError(t, err)
	require.False(t, ready)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 400*time.Millisecond)
}

func TestWaitForRangeReadyContextCanceled(t *testing.T) {
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	owned, err := rm.CheckRangeReadyAndMarkPending(context.Background(), 0, 4)
	require.NoError(t, err)
	require.Len(t, owned, 4)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = rm.WaitForRangeReady(ctx, 0, 4)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForRangeReadyFastPath(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	rm := NewRange[*granStore, uint64](gs)

	require.NoError(t, gs.SetRangeReadyAndClearPending(ctx, 0, 4))

	ready, err := rm.WaitForRangeReady(ctx, 0, 4)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestSharedTracerAcrossViews(t *testing.T) {
	ctx := context.Background()
	gs := newGranStore(4)
	sm, rm := NewWithRange[*granStore, uint64](gs)

	// a unit claim through the unit view.
	ready, err := sm.CheckReadyAndMarkPending(ctx, unit(2))
	require.NoError(t, err)
	require.False(t, ready)

	// the range view sees the claim: granule 2 is not offered to the range
	// caller, and the range is not ready.
	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 3}, owned)
	require.Equal(t, 4, rm.InflightSlots())
	require.Equal(t, 4, sm.InflightSlots())

	// a range waiter blocks on the unit claim and wakes when the unit view
	// completes it.
	type result struct {
		ready bool
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ready, err := rm.WaitForRangeReady(ctx, 0, 4)
		resCh <- result{ready, err}
	}()

	// each view completes only what it claimed. With granules 0, 1 and 3
	// done, the waiter still blocks on the unit claim.
	for _, g := range owned {
		require.NoError(t, rm.SetRangeReadyAndClearPending(ctx, g, 1))
	}
	time.Sleep(100 * time.Millisecond)
	require.Len(t, resCh, 0)
	require.Equal(t, 1, rm.InflightSlots())

	require.NoError(t, sm.SetReadyAndClearPending(ctx, unit(2)))
	res := <-resCh
	require.NoError(t, res.err)
	require.True(t, res.ready)
	require.Zero(t, rm.InflightSlots())
}

func TestRangeStress(t *testing.T) {
	const granules = 1024
	ctx := context.Background()
	gs := newGranStore(granules)
	rm := NewRange[*granStore, uint64](gs, WithWaitTimeout(5*time.Second))

	worker := func(seed uint64) error {
		for i := uint64(0); i < granules; i++ {
			start := (i*7 + seed) % granules
			count := i%13 + 1
			for {
				owned, err := rm.CheckRangeReadyAndMarkPending(ctx, start, count)
				if err != nil {
					return err
				}
				if owned == nil {
					break
				}
				for _, g := range owned {
					if err := rm.SetRangeReadyAndClearPending(ctx, g, 1); err != nil {
						return err
					}
				}
				ready, err := rm.WaitForRangeReady(ctx, start, count)
				if err != nil {
					return err
				}
				if ready {
					break
				}
			}
		}
		return nil
	}

	grp, _ := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		seed := uint64(i * 131)
		grp.Go(func() error { return worker(seed) })
	}
	require.NoError(t, grp.Wait())

	// sweep the leftovers and verify a clean end state.
	owned, err := rm.CheckRangeReadyAndMarkPending(ctx, 0, granules)
	require.NoError(t, err)
	for _, g := range owned {
		require.NoError(t, rm.SetRangeReadyAndClearPending(ctx, g, 1))
	}
	require.True(t, rm.IsRangeAllReady())
	require.Zero(t, rm.InflightSlots())
}
