package blobstate

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle of a single inflight fetch.
type Status byte

const (
	// StatusInflight indicates that a fetcher of record is working on the
	// unit right now.
	StatusInflight Status = iota

	// StatusComplete indicates that the fetcher finished or abandoned the
	// unit. A slot never goes back to StatusInflight.
	StatusComplete
)

func (s Status) String() string {
	strs := [...]string{
		StatusInflight: "StatusInflight",
		StatusComplete: "StatusComplete",
	}
	if int(s) >= len(strs) {
		// safety comes first.
		return "__undefined__"
	}
	return strs[s]
}

// slot is the rendezvous point for one inflight unit fetch. The fetcher of
// record completes it exactly once; everyone else blocks on done. done is
// closed when the slot completes, so late waiters fall through immediately.
type slot struct {
	mu     sync.Mutex
	status Status
	done   chan struct{}
}

func newSlot() *slot {
	return &slot{status: StatusInflight, done: make(chan struct{})}
}

// complete transitions the slot to StatusComplete and wakes all waiters.
// Completing a completed slot is a no-op.
func (s *slot) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusComplete {
		return
	}
	s.status = StatusComplete
	close(s.done)
}

// wait blocks until the slot completes, the timeout elapses, or ctx fires.
// Timeouts surface as ErrWaitTimeout so callers can tell a stuck fetcher
// apart from their own cancellation.
func (s *slot) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
