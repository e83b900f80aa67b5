// Package throttle bounds the concurrency of backend fetches.
package throttle

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is a component to perform throttling of concurrent requests.
type Gate interface {
	// Do performs the supplied action under the guard of the gate.
	//
	// The supplied context is obeyed when parking to claim a spot, and is
	// passed to the action. Errors from the action are propagated to the
	// caller, as are context deadline errors.
	//
	// Do blocks until the action has executed.
	Do(context.Context, func(ctx context.Context) error) error
}

type fixed struct {
	sem *semaphore.Weighted
}

// Fixed creates a gate that admits at most maxConcurrency concurrent
// actions.
func Fixed(maxConcurrency int) Gate {
	return &fixed{sem: semaphore.NewWeighted(int64(maxConcurrency))}
}

func (g *fixed) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn(ctx)
}

// Noop returns a gate that admits everything.
func Noop() Gate {
	return noopGate{}
}

type noopGate struct{}

func (noopGate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
