package backend

import (
	"context"
	"io"
	"sync/atomic"
)

// Counting is a backend that proxies to another backend and counts the
// number of calls made to Fetch. It is mostly used in tests, where the
// count proves how many times the source was actually hit.
type Counting struct {
	Backend

	n int32
}

func (c *Counting) Fetch(ctx context.Context, offset, length uint64) (io.ReadCloser, error) {
	atomic.AddInt32(&c.n, 1)
	return c.Backend.Fetch(ctx, offset, length)
}

func (c *Counting) Count() int {
	return int(atomic.LoadInt32(&c.n))
}
