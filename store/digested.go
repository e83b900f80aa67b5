package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"

	"github.com/lazyblob/blobstate/chunk"
)

// ReadyNamespace namespaces all datastore keys written by DigestedMap.
var ReadyNamespace = ds.NewKey("ready")

// DigestedMap tracks chunk readiness by content digest. It serves blobs
// whose chunks carry no stable position, so readiness cannot be a bit at an
// index. Digest space has no order, which is why DigestedMap has no range
// view.
//
// By default the set lives in memory only. Backed by a datastore, marks are
// written through as they happen and recovered on open.
type DigestedMap struct {
	lk    sync.RWMutex
	ready map[chunk.Key]struct{}
	store ds.Datastore // nil when memory only
}

// NewDigestedMap creates an in-memory digest readiness set.
func NewDigestedMap() *DigestedMap {
	return &DigestedMap{ready: make(map[chunk.Key]struct{})}
}

// NewDigestedMapWithDatastore creates a digest readiness set persisted to
// the given datastore and loads the digests recorded by previous runs.
// Scope the datastore per blob, e.g. with namespace.Wrap, before passing it
// in; operations are further namespaced under ReadyNamespace.
func NewDigestedMapWithDatastore(ctx context.Context, dstore ds.Batching) (*DigestedMap, error) {
	m := &DigestedMap{
		ready: make(map[chunk.Key]struct{}),
		store: namespace.Wrap(dstore, ReadyNamespace),
	}

	results, err := m.store.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to recover readiness state from store: %w", err)
	}
	defer results.Close()
	for {
		res, ok := results.NextSync()
		if !ok {
			break
		}
		m.ready[chunk.KeyFromString(strings.TrimPrefix(res.Key, "/"))] = struct{}{}
	}
	return m, nil
}

// ChunkKey returns the chunk's digest, the unit identity of this store.
func (m *DigestedMap) ChunkKey(c chunk.Info) chunk.Key {
	return c.Digest()
}

// IsReady reports whether the chunk's digest has been marked ready.
func (m *DigestedMap) IsReady(c chunk.Info) (bool, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	_, ok := m.ready[c.Digest()]
	return ok, nil
}

// IsPending always reports false; plain stores have no inflight notion.
func (m *DigestedMap) IsPending(c chunk.Info) (bool, error) {
	return false, nil
}

// CheckReadyAndMarkPending behaves like IsReady; marking pending is the
// adapter's job.
func (m *DigestedMap) CheckReadyAndMarkPending(ctx context.Context, c chunk.Info) (bool, error) {
	return m.IsReady(c)
}

// SetReadyAndClearPending marks the chunk's digest ready and, in persistent
// mode, writes the mark through to the datastore. Marking a digest twice
// writes it once.
func (m *DigestedMap) SetReadyAndClearPending(ctx context.Context, c chunk.Info) error {
	k := c.Digest()

	m.lk.Lock()
	_, exists := m.ready[k]
	m.ready[k] = struct{}{}
	m.lk.Unlock()

	if m.store == nil || exists {
		return nil
	}
	if err := m.store.Put(ctx, ds.NewKey(k.String()), []byte{}); err != nil {
		return fmt.Errorf("failed to put readiness mark: %w", err)
	}
	if err := m.store.Sync(ctx, ds.Key{}); err != nil {
		return fmt.Errorf("failed to sync readiness mark to store: %w", err)
	}
	return nil
}

// ClearPending is a no-op; plain stores have no inflight notion.
func (m *DigestedMap) ClearPending(c chunk.Info) {}

// Persistent reports whether marks are written through to a datastore.
func (m *DigestedMap) Persistent() bool {
	return m.store != nil
}

// ReadyCount returns the number of digests marked ready.
func (m *DigestedMap) ReadyCount() int {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return len(m.ready)
}

// Close syncs outstanding marks to the datastore, if any.
func (m *DigestedMap) Close(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Sync(ctx, ds.Key{})
}
