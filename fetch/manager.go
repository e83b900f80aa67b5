package fetch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/lazyblob/blobstate/chunk"
)

// DefaultIdleTTL is how long an unused blob entry stays resident before the
// Manager closes it.
var DefaultIdleTTL = 5 * time.Minute

// ErrManagerClosed is returned when operating on a closed Manager.
var ErrManagerClosed = errors.New("manager is closed")

// errReleased burns the entry of a blob that was released while a Get was
// racing to construct it; the Get retries against a fresh entry.
var errReleased = errors.New("blob entry released")

// NewBlobFn constructs the cache entry for a blob, typically a Fetcher or
// ChunkFetcher assembled from the blob's metadata.
type NewBlobFn[B io.Closer] func(ctx context.Context, key chunk.Key) (B, error)

// Manager tracks the live cache entries of a set of blobs, keyed by blob
// digest. Get constructs each entry at most once per residency; entries
// unused for longer than the idle TTL are closed and evicted, and are
// reconstructed on next use. Readiness state survives eviction when the
// entries persist it.
type Manager[B io.Closer] struct {
	construct NewBlobFn[B]
	ttl       time.Duration

	lk      sync.Mutex
	entries map[chunk.Key]*entry[B]
	closed  bool

	// idle only times residency; entries is the authority on liveness.
	idle *ttlcache.Cache
}

type entry[B io.Closer] struct {
	once sync.Once
	b    B
	err  error
	ok   bool
}

// NewManager creates a Manager constructing entries with construct. A zero
// idleTTL uses DefaultIdleTTL; a negative one keeps entries resident until
// Release or Close.
func NewManager[B io.Closer](construct NewBlobFn[B], idleTTL time.Duration) *Manager[B] {
	if idleTTL == 0 {
		idleTTL = DefaultIdleTTL
	}
	m := &Manager[B]{
		construct: construct,
		ttl:       idleTTL,
		entries:   make(map[chunk.Key]*entry[B]),
	}

	c := ttlcache.NewCache()
	c.SetExpirationReasonCallback(func(key string, reason ttlcache.EvictionReason, _ interface{}) {
		if reason != ttlcache.Expired {
			return
		}
		m.expire(chunk.KeyFromString(key))
	})
	if idleTTL > 0 {
		_ = c.SetTTL(idleTTL)
	}
	m.idle = c
	return m
}

// Get returns the entry for key, constructing it if it is not resident.
// Concurrent Gets for the same key share one construction.
func (m *Manager[B]) Get(ctx context.Context, key chunk.Key) (B, error) {
	var zero B
	for {
		m.lk.Lock()
		if m.closed {
			m.lk.Unlock()
			return zero, ErrManagerClosed
		}
		e, ok := m.entries[key]
		if !ok {
			e = &entry[B]{}
			m.entries[key] = e
		}
		m.lk.Unlock()

		e.once.Do(func() {
			e.b, e.err = m.construct(ctx, key)
			e.ok = e.err == nil
		})
		if e.err != nil {
			m.lk.Lock()
			if cur, ok := m.entries[key]; ok && cur == e {
				delete(m.entries, key)
			}
			m.lk.Unlock()
			if errors.Is(e.err, errReleased) {
				continue
			}
			return zero, e.err
		}

		// arm or extend the idle timer. The timer starts only after
		// construction, so slow constructions cannot expire mid-flight.
		if m.ttl > 0 {
			if _, err := m.idle.Get(key.String()); errors.Is(err, ttlcache.ErrNotFound) {
				_ = m.idle.Set(key.String(), nil)
			}
		}
		return e.b, nil
	}
}

// Release closes and evicts the entry for key immediately, if resident.
func (m *Manager[B]) Release(key chunk.Key) {
	if m.ttl > 0 {
		_ = m.idle.Remove(key.String())
	}
	m.drop(key)
}

// expire retires an entry whose idle timer fired.
func (m *Manager[B]) expire(key chunk.Key) {
	log.Debugw("blob entry idle, retiring", "blob", key)
	m.drop(key)
}

func (m *Manager[B]) drop(key chunk.Key) {
	m.lk.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.lk.Unlock()
	if !ok {
		return
	}

	// burning the once synchronizes with any racing construction.
	e.once.Do(func() { e.err = errReleased })
	if !e.ok {
		return
	}
	if err := e.b.Close(); err != nil {
		log.Warnw("failed to close blob entry", "blob", key, "error", err)
	}
}

// Len returns the number of resident entries.
func (m *Manager[B]) Len() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return len(m.entries)
}

// Close closes every resident entry and rejects further Gets.
func (m *Manager[B]) Close() error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = nil
	m.lk.Unlock()

	_ = m.idle.Close()

	var err error
	for key, e := range entries {
		e.once.Do(func() { e.err = ErrManagerClosed })
		if !e.ok {
			continue
		}
		if cerr := e.b.Close(); cerr != nil {
			log.Warnw("failed to close blob entry", "blob", key, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	return err
}
