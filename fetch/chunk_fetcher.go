package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazyblob/blobstate"
	"github.com/lazyblob/blobstate/backend"
	"github.com/lazyblob/blobstate/chunk"
	"github.com/lazyblob/blobstate/store"
	"github.com/lazyblob/blobstate/throttle"
)

// ChunkConfig configures a ChunkFetcher.
type ChunkConfig struct {
	// CachePath is the blob's local cache file. Required.
	CachePath string

	// Source supplies the blob's bytes. The ChunkFetcher takes ownership
	// and closes it on Close. Required.
	Source backend.Backend

	// ChunkCount is the number of chunks in the blob's chunk table.
	// Required.
	ChunkCount uint32

	// Size is the cache file size in bytes, the end of the last chunk as
	// laid out by the chunk table. Required.
	Size uint64

	// Persist keeps readiness in a sidecar next to CachePath.
	Persist bool

	// Throttler bounds concurrent backend fetches. Defaults to a fixed
	// gate of 8.
	Throttler throttle.Gate

	// WaitTimeout bounds waits on other callers' inflight fetches. Zero
	// means the tracker default.
	WaitTimeout time.Duration

	// MaxRounds bounds claim, fetch, wait rounds before giving up.
	// Defaults to 3.
	MaxRounds int

	// MaxFetchAttempts bounds download attempts per chunk run. Defaults
	// to 5.
	MaxFetchAttempts int
}

func (cfg *ChunkConfig) applyDefaults() error {
	if cfg.CachePath == "" {
		return fmt.Errorf("chunk config: cache path is required")
	}
	if cfg.Source == nil {
		return fmt.Errorf("chunk config: source backend is required")
	}
	if cfg.ChunkCount == 0 {
		return fmt.Errorf("chunk config: chunk count is required")
	}
	if cfg.Size == 0 {
		return fmt.Errorf("chunk config: cache size is required")
	}
	if cfg.Throttler == nil {
		cfg.Throttler = throttle.Fixed(defaultConcurrency)
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxFetchAttempts == 0 {
		cfg.MaxFetchAttempts = defaultFetchAttempts
	}
	return nil
}

// ChunkFetcher populates one blob's cache file chunk by chunk, for blobs
// carrying a chunk table. Readiness is tracked per chunk index; the unit
// and range views share one slot table, so per-chunk and batched callers
// arbitrate against each other correctly.
//
// Chunk bytes are stored verbatim at the chunk's uncompressed offset.
// Decompression and digest validation belong to the caller.
type ChunkFetcher struct {
	cfg    ChunkConfig
	source backend.Backend
	cache  *os.File
	im     *store.IndexedMap
	units  *blobstate.StateMap[*store.IndexedMap, uint32]
	ranges *blobstate.RangeStateMap[*store.IndexedMap, uint32]
	gate   throttle.Gate
}

// NewChunkFetcher opens (creating if needed) the blob's cache file and
// chunk readiness state.
func NewChunkFetcher(cfg ChunkConfig) (*ChunkFetcher, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	cache, err := os.OpenFile(cfg.CachePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	if err := cache.Truncate(int64(cfg.Size)); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to size cache file: %w", err)
	}

	im, err := store.NewIndexedMap(cfg.CachePath, cfg.ChunkCount, cfg.Persist)
	if err != nil {
		cache.Close()
		return nil, err
	}

	units, ranges := blobstate.NewWithRange[*store.IndexedMap, uint32](im, blobstate.WithWaitTimeout(cfg.WaitTimeout))
	return &ChunkFetcher{
		cfg:    cfg,
		source: cfg.Source,
		cache:  cache,
		im:     im,
		units:  units,
		ranges: ranges,
		gate:   cfg.Throttler,
	}, nil
}

// EnsureChunks fetches whichever of the given chunks are missing, one
// claim at a time. A chunk being fetched by a concurrent caller is waited
// on through the claim protocol; a timed out wait is retried up to
// MaxRounds times before the timeout is surfaced.
func (f *ChunkFetcher) EnsureChunks(ctx context.Context, chunks ...chunk.Info) error {
	for _, c := range chunks {
		if err := f.ensureChunk(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (f *ChunkFetcher) ensureChunk(ctx context.Context, c chunk.Info) error {
	var claimed bool
	for attempt := 0; !claimed; attempt++ {
		ready, err := f.units.CheckReadyAndMarkPending(ctx, c)
		if err != nil {
			if errors.Is(err, blobstate.ErrWaitTimeout) && attempt+1 < f.cfg.MaxRounds {
				log.Warnw("wait for inflight chunk timed out, retrying", "chunk", c.Index(), "attempt", attempt+1)
				continue
			}
			return fmt.Errorf("chunk %d: %w", c.Index(), err)
		}
		if ready {
			return nil
		}
		claimed = true
	}

	// we are the fetcher of record for c.
	err := f.gate.Do(ctx, func(ctx context.Context) error {
		return fetchToFile(ctx, f.source, f.cache, c.CompressedOffset(), c.UncompressedOffset(), uint64(c.CompressedSize()), f.cfg.MaxFetchAttempts)
	})
	if err != nil {
		f.units.ClearPending(c)
		log.Warnw("chunk fetch failed", "chunk", c.Index(), "error", err)
		return fmt.Errorf("failed to fetch chunk %d: %w", c.Index(), err)
	}
	if err := f.units.SetReadyAndClearPending(ctx, c); err != nil {
		return fmt.Errorf("failed to mark chunk %d ready: %w", c.Index(), err)
	}
	return nil
}

// EnsureChunkRange fetches the missing chunks of a contiguous run of
// descriptors. Contiguous missing chunks are coalesced into single backend
// reads; chunks claimed by concurrent callers are waited on.
//
// The descriptors must be sorted by index with no gaps.
func (f *ChunkFetcher) EnsureChunkRange(ctx context.Context, chunks []chunk.Info) error {
	if len(chunks) == 0 {
		return nil
	}
	first := chunks[0].Index()
	for i, c := range chunks {
		if c.Index() != first+uint32(i) {
			return fmt.Errorf("chunk descriptors are not contiguous: index %d at position %d, want %d", c.Index(), i, first+uint32(i))
		}
	}
	count := uint32(len(chunks))

	for round := 0; ; round++ {
		owned, err := f.ranges.CheckRangeReadyAndMarkPending(ctx, first, count)
		if err != nil {
			return err
		}
		if owned == nil {
			return nil
		}

		if len(owned) > 0 {
			if err := f.fetchChunkRuns(ctx, chunks, owned); err != nil {
				return err
			}
		}

		ready, err := f.ranges.WaitForRangeReady(ctx, first, count)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if round+1 >= f.cfg.MaxRounds {
			return fmt.Errorf("chunks [%d, %d): %w", first, first+count, ErrRangeNotReady)
		}
		log.Debugw("chunk range still not ready, retrying", "first", first, "count", count, "round", round+1)
	}
}

// fetchChunkRuns downloads the owned chunks, coalescing contiguous indices
// into single backend reads. Every claimed chunk ends either marked ready
// or cleared.
func (f *ChunkFetcher) fetchChunkRuns(ctx context.Context, chunks []chunk.Info, owned []uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	base := chunks[0].Index()

	for start := 0; start < len(owned); {
		end := start + 1
		for end < len(owned) && owned[end] == owned[end-1]+1 {
			end++
		}

		run := chunks[owned[start]-base : owned[end-1]-base+1]
		head, tail := run[0], run[len(run)-1]
		srcOff := head.CompressedOffset()
		srcLen := tail.CompressedOffset() + uint64(tail.CompressedSize()) - srcOff
		dstOff := head.UncompressedOffset()
		runFirst, runCount := head.Index(), uint32(len(run))

		g.Go(func() error {
			err := f.gate.Do(gctx, func(ctx context.Context) error {
				return fetchToFile(ctx, f.source, f.cache, srcOff, dstOff, srcLen, f.cfg.MaxFetchAttempts)
			})
			if err != nil {
				f.ranges.ClearRangePending(runFirst, runCount)
				log.Warnw("chunk run fetch failed", "first", runFirst, "count", runCount, "error", err)
				return fmt.Errorf("failed to fetch chunks [%d, %d): %w", runFirst, runFirst+runCount, err)
			}
			if err := f.ranges.SetRangeReadyAndClearPending(gctx, runFirst, runCount); err != nil {
				return fmt.Errorf("failed to mark chunks [%d, %d) ready: %w", runFirst, runFirst+runCount, err)
			}
			return nil
		})

		start = end
	}
	return g.Wait()
}

// ReadyCount returns the number of cached chunks.
func (f *ChunkFetcher) ReadyCount() uint64 {
	return f.im.ReadyCount()
}

// InflightSlots returns the number of chunks currently claimed.
func (f *ChunkFetcher) InflightSlots() int {
	return f.ranges.InflightSlots()
}

// Close flushes readiness state and releases the cache file and the
// backend.
func (f *ChunkFetcher) Close() error {
	err := f.im.Close()
	if cerr := f.cache.Close(); err == nil {
		err = cerr
	}
	if serr := f.source.Close(); err == nil {
		err = serr
	}
	return err
}
