// Package fetch populates per-blob cache files on demand. A Fetcher (byte
// ranges) or ChunkFetcher (chunk tables) is the cache entry for one blob:
// it owns the blob's local file, its readiness state and the trackers that
// arbitrate concurrent downloads, and it drives the blob's backend to fill
// whatever callers need. A Manager keeps the live entries and retires the
// idle ones.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jpillora/backoff"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lazyblob/blobstate"
	"github.com/lazyblob/blobstate/backend"
	"github.com/lazyblob/blobstate/store"
	"github.com/lazyblob/blobstate/throttle"
)

var (
	log = logging.Logger("blobstate/fetch")

	// 500ms, 750ms, ~1.1s, ~1.7s
	minFetchBackoff  = 500 * time.Millisecond // minimum backoff time before retrying a failed backend fetch
	maxFetchBackoff  = 2 * time.Second        // maximum backoff time before retrying a failed backend fetch
	fetchBackoffFactor = 1.5                  // factor by which to increase the backoff time between fetch attempts

	defaultGranuleBits   = uint(20) // 1 MiB granules
	defaultConcurrency   = 8
	defaultMaxRounds     = 3
	defaultFetchAttempts = 5
)

var (
	// ErrRangeNotReady is returned when a range is still not fully ready
	// after the configured number of claim-fetch-wait rounds.
	ErrRangeNotReady = errors.New("range not ready after retries")
)

// Config configures a Fetcher.
type Config struct {
	// CachePath is the blob's local cache file. Required.
	CachePath string

	// Source supplies the blob's bytes. The Fetcher takes ownership and
	// closes it on Close. Required.
	Source backend.Backend

	// Size is the blob size in bytes. Required; stat the Source if it is
	// not known upfront.
	Size uint64

	// GranuleBits sets the readiness granule to 1<<GranuleBits bytes.
	// Defaults to 20 (1 MiB).
	GranuleBits uint

	// Persist keeps readiness in a sidecar next to CachePath, surviving
	// restarts.
	Persist bool

	// Throttler bounds concurrent backend fetches across callers of this
	// Fetcher. Defaults to a fixed gate of 8.
	Throttler throttle.Gate

	// WaitTimeout bounds waits on other callers' inflight fetches. Zero
	// means the tracker default.
	WaitTimeout time.Duration

	// MaxRounds bounds how many claim, fetch, wait rounds an ensure runs
	// before giving up with ErrRangeNotReady. Defaults to 3.
	MaxRounds int

	// MaxFetchAttempts bounds download attempts per granule run. Defaults
	// to 5.
	MaxFetchAttempts int
}

func (cfg *Config) applyDefaults() error {
	if cfg.CachePath == "" {
		return fmt.Errorf("config: cache path is required")
	}
	if cfg.Source == nil {
		return fmt.Errorf("config: source backend is required")
	}
	if cfg.Size == 0 {
		return fmt.Errorf("config: blob size is required")
	}
	if cfg.GranuleBits == 0 {
		cfg.GranuleBits = defaultGranuleBits
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

// Fetcher populates one blob's cache file from its backend on demand,
// addressed by raw byte ranges. It owns the blob's granule readiness state;
// concurrent and overlapping ensures download every granule once.
type Fetcher struct {
	cfg    Config
	source backend.Backend
	cache  *os.File
	gm     *store.GranuleMap
	ranges *blobstate.RangeStateMap[*store.GranuleMap, uint64]
	gate   throttle.Gate
}

// NewFetcher opens (creating if needed) the blob's cache file and readiness
// state.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	cache, err := os.OpenFile(cfg.CachePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	// size the file upfront so ready regions read back without short reads;
	// unwritten regions stay sparse.
	if err := cache.Truncate(int64(cfg.Size)); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to size cache file: %w", err)
	}

	gm, err := store.NewGranuleMap(cfg.CachePath, cfg.Size, cfg.GranuleBits, cfg.Persist)
	if err != nil {
		cache.Close()
		return nil, err
	}

	return &Fetcher{
		cfg:    cfg,
		source: cfg.Source,
		cache:  cache,
		gm:     gm,
		ranges: blobstate.NewRange[*store.GranuleMap, uint64](gm, blobstate.WithWaitTimeout(cfg.WaitTimeout)),
		gate:   cfg.Throttler,
	}, nil
}

// EnsureRange makes [offset, offset+length) of the blob readable from the
// cache file. Granules already being fetched by concurrent callers are
// waited on, not refetched; if after fetching and waiting the range is
// still incomplete, the whole sequence is retried up to MaxRounds times.
func (f *Fetcher) EnsureRange(ctx context.Context, offset, length uint64) error {
	for round := 0; ; round++ {
		owned, err := f.ranges.CheckRangeReadyAndMarkPending(ctx, offset, length)
		if err != nil {
			return err
		}
		if owned == nil {
			return nil
		}

		if len(owned) > 0 {
			if err := f.fetchGranules(ctx, owned); err != nil {
				return err
			}
		}

		ready, err := f.ranges.WaitForRangeReady(ctx, offset, length)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if round+1 >= f.cfg.MaxRounds {
			return fmt.Errorf("range [%d, %d): %w", offset, offset+length, ErrRangeNotReady)
		}
		log.Debugw("range still not ready, retrying", "offset", offset, "length", length, "round", round+1)
	}
}

// ReadAt reads from the cache file, fetching whatever the read needs first.
func (f *Fetcher) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	if err := f.EnsureRange(ctx, off, uint64(len(p))); err != nil {
		return 0, err
	}
	return f.cache.ReadAt(p, int64(off))
}

// AllReady reports whether the whole blob is cached.
func (f *Fetcher) AllReady() bool {
	return f.ranges.IsRangeAllReady()
}

// fetchGranules downloads the owned granules, coalescing contiguous ones
// into single backend reads. Every claimed granule ends either marked ready
// or cleared; nothing stays pending past this call.
func (f *Fetcher) fetchGranules(ctx context.Context, granules []uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	gsize := f.gm.GranuleSize()

	for start := 0; start < len(granules); {
		end := start + 1
		for end < len(granules) && granules[end] == granules[end-1]+1 {
			end++
		}

		byteOff := granules[start] * gsize
		byteLen := uint64(end-start) * gsize
		if byteOff+byteLen > f.gm.Size() {
			byteLen = f.gm.Size() - byteOff
		}

		g.Go(func() error {
			err := f.gate.Do(gctx, func(ctx context.Context) error {
				return fetchToFile(ctx, f.source, f.cache, byteOff, byteOff, byteLen, f.cfg.MaxFetchAttempts)
			})
			if err != nil {
				f.ranges.ClearRangePending(byteOff, byteLen)
				log.Warnw("granule run fetch failed", "offset", byteOff, "length", byteLen, "error", err)
				return fmt.Errorf("failed to fetch range [%d, %d): %w", byteOff, byteOff+byteLen, err)
			}
			if err := f.ranges.SetRangeReadyAndClearPending(gctx, byteOff, byteLen); err != nil {
				return fmt.Errorf("failed to mark range [%d, %d) ready: %w", byteOff, byteOff+byteLen, err)
			}
			return nil
		})

		start = end
	}
	return g.Wait()
}

// InflightSlots returns the number of granules currently claimed. Useful
// for tests and introspection.
func (f *Fetcher) InflightSlots() int {
	return f.ranges.InflightSlots()
}

// Close flushes readiness state and releases the cache file and the
// backend.
func (f *Fetcher) Close() error {
	err := f.gm.Close()
	if cerr := f.cache.Close(); err == nil {
		err = cerr
	}
	if serr := f.source.Close(); err == nil {
		err = serr
	}
	return err
}

// fetchToFile copies [srcOff, srcOff+length) of the backend into the cache
// file at dstOff, retrying failed attempts with jittered backoff. A short
// copy counts as a failure; the readiness mark must cover fully written
// bytes only.
func fetchToFile(ctx context.Context, src backend.Backend, dst *os.File, srcOff, dstOff, length uint64, attempts int) error {
	bo := &backoff.Backoff{
		Min:    minFetchBackoff,
		Max:    maxFetchBackoff,
		Factor: fetchBackoffFactor,
		Jitter: true,
	}
	for {
		err := func() error {
			rd, err := src.Fetch(ctx, srcOff, length)
			if err != nil {
				return err
			}
			defer rd.Close()

			n, err := io.Copy(io.NewOffsetWriter(dst, int64(dstOff)), rd)
			if err != nil {
				return err
			}
			if uint64(n) != length {
				return fmt.Errorf("short fetch: got %d of %d bytes", n, length)
			}
			return nil
		}()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		nAttempts := bo.Attempt() + 1
		if int(nAttempts) >= attempts {
			return err
		}
		dur := bo.Duration()
		log.Debugw("retrying fetch", "offset", srcOff, "length", length, "attempt", nAttempts, "backoff", dur, "error", err)
		t := time.NewTimer(dur)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		t.Stop()
	}
}
