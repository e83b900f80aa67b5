package fetch

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lazyblob/blobstate/backend"
)

func init() {
	_ = logging.SetLogLevel("blobstate/fetch", "DEBUG")
}

func makeBlob(size int) []byte {
	buf := make([]byte, size)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(buf)
	return buf
}

// quickBackoff shrinks the fetch retry backoff for the duration of a test.
func quickBackoff(t *testing.T) {
	min, max := minFetchBackoff, maxFetchBackoff
	minFetchBackoff, maxFetchBackoff = 5*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() {
		minFetchBackoff, maxFetchBackoff = min, max
	})
}

func TestEnsureRangeFullBlob(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(300_000)
	counting := &backend.Counting{Backend: &backend.BytesBackend{Bytes: blob}}
	cachePath := filepath.Join(t.TempDir(), "blob")

	f, err := NewFetcher(Config{
		CachePath:   cachePath,
		Source:      counting,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	require.False(t, f.AllReady())
	require.NoError(t, f.EnsureRange(ctx, 0, uint64(len(blob))))
	require.True(t, f.AllReady())
	require.Zero(t, f.InflightSlots())

	// one contiguous run of granules, one backend read.
	require.Equal(t, 1, counting.Count())

	cached, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.Equal(t, blob, cached)

	// a ready range costs nothing.
	require.NoError(t, f.EnsureRange(ctx, 0, uint64(len(blob))))
	require.Equal(t, 1, counting.Count())
}

func TestEnsureRangePartial(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(300_000)
	counting := &backend.Counting{Backend: &backend.BytesBackend{Bytes: blob}}
	cachePath := filepath.Join(t.TempDir(), "blob")

	f, err := NewFetcher(Config{
		CachePath:   cachePath,
		Source:      counting,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	// [5000, 5100) lives entirely in granule 1.
	require.NoError(t, f.EnsureRange(ctx, 5000, 100))
	require.Equal(t, 1, counting.Count())
	require.EqualValues(t, 1, f.gm.ReadyCount())

	cached, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.Equal(t, blob[4096:8192], cached[4096:8192])

	// [0, 10000) needs granules 0 and 2; granule 1 is already there, so the
	// two missing ones arrive as two separate runs.
	require.NoError(t, f.EnsureRange(ctx, 0, 10000))
	require.Equal(t, 3, counting.Count())

	p := make([]byte, 100)
	n, err := f.ReadAt(ctx, p, 5000)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, blob[5000:5100], p)
}

func TestEnsureRangeZeroAndOutOfRange(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(10_000)

	f, err := NewFetcher(Config{
		CachePath:   filepath.Join(t.TempDir(), "blob"),
		Source:      &backend.BytesBackend{Bytes: blob},
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.EnsureRange(ctx, 5, 0))

	// offsets beyond the blob are the caller's bug, not a fetch miss.
	require.Error(t, f.EnsureRange(ctx, uint64(len(blob)), 1))
	require.Zero(t, f.InflightSlots())
}

// recordingBackend tracks every fetched window so tests can prove that no
// granule was downloaded twice.
type recordingBackend struct {
	backend.Backend

	mu      sync.Mutex
	windows [][2]uint64
}

func (r *recordingBackend) Fetch(ctx context.Context, offset, length uint64) (io.ReadCloser, error) {
	r.mu.Lock()
	r.windows = append(r.windows, [2]uint64{offset, length})
	r.mu.Unlock()
	time.Sleep(2 * time.Millisecond) // widen the race window
	return r.Backend.Fetch(ctx, offset, length)
}

func TestEnsureRangeConcurrentSingleFlight(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(300_000)
	rec := &recordingBackend{Backend: &backend.BytesBackend{Bytes: blob}}
	cachePath := filepath.Join(t.TempDir(), "blob")

	f, err := NewFetcher(Config{
		CachePath:   cachePath,
		Source:      rec,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	grp, _ := errgroup.WithContext(ctx)
	for w := 0; w < 16; w++ {
		seed := int64(w)
		grp.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 20; i++ {
				off := uint64(rnd.Intn(len(blob)))
				ln := uint64(rnd.Intn(20_000) + 1)
				if err := f.EnsureRange(ctx, off, ln); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())

	require.NoError(t, f.EnsureRange(ctx, 0, uint64(len(blob))))
	require.True(t, f.AllReady())
	require.Zero(t, f.InflightSlots())

	cached, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.Equal(t, blob, cached)

	// every granule was fetched at most once across all callers.
	covered := make([]bool, (len(blob)+4095)/4096)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, w := range rec.windows {
		first := w[0] >> 12
		end := (w[0] + w[1] + 4095) >> 12
		for g := first; g < end; g++ {
			require.False(t, covered[g], "granule %d fetched twice", g)
			covered[g] = true
		}
	}
}

// flakyBackend fails the first n fetches, then behaves.
type flakyBackend struct {
	backend.Backend

	mu       sync.Mutex
	failures int
}

func (f *flakyBackend) Fetch(ctx context.Context, offset, length uint64) (io.ReadCloser, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("transient fetch failure")
	}
	return f.Backend.Fetch(ctx, offset, length)
}

func TestEnsureRangeRetriesTransientFailures(t *testing.T) {
	quickBackoff(t)

	ctx := context.Background()
	blob := makeBlob(50_000)
	flaky := &flakyBackend{Backend: &backend.BytesBackend{Bytes: blob}, failures: 2}
	cachePath := filepath.Join(t.TempDir(), "blob")

	f, err := NewFetcher(Config{
		CachePath:   cachePath,
		Source:      flaky,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.EnsureRange(ctx, 0, uint64(len(blob))))
	cached, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.Equal(t, blob, cached)
}

func TestEnsureRangeFailureReleasesClaims(t *testing.T) {
	quickBackoff(t)

	ctx := context.Background()
	blob := makeBlob(50_000)
	broken := &flakyBackend{Backend: &backend.BytesBackend{Bytes: blob}, failures: 1 << 30}

	f, err := NewFetcher(Config{
		CachePath:        filepath.Join(t.TempDir(), "blob"),
		Source:           broken,
		Size:             uint64(len(blob)),
		GranuleBits:      12,
		MaxFetchAttempts: 2,
	})
	require.NoError(t, err)
	defer f.Close()

	require.Error(t, f.EnsureRange(ctx, 0, uint64(len(blob))))

	// failed claims are abandoned, not leaked; the next caller can reclaim.
	require.Zero(t, f.InflightSlots())

	owned, err := f.ranges.CheckRangeReadyAndMarkPending(ctx, 0, uint64(len(blob)))
	require.NoError(t, err)
	require.NotNil(t, owned)
	require.NotEmpty(t, owned)
	f.ranges.ClearRangePending(0, uint64(len(blob)))
}

// slowBackend delays every fetch, giving concurrent callers time to pile up
// behind the inflight claim.
type slowBackend struct {
	backend.Backend
	delay time.Duration
}

func (s *slowBackend) Fetch(ctx context.Context, offset, length uint64) (io.ReadCloser, error) {
	time.Sleep(s.delay)
	return s.Backend.Fetch(ctx, offset, length)
}

func TestEnsureRangeSecondCallerWaits(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(50_000)
	counting := &backend.Counting{Backend: &slowBackend{Backend: &backend.BytesBackend{Bytes: blob}, delay: 200 * time.Millisecond}}

	f, err := NewFetcher(Config{
		CachePath:   filepath.Join(t.TempDir(), "blob"),
		Source:      counting,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
	})
	require.NoError(t, err)
	defer f.Close()

	grp, _ := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		grp.Go(func() error {
			return f.EnsureRange(ctx, 0, uint64(len(blob)))
		})
	}
	require.NoError(t, grp.Wait())

	// one download served all four callers.
	require.Equal(t, 1, counting.Count())
	require.True(t, f.AllReady())
}

func TestFetcherPersistence(t *testing.T) {
	ctx := context.Background()
	blob := makeBlob(100_000)
	cachePath := filepath.Join(t.TempDir(), "blob")

	f, err := NewFetcher(Config{
		CachePath:   cachePath,
		Source:      &backend.BytesBackend{Bytes: blob},
		Size:        uint64(len(blob)),
		GranuleBits: 12,
		Persist:     true,
	})
	require.NoError(t, err)
	require.NoError(t, f.EnsureRange(ctx, 0, 50_000))
	require.NoError(t, f.Close())

	// a reopened fetcher remembers what is already cached.
	counting := &backend.Counting{Backend: &backend.BytesBackend{Bytes: blob}}
	f, err = NewFetcher(Config{
		CachePath:   cachePath,
		Source:      counting,
		Size:        uint64(len(blob)),
		GranuleBits: 12,
		Persist:     true,
	})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.EnsureRange(ctx, 0, 50_000))
	require.Zero(t, counting.Count())

	require.NoError(t, f.EnsureRange(ctx, 0, uint64(len(blob))))
	require.Equal(t, 1, counting.Count())
	require.True(t, f.AllReady())

	cached, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.Equal(t, blob, cached)
}

func TestFetcherConfigValidation(t *testing.T) {
	_, err := NewFetcher(Config{})
	require.Error(t, err)

	_, err = NewFetcher(Config{CachePath: "x"})
	require.Error(t, err)

	_, err = NewFetcher(Config{CachePath: "x", Source: &backend.BytesBackend{}})
	require.Error(t, err)
}
