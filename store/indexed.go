package store

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/lazyblob/blobstate/chunk"
)

// ReadySuffix is appended to a blob's cache file path to name its readiness
// sidecar.
const ReadySuffix = ".ready"

// IndexedMap tracks chunk readiness by chunk index, one bit per chunk. In
// persistent mode the bits live in a sidecar file next to the blob's cache
// file and survive restarts; otherwise they live in heap memory.
//
// IndexedMap is both unit- and range-addressed: the granules of its range
// view are the chunk indices themselves.
type IndexedMap struct {
	bm    *bitmap
	count uint32
}

// NewIndexedMap creates or reopens the readiness state for a blob with
// chunkCount chunks, cached at blobPath. With persist set, state lives in
// the blobPath sidecar; an existing sidecar must match chunkCount.
func NewIndexedMap(blobPath string, chunkCount uint32, persist bool) (*IndexedMap, error) {
	if !persist {
		return &IndexedMap{bm: newMemBitmap(uint64(chunkCount)), count: chunkCount}, nil
	}
	bm, err := openBitmap(blobPath+ReadySuffix, uint64(chunkCount))
	if err != nil {
		return nil, xerrors.Errorf("failed to open chunk bitmap for %s: %w", blobPath, err)
	}
	return &IndexedMap{bm: bm, count: chunkCount}, nil
}

// ChunkKey returns the chunk's index, the unit identity of this store.
func (m *IndexedMap) ChunkKey(c chunk.Info) uint32 {
	return c.Index()
}

// IsReady reports whether the chunk's bit is set.
func (m *IndexedMap) IsReady(c chunk.Info) (bool, error) {
	idx := c.Index()
	if idx >= m.count {
		return false, xerrors.Errorf("chunk %d of %d: %w", idx, m.count, ErrOutOfRange)
	}
	return m.bm.isSet(uint64(idx)), nil
}

// IsPending always reports false; plain stores have no inflight notion.
func (m *IndexedMap) IsPending(c chunk.Info) (bool, error) {
	return false, nil
}

// CheckReadyAndMarkPending behaves like IsReady; marking pending is the
// adapter's job.
func (m *IndexedMap) CheckReadyAndMarkPending(ctx context.Context, c chunk.Info) (bool, error) {
	return m.IsReady(c)
}

// SetReadyAndClearPending sets the chunk's bit. Setting an already set bit
// is a no-op.
func (m *IndexedMap) SetReadyAndClearPending(ctx context.Context, c chunk.Info) error {
	idx := c.Index()
	if idx >= m.count {
		return xerrors.Errorf("chunk %d of %d: %w", idx, m.count, ErrOutOfRange)
	}
	m.bm.set(uint64(idx))
	return nil
}

// ClearPending is a no-op; plain stores have no inflight notion.
func (m *IndexedMap) ClearPending(c chunk.Info) {}

// Persistent reports whether the bits are file-backed.
func (m *IndexedMap) Persistent() bool {
	return m.bm.persistent()
}

// IsRangeAllReady reports whether every chunk of the blob is ready.
func (m *IndexedMap) IsRangeAllReady() bool {
	return m.bm.allSet()
}

// GranuleRange maps the chunk index interval [start, start+count) onto
// itself, clamping a tail that runs past the chunk table.
func (m *IndexedMap) GranuleRange(start, count uint32) (uint32, uint32, error) {
	if count == 0 {
		return 0, 0, nil
	}
	if start >= m.count {
		return 0, 0, xerrors.Errorf("range start %d of %d: %w", start, m.count, ErrOutOfRange)
	}
	end := uint64(start) + uint64(count)
	if end > uint64(m.count) {
		end = uint64(m.count)
	}
	return start, uint32(end), nil
}

// IsRangeReady reports whether every chunk in [start, start+count) is
// ready.
func (m *IndexedMap) IsRangeReady(start, count uint32) (bool, error) {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return false, err
	}
	for g := first; g < end; g++ {
		if !m.bm.isSet(uint64(g)) {
			return false, nil
		}
	}
	return true, nil
}

// IsGranuleReady reports whether the single chunk g is ready.
func (m *IndexedMap) IsGranuleReady(g uint32) (bool, error) {
	if g >= m.count {
		return false, xerrors.Errorf("chunk %d of %d: %w", g, m.count, ErrOutOfRange)
	}
	return m.bm.isSet(uint64(g)), nil
}

// CheckRangeReadyAndMarkPending returns the chunks of [start, start+count)
// whose bits are not set, nil if there are none.
func (m *IndexedMap) CheckRangeReadyAndMarkPending(ctx context.Context, start, count uint32) ([]uint32, error) {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return nil, err
	}
	var missing []uint32
	for g := first; g < end; g++ {
		if !m.bm.isSet(uint64(g)) {
			missing = append(missing, g)
		}
	}
	return missing, nil
}

// SetRangeReadyAndClearPending sets the bit of every chunk in
// [start, start+count).
func (m *IndexedMap) SetRangeReadyAndClearPending(ctx context.Context, start, count uint32) error {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return err
	}
	for g := first; g < end; g++ {
		m.bm.set(uint64(g))
	}
	return nil
}

// ClearRangePending is a no-op; plain stores have no inflight notion.
func (m *IndexedMap) ClearRangePending(start, count uint32) {}

// WaitForRangeReady behaves like IsRangeReady; plain stores have nothing to
// wait on.
func (m *IndexedMap) WaitForRangeReady(ctx context.Context, start, count uint32) (bool, error) {
	return m.IsRangeReady(start, count)
}

// ReadyCount returns the number of chunks marked ready.
func (m *IndexedMap) ReadyCount() uint64 {
	return m.bm.setCount()
}

// Flush forces dirty readiness bits out to the sidecar file.
func (m *IndexedMap) Flush() error {
	return m.bm.flush()
}

// Close flushes and releases the sidecar mapping. The map must not be used
// afterwards.
func (m *IndexedMap) Close() error {
	return m.bm.close()
}
