package store

import (
	"context"
	"math"

	"golang.org/x/xerrors"
)

// GranuleSuffix is appended to a blob's cache file path to name the
// readiness sidecar of its granule map.
const GranuleSuffix = ".granules"

// GranuleMap tracks readiness of a blob addressed by raw byte intervals,
// one bit per granule of 1<<granuleBits bytes. Chunk identity plays no part
// here; it serves blobs whose cache is populated by offset, such as
// per-layer image blobs pulled with ranged reads.
//
// Interval arguments are byte offsets and lengths. Partial leading and
// trailing bytes of a granule count as covering the whole granule.
type GranuleMap struct {
	bm       *bitmap
	size     uint64
	shift    uint
	granules uint64
}

// NewGranuleMap creates or reopens the granule readiness state for a blob
// of blobSize bytes cached at blobPath, with granules of 1<<granuleBits
// bytes. With persist set, state lives in the blobPath sidecar; an existing
// sidecar must match the granule count.
func NewGranuleMap(blobPath string, blobSize uint64, granuleBits uint, persist bool) (*GranuleMap, error) {
	if granuleBits >= 64 {
		return nil, xerrors.Errorf("invalid granule bits %d", granuleBits)
	}
	granules := blobSize >> granuleBits
	if blobSize&((uint64(1)<<granuleBits)-1) != 0 {
		granules++
	}

	m := &GranuleMap{size: blobSize, shift: granuleBits, granules: granules}
	if !persist {
		m.bm = newMemBitmap(granules)
		return m, nil
	}
	bm, err := openBitmap(blobPath+GranuleSuffix, granules)
	if err != nil {
		return nil, xerrors.Errorf("failed to open granule bitmap for %s: %w", blobPath, err)
	}
	m.bm = bm
	return m, nil
}

// GranuleSize returns the byte size of one granule.
func (m *GranuleMap) GranuleSize() uint64 {
	return uint64(1) << m.shift
}

// Size returns the blob size in bytes.
func (m *GranuleMap) Size() uint64 {
	return m.size
}

// IsRangeAllReady reports whether every granule of the blob is ready.
func (m *GranuleMap) IsRangeAllReady() bool {
	return m.bm.allSet()
}

// GranuleRange maps the byte interval [start, start+count) to the granule
// interval it overlaps: floor for the first granule, ceiling for the end.
// Tails past the blob end are clamped, as is a count that would overflow
// the byte space.
func (m *GranuleMap) GranuleRange(start, count uint64) (uint64, uint64, error) {
	if count == 0 {
		return 0, 0, nil
	}
	if start >= m.size {
		return 0, 0, xerrors.Errorf("range start %d of %d: %w", start, m.size, ErrOutOfRange)
	}
	if count > math.MaxUint64-start {
		count = math.MaxUint64 - start
	}
	endByte := start + count
	if endByte > m.size {
		endByte = m.size
	}

	first := start >> m.shift
	end := endByte >> m.shift
	if endByte&(m.GranuleSize()-1) != 0 {
		end++
	}
	return first, end, nil
}

// IsRangeReady reports whether every granule overlapping the byte interval
// [start, start+count) is ready.
func (m *GranuleMap) IsRangeReady(start, count uint64) (bool, error) {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return false, err
	}
	for g := first; g < end; g++ {
		if !m.bm.isSet(g) {
			return false, nil
		}
	}
	return true, nil
}

// IsGranuleReady reports whether the single granule g is ready.
func (m *GranuleMap) IsGranuleReady(g uint64) (bool, error) {
	if g >= m.granules {
		return false, xerrors.Errorf("granule %d of %d: %w", g, m.granules, ErrOutOfRange)
	}
	return m.bm.isSet(g), nil
}

// CheckRangeReadyAndMarkPending returns the granules overlapping
// [start, start+count) that are not ready, nil if there are none.
func (m *GranuleMap) CheckRangeReadyAndMarkPending(ctx context.Context, start, count uint64) ([]uint64, error) {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return nil, err
	}
	var missing []uint64
	for g := first; g < end; g++ {
		if !m.bm.isSet(g) {
			missing = append(missing, g)
		}
	}
	return missing, nil
}

// SetRangeReadyAndClearPending marks every granule overlapping
// [start, start+count) as ready.
func (m *GranuleMap) SetRangeReadyAndClearPending(ctx context.Context, start, count uint64) error {
	first, end, err := m.GranuleRange(start, count)
	if err != nil {
		return err
	}
	for g := first; g < end; g++ {
		m.bm.set(g)
	}
	return nil
}

// ClearRangePending is a no-op; plain stores have no inflight notion.
func (m *GranuleMap) ClearRangePending(start, count uint64) {}

// WaitForRangeReady behaves like IsRangeReady; plain stores have nothing to
// wait on.
func (m *GranuleMap) WaitForRangeReady(ctx context.Context, start, count uint64) (bool, error) {
	return m.IsRangeReady(start, count)
}

// ReadyCount returns the number of granules marked ready.
func (m *GranuleMap) ReadyCount() uint64 {
	return m.bm.setCount()
}

// Flush forces dirty readiness bits out to the sidecar file.
func (m *GranuleMap) Flush() error {
	return m.bm.flush()
}

// Close flushes and releases the sidecar mapping. The map must not be used
// afterwards.
func (m *GranuleMap) Close() error {
	return m.bm.close()
}
