// Package store provides the concrete readiness stores the trackers in the
// parent package wrap: a chunk-indexed bitmap, a digest-keyed set, and a
// byte-addressed granule bitmap. Stores record which pieces of a blob are
// present in its local cache file; they carry no single-flight logic of
// their own.
package store

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	bitmapMagic      = "BRDY"
	bitmapVersion    = uint16(1)
	bitmapHeaderSize = 16
)

// Header field offsets
const (
	headerOffsetMagic   = 0
	headerOffsetVersion = 4
	headerOffsetFlags   = 6
	headerOffsetUnits   = 8
)

var (
	// ErrOutOfRange is returned when a queried unit or interval lies beyond
	// the blob's addressable space.
	ErrOutOfRange = errors.New("interval out of blob bounds")

	// ErrCorrupted is returned when a readiness sidecar file fails header
	// validation.
	ErrCorrupted = errors.New("readiness bitmap corrupted")

	// ErrVersionMismatch is returned when a readiness sidecar file was
	// written by an incompatible version of this package.
	ErrVersionMismatch = errors.New("readiness bitmap version mismatch")

	// ErrSizeMismatch is returned when a readiness sidecar file does not
	// match the expected unit count.
	ErrSizeMismatch = errors.New("readiness bitmap size mismatch")
)

// bitmap is a fixed-size bit field with one bit per trackable unit, either
// held in heap memory or memory-mapped from a sidecar file. Bits are set
// with a CAS loop so concurrent markers never lose updates, and a running
// popcount backs the all-ready query.
//
// The on-disk layout is a little-endian header followed by the bit words in
// host order. The sidecar describes a host-local cache file and is not
// meant to travel between machines.
type bitmap struct {
	file  *os.File // nil in memory mode
	data  []byte   // mmap'd region; nil in memory mode
	words []uint32
	units uint64
	ready atomic.Uint64
}

func wordsFor(units uint64) int {
	return int((units + 31) / 32)
}

// newMemBitmap creates a bitmap with no file backing.
func newMemBitmap(units uint64) *bitmap {
	return &bitmap{words: make([]uint32, wordsFor(units)), units: units}
}

// openBitmap maps the sidecar file at path, creating and initializing it if
// it does not exist yet. An existing file must carry a valid header for the
// same unit count.
func openBitmap(path string, units uint64) (*bitmap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("failed to open readiness bitmap: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to stat readiness bitmap: %w", err)
	}

	want := int64(bitmapHeaderSize + 4*wordsFor(units))
	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, xerrors.Errorf("failed to size readiness bitmap: %w", err)
		}
	} else if st.Size() != want {
		f.Close()
		return nil, ErrSizeMismatch
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(want), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to mmap readiness bitmap: %w", err)
	}

	b := &bitmap{file: f, data: data, units: units}
	if n := wordsFor(units); n > 0 {
		b.words = unsafe.Slice((*uint32)(unsafe.Pointer(&data[bitmapHeaderSize])), n)
	}

	if fresh {
		b.writeHeader()
	} else if err := b.validateHeader(); err != nil {
		b.close()
		return nil, err
	} else {
		var n uint64
		for _, w := range b.words {
			n += uint64(bits.OnesCount32(w))
		}
		b.ready.Store(n)
	}

	return b, nil
}

func (b *bitmap) writeHeader() {
	copy(b.data[headerOffsetMagic:headerOffsetVersion], bitmapMagic)
	binary.LittleEndian.PutUint16(b.data[headerOffsetVersion:headerOffsetFlags], bitmapVersion)
	binary.LittleEndian.PutUint16(b.data[headerOffsetFlags:headerOffsetUnits], 0)
	binary.LittleEndian.PutUint64(b.data[headerOffsetUnits:bitmapHeaderSize], b.units)
}

func (b *bitmap) validateHeader() error {
	if string(b.data[headerOffsetMagic:headerOffsetVersion]) != bitmapMagic {
		return ErrCorrupted
	}
	if v := binary.LittleEndian.Uint16(b.data[headerOffsetVersion:headerOffsetFlags]); v != bitmapVersion {
		return xerrors.Errorf("readiness bitmap has version %d: %w", v, ErrVersionMismatch)
	}
	if u := binary.LittleEndian.Uint64(b.data[headerOffsetUnits:bitmapHeaderSize]); u != b.units {
		return xerrors.Errorf("readiness bitmap tracks %d units, want %d: %w", u, b.units, ErrSizeMismatch)
	}
	return nil
}

func (b *bitmap) isSet(i uint64) bool {
	w := atomic.LoadUint32(&b.words[i>>5])
	return w&(1<<(i&31)) != 0
}

// set marks unit i and reports whether this call flipped the bit.
func (b *bitmap) set(i uint64) bool {
	addr := &b.words[i>>5]
	mask := uint32(1) << (i & 31)
	for {
		old := atomic.LoadUint32(addr)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			b.ready.Add(1)
			return true
		}
	}
}

func (b *bitmap) setCount() uint64 {
	return b.ready.Load()
}

func (b *bitmap) allSet() bool {
	return b.ready.Load() == b.units
}

func (b *bitmap) persistent() bool {
	return b.file != nil
}

// flush forces dirty readiness bits out to the sidecar file.
func (b *bitmap) flush() error {
	if b.data == nil {
		return nil
	}
	return unix.Msync(b.data, unix.MS_SYNC)
}

func (b *bitmap) close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Msync(b.data, unix.MS_SYNC)
	if merr := unix.Munmap(b.data); err == nil {
		err = merr
	}
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	b.data, b.words, b.file = nil, nil, nil
	return err
}
