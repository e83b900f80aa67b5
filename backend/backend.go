// Package backend abstracts where a blob's bytes come from. A Backend
// serves arbitrary byte ranges of one blob; the fetch package drives it to
// populate the blob's local cache file on demand.
package backend

import (
	"context"
	"errors"
	"io"
	"net/url"
)

var (
	// ErrOutOfBounds is returned when a fetch starts beyond the blob's end.
	ErrOutOfBounds = errors.New("requested range beyond blob size")

	// ErrNotSerializable is returned by backends that cannot be revived
	// from a URL.
	ErrNotSerializable = errors.New("backend not serializable")
)

// Kind is an enum describing the provenance of a Backend.
type Kind int

const (
	// KindLocal indicates that the blob's bytes are reachable through the
	// local filesystem. They may still be indirectly remote (NFS, FUSE),
	// but fetching them does not hit the network as far as the cache is
	// concerned.
	KindLocal Kind = iota

	// KindRemote indicates that the blob's bytes come from a remote source,
	// e.g. an image registry, and are worth caching locally once fetched.
	KindRemote
)

// Backend is a pluggable byte source for one blob. Blobs can be located
// anywhere that can serve ranged reads: local files, object stores, image
// registries over HTTP range requests.
//
// Backend implementations are free to define constructor parameters or
// setters to supply arguments needed to initialize them, such as
// credentials or registry references.
//
// Backends must define a deterministic URL representation, used to revive
// them from cache persistence after a restart through a Registry, and to
// support configuration files.
type Backend interface {
	io.Closer

	// Fetch returns a reader over [offset, offset+length) of the blob. A
	// tail running past the blob's end is clamped; an offset beyond the end
	// fails with ErrOutOfBounds. Callers own the returned reader and must
	// close it.
	Fetch(ctx context.Context, offset, length uint64) (io.ReadCloser, error)

	// Info describes the Backend. This is a pure function.
	Info() Info

	// Stat describes the underlying blob.
	Stat(ctx context.Context) (Stat, error)

	// Serialize returns a canonical URL that can be used to revive the
	// Backend after a restart.
	Serialize() *url.URL

	// Deserialize configures this Backend from the specified URL.
	Deserialize(u *url.URL) error
}

// Info describes a backend.
type Info struct {
	// Kind indicates the kind of backend.
	Kind Kind

	// URL is the canonical representation, as returned by Serialize.
	URL *url.URL
}

// Stat describes the blob behind a backend.
type Stat struct {
	// Exists indicates if the blob exists.
	Exists bool
	// Size is the size of the blob in bytes.
	Size uint64
}

// clampLength trims length so [offset, offset+length) stays within size.
// The offset must already be validated.
func clampLength(offset, length, size uint64) uint64 {
	end := offset + length
	if end < offset || end > size {
		end = size
	}
	return end - offset
}
