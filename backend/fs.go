package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/url"
)

// FSBackend serves the blob named by Name from the provided fs.FS. io/fs
// only promises sequential access, so ranged fetches read and discard the
// prefix; that makes it suitable for small blobs and for tests built on
// fstest.MapFS.
//
// An fs.FS has no URL representation, so FSBackend cannot be revived
// through a Registry.
type FSBackend struct {
	FS   fs.FS
	Name string
}

var _ Backend = (*FSBackend)(nil)

func (f *FSBackend) Fetch(_ context.Context, offset, length uint64) (io.ReadCloser, error) {
	file, err := f.FS.Open(f.Name)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, file, int64(offset)); err != nil {
			file.Close()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("offset %d: %w", offset, ErrOutOfBounds)
			}
			return nil, err
		}
	}
	if length > math.MaxInt64 {
		length = math.MaxInt64
	}
	return &fsRange{file: file, r: io.LimitReader(file, int64(length))}, nil
}

func (f *FSBackend) Info() Info {
	u := &url.URL{Scheme: "fs"}
	if st, err := fs.Stat(f.FS, f.Name); err != nil {
		u.Host = "irrecoverable"
	} else {
		u.Host = st.Name()
	}
	return Info{
		Kind: KindLocal,
		URL:  u,
	}
}

func (f *FSBackend) Stat(_ context.Context) (Stat, error) {
	st, err := fs.Stat(f.FS, f.Name)
	if errors.Is(err, fs.ErrNotExist) {
		return Stat{Exists: false}, nil
	}
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Exists: true,
		Size:   uint64(st.Size()),
	}, nil
}

func (f *FSBackend) Serialize() *url.URL {
	return f.Info().URL
}

func (f *FSBackend) Deserialize(u *url.URL) error {
	return fmt.Errorf("fs backend %s: %w", u, ErrNotSerializable)
}

func (f *FSBackend) Close() error {
	return nil
}

// fsRange limits a sequential fs.File to the fetched window and closes the
// file with the fetch.
type fsRange struct {
	file fs.File
	r    io.Reader
}

func (f *fsRange) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *fsRange) Close() error {
	return f.file.Close()
}
