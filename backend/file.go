package backend

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
)

// FileBackend serves a blob straight from a local file.
type FileBackend struct {
	Path string
}

var _ Backend = (*FileBackend)(nil)

func (f *FileBackend) Fetch(_ context.Context, offset, length uint64) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := uint64(st.Size())
	if offset > size {
		file.Close()
		return nil, fmt.Errorf("offset %d of %d: %w", offset, size, ErrOutOfBounds)
	}
	length = clampLength(offset, length, size)
	return &sectionCloser{
		SectionReader: io.NewSectionReader(file, int64(offset), int64(length)),
		closer:        file,
	}, nil
}

func (f *FileBackend) Info() Info {
	return Info{
		Kind: KindLocal,
		URL:  f.Serialize(),
	}
}

func (f *FileBackend) Stat(_ context.Context) (Stat, error) {
	st, err := os.Stat(f.Path)
	if os.IsNotExist(err) {
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

func (f *FileBackend) Serialize() *url.URL {
	return &url.URL{
		Scheme: "file",
		Path:   f.Path,
	}
}

func (f *FileBackend) Deserialize(u *url.URL) error {
	if u.Path == "" {
		return fmt.Errorf("file backend url carries no path: %s", u)
	}
	f.Path = u.Path
	return nil
}

func (f *FileBackend) Close() error {
	return nil
}

// sectionCloser bundles a section reader with the file it reads, so closing
// the fetch closes the file.
type sectionCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionCloser) Close() error {
	return s.closer.Close()
}
