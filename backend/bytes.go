package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
)

// BytesBackend encloses a byte slice. It is mainly used for testing.
type BytesBackend struct {
	Bytes []byte
}

var _ Backend = (*BytesBackend)(nil)

func (b *BytesBackend) Fetch(_ context.Context, offset, length uint64) (io.ReadCloser, error) {
	size := uint64(len(b.Bytes))
	if offset > size {
		return nil, fmt.Errorf("offset %d of %d: %w", offset, size, ErrOutOfBounds)
	}
	length = clampLength(offset, length, size)
	return io.NopCloser(bytes.NewReader(b.Bytes[offset : offset+length])), nil
}

func (b *BytesBackend) Info() Info {
	return Info{
		Kind: KindLocal,
		URL:  b.Serialize(),
	}
}

func (b *BytesBackend) Stat(_ context.Context) (Stat, error) {
	return Stat{
		Exists: true,
		Size:   uint64(len(b.Bytes)),
	}, nil
}

func (b *BytesBackend) Serialize() *url.URL {
	return &url.URL{
		Scheme: "bytes",
		Host:   base64.StdEncoding.EncodeToString(b.Bytes),
	}
}

func (b *BytesBackend) Deserialize(u *url.URL) error {
	decoded, err := base64.StdEncoding.DecodeString(u.Host)
	if err != nil {
		return fmt.Errorf("failed to decode bytes backend url: %w", err)
	}
	b.Bytes = decoded
	return nil
}

func (b *BytesBackend) Close() error {
	b.Bytes = nil // release
	return nil
}
