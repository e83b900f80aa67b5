// Package chunk carries the minimal chunk identity model consumed by the
// readiness trackers. Chunk tables and blob metadata belong to the caller;
// trackers and fetchers only ever see individual descriptors.
package chunk

// Info describes a single chunk of a blob: its position in the chunk table,
// its content digest, and where its bytes live in the compressed and
// uncompressed views of the blob.
type Info interface {
	// Index is the position of the chunk in the blob's chunk table.
	Index() uint32
	// Digest is the content digest key of the uncompressed chunk data.
	Digest() Key
	CompressedOffset() uint64
	CompressedSize() uint32
	UncompressedOffset() uint64
	UncompressedSize() uint32
}

// Desc is a plain value implementation of Info.
type Desc struct {
	ChunkIndex  uint32
	ChunkDigest Key
	CompOff     uint64
	CompLen     uint32
	UncompOff   uint64
	UncompLen   uint32
}

var _ Info = Desc{}

func (d Desc) Index() uint32               { return d.ChunkIndex }
func (d Desc) Digest() Key                 { return d.ChunkDigest }
func (d Desc) CompressedOffset() uint64    { return d.CompOff }
func (d Desc) CompressedSize() uint32      { return d.CompLen }
func (d Desc) UncompressedOffset() uint64  { return d.UncompOff }
func (d Desc) UncompressedSize() uint32    { return d.UncompLen }
