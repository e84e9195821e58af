package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
)

// DefaultRegionSize is the mapping granularity of a ChunkedMappedBuffer.
// Each region is an independent mapped segment of the backing file.
const DefaultRegionSize = 1 << 30 // 1 GiB

// ChunkedMappedBuffer is a disk-backed buffer addressable by absolute byte
// offset, mapped in fixed-size regions. It preserves the same logical
// addressing guarantee as ChunkedArray at higher latency, and exists so a
// volume that cannot fit in memory can still be reconstructed.
//
// Close releases all mappings and deletes the backing file; it is the only
// legal way to reclaim the resource. A buffer that is never closed leaks
// disk space.
type ChunkedMappedBuffer struct {
	file       *os.File
	path       string
	regions    []mmap.MMap
	regionSize int64
	size       int64
	closed     bool
}

// NewChunkedMappedBuffer creates a temporary file of totalBytes and maps
// it in DefaultRegionSize regions.
func NewChunkedMappedBuffer(totalBytes int64) (*ChunkedMappedBuffer, error) {
	return newChunkedMappedBuffer(totalBytes, DefaultRegionSize)
}

func newChunkedMappedBuffer(totalBytes, regionSize int64) (*ChunkedMappedBuffer, error) {
	if totalBytes <= 0 {
		return nil, fmt.Errorf("storage: invalid mapped buffer size %d", totalBytes)
	}
	if regionSize <= 0 {
		return nil, fmt.Errorf("storage: invalid region size %d", regionSize)
	}

	f, err := os.CreateTemp("", "volrecon-*.vox")
	if err != nil {
		return nil, fmt.Errorf("storage: creating backing file: %w", err)
	}
	b := &ChunkedMappedBuffer{
		file:       f,
		path:       f.Name(),
		regionSize: regionSize,
		size:       totalBytes,
	}
	if err := f.Truncate(totalBytes); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("storage: sizing backing file to %d bytes: %w", totalBytes, err)
	}

	numRegions := (totalBytes + regionSize - 1) / regionSize
	for i := int64(0); i < numRegions; i++ {
		length := regionSize
		if rem := totalBytes - i*regionSize; rem < length {
			length = rem
		}
		m, err := mmap.MapRegion(f, int(length), mmap.RDWR, 0, i*regionSize)
		if err != nil {
			b.cleanup()
			return nil, fmt.Errorf("storage: mapping region %d: %w", i, err)
		}
		b.regions = append(b.regions, m)
	}
	return b, nil
}

// Size returns the buffer length in bytes.
func (b *ChunkedMappedBuffer) Size() int64 { return b.size }

// NumRegions returns the number of mapped regions.
func (b *ChunkedMappedBuffer) NumRegions() int { return len(b.regions) }

func (b *ChunkedMappedBuffer) boundsCheck(off, n int64) {
	if b.closed {
		panic("storage: access to closed mapped buffer")
	}
	if off < 0 || off+n > b.size {
		panic(fmt.Sprintf("storage: access of %d bytes at %d exceeds size %d", n, off, b.size))
	}
}

// ReadAt fills p from the buffer starting at absolute byte offset off,
// assembling across region boundaries when the range straddles them.
func (b *ChunkedMappedBuffer) ReadAt(p []byte, off int64) {
	b.boundsCheck(off, int64(len(p)))
	for len(p) > 0 {
		region := b.regions[off/b.regionSize]
		ro := off % b.regionSize
		n := copy(p, region[ro:])
		p = p[n:]
		off += int64(n)
	}
}

// WriteAt copies p into the buffer starting at absolute byte offset off.
func (b *ChunkedMappedBuffer) WriteAt(p []byte, off int64) {
	b.boundsCheck(off, int64(len(p)))
	for len(p) > 0 {
		region := b.regions[off/b.regionSize]
		ro := off % b.regionSize
		n := copy(region[ro:], p)
		p = p[n:]
		off += int64(n)
	}
}

// Byte returns the byte at offset off.
func (b *ChunkedMappedBuffer) Byte(off int64) byte {
	b.boundsCheck(off, 1)
	return b.regions[off/b.regionSize][off%b.regionSize]
}

// PutByte stores v at offset off.
func (b *ChunkedMappedBuffer) PutByte(off int64, v byte) {
	b.boundsCheck(off, 1)
	b.regions[off/b.regionSize][off%b.regionSize] = v
}

// Uint16 reads a little-endian 16-bit value at byte offset off.
func (b *ChunkedMappedBuffer) Uint16(off int64) uint16 {
	var s [2]byte
	b.ReadAt(s[:], off)
	return binary.LittleEndian.Uint16(s[:])
}

// PutUint16 writes a little-endian 16-bit value at byte offset off.
func (b *ChunkedMappedBuffer) PutUint16(off int64, v uint16) {
	var s [2]byte
	binary.LittleEndian.PutUint16(s[:], v)
	b.WriteAt(s[:], off)
}

// Uint32 reads a little-endian 32-bit value at byte offset off.
func (b *ChunkedMappedBuffer) Uint32(off int64) uint32 {
	var s [4]byte
	b.ReadAt(s[:], off)
	return binary.LittleEndian.Uint32(s[:])
}

// PutUint32 writes a little-endian 32-bit value at byte offset off.
func (b *ChunkedMappedBuffer) PutUint32(off int64, v uint32) {
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], v)
	b.WriteAt(s[:], off)
}

// Uint64 reads a little-endian 64-bit value at byte offset off.
func (b *ChunkedMappedBuffer) Uint64(off int64) uint64 {
	var s [8]byte
	b.ReadAt(s[:], off)
	return binary.LittleEndian.Uint64(s[:])
}

// PutUint64 writes a little-endian 64-bit value at byte offset off.
func (b *ChunkedMappedBuffer) PutUint64(off int64, v uint64) {
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], v)
	b.WriteAt(s[:], off)
}

// Float32 reads a 32-bit float at byte offset off.
func (b *ChunkedMappedBuffer) Float32(off int64) float32 {
	return math.Float32frombits(b.Uint32(off))
}

// PutFloat32 writes a 32-bit float at byte offset off.
func (b *ChunkedMappedBuffer) PutFloat32(off int64, v float32) {
	b.PutUint32(off, math.Float32bits(v))
}

// Float64 reads a 64-bit float at byte offset off.
func (b *ChunkedMappedBuffer) Float64(off int64) float64 {
	return math.Float64frombits(b.Uint64(off))
}

// PutFloat64 writes a 64-bit float at byte offset off.
func (b *ChunkedMappedBuffer) PutFloat64(off int64, v float64) {
	b.PutUint64(off, math.Float64bits(v))
}

// cleanup releases whatever was acquired so far; used on construction
// failure and by Close.
func (b *ChunkedMappedBuffer) cleanup() {
	for _, m := range b.regions {
		m.Unmap()
	}
	b.regions = nil
	if b.file != nil {
		b.file.Close()
		os.Remove(b.path)
		b.file = nil
	}
}

// Close unmaps all regions and deletes the backing file.
func (b *ChunkedMappedBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, m := range b.regions {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: unmapping region: %w", err)
		}
	}
	b.regions = nil
	if err := b.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("storage: closing backing file: %w", err)
	}
	if err := os.Remove(b.path); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("storage: removing backing file: %w", err)
	}
	b.file = nil
	return firstErr
}
