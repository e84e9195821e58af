package storage

import (
	"fmt"
	"unsafe"
)

// VoxelStore is the backing storage contract the volume engine builds on.
// Exactly one implementation backs a volume, chosen once at allocation
// time: the in-memory ChunkedArray, or a MappedStore over a temporary
// memory-mapped file when the in-memory allocation is out of capacity.
type VoxelStore[T Element] interface {
	// At returns the element at logical index i.
	At(i int64) T
	// Set stores v at logical index i.
	Set(i int64, v T)
	// Fill sets every element to v.
	Fill(v T)
	// CopyFrom copies src into the store starting at logical offset.
	CopyFrom(offset int64, src []T)
	// CopyTo copies elements starting at logical offset into dst.
	CopyTo(dst []T, offset int64)
	// Len returns the logical element count.
	Len() int64
	// Release frees the backing resource. The store must not be used
	// afterwards.
	Release() error
}

var (
	_ VoxelStore[uint8]   = (*ChunkedArray[uint8])(nil)
	_ VoxelStore[float64] = (*MappedStore[float64])(nil)
)

// MappedStore adapts a ChunkedMappedBuffer to the element-typed
// VoxelStore contract. Bulk transfers reinterpret the element slice as
// bytes, so no per-element conversion happens on the copy paths.
type MappedStore[T Element] struct {
	buf      *ChunkedMappedBuffer
	length   int64
	elemSize int64
}

// NewMappedStore creates a mapped store of n elements backed by a
// temporary file.
func NewMappedStore[T Element](n int64) (*MappedStore[T], error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	buf, err := NewChunkedMappedBuffer(n * elemSize)
	if err != nil {
		return nil, err
	}
	return &MappedStore[T]{buf: buf, length: n, elemSize: elemSize}, nil
}

func newMappedStore[T Element](n, regionSize int64) (*MappedStore[T], error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	buf, err := newChunkedMappedBuffer(n*elemSize, regionSize)
	if err != nil {
		return nil, err
	}
	return &MappedStore[T]{buf: buf, length: n, elemSize: elemSize}, nil
}

// Buffer exposes the underlying mapped buffer.
func (m *MappedStore[T]) Buffer() *ChunkedMappedBuffer { return m.buf }

// Len returns the logical element count.
func (m *MappedStore[T]) Len() int64 { return m.length }

func (m *MappedStore[T]) boundsCheck(i, n int64) {
	if i < 0 || i+n > m.length {
		panic(fmt.Sprintf("storage: access of %d elements at %d exceeds length %d", n, i, m.length))
	}
}

// At returns the element at logical index i.
func (m *MappedStore[T]) At(i int64) T {
	m.boundsCheck(i, 1)
	var v T
	m.buf.ReadAt(asBytes(&v, m.elemSize), i*m.elemSize)
	return v
}

// Set stores v at logical index i.
func (m *MappedStore[T]) Set(i int64, v T) {
	m.boundsCheck(i, 1)
	m.buf.WriteAt(asBytes(&v, m.elemSize), i*m.elemSize)
}

// Fill sets every element to v. Written in element-sized strides through
// a staging block to keep the write path sequential.
func (m *MappedStore[T]) Fill(v T) {
	const blockElems = 64 * 1024
	block := make([]T, min64(m.length, blockElems))
	for i := range block {
		block[i] = v
	}
	for off := int64(0); off < m.length; off += int64(len(block)) {
		n := min64(m.length-off, int64(len(block)))
		m.CopyFrom(off, block[:n])
	}
}

// CopyFrom copies src into the store starting at logical offset.
func (m *MappedStore[T]) CopyFrom(offset int64, src []T) {
	if len(src) == 0 {
		return
	}
	m.boundsCheck(offset, int64(len(src)))
	m.buf.WriteAt(sliceBytes(src, m.elemSize), offset*m.elemSize)
}

// CopyTo copies elements starting at logical offset into dst.
func (m *MappedStore[T]) CopyTo(dst []T, offset int64) {
	if len(dst) == 0 {
		return
	}
	m.boundsCheck(offset, int64(len(dst)))
	m.buf.ReadAt(sliceBytes(dst, m.elemSize), offset*m.elemSize)
}

// ReadInto streams the full mapped contents into dst, which must have the
// same logical length. The stream crosses region boundaries in sequential
// chunk-sized batches.
func (m *MappedStore[T]) ReadInto(dst *ChunkedArray[T]) error {
	if dst.Len() != m.length {
		return fmt.Errorf("storage: length mismatch: mapped %d, array %d", m.length, dst.Len())
	}
	const batchElems = 64 * 1024
	batch := make([]T, min64(m.length, batchElems))
	for off := int64(0); off < m.length; off += int64(len(batch)) {
		n := min64(m.length-off, int64(len(batch)))
		m.CopyTo(batch[:n], off)
		dst.CopyFrom(off, batch[:n])
	}
	return nil
}

// Release unmaps the regions and deletes the backing file.
func (m *MappedStore[T]) Release() error {
	return m.buf.Close()
}

// asBytes views a single element as its raw bytes.
func asBytes[T Element](v *T, elemSize int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), elemSize)
}

// sliceBytes views an element slice as its raw bytes without copying.
func sliceBytes[T Element](s []T, elemSize int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), int64(len(s))*elemSize)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
