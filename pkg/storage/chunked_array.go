// Package storage provides the voxel backing stores used by the volume
// engine: an in-memory chunked array whose logical length may exceed a
// single slice's addressable range, and a disk-backed memory-mapped buffer
// used as a capacity fallback when the in-memory store cannot be allocated.
package storage

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Element is the set of primitive numeric kinds a voxel may hold.
// The element kind of a store is fixed for its lifetime.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~float32 | ~float64
}

// ChunkElems is the number of elements held by one chunk (2^27).
// Logical indices are 64-bit; the chunk split keeps every individual
// allocation below the per-slice element limit while preserving fast
// bulk copies within a chunk.
const ChunkElems = 1 << 27

// ErrOutOfCapacity is returned when an in-memory allocation would exceed
// the configured memory budget. Callers are expected to fall back to the
// memory-mapped store rather than treat this as fatal.
var ErrOutOfCapacity = errors.New("storage: allocation exceeds in-memory budget")

// memoryBudget limits the total bytes a single NewChunkedArray call may
// allocate. Zero means no limit.
var memoryBudget atomic.Int64

// SetMemoryBudget sets the per-allocation in-memory budget in bytes.
// A budget of 0 disables the check. It returns the previous budget so
// tests can restore it.
func SetMemoryBudget(bytes int64) int64 {
	return memoryBudget.Swap(bytes)
}

// ChunkedArray is an in-memory store of N elements of one primitive kind,
// addressable by a 64-bit logical index and split internally into
// fixed-size chunks.
type ChunkedArray[T Element] struct {
	chunks     [][]T
	length     int64
	chunkElems int64
}

// NewChunkedArray allocates a chunked array of n elements. It returns
// ErrOutOfCapacity when the allocation would exceed the configured
// memory budget; the caller should then fall back to a mapped store.
func NewChunkedArray[T Element](n int64) (*ChunkedArray[T], error) {
	return newChunkedArray[T](n, ChunkElems)
}

// newChunkedArray is the chunk-size-parameterized constructor used by
// tests to exercise chunk boundary handling without gigabyte allocations.
func newChunkedArray[T Element](n, chunkElems int64) (*ChunkedArray[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("storage: negative length %d", n)
	}
	if chunkElems <= 0 {
		return nil, fmt.Errorf("storage: invalid chunk size %d", chunkElems)
	}
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	if budget := memoryBudget.Load(); budget > 0 && n*elemSize > budget {
		return nil, fmt.Errorf("storage: %d bytes requested, budget is %d: %w",
			n*elemSize, budget, ErrOutOfCapacity)
	}

	numChunks := (n + chunkElems - 1) / chunkElems
	a := &ChunkedArray[T]{
		chunks:     make([][]T, 0, numChunks),
		length:     n,
		chunkElems: chunkElems,
	}
	remaining := n
	for remaining > 0 {
		size := chunkElems
		if remaining < size {
			size = remaining
		}
		a.chunks = append(a.chunks, make([]T, size))
		remaining -= size
	}
	return a, nil
}

// Len returns the logical element count.
func (a *ChunkedArray[T]) Len() int64 { return a.length }

// NumChunks returns the number of backing chunks.
func (a *ChunkedArray[T]) NumChunks() int { return len(a.chunks) }

// chunkIndex returns which chunk holds logical index i.
func (a *ChunkedArray[T]) chunkIndex(i int64) int64 { return i / a.chunkElems }

// chunkOffset returns the intra-chunk offset of logical index i.
func (a *ChunkedArray[T]) chunkOffset(i int64) int64 { return i % a.chunkElems }

func (a *ChunkedArray[T]) boundsCheck(i int64) {
	if i < 0 || i >= a.length {
		panic(fmt.Sprintf("storage: index %d out of range [0,%d)", i, a.length))
	}
}

// At returns the element at logical index i.
func (a *ChunkedArray[T]) At(i int64) T {
	a.boundsCheck(i)
	return a.chunks[a.chunkIndex(i)][a.chunkOffset(i)]
}

// Set stores v at logical index i.
func (a *ChunkedArray[T]) Set(i int64, v T) {
	a.boundsCheck(i)
	a.chunks[a.chunkIndex(i)][a.chunkOffset(i)] = v
}

// Fill sets every element to v.
func (a *ChunkedArray[T]) Fill(v T) {
	for _, c := range a.chunks {
		for i := range c {
			c[i] = v
		}
	}
}

// CopyFrom copies src into the array starting at logical offset.
// The copy spans chunk boundaries, advancing chunk by chunk; a
// single-chunk array takes the direct path with no boundary bookkeeping.
func (a *ChunkedArray[T]) CopyFrom(offset int64, src []T) {
	n := int64(len(src))
	if n == 0 {
		return
	}
	if offset < 0 || offset+n > a.length {
		panic(fmt.Sprintf("storage: copy of %d elements at %d exceeds length %d", n, offset, a.length))
	}
	if len(a.chunks) == 1 {
		copy(a.chunks[0][offset:], src)
		return
	}
	for n > 0 {
		ci, co := a.chunkIndex(offset), a.chunkOffset(offset)
		copied := int64(copy(a.chunks[ci][co:], src))
		src = src[copied:]
		offset += copied
		n -= copied
	}
}

// CopyTo copies elements starting at logical offset into dst.
func (a *ChunkedArray[T]) CopyTo(dst []T, offset int64) {
	n := int64(len(dst))
	if n == 0 {
		return
	}
	if offset < 0 || offset+n > a.length {
		panic(fmt.Sprintf("storage: copy of %d elements at %d exceeds length %d", n, offset, a.length))
	}
	if len(a.chunks) == 1 {
		copy(dst, a.chunks[0][offset:])
		return
	}
	for n > 0 {
		ci, co := a.chunkIndex(offset), a.chunkOffset(offset)
		copied := int64(copy(dst, a.chunks[ci][co:]))
		dst = dst[copied:]
		offset += copied
		n -= copied
	}
}

// CopyFromArray copies n elements from src starting at srcOffset into
// the receiver starting at dstOffset. Both sides may span chunk
// boundaries; each step copies the chunk-aligned portion and advances.
func (a *ChunkedArray[T]) CopyFromArray(dstOffset int64, src *ChunkedArray[T], srcOffset, n int64) {
	if n == 0 {
		return
	}
	if dstOffset < 0 || dstOffset+n > a.length {
		panic(fmt.Sprintf("storage: destination copy of %d elements at %d exceeds length %d", n, dstOffset, a.length))
	}
	if srcOffset < 0 || srcOffset+n > src.length {
		panic(fmt.Sprintf("storage: source copy of %d elements at %d exceeds length %d", n, srcOffset, src.length))
	}
	for n > 0 {
		sci, sco := src.chunkIndex(srcOffset), src.chunkOffset(srcOffset)
		dci, dco := a.chunkIndex(dstOffset), a.chunkOffset(dstOffset)

		span := src.chunkElems - sco
		if rem := a.chunkElems - dco; rem < span {
			span = rem
		}
		if n < span {
			span = n
		}
		copy(a.chunks[dci][dco:dco+span], src.chunks[sci][sco:sco+span])
		srcOffset += span
		dstOffset += span
		n -= span
	}
}

// Release drops the backing chunks. The array must not be used afterwards.
func (a *ChunkedArray[T]) Release() error {
	a.chunks = nil
	a.length = 0
	return nil
}
