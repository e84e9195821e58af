// Package volume implements the reconstruction engine: it allocates voxel
// storage sized by the stack's geometry, ingests all slices in parallel
// (with forward-mapping splat scatter when the stack needs rectification),
// tracks the observed value extrema, and serves exact, interpolated and
// arbitrary-plane queries against the finished volume.
package volume

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/pkg/storage"
)

// ProgressCallback reports advisory progress: completed of total slices,
// with an optional message. Progress reporting never gates correctness;
// a nil callback is tolerated silently.
type ProgressCallback func(completed, total int, message string)

// ErrReleased is returned by operations on a volume whose backing
// storage has been released.
var ErrReleased = errors.New("volume: backing storage released")

// Volume is a reconstructed voxel grid. Voxel content is immutable once
// construction completes; the orientation state (translation and
// rotation of the viewing frame) stays mutable and must be externally
// serialized against concurrent queries that read it.
type Volume[T storage.Element] struct {
	size     [3]int
	channels int
	spacing  [3]float64

	store  storage.VoxelStore[T]
	mapped bool

	min, max T
	hasData  bool

	rectified bool
	xform     *mat.Dense // stack -> voxel transform; nil means identity

	rot   r3.Rotation
	trans r3.Vec
}

// NewBlank allocates a zero-filled volume of the given grid size, channel
// count and spacing. Allocation first tries the in-memory chunked array;
// on an out-of-capacity result it falls back to the memory-mapped store.
// A second failure aborts construction.
func NewBlank[T storage.Element](size [3]int, channels int, spacing [3]float64) (*Volume[T], error) {
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return nil, fmt.Errorf("volume: invalid grid size %v", size)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("volume: invalid channel count %d", channels)
	}
	n := int64(size[0]) * int64(size[1]) * int64(size[2]) * int64(channels)
	store, mapped, err := allocate[T](n)
	if err != nil {
		return nil, err
	}
	return &Volume[T]{
		size:     size,
		channels: channels,
		spacing:  spacing,
		store:    store,
		mapped:   mapped,
		rot:      identityRotation(),
	}, nil
}

// allocate picks the backing store: in-memory chunked array first, the
// memory-mapped fallback when the budget says the array cannot be held
// in memory. The choice is made once and never changes for the volume.
func allocate[T storage.Element](n int64) (storage.VoxelStore[T], bool, error) {
	arr, err := storage.NewChunkedArray[T](n)
	if err == nil {
		return arr, false, nil
	}
	if !errors.Is(err, storage.ErrOutOfCapacity) {
		return nil, false, fmt.Errorf("volume: allocating voxel store: %w", err)
	}
	var zero T
	log.Printf("volume: %s does not fit in memory, falling back to memory-mapped storage",
		humanize.IBytes(uint64(n)*uint64(elemSize(zero))))
	ms, merr := storage.NewMappedStore[T](n)
	if merr != nil {
		return nil, false, fmt.Errorf("volume: mapped-file fallback failed: %w", merr)
	}
	return ms, true, nil
}

// Size returns the voxel grid dimensions.
func (v *Volume[T]) Size() [3]int { return v.size }

// Channels returns the per-voxel channel count.
func (v *Volume[T]) Channels() int { return v.channels }

// Spacing returns the physical distance per voxel step along each axis.
func (v *Volume[T]) Spacing() [3]float64 { return v.spacing }

// MinMax returns the extrema observed during ingestion.
func (v *Volume[T]) MinMax() (T, T) { return v.min, v.max }

// Rectified reports whether ingestion applied a shear/rotation
// correction to the stack.
func (v *Volume[T]) Rectified() bool { return v.rectified }

// MemoryMapped reports whether the volume fell back to the disk-backed
// store.
func (v *Volume[T]) MemoryMapped() bool { return v.mapped }

// Translate shifts the viewing frame by d (voxel units).
func (v *Volume[T]) Translate(d r3.Vec) {
	v.trans = r3.Add(v.trans, d)
}

// Rotate composes q onto the viewing frame rotation.
func (v *Volume[T]) Rotate(q r3.Rotation) {
	v.rot = r3.Rotation(quat.Mul(quat.Number(q), quat.Number(v.rot)))
}

// ResetOrientation restores the identity viewing frame.
func (v *Volume[T]) ResetOrientation() {
	v.rot = identityRotation()
	v.trans = r3.Vec{}
}

// orient maps a point through the mutable viewing frame: rotation about
// the grid center followed by the translation.
func (v *Volume[T]) orient(p r3.Vec) r3.Vec {
	if v.trans == (r3.Vec{}) && quat.Number(v.rot) == (quat.Number{Real: 1}) {
		return p
	}
	center := r3.Vec{
		X: float64(v.size[0]-1) / 2,
		Y: float64(v.size[1]-1) / 2,
		Z: float64(v.size[2]-1) / 2,
	}
	return r3.Add(r3.Add(v.rot.Rotate(r3.Sub(p, center)), center), v.trans)
}

// Release frees the backing storage: the in-memory chunks are dropped, or
// the mapped file is unmapped and deleted. The volume must not be queried
// afterwards.
func (v *Volume[T]) Release() error {
	if v.store == nil {
		return nil
	}
	err := v.store.Release()
	v.store = nil
	return err
}

// index flattens voxel coordinates into the backing store's layout:
// channels interleaved, x fastest, then y, then z.
func (v *Volume[T]) index(x, y, z, c int) int64 {
	return ((int64(z)*int64(v.size[1])+int64(y))*int64(v.size[0])+int64(x))*int64(v.channels) + int64(c)
}

// sliceStride is the element count of one full z-slice.
func (v *Volume[T]) sliceStride() int64 {
	return int64(v.size[0]) * int64(v.size[1]) * int64(v.channels)
}

func identityRotation() r3.Rotation {
	return r3.Rotation(quat.Number{Real: 1})
}

func elemSize[T storage.Element](v T) uintptr {
	return unsafe.Sizeof(v)
}
