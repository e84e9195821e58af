package volume

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/internal/models"
	"volrecon/pkg/geometry"
	"volrecon/pkg/storage"
)

// SliceReader supplies decoded slices to the ingestion pipeline. Decoding
// the source images (files, network, archives) is the collaborator's
// concern; the engine only sees pixel buffers with geometry.
type SliceReader[T storage.Element] interface {
	// NumSlices returns the stack depth.
	NumSlices() int
	// Channels returns the per-pixel channel count, identical for all
	// slices of a stack.
	Channels() int
	// ReadSlice decodes slice z. It may be called concurrently for
	// different z.
	ReadSlice(z int) (*models.Slice[T], error)
}

// SliceBuffer is an in-memory SliceReader over pre-decoded slices.
type SliceBuffer[T storage.Element] struct {
	Slices []*models.Slice[T]
}

// NumSlices returns the stack depth.
func (b *SliceBuffer[T]) NumSlices() int { return len(b.Slices) }

// Channels returns the channel count of the first slice.
func (b *SliceBuffer[T]) Channels() int {
	if len(b.Slices) == 0 {
		return 0
	}
	return b.Slices[0].Channels
}

// ReadSlice returns the pre-decoded slice z.
func (b *SliceBuffer[T]) ReadSlice(z int) (*models.Slice[T], error) {
	if z < 0 || z >= len(b.Slices) {
		return nil, fmt.Errorf("volume: slice index %d out of range", z)
	}
	return b.Slices[z], nil
}

// Options tunes the ingestion and extraction pipelines.
type Options struct {
	// Workers bounds the number of concurrently ingested slices.
	// Zero means one worker per CPU.
	Workers int

	// SplitThreshold is the pixel count below which a scatter range is
	// processed sequentially instead of being split further.
	// Zero means DefaultSplitThreshold.
	SplitThreshold int

	// Progress, when non-nil, receives "N of M slices complete"
	// updates. Advisory only.
	Progress ProgressCallback
}

// DefaultSplitThreshold is the fork-join splitting threshold for
// per-pixel scatter and extraction work.
const DefaultSplitThreshold = 4096

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *Options) splitThreshold() int {
	if o == nil || o.SplitThreshold <= 0 {
		return DefaultSplitThreshold
	}
	return o.SplitThreshold
}

func (o *Options) progress(completed, total int, message string) {
	if o != nil && o.Progress != nil {
		o.Progress(completed, total, message)
	}
}

// splatThreshold is the fractional offset above which a scattered pixel
// also writes the neighboring voxel on that axis, closing the gaps a
// purely nearest-voxel scatter would leave under a non-identity
// transform.
const splatThreshold = 0.5

// sliceResult carries one slice's ingestion outcome back to the
// collection loop.
type sliceResult[T storage.Element] struct {
	z        int
	min, max T
	err      error
}

// BuildFromStack reconstructs a volume from an ordered slice stack.
// Slices are submitted in stack order but collected as they complete; the
// global min/max reduction is commutative so completion order does not
// matter. The call blocks until every slice has been placed or the first
// error (or ctx cancellation) aborts construction, in which case the
// partially populated volume is released and never returned.
func BuildFromStack[T storage.Element](ctx context.Context, reader SliceReader[T], stack *geometry.Stack, bounds *geometry.Bounds, opts *Options) (*Volume[T], error) {
	total := reader.NumSlices()
	if total == 0 {
		return nil, fmt.Errorf("volume: empty stack")
	}
	if total != stack.NumSlices() {
		return nil, fmt.Errorf("volume: reader has %d slices, stack geometry has %d", total, stack.NumSlices())
	}

	vol, err := NewBlank[T](bounds.Size, reader.Channels(), bounds.Spacing)
	if err != nil {
		return nil, err
	}
	vol.rectified = bounds.Rectified
	vol.xform = bounds.Transform

	workers := opts.workers()
	sem := make(chan struct{}, workers)
	results := make(chan sliceResult[T], total)

	for z := 0; z < total; z++ {
		go func(z int) {
			sem <- struct{}{}
			defer func() { <-sem }()

			res := sliceResult[T]{z: z}
			if err := ctx.Err(); err != nil {
				res.err = err
				results <- res
				return
			}
			slice, err := reader.ReadSlice(z)
			if err != nil {
				res.err = fmt.Errorf("volume: reading slice %d: %w", z, err)
			} else {
				res.min, res.max, res.err = vol.ingestSlice(slice, bounds.VoxelZ(stack.Offset(z)), opts.splitThreshold())
			}
			results <- res
		}(z)
	}

	// Drain results as they complete. A slow slice must not block the
	// reduction of faster ones, and every result must be collected
	// before returning.
	var firstErr error
	for completed := 0; completed < total; completed++ {
		select {
		case <-ctx.Done():
			// The volume is partially populated and unusable, but
			// workers may still be scattering into it. Hand the
			// release to a drainer that waits for the remaining
			// results before freeing the storage.
			remaining := total - completed
			go func() {
				for i := 0; i < remaining; i++ {
					<-results
				}
				vol.Release()
			}()
			return nil, ctx.Err()
		case res := <-results:
			if res.err != nil && firstErr == nil {
				firstErr = res.err
			}
			if res.err == nil {
				vol.reduceMinMax(res.min, res.max)
			}
			opts.progress(completed+1, total, "")
		}
	}
	if firstErr != nil {
		vol.Release()
		return nil, firstErr
	}
	if vol.xform != nil {
		// A rectified grid is the bounding box of the sheared slice
		// footprint, so corner voxels no slice reaches keep the zero
		// fill. Fold the fill value into the extrema so every voxel
		// lies within [min, max].
		var fill T
		vol.reduceMinMax(fill, fill)
	}
	return vol, nil
}

// ingestSlice places one slice's pixels into the voxel grid and returns
// the slice's raw value extrema. With an identity transform the whole
// slice is placed by a single bulk copy; otherwise each pixel is
// forward-mapped and splatted.
func (v *Volume[T]) ingestSlice(slice *models.Slice[T], zIdx, splitThreshold int) (T, T, error) {
	if err := slice.Validate(); err != nil {
		return 0, 0, err
	}
	if slice.Channels != v.channels {
		return 0, 0, fmt.Errorf("volume: slice %d has %d channels, volume has %d", slice.Index, slice.Channels, v.channels)
	}

	if v.xform == nil {
		if slice.Width != v.size[0] || slice.Height != v.size[1] {
			return 0, 0, fmt.Errorf("volume: slice %d is %dx%d, grid is %dx%d",
				slice.Index, slice.Width, slice.Height, v.size[0], v.size[1])
		}
		if zIdx < 0 || zIdx >= v.size[2] {
			return 0, 0, fmt.Errorf("volume: slice %d maps outside the grid (z=%d)", slice.Index, zIdx)
		}
		v.store.CopyFrom(int64(zIdx)*v.sliceStride(), slice.Pixels)
	} else {
		v.scatterSlice(slice, zIdx, splitThreshold)
	}

	mn, mx := minMax(slice.Pixels)
	return mn, mx, nil
}

// scatterSlice forward-maps every pixel of the slice through the
// rectification transform. The pixel range is split fork-join style so
// large slices use all cores; splatted writes from adjacent slices may
// race on shared boundary voxels, which is acceptable because physically
// adjacent slices carry near-identical boundary values there.
func (v *Volume[T]) scatterSlice(slice *models.Slice[T], zIdx, splitThreshold int) {
	w := slice.Width
	forEachRange(0, w*slice.Height, splitThreshold, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			src := r3.Vec{
				X: float64(p % w),
				Y: float64(p / w),
				Z: float64(zIdx),
			}
			v.splat(geometry.ApplyAffine(v.xform, src), slice.Pixels[p*slice.Channels:(p+1)*slice.Channels])
		}
	})
}

// splat writes the pixel's channels to the voxel under the transformed
// coordinate and to the neighbors whose fractional offset exceeds the
// threshold on the corresponding axis: up to 7 extra voxels.
func (v *Volume[T]) splat(p r3.Vec, values []T) {
	bx, by, bz := math.Floor(p.X), math.Floor(p.Y), math.Floor(p.Z)
	dx := boolToInt(p.X-bx > splatThreshold)
	dy := boolToInt(p.Y-by > splatThreshold)
	dz := boolToInt(p.Z-bz > splatThreshold)

	for ox := 0; ox <= dx; ox++ {
		for oy := 0; oy <= dy; oy++ {
			for oz := 0; oz <= dz; oz++ {
				x, y, z := int(bx)+ox, int(by)+oy, int(bz)+oz
				if x < 0 || y < 0 || z < 0 || x >= v.size[0] || y >= v.size[1] || z >= v.size[2] {
					continue
				}
				base := v.index(x, y, z, 0)
				for c, val := range values {
					v.store.Set(base+int64(c), val)
				}
			}
		}
	}
}

// reduceMinMax folds one slice's extrema into the volume extrema.
func (v *Volume[T]) reduceMinMax(mn, mx T) {
	if !v.hasData {
		v.min, v.max = mn, mx
		v.hasData = true
		return
	}
	if mn < v.min {
		v.min = mn
	}
	if mx > v.max {
		v.max = mx
	}
}

func minMax[T storage.Element](vals []T) (T, T) {
	mn, mx := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < mn {
			mn = v
		}
		if v > mx {
			mx = v
		}
	}
	return mn, mx
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
