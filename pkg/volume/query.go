package volume

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/pkg/geometry"
)

// At returns the voxel value at integer grid coordinates, or false when
// the coordinates fall outside the grid.
func (v *Volume[T]) At(x, y, z, c int) (T, bool) {
	if x < 0 || y < 0 || z < 0 || c < 0 ||
		x >= v.size[0] || y >= v.size[1] || z >= v.size[2] || c >= v.channels {
		var zero T
		return zero, false
	}
	return v.store.At(v.index(x, y, z, c)), true
}

// Interpolate samples the volume at an arbitrary real-valued point using
// trilinear interpolation and writes one value per channel into out.
// It returns false, leaving out untouched, when the point is not strictly
// inside [0, size-1) on every axis. Boundary neighbors that fall off the
// grid contribute the volume's global minimum instead of zero so that
// interpolated edges are not artificially darkened.
func (v *Volume[T]) Interpolate(p r3.Vec, out []T) bool {
	if len(out) != v.channels {
		return false
	}
	if !v.interior(p.X, v.size[0]) || !v.interior(p.Y, v.size[1]) || !v.interior(p.Z, v.size[2]) {
		return false
	}

	x0, y0, z0 := int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z))
	fx, fy, fz := p.X-float64(x0), p.Y-float64(y0), p.Z-float64(z0)

	for c := 0; c < v.channels; c++ {
		c000 := v.neighbor(x0, y0, z0, c)
		c100 := v.neighbor(x0+1, y0, z0, c)
		c010 := v.neighbor(x0, y0+1, z0, c)
		c110 := v.neighbor(x0+1, y0+1, z0, c)
		c001 := v.neighbor(x0, y0, z0+1, c)
		c101 := v.neighbor(x0+1, y0, z0+1, c)
		c011 := v.neighbor(x0, y0+1, z0+1, c)
		c111 := v.neighbor(x0+1, y0+1, z0+1, c)

		// Reduce along x, then y, then z.
		c00 := lerp(c000, c100, fx)
		c10 := lerp(c010, c110, fx)
		c01 := lerp(c001, c101, fx)
		c11 := lerp(c011, c111, fx)
		c0 := lerp(c00, c10, fy)
		c1 := lerp(c01, c11, fy)
		out[c] = T(lerp(c0, c1, fz))
	}
	return true
}

func (v *Volume[T]) interior(x float64, size int) bool {
	return x >= 0 && x < float64(size-1)
}

func (v *Volume[T]) neighbor(x, y, z, c int) float64 {
	val, ok := v.At(x, y, z, c)
	if !ok {
		val = v.min
	}
	return float64(val)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// PlaneImage is the result of an arbitrary-plane extraction: an n x n
// raster of interpolated voxel values plus a per-pixel validity mask.
// A pixel is valid only when every channel of its query point could be
// interpolated.
type PlaneImage[T any] struct {
	Pixels   []T
	Valid    []bool
	Size     int
	Channels int
}

// ExtractPlane resamples the volume along an arbitrary cutting plane into
// an n x n raster. The view transform maps scaled plane coordinates
// (u*ratios[0], v*ratios[1], 0) into voxel coordinates; the volume's
// orientation state is applied on top. Ratios convert output pixel steps
// into voxel-space steps so anisotropic volumes resample without
// distortion. Rows are processed in parallel bands; the voxel data is
// read-only here so no locking is needed.
func (v *Volume[T]) ExtractPlane(ctx context.Context, n int, view *mat.Dense, ratios [2]float64, opts *Options) (*PlaneImage[T], error) {
	if v.store == nil {
		return nil, ErrReleased
	}
	if n <= 0 {
		return nil, fmt.Errorf("volume: invalid plane size %d", n)
	}
	if view == nil {
		return nil, fmt.Errorf("volume: plane extraction needs a view transform")
	}

	img := &PlaneImage[T]{
		Pixels:   make([]T, n*n*v.channels),
		Valid:    make([]bool, n*n),
		Size:     n,
		Channels: v.channels,
	}

	rowsPerBand := opts.splitThreshold() / n
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for start := 0; start < n; start += rowsPerBand {
		lo, hi := start, start+rowsPerBand
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v.extractRows(img, lo, hi, view, ratios)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return img, nil
}

func (v *Volume[T]) extractRows(img *PlaneImage[T], lo, hi int, view *mat.Dense, ratios [2]float64) {
	n := img.Size
	sample := make([]T, v.channels)
	for row := lo; row < hi; row++ {
		for col := 0; col < n; col++ {
			src := r3.Vec{X: float64(col) * ratios[0], Y: float64(row) * ratios[1]}
			p := v.orient(geometry.ApplyAffine(view, src))
			if !v.Interpolate(p, sample) {
				continue
			}
			img.Valid[row*n+col] = true
			copy(img.Pixels[(row*n+col)*v.channels:], sample)
		}
	}
}

// ExtractSlice reads one axis-aligned slice of the finished volume: the
// plane selects the fixed axis, idx the position along it. Unlike
// ExtractPlane this is an exact copy, not a resampling.
func (v *Volume[T]) ExtractSlice(plane geometry.Plane, idx int) ([]T, int, int, error) {
	if v.store == nil {
		return nil, 0, 0, ErrReleased
	}
	var w, h int
	switch plane {
	case geometry.Axial:
		w, h = v.size[0], v.size[1]
		if idx < 0 || idx >= v.size[2] {
			return nil, 0, 0, fmt.Errorf("volume: slice %d out of range [0, %d)", idx, v.size[2])
		}
		out := make([]T, int64(w)*int64(h)*int64(v.channels))
		v.store.CopyTo(out, int64(idx)*v.sliceStride())
		return out, w, h, nil
	case geometry.Coronal:
		w, h = v.size[0], v.size[2]
		if idx < 0 || idx >= v.size[1] {
			return nil, 0, 0, fmt.Errorf("volume: slice %d out of range [0, %d)", idx, v.size[1])
		}
		out := make([]T, w*h*v.channels)
		rowLen := w * v.channels
		for z := 0; z < h; z++ {
			v.store.CopyTo(out[z*rowLen:(z+1)*rowLen], v.index(0, idx, z, 0))
		}
		return out, w, h, nil
	case geometry.Sagittal:
		w, h = v.size[1], v.size[2]
		if idx < 0 || idx >= v.size[0] {
			return nil, 0, 0, fmt.Errorf("volume: slice %d out of range [0, %d)", idx, v.size[0])
		}
		out := make([]T, w*h*v.channels)
		for z := 0; z < h; z++ {
			for y := 0; y < w; y++ {
				v.store.CopyTo(out[(z*w+y)*v.channels:(z*w+y+1)*v.channels], v.index(idx, y, z, 0))
			}
		}
		return out, w, h, nil
	default:
		return nil, 0, 0, fmt.Errorf("volume: unknown plane %v", plane)
	}
}
