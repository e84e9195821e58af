package geometry

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// RectifyEpsilon is the tolerance below which a shear or rotation
	// measurement counts as floating-point noise in the acquisition
	// metadata rather than a real correction.
	RectifyEpsilon = 1e-2

	// MaxShearFactor clamps shear corrections to roughly an 80 degree
	// tilt. Anything steeper is treated as metadata damage.
	MaxShearFactor = 5.0

	// MinShearFactor drops corrections too small to be worth applying.
	MinShearFactor = 1e-4

	// shearDenominatorFloor guards the shear ratio against a degenerate
	// near-90 degree tilt.
	shearDenominatorFloor = 1e-6
)

// NeedsRectification reports whether a shear or rotation measurement is
// significant: its magnitude deviates from the nearest of {0, 1} by more
// than RectifyEpsilon.
func NeedsRectification(v float64) bool {
	m := math.Abs(v)
	d := math.Min(m, math.Abs(m-1))
	return d > RectifyEpsilon
}

// Bounds is the voxel grid derived from a stack's geometry: its size,
// spacing and axis directions for the chosen viewing plane, and the
// affine transform (plane permutation plus shear/rotation rectification)
// that maps stack-order pixel coordinates into the grid.
type Bounds struct {
	Plane   Plane
	Size    [3]int
	Spacing [3]float64

	// Transform maps homogeneous stack coordinates (x, y, z, 1) into
	// volume voxel coordinates. Nil means identity: pixels land exactly
	// where stack order puts them and ingestion may bulk-copy.
	Transform *mat.Dense

	// Rectified reports whether a shear or rotation correction was
	// applied, as opposed to a bare plane permutation.
	Rectified bool

	// SpacingCorrection converts projected slice offsets into physical
	// distances along the stacking axis (1/cos of the tilt angle).
	SpacingCorrection float64

	// sliceSpacing is the corrected physical distance between
	// consecutive slices in the source stack.
	sliceSpacing float64
}

// ComputeBounds derives the voxel grid for a stack of width x height
// pixel slices viewed in the given plane.
func ComputeBounds(stack *Stack, plane Plane, width, height int) (*Bounds, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("geometry: invalid slice dimensions %dx%d", width, height)
	}
	first := stack.Slice(0)
	corr := stack.SpacingCorrection()

	b := &Bounds{
		Plane:             plane,
		SpacingCorrection: corr,
		sliceSpacing:      stack.Spacing * corr,
	}

	// Base grid in stack order: x across columns, y down rows, z along
	// the stack.
	baseSize := [3]int{width, height, stack.NumSlices()}
	baseSpacing := [3]float64{first.PixelSpacing[1], first.PixelSpacing[0], b.sliceSpacing}

	rectify := rectifyTransform(stack, baseSpacing)
	b.Rectified = rectify != nil

	xform := composePlane(plane, rectify)
	if xform != nil {
		size, shifted := boundingGrid(xform, baseSize)
		b.Transform = shifted
		b.Size = size
	} else {
		b.Size = baseSize
	}
	b.Spacing = permuteSpacing(plane, baseSpacing)
	return b, nil
}

// VoxelZ converts a slice's physical offset from the first slice into a
// stack-order voxel index, applying the spacing correction for tilted
// acquisitions.
func (b *Bounds) VoxelZ(offset float64) int {
	if b.sliceSpacing == 0 {
		return 0
	}
	return int(math.Round(offset * b.SpacingCorrection / b.sliceSpacing))
}

// rectifyTransform builds the composite shear/rotation correction for the
// stack, or nil when every measurement sits within noise of an ideal
// orthogonal acquisition. The in-plane rotation correction is applied
// first, then the column and row shear corrections; each shear term is
// scaled by the ratio of the two physical spacings involved so that
// anisotropic voxels are not sheared as if they were isotropic.
func rectifyTransform(stack *Stack, spacing [3]float64) *mat.Dense {
	needCol := NeedsRectification(stack.ColumnShear)
	needRow := NeedsRectification(stack.RowShear)
	needRot := NeedsRectification(stack.RowRotation)
	if !needCol && !needRow && !needRot {
		return nil
	}

	m := eye4()
	if needRot {
		m = mul4(rotationZ(-stack.rowRotationAngle), m)
	}
	if needCol {
		f := shearFactor(stack.ColumnShear, stack.NormalDot, spacing[2]/spacing[1])
		if f != 0 {
			sh := eye4()
			sh.Set(1, 2, f)
			m = mul4(sh, m)
		}
	}
	if needRow {
		f := shearFactor(stack.RowShear, stack.NormalDot, spacing[2]/spacing[0])
		if f != 0 {
			sh := eye4()
			sh.Set(0, 2, f)
			m = mul4(sh, m)
		}
	}
	if isIdentity4(m) {
		return nil
	}
	return m
}

// shearFactor converts a measured shear component into the off-diagonal
// matrix term. A near-zero denominator (degenerate, near-90 degree tilt)
// skips the correction, the result is clamped into [-5, 5], and factors
// below MinShearFactor are dropped as not worth applying.
func shearFactor(component, along, spacingRatio float64) float64 {
	if math.Abs(along) < shearDenominatorFloor {
		log.Printf("geometry: degenerate tilt (cos=%g), skipping shear correction", along)
		return 0
	}
	f := component / along * spacingRatio
	if math.IsNaN(f) || math.IsInf(f, 0) {
		log.Printf("geometry: non-finite shear factor, skipping correction")
		return 0
	}
	if f > MaxShearFactor {
		f = MaxShearFactor
	} else if f < -MaxShearFactor {
		f = -MaxShearFactor
	}
	if math.Abs(f) < MinShearFactor {
		return 0
	}
	return f
}

// composePlane combines the plane permutation with an optional
// rectification. It returns nil when the combination is the identity.
func composePlane(plane Plane, rectify *mat.Dense) *mat.Dense {
	p := planePermutation(plane)
	switch {
	case p == nil && rectify == nil:
		return nil
	case p == nil:
		return rectify
	case rectify == nil:
		return p
	default:
		return mul4(p, rectify)
	}
}

// planePermutation returns the axis permutation mapping stack-order
// coordinates into the viewing plane's volume axes, or nil for the
// axial identity.
func planePermutation(plane Plane) *mat.Dense {
	switch plane {
	case Coronal:
		// volume (x, y, z) = stack (x, z, y)
		return mat.NewDense(4, 4, []float64{
			1, 0, 0, 0,
			0, 0, 1, 0,
			0, 1, 0, 0,
			0, 0, 0, 1,
		})
	case Sagittal:
		// volume (x, y, z) = stack (y, z, x)
		return mat.NewDense(4, 4, []float64{
			0, 1, 0, 0,
			0, 0, 1, 0,
			1, 0, 0, 0,
			0, 0, 0, 1,
		})
	default:
		return nil
	}
}

func permuteSpacing(plane Plane, s [3]float64) [3]float64 {
	switch plane {
	case Coronal:
		return [3]float64{s[0], s[2], s[1]}
	case Sagittal:
		return [3]float64{s[1], s[2], s[0]}
	default:
		return s
	}
}

// boundingGrid transforms the eight corners of the base grid, takes the
// axis-aligned bounding box of the result, and translates the transform
// so the final grid has non-negative coordinates. It returns the final
// grid size and the shifted transform.
func boundingGrid(xform *mat.Dense, baseSize [3]int) ([3]int, *mat.Dense) {
	lo := r3.Vec{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64}
	hi := r3.Vec{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64}
	for cx := 0; cx < 2; cx++ {
		for cy := 0; cy < 2; cy++ {
			for cz := 0; cz < 2; cz++ {
				corner := r3.Vec{
					X: float64(cx * (baseSize[0] - 1)),
					Y: float64(cy * (baseSize[1] - 1)),
					Z: float64(cz * (baseSize[2] - 1)),
				}
				t := ApplyAffine(xform, corner)
				lo = vecMin(lo, t)
				hi = vecMax(hi, t)
			}
		}
	}

	shifted := mat.DenseCopyOf(xform)
	for i, m := range []float64{lo.X, lo.Y, lo.Z} {
		if m < 0 {
			shifted.Set(i, 3, shifted.At(i, 3)-m)
		}
	}
	size := [3]int{
		int(math.Ceil(hi.X-math.Min(lo.X, 0))) + 1,
		int(math.Ceil(hi.Y-math.Min(lo.Y, 0))) + 1,
		int(math.Ceil(hi.Z-math.Min(lo.Z, 0))) + 1,
	}
	return size, shifted
}

// ApplyAffine maps v through a 4x4 affine transform in homogeneous
// coordinates.
func ApplyAffine(m *mat.Dense, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z + m.At(0, 3),
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z + m.At(1, 3),
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z + m.At(2, 3),
	}
}

func eye4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func mul4(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}

func rotationZ(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(4, 4, []float64{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func isIdentity4(m *mat.Dense) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(m.At(i, j)-want) > 1e-12 {
				return false
			}
		}
	}
	return true
}

func vecMin(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

func vecMax(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}
