// Package geometry analyzes the acquisition geometry of a slice stack and
// derives the voxel grid a reconstructed volume needs: size, spacing,
// primary axis directions, and the affine rectification transform that
// corrects acquisition tilt and shear.
package geometry

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Plane selects which canonical viewing orientation the volume is built
// for. The three orientations permute which physical axis maps to volume
// X/Y/Z.
type Plane int

const (
	Axial Plane = iota
	Coronal
	Sagittal
)

// String returns the lower-case plane name.
func (p Plane) String() string {
	switch p {
	case Axial:
		return "axial"
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// ParsePlane maps a plane name to its Plane value.
func ParsePlane(name string) (Plane, error) {
	switch name {
	case "axial":
		return Axial, nil
	case "coronal":
		return Coronal, nil
	case "sagittal":
		return Sagittal, nil
	default:
		return Axial, fmt.Errorf("geometry: unknown plane %q", name)
	}
}

// SliceGeometry describes where one decoded slice sits in physical space:
// the direction cosines of its pixel rows and columns, its normal, the
// position of its top-left pixel, and the physical distance per pixel.
type SliceGeometry struct {
	Row          r3.Vec
	Col          r3.Vec
	Normal       r3.Vec
	TopLeft      r3.Vec
	PixelSpacing [2]float64 // row spacing, column spacing, in mm
}

// spacingTolerance is the relative deviation from the median inter-slice
// spacing above which the stack is flagged as non-uniformly spaced.
const spacingTolerance = 1e-2

// parallelTolerance bounds how far consecutive slice normals may deviate
// from the first slice's normal before the stack counts as non-parallel.
const parallelTolerance = 1e-5

// Stack analyzes the geometry of an ordered slice stack. It computes the
// inter-slice spacing, detects non-uniform spacing and non-parallel
// slices, and exposes the shear measurements Bounds needs.
type Stack struct {
	geoms []SliceGeometry

	// Spacing is the median distance between consecutive slices,
	// projected onto the slice normal. For a tilted acquisition the
	// physical distance is Spacing * SpacingCorrection().
	Spacing float64

	// NonUniform reports whether any inter-slice gap deviates from the
	// median by more than the tolerance.
	NonUniform bool

	// NonParallel reports whether any slice normal deviates from the
	// first slice's normal.
	NonParallel bool

	// Direction is the unit vector from the first slice origin to the
	// last. For an orthogonal acquisition it coincides with the slice
	// normal.
	Direction r3.Vec

	// ColumnShear and RowShear are the components of the stacking
	// direction along the in-plane column and row axes. Both are 0 for
	// an orthogonal acquisition.
	ColumnShear float64
	RowShear    float64

	// NormalDot is the component of the stacking direction along the
	// slice normal; 1 for an orthogonal acquisition. Its arccosine is
	// the gantry tilt angle.
	NormalDot float64

	// RowRotation is the component of the first slice's row vector along
	// its dominant physical axis; 1 when the rows are axis aligned.
	RowRotation float64

	// rowRotationAngle is the signed in-plane angle between the row
	// vector and its dominant axis, used to build the rotation
	// correction.
	rowRotationAngle float64

	// normal is the first slice's unit normal, the axis offsets and
	// gaps are projected onto.
	normal r3.Vec
}

// NewStack analyzes the geometry descriptors of an ordered stack.
func NewStack(geoms []SliceGeometry) (*Stack, error) {
	if len(geoms) == 0 {
		return nil, fmt.Errorf("geometry: empty stack")
	}
	s := &Stack{geoms: geoms, Spacing: 1, NormalDot: 1, RowRotation: 1}

	first := geoms[0]
	row := r3.Unit(first.Row)
	col := r3.Unit(first.Col)
	normal := r3.Unit(first.Normal)
	s.normal = normal

	if len(geoms) == 1 {
		s.Direction = normal
		return s, nil
	}

	// Inter-slice gaps, projected onto the normal so a tilted stack's
	// in-plane drift does not inflate the measured spacing, and the
	// stacking direction.
	gaps := make([]float64, 0, len(geoms)-1)
	for i := 1; i < len(geoms); i++ {
		step := r3.Sub(geoms[i].TopLeft, geoms[i-1].TopLeft)
		gaps = append(gaps, math.Abs(r3.Dot(step, normal)))

		if r3.Dot(r3.Unit(geoms[i].Normal), normal) < 1-parallelTolerance {
			s.NonParallel = true
		}
	}
	s.Spacing = median(gaps)
	for _, g := range gaps {
		if s.Spacing > 0 && math.Abs(g-s.Spacing)/s.Spacing > spacingTolerance {
			s.NonUniform = true
			break
		}
	}

	span := r3.Sub(geoms[len(geoms)-1].TopLeft, first.TopLeft)
	if r3.Norm(span) == 0 {
		return nil, fmt.Errorf("geometry: stack has zero physical extent")
	}
	s.Direction = r3.Unit(span)

	s.ColumnShear = r3.Dot(s.Direction, col)
	s.RowShear = r3.Dot(s.Direction, row)
	s.NormalDot = r3.Dot(s.Direction, normal)

	s.RowRotation, s.rowRotationAngle = rowDeviation(row, col)
	return s, nil
}

// Slice returns the geometry descriptor of slice z.
func (s *Stack) Slice(z int) SliceGeometry { return s.geoms[z] }

// NumSlices returns the stack depth.
func (s *Stack) NumSlices() int { return len(s.geoms) }

// Offset returns the distance of slice z from the first slice, projected
// onto the slice normal like Spacing.
func (s *Stack) Offset(z int) float64 {
	return math.Abs(r3.Dot(r3.Sub(s.geoms[z].TopLeft, s.geoms[0].TopLeft), s.normal))
}

// SpacingCorrection is the factor converting the projected inter-slice
// distance into the true physical distance: tilted slices are physically
// farther apart than their projection along the stacking axis, by
// 1/cos(tilt). A degenerate near-90 degree tilt yields 1, disabling the
// correction rather than dividing by a vanishing cosine.
func (s *Stack) SpacingCorrection() float64 {
	c := math.Abs(s.NormalDot)
	if c < shearDenominatorFloor {
		return 1
	}
	return 1 / c
}

// rowDeviation measures how far the row vector leans away from its
// dominant physical axis. It returns the axis component (1 when aligned)
// and the signed in-plane angle of the lean.
func rowDeviation(row, col r3.Vec) (float64, float64) {
	axis := dominantAxis(row)
	along := r3.Dot(row, axis)
	across := r3.Dot(col, axis)
	angle := math.Atan2(across, along)
	return math.Abs(along), angle
}

// dominantAxis returns the canonical unit axis with the largest absolute
// component of v, signed to point the same way as v.
func dominantAxis(v r3.Vec) r3.Vec {
	ax, ay, az := math.Abs(v.X), math.Abs(v.Y), math.Abs(v.Z)
	switch {
	case ax >= ay && ax >= az:
		return r3.Vec{X: math.Copysign(1, v.X)}
	case ay >= az:
		return r3.Vec{Y: math.Copysign(1, v.Y)}
	default:
		return r3.Vec{Z: math.Copysign(1, v.Z)}
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
