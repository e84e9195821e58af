package volume

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/internal/models"
	"volrecon/pkg/geometry"
)

// gradientVolume builds a float64 volume whose voxel (x, y, z) holds
// x + 10y + 100z, making interpolation results exactly predictable.
func gradientVolume(t testing.TB, w, h, d int) *Volume[float64] {
	t.Helper()
	geoms := orthogonalGeoms(d, 1)
	slices := make([]*models.Slice[float64], d)
	for z := range slices {
		pixels := make([]float64, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pixels[y*w+x] = float64(x) + 10*float64(y) + 100*float64(z)
			}
		}
		slices[z] = &models.Slice[float64]{
			Pixels: pixels, Width: w, Height: h, Channels: 1,
			Index: z, Geometry: geoms[z],
		}
	}
	stack, err := geometry.NewStack(geoms)
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	bounds, err := geometry.ComputeBounds(stack, geometry.Axial, w, h)
	if err != nil {
		t.Fatalf("ComputeBounds failed: %v", err)
	}
	vol, err := BuildFromStack[float64](context.Background(), &SliceBuffer[float64]{Slices: slices}, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	return vol
}

// TestInterpolateExactAtGridPoints verifies trilinear interpolation
// returns the exact voxel value at integer coordinates.
func TestInterpolateExactAtGridPoints(t *testing.T) {
	vol := gradientVolume(t, 4, 4, 4)
	defer vol.Release()

	out := make([]float64, 1)
	for z := 0; z < 3; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				if !vol.Interpolate(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}, out) {
					t.Fatalf("Expected interior point (%d,%d,%d) to interpolate", x, y, z)
				}
				want := float64(x) + 10*float64(y) + 100*float64(z)
				if out[0] != want {
					t.Fatalf("Expected %g at (%d,%d,%d), got %g", want, x, y, z, out[0])
				}
			}
		}
	}
}

// TestInterpolateLinearGradient verifies fractional coordinates produce
// the linear blend of the gradient.
func TestInterpolateLinearGradient(t *testing.T) {
	vol := gradientVolume(t, 4, 4, 4)
	defer vol.Release()

	out := make([]float64, 1)
	p := r3.Vec{X: 1.5, Y: 0.25, Z: 2.75}
	if !vol.Interpolate(p, out) {
		t.Fatalf("Expected point %v to interpolate", p)
	}
	want := 1.5 + 10*0.25 + 100*2.75
	if math.Abs(out[0]-want) > 1e-9 {
		t.Errorf("Expected %g, got %g", want, out[0])
	}
}

// TestInterpolateRejectsExterior verifies the strict interior check on
// every axis, including the upper boundary itself.
func TestInterpolateRejectsExterior(t *testing.T) {
	vol := gradientVolume(t, 4, 4, 4)
	defer vol.Release()

	out := make([]float64, 1)
	exterior := []r3.Vec{
		{X: -0.1, Y: 1, Z: 1},
		{X: 1, Y: -0.1, Z: 1},
		{X: 1, Y: 1, Z: -0.1},
		{X: 3, Y: 1, Z: 1}, // size-1 is excluded
		{X: 1, Y: 3, Z: 1},
		{X: 1, Y: 1, Z: 3},
		{X: 10, Y: 10, Z: 10},
	}
	for _, p := range exterior {
		if vol.Interpolate(p, out) {
			t.Errorf("Expected point %v to be rejected", p)
		}
	}

	// 2.9 is still strictly inside [0, 3).
	if !vol.Interpolate(r3.Vec{X: 2.9, Y: 2.9, Z: 2.9}, out) {
		t.Errorf("Expected point just inside the boundary to interpolate")
	}
}

// TestAtBounds verifies the exact lookup's boundary handling.
func TestAtBounds(t *testing.T) {
	vol := gradientVolume(t, 4, 4, 4)
	defer vol.Release()

	if _, ok := vol.At(3, 3, 3, 0); !ok {
		t.Errorf("Expected the last voxel to be addressable")
	}
	if _, ok := vol.At(4, 0, 0, 0); ok {
		t.Errorf("Expected x=4 to be out of range")
	}
	if _, ok := vol.At(0, 0, 0, 1); ok {
		t.Errorf("Expected channel 1 to be out of range on a single-channel volume")
	}
	if _, ok := vol.At(-1, 0, 0, 0); ok {
		t.Errorf("Expected negative coordinates to be out of range")
	}
}

// axialView returns a view transform selecting the axial plane at depth z.
func axialView(z float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, z,
		0, 0, 0, 1,
	})
}

// TestExtractPlaneAxial verifies an axial cutting plane reproduces the
// gradient at interior pixels and masks boundary pixels.
func TestExtractPlaneAxial(t *testing.T) {
	vol := gradientVolume(t, 8, 8, 4)
	defer vol.Release()

	img, err := vol.ExtractPlane(context.Background(), 8, axialView(1), [2]float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}

	for row := 0; row < 7; row++ {
		for col := 0; col < 7; col++ {
			p := row*8 + col
			if !img.Valid[p] {
				t.Fatalf("Expected interior pixel (%d,%d) to be valid", col, row)
			}
			want := float64(col) + 10*float64(row) + 100
			if math.Abs(img.Pixels[p]-want) > 1e-9 {
				t.Fatalf("Expected %g at (%d,%d), got %g", want, col, row, img.Pixels[p])
			}
		}
	}
	// The last row and column query x or y = 7 = size-1, outside the
	// strict interior.
	if img.Valid[7] || img.Valid[7*8] {
		t.Errorf("Expected boundary pixels to be masked invalid")
	}
}

// TestExtractPlaneRatios verifies the spacing ratios scale the sampling
// step.
func TestExtractPlaneRatios(t *testing.T) {
	vol := gradientVolume(t, 8, 8, 4)
	defer vol.Release()

	img, err := vol.ExtractPlane(context.Background(), 4, axialView(1), [2]float64{0.5, 0.5}, nil)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	// Pixel (2, 2) samples voxel coordinates (1.0, 1.0, 1).
	p := 2*4 + 2
	if !img.Valid[p] {
		t.Fatalf("Expected scaled pixel to be valid")
	}
	want := 1.0 + 10*1.0 + 100
	if math.Abs(img.Pixels[p]-want) > 1e-9 {
		t.Errorf("Expected %g, got %g", want, img.Pixels[p])
	}
}

// TestExtractPlaneHonorsTranslation verifies the orientation state shifts
// the sampled plane.
func TestExtractPlaneHonorsTranslation(t *testing.T) {
	vol := gradientVolume(t, 8, 8, 4)
	defer vol.Release()

	vol.Translate(r3.Vec{Z: 1})
	img, err := vol.ExtractPlane(context.Background(), 8, axialView(1), [2]float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	p := 2*8 + 3
	want := 3.0 + 10*2 + 100*2 // z shifted from 1 to 2
	if !img.Valid[p] {
		t.Fatalf("Expected translated pixel to be valid")
	}
	if math.Abs(img.Pixels[p]-want) > 1e-9 {
		t.Errorf("Expected %g after translation, got %g", want, img.Pixels[p])
	}

	vol.ResetOrientation()
	img, err = vol.ExtractPlane(context.Background(), 8, axialView(1), [2]float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("ExtractPlane failed: %v", err)
	}
	want = 3.0 + 10*2 + 100
	if math.Abs(img.Pixels[p]-want) > 1e-9 {
		t.Errorf("Expected %g after reset, got %g", want, img.Pixels[p])
	}
}

// TestRotateComposesQuaternions verifies two quarter turns equal a half
// turn when sampling through the viewing frame.
func TestRotateComposesQuaternions(t *testing.T) {
	vol := gradientVolume(t, 5, 5, 5)
	defer vol.Release()

	// A rotation of pi/2 about Z, applied twice.
	half := math.Pi / 4
	qz := r3.Rotation(quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)})
	vol.Rotate(qz)
	vol.Rotate(qz)

	// A half turn about the grid center maps (x, y) to (4-x, 4-y).
	out := make([]float64, 1)
	if !vol.Interpolate(vol.orient(r3.Vec{X: 1, Y: 1, Z: 2}), out) {
		t.Fatalf("Expected rotated point to interpolate")
	}
	want := 3.0 + 10*3 + 100*2
	if math.Abs(out[0]-want) > 1e-9 {
		t.Errorf("Expected %g after two quarter turns, got %g", want, out[0])
	}
}

// TestExtractSlicePlanes verifies the exact axis-aligned extraction on
// all three planes.
func TestExtractSlicePlanes(t *testing.T) {
	vol := gradientVolume(t, 4, 5, 6)
	defer vol.Release()

	axial, w, h, err := vol.ExtractSlice(geometry.Axial, 2)
	if err != nil {
		t.Fatalf("axial ExtractSlice failed: %v", err)
	}
	if w != 4 || h != 5 {
		t.Errorf("Expected axial slice 4x5, got %dx%d", w, h)
	}
	if got, want := axial[3*4+2], 2.0+10*3+100*2; got != want {
		t.Errorf("Expected axial value %g, got %g", want, got)
	}

	coronal, w, h, err := vol.ExtractSlice(geometry.Coronal, 3)
	if err != nil {
		t.Fatalf("coronal ExtractSlice failed: %v", err)
	}
	if w != 4 || h != 6 {
		t.Errorf("Expected coronal slice 4x6, got %dx%d", w, h)
	}
	if got, want := coronal[5*4+1], 1.0+10*3+100*5; got != want {
		t.Errorf("Expected coronal value %g, got %g", want, got)
	}

	sagittal, w, h, err := vol.ExtractSlice(geometry.Sagittal, 1)
	if err != nil {
		t.Fatalf("sagittal ExtractSlice failed: %v", err)
	}
	if w != 5 || h != 6 {
		t.Errorf("Expected sagittal slice 5x6, got %dx%d", w, h)
	}
	if got, want := sagittal[4*5+2], 1.0+10*2+100*4; got != want {
		t.Errorf("Expected sagittal value %g, got %g", want, got)
	}

	if _, _, _, err := vol.ExtractSlice(geometry.Axial, 6); err == nil {
		t.Errorf("Expected out-of-range axial index to fail")
	}
}

// TestExtractPlaneReleasedVolume verifies queries fail after Release.
func TestExtractPlaneReleasedVolume(t *testing.T) {
	vol := gradientVolume(t, 4, 4, 4)
	vol.Release()

	if _, err := vol.ExtractPlane(context.Background(), 4, axialView(1), [2]float64{1, 1}, nil); err != ErrReleased {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
	if _, _, _, err := vol.ExtractSlice(geometry.Axial, 0); err != ErrReleased {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
}

// BenchmarkInterpolate benchmarks the trilinear interpolation path on a
// fractional interior point.
func BenchmarkInterpolate(b *testing.B) {
	vol := gradientVolume(b, 16, 16, 16)
	defer vol.Release()

	p := r3.Vec{X: 7.3, Y: 4.6, Z: 9.1}
	out := make([]float64, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !vol.Interpolate(p, out) {
			b.Fatalf("Expected interior point to interpolate")
		}
	}
}
