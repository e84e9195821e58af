package volume

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/internal/models"
	"volrecon/pkg/geometry"
	"volrecon/pkg/storage"
)

// orthogonalGeoms builds an ideal axis-aligned stack for tests.
func orthogonalGeoms(n int, gap float64) []geometry.SliceGeometry {
	geoms := make([]geometry.SliceGeometry, n)
	for i := range geoms {
		geoms[i] = geometry.SliceGeometry{
			Row:          r3.Vec{X: 1},
			Col:          r3.Vec{Y: 1},
			Normal:       r3.Vec{Z: 1},
			TopLeft:      r3.Vec{Z: float64(i) * gap},
			PixelSpacing: [2]float64{1, 1},
		}
	}
	return geoms
}

// uniformStack builds n w x h single-channel slices where slice z holds
// the constant value z, plus the matching stack geometry and bounds.
func uniformStack(t *testing.T, n, w, h int) (*SliceBuffer[uint16], *geometry.Stack, *geometry.Bounds) {
	t.Helper()
	slices := make([]*models.Slice[uint16], n)
	geoms := orthogonalGeoms(n, 1)
	for z := range slices {
		pixels := make([]uint16, w*h)
		for i := range pixels {
			pixels[i] = uint16(z)
		}
		slices[z] = &models.Slice[uint16]{
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
	return &SliceBuffer[uint16]{Slices: slices}, stack, bounds
}

// TestBuildFromUniformStack reconstructs a 4x4x4 volume from four uniform
// slices and verifies extrema and exact voxel placement.
func TestBuildFromUniformStack(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 4, 4, 4)

	vol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	if vol.Size() != [3]int{4, 4, 4} {
		t.Errorf("Expected size [4 4 4], got %v", vol.Size())
	}
	mn, mx := vol.MinMax()
	if mn != 0 || mx != 3 {
		t.Errorf("Expected extrema [0, 3], got [%d, %d]", mn, mx)
	}
	if vol.Rectified() {
		t.Errorf("Expected no rectification for an orthogonal stack")
	}
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				got, ok := vol.At(x, y, z, 0)
				if !ok {
					t.Fatalf("Expected voxel (%d,%d,%d) to exist", x, y, z)
				}
				if got != uint16(z) {
					t.Fatalf("Expected %d at (%d,%d,%d), got %d", z, x, y, z, got)
				}
			}
		}
	}
}

// TestBuildIdentityRoundTrip verifies the bulk-copy path preserves
// arbitrary pixel patterns bit-exactly.
func TestBuildIdentityRoundTrip(t *testing.T) {
	const n, w, h = 3, 5, 7
	slices := make([]*models.Slice[uint16], n)
	geoms := orthogonalGeoms(n, 1)
	for z := range slices {
		pixels := make([]uint16, w*h)
		for i := range pixels {
			pixels[i] = uint16(z*1000 + i*13)
		}
		slices[z] = &models.Slice[uint16]{
			Pixels: pixels, Width: w, Height: h, Channels: 1,
			Index: z, Geometry: geoms[z],
		}
	}
	stack, _ := geometry.NewStack(geoms)
	bounds, _ := geometry.ComputeBounds(stack, geometry.Axial, w, h)

	vol, err := BuildFromStack[uint16](context.Background(), &SliceBuffer[uint16]{Slices: slices}, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	for z := 0; z < n; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				want := slices[z].Pixels[y*w+x]
				if got, _ := vol.At(x, y, z, 0); got != want {
					t.Fatalf("Expected %d at (%d,%d,%d), got %d", want, x, y, z, got)
				}
			}
		}
	}
}

// TestBuildScatterPlacesBaseVoxels verifies the splat scatter path: with
// a sheared stack every pixel's floored target voxel receives the pixel
// value, and extrema still reduce correctly.
func TestBuildScatterPlacesBaseVoxels(t *testing.T) {
	const tilt = 30 * math.Pi / 180
	const n, w, h = 4, 4, 4
	geoms := orthogonalGeoms(n, 1)
	for i := range geoms {
		d := float64(i)
		geoms[i].TopLeft = r3.Vec{Y: d * math.Sin(tilt), Z: d * math.Cos(tilt)}
	}
	stack, err := geometry.NewStack(geoms)
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	bounds, err := geometry.ComputeBounds(stack, geometry.Axial, w, h)
	if err != nil {
		t.Fatalf("ComputeBounds failed: %v", err)
	}
	if bounds.Transform == nil {
		t.Fatalf("Expected a rectification transform for the sheared stack")
	}

	slices := make([]*models.Slice[uint16], n)
	for z := range slices {
		pixels := make([]uint16, w*h)
		for i := range pixels {
			pixels[i] = uint16(10 + z)
		}
		slices[z] = &models.Slice[uint16]{
			Pixels: pixels, Width: w, Height: h, Channels: 1,
			Index: z, Geometry: geoms[z],
		}
	}

	vol, err := BuildFromStack[uint16](context.Background(), &SliceBuffer[uint16]{Slices: slices}, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	// The grown grid has zero-filled corners no slice reaches, so the
	// minimum is the fill value, not the smallest pixel.
	mn, mx := vol.MinMax()
	if mn != 0 || mx != 13 {
		t.Errorf("Expected extrema [0, 13], got [%d, %d]", mn, mx)
	}

	for z := 0; z < n; z++ {
		zIdx := bounds.VoxelZ(stack.Offset(z))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := geometry.ApplyAffine(bounds.Transform, r3.Vec{
					X: float64(x), Y: float64(y), Z: float64(zIdx),
				})
				got, ok := vol.At(int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z)), 0)
				if !ok {
					t.Fatalf("Scatter target for slice %d pixel (%d,%d) is outside the grid", z, x, y)
				}
				if got != uint16(10+z) {
					t.Fatalf("Expected %d at scatter target of slice %d pixel (%d,%d), got %d", 10+z, z, x, y, got)
				}
			}
		}
	}
}

// TestBuildShearedExtremaBoundAllVoxels verifies that after a rectified
// build every in-bounds voxel value lies within the reported extrema,
// including the zero-filled corners the sheared footprint never covers.
func TestBuildShearedExtremaBoundAllVoxels(t *testing.T) {
	const tilt = 30 * math.Pi / 180
	const n, w, h = 4, 4, 4
	geoms := orthogonalGeoms(n, 1)
	for i := range geoms {
		d := float64(i)
		geoms[i].TopLeft = r3.Vec{Y: d * math.Sin(tilt), Z: d * math.Cos(tilt)}
	}
	stack, err := geometry.NewStack(geoms)
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	bounds, err := geometry.ComputeBounds(stack, geometry.Axial, w, h)
	if err != nil {
		t.Fatalf("ComputeBounds failed: %v", err)
	}

	// All-positive pixel values, so uncovered voxels hold a value below
	// every pixel.
	slices := make([]*models.Slice[uint16], n)
	for z := range slices {
		pixels := make([]uint16, w*h)
		for i := range pixels {
			pixels[i] = uint16(10 + z)
		}
		slices[z] = &models.Slice[uint16]{
			Pixels: pixels, Width: w, Height: h, Channels: 1,
			Index: z, Geometry: geoms[z],
		}
	}

	vol, err := BuildFromStack[uint16](context.Background(), &SliceBuffer[uint16]{Slices: slices}, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	mn, mx := vol.MinMax()
	size := vol.Size()
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				v, ok := vol.At(x, y, z, 0)
				if !ok {
					t.Fatalf("Expected voxel (%d,%d,%d) to exist", x, y, z)
				}
				if v < mn || v > mx {
					t.Fatalf("Voxel (%d,%d,%d) holds %d outside extrema [%d, %d]", x, y, z, v, mn, mx)
				}
			}
		}
	}
}

// TestBuildPropagatesFirstError verifies the first slice error aborts
// construction.
func TestBuildPropagatesFirstError(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 4, 4, 4)
	failing := &failingReader{SliceBuffer: reader, failAt: 2}

	_, err := BuildFromStack[uint16](context.Background(), failing, stack, bounds, &Options{Workers: 2})
	if err == nil {
		t.Fatalf("Expected an error from the failing slice")
	}
}

type failingReader struct {
	*SliceBuffer[uint16]
	failAt int
}

func (r *failingReader) ReadSlice(z int) (*models.Slice[uint16], error) {
	if z == r.failAt {
		return nil, fmt.Errorf("decode failure")
	}
	return r.SliceBuffer.ReadSlice(z)
}

// TestBuildHonorsCancellation verifies ctx cancellation aborts a build
// whose slices never finish decoding.
func TestBuildHonorsCancellation(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 4, 4, 4)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	blocking := &blockingReader{SliceBuffer: reader, block: block}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := BuildFromStack[uint16](ctx, blocking, stack, bounds, &Options{Workers: 2})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

type blockingReader struct {
	*SliceBuffer[uint16]
	block chan struct{}
}

func (r *blockingReader) ReadSlice(z int) (*models.Slice[uint16], error) {
	<-r.block
	return r.SliceBuffer.ReadSlice(z)
}

// TestBuildReportsProgress verifies every slice produces one completion
// callback in 1..total order of counts.
func TestBuildReportsProgress(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 5, 4, 4)

	var mu sync.Mutex
	var counts []int
	opts := &Options{
		Workers: 3,
		Progress: func(completed, total int, _ string) {
			mu.Lock()
			counts = append(counts, completed)
			mu.Unlock()
			if total != 5 {
				t.Errorf("Expected total 5, got %d", total)
			}
		},
	}

	vol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, opts)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	if len(counts) != 5 {
		t.Fatalf("Expected 5 progress callbacks, got %d", len(counts))
	}
	for i, c := range counts {
		if c != i+1 {
			t.Errorf("Expected progress count %d at position %d, got %d", i+1, i, c)
		}
	}
}

// TestMappedFallbackEquivalence verifies that a volume forced onto the
// memory-mapped store reads back identically to the in-memory build of
// the same stack.
func TestMappedFallbackEquivalence(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 4, 8, 8)

	memVol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, nil)
	if err != nil {
		t.Fatalf("in-memory build failed: %v", err)
	}
	defer memVol.Release()
	if memVol.MemoryMapped() {
		t.Fatalf("Expected the unconstrained build to stay in memory")
	}

	// A budget below the volume's 512 bytes forces the mapped fallback.
	prev := storage.SetMemoryBudget(128)
	defer storage.SetMemoryBudget(prev)

	mappedVol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, nil)
	if err != nil {
		t.Fatalf("mapped build failed: %v", err)
	}
	defer mappedVol.Release()
	if !mappedVol.MemoryMapped() {
		t.Fatalf("Expected the budget-constrained build to fall back to the mapped store")
	}

	for z := 0; z < 4; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				m, _ := memVol.At(x, y, z, 0)
				d, _ := mappedVol.At(x, y, z, 0)
				if m != d {
					t.Fatalf("Mismatch at (%d,%d,%d): memory %d, mapped %d", x, y, z, m, d)
				}
			}
		}
	}

	rmse, err := RMSE(memVol, mappedVol)
	if err != nil {
		t.Fatalf("RMSE failed: %v", err)
	}
	if rmse != 0 {
		t.Errorf("Expected zero RMSE between paths, got %g", rmse)
	}
}

// TestPersistRoundTrip verifies the raw and snappy persistence paths
// restore voxels and extrema exactly.
func TestPersistRoundTrip(t *testing.T) {
	reader, stack, bounds := uniformStack(t, 4, 4, 4)
	vol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, nil)
	if err != nil {
		t.Fatalf("BuildFromStack failed: %v", err)
	}
	defer vol.Release()

	check := func(restored *Volume[uint16]) {
		t.Helper()
		mn, mx := restored.MinMax()
		if mn != 0 || mx != 3 {
			t.Errorf("Expected recomputed extrema [0, 3], got [%d, %d]", mn, mx)
		}
		rmse, err := RMSE(vol, restored)
		if err != nil {
			t.Fatalf("RMSE failed: %v", err)
		}
		if rmse != 0 {
			t.Errorf("Expected identical volumes after round trip, got RMSE %g", rmse)
		}
	}

	var raw bytes.Buffer
	if _, err := vol.WriteTo(&raw); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if raw.Len() != 4*4*4*2 {
		t.Errorf("Expected %d raw bytes, got %d", 4*4*4*2, raw.Len())
	}
	restored, err := NewBlank[uint16](vol.Size(), vol.Channels(), vol.Spacing())
	if err != nil {
		t.Fatalf("NewBlank failed: %v", err)
	}
	defer restored.Release()
	if _, err := restored.ReadFrom(&raw); err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	check(restored)

	var compressed bytes.Buffer
	if err := vol.WriteSnappy(&compressed); err != nil {
		t.Fatalf("WriteSnappy failed: %v", err)
	}
	restored2, err := NewBlank[uint16](vol.Size(), vol.Channels(), vol.Spacing())
	if err != nil {
		t.Fatalf("NewBlank failed: %v", err)
	}
	defer restored2.Release()
	if err := restored2.ReadSnappy(&compressed); err != nil {
		t.Fatalf("ReadSnappy failed: %v", err)
	}
	check(restored2)
}

// TestForEachRangeCoversAll verifies the fork-join splitter touches every
// index exactly once.
func TestForEachRangeCoversAll(t *testing.T) {
	const n = 10000
	var mu sync.Mutex
	seen := make([]int, n)

	forEachRange(0, n, 512, func(lo, hi int) {
		mu.Lock()
		defer mu.Unlock()
		for i := lo; i < hi; i++ {
			seen[i]++
		}
	})

	for i, c := range seen {
		if c != 1 {
			t.Fatalf("Expected index %d to be visited once, got %d", i, c)
		}
	}
}

// TestForEachRangeEmpty verifies empty and tiny ranges.
func TestForEachRangeEmpty(t *testing.T) {
	called := false
	forEachRange(5, 5, 16, func(lo, hi int) { called = true })
	if called {
		t.Errorf("Expected no callback for an empty range")
	}

	var got [2]int
	forEachRange(3, 4, 16, func(lo, hi int) { got = [2]int{lo, hi} })
	if got != [2]int{3, 4} {
		t.Errorf("Expected single range [3,4), got %v", got)
	}
}

// BenchmarkBuildSheared benchmarks the splat scatter ingestion path end
// to end on a tilted stack.
func BenchmarkBuildSheared(b *testing.B) {
	const tilt = 30 * math.Pi / 180
	const n, w, h = 8, 64, 64
	geoms := orthogonalGeoms(n, 1)
	for i := range geoms {
		d := float64(i)
		geoms[i].TopLeft = r3.Vec{Y: d * math.Sin(tilt), Z: d * math.Cos(tilt)}
	}
	stack, err := geometry.NewStack(geoms)
	if err != nil {
		b.Fatalf("NewStack failed: %v", err)
	}
	bounds, err := geometry.ComputeBounds(stack, geometry.Axial, w, h)
	if err != nil {
		b.Fatalf("ComputeBounds failed: %v", err)
	}
	slices := make([]*models.Slice[uint16], n)
	for z := range slices {
		pixels := make([]uint16, w*h)
		for i := range pixels {
			pixels[i] = uint16(10 + z)
		}
		slices[z] = &models.Slice[uint16]{
			Pixels: pixels, Width: w, Height: h, Channels: 1,
			Index: z, Geometry: geoms[z],
		}
	}
	reader := &SliceBuffer[uint16]{Slices: slices}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vol, err := BuildFromStack[uint16](context.Background(), reader, stack, bounds, nil)
		if err != nil {
			b.Fatalf("BuildFromStack failed: %v", err)
		}
		vol.Release()
	}
}
