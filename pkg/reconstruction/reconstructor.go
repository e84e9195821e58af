// Package reconstruction orchestrates the full pipeline from a directory
// of slice images (or a YAML stack manifest) to a finished voxel volume:
// it discovers and orders the slice files, analyzes the stack geometry,
// derives the voxel grid bounds for the requested viewing plane, and
// drives the parallel ingestion.
package reconstruction

import (
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"volrecon/internal/models"
	"volrecon/pkg/geometry"
	"volrecon/pkg/volume"
)

// Params configures a reconstruction run.
type Params struct {
	// InputDir holds the slice images. Ignored when ManifestPath is set.
	InputDir string

	// ManifestPath points at a YAML stack manifest describing the slice
	// files and their acquisition geometry. When empty the stack is
	// assumed orthogonal and axis aligned with SliceGap spacing.
	ManifestPath string

	// Plane is the viewing plane the volume is built for.
	Plane geometry.Plane

	// NumCores bounds concurrent slice ingestion. Zero means all cores.
	NumCores int

	// SplitThreshold tunes the fork-join pixel splitting. Zero means the
	// engine default.
	SplitThreshold int

	// SliceGap is the inter-slice distance in mm, used only without a
	// manifest.
	SliceGap float64

	// PixelSpacing is the physical distance per pixel (row, column) in
	// mm, used only without a manifest. Zero means 1x1.
	PixelSpacing [2]float64

	// Progress, when non-nil, receives per-slice completion updates.
	Progress volume.ProgressCallback
}

// Reconstructor runs the reconstruction pipeline and implements
// volume.SliceReader by decoding slice images on demand, so decoding
// happens inside the ingestion worker pool rather than up front.
type Reconstructor struct {
	params *Params
	files  []string

	width, height int

	stack  *geometry.Stack
	bounds *geometry.Bounds
	vol    *volume.Volume[uint16]

	elapsed time.Duration
}

// NewReconstructor creates a reconstructor for the given parameters.
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{params: params}
}

// Process runs the pipeline: discover slices, analyze geometry, size the
// grid, ingest. It blocks until the volume is built or the first error
// (or ctx cancellation) aborts the run.
func (r *Reconstructor) Process(ctx context.Context) error {
	geoms, err := r.discoverSlices()
	if err != nil {
		return err
	}

	if err := r.probeDimensions(); err != nil {
		return err
	}

	r.stack, err = geometry.NewStack(geoms)
	if err != nil {
		return err
	}
	r.bounds, err = geometry.ComputeBounds(r.stack, r.params.Plane, r.width, r.height)
	if err != nil {
		return err
	}

	opts := &volume.Options{
		Workers:        r.params.NumCores,
		SplitThreshold: r.params.SplitThreshold,
		Progress:       r.params.Progress,
	}

	start := time.Now()
	r.vol, err = volume.BuildFromStack[uint16](ctx, r, r.stack, r.bounds, opts)
	r.elapsed = time.Since(start)
	return err
}

// Volume returns the reconstructed volume. Nil until Process succeeds.
func (r *Reconstructor) Volume() *volume.Volume[uint16] { return r.vol }

// Stack returns the analyzed stack geometry.
func (r *Reconstructor) Stack() *geometry.Stack { return r.stack }

// Bounds returns the derived voxel grid bounds.
func (r *Reconstructor) Bounds() *geometry.Bounds { return r.bounds }

// Elapsed returns the wall time of the ingestion phase.
func (r *Reconstructor) Elapsed() time.Duration { return r.elapsed }

// CacheKey identifies this reconstruction's inputs: the ordered slice
// files and the viewing plane. Callers owning a volume cache can reuse a
// built volume under the same key instead of rebuilding it. Only valid
// after Process has discovered the slice files.
func (r *Reconstructor) CacheKey() string {
	h := sha256.New()
	for _, f := range r.files {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%x", r.params.Plane, h.Sum(nil)[:8])
}

// discoverSlices resolves the ordered slice file list and per-slice
// geometry, either from the manifest or by scanning the input directory.
func (r *Reconstructor) discoverSlices() ([]geometry.SliceGeometry, error) {
	if r.params.ManifestPath != "" {
		m, err := models.LoadManifest(r.params.ManifestPath)
		if err != nil {
			return nil, err
		}
		dir := filepath.Dir(r.params.ManifestPath)
		r.files = make([]string, len(m.Files))
		for i, f := range m.Files {
			if filepath.IsAbs(f) {
				r.files[i] = f
			} else {
				r.files[i] = filepath.Join(dir, f)
			}
		}
		return m.Geometries(), nil
	}

	entries, err := os.ReadDir(r.params.InputDir)
	if err != nil {
		return nil, fmt.Errorf("reconstruction: reading input directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("reconstruction: no JPG images found in %s", r.params.InputDir)
	}

	// Sort by the numeric part of the filename so slice order matches
	// anatomical order regardless of zero padding.
	sort.Slice(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})

	r.files = make([]string, len(names))
	for i, n := range names {
		r.files[i] = filepath.Join(r.params.InputDir, n)
	}
	return r.defaultGeometries(len(names)), nil
}

// defaultGeometries synthesizes an orthogonal, axis-aligned stack for
// directories without a manifest: rows along +X, columns along +Y,
// slices stacked along +Z at SliceGap intervals.
func (r *Reconstructor) defaultGeometries(n int) []geometry.SliceGeometry {
	gap := r.params.SliceGap
	if gap <= 0 {
		gap = 1
	}
	spacing := r.params.PixelSpacing
	if spacing[0] <= 0 {
		spacing[0] = 1
	}
	if spacing[1] <= 0 {
		spacing[1] = 1
	}

	geoms := make([]geometry.SliceGeometry, n)
	for i := range geoms {
		geoms[i] = geometry.SliceGeometry{
			Row:          r3.Vec{X: 1},
			Col:          r3.Vec{Y: 1},
			Normal:       r3.Vec{Z: 1},
			TopLeft:      r3.Vec{Z: float64(i) * gap},
			PixelSpacing: spacing,
		}
	}
	return geoms
}

// probeDimensions decodes only the header of the first slice image to
// learn the grid's in-plane dimensions before allocation.
func (r *Reconstructor) probeDimensions() error {
	f, err := os.Open(r.files[0])
	if err != nil {
		return fmt.Errorf("reconstruction: opening first slice: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("reconstruction: decoding %s: %w", r.files[0], err)
	}
	r.width, r.height = cfg.Width, cfg.Height
	return nil
}

// NumSlices returns the stack depth.
func (r *Reconstructor) NumSlices() int { return len(r.files) }

// Channels returns 1: slices are decoded to single-channel grayscale.
func (r *Reconstructor) Channels() int { return 1 }

// ReadSlice decodes slice z to 16-bit grayscale pixels. Safe for
// concurrent calls with distinct z.
func (r *Reconstructor) ReadSlice(z int) (*models.Slice[uint16], error) {
	img, err := loadImage(r.files[z])
	if err != nil {
		return nil, fmt.Errorf("reconstruction: loading %s: %w", r.files[z], err)
	}

	b := img.Bounds()
	if b.Dx() != r.width || b.Dy() != r.height {
		return nil, fmt.Errorf("reconstruction: %s is %dx%d, expected %dx%d",
			r.files[z], b.Dx(), b.Dy(), r.width, r.height)
	}

	pixels := make([]uint16, r.width*r.height)
	for y := 0; y < r.height; y++ {
		for x := 0; x < r.width; x++ {
			lum, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			pixels[y*r.width+x] = uint16(lum)
		}
	}

	var geom geometry.SliceGeometry
	if r.stack != nil {
		geom = r.stack.Slice(z)
	}
	return &models.Slice[uint16]{
		Pixels:   pixels,
		Width:    r.width,
		Height:   r.height,
		Channels: 1,
		Index:    z,
		Geometry: geom,
	}, nil
}

// extractNumber extracts the numeric part from a filename.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := jpeg.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}
