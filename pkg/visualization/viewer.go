// Package visualization renders slices of a reconstructed volume as
// grayscale images: exact axis-aligned cuts and interpolated oblique
// cuts through arbitrary planes.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"volrecon/pkg/geometry"
	"volrecon/pkg/storage"
	"volrecon/pkg/volume"
)

// Viewer renders slices of one reconstructed volume. Pixel values are
// normalized into 16-bit grayscale using the volume's observed extrema;
// for multi-channel volumes only the first channel is rendered.
type Viewer[T storage.Element] struct {
	vol *volume.Volume[T]

	// quality is the JPEG encoder quality for saved slices.
	quality int
}

// NewViewer creates a viewer over a finished volume.
func NewViewer[T storage.Element](vol *volume.Volume[T], quality int) *Viewer[T] {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Viewer[T]{vol: vol, quality: quality}
}

// ExtractSlice renders one axis-aligned slice of the volume as a 16-bit
// grayscale image. The plane selects which axis is fixed, idx the
// position along it.
func (v *Viewer[T]) ExtractSlice(plane geometry.Plane, idx int) (image.Image, error) {
	pixels, w, h, err := v.vol.ExtractSlice(plane, idx)
	if err != nil {
		return nil, err
	}

	channels := v.vol.Channels()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: v.normalize(pixels[(y*w+x)*channels])})
		}
	}
	return img, nil
}

// ExtractOblique renders an n x n cut through an arbitrary plane of the
// volume. The view transform maps scaled plane coordinates into voxel
// coordinates; ratios convert output pixel steps into voxel-space steps.
// Pixels whose query point falls outside the volume render black.
func (v *Viewer[T]) ExtractOblique(ctx context.Context, n int, view *mat.Dense, ratios [2]float64) (image.Image, error) {
	pi, err := v.vol.ExtractPlane(ctx, n, view, ratios, nil)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := y*n + x
			if !pi.Valid[p] {
				continue
			}
			img.SetGray16(x, y, color.Gray16{Y: v.normalize(pi.Pixels[p*pi.Channels])})
		}
	}
	return img, nil
}

// normalize maps a raw voxel value into the 16-bit grayscale range using
// the volume extrema. A flat volume (min == max) renders black.
func (v *Viewer[T]) normalize(val T) uint16 {
	mn, mx := v.vol.MinMax()
	span := float64(mx) - float64(mn)
	if span <= 0 {
		return 0
	}
	f := (float64(val) - float64(mn)) / span
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	return uint16(f * 65535)
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer[T]) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: v.quality})
}

// SaveSliceSequence extracts and saves every slice along the given plane.
func (v *Viewer[T]) SaveSliceSequence(plane geometry.Plane, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	size := v.vol.Size()
	var maxPos int
	switch plane {
	case geometry.Axial:
		maxPos = size[2]
	case geometry.Coronal:
		maxPos = size[1]
	case geometry.Sagittal:
		maxPos = size[0]
	default:
		return fmt.Errorf("visualization: unknown plane %v", plane)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(plane, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", plane, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
