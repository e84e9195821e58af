// Package models holds the shared input structures exchanged between the
// reconstruction engine and its collaborators: decoded slices with their
// geometry descriptors, and the YAML stack manifest the CLI consumes.
package models

import (
	"fmt"

	"volrecon/pkg/geometry"
	"volrecon/pkg/storage"
)

// Slice is one decoded 2D cross-sectional image: a pixel buffer of a
// known numeric element kind and channel count, plus the geometry
// describing where the slice sits in physical space.
type Slice[T storage.Element] struct {
	// Pixels is the decoded pixel data in row-major order, channels
	// interleaved. Its length is Width*Height*Channels.
	Pixels []T

	// Width and Height are the pixel dimensions of the slice.
	Width  int
	Height int

	// Channels is 1 for scalar modalities, >1 for multi-component data.
	Channels int

	// Index is the position of this slice in the stack.
	Index int

	// Geometry places the slice in physical space.
	Geometry geometry.SliceGeometry
}

// Validate checks the pixel buffer against the declared dimensions.
func (s *Slice[T]) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("models: slice %d has invalid dimensions %dx%d", s.Index, s.Width, s.Height)
	}
	if s.Channels <= 0 {
		return fmt.Errorf("models: slice %d has invalid channel count %d", s.Index, s.Channels)
	}
	if want := s.Width * s.Height * s.Channels; len(s.Pixels) != want {
		return fmt.Errorf("models: slice %d has %d pixels, expected %d", s.Index, len(s.Pixels), want)
	}
	return nil
}
