package models

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"volrecon/pkg/geometry"
)

// StackManifest is the YAML description of a slice stack: the image files
// in stack order and the acquisition geometry shared by every slice.
// Slice positions are derived from the origin and step vectors; a
// per-slice entry may override its position for non-uniform stacks.
type StackManifest struct {
	// Files lists the slice images in stack order.
	Files []string `yaml:"files"`

	// Row and Col are the direction cosines of pixel rows and columns.
	Row [3]float64 `yaml:"row"`
	Col [3]float64 `yaml:"col"`

	// Normal is the slice normal. Empty means Row x Col.
	Normal [3]float64 `yaml:"normal"`

	// Origin is the top-left corner of the first slice in mm.
	Origin [3]float64 `yaml:"origin"`

	// Step is the physical offset between consecutive slice origins.
	Step [3]float64 `yaml:"step"`

	// PixelSpacing is the physical distance per pixel: row spacing then
	// column spacing, in mm.
	PixelSpacing [2]float64 `yaml:"pixelSpacing"`

	// Positions optionally overrides the origin of individual slices.
	Positions []SlicePosition `yaml:"positions"`
}

// SlicePosition pins one slice to an explicit origin.
type SlicePosition struct {
	Index  int        `yaml:"index"`
	Origin [3]float64 `yaml:"origin"`
}

// LoadManifest reads and validates a stack manifest from a YAML file.
func LoadManifest(path string) (*StackManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("models: reading manifest: %w", err)
	}
	var m StackManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("models: parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for a usable geometry.
func (m *StackManifest) Validate() error {
	if len(m.Files) == 0 {
		return fmt.Errorf("models: manifest lists no slice files")
	}
	if vec(m.Row) == (r3.Vec{}) || vec(m.Col) == (r3.Vec{}) {
		return fmt.Errorf("models: manifest needs non-zero row and col directions")
	}
	if m.PixelSpacing[0] <= 0 || m.PixelSpacing[1] <= 0 {
		return fmt.Errorf("models: manifest needs positive pixel spacing")
	}
	for _, p := range m.Positions {
		if p.Index < 0 || p.Index >= len(m.Files) {
			return fmt.Errorf("models: position override index %d out of range", p.Index)
		}
	}
	return nil
}

// Geometries expands the manifest into one geometry descriptor per slice.
func (m *StackManifest) Geometries() []geometry.SliceGeometry {
	row := r3.Unit(vec(m.Row))
	col := r3.Unit(vec(m.Col))
	normal := vec(m.Normal)
	if normal == (r3.Vec{}) {
		normal = r3.Cross(row, col)
	}
	normal = r3.Unit(normal)

	overrides := make(map[int]r3.Vec, len(m.Positions))
	for _, p := range m.Positions {
		overrides[p.Index] = vec(p.Origin)
	}

	geoms := make([]geometry.SliceGeometry, len(m.Files))
	for i := range m.Files {
		origin := r3.Add(vec(m.Origin), r3.Scale(float64(i), vec(m.Step)))
		if o, ok := overrides[i]; ok {
			origin = o
		}
		geoms[i] = geometry.SliceGeometry{
			Row:          row,
			Col:          col,
			Normal:       normal,
			TopLeft:      origin,
			PixelSpacing: m.PixelSpacing,
		}
	}
	return geoms
}

func vec(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}
