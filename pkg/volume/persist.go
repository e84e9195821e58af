package volume

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// persistBatch is the element count moved per persistence round trip.
const persistBatch = 64 * 1024

// WriteTo streams the raw voxel data to w as a headerless little-endian
// binary stream in fixed x, y, z, channel iteration order (channel
// varying fastest). The caller is responsible for recording the grid
// dimensions and element kind; the stream carries none.
func (v *Volume[T]) WriteTo(w io.Writer) (int64, error) {
	if v.store == nil {
		return 0, ErrReleased
	}
	var zero T
	elem := int64(elemSize(zero))

	batch := make([]T, 0, persistBatch)
	var written int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := binary.Write(w, binary.LittleEndian, batch); err != nil {
			return fmt.Errorf("volume: writing voxels at offset %d: %w", written, err)
		}
		written += int64(len(batch)) * elem
		batch = batch[:0]
		return nil
	}

	for x := 0; x < v.size[0]; x++ {
		for y := 0; y < v.size[1]; y++ {
			for z := 0; z < v.size[2]; z++ {
				for c := 0; c < v.channels; c++ {
					batch = append(batch, v.store.At(v.index(x, y, z, c)))
					if len(batch) == persistBatch {
						if err := flush(); err != nil {
							return written, err
						}
					}
				}
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

// ReadFrom fills the volume's voxel data from a raw stream previously
// produced by WriteTo, consuming the same x, y, z, channel order. The
// volume must have been allocated with the same grid dimensions and
// element kind; the stream is headerless so a mismatch cannot be
// detected, only garbage produced. The value extrema are recomputed
// during the read.
func (v *Volume[T]) ReadFrom(r io.Reader) (int64, error) {
	if v.store == nil {
		return 0, ErrReleased
	}
	var zero T
	elem := int64(elemSize(zero))

	total := v.store.Len()
	batch := make([]T, min64(persistBatch, total))
	v.hasData = false

	var read, consumed int64
	x, y, z, c := 0, 0, 0, 0
	for read < total {
		n := min64(int64(len(batch)), total-read)
		if err := binary.Read(r, binary.LittleEndian, batch[:n]); err != nil {
			return consumed, fmt.Errorf("volume: reading voxels at offset %d: %w", consumed, err)
		}
		for _, val := range batch[:n] {
			v.store.Set(v.index(x, y, z, c), val)
			if c++; c == v.channels {
				c = 0
				if z++; z == v.size[2] {
					z = 0
					if y++; y == v.size[1] {
						y = 0
						x++
					}
				}
			}
		}
		mn, mx := minMax(batch[:n])
		v.reduceMinMax(mn, mx)
		read += n
		consumed += n * elem
	}
	return consumed, nil
}

// WriteSnappy writes the raw stream through a snappy-framed compressor.
// Voxel data from uniform acquisitions compresses heavily, making this
// the preferred on-disk form for archived volumes.
func (v *Volume[T]) WriteSnappy(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	if _, err := v.WriteTo(sw); err != nil {
		sw.Close()
		return err
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("volume: flushing compressed stream: %w", err)
	}
	return nil
}

// ReadSnappy fills the volume from a snappy-framed stream produced by
// WriteSnappy.
func (v *Volume[T]) ReadSnappy(r io.Reader) error {
	_, err := v.ReadFrom(snappy.NewReader(r))
	return err
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
