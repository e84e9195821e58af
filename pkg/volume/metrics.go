package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"volrecon/pkg/storage"
)

// RMSE computes the root-mean-square error between two volumes of the
// same grid dimensions, used to verify persistence round trips and to
// compare the in-memory and mapped reconstruction paths.
func RMSE[T storage.Element](a, b *Volume[T]) (float64, error) {
	if a.store == nil || b.store == nil {
		return 0, ErrReleased
	}
	if a.size != b.size || a.channels != b.channels {
		return 0, fmt.Errorf("volume: cannot compare %v/%d against %v/%d",
			a.size, a.channels, b.size, b.channels)
	}

	total := a.store.Len()
	ba := make([]T, persistBatch)
	bb := make([]T, persistBatch)
	sq := make([]float64, persistBatch)

	var sum float64
	for off := int64(0); off < total; off += persistBatch {
		n := min64(persistBatch, total-off)
		a.store.CopyTo(ba[:n], off)
		b.store.CopyTo(bb[:n], off)
		for i := int64(0); i < n; i++ {
			d := float64(ba[i]) - float64(bb[i])
			sq[i] = d * d
		}
		sum += stat.Mean(sq[:n], nil) * float64(n)
	}
	if total == 0 {
		return 0, nil
	}
	return math.Sqrt(sum / float64(total)), nil
}
