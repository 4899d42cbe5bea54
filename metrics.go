// metrics.go
package diffuse

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BatchStats summarizes a sampled batch across all coordinates.
type BatchStats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// ComputeBatchStats calculates summary statistics over every element of a
// batch, a quick fidelity check against a known target distribution.
func ComputeBatchStats(x *Tensor) BatchStats {
	if len(x.Data) == 0 {
		return BatchStats{}
	}
	return BatchStats{
		Mean: stat.Mean(x.Data, nil),
		Std:  stat.PopStdDev(x.Data, nil),
		Min:  floats.Min(x.Data),
		Max:  floats.Max(x.Data),
	}
}

// ComputeMSE calculates the mean squared error between a batch and a
// reference of the same shape, the warm-start proximity measure.
func ComputeMSE(x, ref *Tensor) (float64, error) {
	if !sameShape(x, ref) {
		return 0, fmt.Errorf("shape %v does not match reference shape %v", x.Shape, ref.Shape)
	}
	sum := 0.0
	for i := range x.Data {
		diff := x.Data[i] - ref.Data[i]
		sum += diff * diff
	}
	return sum / float64(len(x.Data)), nil
}
