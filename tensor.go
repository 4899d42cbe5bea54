// tensor.go
package diffuse

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Tensor is an n-dimensional float64 array with a batch-leading shape.
// Shape[0] is the batch dimension for batched quantities; per-sample
// tensors (masks, bounds) omit it.
type Tensor struct {
	Data  []float64
	Shape []int
}

func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Data: make([]float64, size), Shape: shape}
}

func TensorFrom(data []float64, shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: shape}
}

func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// PerSample returns the number of elements per batch entry.
func (t *Tensor) PerSample() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Numel() / t.Shape[0]
}

// sameShape reports whether two tensors have identical shapes.
func sameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// randnLike draws a standard-normal tensor with the same shape as t.
func randnLike(t *Tensor, rng *rand.Rand) *Tensor {
	out := NewTensor(t.Shape...)
	for i := range out.Data {
		out.Data[i] = rng.NormFloat64()
	}
	return out
}

// scaleTo returns c * t as a new tensor.
func scaleTo(c float64, t *Tensor) *Tensor {
	out := NewTensor(t.Shape...)
	floats.ScaleTo(out.Data, c, t.Data)
	return out
}

// addScaled performs dst += c * s in place.
func addScaled(dst *Tensor, c float64, s *Tensor) {
	floats.AddScaled(dst.Data, c, s.Data)
}

// repeatBatch stacks t onto itself along the batch dimension n times.
func repeatBatch(t *Tensor, n int) *Tensor {
	shape := append([]int{}, t.Shape...)
	shape[0] *= n
	out := NewTensor(shape...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

// chunk2 splits t into two equal halves along the batch dimension.
func chunk2(t *Tensor) (*Tensor, *Tensor) {
	if t.Shape[0]%2 != 0 {
		panic(fmt.Sprintf("cannot halve batch of size %d", t.Shape[0]))
	}
	shape := append([]int{}, t.Shape...)
	shape[0] /= 2
	half := t.Numel() / 2
	a := TensorFrom(append([]float64{}, t.Data[:half]...), shape...)
	b := TensorFrom(append([]float64{}, t.Data[half:]...), shape...)
	return a, b
}

// concatZeros stacks t with an all-zero copy along the batch dimension,
// the suppressed-condition half of a doubled CFG batch.
func concatZeros(t *Tensor) *Tensor {
	shape := append([]int{}, t.Shape...)
	shape[0] *= 2
	out := NewTensor(shape...)
	copy(out.Data, t.Data)
	return out
}

// hasNaNOrInf reports whether any element is non-finite.
func hasNaNOrInf(t *Tensor) bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
