// training.go
package diffuse

import (
	"fmt"
	"math/rand"
)

// AddNoise runs the forward noising process on clean samples, drawing one
// ladder step per sample: xt = alpha[t]*x0 + sigma[t]*eps, with the fixed
// coordinates restored afterwards. Returns the noisy batch, the drawn
// steps and the injected noise.
func (d *DiscreteDiffusion) AddNoise(x0 *Tensor, rng *rand.Rand) (*Tensor, []int, *Tensor) {
	n := x0.Shape[0]
	per := x0.PerSample()
	t := make([]int, n)
	eps := randnLike(x0, rng)
	xt := NewTensor(x0.Shape...)
	for b := 0; b < n; b++ {
		t[b] = rng.Intn(d.DiffusionSteps)
		alpha, sigma := d.ladder.Alpha[t[b]], d.ladder.Sigma[t[b]]
		for j := b * per; j < (b+1)*per; j++ {
			xt.Data[j] = alpha*x0.Data[j] + sigma*eps.Data[j]
		}
	}
	d.applyFixMask(xt, x0)
	return xt, t, eps
}

// AddNoise runs the forward noising process at uniformly drawn times in
// the admissible range.
func (d *ContinuousDiffusion) AddNoise(x0 *Tensor, rng *rand.Rand) (*Tensor, []float64, *Tensor) {
	n := x0.Shape[0]
	per := x0.PerSample()
	t := make([]float64, n)
	eps := randnLike(x0, rng)
	xt := NewTensor(x0.Shape...)
	for b := 0; b < n; b++ {
		t[b] = d.TDiffusion[0] + rng.Float64()*(d.TDiffusion[1]-d.TDiffusion[0])
		alpha, sigma := d.Schedule.Forward(t[b])
		for j := b * per; j < (b+1)*per; j++ {
			xt.Data[j] = alpha*x0.Data[j] + sigma*eps.Data[j]
		}
	}
	d.applyFixMask(xt, x0)
	return xt, t, eps
}

// Loss is the score-matching objective: the squared prediction error,
// weighted per coordinate, with the fixed coordinates zeroed out. target
// is the injected noise in noise-prediction mode and the clean data
// otherwise.
func (d *diffusionCore) Loss(pred, target *Tensor) (float64, error) {
	if !sameShape(pred, target) {
		return 0, fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape, target.Shape)
	}
	per := pred.PerSample()
	sum := 0.0
	for i := range pred.Data {
		diff := pred.Data[i] - target.Data[i]
		l := diff * diff
		if d.LossWeight != nil {
			l *= d.LossWeight.Data[i%per]
		}
		if d.FixMask != nil {
			l *= 1 - d.FixMask.Data[i%per]
		}
		sum += l
	}
	return sum / float64(pred.Numel()), nil
}
