// schedule.go
package diffuse

import (
	"fmt"
	"math"
)

// NoiseSchedule maps a diffusion time t to the surviving-signal and
// injected-noise coefficients of the forward process xt = alpha*x0 + sigma*eps.
// alpha is non-increasing and sigma non-decreasing in t, so log(alpha/sigma)
// is strictly decreasing. t=0 is clean data, t=TMax() pure noise.
type NoiseSchedule interface {
	Forward(t float64) (alpha, sigma float64)
	// TMax is the largest admissible time. Schedules with a singular
	// endpoint (alpha hitting zero) report a value slightly below it.
	TMax() float64
}

// LinearSchedule is the VP-SDE linear-beta noise schedule.
type LinearSchedule struct {
	BetaMin float64
	BetaMax float64
}

func (s LinearSchedule) Forward(t float64) (float64, float64) {
	alpha := math.Exp(-0.25*(s.BetaMax-s.BetaMin)*t*t - 0.5*s.BetaMin*t)
	return alpha, math.Sqrt(1 - alpha*alpha)
}

func (s LinearSchedule) TMax() float64 { return 1.0 }

// CosineSchedule is the squared-cosine noise schedule. alpha reaches zero
// at t = 1, so TMax stops short of the singular endpoint.
type CosineSchedule struct {
	S float64 // small offset, typically 0.008
}

func (s CosineSchedule) Forward(t float64) (float64, float64) {
	arg := (math.Pi / 2) * (t + s.S) / (1 + s.S)
	return math.Cos(arg), math.Sin(arg)
}

func (s CosineSchedule) TMax() float64 { return 0.9946 }

// NewNoiseSchedule resolves a registered schedule name. Unknown names are
// a fatal configuration error.
func NewNoiseSchedule(name string) (NoiseSchedule, error) {
	switch name {
	case "linear":
		return LinearSchedule{BetaMin: 0.1, BetaMax: 20.0}, nil
	case "cosine":
		return CosineSchedule{S: 0.008}, nil
	default:
		return nil, fmt.Errorf("noise schedule %q is not supported", name)
	}
}

// Discretization places diffusionSteps time points inside [epsilon, tMax],
// defining the ladder a discrete-time model is trained on.
type Discretization func(diffusionSteps int, epsilon, tMax float64) []float64

func uniformDiscretization(diffusionSteps int, epsilon, tMax float64) []float64 {
	ts := make([]float64, diffusionSteps)
	for i := range ts {
		ts[i] = epsilon + (tMax-epsilon)*float64(i)/float64(diffusionSteps-1)
	}
	return ts
}

// NewDiscretization resolves a registered discretization name.
func NewDiscretization(name string) (Discretization, error) {
	switch name {
	case "uniform":
		return uniformDiscretization, nil
	default:
		return nil, fmt.Errorf("discretization %q is not supported", name)
	}
}

// StepSchedule selects sampleSteps+1 ladder indices for a sampling run on
// a discrete-time model. The returned indices ascend from 0 (clean) to
// diffusionSteps-1 (noisiest); the reverse loop walks them from the top.
type StepSchedule func(diffusionSteps, sampleSteps int) []int

func uniformStepSchedule(diffusionSteps, sampleSteps int) []int {
	idx := make([]int, sampleSteps+1)
	for k := range idx {
		idx[k] = int(math.Round(float64(k) * float64(diffusionSteps-1) / float64(sampleSteps)))
	}
	return idx
}

// NewStepSchedule resolves a registered discrete sampling-step schedule.
func NewStepSchedule(name string) (StepSchedule, error) {
	switch name {
	case "uniform":
		return uniformStepSchedule, nil
	default:
		return nil, fmt.Errorf("sampling step schedule %q is not supported", name)
	}
}

// ContinuousStepSchedule selects sampleSteps+1 time values for a sampling
// run on a continuous-time model, ascending across tRange.
type ContinuousStepSchedule func(tRange [2]float64, sampleSteps int) []float64

func uniformContinuousStepSchedule(tRange [2]float64, sampleSteps int) []float64 {
	ts := make([]float64, sampleSteps+1)
	for k := range ts {
		ts[k] = tRange[0] + (tRange[1]-tRange[0])*float64(k)/float64(sampleSteps)
	}
	return ts
}

// NewContinuousStepSchedule resolves a registered continuous sampling-step
// schedule.
func NewContinuousStepSchedule(name string) (ContinuousStepSchedule, error) {
	switch name {
	case "uniform_continuous", "uniform":
		return uniformContinuousStepSchedule, nil
	default:
		return nil, fmt.Errorf("sampling step schedule %q is not supported", name)
	}
}

// discreteLadder holds the precomputed schedule arrays of a discrete-time
// model, one entry per diffusion step.
type discreteLadder struct {
	TDiffusion []float64
	Alpha      []float64
	Sigma      []float64
	LogSNR     []float64
}

func buildLadder(sched NoiseSchedule, disc Discretization, diffusionSteps int, epsilon float64) *discreteLadder {
	l := &discreteLadder{
		TDiffusion: disc(diffusionSteps, epsilon, sched.TMax()),
		Alpha:      make([]float64, diffusionSteps),
		Sigma:      make([]float64, diffusionSteps),
		LogSNR:     make([]float64, diffusionSteps),
	}
	for i, t := range l.TDiffusion {
		a, s := sched.Forward(t)
		l.Alpha[i] = a
		l.Sigma[i] = s
		l.LogSNR[i] = math.Log(a / s)
	}
	return l
}
