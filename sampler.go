// sampler.go
package diffuse

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// diffusionCore carries everything the reverse loop needs besides the time
// parameterization: the oracle collaborators, the fix mask and data bounds,
// and the prediction mode.
type diffusionCore struct {
	Predictor    Predictor
	EMAPredictor Predictor
	Encoder      ConditionEncoder
	Classifier   Classifier

	// FixMask marks coordinates whose clean value is supplied by the
	// prior and must never be overwritten. Per-sample shape; nil means
	// nothing is fixed. LossWeight is consulted only during training.
	FixMask    *Tensor
	LossWeight *Tensor

	// XMax / XMin bound the clean-data range for prediction clipping.
	// Per-sample shape; nil disables the respective bound.
	XMax *Tensor
	XMin *Tensor

	// PredictNoise selects whether the predictor outputs injected noise
	// or clean data. Epsilon is the minimum diffusion time, kept above
	// zero for numerical stability near the clean endpoint.
	PredictNoise bool
	Epsilon      float64

	Debug        bool
	WebGPUNative bool
}

// model returns the predictor selected by the use-EMA flag, falling back
// to the primary weights when no EMA copy is attached.
func (d *diffusionCore) model(useEMA bool) Predictor {
	if useEMA && d.EMAPredictor != nil {
		return d.EMAPredictor
	}
	return d.Predictor
}

// applyFixMask enforces xt = xt*(1-mask) + prior*mask in place, per sample.
func (d *diffusionCore) applyFixMask(xt, prior *Tensor) {
	if d.FixMask == nil {
		return
	}
	per := xt.PerSample()
	for i := range xt.Data {
		m := d.FixMask.Data[i%per]
		xt.Data[i] = xt.Data[i]*(1-m) + prior.Data[i]*m
	}
}

// SampleOptions is the full sampling call surface. Zero values give the
// defaults: ddpm solver, uniform step schedule, temperature 1, EMA weights
// off unless requested, no guidance, no warm start, no history.
type SampleOptions struct {
	Solver       string
	SampleSteps  int
	StepSchedule string
	// StepScheduleFn / ContinuousStepScheduleFn override StepSchedule
	// with a custom schedule for the respective engine.
	StepScheduleFn           StepSchedule
	ContinuousStepScheduleFn ContinuousStepSchedule

	UseEMA      bool
	Temperature float64

	// Classifier-free guidance: raw condition (fed to the encoder once),
	// optional encoder mask, and blend weight.
	ConditionCFG *Tensor
	MaskCFG      *Tensor
	WCFG         float64

	// Classifier guidance: condition handed to the classifier, and
	// gradient strength. Zero disables it.
	ConditionCG *Tensor
	WCG         float64

	// DiffusionXSamplingSteps repeats the final, least-noisy step this
	// many extra times before the schedule advances past it.
	DiffusionXSamplingSteps int

	// Warm start: forward-diffuse the reference to the given level in
	// (0,1) instead of drawing pure noise, shrinking the time range.
	WarmStartReference    *Tensor
	WarmStartForwardLevel float64

	RequiresGrad    bool
	PreserveHistory bool

	// RNG drives every noise draw of the run. Nil uses a time-seeded
	// source; pass a seeded one for reproducibility.
	RNG *rand.Rand
}

// SampleLog is the side record of one sampling run.
type SampleLog struct {
	// ID tags the run for downstream bookkeeping.
	ID string
	// History holds every intermediate state when requested, shape
	// (n, sampleSteps+1, per-sample shape...); entry 0 is the initial
	// draw and the last entry the returned sample.
	History *Tensor
	// LogP is the terminal per-sample classifier log-probability when
	// classifier guidance was active.
	LogP []float64
}

func (o *SampleOptions) defaults() {
	if o.Solver == "" {
		o.Solver = "ddpm"
	}
	if o.StepSchedule == "" {
		o.StepSchedule = "uniform"
	}
	if o.Temperature == 0 {
		o.Temperature = 1.0
	}
	if o.RNG == nil {
		o.RNG = rand.New(rand.NewSource(rand.Int63()))
	}
}

// historyShape preallocates the trajectory buffer for one run.
func historyShape(prior *Tensor, sampleSteps int) []int {
	shape := make([]int, 0, len(prior.Shape)+1)
	shape = append(shape, prior.Shape[0], sampleSteps+1)
	shape = append(shape, prior.Shape[1:]...)
	return shape
}

// recordHistory copies xt into the history buffer at the given step offset.
func recordHistory(hist, xt *Tensor, offset, sampleSteps int) {
	per := xt.PerSample()
	for b := 0; b < xt.Shape[0]; b++ {
		dst := hist.Data[(b*(sampleSteps+1)+offset)*per:]
		copy(dst[:per], xt.Data[b*per:(b+1)*per])
	}
}

// DiscreteDiffusion is the discrete-time engine: the admissible time range
// is discretized into DiffusionSteps points at construction and the
// predictor is only ever evaluated on that ladder.
type DiscreteDiffusion struct {
	diffusionCore
	DiffusionSteps int
	ladder         *discreteLadder
}

// DiscreteConfig configures NewDiscreteDiffusion. NoiseSchedule and
// Discretization accept registered names; CustomSchedule and
// CustomDiscretization override them with caller-supplied
// implementations.
type DiscreteConfig struct {
	Predictor    Predictor
	EMAPredictor Predictor
	Encoder      ConditionEncoder
	Classifier   Classifier

	FixMask    *Tensor
	LossWeight *Tensor
	XMax, XMin *Tensor

	PredictNoise bool
	Epsilon      float64

	DiffusionSteps       int
	NoiseSchedule        string
	CustomSchedule       NoiseSchedule
	Discretization       string
	CustomDiscretization Discretization

	Debug        bool
	WebGPUNative bool
}

func NewDiscreteDiffusion(cfg DiscreteConfig) (*DiscreteDiffusion, error) {
	if cfg.Predictor == nil {
		return nil, fmt.Errorf("a predictor is required")
	}
	if cfg.DiffusionSteps < 2 {
		return nil, fmt.Errorf("diffusion steps must be at least 2, got %d", cfg.DiffusionSteps)
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-3
	}
	sched := cfg.CustomSchedule
	if sched == nil {
		if cfg.NoiseSchedule == "" {
			cfg.NoiseSchedule = "cosine"
		}
		var err error
		sched, err = NewNoiseSchedule(cfg.NoiseSchedule)
		if err != nil {
			return nil, err
		}
	}
	disc := cfg.CustomDiscretization
	if disc == nil {
		if cfg.Discretization == "" {
			cfg.Discretization = "uniform"
		}
		var err error
		disc, err = NewDiscretization(cfg.Discretization)
		if err != nil {
			return nil, err
		}
	}
	return &DiscreteDiffusion{
		diffusionCore: diffusionCore{
			Predictor:    cfg.Predictor,
			EMAPredictor: cfg.EMAPredictor,
			Encoder:      cfg.Encoder,
			Classifier:   cfg.Classifier,
			FixMask:      cfg.FixMask,
			LossWeight:   cfg.LossWeight,
			XMax:         cfg.XMax,
			XMin:         cfg.XMin,
			PredictNoise: cfg.PredictNoise,
			Epsilon:      cfg.Epsilon,
			Debug:        cfg.Debug,
			WebGPUNative: cfg.WebGPUNative,
		},
		DiffusionSteps: cfg.DiffusionSteps,
		ladder:         buildLadder(sched, disc, cfg.DiffusionSteps, cfg.Epsilon),
	}, nil
}

// Ladder exposes the precomputed schedule arrays.
func (d *DiscreteDiffusion) Ladder() (tDiffusion, alpha, sigma, logSNR []float64) {
	return d.ladder.TDiffusion, d.ladder.Alpha, d.ladder.Sigma, d.ladder.LogSNR
}

// Sample runs the reverse process from the prior. The prior's batch
// dimension fixes the number of samples; coordinates marked by the fix
// mask keep the prior's values throughout.
func (d *DiscreteDiffusion) Sample(prior *Tensor, opts SampleOptions) (*Tensor, *SampleLog, error) {
	opts.defaults()
	solver, err := ParseSolver(opts.Solver)
	if err != nil {
		return nil, nil, err
	}
	if opts.SampleSteps < 1 {
		return nil, nil, fmt.Errorf("sample steps must be at least 1, got %d", opts.SampleSteps)
	}
	if opts.SampleSteps > d.DiffusionSteps {
		return nil, nil, fmt.Errorf("sample steps %d exceed diffusion steps %d", opts.SampleSteps, d.DiffusionSteps)
	}
	stepFn := opts.StepScheduleFn
	if stepFn == nil {
		stepFn, err = NewStepSchedule(opts.StepSchedule)
		if err != nil {
			return nil, nil, err
		}
	}

	// Init: warm start shrinks the ladder, otherwise draw tempered noise.
	diffusionSteps := d.DiffusionSteps
	var xt *Tensor
	if opts.WarmStartReference != nil && opts.WarmStartForwardLevel > 0 && opts.WarmStartForwardLevel < 1 {
		if !sameShape(opts.WarmStartReference, prior) {
			return nil, nil, fmt.Errorf("warm-start reference shape %v does not match prior shape %v",
				opts.WarmStartReference.Shape, prior.Shape)
		}
		fwd := int(opts.WarmStartForwardLevel * float64(d.DiffusionSteps))
		fwdAlpha, fwdSigma := d.ladder.Alpha[fwd], d.ladder.Sigma[fwd]
		xt = scaleTo(fwdAlpha, opts.WarmStartReference)
		addScaled(xt, fwdSigma, randnLike(opts.WarmStartReference, opts.RNG))
		diffusionSteps = fwd
	} else {
		xt = scaleTo(opts.Temperature, randnLike(prior, opts.RNG))
	}
	d.applyFixMask(xt, prior)

	log := &SampleLog{ID: uuid.NewString()}
	if opts.PreserveHistory {
		log.History = NewTensor(historyShape(prior, opts.SampleSteps)...)
		recordHistory(log.History, xt, 0, opts.SampleSteps)
	}

	ec := EvalContext{RequiresGrad: opts.RequiresGrad}
	var condCFG *Tensor
	if opts.ConditionCFG != nil {
		if d.Encoder == nil {
			return nil, nil, fmt.Errorf("a condition was given but no encoder is attached")
		}
		condCFG, err = d.Encoder.Encode(ec, opts.ConditionCFG, opts.MaskCFG)
		if err != nil {
			return nil, nil, err
		}
	}

	// Schedule construction over the (possibly shrunk) ladder.
	steps := stepFn(diffusionSteps, opts.SampleSteps)
	if len(steps) != opts.SampleSteps+1 {
		return nil, nil, fmt.Errorf("step schedule produced %d indices, want %d", len(steps), opts.SampleSteps+1)
	}
	alphas := make([]float64, len(steps))
	sigmas := make([]float64, len(steps))
	tVals := make([]float64, len(steps))
	for k, idx := range steps {
		if idx < 0 || idx >= d.DiffusionSteps {
			return nil, nil, fmt.Errorf("step schedule index %d outside ladder [0,%d)", idx, d.DiffusionSteps)
		}
		alphas[k] = d.ladder.Alpha[idx]
		sigmas[k] = d.ladder.Sigma[idx]
		tVals[k] = float64(idx)
	}
	coeffs, err := newStepCoeffs(alphas, sigmas)
	if err != nil {
		return nil, nil, err
	}

	xt, err = d.denoise(solver, xt, prior, tVals, coeffs, condCFG, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return d.finish(xt, float64(0), opts, log)
}

// ContinuousDiffusion is the continuous-time engine: the predictor accepts
// any time in [Epsilon, TMax] and the sampling schedule picks real-valued
// times rather than ladder indices.
type ContinuousDiffusion struct {
	diffusionCore
	Schedule   NoiseSchedule
	TDiffusion [2]float64
}

// ContinuousConfig configures NewContinuousDiffusion.
type ContinuousConfig struct {
	Predictor    Predictor
	EMAPredictor Predictor
	Encoder      ConditionEncoder
	Classifier   Classifier

	FixMask    *Tensor
	LossWeight *Tensor
	XMax, XMin *Tensor

	PredictNoise bool
	Epsilon      float64

	NoiseSchedule  string
	CustomSchedule NoiseSchedule

	Debug        bool
	WebGPUNative bool
}

func NewContinuousDiffusion(cfg ContinuousConfig) (*ContinuousDiffusion, error) {
	if cfg.Predictor == nil {
		return nil, fmt.Errorf("a predictor is required")
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-3
	}
	sched := cfg.CustomSchedule
	if sched == nil {
		if cfg.NoiseSchedule == "" {
			cfg.NoiseSchedule = "cosine"
		}
		var err error
		sched, err = NewNoiseSchedule(cfg.NoiseSchedule)
		if err != nil {
			return nil, err
		}
	}
	return &ContinuousDiffusion{
		diffusionCore: diffusionCore{
			Predictor:    cfg.Predictor,
			EMAPredictor: cfg.EMAPredictor,
			Encoder:      cfg.Encoder,
			Classifier:   cfg.Classifier,
			FixMask:      cfg.FixMask,
			LossWeight:   cfg.LossWeight,
			XMax:         cfg.XMax,
			XMin:         cfg.XMin,
			PredictNoise: cfg.PredictNoise,
			Epsilon:      cfg.Epsilon,
			Debug:        cfg.Debug,
			WebGPUNative: cfg.WebGPUNative,
		},
		Schedule:   sched,
		TDiffusion: [2]float64{cfg.Epsilon, sched.TMax()},
	}, nil
}

// Sample runs the reverse process from the prior in continuous time.
func (d *ContinuousDiffusion) Sample(prior *Tensor, opts SampleOptions) (*Tensor, *SampleLog, error) {
	opts.defaults()
	solver, err := ParseSolver(opts.Solver)
	if err != nil {
		return nil, nil, err
	}
	if opts.SampleSteps < 1 {
		return nil, nil, fmt.Errorf("sample steps must be at least 1, got %d", opts.SampleSteps)
	}
	stepFn := opts.ContinuousStepScheduleFn
	if stepFn == nil {
		stepFn, err = NewContinuousStepSchedule(opts.StepSchedule)
		if err != nil {
			return nil, nil, err
		}
	}

	// Init: warm start shrinks the time range to the level's time.
	tRange := d.TDiffusion
	var xt *Tensor
	if opts.WarmStartReference != nil && opts.WarmStartForwardLevel > 0 && opts.WarmStartForwardLevel < 1 {
		if !sameShape(opts.WarmStartReference, prior) {
			return nil, nil, fmt.Errorf("warm-start reference shape %v does not match prior shape %v",
				opts.WarmStartReference.Shape, prior.Shape)
		}
		level := tRange[0] + opts.WarmStartForwardLevel*(tRange[1]-tRange[0])
		fwdAlpha, fwdSigma := d.Schedule.Forward(level)
		xt = scaleTo(fwdAlpha, opts.WarmStartReference)
		addScaled(xt, fwdSigma, randnLike(opts.WarmStartReference, opts.RNG))
		tRange = [2]float64{d.TDiffusion[0], level}
	} else {
		xt = scaleTo(opts.Temperature, randnLike(prior, opts.RNG))
	}
	d.applyFixMask(xt, prior)

	log := &SampleLog{ID: uuid.NewString()}
	if opts.PreserveHistory {
		log.History = NewTensor(historyShape(prior, opts.SampleSteps)...)
		recordHistory(log.History, xt, 0, opts.SampleSteps)
	}

	ec := EvalContext{RequiresGrad: opts.RequiresGrad}
	var condCFG *Tensor
	if opts.ConditionCFG != nil {
		if d.Encoder == nil {
			return nil, nil, fmt.Errorf("a condition was given but no encoder is attached")
		}
		condCFG, err = d.Encoder.Encode(ec, opts.ConditionCFG, opts.MaskCFG)
		if err != nil {
			return nil, nil, err
		}
	}

	// Schedule construction: evaluate the noise schedule at the times.
	tVals := stepFn(tRange, opts.SampleSteps)
	if len(tVals) != opts.SampleSteps+1 {
		return nil, nil, fmt.Errorf("step schedule produced %d times, want %d", len(tVals), opts.SampleSteps+1)
	}
	alphas := make([]float64, len(tVals))
	sigmas := make([]float64, len(tVals))
	for k, t := range tVals {
		alphas[k], sigmas[k] = d.Schedule.Forward(t)
	}
	coeffs, err := newStepCoeffs(alphas, sigmas)
	if err != nil {
		return nil, nil, err
	}

	xt, err = d.denoise(solver, xt, prior, tVals, coeffs, condCFG, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return d.finish(xt, 0, opts, log)
}

// denoise is the reverse loop shared by both engines: for each index from
// sampleSteps down to 1 (prefixed by the diffusion-X repeats of index 1),
// compose guidance, clip, convert between prediction forms, apply the
// solver update, re-fix the known coordinates and record history.
func (d *diffusionCore) denoise(
	solver Solver, xt, prior *Tensor, tVals []float64, coeffs *stepCoeffs,
	condCFG *Tensor, opts SampleOptions, log *SampleLog,
) (*Tensor, error) {
	model := d.model(opts.UseEMA)
	ec := EvalContext{RequiresGrad: opts.RequiresGrad}
	ring := &predRing{}

	loop := make([]int, 0, opts.SampleSteps+opts.DiffusionXSamplingSteps)
	for j := 0; j < opts.DiffusionXSamplingSteps; j++ {
		loop = append(loop, 1)
	}
	for i := 1; i <= opts.SampleSteps; i++ {
		loop = append(loop, i)
	}

	for k := len(loop) - 1; k >= 0; k-- {
		i := loop[k]
		t := tVals[i]
		alpha, sigma := coeffs.alphas[i], coeffs.sigmas[i]

		pred, _, err := guidedPrediction(
			ec, model, d.Classifier, d.PredictNoise,
			xt, t, alpha, sigma,
			condCFG, opts.WCFG, opts.ConditionCG, opts.WCG,
		)
		if err != nil {
			return nil, err
		}
		if !sameShape(pred, xt) {
			return nil, fmt.Errorf("prediction shape %v does not match state shape %v", pred.Shape, xt.Shape)
		}

		pred = clipPrediction(pred, xt, alpha, sigma, d.XMin, d.XMax, d.PredictNoise)

		var epsTheta, xTheta *Tensor
		if d.PredictNoise {
			epsTheta = pred
			xTheta = epsThetaToXTheta(xt, alpha, sigma, pred)
		} else {
			xTheta = pred
			epsTheta = xThetaToEpsTheta(xt, alpha, sigma, pred)
		}

		xt = d.solverStep(solver, xt, i, opts.SampleSteps, coeffs, epsTheta, xTheta, ring, opts.RNG)
		d.applyFixMask(xt, prior)
		if log.History != nil {
			recordHistory(log.History, xt, opts.SampleSteps-i+1, opts.SampleSteps)
		}
	}
	return xt, nil
}

// finish evaluates the terminal classifier log-probability when classifier
// guidance was active and applies the final data-range clip.
func (d *diffusionCore) finish(xt *Tensor, t float64, opts SampleOptions, log *SampleLog) (*Tensor, *SampleLog, error) {
	if d.Classifier != nil && opts.WCG != 0 {
		logp, err := d.Classifier.Logp(EvalContext{}, xt, t, opts.ConditionCG)
		if err != nil {
			return nil, nil, err
		}
		log.LogP = logp
	}
	xt = clipData(xt, d.XMin, d.XMax)
	return xt, log, nil
}
