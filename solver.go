// solver.go
package diffuse

import (
	"fmt"
	"math"
	"math/rand"
)

// Solver enumerates the eight one-step update rules of the reverse
// process. DDPM and DDIM are the classic first-order ancestral and
// deterministic integrators; the DPM-Solver variants exploit the
// semi-linearity of the reverse ODE/SDE, in noise form (dpmsolver) or
// data form (dpmsolver++), with 2M denoting the second-order multistep
// extension.
type Solver int

const (
	SolverDDPM Solver = iota
	SolverDDIM
	SolverODEDPM1
	SolverODEDPMPP1
	SolverODEDPMPP2M
	SolverSDEDPM1
	SolverSDEDPMPP1
	SolverSDEDPMPP2M
)

var solverNames = map[string]Solver{
	"ddpm":               SolverDDPM,
	"ddim":               SolverDDIM,
	"ode_dpmsolver_1":    SolverODEDPM1,
	"ode_dpmsolver++_1":  SolverODEDPMPP1,
	"ode_dpmsolver++_2M": SolverODEDPMPP2M,
	"sde_dpmsolver_1":    SolverSDEDPM1,
	"sde_dpmsolver++_1":  SolverSDEDPMPP1,
	"sde_dpmsolver++_2M": SolverSDEDPMPP2M,
}

// SupportedSolvers lists the registered solver names in solver order.
func SupportedSolvers() []string {
	names := []string{
		"ddpm",
		"ddim",
		"ode_dpmsolver_1",
		"ode_dpmsolver++_1",
		"ode_dpmsolver++_2M",
		"sde_dpmsolver_1",
		"sde_dpmsolver++_1",
		"sde_dpmsolver++_2M",
	}
	return names
}

// ParseSolver resolves a solver name. Unknown names are a fatal
// configuration error raised before the reverse loop starts.
func ParseSolver(name string) (Solver, error) {
	s, ok := solverNames[name]
	if !ok {
		return 0, fmt.Errorf("solver %q is not supported", name)
	}
	return s, nil
}

func (s Solver) String() string {
	for name, v := range solverNames {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("Solver(%d)", int(s))
}

// Stochastic reports whether the rule injects noise every step.
func (s Solver) Stochastic() bool {
	return s == SolverDDPM || s == SolverSDEDPM1 || s == SolverSDEDPMPP1 || s == SolverSDEDPMPP2M
}

// Multistep reports whether the rule keeps a memory of past predictions.
func (s Solver) Multistep() bool {
	return s == SolverODEDPMPP2M || s == SolverSDEDPMPP2M
}

// epsThetaToXTheta converts a noise-form prediction to data form:
// x_theta = (x - sigma*eps_theta) / alpha.
func epsThetaToXTheta(x *Tensor, alpha, sigma float64, epsTheta *Tensor) *Tensor {
	out := scaleTo(1/alpha, x)
	addScaled(out, -sigma/alpha, epsTheta)
	return out
}

// xThetaToEpsTheta converts a data-form prediction to noise form:
// eps_theta = (x - alpha*x_theta) / sigma.
func xThetaToEpsTheta(x *Tensor, alpha, sigma float64, xTheta *Tensor) *Tensor {
	out := scaleTo(1/sigma, x)
	addScaled(out, -alpha/sigma, xTheta)
	return out
}

// stepCoeffs holds the schedule quantities at the selected sampling steps.
// Index 0 is the clean endpoint. hs[0] and stds[0] are left zero: the loop
// never reads them (the loop body uses hs[i] for i >= 1 only, and the
// multistep look-ahead hs[i+1] starts at i < sampleSteps).
type stepCoeffs struct {
	alphas  []float64
	sigmas  []float64
	logSNRs []float64
	hs      []float64
	stds    []float64
}

// newStepCoeffs derives logSNR, step sizes h and ancestral standard
// deviations from the alpha/sigma arrays at the selected steps. A
// non-positive h would mean the log-signal-to-noise ratio is not strictly
// decreasing, which makes the stochastic radicands negative; that is
// rejected here rather than surfacing as NaN mid-loop.
func newStepCoeffs(alphas, sigmas []float64) (*stepCoeffs, error) {
	n := len(alphas)
	c := &stepCoeffs{
		alphas:  alphas,
		sigmas:  sigmas,
		logSNRs: make([]float64, n),
		hs:      make([]float64, n),
		stds:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		c.logSNRs[i] = math.Log(alphas[i] / sigmas[i])
	}
	for i := 1; i < n; i++ {
		c.hs[i] = c.logSNRs[i-1] - c.logSNRs[i]
		if c.hs[i] <= 0 {
			return nil, fmt.Errorf("logSNR is not strictly decreasing at step %d (h=%g)", i, c.hs[i])
		}
		ratio := alphas[i] / alphas[i-1]
		c.stds[i] = sigmas[i-1] / sigmas[i] * math.Sqrt(1-ratio*ratio)
	}
	return c, nil
}

// predRing is the fixed two-slot memory of data-form predictions used by
// the multistep solvers.
type predRing struct {
	slots [2]*Tensor
	n     int
}

func (r *predRing) push(x *Tensor) {
	r.slots[r.n&1] = x
	r.n++
}

func (r *predRing) last() *Tensor { return r.slots[(r.n-1)&1] }
func (r *predRing) prev() *Tensor { return r.slots[(r.n-2)&1] }

// extrapolate forms the Adams-Bashforth-style correction
// D = (1 + 0.5/r)*last - (0.5/r)*prev with r = h_{i+1}/h_i.
func (r *predRing) extrapolate(hNext, h float64) *Tensor {
	ratio := hNext / h
	d := scaleTo(1+0.5/ratio, r.last())
	addScaled(d, -0.5/ratio, r.prev())
	return d
}

// solverStep advances the state from index i to i-1 using one of the eight
// closed-form update rules. Every rule reduces to a linear combination
// a*xt + b*pred + c*noise, which funnels through lincomb (and from there
// optionally through the WebGPU backend).
func (d *diffusionCore) solverStep(
	solver Solver, xt *Tensor, i, sampleSteps int,
	c *stepCoeffs, epsTheta, xTheta *Tensor,
	ring *predRing, rng *rand.Rand,
) *Tensor {
	aPrev, aCur := c.alphas[i-1], c.alphas[i]
	sPrev, sCur := c.sigmas[i-1], c.sigmas[i]
	h := c.hs[i]

	var noise *Tensor
	drawNoise := func() *Tensor {
		if noise == nil {
			noise = randnLike(xt, rng)
		}
		return noise
	}

	switch solver {
	case SolverDDPM:
		std := c.stds[i]
		a := aPrev / aCur
		b := -a*sCur + math.Sqrt(sPrev*sPrev-std*std+1e-8)
		if i > 1 {
			return d.lincomb(a, xt, b, epsTheta, std, drawNoise())
		}
		return d.lincomb(a, xt, b, epsTheta, 0, nil)

	case SolverDDIM:
		a := aPrev / aCur
		return d.lincomb(a, xt, -a*sCur+sPrev, epsTheta, 0, nil)

	case SolverODEDPM1:
		return d.lincomb(aPrev/aCur, xt, -sPrev*math.Expm1(h), epsTheta, 0, nil)

	case SolverODEDPMPP1:
		return d.lincomb(sPrev/sCur, xt, -aPrev*math.Expm1(-h), xTheta, 0, nil)

	case SolverODEDPMPP2M:
		ring.push(xTheta)
		pred := xTheta
		if i < sampleSteps {
			pred = ring.extrapolate(c.hs[i+1], h)
		}
		return d.lincomb(sPrev/sCur, xt, -aPrev*math.Expm1(-h), pred, 0, nil)

	case SolverSDEDPM1:
		return d.lincomb(
			aPrev/aCur, xt,
			-2*sPrev*math.Expm1(h), epsTheta,
			sPrev*math.Sqrt(math.Expm1(2*h)), drawNoise(),
		)

	case SolverSDEDPMPP1:
		return d.lincomb(
			sPrev/sCur*math.Exp(-h), xt,
			-aPrev*math.Expm1(-2*h), xTheta,
			sPrev*math.Sqrt(-math.Expm1(-2*h)), drawNoise(),
		)

	case SolverSDEDPMPP2M:
		ring.push(xTheta)
		pred := xTheta
		if i < sampleSteps {
			pred = ring.extrapolate(c.hs[i+1], h)
		}
		return d.lincomb(
			sPrev/sCur*math.Exp(-h), xt,
			-aPrev*math.Expm1(-2*h), pred,
			sPrev*math.Sqrt(-math.Expm1(-2*h)), drawNoise(),
		)

	default:
		panic(fmt.Sprintf("unreachable solver %d", int(solver)))
	}
}

// lincomb computes a*x + b*p + c*noise. noise may be nil when c is zero.
// When WebGPUNative is set the combination is dispatched to the GPU,
// falling back to the CPU path on failure.
func (d *diffusionCore) lincomb(a float64, x *Tensor, b float64, p *Tensor, c float64, noise *Tensor) *Tensor {
	if d.WebGPUNative {
		out, err := lincombGPU(a, x, b, p, c, noise)
		if err == nil {
			return out
		}
		if d.Debug {
			fmt.Printf("GPU lincomb failed, falling back to CPU: %v\n", err)
		}
	}
	out := scaleTo(a, x)
	addScaled(out, b, p)
	if noise != nil && c != 0 {
		addScaled(out, c, noise)
	}
	return out
}
