package diffuse

import (
	"math"
	"math/rand"
	"testing"
)

// testCoeffs builds step coefficients from the linear schedule over
// sampleSteps uniform times.
func testCoeffs(t *testing.T, sampleSteps int) *stepCoeffs {
	t.Helper()
	sched, err := NewNoiseSchedule("linear")
	if err != nil {
		t.Fatalf("NewNoiseSchedule: %v", err)
	}
	ts := uniformContinuousStepSchedule([2]float64{0.001, sched.TMax()}, sampleSteps)
	alphas := make([]float64, sampleSteps+1)
	sigmas := make([]float64, sampleSteps+1)
	for k, tv := range ts {
		alphas[k], sigmas[k] = sched.Forward(tv)
	}
	c, err := newStepCoeffs(alphas, sigmas)
	if err != nil {
		t.Fatalf("newStepCoeffs: %v", err)
	}
	return c
}

func TestParseSolver(t *testing.T) {
	for _, name := range SupportedSolvers() {
		s, err := ParseSolver(name)
		if err != nil {
			t.Errorf("ParseSolver(%q): %v", name, err)
			continue
		}
		if s.String() != name {
			t.Errorf("ParseSolver(%q).String() = %q", name, s.String())
		}
	}
	if _, err := ParseSolver("euler"); err == nil {
		t.Error("expected error for unknown solver name")
	}
}

func TestSolverClassification(t *testing.T) {
	cases := []struct {
		solver     Solver
		stochastic bool
		multistep  bool
	}{
		{SolverDDPM, true, false},
		{SolverDDIM, false, false},
		{SolverODEDPM1, false, false},
		{SolverODEDPMPP1, false, false},
		{SolverODEDPMPP2M, false, true},
		{SolverSDEDPM1, true, false},
		{SolverSDEDPMPP1, true, false},
		{SolverSDEDPMPP2M, true, true},
	}
	for _, tc := range cases {
		if tc.solver.Stochastic() != tc.stochastic {
			t.Errorf("%v.Stochastic() = %v", tc.solver, tc.solver.Stochastic())
		}
		if tc.solver.Multistep() != tc.multistep {
			t.Errorf("%v.Multistep() = %v", tc.solver, tc.solver.Multistep())
		}
	}
}

func TestPredictionConversionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := TensorFrom([]float64{0.4, -1.2, 0.05, 2.3}, 2, 2)
	eps := randnLike(x, rng)
	alpha, sigma := 0.7, math.Sqrt(1-0.7*0.7)

	x0 := epsThetaToXTheta(x, alpha, sigma, eps)
	back := xThetaToEpsTheta(x, alpha, sigma, x0)
	for i := range eps.Data {
		if math.Abs(back.Data[i]-eps.Data[i]) > 1e-12 {
			t.Fatalf("round trip diverged at %d: %g vs %g", i, back.Data[i], eps.Data[i])
		}
	}
}

func TestPredRing(t *testing.T) {
	r := &predRing{}
	a := TensorFrom([]float64{1}, 1, 1)
	b := TensorFrom([]float64{2}, 1, 1)
	c := TensorFrom([]float64{3}, 1, 1)
	r.push(a)
	if r.last() != a {
		t.Fatal("last after one push")
	}
	r.push(b)
	if r.last() != b || r.prev() != a {
		t.Fatal("last/prev after two pushes")
	}
	r.push(c)
	if r.last() != c || r.prev() != b {
		t.Fatal("ring should evict the oldest slot")
	}

	// Equal step sizes reduce the extrapolation to 1.5*last - 0.5*prev.
	d := r.extrapolate(0.5, 0.5)
	if want := 1.5*3 - 0.5*2; math.Abs(d.Data[0]-want) > 1e-12 {
		t.Errorf("extrapolate = %g, want %g", d.Data[0], want)
	}
}

// The multistep rules have a single prediction in memory at the top step
// and must reduce to their first-order counterparts there.
func TestMultistepFirstStepMatchesFirstOrder(t *testing.T) {
	const sampleSteps = 5
	c := testCoeffs(t, sampleSteps)
	d := &diffusionCore{}
	rng := rand.New(rand.NewSource(3))
	xt := randnLike(TensorFrom(make([]float64, 6), 2, 3), rng)
	epsTheta := randnLike(xt, rng)
	i := sampleSteps
	xTheta := epsThetaToXTheta(xt, c.alphas[i], c.sigmas[i], epsTheta)

	t.Run("ode", func(t *testing.T) {
		first := d.solverStep(SolverODEDPMPP1, xt, i, sampleSteps, c, epsTheta, xTheta, nil, nil)
		multi := d.solverStep(SolverODEDPMPP2M, xt, i, sampleSteps, c, epsTheta, xTheta, &predRing{}, nil)
		if !approxEqual(first, multi, 1e-12) {
			t.Errorf("2M top step %v != first order %v", multi.Data, first.Data)
		}
	})

	t.Run("sde", func(t *testing.T) {
		first := d.solverStep(SolverSDEDPMPP1, xt, i, sampleSteps, c, epsTheta, xTheta, nil, rand.New(rand.NewSource(7)))
		multi := d.solverStep(SolverSDEDPMPP2M, xt, i, sampleSteps, c, epsTheta, xTheta, &predRing{}, rand.New(rand.NewSource(7)))
		if !approxEqual(first, multi, 1e-12) {
			t.Errorf("2M top step %v != first order %v", multi.Data, first.Data)
		}
	})
}

// Index 0 of hs and stds is never consumed: poisoning it must not leak
// into any solver's output.
func TestStepCoeffsLeadingEntriesUnused(t *testing.T) {
	const sampleSteps = 4
	c := testCoeffs(t, sampleSteps)
	c.hs[0] = math.NaN()
	c.stds[0] = math.NaN()
	d := &diffusionCore{}

	for _, name := range SupportedSolvers() {
		t.Run(name, func(t *testing.T) {
			solver, err := ParseSolver(name)
			if err != nil {
				t.Fatalf("ParseSolver: %v", err)
			}
			rng := rand.New(rand.NewSource(5))
			xt := randnLike(TensorFrom(make([]float64, 4), 1, 4), rng)
			ring := &predRing{}
			for i := sampleSteps; i >= 1; i-- {
				epsTheta := randnLike(xt, rng)
				xTheta := epsThetaToXTheta(xt, c.alphas[i], c.sigmas[i], epsTheta)
				xt = d.solverStep(solver, xt, i, sampleSteps, c, epsTheta, xTheta, ring, rng)
				if hasNaNOrInf(xt) {
					t.Fatalf("non-finite state at step %d", i)
				}
			}
		})
	}
}

// DDPM draws no noise at the terminal step, so the final transition is
// deterministic given the state and prediction.
func TestDDPMTerminalStepDeterministic(t *testing.T) {
	const sampleSteps = 2
	c := testCoeffs(t, sampleSteps)
	d := &diffusionCore{}
	base := rand.New(rand.NewSource(9))
	xt := randnLike(TensorFrom(make([]float64, 3), 1, 3), base)
	epsTheta := randnLike(xt, base)

	a := d.solverStep(SolverDDPM, xt, 1, sampleSteps, c, epsTheta, nil, nil, rand.New(rand.NewSource(1)))
	b := d.solverStep(SolverDDPM, xt, 1, sampleSteps, c, epsTheta, nil, nil, rand.New(rand.NewSource(2)))
	if !approxEqual(a, b, 0) {
		t.Error("terminal DDPM step should ignore the noise source")
	}
}
