package diffuse

import (
	"math"
	"testing"
)

func TestClipPredictionDataMode(t *testing.T) {
	pred := TensorFrom([]float64{-2, 0.3, 5, 0}, 2, 2)
	xMin := TensorFrom([]float64{-1, -1}, 2)
	xMax := TensorFrom([]float64{1, 1}, 2)

	got := clipPrediction(pred, nil, 0.9, 0.4, xMin, xMax, false)
	want := []float64{-1, 0.3, 1, 0}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("element %d = %g, want %g", i, got.Data[i], want[i])
		}
	}
	if pred.Data[0] != -2 {
		t.Error("clip mutated its input")
	}
}

func TestClipPredictionNoiseMode(t *testing.T) {
	// In noise mode the data bounds invert: large eps means small x0, so
	// xMin caps eps from above and xMax from below.
	xt := TensorFrom([]float64{0.5, -0.3}, 1, 2)
	alpha, sigma := 0.8, 0.6
	xMin := TensorFrom([]float64{-1, -1}, 2)
	xMax := TensorFrom([]float64{1, 1}, 2)
	pred := TensorFrom([]float64{10, -10}, 1, 2)

	got := clipPrediction(pred, xt, alpha, sigma, xMin, xMax, true)
	for i := range got.Data {
		x0 := (xt.Data[i] - sigma*got.Data[i]) / alpha
		if x0 < -1-1e-12 || x0 > 1+1e-12 {
			t.Fatalf("implied x0 %g escaped the bounds after clipping", x0)
		}
	}
	lo := (xt.Data[0] - alpha*1) / sigma
	hi := (xt.Data[1] - alpha*(-1)) / sigma
	if math.Abs(got.Data[0]-lo) > 1e-12 || math.Abs(got.Data[1]-hi) > 1e-12 {
		t.Fatalf("clipped to %v, want [%g %g]", got.Data, lo, hi)
	}
}

func TestClipPredictionDisabled(t *testing.T) {
	pred := TensorFrom([]float64{100, -100}, 1, 2)
	if got := clipPrediction(pred, nil, 0.9, 0.4, nil, nil, false); got != pred {
		t.Error("unset bounds should pass the prediction through untouched")
	}
}

func TestClipDataPerSampleBounds(t *testing.T) {
	x := TensorFrom([]float64{3, -3, 0.1, 0.2}, 2, 2)
	xMin := TensorFrom([]float64{-0.5, -2}, 2)
	xMax := TensorFrom([]float64{0.5, 2}, 2)

	got := clipData(x, xMin, xMax)
	want := []float64{0.5, -2, 0.1, 0.2}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("element %d = %g, want %g", i, got.Data[i], want[i])
		}
	}
}
