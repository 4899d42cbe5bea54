// guidance.go
package diffuse

import "fmt"

// EvalContext is passed explicitly to every oracle call. It scopes whether
// the evaluation participates in a differentiable graph upstream; the
// engine itself never tracks gradients.
type EvalContext struct {
	RequiresGrad bool
}

// Predictor is the trained noise/data predictor network. It must return a
// tensor of the same shape as x. t is the ladder index for discrete-time
// models and the continuous time value otherwise. A nil condition means
// the unconditional branch. Predictors may be handed a doubled batch with
// the condition's second half zeroed; the result must match two
// independent single-condition calls.
type Predictor interface {
	Predict(ec EvalContext, x *Tensor, t float64, condition *Tensor) (*Tensor, error)
}

// Classifier is the classifier-guidance oracle. Gradients evaluates the
// auxiliary log-likelihood and its gradient at the current state; grad has
// the same shape as x and logp one entry per sample.
type Classifier interface {
	Gradients(ec EvalContext, x *Tensor, t float64, condition *Tensor) (logp []float64, grad *Tensor, err error)
	Logp(ec EvalContext, x *Tensor, t float64, condition *Tensor) ([]float64, error)
}

// ConditionEncoder embeds a raw condition into the vector the predictor
// consumes. Called once per sampling run, not once per step.
type ConditionEncoder interface {
	Encode(ec EvalContext, condition, mask *Tensor) (*Tensor, error)
}

// classifierFreeGuidance blends conditional and unconditional predictions.
// w==1 and w==0 evaluate a single branch; anything else evaluates both in
// one doubled-batch call and returns w*cond + (1-w)*uncond.
func classifierFreeGuidance(
	ec EvalContext, model Predictor, xt *Tensor, t float64, condition *Tensor, w float64,
) (*Tensor, error) {
	if w == 1.0 {
		return model.Predict(ec, xt, t, condition)
	}
	if w == 0.0 {
		return model.Predict(ec, xt, t, nil)
	}
	if condition == nil {
		return nil, fmt.Errorf("classifier-free guidance with w=%v requires a condition", w)
	}
	predAll, err := model.Predict(ec, repeatBatch(xt, 2), t, concatZeros(condition))
	if err != nil {
		return nil, err
	}
	if predAll.Shape[0] != 2*xt.Shape[0] {
		return nil, fmt.Errorf("predictor returned batch %d for doubled batch %d", predAll.Shape[0], 2*xt.Shape[0])
	}
	pred, predUncond := chunk2(predAll)
	bar := scaleTo(w, pred)
	addScaled(bar, 1-w, predUncond)
	return bar, nil
}

// classifierGuidance folds the classifier's log-likelihood gradient into
// the prediction as a first-order score correction:
//
//	noise mode: pred - w * sigma * grad
//	data mode:  pred + w * (sigma^2 / alpha) * grad
//
// Returns the per-sample log-probability alongside for later ranking.
func classifierGuidance(
	ec EvalContext, classifier Classifier, predictNoise bool,
	xt *Tensor, t, alpha, sigma float64, condition *Tensor, w float64, pred *Tensor,
) (*Tensor, []float64, error) {
	if classifier == nil || w == 0.0 {
		return pred, nil, nil
	}
	logp, grad, err := classifier.Gradients(ec, xt.Clone(), t, condition)
	if err != nil {
		return nil, nil, err
	}
	out := pred.Clone()
	if predictNoise {
		addScaled(out, -w*sigma, grad)
	} else {
		addScaled(out, w*sigma*sigma/alpha, grad)
	}
	return out, logp, nil
}

// guidedPrediction composes CFG then CG into one corrected prediction.
func guidedPrediction(
	ec EvalContext, model Predictor, classifier Classifier, predictNoise bool,
	xt *Tensor, t, alpha, sigma float64,
	conditionCFG *Tensor, wCFG float64,
	conditionCG *Tensor, wCG float64,
) (*Tensor, []float64, error) {
	pred, err := classifierFreeGuidance(ec, model, xt, t, conditionCFG, wCFG)
	if err != nil {
		return nil, nil, err
	}
	return classifierGuidance(ec, classifier, predictNoise, xt, t, alpha, sigma, conditionCG, wCG, pred)
}
