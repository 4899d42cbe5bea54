// clip.go
package diffuse

// clipPrediction bounds the per-step prediction to a configured clean-data
// range, expressed in whichever space the network predicts. In noise mode
// the data bounds translate to
//
//	(xt - alpha*xMax)/sigma <= eps <= (xt - alpha*xMin)/sigma
//
// (the bounds swap because sigma > 0). In data mode x0 is clipped into
// [xMin, xMax] directly. Stabilization only; no-op when bounds are unset.
func clipPrediction(pred, xt *Tensor, alpha, sigma float64, xMin, xMax *Tensor, predictNoise bool) *Tensor {
	if xMin == nil && xMax == nil {
		return pred
	}
	out := pred.Clone()
	per := pred.PerSample()
	if predictNoise {
		for i := range out.Data {
			j := i % per
			if xMax != nil {
				if lo := (xt.Data[i] - alpha*xMax.Data[j]) / sigma; out.Data[i] < lo {
					out.Data[i] = lo
				}
			}
			if xMin != nil {
				if hi := (xt.Data[i] - alpha*xMin.Data[j]) / sigma; out.Data[i] > hi {
					out.Data[i] = hi
				}
			}
		}
		return out
	}
	for i := range out.Data {
		j := i % per
		if xMin != nil && out.Data[i] < xMin.Data[j] {
			out.Data[i] = xMin.Data[j]
		}
		if xMax != nil && out.Data[i] > xMax.Data[j] {
			out.Data[i] = xMax.Data[j]
		}
	}
	return out
}

// clipData bounds a terminal sample to [xMin, xMax] in data space, the
// one-shot clip applied after the reverse loop.
func clipData(x *Tensor, xMin, xMax *Tensor) *Tensor {
	if xMin == nil && xMax == nil {
		return x
	}
	out := x.Clone()
	per := x.PerSample()
	for i := range out.Data {
		j := i % per
		if xMin != nil && out.Data[i] < xMin.Data[j] {
			out.Data[i] = xMin.Data[j]
		}
		if xMax != nil && out.Data[i] > xMax.Data[j] {
			out.Data[i] = xMax.Data[j]
		}
	}
	return out
}
