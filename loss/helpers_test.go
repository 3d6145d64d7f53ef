package loss_test

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// countingWarper returns its source unchanged and counts calls.
type countingWarper struct {
	calls int
}

func (w *countingWarper) Warp(src, disp *ts.Tensor) (*ts.Tensor, error) {
	w.calls++
	return src.MustShallowClone(), nil
}

func full(size []int64, v float64) *ts.Tensor {
	return ts.MustFull(size, ts.FloatScalar(v), gotch.Float, gotch.CPU)
}

func rand(size []int64) *ts.Tensor {
	return ts.MustRand(size, gotch.Float, gotch.CPU)
}

func scalar(x *ts.Tensor) float64 {
	return x.Float64Values()[0]
}

func tsFloat(v float64) *ts.Scalar {
	return ts.FloatScalar(v)
}
