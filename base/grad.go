package base

import (
	"github.com/sugarme/gotch/ts"
)

// StopGradient evaluates fn with gradient tracking disabled and returns its
// result detached from the autograd graph.
//
// Occlusion masks and feature correlations are built through it so that
// nothing computed inside fn contributes to backpropagation.
func StopGradient(fn func() *ts.Tensor) *ts.Tensor {
	var out *ts.Tensor
	ts.NoGrad(func() {
		x := fn()
		out = x.MustDetach(true)
	})

	return out
}
