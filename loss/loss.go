// Package loss computes the training and evaluation objectives of a stereo
// disparity network: multi-scale photometric reconstruction, supervised
// regression against ground truth, edge-aware smoothness and left-right
// occlusion detection.
//
// All functions are pure: they read their inputs, allocate fresh tensors for
// their outputs and keep no state between calls.
package loss

import (
	"errors"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

var (
	// ErrShapeMismatch reports incompatible input dimensions.
	ErrShapeMismatch = base.ErrShapeMismatch

	// ErrScheduleMismatch reports a pyramid whose length differs from the
	// schedule it is weighted by.
	ErrScheduleMismatch = errors.New("pyramid and schedule lengths differ")
)

// NOTE: reduction: none = 0; mean = 1; sum = 2.
const (
	reductionNone int64 = 0
	reductionMean int64 = 1

	// smooth-L1 transition point between the quadratic and linear zones
	smoothL1Beta = 1.0
)

// Warper reprojects a source tensor by a disparity field: the output at
// (x, y) samples src at (x - disp(x, y), y). Negative disparity must be
// accepted and samples outside the frame must read as zero.
type Warper interface {
	Warp(src, disp *ts.Tensor) (*ts.Tensor, error)
}

// Predictor maps a (left, right) stereo pair to a disparity pyramid.
type Predictor func(left, right *ts.Tensor) ([]*ts.Tensor, error)

// accumulate adds term into total, consuming both, and returns the new total.
func accumulate(total, term *ts.Tensor) *ts.Tensor {
	if total == nil {
		return term
	}
	sum := total.MustAdd(term, true)
	term.MustDrop()

	return sum
}
