package loss

import (
	"fmt"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// added to the per-sample disparity mean before normalising
const meanEps = 1e-7

// Smoothness returns the edge-aware first-order smoothness penalty of a
// disparity field against image.
//
// The disparity is divided by its per-sample mean, so the penalty does not
// depend on the disparity range. Horizontal and vertical disparity gradients
// are down-weighted by exp(-|image gradient|), averaged over channels, which
// leaves depth discontinuities at image edges unpenalised. The result is the
// sum of the mean horizontal and mean vertical terms, not their average.
func Smoothness(disp, image *ts.Tensor) (*ts.Tensor, error) {
	if size := image.MustSize(); len(size) != 4 {
		return nil, fmt.Errorf("smoothness expects a (b, c, h, w) image, got %v: %w", size, ErrShapeMismatch)
	}
	d4, err := base.Batch4(disp)
	if err != nil {
		return nil, err
	}
	if err := base.SameSpatial(d4, image); err != nil {
		d4.MustDrop()
		return nil, err
	}

	dtype := image.DType()
	d := d4.MustTotype(dtype, true)
	mean := d.MustMeanDim([]int64{2, 3}, true, dtype, false).MustAddScalar(ts.FloatScalar(meanEps), true)
	norm := d.MustDiv(mean, true)
	mean.MustDrop()

	sx := edgeAware(norm, image, 3)
	sy := edgeAware(norm, image, 2)
	norm.MustDrop()

	return sx.MustAdd(sy, true), nil
}

// edgeAware computes mean(|grad disp| * exp(-mean_c |grad image|)) along dim.
// A dimension shorter than two pixels has no gradient and contributes zero.
func edgeAware(disp, image *ts.Tensor, dim int64) *ts.Tensor {
	n := disp.MustSize()[dim]
	if n < 2 {
		return base.Zero(disp)
	}

	dtype := image.DType()
	gd := absDiff(disp, dim, n)
	gi := absDiff(image, dim, n).MustMeanDim([]int64{1}, true, dtype, true)
	weight := gi.MustNeg(true).MustExp(true)
	term := gd.MustMul(weight, true)
	weight.MustDrop()

	return term.MustMean(dtype, true)
}

// absDiff returns |x[i] - x[i+1]| along dim.
func absDiff(x *ts.Tensor, dim, n int64) *ts.Tensor {
	head := x.MustNarrow(dim, 0, n-1, false)
	tail := x.MustNarrow(dim, 1, n-1, false)
	diff := head.MustSub(tail, true).MustAbs(true)
	tail.MustDrop()

	return diff
}
