package loss

import (
	"fmt"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// ValidityMask marks ground-truth pixels inside the open range (0, maxDisp).
func ValidityMask(gt *ts.Tensor, maxDisp float64) *ts.Tensor {
	lower := gt.MustGt(ts.FloatScalar(0), false)
	upper := gt.MustLt(ts.FloatScalar(maxDisp), false)
	mask := lower.MustLogicalAnd(upper, true)
	upper.MustDrop()

	return mask
}

// ScaleGroundTruth brings scale-0 ground truth to scale s: it is
// average-pooled by 2^s and divided by 2^s, since disparity in pixels shrinks
// with resolution. gt is (b, h, w) or (b, 1, h, w); the result is rank 4.
func ScaleGroundTruth(gt *ts.Tensor, scale int64) (*ts.Tensor, error) {
	g4, err := base.Batch4(gt)
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		return g4, nil
	}
	factor := float64(int64(1) << uint(scale))
	pooled := base.Downsample(g4, scale)
	g4.MustDrop()

	return pooled.MustDivScalar(ts.FloatScalar(factor), true), nil
}

// Regression returns the multi-scale supervised smooth-L1 loss against
// ground truth. At each active position the ground truth is brought to the
// position's scale s and only pixels with 0 < gt_s < maxDisp/2^s are
// supervised. A position with no valid pixel contributes exactly zero.
func Regression(pyramid []*ts.Tensor, gt *ts.Tensor, maxDisp float64, sched Schedule) (*ts.Tensor, error) {
	if err := sched.Validate(len(pyramid)); err != nil {
		return nil, err
	}

	var total *ts.Tensor
	for i, est := range pyramid {
		if !sched.Active(i) {
			continue
		}
		term, err := regressionTerm(est, gt, maxDisp, sched.Scales[i])
		if err != nil {
			if total != nil {
				total.MustDrop()
			}
			return nil, fmt.Errorf("regression position %d: %w", i, err)
		}
		if term == nil {
			continue
		}
		total = accumulate(total, term.MustMulScalar(ts.FloatScalar(sched.Weights[i]), true))
	}
	if total == nil {
		return base.Zero(gt), nil
	}

	return total, nil
}

// regressionTerm returns nil when the validity mask is empty.
func regressionTerm(est, gt *ts.Tensor, maxDisp float64, scale int64) (*ts.Tensor, error) {
	e4, err := base.Batch4(est)
	if err != nil {
		return nil, err
	}
	defer e4.MustDrop()

	gs, err := ScaleGroundTruth(gt, scale)
	if err != nil {
		return nil, err
	}
	defer gs.MustDrop()
	if err := base.SameShape(e4, gs); err != nil {
		return nil, err
	}

	factor := float64(int64(1) << uint(scale))
	mask := ValidityMask(gs, maxDisp/factor)
	defer mask.MustDrop()

	return maskedSmoothL1(e4, gs, mask), nil
}

// MaskedLoss returns the weighted smooth-L1 loss of each active estimate
// against gt over a caller-supplied boolean mask. Estimates, gt and mask
// share one resolution; an empty mask contributes zero.
func MaskedLoss(pyramid []*ts.Tensor, gt, mask *ts.Tensor, sched Schedule) (*ts.Tensor, error) {
	if err := sched.Validate(len(pyramid)); err != nil {
		return nil, err
	}
	g4, err := base.Batch4(gt)
	if err != nil {
		return nil, err
	}
	defer g4.MustDrop()
	m4, err := base.Batch4(mask)
	if err != nil {
		return nil, err
	}
	defer m4.MustDrop()
	if err := base.SameShape(g4, m4); err != nil {
		return nil, err
	}

	var total *ts.Tensor
	for i, est := range pyramid {
		if !sched.Active(i) {
			continue
		}
		e4, err := base.Batch4(est)
		if err == nil {
			err = base.SameShape(e4, g4)
		}
		if err != nil {
			if e4 != nil {
				e4.MustDrop()
			}
			if total != nil {
				total.MustDrop()
			}
			return nil, fmt.Errorf("masked position %d: %w", i, err)
		}

		term := maskedSmoothL1(e4, g4, m4)
		e4.MustDrop()
		if term == nil {
			continue
		}
		total = accumulate(total, term.MustMulScalar(ts.FloatScalar(sched.Weights[i]), true))
	}
	if total == nil {
		return base.Zero(gt), nil
	}

	return total, nil
}

// maskedSmoothL1 is mean smooth-L1 over selected pixels, or nil when the
// mask selects nothing.
func maskedSmoothL1(est, gt, mask *ts.Tensor) *ts.Tensor {
	b := mask.MustTotype(gotch.Bool, false)
	defer b.MustDrop()
	if base.Count(b) == 0 {
		return nil
	}

	target := gt.MustTotype(est.DType(), false)
	selEst := est.MustMaskedSelect(b, false)
	selGt := target.MustMaskedSelect(b, true)
	l := selEst.MustSmoothL1Loss(selGt, reductionMean, smoothL1Beta, true)
	selGt.MustDrop()

	return l
}
