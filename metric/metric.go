// Package metric scores disparity estimates against ground truth.
package metric

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// D1 outlier thresholds: an estimate is bad when it is off by more than
// 3 pixels and by more than 5% of the true disparity.
const (
	d1AbsThreshold = 3.0
	d1RelThreshold = 0.05
)

// Scores is the set of metrics reported per estimate.
type Scores struct {
	EPE    float64
	D1     float64
	Thres1 float64
	Thres2 float64
	Thres3 float64
}

// Evaluate computes all metrics of est against gt over mask.
func Evaluate(est, gt, mask *ts.Tensor) Scores {
	return Scores{
		EPE:    EPE(est, gt, mask),
		D1:     D1(est, gt, mask),
		Thres1: Threshold(est, gt, mask, 1),
		Thres2: Threshold(est, gt, mask, 2),
		Thres3: Threshold(est, gt, mask, 3),
	}
}

// masked returns est and gt restricted to mask as flat double tensors, or
// nils when mask selects nothing. est, gt and mask share one shape.
func masked(est, gt, mask *ts.Tensor) (e, g *ts.Tensor) {
	b := mask.MustTotype(gotch.Bool, false)
	defer b.MustDrop()

	e = est.MustMaskedSelect(b, false).MustTotype(gotch.Double, true)
	if e.MustSize()[0] == 0 {
		e.MustDrop()
		return nil, nil
	}
	g = gt.MustMaskedSelect(b, false).MustTotype(gotch.Double, true)

	return e, g
}

// absError returns |e - g|.
func absError(e, g *ts.Tensor) *ts.Tensor {
	return e.MustSub(g, false).MustAbs(true)
}

func mean(x *ts.Tensor) float64 {
	m := x.MustMean(gotch.Double, false)
	v := m.Float64Values()[0]
	m.MustDrop()

	return v
}

// EPE is the mean end-point error over masked pixels.
func EPE(est, gt, mask *ts.Tensor) float64 {
	e, g := masked(est, gt, mask)
	if e == nil {
		return 0
	}
	dev := absError(e, g)
	e.MustDrop()
	g.MustDrop()
	v := mean(dev)
	dev.MustDrop()

	return v
}

// D1 is the fraction of masked pixels that are outliers by both the absolute
// and the relative threshold.
func D1(est, gt, mask *ts.Tensor) float64 {
	e, g := masked(est, gt, mask)
	if e == nil {
		return 0
	}
	dev := absError(e, g)
	e.MustDrop()

	abs := dev.MustGt(ts.FloatScalar(d1AbsThreshold), false)
	gAbs := g.MustAbs(true)
	rel := dev.MustDiv(gAbs, true).MustGt(ts.FloatScalar(d1RelThreshold), true)
	gAbs.MustDrop()
	bad := abs.MustLogicalAnd(rel, true).MustTotype(gotch.Double, true)
	rel.MustDrop()
	v := mean(bad)
	bad.MustDrop()

	return v
}

// Threshold is the fraction of masked pixels off by more than thres.
func Threshold(est, gt, mask *ts.Tensor, thres float64) float64 {
	e, g := masked(est, gt, mask)
	if e == nil {
		return 0
	}
	dev := absError(e, g)
	e.MustDrop()
	g.MustDrop()

	bad := dev.MustGt(ts.FloatScalar(thres), true).MustTotype(gotch.Double, true)
	v := mean(bad)
	bad.MustDrop()

	return v
}

// Error map bin edges, in units of the D1 outlier threshold.
var errorBins = []float64{0.1875, 0.375, 0.75, 1.5, 3, 6, 12, 24, 48}

// ErrorMap grades the per-pixel error of est against gt into [0, 1].
//
// The error is min(|est-gt|/3, |est-gt|/(0.05|gt|)), so 1 marks the D1
// outlier boundary. It is binned on a log scale and each bin maps to an
// evenly spaced gray level. Pixels without ground truth (gt <= 0) are 0.
// est and gt share one shape; the result has that shape.
func ErrorMap(est, gt *ts.Tensor) *ts.Tensor {
	g := gt.MustTotype(gotch.Double, false)
	dev := est.MustTotype(gotch.Double, false).MustSub(g, true).MustAbs(true)

	gAbs := g.MustAbs(false).MustMulScalar(ts.FloatScalar(d1RelThreshold), true)
	rel := dev.MustDiv(gAbs, false)
	gAbs.MustDrop()
	abs := dev.MustDivScalar(ts.FloatScalar(d1AbsThreshold), true)

	// min(abs, rel) > edge iff both exceed it
	level := ts.MustZeros(abs.MustSize(), gotch.Double, abs.MustDevice())
	for _, edge := range errorBins {
		a := abs.MustGt(ts.FloatScalar(edge), false)
		r := rel.MustGt(ts.FloatScalar(edge), false)
		both := a.MustLogicalAnd(r, true).MustTotype(gotch.Double, true)
		r.MustDrop()
		level = level.MustAdd(both, true)
		both.MustDrop()
	}
	abs.MustDrop()
	rel.MustDrop()

	valid := g.MustGt(ts.FloatScalar(0), true).MustTotype(gotch.Double, true)
	out := level.MustDivScalar(ts.FloatScalar(float64(len(errorBins))), true).MustMul(valid, true)
	valid.MustDrop()

	return out
}
