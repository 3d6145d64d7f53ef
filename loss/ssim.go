package loss

import (
	"fmt"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// SSIM returns the per-pixel structural dissimilarity (1 - SSIM)/2 of two
// (b, c, h, w) images, clamped to [0, 1]. Local statistics use a 3x3 box
// filter over reflect-padded inputs, so the output has the input's shape.
func SSIM(x, y *ts.Tensor) (*ts.Tensor, error) {
	if err := base.SameShape(x, y); err != nil {
		return nil, err
	}
	if size := x.MustSize(); len(size) != 4 {
		return nil, fmt.Errorf("SSIM expects (b, c, h, w) images, got %v: %w", size, ErrShapeMismatch)
	}

	xp := x.MustReflectionPad2d([]int64{1, 1, 1, 1}, false)
	yp := y.MustReflectionPad2d([]int64{1, 1, 1, 1}, false)

	muX := boxFilter(xp, false)
	muY := boxFilter(yp, false)
	muXX := muX.MustMul(muX, false)
	muYY := muY.MustMul(muY, false)
	muXY := muX.MustMul(muY, false)
	muX.MustDrop()
	muY.MustDrop()

	sigmaX := boxFilter(xp.MustMul(xp, false), true).MustSub(muXX, true)
	sigmaY := boxFilter(yp.MustMul(yp, false), true).MustSub(muYY, true)
	sigmaXY := boxFilter(xp.MustMul(yp, false), true).MustSub(muXY, true)
	xp.MustDrop()
	yp.MustDrop()

	// (2 mu_x mu_y + C1) * (2 sigma_xy + C2)
	n1 := muXY.MustMulScalar(ts.FloatScalar(2), true).MustAddScalar(ts.FloatScalar(ssimC1), true)
	n2 := sigmaXY.MustMulScalar(ts.FloatScalar(2), true).MustAddScalar(ts.FloatScalar(ssimC2), true)
	n := n1.MustMul(n2, true)
	n2.MustDrop()

	// (mu_x^2 + mu_y^2 + C1) * (sigma_x + sigma_y + C2)
	d1 := muXX.MustAdd(muYY, true).MustAddScalar(ts.FloatScalar(ssimC1), true)
	muYY.MustDrop()
	d2 := sigmaX.MustAdd(sigmaY, true).MustAddScalar(ts.FloatScalar(ssimC2), true)
	sigmaY.MustDrop()
	d := d1.MustMul(d2, true)
	d2.MustDrop()

	ratio := n.MustDiv(d, true)
	d.MustDrop()

	// (1 - ratio) / 2
	out := ratio.MustMulScalar(ts.FloatScalar(-0.5), true).
		MustAddScalar(ts.FloatScalar(0.5), true).
		MustClamp(ts.FloatScalar(0), ts.FloatScalar(1), true)

	return out, nil
}

// boxFilter is a 3x3, stride 1, unpadded average pool.
func boxFilter(x *ts.Tensor, del bool) *ts.Tensor {
	return x.MustAvgPool2d([]int64{3, 3}, []int64{1, 1}, []int64{0, 0}, false, true, nil, del)
}
