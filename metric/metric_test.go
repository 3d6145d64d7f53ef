package metric_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/metric"
)

func fixture() (est, gt, mask *ts.Tensor) {
	// errors: 0.5, 1.5, 2.5, 10 (relative 10/100 = 10%), 50 (masked out)
	eslice := []float32{10.5, 21.5, 32.5, 110, 50}
	gslice := []float32{10, 20, 30, 100, 0}
	mslice := []bool{true, true, true, true, false}

	est = ts.MustOfSlice(eslice).MustView([]int64{1, 1, 5}, true)
	gt = ts.MustOfSlice(gslice).MustView([]int64{1, 1, 5}, true)
	mask = ts.MustOfSlice(mslice).MustView([]int64{1, 1, 5}, true)
	return est, gt, mask
}

func TestEPE(t *testing.T) {
	est, gt, mask := fixture()
	epe := metric.EPE(est, gt, mask)
	assert.InDelta(t, (0.5+1.5+2.5+10)/4, epe, 1e-6)
}

func TestD1(t *testing.T) {
	est, gt, mask := fixture()
	// only the 10px error passes both 3px and 5%
	assert.InDelta(t, 0.25, metric.D1(est, gt, mask), 1e-9)
}

func TestThreshold(t *testing.T) {
	est, gt, mask := fixture()
	assert.InDelta(t, 0.75, metric.Threshold(est, gt, mask, 1), 1e-9)
	assert.InDelta(t, 0.5, metric.Threshold(est, gt, mask, 2), 1e-9)
	assert.InDelta(t, 0.25, metric.Threshold(est, gt, mask, 3), 1e-9)
}

func TestEmptyMask(t *testing.T) {
	est, gt, _ := fixture()
	none := ts.MustOfSlice([]bool{false, false, false, false, false}).MustView([]int64{1, 1, 5}, true)

	s := metric.Evaluate(est, gt, none)
	assert.Equal(t, metric.Scores{}, s)
}

func TestErrorMap(t *testing.T) {
	// errors 0, 6 (E=1.2), 5 without ground truth, 0.5 (E=1/6), 100 (E=20)
	est := ts.MustOfSlice([]float32{100, 106, 5, 10.5, 200}).MustView([]int64{1, 1, 5}, true)
	gt := ts.MustOfSlice([]float32{100, 100, 0, 10, 100}).MustView([]int64{1, 1, 5}, true)

	m := metric.ErrorMap(est, gt)
	assert.Equal(t, []int64{1, 1, 5}, m.MustSize())
	assert.InDeltaSlice(t, []float64{0, 3.0 / 9, 0, 0, 7.0 / 9}, m.Float64Values(), 1e-9)
}
