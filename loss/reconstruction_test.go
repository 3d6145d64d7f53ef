package loss_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/loss"
	"github.com/sugarme/stereoloss/warp"
)

// basePyramid returns disparities of value v at scales 2, 1, 0 of an h x w frame.
func basePyramid(b, h, w int64, v float64) []*ts.Tensor {
	return []*ts.Tensor{
		full([]int64{b, h / 4, w / 4}, v/4),
		full([]int64{b, h / 2, w / 2}, v/2),
		full([]int64{b, h, w}, v),
	}
}

func dropAll(xs []*ts.Tensor) {
	for _, x := range xs {
		if x != nil {
			x.MustDrop()
		}
	}
}

func TestReconstructionZeroWeightsSkipWarp(t *testing.T) {
	left := rand([]int64{2, 3, 8, 8})
	right := rand([]int64{2, 3, 8, 8})
	pyr := basePyramid(2, 8, 8, 2)
	defer left.MustDrop()
	defer right.MustDrop()
	defer dropAll(pyr)

	w := &countingWarper{}
	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), w)
	sched := loss.Schedule{Name: "off", Weights: []float64{0, 0, 0}, Scales: []int64{2, 1, 0}}

	total, err := r.Loss(pyr, left, right, nil, sched)
	require.NoError(t, err)
	defer total.MustDrop()

	assert.Equal(t, 0.0, scalar(total))
	assert.Equal(t, 0, w.calls)
}

func TestReconstructionRefineOnlySkipsCoarseStage(t *testing.T) {
	left := rand([]int64{1, 3, 8, 8})
	right := rand([]int64{1, 3, 8, 8})
	pyr := append(basePyramid(1, 8, 8, 1), basePyramid(1, 8, 8, 1)...)
	defer left.MustDrop()
	defer right.MustDrop()
	defer dropAll(pyr)

	w := &countingWarper{}
	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), w)
	terms, err := r.LossTerms(pyr, left, right, nil, loss.RefineOnly.Schedule())
	require.NoError(t, err)

	assert.Equal(t, 3, w.calls)
	require.Len(t, terms, 3)
	for i, term := range terms {
		assert.Equal(t, i+3, term.Position)
		term.Drop()
	}
}

func TestReconstructionIdenticalImagesIdentityWarp(t *testing.T) {
	img := rand([]int64{2, 3, 8, 8})
	pyr := []*ts.Tensor{rand([]int64{2, 2, 2}), rand([]int64{2, 4, 4}), rand([]int64{2, 8, 8})}
	defer img.MustDrop()
	defer dropAll(pyr)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), &countingWarper{})
	terms, err := r.LossTerms(pyr, img, img, nil, loss.Base.Schedule())
	require.NoError(t, err)
	require.Len(t, terms, 3)

	for _, term := range terms {
		assert.InDelta(t, 0, scalar(term.Photometric), 1e-7)
		assert.InDelta(t, 0, scalar(term.SSIM), 1e-6)
		assert.Greater(t, scalar(term.Smooth), 0.0)
		assert.InDelta(t, term.Weight*scalar(term.Smooth), scalar(term.Total), 1e-6)
		term.Drop()
	}
}

func TestReconstructionIdenticalImagesZeroDisparity(t *testing.T) {
	img := rand([]int64{2, 3, 8, 8})
	pyr := basePyramid(2, 8, 8, 0)
	defer img.MustDrop()
	defer dropAll(pyr)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), warp.NewGridWarper())
	total, err := r.Loss(pyr, img, img, nil, loss.Base.Schedule())
	require.NoError(t, err)
	defer total.MustDrop()

	// zero disparity is its own mean, so smoothness vanishes too
	assert.InDelta(t, 0, scalar(total), 1e-5)
}

func TestReconstructionNonNegative(t *testing.T) {
	left := rand([]int64{2, 3, 8, 8})
	right := rand([]int64{2, 3, 8, 8})
	pyr := []*ts.Tensor{
		rand([]int64{2, 2, 2}).MustMulScalar(ts.FloatScalar(2), true),
		rand([]int64{2, 4, 4}).MustMulScalar(ts.FloatScalar(2), true),
		rand([]int64{2, 8, 8}).MustMulScalar(ts.FloatScalar(2), true),
	}
	defer left.MustDrop()
	defer right.MustDrop()
	defer dropAll(pyr)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), warp.NewGridWarper())
	total, err := r.Loss(pyr, left, right, nil, loss.Base.Schedule())
	require.NoError(t, err)
	defer total.MustDrop()

	v := scalar(total)
	assert.False(t, math.IsNaN(v))
	assert.Greater(t, v, 0.0)
}

func TestReconstructionFullyOccluded(t *testing.T) {
	left := rand([]int64{1, 3, 8, 8})
	right := rand([]int64{1, 3, 8, 8})
	pyr := basePyramid(1, 8, 8, 0)
	occ := basePyramid(1, 8, 8, 4) // every value nonzero: everything occluded
	defer left.MustDrop()
	defer right.MustDrop()
	defer dropAll(pyr)
	defer dropAll(occ)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), &countingWarper{})
	terms, err := r.LossTerms(pyr, left, right, occ, loss.Base.Schedule())
	require.NoError(t, err)

	for _, term := range terms {
		assert.Equal(t, 0.0, scalar(term.Photometric))
		assert.Equal(t, 0.0, scalar(term.SSIM))
		term.Drop()
	}
}

func TestReconstructionPartialOcclusionMasks(t *testing.T) {
	left := rand([]int64{1, 3, 8, 8})
	right := rand([]int64{1, 3, 8, 8})
	pyr := basePyramid(1, 8, 8, 0)
	occ := []*ts.Tensor{nil, nil, full([]int64{1, 8, 8}, 0)}
	defer left.MustDrop()
	defer right.MustDrop()
	defer dropAll(pyr)
	defer dropAll(occ)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), &countingWarper{})
	masked, err := r.Loss(pyr, left, right, occ, loss.Base.Schedule())
	require.NoError(t, err)
	unmasked, err := r.Loss(pyr, left, right, nil, loss.Base.Schedule())
	require.NoError(t, err)

	// an all-zero occlusion mask excludes nothing
	assert.InDelta(t, scalar(unmasked), scalar(masked), 1e-6)
	masked.MustDrop()
	unmasked.MustDrop()
}

func TestReconstructionScheduleMismatch(t *testing.T) {
	img := rand([]int64{1, 3, 8, 8})
	pyr := basePyramid(1, 8, 8, 1)
	defer img.MustDrop()
	defer dropAll(pyr)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), &countingWarper{})
	_, err := r.Loss(pyr, img, img, nil, loss.Refine.Schedule())
	assert.True(t, errors.Is(err, loss.ErrScheduleMismatch))
}

func TestReconstructionWrongScale(t *testing.T) {
	img := rand([]int64{1, 3, 8, 8})
	pyr := []*ts.Tensor{full([]int64{1, 8, 8}, 1)}
	defer img.MustDrop()
	defer dropAll(pyr)

	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), &countingWarper{})
	sched := loss.Schedule{Name: "coarse", Weights: []float64{1}, Scales: []int64{1}}
	_, err := r.Loss(pyr, img, img, nil, sched)
	assert.True(t, errors.Is(err, loss.ErrShapeMismatch))
}

func TestFullResolutionLoss(t *testing.T) {
	img := rand([]int64{1, 3, 8, 8})
	pyr := []*ts.Tensor{
		full([]int64{1, 8, 8}, 0), full([]int64{1, 8, 8}, 0),
		full([]int64{1, 8, 8}, 0), full([]int64{1, 8, 8}, 0),
	}
	defer img.MustDrop()
	defer dropAll(pyr)

	w := &countingWarper{}
	r := loss.NewReconstruction(loss.DefaultReconstructionConfig(), w)
	total, err := r.FullResolutionLoss(pyr, img, img, loss.FullResolutionWeights)
	require.NoError(t, err)
	defer total.MustDrop()

	assert.InDelta(t, 0, scalar(total), 1e-6)
	assert.Equal(t, 4, w.calls)

	_, err = r.FullResolutionLoss(pyr[:2], img, img, loss.FullResolutionWeights)
	assert.True(t, errors.Is(err, loss.ErrScheduleMismatch))
}
