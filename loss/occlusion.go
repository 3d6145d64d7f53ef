package loss

import (
	"fmt"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// OcclusionConfig holds the left-right consistency tolerances.
//
// A pixel at pyramid position i is consistent when
// |rec + left| <= Slack[i] * (|rec| + |left|) + Offset, where rec is the
// right disparity reprojected through the left one. Positions past the end
// of Slack use its last entry.
type OcclusionConfig struct {
	Slack  []float64 `yaml:"slack"`
	Offset float64   `yaml:"offset"`
}

// DefaultOcclusionConfig returns the tolerances used for two-output models:
// a loose relative slack for the coarse output and a tight one for the
// refined output.
func DefaultOcclusionConfig() OcclusionConfig {
	return OcclusionConfig{
		Slack:  []float64{0.1, 0.01},
		Offset: 0.5,
	}
}

// OcclusionDetector marks pixels whose left and right disparity estimates
// disagree. Its masks never carry gradient.
type OcclusionDetector struct {
	config OcclusionConfig
	warper Warper
}

// NewOcclusionDetector creates an OcclusionDetector.
func NewOcclusionDetector(config OcclusionConfig, warper Warper) *OcclusionDetector {
	return &OcclusionDetector{
		config: config,
		warper: warper,
	}
}

func (o *OcclusionDetector) slack(i int) float64 {
	if len(o.config.Slack) == 0 {
		return 0
	}
	if i >= len(o.config.Slack) {
		return o.config.Slack[len(o.config.Slack)-1]
	}
	return o.config.Slack[i]
}

// Detect returns one occlusion mask per pyramid position, 1 where the pixel
// is occluded or its reprojection fell outside the frame and 0 elsewhere.
// dispLeft and dispRight are left-to-right and right-to-left estimates of
// identical shapes, position by position.
func (o *OcclusionDetector) Detect(dispLeft, dispRight []*ts.Tensor) ([]*ts.Tensor, error) {
	if len(dispLeft) != len(dispRight) {
		err := fmt.Errorf("occlusion: %d left vs %d right estimates: %w", len(dispLeft), len(dispRight), ErrShapeMismatch)
		return nil, err
	}

	masks := make([]*ts.Tensor, 0, len(dispLeft))
	for i := range dispLeft {
		mask, err := o.detect(i, dispLeft[i], dispRight[i])
		if err != nil {
			for _, m := range masks {
				m.MustDrop()
			}
			return nil, fmt.Errorf("occlusion position %d: %w", i, err)
		}
		masks = append(masks, mask)
	}

	return masks, nil
}

func (o *OcclusionDetector) detect(i int, left, right *ts.Tensor) (*ts.Tensor, error) {
	if err := base.SameShape(left, right); err != nil {
		return nil, err
	}

	a := o.slack(i)
	var warpErr error
	mask := base.StopGradient(func() *ts.Tensor {
		negRight := right.MustNeg(false)
		rec, err := o.warper.Warp(negRight, left)
		negRight.MustDrop()
		if err != nil {
			warpErr = err
			return base.Zero(left)
		}

		residual := rec.MustAdd(left, false).MustAbs(true)
		absLeft := left.MustAbs(false)
		bound := rec.MustAbs(false).
			MustAdd(absLeft, true).
			MustMulScalar(ts.FloatScalar(a), true).
			MustAddScalar(ts.FloatScalar(o.config.Offset), true)
		absLeft.MustDrop()

		inconsistent := residual.MustGtTensor(bound, true)
		bound.MustDrop()
		offFrame := rec.MustEq(ts.FloatScalar(0), true)
		occ := inconsistent.MustLogicalOr(offFrame, true)
		offFrame.MustDrop()

		return occ.MustTotype(left.DType(), true)
	})
	if warpErr != nil {
		mask.MustDrop()
		return nil, warpErr
	}

	return mask, nil
}

// MirrorPredict derives right-to-left disparities from a left-to-right
// predictor: it feeds the horizontally mirrored pair (right, left) through
// predict and mirrors every output back.
func MirrorPredict(predict Predictor, left, right *ts.Tensor) ([]*ts.Tensor, error) {
	leftRev := left.MustFlip([]int64{-1}, false)
	rightRev := right.MustFlip([]int64{-1}, false)
	out, err := predict(rightRev, leftRev)
	leftRev.MustDrop()
	rightRev.MustDrop()
	if err != nil {
		return nil, err
	}

	disps := make([]*ts.Tensor, len(out))
	for i, d := range out {
		disps[i] = d.MustFlip([]int64{-1}, true)
	}

	return disps, nil
}
