package loss

import (
	"fmt"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// ReconstructionConfig holds the mixing weights of the photometric loss.
type ReconstructionConfig struct {
	SmoothWeight      float64 `yaml:"smooth_weight"`
	PhotometricWeight float64 `yaml:"photometric_weight"`
	SSIMWeight        float64 `yaml:"ssim_weight"`
}

// DefaultReconstructionConfig returns the standard 0.15 L1 / 0.85 SSIM mix
// with a light smoothness prior.
func DefaultReconstructionConfig() ReconstructionConfig {
	return ReconstructionConfig{
		SmoothWeight:      0.001,
		PhotometricWeight: 0.15,
		SSIMWeight:        0.85,
	}
}

// FullResolutionWeights weights the four full-resolution outputs scored by
// FullResolutionLoss.
var FullResolutionWeights = []float64{0.7, 0.5, 0.7, 1.0}

// Reconstruction scores disparity estimates by how well they reproject the
// right image onto the left one.
type Reconstruction struct {
	config ReconstructionConfig
	warper Warper
}

// NewReconstruction creates a Reconstruction loss.
func NewReconstruction(config ReconstructionConfig, warper Warper) *Reconstruction {
	return &Reconstruction{
		config: config,
		warper: warper,
	}
}

// Terms is the weighted contribution of one active pyramid position.
// Smooth, Photometric and SSIM are already scaled by the config weights but
// not by Weight; Total is their sum scaled by Weight.
type Terms struct {
	Position    int
	Scale       int64
	Weight      float64
	Smooth      *ts.Tensor
	Photometric *ts.Tensor
	SSIM        *ts.Tensor
	Total       *ts.Tensor
}

// Drop frees the tensors held by t.
func (t *Terms) Drop() {
	for _, x := range []*ts.Tensor{t.Smooth, t.Photometric, t.SSIM, t.Total} {
		if x != nil {
			x.MustDrop()
		}
	}
}

// Loss returns the occlusion-masked multi-scale reconstruction loss.
//
// pyramid[i] is estimated at scale sched.Scales[i]; the stereo pair is
// average-pooled to that scale before warping. occ may be nil, and any of
// its entries may be nil; a non-nil occ[i] excludes its nonzero pixels from
// the photometric and SSIM terms at position i. Positions with zero weight
// are skipped without warping.
func (r *Reconstruction) Loss(pyramid []*ts.Tensor, left, right *ts.Tensor, occ []*ts.Tensor, sched Schedule) (*ts.Tensor, error) {
	terms, err := r.LossTerms(pyramid, left, right, occ, sched)
	if err != nil {
		return nil, err
	}

	var total *ts.Tensor
	for i := range terms {
		total = accumulate(total, terms[i].Total.MustShallowClone())
		terms[i].Drop()
	}
	if total == nil {
		return base.Zero(left), nil
	}

	return total, nil
}

// LossTerms is Loss broken down per active position.
func (r *Reconstruction) LossTerms(pyramid []*ts.Tensor, left, right *ts.Tensor, occ []*ts.Tensor, sched Schedule) ([]Terms, error) {
	if err := sched.Validate(len(pyramid)); err != nil {
		return nil, err
	}
	if occ != nil && len(occ) != len(pyramid) {
		err := fmt.Errorf("%d occlusion masks for %d estimates: %w", len(occ), len(pyramid), ErrShapeMismatch)
		return nil, err
	}
	if err := base.SameShape(left, right); err != nil {
		return nil, err
	}

	var terms []Terms
	for i, disp := range pyramid {
		if !sched.Active(i) {
			continue
		}
		var mask *ts.Tensor
		if occ != nil {
			mask = occ[i]
		}

		t, err := r.position(disp, left, right, mask, sched.Scales[i], sched.Weights[i])
		if err != nil {
			for j := range terms {
				terms[j].Drop()
			}
			return nil, fmt.Errorf("reconstruction position %d: %w", i, err)
		}
		t.Position = i
		terms = append(terms, t)
	}

	return terms, nil
}

func (r *Reconstruction) position(disp, left, right, occ *ts.Tensor, scale int64, weight float64) (Terms, error) {
	t := Terms{Scale: scale, Weight: weight}

	d4, err := base.Batch4(disp)
	if err != nil {
		return t, err
	}
	defer d4.MustDrop()

	l := base.Downsample(left, scale)
	defer l.MustDrop()
	if err := base.SameSpatial(d4, l); err != nil {
		return t, err
	}

	valid, err := validFromOcclusion(occ, d4, l)
	if err != nil {
		return t, err
	}
	if valid != nil {
		defer valid.MustDrop()
	}

	rr := base.Downsample(right, scale)
	rec, err := r.warper.Warp(rr, d4)
	rr.MustDrop()
	if err != nil {
		return t, err
	}
	defer rec.MustDrop()

	smooth, err := Smoothness(d4, l)
	if err != nil {
		return t, err
	}
	t.Smooth = smooth.MustMulScalar(ts.FloatScalar(r.config.SmoothWeight), true)

	photoMap := rec.MustSmoothL1Loss(l, reductionNone, smoothL1Beta, false)
	t.Photometric = base.MaskedMean(photoMap, valid).MustMulScalar(ts.FloatScalar(r.config.PhotometricWeight), true)
	photoMap.MustDrop()

	ssimMap, err := SSIM(rec, l)
	if err != nil {
		t.Drop()
		return Terms{}, err
	}
	t.SSIM = base.MaskedMean(ssimMap, valid).MustMulScalar(ts.FloatScalar(r.config.SSIMWeight), true)
	ssimMap.MustDrop()

	sum := t.Smooth.MustAdd(t.Photometric, false).MustAdd(t.SSIM, true)
	t.Total = sum.MustMulScalar(ts.FloatScalar(weight), true)

	return t, nil
}

// validFromOcclusion turns an occlusion mask into a (b, 1, h, w) validity
// weight in the image dtype. A nil mask yields nil (everything valid).
func validFromOcclusion(occ, disp, image *ts.Tensor) (*ts.Tensor, error) {
	if occ == nil {
		return nil, nil
	}
	o4, err := base.Batch4(occ)
	if err != nil {
		return nil, err
	}
	if err := base.SameSpatial(o4, disp); err != nil {
		o4.MustDrop()
		return nil, err
	}

	// 1 - occ
	valid := o4.MustTotype(image.DType(), true).
		MustNeg(true).
		MustAddScalar(ts.FloatScalar(1), true)

	return valid, nil
}

// FullResolutionLoss scores estimates that are all at input resolution:
// each is warped against the full-size pair and contributes
// weight * (photometric + SSIM), with no smoothness and no occlusion mask.
func (r *Reconstruction) FullResolutionLoss(pyramid []*ts.Tensor, left, right *ts.Tensor, weights []float64) (*ts.Tensor, error) {
	if len(weights) != len(pyramid) {
		err := fmt.Errorf("%d weights for %d estimates: %w", len(weights), len(pyramid), ErrScheduleMismatch)
		return nil, err
	}
	if err := base.SameShape(left, right); err != nil {
		return nil, err
	}

	var total *ts.Tensor
	for i, disp := range pyramid {
		if weights[i] == 0 {
			continue
		}
		rec, err := r.warper.Warp(right, disp)
		if err != nil {
			if total != nil {
				total.MustDrop()
			}
			return nil, fmt.Errorf("full resolution position %d: %w", i, err)
		}

		photo := rec.MustSmoothL1Loss(left, reductionMean, smoothL1Beta, false).
			MustMulScalar(ts.FloatScalar(r.config.PhotometricWeight), true)
		ssimMap, err := SSIM(rec, left)
		rec.MustDrop()
		if err != nil {
			photo.MustDrop()
			if total != nil {
				total.MustDrop()
			}
			return nil, fmt.Errorf("full resolution position %d: %w", i, err)
		}
		ssim := ssimMap.MustMean(ssimMap.DType(), true).
			MustMulScalar(ts.FloatScalar(r.config.SSIMWeight), true)

		term := photo.MustAdd(ssim, true).MustMulScalar(ts.FloatScalar(weights[i]), true)
		ssim.MustDrop()
		total = accumulate(total, term)
	}
	if total == nil {
		return base.Zero(left), nil
	}

	return total, nil
}
