// Package contrast implements a contrastive correlation loss that aligns the
// pairwise similarity structure of a learned code field with that of a
// frozen feature field, sampled sparsely across two views and across
// permuted batch elements.
package contrast

import (
	"fmt"
	"math/rand/v2"

	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// ErrShapeMismatch reports incompatible feature, code or salience shapes.
var ErrShapeMismatch = base.ErrShapeMismatch

const (
	normEps = 1e-10

	// floor of the code correlation when zero clamping is off
	noClampFloor = -9999.0
	stableCeil   = 0.8
)

// CorrelationLoss computes the contrastive correlation terms. It holds only
// its configuration and is safe for concurrent use.
type CorrelationLoss struct {
	config Config
}

// New creates a CorrelationLoss.
func New(config Config) *CorrelationLoss {
	return &CorrelationLoss{config: config}
}

// Config returns the loss configuration.
func (l *CorrelationLoss) Config() Config {
	return l.config
}

// Correlation returns the all-pairs dot products of a (n, c, h, w) and
// b (n, c, i, j) as an (n, h, w, i, j) volume.
func Correlation(a, b *ts.Tensor) *ts.Tensor {
	as := a.MustSize()
	bs := b.MustSize()
	n, c := as[0], as[1]

	am := a.MustReshape([]int64{n, c, as[2] * as[3]}, false).MustTranspose(1, 2, true)
	bm := b.MustReshape([]int64{n, c, bs[2] * bs[3]}, false)
	prod := am.MustMatmul(bm, true)
	bm.MustDrop()

	return prod.MustView([]int64{n, as[2], as[3], bs[2], bs[3]}, true)
}

// Helper returns the contrastive loss volume and the code correlation for
// one pair of sampled feature and code fields:
//
//	loss = -clamp(cd) * (fd - shift)
//
// fd, the cosine correlation of the features, is computed without gradient.
// cd, the cosine correlation of the codes, carries the gradient.
func (l *CorrelationLoss) Helper(f1, f2, c1, c2 *ts.Tensor, shift float64) (loss, corr *ts.Tensor) {
	fd := base.StopGradient(func() *ts.Tensor {
		n1 := base.Normalize(f1, 1, normEps)
		n2 := base.Normalize(f2, 1, normEps)
		fd := Correlation(n1, n2)
		n1.MustDrop()
		n2.MustDrop()

		if l.config.Pointwise {
			fd = pointwiseCentre(fd)
		}
		return fd
	})

	cn1 := base.Normalize(c1, 1, normEps)
	cn2 := base.Normalize(c2, 1, normEps)
	cd := Correlation(cn1, cn2)
	cn1.MustDrop()
	cn2.MustDrop()

	floor := noClampFloor
	if l.config.ZeroClamp {
		floor = 0
	}
	var clamped *ts.Tensor
	if l.config.Stabilize {
		clamped = cd.MustClamp(ts.FloatScalar(floor), ts.FloatScalar(stableCeil), false)
	} else {
		clamped = cd.MustClampMin(ts.FloatScalar(floor), false)
	}

	shifted := fd.MustSubScalar(ts.FloatScalar(shift), true)
	loss = clamped.MustMul(shifted, true).MustNeg(true)
	shifted.MustDrop()

	return loss, cd
}

// pointwiseCentre removes the mean over the second grid from every query
// location of fd and restores the global mean. It consumes fd.
func pointwiseCentre(fd *ts.Tensor) *ts.Tensor {
	dtype := fd.DType()
	oldMean := fd.MustMean(dtype, false)
	rowMean := fd.MustMeanDim([]int64{3, 4}, true, dtype, false)
	centred := fd.MustSub(rowMean, true)
	rowMean.MustDrop()

	newMean := centred.MustMean(dtype, false)
	out := centred.MustSub(newMean, true).MustAdd(oldMean, true)
	newMean.MustDrop()
	oldMean.MustDrop()

	return out
}

// Negative is the loss and code correlation of one permuted negative pass.
type Negative struct {
	Loss *ts.Tensor
	Corr *ts.Tensor
}

// Result holds the outputs of Forward. The positive losses are scalar means;
// correlation volumes and negative losses are left unreduced.
type Result struct {
	PosIntraLoss *ts.Tensor
	PosIntraCorr *ts.Tensor
	PosInterLoss *ts.Tensor
	PosInterCorr *ts.Tensor
	Negatives    []Negative
}

// NegInter concatenates the negative losses and correlations along the
// batch axis. Both are nil when no negative was drawn.
func (r *Result) NegInter() (loss, corr *ts.Tensor) {
	if len(r.Negatives) == 0 {
		return nil, nil
	}
	losses := make([]*ts.Tensor, len(r.Negatives))
	corrs := make([]*ts.Tensor, len(r.Negatives))
	for i, n := range r.Negatives {
		losses[i] = n.Loss
		corrs[i] = n.Corr
	}

	return ts.MustCat(losses, 0), ts.MustCat(corrs, 0)
}

// Drop frees every tensor held by r.
func (r *Result) Drop() {
	for _, x := range []*ts.Tensor{r.PosIntraLoss, r.PosIntraCorr, r.PosInterLoss, r.PosInterCorr} {
		if x != nil {
			x.MustDrop()
		}
	}
	for _, n := range r.Negatives {
		n.Loss.MustDrop()
		n.Corr.MustDrop()
	}
	r.Negatives = nil
}

// Forward computes the positive intra-view, positive inter-view and negative
// inter-view terms.
//
// feats and featsPos are frozen (n, cf, h, w) features of two views of the
// same batch; code and codePos are the learned (n, cc, h, w) codes. salience
// and saliencePos are only read when salience-biased sampling is enabled.
// All randomness comes from rng.
func (l *CorrelationLoss) Forward(rng *rand.Rand, feats, featsPos, salience, saliencePos, code, codePos *ts.Tensor) (*Result, error) {
	if err := checkInputs(feats, featsPos, code, codePos); err != nil {
		return nil, err
	}
	n := feats.MustSize()[0]
	if l.config.NegSamples > 0 && n < 2 {
		return nil, fmt.Errorf("batch of %d with %d negative samples: %w", n, l.config.NegSamples, ErrBatchTooSmall)
	}

	c1, c2, err := l.coords(rng, salience, saliencePos, n)
	if err != nil {
		return nil, err
	}
	coords1 := coordTensor(c1, n, l.config.FeatureSamples, feats)
	coords2 := coordTensor(c2, n, l.config.FeatureSamples, feats)
	defer coords1.MustDrop()
	defer coords2.MustDrop()

	fs := Sample(feats, coords1)
	cs := Sample(code, coords1)
	fps := Sample(featsPos, coords2)
	cps := Sample(codePos, coords2)
	defer fs.MustDrop()
	defer cs.MustDrop()
	defer fps.MustDrop()
	defer cps.MustDrop()

	res := &Result{}
	intra, intraCorr := l.Helper(fs, fs, cs, cs, l.config.PosIntraShift)
	res.PosIntraLoss = intra.MustMean(intra.DType(), true)
	res.PosIntraCorr = intraCorr
	inter, interCorr := l.Helper(fs, fps, cs, cps, l.config.PosInterShift)
	res.PosInterLoss = inter.MustMean(inter.DType(), true)
	res.PosInterCorr = interCorr

	for k := 0; k < l.config.NegSamples; k++ {
		perm, err := Derangement(rng, int(n))
		if err != nil {
			res.Drop()
			return nil, err
		}
		idx := ts.MustOfSlice(perm).MustTo(feats.MustDevice(), true)
		featsNeg := feats.MustIndexSelect(0, idx, false)
		codeNeg := code.MustIndexSelect(0, idx, false)
		idx.MustDrop()

		fn := Sample(featsNeg, coords2)
		cn := Sample(codeNeg, coords2)
		featsNeg.MustDrop()
		codeNeg.MustDrop()

		negLoss, negCorr := l.Helper(fs, fn, cs, cn, l.config.NegInterShift)
		fn.MustDrop()
		cn.MustDrop()
		res.Negatives = append(res.Negatives, Negative{Loss: negLoss, Corr: negCorr})
	}

	return res, nil
}

// coords draws the two coordinate grids, uniform or salience-biased.
func (l *CorrelationLoss) coords(rng *rand.Rand, salience, saliencePos *ts.Tensor, n int64) (c1, c2 []float32, err error) {
	s := l.config.FeatureSamples
	if !l.config.UseSalience {
		return uniformCoords(rng, n, s), uniformCoords(rng, n, s), nil
	}
	if salience == nil || saliencePos == nil {
		return nil, nil, fmt.Errorf("salience sampling needs both salience maps: %w", ErrShapeMismatch)
	}

	s1, err := salientCoords(rng, salience, n, s)
	if err != nil {
		return nil, nil, err
	}
	s2, err := salientCoords(rng, saliencePos, n, s)
	if err != nil {
		return nil, nil, err
	}
	u1 := uniformCoords(rng, n, s)
	u2 := uniformCoords(rng, n, s)
	mask := bernoulliMask(rng, n*s*s)

	return blend(s1, u1, mask), blend(s2, u2, mask), nil
}

func checkInputs(feats, featsPos, code, codePos *ts.Tensor) error {
	fs := feats.MustSize()
	if len(fs) != 4 {
		return fmt.Errorf("features must be (n, c, h, w), got %v: %w", fs, ErrShapeMismatch)
	}
	if err := base.SameShape(feats, featsPos); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	if err := base.SameShape(code, codePos); err != nil {
		return fmt.Errorf("codes: %w", err)
	}
	cs := code.MustSize()
	if len(cs) != 4 || cs[0] != fs[0] {
		return fmt.Errorf("code %v vs features %v: %w", cs, fs, ErrShapeMismatch)
	}

	return nil
}
