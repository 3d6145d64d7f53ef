// Package warp reprojects images along the horizontal epipolar line of a
// rectified stereo pair.
package warp

import (
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/stereoloss/base"
)

// grid_sampler modes
const (
	bilinear     int64 = 0
	zerosPadding int64 = 0
)

// GridWarper resamples a source tensor at (x - d(x, y), y) with bilinear
// interpolation. Samples that land outside the frame read as zero, so a
// reprojection through negative or out-of-range disparity stays well defined.
type GridWarper struct{}

// NewGridWarper creates a GridWarper.
func NewGridWarper() *GridWarper {
	return &GridWarper{}
}

// Warp reprojects src by disp.
//
// src is (b, c, h, w) or (b, h, w); disp is (b, h, w) or (b, 1, h, w) and
// must agree with src on batch and spatial dims. The result has src's rank.
func (g *GridWarper) Warp(src, disp *ts.Tensor) (*ts.Tensor, error) {
	rank := len(src.MustSize())
	src4, err := base.Batch4(src)
	if err != nil {
		return nil, err
	}
	defer src4.MustDrop()

	d4, err := base.Batch4(disp)
	if err != nil {
		return nil, err
	}
	if err := base.SameSpatial(src4, d4); err != nil {
		d4.MustDrop()
		return nil, err
	}

	size := src4.MustSize()
	b, h, w := size[0], size[2], size[3]
	dtype := src4.DType()
	device := src4.MustDevice()

	// (b, h, w) in the source dtype
	d := d4.MustSqueezeDim(1, true).MustTotype(dtype, true)

	xs := ts.MustArange(ts.IntScalar(w), dtype, device).MustView([]int64{1, 1, w}, true)
	gx := xs.MustSub(d, true).
		MustMulScalar(ts.FloatScalar(2/extent(w)), true).
		MustSubScalar(ts.FloatScalar(1), true)
	d.MustDrop()

	ys := ts.MustArange(ts.IntScalar(h), dtype, device).MustView([]int64{1, h, 1}, true)
	gy := ys.MustMulScalar(ts.FloatScalar(2/extent(h)), true).
		MustSubScalar(ts.FloatScalar(1), true).
		MustExpand([]int64{b, h, w}, true, true)

	grid := ts.MustStack([]*ts.Tensor{gx, gy}, 3)
	gx.MustDrop()
	gy.MustDrop()

	out := ts.MustGridSampler(src4, grid, bilinear, zerosPadding, true)
	grid.MustDrop()

	if rank == 3 {
		return out.MustSqueezeDim(1, true), nil
	}

	return out, nil
}

// extent is the pixel span mapped onto [-1, 1] with aligned corners.
func extent(n int64) float64 {
	if n <= 1 {
		return 1
	}
	return float64(n - 1)
}
