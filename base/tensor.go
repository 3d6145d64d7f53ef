// Package base holds tensor helpers shared by the loss packages.
package base

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// ErrShapeMismatch reports inputs whose rank or dimensions are incompatible.
var ErrShapeMismatch = errors.New("shape mismatch")

// Batch4 returns x as a rank-4 (batch, channel, height, width) tensor.
// Rank-3 inputs (batch, height, width) gain a unit channel dimension.
// The returned tensor is a new handle the caller must drop.
func Batch4(x *ts.Tensor) (*ts.Tensor, error) {
	size := x.MustSize()
	switch len(size) {
	case 3:
		return x.MustUnsqueeze(1, false), nil
	case 4:
		return x.MustShallowClone(), nil
	default:
		err := fmt.Errorf("expected rank 3 or 4 tensor, got shape %v: %w", size, ErrShapeMismatch)
		return nil, err
	}
}

// SameShape checks that a and b have identical shapes.
func SameShape(a, b *ts.Tensor) error {
	aSize := a.MustSize()
	bSize := b.MustSize()
	if !reflect.DeepEqual(aSize, bSize) {
		return fmt.Errorf("%v vs %v: %w", aSize, bSize, ErrShapeMismatch)
	}

	return nil
}

// SameSpatial checks that a and b agree on batch size and on their last two
// (height, width) dimensions.
func SameSpatial(a, b *ts.Tensor) error {
	aSize := a.MustSize()
	bSize := b.MustSize()
	if len(aSize) < 3 || len(bSize) < 3 ||
		aSize[0] != bSize[0] ||
		!reflect.DeepEqual(aSize[len(aSize)-2:], bSize[len(bSize)-2:]) {
		return fmt.Errorf("spatial %v vs %v: %w", aSize, bSize, ErrShapeMismatch)
	}

	return nil
}

// Downsample average-pools a rank-4 tensor by 2^scale along height and width.
// Scale 0 returns a shallow clone.
func Downsample(x *ts.Tensor, scale int64) *ts.Tensor {
	if scale == 0 {
		return x.MustShallowClone()
	}
	k := int64(1) << uint(scale)

	return x.MustAvgPool2d([]int64{k, k}, []int64{k, k}, []int64{0, 0}, false, true, nil, false)
}

// Normalize scales x to unit L2 norm along dim. Norms below eps are clamped
// to eps.
func Normalize(x *ts.Tensor, dim int64, eps float64) *ts.Tensor {
	sq := x.MustMul(x, false)
	norm := sq.MustSumDimIntlist([]int64{dim}, true, x.DType(), true).
		MustSqrt(true).
		MustClampMin(ts.FloatScalar(eps), true)
	out := x.MustDiv(norm, false)
	norm.MustDrop()

	return out
}

// Zero returns a 0-dim zero tensor with the dtype and device of like.
func Zero(like *ts.Tensor) *ts.Tensor {
	return ts.MustZeros([]int64{}, like.DType(), like.MustDevice())
}

// MaskedMean averages lossMap over the entries where valid is nonzero.
// valid is broadcast to lossMap's shape; a nil valid averages everything.
// An empty selection yields exactly zero.
func MaskedMean(lossMap, valid *ts.Tensor) *ts.Tensor {
	if valid == nil {
		return lossMap.MustMean(lossMap.DType(), false)
	}

	w := valid.MustTotype(lossMap.DType(), false).
		MustExpand(lossMap.MustSize(), true, true)
	total := w.MustSum(lossMap.DType(), false)
	count := total.Float64Values()[0]
	total.MustDrop()
	if count == 0 {
		w.MustDrop()
		return Zero(lossMap)
	}

	weighted := lossMap.MustMul(w, false)
	w.MustDrop()

	return weighted.MustSum(lossMap.DType(), true).MustDivScalar(ts.FloatScalar(count), true)
}

// Count returns the number of nonzero entries of mask.
func Count(mask *ts.Tensor) int64 {
	n := mask.MustTotype(gotch.Bool, false).MustTotype(gotch.Int64, true)
	sum := n.MustSum(gotch.Int64, true)
	c := sum.Int64Values()[0]
	sum.MustDrop()

	return c
}
