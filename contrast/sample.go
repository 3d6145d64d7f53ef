package contrast

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrBatchTooSmall reports a batch with no in-batch negative to draw from.
var ErrBatchTooSmall = errors.New("batch too small for negative sampling")

// grid_sampler modes
const (
	bilinear      int64 = 0
	borderPadding int64 = 1
)

// probability that a salience-biased location is drawn from salient pixels
const salientBias = 0.9

// Derangement returns a random permutation of [0, n) with no fixed point.
//
// Fixed points of a uniform permutation are moved on to the next fixed point,
// cyclically; a single fixed point swaps its target with another index.
func Derangement(rng *rand.Rand, n int) ([]int64, error) {
	if n < 2 {
		return nil, fmt.Errorf("derangement of %d elements: %w", n, ErrBatchTooSmall)
	}

	p := rng.Perm(n)
	var fixed []int
	for i, v := range p {
		if v == i {
			fixed = append(fixed, i)
		}
	}

	switch len(fixed) {
	case 0:
	case 1:
		i := fixed[0]
		j := rng.IntN(n - 1)
		if j >= i {
			j++
		}
		p[i], p[j] = p[j], i
	default:
		for k, i := range fixed {
			p[i] = fixed[(k+1)%len(fixed)]
		}
	}

	perm := make([]int64, n)
	for i, v := range p {
		perm[i] = int64(v)
	}

	return perm, nil
}

// uniformCoords draws n*s*s (x, y) pairs uniformly in [-1, 1].
func uniformCoords(rng *rand.Rand, n, s int64) []float32 {
	u := distuv.Uniform{Min: -1, Max: 1, Src: rng}
	out := make([]float32, n*s*s*2)
	for i := range out {
		out[i] = float32(u.Rand())
	}

	return out
}

// salientCoords draws n*s*s (x, y) pairs at nonzero salience pixels of each
// batch element. Elements without any salient pixel fall back to random
// pixels. salience is (n, h, w) or (n, 1, h, w).
func salientCoords(rng *rand.Rand, salience *ts.Tensor, n, s int64) ([]float32, error) {
	size := salience.MustSize()
	if len(size) < 3 || size[0] != n {
		return nil, fmt.Errorf("salience shape %v for batch %d: %w", size, n, ErrShapeMismatch)
	}
	h, w := size[len(size)-2], size[len(size)-1]

	cpu := salience.MustTo(gotch.CPU, false).MustTotype(gotch.Double, true)
	vals := cpu.Float64Values()
	cpu.MustDrop()

	plane := h * w
	out := make([]float32, 0, n*s*s*2)
	for b := int64(0); b < n; b++ {
		var nonzero []int64
		for k, v := range vals[b*plane : (b+1)*plane] {
			if v != 0 {
				nonzero = append(nonzero, int64(k))
			}
		}

		for k := int64(0); k < s*s; k++ {
			var y, x int64
			if len(nonzero) == 0 {
				y, x = rng.Int64N(h), rng.Int64N(w)
			} else {
				idx := nonzero[rng.IntN(len(nonzero))]
				y, x = idx/w, idx%w
			}
			out = append(out,
				float32(x)/float32(w)*2-1,
				float32(y)/float32(h)*2-1,
			)
		}
	}

	return out, nil
}

// blend picks, per grid location, the salient pair with probability
// salientBias and the uniform pair otherwise. mask is shared by both views.
func blend(salient, uniform, mask []float32) []float32 {
	out := make([]float32, len(salient))
	for i := range out {
		m := mask[i/2]
		out[i] = salient[i]*m + uniform[i]*(1-m)
	}

	return out
}

func bernoulliMask(rng *rand.Rand, count int64) []float32 {
	b := distuv.Bernoulli{P: salientBias, Src: rng}
	mask := make([]float32, count)
	for i := range mask {
		mask[i] = float32(b.Rand())
	}

	return mask
}

// coordTensor shapes coordinates as an (n, s, s, 2) grid matching like's
// dtype and device.
func coordTensor(vals []float32, n, s int64, like *ts.Tensor) *ts.Tensor {
	return ts.MustOfSlice(vals).
		MustView([]int64{n, s, s, 2}, true).
		MustTotype(like.DType(), true).
		MustTo(like.MustDevice(), true)
}

// Sample bilinearly resamples t (n, c, h, w) at an (n, s, s, 2) coordinate
// grid with border padding and aligned corners, returning (n, c, s, s).
func Sample(t, coords *ts.Tensor) *ts.Tensor {
	grid := coords.MustPermute([]int64{0, 2, 1, 3}, false)
	out := ts.MustGridSampler(t, grid, bilinear, borderPadding, true)
	grid.MustDrop()

	return out
}
