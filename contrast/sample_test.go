package contrast

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

func TestDerangement(t *testing.T) {
	for n := 2; n <= 40; n++ {
		for seed := uint64(0); seed < 200; seed++ {
			rng := rand.New(rand.NewPCG(seed, uint64(n)))
			perm, err := Derangement(rng, n)
			require.NoError(t, err)
			require.Len(t, perm, n)

			seen := make([]bool, n)
			for i, v := range perm {
				require.NotEqual(t, int64(i), v, "fixed point at %d (n=%d, seed=%d)", i, n, seed)
				require.True(t, v >= 0 && v < int64(n))
				require.False(t, seen[v], "duplicate %d (n=%d, seed=%d)", v, n, seed)
				seen[v] = true
			}
		}
	}
}

func TestDerangementTooSmall(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, n := range []int{0, 1} {
		_, err := Derangement(rng, n)
		assert.ErrorIs(t, err, ErrBatchTooSmall)
	}
}

func TestUniformCoordsRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	coords := uniformCoords(rng, 2, 5)
	assert.Len(t, coords, 2*5*5*2)
	for _, c := range coords {
		assert.GreaterOrEqual(t, c, float32(-1))
		assert.LessOrEqual(t, c, float32(1))
	}
}

func TestSalientCoords(t *testing.T) {
	vals := make([]float32, 2*4*4)
	vals[1*4+2] = 1 // batch 0: y=1, x=2
	vals[16+3*4+0] = 5 // batch 1: y=3, x=0
	sal := ts.MustOfSlice(vals).MustView([]int64{2, 4, 4}, true)
	defer sal.MustDrop()

	rng := rand.New(rand.NewPCG(5, 6))
	coords, err := salientCoords(rng, sal, 2, 3)
	require.NoError(t, err)
	require.Len(t, coords, 2*3*3*2)

	for k := 0; k < 9; k++ {
		assert.Equal(t, float32(0), coords[2*k])
		assert.Equal(t, float32(-0.5), coords[2*k+1])
	}
	for k := 9; k < 18; k++ {
		assert.Equal(t, float32(-1), coords[2*k])
		assert.Equal(t, float32(0.5), coords[2*k+1])
	}
}

func TestSalientCoordsBatchMismatch(t *testing.T) {
	sal := ts.MustZeros([]int64{3, 4, 4}, gotch.Float, gotch.CPU)
	defer sal.MustDrop()

	_, err := salientCoords(rand.New(rand.NewPCG(1, 1)), sal, 2, 3)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBlend(t *testing.T) {
	salient := []float32{1, 1, 1, 1}
	uniform := []float32{-1, -1, -1, -1}
	got := blend(salient, uniform, []float32{1, 0})
	assert.Equal(t, []float32{1, 1, -1, -1}, got)
}

func TestSampleAtPixelCentres(t *testing.T) {
	// (1, 1, 2, 3) field sampled at the corners of the frame
	field := ts.MustOfSlice([]float32{1, 2, 3, 4, 5, 6}).MustView([]int64{1, 1, 2, 3}, true)
	defer field.MustDrop()

	// grid (n, s, s, 2) of (x, y); Sample transposes the two grid axes
	coords := ts.MustOfSlice([]float32{-1, -1, -1, 1, 1, -1, 1, 1}).MustView([]int64{1, 2, 2, 2}, true)
	defer coords.MustDrop()

	out := Sample(field, coords)
	defer out.MustDrop()

	assert.Equal(t, []int64{1, 1, 2, 2}, out.MustSize())
	assert.Equal(t, []float64{1, 3, 4, 6}, out.Float64Values())
}
