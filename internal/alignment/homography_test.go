package alignment

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autogeoref/pkg/geometry"
)

var trueH = geometry.Homography{
	{0.96, -0.04, 30.0},
	{0.05, 0.98, 22.0},
	{1e-4, -1e-4, 1.0},
}

// correspondences maps n random points through h, then replaces the last
// outliers destinations with random points.
func correspondences(t *testing.T, rng *rand.Rand, h geometry.Homography, n, outliers int, noise float64) ([]geometry.Point2D, []geometry.Point2D) {
	t.Helper()
	src := make([]geometry.Point2D, n)
	dst := make([]geometry.Point2D, n)
	for i := 0; i < n; i++ {
		src[i] = geometry.Point2D{X: rng.Float64() * 640, Y: rng.Float64() * 480}
		p, ok := h.Apply(src[i])
		require.True(t, ok)
		dst[i] = geometry.Point2D{X: p.X + rng.NormFloat64()*noise, Y: p.Y + rng.NormFloat64()*noise}
	}
	for i := n - outliers; i < n; i++ {
		dst[i] = geometry.Point2D{X: rng.Float64() * 640, Y: rng.Float64() * 480}
	}
	return src, dst
}

func TestEstimateHomographyExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, dst := correspondences(t, rng, trueH, 50, 0, 0)

	out, err := EstimateHomography(src, dst, DefaultRANSACOptions(3))
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, 50, out.Inliers)
	assert.Equal(t, 1.0, out.H[2][2])
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, trueH[r][c], out.H[r][c], 1e-6*math.Max(1, math.Abs(trueH[r][c])))
		}
	}
}

func TestEstimateHomographyWithOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	src, dst := correspondences(t, rng, trueH, 120, 40, 0.5)

	out, err := EstimateHomography(src, dst, DefaultRANSACOptions(3))
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.GreaterOrEqual(t, out.Inliers, 78)
	assert.LessOrEqual(t, out.Inliers, 85)

	rmse, ok := ReprojectionRMSE(src, dst, out.H, out.Mask)
	require.True(t, ok)
	assert.Less(t, rmse, 3.0)
	assert.Less(t, rmse, 1.5)
}

func TestEstimateHomographyInsufficient(t *testing.T) {
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	out, err := EstimateHomography(src, src, DefaultRANSACOptions(3))
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.Equal(t, ReasonInsufficient, out.Reason)
	assert.Nil(t, out.Mask)
}

func TestEstimateHomographyDegenerate(t *testing.T) {
	// all points on one line
	src := make([]geometry.Point2D, 10)
	for i := range src {
		src[i] = geometry.Point2D{X: float64(i * 10), Y: float64(i * 5)}
	}
	out, err := EstimateHomography(src, src, DefaultRANSACOptions(3))
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.Equal(t, ReasonNoConsensus, out.Reason)
}

func TestEstimateHomographyLengthMismatch(t *testing.T) {
	_, err := EstimateHomography(make([]geometry.Point2D, 4), make([]geometry.Point2D, 5), DefaultRANSACOptions(3))
	assert.Error(t, err)
}

func TestEstimateHomographyDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src, dst := correspondences(t, rng, trueH, 60, 20, 1)

	a, err := EstimateHomography(src, dst, DefaultRANSACOptions(2))
	require.NoError(t, err)
	b, err := EstimateHomography(src, dst, DefaultRANSACOptions(2))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// Every found model reports an RMSE strictly below the threshold and at
// least one inlier, whatever the correspondences look like.
func TestRMSEInvariantOnRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(30)
		outliers := 0
		if n > 0 {
			outliers = rng.Intn(n + 1)
		}
		threshold := 0.5 + rng.Float64()*5
		src, dst := correspondences(t, rng, trueH, n, outliers, rng.Float64()*4)

		out, err := EstimateHomography(src, dst, DefaultRANSACOptions(threshold))
		require.NoError(t, err)
		if !out.Found {
			assert.Nil(t, out.Mask)
			continue
		}
		require.GreaterOrEqual(t, out.Inliers, MinCorrespondences)
		rmse, ok := ReprojectionRMSE(src, dst, out.H, out.Mask)
		require.True(t, ok)
		assert.Less(t, rmse, threshold, "trial %d", trial)
	}
}

func TestUpdateIterations(t *testing.T) {
	assert.Equal(t, 2000, updateIterations(0.999, 0.99, 4, 2000))
	assert.Equal(t, 0, updateIterations(0.999, 0, 4, 2000))
	got := updateIterations(0.999, 0.5, 4, 2000)
	assert.InDelta(t, 107, got, 1)
}
