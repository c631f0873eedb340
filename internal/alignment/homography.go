// Package alignment fits homographies to point correspondences and scores
// the fits.
package alignment

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"autogeoref/pkg/geometry"
)

// MinCorrespondences is the smallest sample that determines a homography.
const MinCorrespondences = 4

// Reasons reported when no homography is found.
const (
	ReasonInsufficient = "insufficient correspondences"
	ReasonNoConsensus  = "no consistent model"
)

// RANSACOptions configures EstimateHomography.
type RANSACOptions struct {
	Threshold     float64 // max forward reprojection error of an inlier, in pixels
	Confidence    float64
	MaxIterations int
	Seed          int64
}

// DefaultRANSACOptions returns confidence 0.999 and at most 2000 iterations.
func DefaultRANSACOptions(threshold float64) RANSACOptions {
	return RANSACOptions{
		Threshold:     threshold,
		Confidence:    0.999,
		MaxIterations: 2000,
		Seed:          1,
	}
}

// HomographyOutcome is either Found, with H, Mask and Inliers set, or not
// found, with Reason set. Mask[i] is true when correspondence i is an inlier
// of H. Every inlier maps within the threshold under H.
type HomographyOutcome struct {
	Found   bool
	H       geometry.Homography
	Mask    []bool
	Inliers int
	Reason  string
}

// NotFound returns an outcome carrying no model.
func NotFound(reason string) HomographyOutcome {
	return HomographyOutcome{Reason: reason}
}

// EstimateHomography fits a homography mapping src onto dst with RANSAC.
// Samples of four correspondences are solved with the normalized DLT, the
// best consensus set is refit by least squares, and the returned matrix is
// scaled so that H[2][2] == 1.
// Only mismatched input lengths are errors; failing to fit is an outcome.
func EstimateHomography(src, dst []geometry.Point2D, opts RANSACOptions) (HomographyOutcome, error) {
	if len(src) != len(dst) {
		return HomographyOutcome{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < MinCorrespondences {
		return NotFound(ReasonInsufficient), nil
	}
	if opts.Threshold <= 0 {
		return HomographyOutcome{}, fmt.Errorf("ransac threshold must be positive, got %g", opts.Threshold)
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = 0.999
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 2000
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	thresholdSq := opts.Threshold * opts.Threshold

	var (
		bestH     geometry.Homography
		bestCount int
		sample    = make([]int, MinCorrespondences)
		s         = make([]geometry.Point2D, MinCorrespondences)
		d         = make([]geometry.Point2D, MinCorrespondences)
	)

	maxIter := opts.MaxIterations
	for iter := 0; iter < maxIter; iter++ {
		pickDistinct(rng, n, sample)
		for i, idx := range sample {
			s[i] = src[idx]
			d[i] = dst[idx]
		}
		if geometry.AnyThreeCollinear(s, 1e-2) || geometry.AnyThreeCollinear(d, 1e-2) {
			continue
		}

		h, ok := solveDLT(s, d)
		if !ok {
			continue
		}

		count := countInliers(h, src, dst, thresholdSq, nil)
		if count > bestCount {
			bestCount = count
			bestH = h
			outlierRatio := 1 - float64(count)/float64(n)
			maxIter = updateIterations(opts.Confidence, outlierRatio, MinCorrespondences, maxIter)
		}
	}

	if bestCount < MinCorrespondences {
		return NotFound(ReasonNoConsensus), nil
	}

	mask := make([]bool, n)
	countInliers(bestH, src, dst, thresholdSq, mask)

	// Refit on the consensus set; keep it only if it does not lose inliers.
	inSrc, inDst := selectMasked(src, mask), selectMasked(dst, mask)
	if refit, ok := solveDLT(inSrc, inDst); ok {
		if countInliers(refit, src, dst, thresholdSq, nil) >= bestCount {
			bestH = refit
		}
	}

	h, ok := bestH.Normalize()
	if !ok || !h.IsFinite() {
		return NotFound(ReasonNoConsensus), nil
	}

	mask = make([]bool, n)
	count := countInliers(h, src, dst, thresholdSq, mask)
	if count < MinCorrespondences {
		return NotFound(ReasonNoConsensus), nil
	}

	return HomographyOutcome{Found: true, H: h, Mask: mask, Inliers: count}, nil
}

// countInliers counts correspondences whose forward error is strictly below
// the threshold, filling mask when it is non-nil.
func countInliers(h geometry.Homography, src, dst []geometry.Point2D, thresholdSq float64, mask []bool) int {
	count := 0
	for i := range src {
		p, ok := h.Apply(src[i])
		in := ok && p.DistanceSq(dst[i]) < thresholdSq
		if mask != nil {
			mask[i] = in
		}
		if in {
			count++
		}
	}
	return count
}

func selectMasked(pts []geometry.Point2D, mask []bool) []geometry.Point2D {
	out := make([]geometry.Point2D, 0, len(pts))
	for i, in := range mask {
		if in {
			out = append(out, pts[i])
		}
	}
	return out
}

// pickDistinct fills out with distinct indices in [0, n).
func pickDistinct(rng *rand.Rand, n int, out []int) {
	for i := 0; i < len(out); {
		v := rng.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if out[j] == v {
				dup = true
				break
			}
		}
		if !dup {
			out[i] = v
			i++
		}
	}
}

// updateIterations returns the number of iterations needed to draw an
// all-inlier sample with the given confidence, never more than maxIter.
func updateIterations(confidence, outlierRatio float64, sampleSize, maxIter int) int {
	outlierRatio = math.Max(outlierRatio, 0)
	outlierRatio = math.Min(outlierRatio, 1)

	num := math.Log(1 - confidence)
	denom := math.Log(1 - math.Pow(1-outlierRatio, float64(sampleSize)))
	if math.IsInf(denom, -1) {
		return 0
	}
	if denom >= 0 || -num >= float64(maxIter)*(-denom) {
		return maxIter
	}
	return int(math.Round(num / denom))
}

// solveDLT solves for the homography mapping src onto dst with the
// normalized direct linear transform. Four or more points are required.
func solveDLT(src, dst []geometry.Point2D) (geometry.Homography, bool) {
	n := len(src)
	if n < MinCorrespondences || n != len(dst) {
		return geometry.Homography{}, false
	}

	t1, ok := normalizingTransform(src)
	if !ok {
		return geometry.Homography{}, false
	}
	t2, ok := normalizingTransform(dst)
	if !ok {
		return geometry.Homography{}, false
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		p, _ := t1.Apply(src[i])
		q, _ := t2.Apply(dst[i])
		x, y, u, v := p.X, p.Y, q.X, q.Y

		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return geometry.Homography{}, false
	}
	var vm mat.Dense
	svd.VTo(&vm)

	// null vector: right singular vector of the smallest singular value
	var hn geometry.Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			hn[r][c] = vm.At(r*3+c, 8)
		}
	}

	t2inv, ok := t2.Inverse()
	if !ok {
		return geometry.Homography{}, false
	}
	h := t2inv.Compose(hn.Compose(t1))
	h, ok = h.Normalize()
	if !ok || !h.IsFinite() {
		return geometry.Homography{}, false
	}
	return h, true
}

// normalizingTransform moves the centroid to the origin and scales the mean
// distance from it to sqrt(2).
func normalizingTransform(pts []geometry.Point2D) (geometry.Homography, bool) {
	c := geometry.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	if mean < 1e-12 {
		return geometry.Homography{}, false
	}
	s := math.Sqrt2 / mean
	return geometry.Homography{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}, true
}
