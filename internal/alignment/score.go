package alignment

import (
	"math"

	"autogeoref/pkg/geometry"
)

// NoHomographyPenalty is the cost base when no homography is found. It also
// serves as the worst-case finite cost of a failed evaluation.
const NoHomographyPenalty = 1000.0

// ReprojectionRMSE returns the root mean square forward reprojection error of
// the inliers selected by mask. ok is false when there are no inliers.
func ReprojectionRMSE(src, dst []geometry.Point2D, h geometry.Homography, mask []bool) (float64, bool) {
	var sum float64
	n := 0
	for i := range src {
		if i >= len(mask) || !mask[i] {
			continue
		}
		p, ok := h.Apply(src[i])
		if !ok {
			continue
		}
		sum += p.DistanceSq(dst[i])
		n++
	}
	if n == 0 {
		return 0, false
	}
	return math.Sqrt(sum / float64(n)), true
}

// Cost scores a fit; lower is better. With a homography it is
// -inliers + alpha*rmse, otherwise NoHomographyPenalty - inliers.
func Cost(found bool, inliers int, rmse, alpha float64) float64 {
	if !found {
		return NoHomographyPenalty - float64(inliers)
	}
	return -float64(inliers) + alpha*rmse
}
