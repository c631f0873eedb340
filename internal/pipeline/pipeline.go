// Package pipeline runs the single-pair evaluation: load, detect, match,
// ratio-test, fit a homography and score it.
package pipeline

import (
	"fmt"

	"gocv.io/x/gocv"

	"autogeoref/internal/alignment"
	"autogeoref/internal/detector"
	"autogeoref/internal/features"
	imgload "autogeoref/internal/image"
	"autogeoref/internal/matching"
	"autogeoref/internal/params"
	"autogeoref/pkg/geometry"
)

// KnnNeighbours is the neighbour count the ratio test needs.
const KnnNeighbours = 2

// Summary is the result of one evaluation. H and RMSE are nil when no
// homography was found; RMSE is non-nil exactly when H is.
type Summary struct {
	H               *geometry.Homography `json:"H"`
	Inliers         int                  `json:"inliers"`
	RMSE            *float64             `json:"rmse"`
	TotalKeypoints1 int                  `json:"total_keypoints_img1"`
	TotalKeypoints2 int                  `json:"total_keypoints_img2"`
	GoodMatches     int                  `json:"good_matches"`
	Cost            float64              `json:"cost"`
}

// Found reports whether a homography was fitted.
func (s Summary) Found() bool {
	return s.H != nil
}

// Detail extends Summary with the data needed for rendering and export.
type Detail struct {
	Summary
	// InlierSrc[i] in image 1 corresponds to InlierDst[i] in image 2.
	InlierSrc []geometry.Point2D `json:"points_src"`
	InlierDst []geometry.Point2D `json:"points_dst"`

	Matches    []matching.Match    `json:"-"`
	Mask       []bool              `json:"-"`
	Keypoints1 []features.Keypoint `json:"-"`
	Keypoints2 []features.Keypoint `json:"-"`
	Reason     string              `json:"reason,omitempty"`
}

// EvaluatePair runs the pipeline on two image files.
func EvaluatePair(img1, img2 string, p params.ParameterSet, alpha float64) (Summary, error) {
	d, err := EvaluatePairDetailed(img1, img2, p, alpha)
	if err != nil {
		return Summary{}, err
	}
	return d.Summary, nil
}

// EvaluatePairDetailed runs the pipeline and also returns the inlier
// coordinates, matches and keypoints.
//
// Configuration problems (unknown detector or matcher, invalid knobs) and
// unreadable images are errors. Failing to find a homography is not: the
// result then has nil H and RMSE and the no-homography cost.
func EvaluatePairDetailed(img1, img2 string, p params.ParameterSet, alpha float64) (Detail, error) {
	if err := p.Validate(); err != nil {
		return Detail{}, err
	}

	gray1, err := imgload.ReadGray(img1)
	if err != nil {
		return Detail{}, err
	}
	defer gray1.Close()

	gray2, err := imgload.ReadGray(img2)
	if err != nil {
		return Detail{}, err
	}
	defer gray2.Close()

	return EvaluateMats(gray1, gray2, p, alpha)
}

// EvaluateMats runs the pipeline on two already loaded grayscale images.
// The Mats are not closed.
func EvaluateMats(gray1, gray2 gocv.Mat, p params.ParameterSet, alpha float64) (Detail, error) {
	if err := p.Validate(); err != nil {
		return Detail{}, err
	}

	det, err := detector.New(p.Detector)
	if err != nil {
		return Detail{}, err
	}
	defer det.Close()

	m, err := matching.New(p.Matcher, det.DescriptorType())
	if err != nil {
		return Detail{}, err
	}

	set1, err := det.DetectAndDescribe(gray1)
	if err != nil {
		return Detail{}, fmt.Errorf("image 1: %w", err)
	}
	set2, err := det.DetectAndDescribe(gray2)
	if err != nil {
		return Detail{}, fmt.Errorf("image 2: %w", err)
	}

	return Score(set1, set2, m, p, alpha)
}

// Score matches two keypoint sets and fits and scores a homography.
func Score(set1, set2 features.KeypointSet, m matching.Matcher, p params.ParameterSet, alpha float64) (Detail, error) {
	d := Detail{
		Summary: Summary{
			TotalKeypoints1: set1.Len(),
			TotalKeypoints2: set2.Len(),
		},
		Keypoints1: set1.Keypoints,
		Keypoints2: set2.Keypoints,
	}

	knn, err := m.KnnMatch(set1.Descriptors, set2.Descriptors, KnnNeighbours)
	if err != nil {
		return Detail{}, fmt.Errorf("match: %w", err)
	}
	good := matching.RatioTest(knn, p.RatioThresh)
	d.Matches = good
	d.GoodMatches = len(good)

	src := make([]geometry.Point2D, len(good))
	dst := make([]geometry.Point2D, len(good))
	for i, gm := range good {
		src[i] = set1.Keypoints[gm.QueryIdx].Point()
		dst[i] = set2.Keypoints[gm.TrainIdx].Point()
	}

	out, err := alignment.EstimateHomography(src, dst, alignment.DefaultRANSACOptions(p.RansacThresh))
	if err != nil {
		return Detail{}, err
	}
	if !out.Found {
		d.Reason = out.Reason
		d.Cost = alignment.Cost(false, 0, 0, alpha)
		return d, nil
	}

	rmse, ok := alignment.ReprojectionRMSE(src, dst, out.H, out.Mask)
	if !ok {
		d.Reason = alignment.ReasonNoConsensus
		d.Cost = alignment.Cost(false, 0, 0, alpha)
		return d, nil
	}

	h := out.H
	d.H = &h
	d.RMSE = &rmse
	d.Inliers = out.Inliers
	d.Mask = out.Mask
	d.Cost = alignment.Cost(true, out.Inliers, rmse, alpha)
	for i, in := range out.Mask {
		if in {
			d.InlierSrc = append(d.InlierSrc, src[i])
			d.InlierDst = append(d.InlierDst, dst[i])
		}
	}
	return d, nil
}
