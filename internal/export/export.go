// Package export writes per-pair homographies and inlier correspondences
// for a chosen configuration.
package export

import (
	"encoding/json"
	"fmt"
	"os"

	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/pkg/geometry"
)

// KeyAlphaRMSE is the extra key stored next to the parameter dictionary.
const KeyAlphaRMSE = "alpha_rmse"

// Details is the detailed evaluation of one pair.
type Details struct {
	H               *geometry.Homography
	RMSE            *float64
	Inliers         int
	GoodMatches     int
	TotalKeypoints1 int
	TotalKeypoints2 int
	Cost            float64
	PointsSrc       []geometry.Point2D
	PointsDst       []geometry.Point2D
}

// Source computes Details for a pair.
type Source interface {
	Details(img1, img2 string, p params.ParameterSet, alpha float64) (Details, error)
}

// PairRecord is one exported pair. H and RMSE are null when no homography
// was found.
type PairRecord struct {
	Img1         string  `json:"img1"`
	Img2         string  `json:"img2"`
	Detector     string  `json:"detector"`
	MatcherType  string  `json:"matcher_type"`
	RatioThresh  float64 `json:"ratio_thresh"`
	RansacThresh float64 `json:"ransac_thresh"`
	AlphaRMSE    float64 `json:"alpha_rmse"`

	H               *geometry.Homography `json:"H"`
	RMSE            *float64             `json:"rmse"`
	Inliers         int                  `json:"inliers"`
	GoodMatches     int                  `json:"good_matches"`
	TotalKeypoints1 int                  `json:"total_keypoints_img1"`
	TotalKeypoints2 int                  `json:"total_keypoints_img2"`
	Cost            float64              `json:"cost"`

	PointsSrc [][2]float64 `json:"points_src"`
	PointsDst [][2]float64 `json:"points_dst"`
}

// Record is the exported document.
type Record struct {
	Params map[string]any `json:"params"`
	Pairs  []PairRecord   `json:"pairs"`
}

// ParameterSet rebuilds the parameter set stored in the record.
func (r *Record) ParameterSet() (params.ParameterSet, error) {
	m := make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		if k != KeyAlphaRMSE {
			m[k] = v
		}
	}
	return params.FromMap(m)
}

// Alpha returns the stored RMSE weight, or 0 if absent.
func (r *Record) Alpha() float64 {
	a, _ := r.Params[KeyAlphaRMSE].(float64)
	return a
}

// ExportHomographies evaluates every pair with p. The first hard error
// aborts the export and names the pair.
func ExportHomographies(ps []pairs.Pair, p params.ParameterSet, alpha float64, src Source) (*Record, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	flat := p.ToMap()
	flat[KeyAlphaRMSE] = alpha
	rec := &Record{Params: flat, Pairs: make([]PairRecord, 0, len(ps))}

	for _, pair := range ps {
		d, err := src.Details(pair.Img1, pair.Img2, p, alpha)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair, err)
		}
		rec.Pairs = append(rec.Pairs, NewPairRecord(pair, p, alpha, d))
	}
	return rec, nil
}

// NewPairRecord converts one evaluation into its exported form.
func NewPairRecord(pair pairs.Pair, p params.ParameterSet, alpha float64, d Details) PairRecord {
	det := ""
	if p.Detector != nil {
		det = string(p.Detector.Kind())
	}
	pr := PairRecord{
		Img1:            pair.Img1,
		Img2:            pair.Img2,
		Detector:        det,
		MatcherType:     string(p.Matcher),
		RatioThresh:     p.RatioThresh,
		RansacThresh:    p.RansacThresh,
		AlphaRMSE:       alpha,
		H:               d.H,
		RMSE:            d.RMSE,
		Inliers:         d.Inliers,
		GoodMatches:     d.GoodMatches,
		TotalKeypoints1: d.TotalKeypoints1,
		TotalKeypoints2: d.TotalKeypoints2,
		Cost:            d.Cost,
		PointsSrc:       toPairs(d.PointsSrc),
		PointsDst:       toPairs(d.PointsDst),
	}
	return pr
}

func toPairs(pts []geometry.Point2D) [][2]float64 {
	out := make([][2]float64, 0, len(pts))
	for _, p := range pts {
		out = append(out, p.MarshalPair())
	}
	return out
}

// WriteJSON writes v as indented JSON. Floats use the shortest decimal
// form that parses back to the same float64.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadRecord loads a record written by WriteJSON.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rec, nil
}
