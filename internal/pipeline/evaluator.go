package pipeline

import (
	"context"

	"autogeoref/internal/export"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
)

// Evaluator adapts the pair pipeline to the optimizer and the exporter.
type Evaluator struct{}

func (Evaluator) Evaluate(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (optimizer.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return optimizer.Outcome{}, err
	}
	s, err := EvaluatePair(pair.Img1, pair.Img2, p, alpha)
	if err != nil {
		return optimizer.Outcome{}, err
	}
	return optimizer.Outcome{Cost: s.Cost, Inliers: s.Inliers}, nil
}

func (Evaluator) Details(img1, img2 string, p params.ParameterSet, alpha float64) (export.Details, error) {
	d, err := EvaluatePairDetailed(img1, img2, p, alpha)
	if err != nil {
		return export.Details{}, err
	}
	return d.ExportDetails(), nil
}

// ExportDetails returns the subset of d that is written to export files.
func (d Detail) ExportDetails() export.Details {
	return export.Details{
		H:               d.H,
		RMSE:            d.RMSE,
		Inliers:         d.Inliers,
		GoodMatches:     d.GoodMatches,
		TotalKeypoints1: d.TotalKeypoints1,
		TotalKeypoints2: d.TotalKeypoints2,
		Cost:            d.Cost,
		PointsSrc:       d.InlierSrc,
		PointsDst:       d.InlierDst,
	}
}
