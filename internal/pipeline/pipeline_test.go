package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"autogeoref/internal/alignment"
	"autogeoref/internal/export"
	"autogeoref/internal/features"
	imgload "autogeoref/internal/image"
	"autogeoref/internal/matching"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/synth"
	"autogeoref/pkg/geometry"
)

func orbExhaustive() params.ParameterSet {
	p := params.Default()
	p.Matcher = params.MatcherExhaustive
	p.RatioThresh = 0.75
	p.RansacThresh = 3.0
	return p
}

func pointAt(x, y int) geometry.Point2D {
	return geometry.NewPoint2D(float64(x), float64(y))
}

func TestEvaluatePairSynthetic(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)

	s, err := EvaluatePair(ps[0].Img1, ps[0].Img2, orbExhaustive(), 0.1)
	require.NoError(t, err)
	require.True(t, s.Found())
	require.NotNil(t, s.RMSE)
	assert.GreaterOrEqual(t, s.Inliers, 10)
	assert.Less(t, *s.RMSE, 3.0)
	assert.InDelta(t, 1.0, s.H[2][2], 1e-9)
	assert.Greater(t, s.TotalKeypoints1, 0)
	assert.Greater(t, s.TotalKeypoints2, 0)
	assert.LessOrEqual(t, s.Inliers, s.GoodMatches)
	assert.InDelta(t, alignment.Cost(true, s.Inliers, *s.RMSE, 0.1), s.Cost, 1e-12)
}

func TestEvaluatePairRecoversTransform(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)

	s, err := EvaluatePair(ps[0].Img1, ps[0].Img2, orbExhaustive(), 0.1)
	require.NoError(t, err)
	require.True(t, s.Found())

	// Image centre should land within a few pixels of the true projection.
	c := synth.TrueH1
	want, ok := c.Apply(pointAt(synth.Width/2, synth.Height/2))
	require.True(t, ok)
	got, ok := s.H.Apply(pointAt(synth.Width/2, synth.Height/2))
	require.True(t, ok)
	assert.Less(t, got.Distance(want), 5.0)
}

func TestEvaluatePairDetailedInlierLists(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)

	d, err := EvaluatePairDetailed(ps[1].Img1, ps[1].Img2, orbExhaustive(), 0.1)
	require.NoError(t, err)
	require.True(t, d.Found())
	assert.Len(t, d.InlierSrc, d.Inliers)
	assert.Len(t, d.InlierDst, d.Inliers)
	assert.Len(t, d.Mask, len(d.Matches))
	assert.Equal(t, d.GoodMatches, len(d.Matches))
}

func TestBlankImagesAreNoSolution(t *testing.T) {
	blank := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 0, 0, 0), 240, 320, gocv.MatTypeCV8U)
	defer blank.Close()

	d, err := EvaluateMats(blank, blank, orbExhaustive(), 0.1)
	require.NoError(t, err)
	assert.False(t, d.Found())
	assert.Nil(t, d.RMSE)
	assert.Zero(t, d.Inliers)
	assert.Equal(t, alignment.NoHomographyPenalty, d.Cost)
	assert.Equal(t, alignment.ReasonInsufficient, d.Reason)
}

func TestRMSEPresentOnlyWithHomography(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 11)
	require.NoError(t, err)

	type imagePair struct {
		name       string
		img1, img2 gocv.Mat
	}
	var inputs []imagePair
	for i, p := range ps {
		a, err := imgload.ReadGray(p.Img1)
		require.NoError(t, err)
		defer a.Close()
		b, err := imgload.ReadGray(p.Img2)
		require.NoError(t, err)
		defer b.Close()
		inputs = append(inputs, imagePair{fmt.Sprintf("synth%d", i+1), a, b})
	}
	blank := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 0, 0, 0), 240, 320, gocv.MatTypeCV8U)
	defer blank.Close()
	inputs = append(inputs, imagePair{"blank", blank, blank})

	rng := rand.New(rand.NewSource(7))
	for _, kind := range []params.DetectorKind{params.DetectorORB, params.DetectorSIFT, params.DetectorAKAZE} {
		for _, mk := range []params.MatcherKind{params.MatcherExhaustive, params.MatcherApproximate, params.MatcherAutomatic} {
			cfg, err := params.DefaultDetectorConfig(kind)
			require.NoError(t, err)
			p := params.Default()
			p.Detector = cfg
			p.Matcher = mk
			p.RatioThresh = 0.95 - 0.45*rng.Float64()
			p.RansacThresh = 1 + 5*rng.Float64()

			for _, in := range inputs {
				t.Run(fmt.Sprintf("%s/%s/%s", kind, mk, in.name), func(t *testing.T) {
					d, err := EvaluateMats(in.img1, in.img2, p, 0.1)
					require.NoError(t, err)
					s := d.Summary

					assert.Equal(t, s.H != nil && s.Inliers >= 1, s.RMSE != nil,
						"ratio %.3f ransac %.3f inliers %d", p.RatioThresh, p.RansacThresh, s.Inliers)
					assert.False(t, math.IsNaN(s.Cost) || math.IsInf(s.Cost, 0), "cost %v", s.Cost)
					assert.LessOrEqual(t, s.Inliers, s.GoodMatches)
					if s.RMSE != nil {
						assert.InDelta(t, alignment.Cost(true, s.Inliers, *s.RMSE, 0.1), s.Cost, 1e-9)
					} else {
						assert.Equal(t, alignment.Cost(false, s.Inliers, 0, 0.1), s.Cost)
					}
				})
			}
		}
	}
}

func TestScoreFewMatchesIsNoSolution(t *testing.T) {
	kps := []features.Keypoint{{X: 1, Y: 1}, {X: 50, Y: 5}, {X: 10, Y: 80}}
	rows := [][]byte{{0x00}, {0x0F}, {0xF0}}
	set := features.KeypointSet{Keypoints: kps, Descriptors: features.NewBinaryDescriptors(rows)}

	m, err := matching.New(params.MatcherExhaustive, features.Binary)
	require.NoError(t, err)
	d, err := Score(set, set, m, orbExhaustive(), 0.1)
	require.NoError(t, err)
	assert.False(t, d.Found())
	assert.Nil(t, d.H)
	assert.Nil(t, d.RMSE)
	assert.Equal(t, 3, d.TotalKeypoints1)
}

func TestEvaluatePairErrors(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)

	_, err = EvaluatePair(filepath.Join(t.TempDir(), "missing.png"), ps[0].Img2, orbExhaustive(), 0.1)
	assert.ErrorIs(t, err, imgload.ErrUnreadableImage)

	bad := orbExhaustive()
	bad.RatioThresh = 0
	_, err = EvaluatePair(ps[0].Img1, ps[0].Img2, bad, 0.1)
	assert.ErrorIs(t, err, params.ErrInvalidParams)

	bad = orbExhaustive()
	bad.Matcher = "hnsw"
	_, err = EvaluatePair(ps[0].Img1, ps[0].Img2, bad, 0.1)
	assert.ErrorIs(t, err, params.ErrUnknownMatcher)
}

func TestEvaluatorAdapter(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)

	out, err := Evaluator{}.Evaluate(context.Background(), pairs.Pair{Img1: ps[0].Img1, Img2: ps[0].Img2}, orbExhaustive(), 0.1)
	require.NoError(t, err)
	assert.Less(t, out.Cost, 0.0)
	assert.GreaterOrEqual(t, out.Inliers, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluator{}.Evaluate(ctx, pairs.Pair{Img1: ps[0].Img1, Img2: ps[0].Img2}, orbExhaustive(), 0.1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKFoldClampEndToEnd(t *testing.T) {
	dir := t.TempDir()
	_, err := synth.WritePairs(dir, 5)
	require.NoError(t, err)
	ps, err := pairs.Load(filepath.Join(dir, "pairs.txt"))
	require.NoError(t, err)
	require.Len(t, ps, 2)

	opts := optimizer.DefaultOptions()
	opts.Mode = optimizer.ModeKFold
	opts.NSplits = 5
	grid := params.Grid{
		params.KeyDetector:     {"ORB"},
		params.KeyMatcherType:  {"bf"},
		params.KeyRatioThresh:  {0.75},
		params.KeyRansacThresh: {3.0},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := optimizer.New(grid, opts, Evaluator{}, logger)
	require.NoError(t, err)

	best, rep, err := o.Search(context.Background(), ps)
	require.NoError(t, err)
	require.NotNil(t, best.Detector)
	assert.Equal(t, params.DetectorORB, best.Detector.Kind())
	assert.Equal(t, 2, rep.NSplits)
	assert.Equal(t, "kfold", rep.CVMode)
}

func TestExportWithPipeline(t *testing.T) {
	ps, err := synth.WritePairs(t.TempDir(), 3)
	require.NoError(t, err)
	list := []pairs.Pair{{Img1: ps[0].Img1, Img2: ps[0].Img2}, {Img1: ps[1].Img1, Img2: ps[1].Img2}}

	rec, err := export.ExportHomographies(list, orbExhaustive(), 0.1, Evaluator{})
	require.NoError(t, err)
	require.Len(t, rec.Pairs, 2)
	for _, pr := range rec.Pairs {
		require.NotNil(t, pr.H)
		assert.Len(t, pr.PointsSrc, pr.Inliers)
		assert.Len(t, pr.PointsDst, pr.Inliers)
	}
}
