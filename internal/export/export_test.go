package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/pkg/geometry"
)

type stubSource struct {
	byImg map[string]Details
	err   map[string]error
}

func (s stubSource) Details(img1, img2 string, p params.ParameterSet, alpha float64) (Details, error) {
	if err := s.err[img1]; err != nil {
		return Details{}, err
	}
	return s.byImg[img1], nil
}

// awkward has values whose shortest decimal form needs all 17 digits.
var awkward = geometry.Homography{
	{0.1 + 0.2, 1.0 / 3.0, 123.456789012345678},
	{math.Nextafter(1, 2), -2.5e-7, math.Pi},
	{1e-300, -math.SmallestNonzeroFloat64, 1},
}

func TestExportRoundTripIsBitExact(t *testing.T) {
	h := awkward
	rmse := 0.7071067811865476
	src := stubSource{byImg: map[string]Details{
		"a1.png": {
			H: &h, RMSE: &rmse, Inliers: 2, GoodMatches: 5,
			TotalKeypoints1: 100, TotalKeypoints2: 90, Cost: -2 + 0.1*rmse,
			PointsSrc: []geometry.Point2D{{X: 1.5, Y: 2.25}, {X: 3, Y: 4}},
			PointsDst: []geometry.Point2D{{X: 10.125, Y: 20}, {X: 30, Y: 40.5}},
		},
		"a2.png": {Cost: 1000, TotalKeypoints1: 3},
	}}
	ps := []pairs.Pair{{Img1: "a1.png", Img2: "b1.png"}, {Img1: "a2.png", Img2: "b2.png"}}

	p := params.Default()
	rec, err := ExportHomographies(ps, p, 0.12, src)
	require.NoError(t, err)
	require.Len(t, rec.Pairs, 2)

	path := filepath.Join(t.TempDir(), "homogs.json")
	require.NoError(t, WriteJSON(path, rec))
	back, err := ReadRecord(path)
	require.NoError(t, err)

	require.NotNil(t, back.Pairs[0].H)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			assert.Equal(t, math.Float64bits(awkward[r][c]), math.Float64bits(back.Pairs[0].H[r][c]), "H[%d][%d]", r, c)
		}
	}
	assert.Equal(t, rmse, *back.Pairs[0].RMSE)
	assert.Equal(t, [][2]float64{{1.5, 2.25}, {3, 4}}, back.Pairs[0].PointsSrc)

	assert.Nil(t, back.Pairs[1].H)
	assert.Nil(t, back.Pairs[1].RMSE)
	assert.Empty(t, back.Pairs[1].PointsSrc)

	got, err := back.ParameterSet()
	require.NoError(t, err)
	assert.Equal(t, p.Key(), got.Key())
	assert.Equal(t, 0.12, back.Alpha())
}

func TestNoHomographySerializesAsNull(t *testing.T) {
	src := stubSource{byImg: map[string]Details{"a.png": {Cost: 1000}}}
	rec, err := ExportHomographies([]pairs.Pair{{Img1: "a.png", Img2: "b.png"}}, params.Default(), 0.1, src)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSON(path, rec))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"H": null`)
	assert.Contains(t, string(data), `"rmse": null`)

	back, err := ReadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, "a.png", back.Pairs[0].Img1)
	assert.Equal(t, "ORB", back.Pairs[0].Detector)
	assert.Equal(t, "auto", back.Pairs[0].MatcherType)
	assert.Equal(t, []([2]float64){}, back.Pairs[0].PointsDst)
}

func TestExportNamesFailingPair(t *testing.T) {
	boom := errors.New("decode failed")
	src := stubSource{err: map[string]error{"bad.png": boom}}
	ps := []pairs.Pair{{Img1: "bad.png", Img2: "b.png"}}
	_, err := ExportHomographies(ps, params.Default(), 0.1, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad.png")
}

func TestExportRejectsInvalidParams(t *testing.T) {
	p := params.Default()
	p.RansacThresh = -1
	_, err := ExportHomographies(nil, p, 0.1, stubSource{})
	assert.ErrorIs(t, err, params.ErrInvalidParams)
}

func TestWriteGCPPoints(t *testing.T) {
	h := geometry.Homography{{1, 0, 10}, {0, 1, 5}, {0, 0, 1}}
	pr := PairRecord{
		H:         &h,
		PointsSrc: [][2]float64{{0, 0}, {2, 3}},
		PointsDst: [][2]float64{{10, 5}, {13, 8}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteGCPPoints(&buf, pr))

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, gcpHeader, rows[0])
	assert.Equal(t, []string{"10", "-5", "0", "0", "1", "0", "0", "0"}, rows[1])
	assert.Equal(t, []string{"13", "-8", "2", "-3", "1", "-1", "0", "1"}, rows[2])
}
