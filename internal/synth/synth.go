// Package synth draws synthetic image pairs related by a known homography.
// The pairs drive the end-to-end tests and the synthpairs tool.
package synth

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"autogeoref/pkg/geometry"
)

// Canvas size of the base scene.
const (
	Width  = 640
	Height = 480
)

// Reference transforms for the two generated pairs.
var (
	TrueH1 = geometry.Homography{
		{0.96, -0.04, 30.0},
		{0.05, 0.98, 22.0},
		{1e-4, -1e-4, 1.0},
	}
	TrueH2 = geometry.Homography{
		{1.02, 0.02, -20.0},
		{-0.03, 0.97, 15.0},
		{8e-5, 6e-5, 1.0},
	}
)

func gray(v uint8) color.RGBA {
	return color.RGBA{R: v, G: v, B: v, A: 255}
}

// BaseScene draws the reference scene: a frame, two rows of discs, a text
// label and a seeded scatter of small blocks for corner texture. The caller
// owns the Mat.
func BaseScene(seed int64) gocv.Mat {
	base := gocv.NewMatWithSize(Height, Width, gocv.MatTypeCV8U)
	base.SetTo(gocv.NewScalar(0, 0, 0, 0))

	gocv.Rectangle(&base, image.Rect(80, 60, 560, 420), gray(200), 3)
	for i := 0; i < 6; i++ {
		gocv.Circle(&base, image.Pt(120+i*80, 120), 18, gray(255), -1)
	}
	for i := 0; i < 5; i++ {
		gocv.Circle(&base, image.Pt(140+i*90, 360), 14, gray(180), -1)
	}
	gocv.PutText(&base, "TEST FM", image.Pt(210, 260), gocv.FontHersheySimplex, 1.8, gray(220), 3)

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 60; i++ {
		x := 100 + rng.Intn(440)
		y := 150 + rng.Intn(180)
		w := 6 + rng.Intn(14)
		h := 6 + rng.Intn(14)
		v := uint8(90 + rng.Intn(160))
		gocv.Rectangle(&base, image.Rect(x, y, x+w, y+h), gray(v), -1)
	}
	return base
}

// Warp applies h to src on a canvas of the same size.
func Warp(src gocv.Mat, h geometry.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r][c])
		}
	}
	dst := gocv.NewMat()
	gocv.WarpPerspective(src, &dst, m, image.Pt(src.Cols(), src.Rows()))
	return dst
}

// AddNoise adds clipped Gaussian noise with the given sigma to an 8-bit
// single-channel Mat in place.
func AddNoise(m *gocv.Mat, sigma float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			v := float64(m.GetUCharAt(r, c)) + rng.NormFloat64()*sigma
			v = math.Max(0, math.Min(255, math.Round(v)))
			m.SetUCharAt(r, c, uint8(v))
		}
	}
}

// Pair names the two files of a generated pair and the transform between them.
type Pair struct {
	Img1 string
	Img2 string
	H    geometry.Homography
}

// WritePairs writes A1/B1 (clean) and A2/B2 (noisy) under dir/data and a
// pairs.txt listing them, and returns the pairs.
func WritePairs(dir string, seed int64) ([]Pair, error) {
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dataDir, err)
	}

	base := BaseScene(seed)
	defer base.Close()

	w1 := Warp(base, TrueH1)
	defer w1.Close()
	w2 := Warp(base, TrueH2)
	defer w2.Close()
	AddNoise(&w2, 3, seed+1)

	pairs := []Pair{
		{Img1: filepath.Join(dataDir, "A1.png"), Img2: filepath.Join(dataDir, "B1.png"), H: TrueH1},
		{Img1: filepath.Join(dataDir, "A2.png"), Img2: filepath.Join(dataDir, "B2.png"), H: TrueH2},
	}
	writes := []struct {
		path string
		mat  gocv.Mat
	}{
		{pairs[0].Img1, base}, {pairs[0].Img2, w1},
		{pairs[1].Img1, base}, {pairs[1].Img2, w2},
	}
	for _, w := range writes {
		if ok := gocv.IMWrite(w.path, w.mat); !ok {
			return nil, fmt.Errorf("write %s failed", w.path)
		}
	}

	f, err := os.Create(filepath.Join(dir, "pairs.txt"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	for _, p := range pairs {
		rel1, _ := filepath.Rel(dir, p.Img1)
		rel2, _ := filepath.Rel(dir, p.Img2)
		if _, err := fmt.Fprintf(f, "%s; %s\n", filepath.ToSlash(rel1), filepath.ToSlash(rel2)); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}
