// Command aligntest runs the matching pipeline on an image pair and prints results.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"autogeoref/internal/params"
	"autogeoref/internal/pipeline"
	"autogeoref/pkg/geometry"
)

func main() {
	a := flag.String("a", "", "Path to first image")
	b := flag.String("b", "", "Path to second image")
	det := flag.String("d", "ORB", "Detector (ORB, SIFT, AKAZE or all)")
	matcher := flag.String("m", "auto", "Matcher (auto, bf, flann)")
	ratio := flag.Float64("ratio", params.DefaultRatioThresh, "Lowe ratio threshold")
	ransac := flag.Float64("ransac", params.DefaultRansacThresh, "RANSAC threshold in pixels")
	alpha := flag.Float64("alpha", 0.1, "RMSE weight in the cost")
	residuals := flag.Bool("residuals", false, "Print per-point residuals")
	flag.Parse()

	if *a == "" || *b == "" {
		fmt.Println("Usage: aligntest -a <img1> -b <img2> [-d ORB|SIFT|AKAZE|all] [-residuals]")
		os.Exit(1)
	}

	detectors := []string{*det}
	if strings.EqualFold(*det, "all") {
		detectors = []string{"ORB", "SIFT", "AKAZE"}
	}

	for _, name := range detectors {
		p, err := params.FromMap(map[string]any{
			params.KeyDetector:     name,
			params.KeyMatcherType:  *matcher,
			params.KeyRatioThresh:  *ratio,
			params.KeyRansacThresh: *ransac,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad parameters: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("=== %s ===\n", p.Label())
		d, err := pipeline.EvaluatePairDetailed(*a, *b, p, *alpha)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Evaluation failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Keypoints: %d / %d\n", d.TotalKeypoints1, d.TotalKeypoints2)
		fmt.Printf("Good matches: %d\n", d.GoodMatches)
		if !d.Found() {
			fmt.Printf("No homography (%s), cost %.1f\n\n", d.Reason, d.Cost)
			continue
		}

		h := *d.H
		fmt.Printf("Inliers: %d\n", d.Inliers)
		fmt.Printf("RMSE: %.3f px\n", *d.RMSE)
		fmt.Printf("Cost: %.4f\n", d.Cost)
		fmt.Printf("H:\n")
		for _, row := range h {
			fmt.Printf("  [% .6f % .6f % .6f]\n", row[0], row[1], row[2])
		}

		// Affine part only; perspective terms are printed above.
		angle := math.Atan2(h[1][0], h[0][0]) * 180 / math.Pi
		scale := math.Sqrt(h[0][0]*h[0][0] + h[1][0]*h[1][0])
		fmt.Printf("Rotation: %.4f°\n", angle)
		fmt.Printf("Scale: %.6f\n", scale)
		fmt.Printf("Translation: (%.1f, %.1f)\n", h[0][2], h[1][2])

		if *residuals {
			printResiduals(d.InlierSrc, d.InlierDst, h)
		}
		fmt.Println()
	}
}

func printResiduals(src, dst []geometry.Point2D, h geometry.Homography) {
	if len(src) == 0 {
		return
	}
	fmt.Printf("\nPer-point residuals (sorted by Y):\n")
	type entry struct {
		x, y, err float64
	}
	var entries []entry
	for i := range src {
		proj, ok := h.Apply(src[i])
		if !ok {
			continue
		}
		entries = append(entries, entry{src[i].X, src[i].Y, math.Hypot(proj.X-dst[i].X, proj.Y-dst[i].Y)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].y < entries[j].y })
	for _, e := range entries {
		fmt.Printf("  X=%5.0f Y=%5.0f  err=%.2f px\n", e.x, e.y, e.err)
	}
}
