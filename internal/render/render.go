// Package render draws annotated side-by-side correspondence diagrams.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"gocv.io/x/gocv"

	imgload "autogeoref/internal/image"
	"autogeoref/internal/params"
	"autogeoref/internal/pipeline"
	"autogeoref/pkg/colorutil"
	"autogeoref/pkg/geometry"
)

// Options configures how a match diagram is drawn.
type Options struct {
	// MaxDraw caps the number of correspondence lines. The first MaxDraw
	// good matches are drawn.
	MaxDraw  int
	Annotate bool

	LineThickness  int
	KeypointRadius int

	// DrawOutline projects the border of image 1 onto image 2 when a
	// homography was found and the projection is convex.
	DrawOutline bool
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		MaxDraw:        60,
		Annotate:       true,
		LineThickness:  1,
		KeypointRadius: 3,
		DrawOutline:    true,
	}
}

// Rendered is a drawn diagram. The caller owns Mat and must Close it.
type Rendered struct {
	Mat        gocv.Mat
	LinesDrawn int
	Detail     pipeline.Detail
}

// Close releases the image.
func (r *Rendered) Close() error {
	return r.Mat.Close()
}

// RenderMatches evaluates the pair and draws the result.
func RenderMatches(path1, path2 string, p params.ParameterSet, alpha float64, opts Options) (*Rendered, error) {
	gray1, err := imgload.ReadGray(path1)
	if err != nil {
		return nil, err
	}
	defer gray1.Close()

	gray2, err := imgload.ReadGray(path2)
	if err != nil {
		return nil, err
	}
	defer gray2.Close()

	d, err := pipeline.EvaluateMats(gray1, gray2, p, alpha)
	if err != nil {
		return nil, err
	}
	return Draw(gray1, gray2, d, p, opts)
}

// Draw lays the two grayscale images side by side and draws the matches of
// d on top. The input Mats are not modified.
func Draw(gray1, gray2 gocv.Mat, d pipeline.Detail, p params.ParameterSet, opts Options) (*Rendered, error) {
	if gray1.Empty() || gray2.Empty() {
		return nil, errors.New("render: empty image")
	}

	canvas, err := sideBySide(gray1, gray2)
	if err != nil {
		return nil, err
	}
	offset := image.Pt(gray1.Cols(), 0)

	thickness := opts.LineThickness
	if thickness < 1 {
		thickness = 1
	}

	n := len(d.Matches)
	if opts.MaxDraw < n {
		n = opts.MaxDraw
	}
	if n < 0 {
		n = 0
	}
	masked := len(d.Mask) == len(d.Matches) && len(d.Mask) > 0

	drawn := 0
	for i := 0; i < n; i++ {
		m := d.Matches[i]
		if m.QueryIdx >= len(d.Keypoints1) || m.TrainIdx >= len(d.Keypoints2) {
			continue
		}
		c := colorutil.MatchLine
		if masked {
			c = colorutil.OutlierLine
			if d.Mask[i] {
				c = colorutil.InlierLine
			}
		}
		p1 := toPoint(d.Keypoints1[m.QueryIdx].Point())
		p2 := toPoint(d.Keypoints2[m.TrainIdx].Point()).Add(offset)
		gocv.Line(&canvas, p1, p2, c, thickness)
		if opts.KeypointRadius > 0 {
			gocv.Circle(&canvas, p1, opts.KeypointRadius, c, thickness)
			gocv.Circle(&canvas, p2, opts.KeypointRadius, c, thickness)
		}
		drawn++
	}

	if opts.DrawOutline && d.H != nil {
		quad := d.H.ProjectQuad(geometry.Rect{Width: float64(gray1.Cols()), Height: float64(gray1.Rows())})
		if len(quad) == 4 && geometry.IsConvex(quad) {
			for i := range quad {
				a := toPoint(quad[i]).Add(offset)
				b := toPoint(quad[(i+1)%len(quad)]).Add(offset)
				gocv.Line(&canvas, a, b, colorutil.Outline, 2)
			}
		}
	}

	if opts.Annotate {
		annotate(&canvas, d, p)
	}

	return &Rendered{Mat: canvas, LinesDrawn: drawn, Detail: d}, nil
}

// sideBySide returns a BGR canvas holding both images, top-aligned.
func sideBySide(gray1, gray2 gocv.Mat) (gocv.Mat, error) {
	rows := gray1.Rows()
	if gray2.Rows() > rows {
		rows = gray2.Rows()
	}
	cols := gray1.Cols() + gray2.Cols()
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)

	place := func(src gocv.Mat, at image.Rectangle) error {
		bgr := gocv.NewMat()
		defer bgr.Close()
		switch src.Channels() {
		case 1:
			gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR)
		case 3:
			src.CopyTo(&bgr)
		case 4:
			gocv.CvtColor(src, &bgr, gocv.ColorBGRAToBGR)
		default:
			return fmt.Errorf("render: unsupported channel count %d", src.Channels())
		}
		region := canvas.Region(at)
		defer region.Close()
		bgr.CopyTo(&region)
		return nil
	}

	if err := place(gray1, image.Rect(0, 0, gray1.Cols(), gray1.Rows())); err != nil {
		canvas.Close()
		return gocv.Mat{}, err
	}
	if err := place(gray2, image.Rect(gray1.Cols(), 0, cols, gray2.Rows())); err != nil {
		canvas.Close()
		return gocv.Mat{}, err
	}
	return canvas, nil
}

// Panel geometry.
const (
	panelPad    = 10
	panelWidth  = 520
	panelHeight = 110
	lineStep    = 24
	fontScale   = 0.6
)

func annotate(canvas *gocv.Mat, d pipeline.Detail, p params.ParameterSet) {
	right := panelWidth
	if canvas.Cols()-1 < right {
		right = canvas.Cols() - 1
	}
	overlay := canvas.Clone()
	defer overlay.Close()
	gocv.Rectangle(&overlay, image.Rect(panelPad, panelPad, right, panelPad+panelHeight), colorutil.Black, -1)
	gocv.AddWeighted(overlay, 0.35, *canvas, 0.65, 0, canvas)

	det := "?"
	if p.Detector != nil {
		det = string(p.Detector.Kind())
	}
	rmse := "none"
	if d.RMSE != nil {
		rmse = fmt.Sprintf("%.3f", *d.RMSE)
	}
	lines := []string{
		fmt.Sprintf("Detector: %s  |  Matcher: %s", det, p.Matcher),
		fmt.Sprintf("Good: %d  |  Inliers: %d", d.GoodMatches, d.Inliers),
		fmt.Sprintf("RMSE: %s  |  Cost: %.3f", rmse, d.Cost),
		fmt.Sprintf("Ratio: %g  |  RANSAC: %g", p.RatioThresh, p.RansacThresh),
	}
	PanelLines(canvas, lines, colorutil.PanelText)
}

// PanelLines writes lines top-down inside the panel area.
func PanelLines(canvas *gocv.Mat, lines []string, c color.RGBA) {
	x, y := panelPad+8, panelPad+22
	for _, s := range lines {
		gocv.PutText(canvas, s, image.Pt(x, y), gocv.FontHersheySimplex, fontScale, c, 2)
		y += lineStep
	}
}

func toPoint(p geometry.Point2D) image.Point {
	return image.Pt(int(p.X+0.5), int(p.Y+0.5))
}

// EncodePNG encodes m as PNG.
func EncodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WritePNG encodes m and writes it to path. Encoding in memory keeps
// non-ASCII paths working.
func WritePNG(path string, m gocv.Mat) error {
	data, err := EncodePNG(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
