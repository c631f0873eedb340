package export

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"autogeoref/pkg/geometry"
)

var gcpHeader = []string{"mapX", "mapY", "pixelX", "pixelY", "enable", "dX", "dY", "residual"}

// WriteGCPPoints writes the inlier correspondences of pr as a georeferencer
// points CSV. Pixel coordinates come from image 1 and map coordinates from
// image 2, both in pixel units with Y negated. dX, dY and residual are the
// reprojection error of each point under H, or zero when H is null.
func WriteGCPPoints(w io.Writer, pr PairRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(gcpHeader); err != nil {
		return err
	}

	n := len(pr.PointsSrc)
	if len(pr.PointsDst) < n {
		n = len(pr.PointsDst)
	}
	for i := 0; i < n; i++ {
		src := geometry.NewPoint2D(pr.PointsSrc[i][0], pr.PointsSrc[i][1])
		dst := geometry.NewPoint2D(pr.PointsDst[i][0], pr.PointsDst[i][1])

		var dx, dy float64
		if pr.H != nil {
			if proj, ok := pr.H.Apply(src); ok {
				dx, dy = proj.X-dst.X, proj.Y-dst.Y
			}
		}
		row := []string{
			ftoa(dst.X), ftoa(neg(dst.Y)),
			ftoa(src.X), ftoa(neg(src.Y)),
			"1",
			ftoa(dx), ftoa(neg(dy)),
			ftoa(math.Hypot(dx, dy)),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// neg flips the sign without producing negative zero.
func neg(f float64) float64 {
	if f == 0 {
		return 0
	}
	return -f
}
