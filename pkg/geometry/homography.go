package geometry

import (
	"math"
)

// Homography represents a 3x3 projective transform mapping image-1
// homogeneous coordinates to image-2 coordinates.
// [h00 h01 h02]
// [h10 h11 h12]
// [h20 h21 h22]
type Homography [3][3]float64

// IdentityHomography returns the identity transform.
func IdentityHomography() Homography {
	return Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply maps a point through the homography. ok is false when the point maps
// to infinity (w is zero or not finite).
func (h Homography) Apply(p Point2D) (Point2D, bool) {
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	if math.Abs(w) < 1e-12 || math.IsNaN(w) || math.IsInf(w, 0) {
		return Point2D{}, false
	}
	x := (h[0][0]*p.X + h[0][1]*p.Y + h[0][2]) / w
	y := (h[1][0]*p.X + h[1][1]*p.Y + h[1][2]) / w
	return Point2D{X: x, Y: y}, true
}

// Normalize scales the matrix so that h22 == 1. ok is false when h22 is zero.
func (h Homography) Normalize() (Homography, bool) {
	s := h[2][2]
	if math.Abs(s) < 1e-15 {
		return h, false
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = h[r][c] / s
		}
	}
	out[2][2] = 1
	return out, true
}

// Compose returns h * other (other applied first).
func (h Homography) Compose(other Homography) Homography {
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			for k := 0; k < 3; k++ {
				out[r][c] += h[r][k] * other[k][c]
			}
		}
	}
	return out
}

// Inverse returns the inverse transform, if it exists.
func (h Homography) Inverse() (Homography, bool) {
	a, b, c := h[0][0], h[0][1], h[0][2]
	d, e, f := h[1][0], h[1][1], h[1][2]
	g, i, k := h[2][0], h[2][1], h[2][2]

	co00 := e*k - f*i
	co01 := -(d*k - f*g)
	co02 := d*i - e*g
	det := a*co00 + b*co01 + c*co02
	if math.Abs(det) < 1e-12 {
		return Homography{}, false
	}
	inv := 1.0 / det
	return Homography{
		{co00 * inv, -(b*k - c*i) * inv, (b*f - c*e) * inv},
		{co01 * inv, (a*k - c*g) * inv, -(a*f - c*d) * inv},
		{co02 * inv, -(a*i - b*g) * inv, (a*e - b*d) * inv},
	}, true
}

// IsFinite reports whether every entry is a finite number.
func (h Homography) IsFinite() bool {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if math.IsNaN(h[r][c]) || math.IsInf(h[r][c], 0) {
				return false
			}
		}
	}
	return true
}

// ToSlice returns the matrix as nested slices, the JSON layout of the export files.
func (h Homography) ToSlice() [][]float64 {
	out := make([][]float64, 3)
	for r := 0; r < 3; r++ {
		out[r] = []float64{h[r][0], h[r][1], h[r][2]}
	}
	return out
}

// HomographyFromSlice builds a Homography from a 3x3 nested slice.
func HomographyFromSlice(m [][]float64) (Homography, bool) {
	var h Homography
	if len(m) != 3 {
		return h, false
	}
	for r := 0; r < 3; r++ {
		if len(m[r]) != 3 {
			return h, false
		}
		copy(h[r][:], m[r])
	}
	return h, true
}

// ProjectQuad maps the corners of r and returns them, or nil if any corner
// maps to infinity.
func (h Homography) ProjectQuad(r Rect) []Point2D {
	corners := r.Corners()
	out := make([]Point2D, 0, len(corners))
	for _, c := range corners {
		p, ok := h.Apply(c)
		if !ok {
			return nil
		}
		out = append(out, p)
	}
	return out
}
