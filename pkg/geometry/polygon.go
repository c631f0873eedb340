package geometry

import "math"

// IsConvex returns true if the polygon vertices form a convex polygon.
// The polygon is assumed to be simple (non-self-intersecting).
func IsConvex(polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	n := len(polygon)
	var sign int

	for i := 0; i < n; i++ {
		cross := crossProduct(
			polygon[i],
			polygon[(i+1)%n],
			polygon[(i+2)%n],
		)

		if cross != 0 {
			currentSign := 1
			if cross < 0 {
				currentSign = -1
			}

			if sign == 0 {
				sign = currentSign
			} else if currentSign != sign {
				return false
			}
		}
	}

	return sign != 0
}

// Collinear reports whether c lies within tol pixels of the line through a and b.
// Coincident a and b count as collinear.
func Collinear(a, b, c Point2D, tol float64) bool {
	base := a.Distance(b)
	if base < 1e-9 {
		return true
	}
	return math.Abs(crossProduct(a, b, c))/base <= tol
}

// AnyThreeCollinear reports whether some triple of the given points is collinear.
func AnyThreeCollinear(points []Point2D, tol float64) bool {
	n := len(points)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				if Collinear(points[i], points[j], points[k], tol) {
					return true
				}
			}
		}
	}
	return false
}

// crossProduct computes the cross product of vectors OA and OB.
func crossProduct(o, a, b Point2D) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}
