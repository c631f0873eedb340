// Package features holds detected keypoints and their descriptors in plain
// Go form, so that matching and scoring can run without OpenCV objects.
package features

import (
	"fmt"
	"sort"

	"autogeoref/pkg/geometry"
)

// DescriptorType tells the matcher which distance to use.
type DescriptorType int

const (
	// Binary descriptors are compared with Hamming distance.
	Binary DescriptorType = iota
	// Float descriptors are compared with Euclidean distance.
	Float
)

func (t DescriptorType) String() string {
	switch t {
	case Binary:
		return "binary"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("DescriptorType(%d)", int(t))
	}
}

// Keypoint is a detected interest point.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Angle    float64 `json:"angle"`
	Response float64 `json:"response"`
	Octave   int     `json:"octave"`
}

// Point returns the keypoint location.
func (k Keypoint) Point() geometry.Point2D {
	return geometry.Point2D{X: k.X, Y: k.Y}
}

// Descriptors is a set of fixed-width descriptor rows of one element type.
// Exactly one of Bits or Values is populated, according to Type.
type Descriptors struct {
	Type   DescriptorType
	Bits   [][]byte
	Values [][]float32
}

// NewBinaryDescriptors wraps binary rows.
func NewBinaryDescriptors(rows [][]byte) Descriptors {
	return Descriptors{Type: Binary, Bits: rows}
}

// NewFloatDescriptors wraps float rows.
func NewFloatDescriptors(rows [][]float32) Descriptors {
	return Descriptors{Type: Float, Values: rows}
}

// Len returns the number of rows.
func (d Descriptors) Len() int {
	if d.Type == Binary {
		return len(d.Bits)
	}
	return len(d.Values)
}

// Width returns the row width in bytes (binary) or elements (float).
func (d Descriptors) Width() int {
	if d.Len() == 0 {
		return 0
	}
	if d.Type == Binary {
		return len(d.Bits[0])
	}
	return len(d.Values[0])
}

// Select returns the rows at idx, in order.
func (d Descriptors) Select(idx []int) Descriptors {
	out := Descriptors{Type: d.Type}
	if d.Type == Binary {
		out.Bits = make([][]byte, len(idx))
		for i, j := range idx {
			out.Bits[i] = d.Bits[j]
		}
		return out
	}
	out.Values = make([][]float32, len(idx))
	for i, j := range idx {
		out.Values[i] = d.Values[j]
	}
	return out
}

// KeypointSet pairs keypoints with their descriptor rows (row i describes keypoint i).
type KeypointSet struct {
	Keypoints   []Keypoint
	Descriptors Descriptors
}

// Len returns the number of keypoints.
func (s KeypointSet) Len() int {
	return len(s.Keypoints)
}

// Points returns the keypoint locations.
func (s KeypointSet) Points() []geometry.Point2D {
	out := make([]geometry.Point2D, len(s.Keypoints))
	for i, k := range s.Keypoints {
		out[i] = k.Point()
	}
	return out
}

// Select keeps the keypoints at idx, in order.
func (s KeypointSet) Select(idx []int) KeypointSet {
	kps := make([]Keypoint, len(idx))
	for i, j := range idx {
		kps[i] = s.Keypoints[j]
	}
	return KeypointSet{Keypoints: kps, Descriptors: s.Descriptors.Select(idx)}
}

// StrongestN keeps the n keypoints with the highest response. Ties keep
// detection order. n <= 0 keeps everything.
func (s KeypointSet) StrongestN(n int) KeypointSet {
	if n <= 0 || n >= s.Len() {
		return s
	}
	idx := make([]int, s.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.Keypoints[idx[a]].Response > s.Keypoints[idx[b]].Response
	})
	idx = idx[:n]
	sort.Ints(idx)
	return s.Select(idx)
}

// MinResponse drops keypoints whose response is below th.
func (s KeypointSet) MinResponse(th float64) KeypointSet {
	var idx []int
	for i, k := range s.Keypoints {
		if k.Response >= th {
			idx = append(idx, i)
		}
	}
	if len(idx) == s.Len() {
		return s
	}
	return s.Select(idx)
}
