package matching

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"autogeoref/internal/features"
)

// KDTree matches float descriptors through a k-d tree over the train rows.
type KDTree struct{}

func (KDTree) Name() string { return "flann" }

func (KDTree) KnnMatch(query, train features.Descriptors, k int) ([][]Match, error) {
	if k <= 0 || query.Len() == 0 || train.Len() == 0 {
		return [][]Match{}, nil
	}
	if err := checkPair(query, train, features.Float); err != nil {
		return nil, err
	}

	pts := make(descPoints, train.Len())
	for i, row := range toFloat64(train.Values) {
		pts[i] = descPoint{idx: i, v: row}
	}
	tree := kdtree.New(pts, false)

	out := make([][]Match, query.Len())
	for qi, row := range toFloat64(query.Values) {
		keep := kdtree.NewNKeeper(k)
		tree.NearestSet(keep, descPoint{idx: -1, v: row})

		nn := make([]Match, 0, k)
		for _, cd := range keep.Heap {
			if cd.Comparable == nil {
				continue
			}
			nn = append(nn, Match{QueryIdx: qi, TrainIdx: cd.Comparable.(descPoint).idx, Distance: math.Sqrt(cd.Dist)})
		}
		sort.Slice(nn, func(a, b int) bool { return less(nn[a], nn[b]) })
		out[qi] = nn
	}
	return out, nil
}

// descPoint is a train row remembering its original index, since building
// the tree reorders the slice.
type descPoint struct {
	idx int
	v   []float64
}

func (p descPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(descPoint).v[d]
}

func (p descPoint) Dims() int { return len(p.v) }

func (p descPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(descPoint)
	var sum float64
	for i, x := range p.v {
		d := x - q.v[i]
		sum += d * d
	}
	return sum
}

type descPoints []descPoint

func (p descPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p descPoints) Len() int                              { return len(p) }
func (p descPoints) Pivot(d kdtree.Dim) int                { return descPlane{descPoints: p, Dim: d}.Pivot() }
func (p descPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// descPlane pivots descPoints on one dimension.
type descPlane struct {
	kdtree.Dim
	descPoints
}

func (p descPlane) Less(i, j int) bool {
	return p.descPoints[i].v[p.Dim] < p.descPoints[j].v[p.Dim]
}
func (p descPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p descPlane) Slice(start, end int) kdtree.SortSlicer {
	p.descPoints = p.descPoints[start:end]
	return p
}
func (p descPlane) Swap(i, j int) {
	p.descPoints[i], p.descPoints[j] = p.descPoints[j], p.descPoints[i]
}
