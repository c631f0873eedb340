package matching

import (
	"github.com/steakknife/hamming"
	"gonum.org/v1/gonum/floats"

	"autogeoref/internal/features"
)

// BruteForce compares every query row with every train row: Hamming
// distance for binary rows, Euclidean distance for float rows.
type BruteForce struct {
	Elem features.DescriptorType
}

func (b *BruteForce) Name() string { return "bf" }

func (b *BruteForce) KnnMatch(query, train features.Descriptors, k int) ([][]Match, error) {
	if k <= 0 || query.Len() == 0 || train.Len() == 0 {
		return [][]Match{}, nil
	}
	if err := checkPair(query, train, b.Elem); err != nil {
		return nil, err
	}

	out := make([][]Match, query.Len())
	if b.Elem == features.Binary {
		for qi, q := range query.Bits {
			best := topK{k: k}
			for ti, t := range train.Bits {
				best.offer(Match{QueryIdx: qi, TrainIdx: ti, Distance: float64(hamming.Bytes(q, t))})
			}
			out[qi] = best.items
		}
		return out, nil
	}

	trainRows := toFloat64(train.Values)
	row := make([]float64, query.Width())
	for qi, q := range query.Values {
		for i, v := range q {
			row[i] = float64(v)
		}
		best := topK{k: k}
		for ti, t := range trainRows {
			best.offer(Match{QueryIdx: qi, TrainIdx: ti, Distance: floats.Distance(row, t, 2)})
		}
		out[qi] = best.items
	}
	return out, nil
}

func toFloat64(rows [][]float32) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		for j, v := range r {
			out[i][j] = float64(v)
		}
	}
	return out
}
