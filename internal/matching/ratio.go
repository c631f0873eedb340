package matching

// RatioTest keeps the best neighbour of every query whose distance is
// strictly below ratio times the second-best distance. Queries with fewer
// than two neighbours, or a zero second distance, are skipped. The result
// is in query order.
func RatioTest(knn [][]Match, ratio float64) []Match {
	good := make([]Match, 0, len(knn))
	for _, nn := range knn {
		if len(nn) < 2 {
			continue
		}
		m, n := nn[0], nn[1]
		if n.Distance == 0 {
			continue
		}
		if m.Distance/n.Distance < ratio {
			good = append(good, m)
		}
	}
	return good
}
