package optimizer

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// holdoutSplit shuffles 0..n-1 with seed and returns the train and test
// index lists. The test share is rounded up and both sides keep at least
// one pair.
func holdoutSplit(n int, testSize float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest < 1 {
		nTest = 1
	}
	if nTest > n-1 {
		nTest = n - 1
	}
	return perm[nTest:], perm[:nTest]
}

// kfoldSplits shuffles 0..n-1 with seed and cuts it into k validation folds.
// The first n%k folds get one extra pair.
func kfoldSplits(n, k int, seed int64) [][]int {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	folds := make([][]int, 0, k)
	start := 0
	for f := 0; f < k; f++ {
		size := n / k
		if f < n%k {
			size++
		}
		folds = append(folds, perm[start:start+size])
		start += size
	}
	return folds
}

// rungSizes returns the three successive-halving subset sizes for a train
// set of n pairs.
func rungSizes(n, eta int) []int {
	return []int{ceilDiv(n, eta), ceilDiv(n, 2), n}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func meanOrInf(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(1)
	}
	return stat.Mean(xs, nil)
}

// meanStd returns the mean and population standard deviation. Any infinite
// value makes the mean +Inf and the deviation NaN.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return math.Inf(1), math.NaN()
	}
	for _, x := range xs {
		if math.IsInf(x, 0) {
			return math.Inf(1), math.NaN()
		}
	}
	return stat.PopMeanStdDev(xs, nil)
}

// patienceExceeded reports whether a running fold mean is worse than the
// best mean by more than factor. For a negative best the margin is taken on
// its magnitude, so a better running mean is never cut.
func patienceExceeded(running, best, factor float64) bool {
	if math.IsInf(best, 0) {
		return false
	}
	limit := best + (factor-1)*math.Abs(best)
	return running > limit
}
