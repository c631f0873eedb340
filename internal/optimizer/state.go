package optimizer

import (
	"math"
	"time"
)

// State is where a candidate's run over a pair subset currently stands.
type State string

const (
	StateWarmup       State = "WARMUP"
	StateActive       State = "ACTIVE"
	StateTimeExceeded State = "TIME_EXCEEDED"
	StateInlierFailed State = "INLIER_FAILED"
	StateDone         State = "DONE"
)

// Terminal reports whether no further pairs will be evaluated.
func (s State) Terminal() bool {
	return s == StateTimeExceeded || s == StateInlierFailed || s == StateDone
}

// Trace is the record of one candidate scored over one subset.
type Trace struct {
	State          State
	PairsEvaluated int
	Costs          []float64
	Inliers        []int
	Elapsed        time.Duration
	Score          float64
}

type rules struct {
	warmup     int
	minInliers *float64
	timeLimit  time.Duration
}

// cell is one (candidate, pair) evaluation.
type cell struct {
	cost    float64
	inliers int
	took    time.Duration
	failed  bool
}

// runRules walks a subset of n pairs in order. next(i) yields the cell for
// subset position i; its error aborts the walk.
//
// The time limit is checked before each pair against the summed durations
// so far, and ends the run with the mean cost accumulated (+Inf if none).
// Once the warmup count is reached, a mean inlier count below the threshold
// ends the run with +Inf.
func runRules(n int, r rules, next func(i int) (cell, error)) (Trace, error) {
	tr := Trace{State: StateWarmup}
	if n == 0 {
		tr.State = StateDone
		tr.Score = math.Inf(1)
		return tr, nil
	}

	warm := r.warmup
	if warm > n {
		warm = n
	}
	if warm <= 0 {
		tr.State = StateActive
	}

	inlierSum := 0
	for i := 0; i < n; i++ {
		if r.timeLimit > 0 && tr.Elapsed > r.timeLimit {
			tr.State = StateTimeExceeded
			tr.Score = meanOrInf(tr.Costs)
			return tr, nil
		}

		c, err := next(i)
		if err != nil {
			return tr, err
		}
		tr.Costs = append(tr.Costs, c.cost)
		tr.Inliers = append(tr.Inliers, c.inliers)
		tr.Elapsed += c.took
		tr.PairsEvaluated++
		inlierSum += c.inliers

		if tr.PairsEvaluated < warm {
			continue
		}
		tr.State = StateActive
		if r.minInliers != nil && float64(inlierSum)/float64(tr.PairsEvaluated) < *r.minInliers {
			tr.State = StateInlierFailed
			tr.Score = math.Inf(1)
			return tr, nil
		}
	}

	tr.State = StateDone
	tr.Score = meanOrInf(tr.Costs)
	return tr, nil
}
