package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makePairs(n int) []pairs.Pair {
	ps := make([]pairs.Pair, n)
	for i := range ps {
		ps[i] = pairs.Pair{Img1: fmt.Sprintf("p%d_a.png", i), Img2: fmt.Sprintf("p%d_b.png", i)}
	}
	return ps
}

func pairIndex(p pairs.Pair) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p.Img1, "p"), "_a.png"))
	return n
}

func candidates(ratios ...float64) []params.ParameterSet {
	out := make([]params.ParameterSet, len(ratios))
	for i, r := range ratios {
		p := params.Default()
		p.Matcher = params.MatcherExhaustive
		p.RatioThresh = r
		out[i] = p
	}
	return out
}

// stubEval scores a pair as ratio*10 plus a small per-pair offset, so lower
// ratios win everywhere.
type stubEval struct {
	mu      sync.Mutex
	calls   int
	seen    map[float64]int
	inliers func(pair int, p params.ParameterSet) int
	fail    func(pair int, p params.ParameterSet) error
}

func (s *stubEval) Evaluate(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	idx := pairIndex(pair)
	s.mu.Lock()
	s.calls++
	if s.seen == nil {
		s.seen = make(map[float64]int)
	}
	s.seen[p.RatioThresh]++
	s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(idx, p); err != nil {
			return Outcome{}, err
		}
	}
	inl := 50
	if s.inliers != nil {
		inl = s.inliers(idx, p)
	}
	return Outcome{Cost: p.RatioThresh*10 + float64(idx)*0.01, Inliers: inl}, nil
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func cellsOf(costs []float64, inliers []int, took time.Duration) func(int) (cell, error) {
	return func(i int) (cell, error) {
		return cell{cost: costs[i], inliers: inliers[i], took: took}, nil
	}
}

func TestRunRulesDone(t *testing.T) {
	tr, err := runRules(3, rules{warmup: 2}, cellsOf([]float64{1, 2, 3}, []int{5, 5, 5}, time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateDone, tr.State)
	assert.Equal(t, 3, tr.PairsEvaluated)
	assert.InDelta(t, 2.0, tr.Score, 1e-12)
	assert.Equal(t, 3*time.Second, tr.Elapsed)
}

func TestRunRulesEmptySubset(t *testing.T) {
	tr, err := runRules(0, rules{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, tr.State)
	assert.True(t, math.IsInf(tr.Score, 1))
}

func TestRunRulesInlierFailed(t *testing.T) {
	min := 5.0
	tr, err := runRules(4, rules{warmup: 2, minInliers: &min}, cellsOf([]float64{1, 1, 1, 1}, []int{1, 1, 1, 1}, 0))
	require.NoError(t, err)
	assert.Equal(t, StateInlierFailed, tr.State)
	assert.Equal(t, 2, tr.PairsEvaluated)
	assert.True(t, math.IsInf(tr.Score, 1))
}

func TestRunRulesWarmupProtectsEarlyPairs(t *testing.T) {
	min := 4.0
	costs := []float64{1, 1, 1}
	inl := []int{0, 10, 10}

	tr, err := runRules(3, rules{warmup: 2, minInliers: &min}, cellsOf(costs, inl, 0))
	require.NoError(t, err)
	assert.Equal(t, StateDone, tr.State)

	for _, warm := range []int{0, 1} {
		tr, err = runRules(3, rules{warmup: warm, minInliers: &min}, cellsOf(costs, inl, 0))
		require.NoError(t, err)
		assert.Equal(t, StateInlierFailed, tr.State, "warmup %d", warm)
		assert.Equal(t, 1, tr.PairsEvaluated, "warmup %d", warm)
	}
}

func TestRunRulesWarmupClampedToSubset(t *testing.T) {
	min := 5.0
	tr, err := runRules(1, rules{warmup: 3, minInliers: &min}, cellsOf([]float64{1}, []int{0}, 0))
	require.NoError(t, err)
	assert.Equal(t, StateInlierFailed, tr.State)
}

func TestRunRulesTimeExceeded(t *testing.T) {
	tr, err := runRules(5, rules{timeLimit: 15 * time.Second},
		cellsOf([]float64{2, 4, 6, 8, 10}, []int{1, 1, 1, 1, 1}, 10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateTimeExceeded, tr.State)
	assert.Equal(t, 2, tr.PairsEvaluated)
	assert.InDelta(t, 3.0, tr.Score, 1e-12)
}

func TestRunRulesPropagatesCellError(t *testing.T) {
	boom := errors.New("boom")
	_, err := runRules(2, rules{}, func(int) (cell, error) { return cell{}, boom })
	assert.ErrorIs(t, err, boom)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateWarmup.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateTimeExceeded.Terminal())
	assert.True(t, StateInlierFailed.Terminal())
	assert.True(t, StateDone.Terminal())
}

func TestHoldoutSplit(t *testing.T) {
	train, test := holdoutSplit(8, 0.25, 42)
	assert.Len(t, test, 2)
	assert.Len(t, train, 6)

	all := append(append([]int(nil), train...), test...)
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, all)

	train2, test2 := holdoutSplit(8, 0.25, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	train, test = holdoutSplit(2, 0.9, 1)
	assert.Len(t, train, 1)
	assert.Len(t, test, 1)
}

func TestKFoldSplits(t *testing.T) {
	folds := kfoldSplits(7, 3, 42)
	require.Len(t, folds, 3)
	assert.Len(t, folds[0], 3)
	assert.Len(t, folds[1], 2)
	assert.Len(t, folds[2], 2)

	var all []int
	for _, f := range folds {
		all = append(all, f...)
	}
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, all)
}

func TestRungSizes(t *testing.T) {
	assert.Equal(t, []int{3, 5, 9}, rungSizes(9, 3))
	assert.Equal(t, []int{1, 1, 1}, rungSizes(1, 3))
	assert.Equal(t, []int{4, 5, 10}, rungSizes(10, 3))
}

func TestPatienceExceeded(t *testing.T) {
	assert.False(t, patienceExceeded(100, math.Inf(1), 1.5))
	assert.True(t, patienceExceeded(16, 10, 1.5))
	assert.False(t, patienceExceeded(14, 10, 1.5))

	// Negative costs: -80 is worse than -100 by 20%, -120 is better.
	assert.False(t, patienceExceeded(-80, -100, 1.5))
	assert.True(t, patienceExceeded(-40, -100, 1.5))
	assert.False(t, patienceExceeded(-120, -100, 1.5))
}

func TestScoreJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Score `json:"a"`
		B Score `json:"b"`
		C Score `json:"c"`
	}{Score(1.5), Score(math.Inf(1)), Score(math.NaN())})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1.5,"b":null,"c":null}`, string(data))

	var s Score
	require.NoError(t, json.Unmarshal([]byte("null"), &s))
	assert.True(t, math.IsInf(float64(s), 1))
	require.NoError(t, json.Unmarshal([]byte("-3.25"), &s))
	assert.Equal(t, Score(-3.25), s)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	bad := []func(*Options){
		func(o *Options) { o.TestSize = 0 },
		func(o *Options) { o.TestSize = 1 },
		func(o *Options) { o.Mode = "loo" },
		func(o *Options) { o.Alpha = -1 },
		func(o *Options) { o.SuccessiveHalving = true; o.HalvingEta = 1 },
		func(o *Options) { o.PatienceBadFolds = Float(0) },
		func(o *Options) { o.WarmupPairs = -1 },
		func(o *Options) { o.FailureCost = math.Inf(1) },
	}
	for i, mutate := range bad {
		o := DefaultOptions()
		mutate(&o)
		assert.ErrorIs(t, o.Validate(), ErrInvalidOptions, "case %d", i)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("KFold")
	require.NoError(t, err)
	assert.Equal(t, ModeKFold, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHoldout, m)
	_, err = ParseMode("bootstrap")
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func newTestOptimizer(t *testing.T, cands []params.ParameterSet, opts Options, eval Evaluator) *Optimizer {
	t.Helper()
	o, err := NewWithCandidates(cands, opts, eval, quietLogger())
	require.NoError(t, err)
	return o
}

func TestSearchRejectsTooFewPairs(t *testing.T) {
	o := newTestOptimizer(t, candidates(0.7), DefaultOptions(), &stubEval{})
	_, _, err := o.Search(context.Background(), makePairs(1))
	assert.ErrorIs(t, err, ErrTooFewPairs)
}

func TestNewRejectsEmptyAndInvalid(t *testing.T) {
	_, err := NewWithCandidates(nil, DefaultOptions(), &stubEval{}, nil)
	assert.ErrorIs(t, err, ErrEmptyCandidates)

	_, err = NewWithCandidates(candidates(0.7), DefaultOptions(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewWithCandidates(candidates(1.5), DefaultOptions(), &stubEval{}, nil)
	assert.ErrorIs(t, err, params.ErrInvalidParams)
}

func TestNewEnumeratesGrid(t *testing.T) {
	grid := params.Grid{
		params.KeyDetector:    {"ORB"},
		params.KeyMatcherType: {"bf"},
		params.KeyRatioThresh: {0.7, 0.8},
	}
	o, err := New(grid, DefaultOptions(), &stubEval{}, quietLogger())
	require.NoError(t, err)
	assert.Len(t, o.Candidates(), 2)
}

func TestHoldoutSearch(t *testing.T) {
	eval := &stubEval{}
	o := newTestOptimizer(t, candidates(0.9, 0.6, 0.7, 0.8), DefaultOptions(), eval)

	best, rep, err := o.Search(context.Background(), makePairs(8))
	require.NoError(t, err)
	assert.Equal(t, 0.6, best.RatioThresh)
	assert.Equal(t, "holdout", rep.CVMode)
	assert.Equal(t, 4, rep.GridSize)
	assert.Equal(t, 6, rep.NTrain)
	assert.Equal(t, 2, rep.NTest)
	require.NotNil(t, rep.BestTrainCost)
	require.NotNil(t, rep.TestMeanCost)
	require.NotNil(t, rep.TestStdCost)

	require.Len(t, rep.TrainCosts, 4)
	for i := 1; i < len(rep.TrainCosts); i++ {
		assert.LessOrEqual(t, rep.TrainCosts[i-1].MeanCost, rep.TrainCosts[i].MeanCost)
	}
	assert.Equal(t, 0.6, rep.TrainCosts[0].Params.RatioThresh)
	assert.Equal(t, *rep.BestTrainCost, rep.TrainCosts[0].MeanCost)
	assert.Equal(t, StateDone, rep.TrainCosts[0].State)

	// 4 candidates on 6 train pairs plus the winner on 2 test pairs.
	assert.Equal(t, 26, eval.calls)
}

func TestHoldoutTiesKeepGridOrder(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error) {
		return Outcome{Cost: -10, Inliers: 10}, nil
	})
	o := newTestOptimizer(t, candidates(0.8, 0.7), DefaultOptions(), eval)
	best, _, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)
	assert.Equal(t, 0.8, best.RatioThresh)
}

func TestAllInfiniteStillReturnsCandidate(t *testing.T) {
	opts := DefaultOptions()
	opts.MinInliers = Float(100)
	o := newTestOptimizer(t, candidates(0.8, 0.7), opts, &stubEval{inliers: func(int, params.ParameterSet) int { return 0 }})
	best, rep, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)
	assert.Equal(t, 0.8, best.RatioThresh)
	assert.True(t, math.IsInf(float64(*rep.BestTrainCost), 1))
	assert.Equal(t, StateInlierFailed, rep.TrainCosts[0].State)

	data, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"best_train_cost":null`)
}

func TestFailedPairGetsFailureCost(t *testing.T) {
	eval := &stubEval{fail: func(pair int, p params.ParameterSet) error {
		if p.RatioThresh == 0.6 {
			return errors.New("decode failed")
		}
		return nil
	}}
	o := newTestOptimizer(t, candidates(0.6, 0.7), DefaultOptions(), eval)
	best, rep, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)
	assert.Equal(t, 0.7, best.RatioThresh)
	last := rep.TrainCosts[len(rep.TrainCosts)-1]
	assert.Equal(t, 0.6, last.Params.RatioThresh)
	assert.Equal(t, Score(DefaultFailureCost), last.MeanCost)
}

func TestNonFiniteCostCountsAsFailure(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error) {
		return Outcome{Cost: math.NaN(), Inliers: 3}, nil
	})
	opts := DefaultOptions()
	opts.FailureCost = 500
	o := newTestOptimizer(t, candidates(0.7), opts, eval)
	_, rep, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)
	assert.Equal(t, Score(500), *rep.BestTrainCost)
}

func TestKFoldClampsSplits(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeKFold
	opts.NSplits = 5
	o := newTestOptimizer(t, candidates(0.8, 0.7), opts, &stubEval{})

	best, rep, err := o.Search(context.Background(), makePairs(2))
	require.NoError(t, err)
	assert.NotNil(t, best.Detector)
	assert.Equal(t, "kfold", rep.CVMode)
	assert.Equal(t, 2, rep.NSplits)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "clamping to 2")
	require.Len(t, rep.Ranking, 2)
	assert.Equal(t, 0.7, rep.Ranking[0].Params.RatioThresh)
	assert.Equal(t, 2, rep.Ranking[0].FoldsEvaluated)
}

func TestKFoldFallsBackToHoldout(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeKFold
	opts.NSplits = 1
	o := newTestOptimizer(t, candidates(0.8), opts, &stubEval{})

	_, rep, err := o.Search(context.Background(), makePairs(3))
	require.NoError(t, err)
	assert.Equal(t, "holdout", rep.CVMode)
	assert.Zero(t, rep.NSplits)
	assert.NotEmpty(t, rep.Warnings)
}

func TestKFoldRanking(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeKFold
	opts.NSplits = 3
	o := newTestOptimizer(t, candidates(0.9, 0.5, 0.7), opts, &stubEval{})

	best, rep, err := o.Search(context.Background(), makePairs(9))
	require.NoError(t, err)
	assert.Equal(t, 0.5, best.RatioThresh)
	require.Len(t, rep.Ranking, 3)
	assert.Equal(t, []float64{0.5, 0.7, 0.9}, []float64{
		rep.Ranking[0].Params.RatioThresh,
		rep.Ranking[1].Params.RatioThresh,
		rep.Ranking[2].Params.RatioThresh,
	})
	assert.Equal(t, rep.Ranking[0].ValMeanCost, *rep.BestCVMeanCost)
	assert.GreaterOrEqual(t, float64(rep.Ranking[0].ValStdCost), 0.0)
}

func TestKFoldPatienceStopsBadCandidates(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeKFold
	opts.NSplits = 3
	opts.PatienceBadFolds = Float(1.2)
	eval := &stubEval{}
	o := newTestOptimizer(t, candidates(0.5, 0.9), opts, eval)

	_, rep, err := o.Search(context.Background(), makePairs(9))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Ranking[0].FoldsEvaluated)
	assert.Equal(t, 1, rep.Ranking[1].FoldsEvaluated)
	assert.Equal(t, 9, eval.seen[0.5])
	assert.Equal(t, 3, eval.seen[0.9])
}

func TestSuccessiveHalving(t *testing.T) {
	opts := DefaultOptions()
	opts.SuccessiveHalving = true
	opts.HalvingEta = 3
	ratios := []float64{0.95, 0.9, 0.85, 0.8, 0.75, 0.7, 0.65, 0.6, 0.55}
	o := newTestOptimizer(t, candidates(ratios...), opts, &stubEval{})

	best, rep, err := o.Search(context.Background(), makePairs(12))
	require.NoError(t, err)
	assert.Equal(t, "holdout+successive_halving", rep.CVMode)
	assert.Equal(t, 9, rep.NTrain)
	assert.Equal(t, 3, rep.NTest)
	require.Len(t, rep.Rungs, 3)

	assert.Equal(t, []int{3, 5, 9}, []int{rep.Rungs[0].NPairs, rep.Rungs[1].NPairs, rep.Rungs[2].NPairs})
	assert.Equal(t, []int{3, 1, 1}, []int{rep.Rungs[0].Keep, rep.Rungs[1].Keep, rep.Rungs[2].Keep})

	for i, rung := range rep.Rungs {
		assert.LessOrEqual(t, rung.Keep, ceilDiv(len(rung.Scores), opts.HalvingEta))
		if i > 0 {
			// survivors are drawn from the previous rung's kept prefix
			prev := rep.Rungs[i-1]
			kept := map[string]bool{}
			for _, s := range prev.Scores[:prev.Keep] {
				kept[s.Params.Key()] = true
			}
			assert.Len(t, rung.Scores, prev.Keep)
			for _, s := range rung.Scores {
				assert.True(t, kept[s.Params.Key()])
			}
		}
	}

	final := rep.Rungs[2]
	assert.Equal(t, final.Scores[0].Params.Key(), best.Key())
	assert.Equal(t, 0.55, best.RatioThresh)
	assert.Equal(t, final.Scores[0].MeanCost, *rep.BestTrainCost)
	assert.NotNil(t, rep.TestMeanCost)
}

func TestParallelMatchesSequential(t *testing.T) {
	inl := func(pair int, p params.ParameterSet) int {
		if p.RatioThresh > 0.75 && pair%2 == 0 {
			return 1
		}
		return 20
	}
	for _, mode := range []Mode{ModeHoldout, ModeKFold} {
		opts := DefaultOptions()
		opts.Mode = mode
		opts.NSplits = 3
		opts.MinInliers = Float(15)
		opts.SuccessiveHalving = mode == ModeHoldout

		seq := newTestOptimizer(t, candidates(0.9, 0.6, 0.7, 0.8), opts, &stubEval{inliers: inl})
		opts.Workers = 4
		par := newTestOptimizer(t, candidates(0.9, 0.6, 0.7, 0.8), opts, &stubEval{inliers: inl})

		bestS, repS, err := seq.Search(context.Background(), makePairs(10))
		require.NoError(t, err)
		bestP, repP, err := par.Search(context.Background(), makePairs(10))
		require.NoError(t, err)

		assert.Equal(t, bestS.Key(), bestP.Key(), "mode %s", mode)
		a, err := json.Marshal(repS)
		require.NoError(t, err)
		b, err := json.Marshal(repP)
		require.NoError(t, err)
		assert.JSONEq(t, string(a), string(b), "mode %s", mode)
	}
}

func TestTimeLimitWithFakeClock(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 5 * time.Second}
	opts := DefaultOptions()
	opts.TimeLimit = 15 * time.Second
	opts.Clock = clock.Now
	eval := &stubEval{}
	o := newTestOptimizer(t, candidates(0.7), opts, eval)

	_, rep, err := o.Search(context.Background(), makePairs(12))
	require.NoError(t, err)
	// Each pair takes one 5s step, so the check fails before the fifth pair.
	assert.Equal(t, StateTimeExceeded, rep.TrainCosts[0].State)
	assert.Equal(t, 4, rep.TrainCosts[0].PairsEvaluated)
}

func TestProgressEvents(t *testing.T) {
	var events []Event
	opts := DefaultOptions()
	opts.Progress = func(e Event) { events = append(events, e) }
	o := newTestOptimizer(t, candidates(0.8, 0.7), opts, &stubEval{})

	_, rep, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)
	// two train scores and one per test pair
	require.Len(t, events, 2+rep.NTest)
	assert.Equal(t, PhaseTrain, events[0].Phase)
	assert.Equal(t, 2, events[0].Candidates)
	assert.Equal(t, PhaseTest, events[len(events)-1].Phase)
}

func TestSearchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, workers := range []int{1, 3} {
		opts := DefaultOptions()
		opts.Workers = workers
		o := newTestOptimizer(t, candidates(0.8, 0.7), opts, &stubEval{})
		_, _, err := o.Search(ctx, makePairs(4))
		assert.ErrorIs(t, err, context.Canceled, "workers %d", workers)
	}
}

func TestReportRoundTrip(t *testing.T) {
	o := newTestOptimizer(t, candidates(0.8, 0.7), DefaultOptions(), &stubEval{})
	_, rep, err := o.Search(context.Background(), makePairs(4))
	require.NoError(t, err)

	path := t.TempDir() + "/report.json"
	require.NoError(t, rep.WriteJSON(path))
	back, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, rep.CVMode, back.CVMode)
	assert.Equal(t, rep.BestParams.Key(), back.BestParams.Key())
	assert.Equal(t, *rep.BestTrainCost, *back.BestTrainCost)
}
