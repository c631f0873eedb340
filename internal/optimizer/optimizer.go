// Package optimizer searches a parameter grid for the configuration with the
// lowest mean alignment cost, under holdout or k-fold cross-validation, with
// early-exit pruning and optional successive halving.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
)

// Outcome is what the optimizer needs from one pair evaluation.
type Outcome struct {
	Cost    float64
	Inliers int
}

// Evaluator scores one image pair under one parameter set. Errors are
// treated as a failed pair, except context cancellation which ends the
// search.
type Evaluator interface {
	Evaluate(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (Outcome, error) {
	return f(ctx, pair, p, alpha)
}

// Optimizer holds the enumerated candidates. It is safe to call Search
// more than once.
type Optimizer struct {
	candidates []params.ParameterSet
	opts       Options
	eval       Evaluator
	log        *slog.Logger
}

// New enumerates grid once and validates opts.
func New(grid params.Grid, opts Options, eval Evaluator, logger *slog.Logger) (*Optimizer, error) {
	cands, err := grid.Enumerate()
	if err != nil {
		return nil, err
	}
	return NewWithCandidates(cands, opts, eval, logger)
}

// NewWithCandidates uses an explicit candidate list in the given order.
func NewWithCandidates(cands []params.ParameterSet, opts Options, eval Evaluator, logger *slog.Logger) (*Optimizer, error) {
	if len(cands) == 0 {
		return nil, ErrEmptyCandidates
	}
	if eval == nil {
		return nil, fmt.Errorf("%w: nil evaluator", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for i, c := range cands {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		candidates: append([]params.ParameterSet(nil), cands...),
		opts:       opts,
		eval:       eval,
		log:        logger,
	}, nil
}

// Candidates returns a copy of the enumerated parameter sets.
func (o *Optimizer) Candidates() []params.ParameterSet {
	return append([]params.ParameterSet(nil), o.candidates...)
}

// Options returns the effective options.
func (o *Optimizer) Options() Options {
	return o.opts
}

// Search runs the configured cross-validation over ps and returns the
// winning parameter set with a report. The winner is the first candidate in
// grid order with the strictly lowest score; if every score is +Inf the
// first candidate is returned.
func (o *Optimizer) Search(ctx context.Context, ps []pairs.Pair) (params.ParameterSet, *Report, error) {
	if len(ps) < 2 {
		return params.ParameterSet{}, nil, fmt.Errorf("%w: got %d", ErrTooFewPairs, len(ps))
	}

	r := &run{
		o:     o,
		ctx:   ctx,
		pairs: ps,
		cells: make(map[cellKey]cell),
	}
	rep := &Report{GridSize: len(o.candidates)}

	mode := o.opts.Mode
	nSplits := o.opts.NSplits
	if mode == ModeKFold {
		if nSplits > len(ps) {
			r.warn(rep, fmt.Sprintf("requested n_splits=%d > n_samples=%d, clamping to %d", nSplits, len(ps), len(ps)))
			nSplits = len(ps)
		}
		if nSplits < 2 {
			r.warn(rep, fmt.Sprintf("n_splits=%d is too few for k-fold, falling back to holdout", nSplits))
			mode = ModeHoldout
		}
	}

	start := time.Now()
	var (
		best int
		err  error
	)
	if mode == ModeKFold {
		best, err = r.kfold(nSplits, rep)
	} else {
		best, err = r.holdout(rep)
	}
	if err != nil {
		return params.ParameterSet{}, nil, err
	}

	rep.BestParams = o.candidates[best]
	o.log.Info("search finished",
		"cv_mode", rep.CVMode,
		"grid_size", rep.GridSize,
		"best", rep.BestParams.Label(),
		"evaluations", len(r.cells),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return rep.BestParams, rep, nil
}

type cellKey struct {
	cand, pair int
}

// run is the state of one Search call. Cells are cached per (candidate,
// pair) so rungs and the final re-score reuse earlier evaluations.
type run struct {
	o     *Optimizer
	ctx   context.Context
	pairs []pairs.Pair

	mu    sync.Mutex
	cells map[cellKey]cell
}

func (r *run) warn(rep *Report, msg string) {
	r.o.log.Warn(msg)
	rep.Warnings = append(rep.Warnings, msg)
}

func (r *run) cell(cand, pair int) (cell, error) {
	k := cellKey{cand, pair}
	r.mu.Lock()
	c, ok := r.cells[k]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := r.evaluate(cand, pair)
	if err != nil {
		return cell{}, err
	}
	r.mu.Lock()
	r.cells[k] = c
	r.mu.Unlock()
	return c, nil
}

func (r *run) evaluate(cand, pair int) (cell, error) {
	if err := r.ctx.Err(); err != nil {
		return cell{}, err
	}
	p := r.o.candidates[cand]
	start := r.o.opts.Clock()
	out, err := r.o.eval.Evaluate(r.ctx, r.pairs[pair], p, r.o.opts.Alpha)
	took := r.o.opts.Clock().Sub(start)

	if err == nil && (math.IsNaN(out.Cost) || math.IsInf(out.Cost, 0)) {
		err = fmt.Errorf("non-finite cost %v", out.Cost)
	}
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return cell{}, ctxErr
		}
		r.o.log.Warn("pair evaluation failed",
			"pair", r.pairs[pair].String(),
			"params", p.Label(),
			"err", err)
		return cell{cost: r.o.opts.FailureCost, took: took, failed: true}, nil
	}
	return cell{cost: out.Cost, inliers: out.Inliers, took: took}, nil
}

// prefetch evaluates every listed cell on the worker pool. With one worker
// it does nothing and cells are evaluated lazily by score.
func (r *run) prefetch(cands, pairIdx []int) error {
	workers := r.o.opts.workers()
	if workers <= 1 {
		return nil
	}

	type job struct{ cand, pair int }
	jobs := make(chan job)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if _, err := r.cell(j.cand, j.pair); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}

feed:
	for _, c := range cands {
		for _, p := range pairIdx {
			select {
			case jobs <- job{c, p}:
			case <-r.ctx.Done():
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return r.ctx.Err()
}

// score runs the early-exit rules for one candidate over subset, which holds
// indices into the pair list.
func (r *run) score(cand int, subset []int, phase string, step int) (Trace, error) {
	tr, err := runRules(len(subset), r.o.opts.rules(), func(i int) (cell, error) {
		return r.cell(cand, subset[i])
	})
	if err != nil {
		return tr, err
	}

	label := r.o.candidates[cand].Label()
	r.o.log.Debug("candidate scored",
		"phase", phase,
		"step", step,
		"params", label,
		"state", string(tr.State),
		"pairs", tr.PairsEvaluated,
		"score", tr.Score)
	if r.o.opts.Progress != nil {
		r.o.opts.Progress(Event{
			Phase:          phase,
			Step:           step,
			Candidate:      cand,
			Candidates:     len(r.o.candidates),
			Params:         label,
			State:          tr.State,
			PairsEvaluated: tr.PairsEvaluated,
			Score:          Score(tr.Score),
		})
	}
	return tr, nil
}

func (r *run) allCandidates() []int {
	idx := make([]int, len(r.o.candidates))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (r *run) holdout(rep *Report) (int, error) {
	train, test := holdoutSplit(len(r.pairs), r.o.opts.TestSize, r.o.opts.Seed)
	rep.NTrain = len(train)
	rep.NTest = len(test)

	var (
		best int
		err  error
	)
	if r.o.opts.SuccessiveHalving {
		rep.CVMode = "holdout+successive_halving"
		best, err = r.halving(train, rep)
	} else {
		rep.CVMode = string(ModeHoldout)
		best, err = r.flat(train, rep)
	}
	if err != nil {
		return 0, err
	}

	if err := r.prefetch([]int{best}, test); err != nil {
		return 0, err
	}
	costs := make([]float64, 0, len(test))
	for _, p := range test {
		tr, err := r.score(best, []int{p}, PhaseTest, 0)
		if err != nil {
			return 0, err
		}
		costs = append(costs, tr.Score)
	}
	mean, std := meanStd(costs)
	rep.TestMeanCost = scorePtr(mean)
	rep.TestStdCost = scorePtr(std)
	return best, nil
}

func (r *run) flat(train []int, rep *Report) (int, error) {
	if err := r.prefetch(r.allCandidates(), train); err != nil {
		return 0, err
	}

	best, bestCost := 0, math.Inf(1)
	costs := make([]CandidateCost, 0, len(r.o.candidates))
	for c := range r.o.candidates {
		tr, err := r.score(c, train, PhaseTrain, 0)
		if err != nil {
			return 0, err
		}
		costs = append(costs, CandidateCost{
			Params:         r.o.candidates[c],
			MeanCost:       Score(tr.Score),
			State:          tr.State,
			PairsEvaluated: tr.PairsEvaluated,
		})
		if tr.Score < bestCost {
			best, bestCost = c, tr.Score
		}
	}

	sort.SliceStable(costs, func(i, j int) bool { return costs[i].MeanCost < costs[j].MeanCost })
	rep.TrainCosts = costs
	rep.BestTrainCost = scorePtr(bestCost)
	return best, nil
}

// halving scores survivors on growing prefixes of train. Each rung keeps
// the best ceil(survivors/eta) and the last keeps one.
func (r *run) halving(train []int, rep *Report) (int, error) {
	eta := r.o.opts.HalvingEta
	sizes := rungSizes(len(train), eta)
	survivors := r.allCandidates()

	type ranked struct {
		cand int
		tr   Trace
	}
	for ri, size := range sizes {
		subset := train[:size]
		if err := r.prefetch(survivors, subset); err != nil {
			return 0, err
		}

		scored := make([]ranked, 0, len(survivors))
		for _, c := range survivors {
			tr, err := r.score(c, subset, PhaseRung, ri+1)
			if err != nil {
				return 0, err
			}
			scored = append(scored, ranked{c, tr})
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].tr.Score < scored[j].tr.Score })

		keep := ceilDiv(len(scored), eta)
		if ri == len(sizes)-1 {
			keep = 1
		}

		rung := Rung{Rung: ri + 1, NPairs: size, Keep: keep}
		for _, s := range scored {
			rung.Scores = append(rung.Scores, CandidateCost{
				Params:         r.o.candidates[s.cand],
				MeanCost:       Score(s.tr.Score),
				State:          s.tr.State,
				PairsEvaluated: s.tr.PairsEvaluated,
			})
		}
		rep.Rungs = append(rep.Rungs, rung)

		survivors = make([]int, 0, keep)
		for _, s := range scored[:keep] {
			survivors = append(survivors, s.cand)
		}
		r.o.log.Info("halving rung done", "rung", ri+1, "n_pairs", size, "keep", keep)
	}

	best := survivors[0]
	full, err := r.score(best, train, PhaseTrain, 0)
	if err != nil {
		return 0, err
	}
	rep.BestTrainCost = scorePtr(full.Score)
	return best, nil
}

func (r *run) kfold(nSplits int, rep *Report) (int, error) {
	rep.CVMode = string(ModeKFold)
	rep.NSplits = nSplits
	folds := kfoldSplits(len(r.pairs), nSplits, r.o.opts.Seed)

	all := make([]int, len(r.pairs))
	for i := range all {
		all[i] = i
	}
	if err := r.prefetch(r.allCandidates(), all); err != nil {
		return 0, err
	}

	patience := r.o.opts.PatienceBadFolds
	best, bestScore := 0, math.Inf(1)
	ranking := make([]FoldScore, 0, len(r.o.candidates))
	for c := range r.o.candidates {
		foldCosts := make([]float64, 0, len(folds))
		for fi, fold := range folds {
			tr, err := r.score(c, fold, PhaseFold, fi+1)
			if err != nil {
				return 0, err
			}
			foldCosts = append(foldCosts, tr.Score)

			if patience != nil && patienceExceeded(meanOrInf(foldCosts), bestScore, *patience) {
				r.o.log.Debug("fold patience exhausted",
					"params", r.o.candidates[c].Label(),
					"folds", len(foldCosts))
				break
			}
		}

		mean, std := meanStd(foldCosts)
		ranking = append(ranking, FoldScore{
			Params:         r.o.candidates[c],
			ValMeanCost:    Score(mean),
			ValStdCost:     Score(std),
			FoldsEvaluated: len(foldCosts),
		})
		if mean < bestScore {
			best, bestScore = c, mean
		}
	}

	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].ValMeanCost < ranking[j].ValMeanCost })
	rep.Ranking = ranking
	rep.BestCVMeanCost = scorePtr(bestScore)
	return best, nil
}
