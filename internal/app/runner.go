// Package app runs optimization searches on behalf of the CLI and the HTTP
// server, tracks their progress and records them in the run history.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/storage"
)

// ErrUnknownRun is returned when a run id is not tracked.
var ErrUnknownRun = errors.New("unknown run")

// Request describes one search.
type Request struct {
	Pairs []pairs.Pair
	// Source names where the pairs came from, for the history.
	Source string
	// Grid is searched when set, otherwise Candidates, otherwise the
	// default grid.
	Grid       params.Grid
	Candidates []params.ParameterSet
	Options    optimizer.Options
}

// Runner starts searches. Finished runs stay in memory until the process
// exits; the store keeps them afterwards.
type Runner struct {
	mu   sync.RWMutex
	runs map[string]*Run

	store *storage.Store
	eval  optimizer.Evaluator
	log   *slog.Logger
}

// NewRunner returns a runner using eval for every pair. store may be nil.
func NewRunner(store *storage.Store, eval optimizer.Evaluator, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		runs:  make(map[string]*Run),
		store: store,
		eval:  eval,
		log:   log,
	}
}

// Optimize runs a search to completion in the calling goroutine. The
// returned error is the search error, if any; the run is returned whenever
// the request was accepted.
func (r *Runner) Optimize(ctx context.Context, req Request) (*Run, error) {
	run, opt, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	r.execute(ctx, run, opt, req)
	return run, run.err
}

// Start validates req and runs the search in the background. Configuration
// errors are returned here; evaluation errors end up in the run.
func (r *Runner) Start(ctx context.Context, req Request) (*Run, error) {
	run, opt, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	go r.execute(ctx, run, opt, req)
	return run, nil
}

// Get returns a tracked run.
func (r *Runner) Get(id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return run, nil
}

// Store returns the history store, which may be nil.
func (r *Runner) Store() *storage.Store {
	return r.store
}

func (r *Runner) prepare(req Request) (*Run, *optimizer.Optimizer, error) {
	if len(req.Pairs) < 2 {
		return nil, nil, fmt.Errorf("%w: got %d", optimizer.ErrTooFewPairs, len(req.Pairs))
	}
	if err := pairs.Validate(req.Pairs); err != nil {
		return nil, nil, err
	}

	run := newRun(storage.NewRunID())
	opts := req.Options
	user := opts.Progress
	opts.Progress = func(ev optimizer.Event) {
		run.publish(ev)
		if user != nil {
			user(ev)
		}
	}

	log := r.log.With("run", run.ID)
	var (
		opt *optimizer.Optimizer
		err error
	)
	switch {
	case len(req.Grid) > 0:
		opt, err = optimizer.New(req.Grid, opts, r.eval, log)
	case len(req.Candidates) > 0:
		opt, err = optimizer.NewWithCandidates(req.Candidates, opts, r.eval, log)
	default:
		opt, err = optimizer.New(params.DefaultGrid(), opts, r.eval, log)
	}
	if err != nil {
		return nil, nil, err
	}
	run.GridSize = len(opt.Candidates())
	run.NPairs = len(req.Pairs)
	run.Mode = string(opts.Mode)

	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()
	return run, opt, nil
}

func (r *Runner) execute(ctx context.Context, run *Run, opt *optimizer.Optimizer, req Request) {
	log := r.log.With("run", run.ID)

	rec := &storage.RunRecord{
		ID:          run.ID,
		Source:      req.Source,
		CVMode:      run.Mode,
		NPairs:      run.NPairs,
		GridSize:    run.GridSize,
		OptionsJSON: optionsJSON(req.Options),
		CreatedAt:   run.Started.UTC(),
	}
	if err := r.store.RecordRunStarted(rec); err != nil {
		log.Warn("record run start failed", "error", err)
	}
	log.Info("search started", "pairs", run.NPairs, "grid_size", run.GridSize, "cv_mode", run.Mode)

	best, rep, err := opt.Search(ctx, req.Pairs)
	if err != nil {
		log.Error("search failed", "error", err)
		if serr := r.store.RecordRunFailed(run.ID, err); serr != nil {
			log.Warn("record run failure failed", "error", serr)
		}
		run.finish(nil, nil, err)
		return
	}

	if serr := r.store.RecordRunResult(run.ID, best, rep, rep.BestCost()); serr != nil {
		log.Warn("record run result failed", "error", serr)
	}
	run.finish(&best, rep, nil)
}

// optionsJSON captures the settings that shape a search.
func optionsJSON(o optimizer.Options) string {
	v := map[string]any{
		"alpha":              o.Alpha,
		"test_size":          o.TestSize,
		"seed":               o.Seed,
		"cv_mode":            o.Mode,
		"n_splits":           o.NSplits,
		"min_inliers":        o.MinInliers,
		"warmup_pairs":       o.WarmupPairs,
		"time_limit_s":       o.TimeLimit.Seconds(),
		"successive_halving": o.SuccessiveHalving,
		"halving_eta":        o.HalvingEta,
		"patience_bad_folds": o.PatienceBadFolds,
		"workers":            o.Workers,
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Status values of a run.
const (
	StatusRunning = storage.StatusRunning
	StatusDone    = storage.StatusDone
	StatusFailed  = storage.StatusFailed
)

// Run is one search in progress or finished.
type Run struct {
	ID       string
	Mode     string
	NPairs   int
	GridSize int
	Started  time.Time

	mu       sync.Mutex
	status   string
	events   []optimizer.Event
	best     *params.ParameterSet
	report   *optimizer.Report
	err      error
	finished time.Time
	notify   chan struct{}
	done     chan struct{}
}

func newRun(id string) *Run {
	return &Run{
		ID:      id,
		Started: time.Now(),
		status:  StatusRunning,
		notify:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (run *Run) publish(ev optimizer.Event) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.events = append(run.events, ev)
	close(run.notify)
	run.notify = make(chan struct{})
}

func (run *Run) finish(best *params.ParameterSet, rep *optimizer.Report, err error) {
	run.mu.Lock()
	run.best = best
	run.report = rep
	run.err = err
	run.finished = time.Now()
	if err != nil {
		run.status = StatusFailed
	} else {
		run.status = StatusDone
	}
	close(run.notify)
	run.notify = make(chan struct{})
	run.mu.Unlock()
	close(run.done)
}

// Events returns the events after index from, whether the run has
// finished, and a channel closed on the next change.
func (run *Run) Events(from int) ([]optimizer.Event, bool, <-chan struct{}) {
	run.mu.Lock()
	defer run.mu.Unlock()
	var out []optimizer.Event
	if from < len(run.events) {
		out = append(out, run.events[from:]...)
	}
	return out, run.status != StatusRunning, run.notify
}

// Wait blocks until the run finishes or ctx is done.
func (run *Run) Wait(ctx context.Context) error {
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the winner and report of a finished run.
func (run *Run) Result() (params.ParameterSet, *optimizer.Report, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.status == StatusRunning {
		return params.ParameterSet{}, nil, fmt.Errorf("run %s still running", run.ID)
	}
	if run.err != nil {
		return params.ParameterSet{}, nil, run.err
	}
	return *run.best, run.report, nil
}

// Status is a JSON view of a run.
type Status struct {
	ID         string               `json:"id"`
	Status     string               `json:"status"`
	CVMode     string               `json:"cv_mode"`
	NPairs     int                  `json:"n_pairs"`
	GridSize   int                  `json:"grid_size"`
	Events     int                  `json:"events"`
	Best       *params.ParameterSet `json:"best,omitempty"`
	Report     *optimizer.Report    `json:"report,omitempty"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// Snapshot returns the current status.
func (run *Run) Snapshot() Status {
	run.mu.Lock()
	defer run.mu.Unlock()
	st := Status{
		ID:        run.ID,
		Status:    run.status,
		CVMode:    run.Mode,
		NPairs:    run.NPairs,
		GridSize:  run.GridSize,
		Events:    len(run.events),
		Best:      run.best,
		Report:    run.report,
		StartedAt: run.Started,
	}
	if run.err != nil {
		st.Error = run.err.Error()
	}
	if !run.finished.IsZero() {
		t := run.finished
		st.FinishedAt = &t
	}
	return st
}
