package optimizer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrTooFewPairs     = errors.New("at least 2 image pairs are required")
	ErrInvalidOptions  = errors.New("invalid optimizer options")
	ErrEmptyCandidates = errors.New("parameter grid produced no candidates")
)

// Mode is the cross-validation scheme.
type Mode string

const (
	ModeHoldout Mode = "holdout"
	ModeKFold   Mode = "kfold"
)

// ParseMode accepts "holdout" and "kfold" (also "k-fold").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "holdout":
		return ModeHoldout, nil
	case "kfold", "k-fold":
		return ModeKFold, nil
	}
	return "", fmt.Errorf("%w: unknown cv mode %q", ErrInvalidOptions, s)
}

// DefaultFailureCost replaces the cost of a pair whose evaluation failed.
// It equals the no-homography penalty with zero inliers.
const DefaultFailureCost = 1000.0

// Options configures a search. Nil pointers and zero durations disable the
// corresponding early-exit rule.
type Options struct {
	Alpha    float64
	TestSize float64
	Seed     int64
	Mode     Mode
	NSplits  int

	MinInliers *float64

	// WarmupPairs is the number of pairs evaluated before the early-exit
	// rules apply. Zero makes them apply from the first pair.
	WarmupPairs int
	// TimeLimit bounds the summed evaluation time of one candidate over one
	// subset. It is checked between pairs only.
	TimeLimit time.Duration

	SuccessiveHalving bool
	HalvingEta        int

	// PatienceBadFolds stops a k-fold candidate once its running fold mean
	// exceeds best + (f-1)*|best|, where best is the best candidate mean so
	// far. This is f*best for positive means; for negative means the margin
	// is taken on the magnitude, so a candidate doing better than best is
	// never cut.
	PatienceBadFolds *float64

	// Workers > 1 evaluates the cells of each phase on a pool first and then
	// replays the early-exit rules over the results in pair order. Scores are
	// identical to a sequential run, but pairs a sequential run would have
	// skipped still get evaluated.
	Workers int

	FailureCost float64

	// Clock measures per-pair evaluation time. Defaults to time.Now.
	Clock func() time.Time
	// Progress, if set, receives one event per scored candidate subset.
	Progress func(Event)
}

// DefaultOptions mirrors the command-line defaults.
func DefaultOptions() Options {
	return Options{
		Alpha:       0.1,
		TestSize:    0.25,
		Seed:        42,
		Mode:        ModeHoldout,
		NSplits:     5,
		WarmupPairs: 2,
		HalvingEta:  3,
		Workers:     1,
		FailureCost: DefaultFailureCost,
	}
}

// Validate checks ranges. Fold counts are not checked here since they are
// clamped against the pair count at search time.
func (o Options) Validate() error {
	if math.IsNaN(o.Alpha) || math.IsInf(o.Alpha, 0) || o.Alpha < 0 {
		return fmt.Errorf("%w: alpha must be finite and >= 0, got %v", ErrInvalidOptions, o.Alpha)
	}
	if o.Mode != ModeHoldout && o.Mode != ModeKFold {
		return fmt.Errorf("%w: unknown cv mode %q", ErrInvalidOptions, o.Mode)
	}
	if !(o.TestSize > 0 && o.TestSize < 1) {
		return fmt.Errorf("%w: test size must be in (0, 1), got %v", ErrInvalidOptions, o.TestSize)
	}
	if o.WarmupPairs < 0 {
		return fmt.Errorf("%w: warmup pairs must be >= 0, got %d", ErrInvalidOptions, o.WarmupPairs)
	}
	if o.TimeLimit < 0 {
		return fmt.Errorf("%w: time limit must be >= 0, got %v", ErrInvalidOptions, o.TimeLimit)
	}
	if o.SuccessiveHalving && o.HalvingEta < 2 {
		return fmt.Errorf("%w: halving eta must be >= 2, got %d", ErrInvalidOptions, o.HalvingEta)
	}
	if o.PatienceBadFolds != nil && !(*o.PatienceBadFolds > 0) {
		return fmt.Errorf("%w: fold patience must be > 0, got %v", ErrInvalidOptions, *o.PatienceBadFolds)
	}
	if o.MinInliers != nil && math.IsNaN(*o.MinInliers) {
		return fmt.Errorf("%w: min inliers is NaN", ErrInvalidOptions)
	}
	if math.IsNaN(o.FailureCost) || math.IsInf(o.FailureCost, 0) {
		return fmt.Errorf("%w: failure cost must be finite", ErrInvalidOptions)
	}
	return nil
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return 1
	}
	return o.Workers
}

func (o Options) rules() rules {
	return rules{
		warmup:     o.WarmupPairs,
		minInliers: o.MinInliers,
		timeLimit:  o.TimeLimit,
	}
}

// Float returns a pointer to v, for the optional thresholds.
func Float(v float64) *float64 {
	return &v
}
