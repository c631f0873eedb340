// Package matching finds nearest-neighbour correspondences between two
// descriptor sets and filters them with the ratio test.
package matching

import (
	"errors"
	"fmt"

	"autogeoref/internal/features"
	"autogeoref/internal/params"
)

// Match is a correspondence between query row QueryIdx (image 1) and train
// row TrainIdx (image 2).
type Match struct {
	QueryIdx int     `json:"query_idx"`
	TrainIdx int     `json:"train_idx"`
	Distance float64 `json:"distance"`
}

// ErrDescriptorMismatch is returned when query and train rows cannot be compared.
var ErrDescriptorMismatch = errors.New("descriptor mismatch")

// Matcher returns, for every query row, up to k train neighbours sorted by
// ascending distance. Ties keep the lower train index first.
type Matcher interface {
	KnnMatch(query, train features.Descriptors, k int) ([][]Match, error)
	Name() string
}

// AutoApproximateMin is the train-set size from which the automatic matcher
// switches from exhaustive to approximate search.
const AutoApproximateMin = 1000

// Strategy is the concrete search a matcher kind resolves to.
type Strategy string

const (
	StrategyExhaustive  Strategy = "exhaustive"
	StrategyApproximate Strategy = "approximate"
)

// ResolveStrategy returns the search strategy kind uses for a train set of
// trainSize rows.
func ResolveStrategy(kind params.MatcherKind, trainSize int) (Strategy, error) {
	switch kind {
	case params.MatcherExhaustive:
		return StrategyExhaustive, nil
	case params.MatcherApproximate:
		return StrategyApproximate, nil
	case params.MatcherAutomatic:
		if trainSize >= AutoApproximateMin {
			return StrategyApproximate, nil
		}
		return StrategyExhaustive, nil
	}
	return "", fmt.Errorf("%w: %q", params.ErrUnknownMatcher, kind)
}

// New builds a matcher of the given kind for descriptors of type elem.
func New(kind params.MatcherKind, elem features.DescriptorType) (Matcher, error) {
	if elem != features.Binary && elem != features.Float {
		return nil, fmt.Errorf("%w: unsupported descriptor type %s", ErrDescriptorMismatch, elem)
	}
	switch kind {
	case params.MatcherExhaustive:
		return &BruteForce{Elem: elem}, nil
	case params.MatcherApproximate:
		return newApproximate(elem), nil
	case params.MatcherAutomatic:
		return &Auto{Elem: elem, exhaustive: &BruteForce{Elem: elem}, approximate: newApproximate(elem)}, nil
	}
	return nil, fmt.Errorf("%w: %q", params.ErrUnknownMatcher, kind)
}

func newApproximate(elem features.DescriptorType) Matcher {
	if elem == features.Binary {
		return NewLSH(DefaultLSHOptions())
	}
	return &KDTree{}
}

// Auto delegates to exhaustive search for small train sets and to
// approximate search for large ones.
type Auto struct {
	Elem        features.DescriptorType
	exhaustive  Matcher
	approximate Matcher
}

func (a *Auto) Name() string { return "auto" }

func (a *Auto) KnnMatch(query, train features.Descriptors, k int) ([][]Match, error) {
	strategy, _ := ResolveStrategy(params.MatcherAutomatic, train.Len())
	if strategy == StrategyApproximate {
		return a.approximate.KnnMatch(query, train, k)
	}
	return a.exhaustive.KnnMatch(query, train, k)
}

func checkPair(query, train features.Descriptors, want features.DescriptorType) error {
	if query.Type != want || train.Type != want {
		return fmt.Errorf("%w: want %s rows, got %s and %s", ErrDescriptorMismatch, want, query.Type, train.Type)
	}
	if query.Len() > 0 && train.Len() > 0 && query.Width() != train.Width() {
		return fmt.Errorf("%w: row width %d vs %d", ErrDescriptorMismatch, query.Width(), train.Width())
	}
	return nil
}

// topK keeps the k smallest matches seen so far, sorted by distance.
// Candidates must be offered in increasing train index for the tie rule to hold.
type topK struct {
	k     int
	items []Match
}

func (t *topK) offer(m Match) {
	if len(t.items) == t.k && !less(m, t.items[len(t.items)-1]) {
		return
	}
	pos := len(t.items)
	for pos > 0 && less(m, t.items[pos-1]) {
		pos--
	}
	if len(t.items) < t.k {
		t.items = append(t.items, Match{})
	}
	copy(t.items[pos+1:], t.items[pos:len(t.items)-1])
	t.items[pos] = m
}

func less(a, b Match) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.TrainIdx < b.TrainIdx
}
