package params

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Grid maps flat keys to the list of values to try.
type Grid map[string][]any

// DefaultGrid returns the grid searched when none is given.
func DefaultGrid() Grid {
	return Grid{
		KeyDetector:     {"SIFT", "AKAZE", "ORB"},
		KeyMatcherType:  {"auto", "flann"},
		KeyRatioThresh:  {0.7, 0.75},
		KeyRansacThresh: {2.0, 3.0},

		"sift_nfeatures": {0.0, 2000.0},

		"akaze_threshold": {0.0008, 0.0012},
		"akaze_nOctaves":  {4.0, 6.0},

		"orb_nfeatures":   {1500.0, 2500.0},
		"orb_scaleFactor": {1.2, 1.4},
		"orb_nlevels":     {8.0, 12.0},
	}
}

// ParseGrid decodes a JSON object of arrays. Scalars are accepted as
// single-element lists.
func ParseGrid(data []byte) (Grid, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	g := make(Grid, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case []any:
			g[k] = x
		default:
			g[k] = []any{x}
		}
	}
	return g, nil
}

// Enumerate expands the grid into parameter sets. Each detector listed
// under "detector" is combined with the common keys and its own knobs only.
// The result is deterministic and free of duplicates.
func (g Grid) Enumerate() ([]ParameterSet, error) {
	if len(g) == 0 {
		return nil, fmt.Errorf("%w: empty grid", ErrInvalidGrid)
	}

	detectors := []DetectorKind{DetectorORB}
	if vals, ok := g[KeyDetector]; ok {
		detectors = detectors[:0]
		seen := map[DetectorKind]bool{}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: detector values must be strings, got %T", ErrInvalidGrid, v)
			}
			kind, err := ParseDetectorKind(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidGrid, err)
			}
			if !seen[kind] {
				seen[kind] = true
				detectors = append(detectors, kind)
			}
		}
	}

	listed := map[DetectorKind]bool{}
	for _, d := range detectors {
		listed[d] = true
	}

	keys := make([]string, 0, len(g))
	for k, vals := range g {
		if len(vals) == 0 {
			return nil, fmt.Errorf("%w: %q has no values", ErrInvalidGrid, k)
		}
		if k == KeyDetector {
			continue
		}
		if !isCommonKey(k) {
			owner, ok := knobOwner(k)
			if !ok {
				return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidGrid, k)
			}
			if !listed[owner] {
				return nil, fmt.Errorf("%w: %q given but detector %s is not searched", ErrInvalidGrid, k, owner)
			}
			if !containsString(KnobNames(owner), k) {
				return nil, fmt.Errorf("%w: unknown %s knob %q", ErrInvalidGrid, owner, k)
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []ParameterSet
	seen := map[string]bool{}
	for _, det := range detectors {
		var own []string
		for _, k := range keys {
			if isCommonKey(k) {
				own = append(own, k)
				continue
			}
			if owner, _ := knobOwner(k); owner == det {
				own = append(own, k)
			}
		}

		err := product(g, own, func(assign map[string]any) error {
			assign[KeyDetector] = string(det)
			p, err := FromMap(assign)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidGrid, err)
			}
			if k := p.Key(); !seen[k] {
				seen[k] = true
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Size returns the number of parameter sets Enumerate would produce.
func (g Grid) Size() (int, error) {
	sets, err := g.Enumerate()
	return len(sets), err
}

// product calls fn for every combination of values of keys, with the last
// key varying fastest.
func product(g Grid, keys []string, fn func(map[string]any) error) error {
	idx := make([]int, len(keys))
	for {
		assign := make(map[string]any, len(keys)+1)
		for i, k := range keys {
			assign[k] = g[k][idx[i]]
		}
		if err := fn(assign); err != nil {
			return err
		}

		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(g[keys[i]]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
