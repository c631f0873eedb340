package params

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MatcherKind selects the nearest-neighbour search strategy.
type MatcherKind string

const (
	MatcherExhaustive  MatcherKind = "bf"
	MatcherApproximate MatcherKind = "flann"
	MatcherAutomatic   MatcherKind = "auto"
)

// ParseMatcherKind accepts the short names (bf, flann, auto) and the long
// ones (exhaustive, approximate, automatic).
func ParseMatcherKind(s string) (MatcherKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bf", "exhaustive", "bruteforce", "brute-force":
		return MatcherExhaustive, nil
	case "flann", "approximate":
		return MatcherApproximate, nil
	case "auto", "automatic":
		return MatcherAutomatic, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMatcher, s)
}

// Flat dictionary keys shared by every detector.
const (
	KeyDetector     = "detector"
	KeyMatcherType  = "matcher_type"
	KeyRatioThresh  = "ratio_thresh"
	KeyRansacThresh = "ransac_thresh"
)

var commonKeys = []string{KeyDetector, KeyMatcherType, KeyRatioThresh, KeyRansacThresh}

// Defaults for the common keys.
const (
	DefaultRatioThresh  = 0.75
	DefaultRansacThresh = 3.0
)

// ParameterSet is one point of the search space. It is immutable once built.
type ParameterSet struct {
	Detector     DetectorConfig
	Matcher      MatcherKind
	RatioThresh  float64
	RansacThresh float64
}

// Default returns ORB with automatic matching and the default thresholds.
func Default() ParameterSet {
	return ParameterSet{
		Detector:     DefaultORB(),
		Matcher:      MatcherAutomatic,
		RatioThresh:  DefaultRatioThresh,
		RansacThresh: DefaultRansacThresh,
	}
}

// Validate checks the common thresholds and the detector knobs.
func (p ParameterSet) Validate() error {
	if p.Detector == nil {
		return fmt.Errorf("%w: missing detector", ErrUnknownDetector)
	}
	if _, err := ParseMatcherKind(string(p.Matcher)); err != nil {
		return err
	}
	if !(p.RatioThresh > 0 && p.RatioThresh <= 1) {
		return invalid("ratio_thresh must be in (0, 1], got %g", p.RatioThresh)
	}
	if !(p.RansacThresh > 0) {
		return invalid("ransac_thresh must be positive, got %g", p.RansacThresh)
	}
	return p.Detector.Validate()
}

// ToMap returns the flat dictionary form used in reports and export files.
func (p ParameterSet) ToMap() map[string]any {
	out := map[string]any{
		KeyMatcherType:  string(p.Matcher),
		KeyRatioThresh:  p.RatioThresh,
		KeyRansacThresh: p.RansacThresh,
	}
	if p.Detector != nil {
		out[KeyDetector] = string(p.Detector.Kind())
		for k, v := range p.Detector.Knobs() {
			out[k] = v
		}
	}
	return out
}

// FromMap builds a ParameterSet from a flat dictionary. Missing keys take
// their defaults; knobs belonging to another detector and unknown keys are
// rejected.
func FromMap(m map[string]any) (ParameterSet, error) {
	p := Default()

	if raw, ok := m[KeyDetector]; ok {
		s, ok := raw.(string)
		if !ok {
			return ParameterSet{}, fmt.Errorf("%w: detector must be a string, got %T", ErrUnknownDetector, raw)
		}
		kind, err := ParseDetectorKind(s)
		if err != nil {
			return ParameterSet{}, err
		}
		if p.Detector, err = DefaultDetectorConfig(kind); err != nil {
			return ParameterSet{}, err
		}
	}
	if raw, ok := m[KeyMatcherType]; ok {
		s, ok := raw.(string)
		if !ok {
			return ParameterSet{}, fmt.Errorf("%w: matcher_type must be a string, got %T", ErrUnknownMatcher, raw)
		}
		kind, err := ParseMatcherKind(s)
		if err != nil {
			return ParameterSet{}, err
		}
		p.Matcher = kind
	}

	var err error
	if raw, ok := m[KeyRatioThresh]; ok {
		if p.RatioThresh, err = asFloat(KeyRatioThresh, raw); err != nil {
			return ParameterSet{}, err
		}
	}
	if raw, ok := m[KeyRansacThresh]; ok {
		if p.RansacThresh, err = asFloat(KeyRansacThresh, raw); err != nil {
			return ParameterSet{}, err
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isCommonKey(k) {
			continue
		}
		owner, ok := knobOwner(k)
		if !ok {
			return ParameterSet{}, invalid("unknown key %q", k)
		}
		if owner != p.Detector.Kind() {
			return ParameterSet{}, invalid("knob %q does not apply to detector %s", k, p.Detector.Kind())
		}
		if p.Detector, err = p.Detector.withKnob(k, m[k]); err != nil {
			return ParameterSet{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return ParameterSet{}, err
	}
	return p, nil
}

// WithKnob returns a copy of p with one flat key replaced.
func (p ParameterSet) WithKnob(key string, v any) (ParameterSet, error) {
	m := p.ToMap()
	if key == KeyDetector {
		// switching detector resets knobs
		m = map[string]any{
			KeyMatcherType:  m[KeyMatcherType],
			KeyRatioThresh:  m[KeyRatioThresh],
			KeyRansacThresh: m[KeyRansacThresh],
		}
	}
	m[key] = v
	return FromMap(m)
}

// MarshalJSON writes the flat dictionary form.
func (p ParameterSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ToMap())
}

// UnmarshalJSON reads the flat dictionary form and validates it.
func (p *ParameterSet) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	// alpha_rmse travels alongside the parameters in export files
	delete(m, "alpha_rmse")
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Key returns a canonical string identifying the set, used for de-duplication.
func (p ParameterSet) Key() string {
	b, _ := json.Marshal(p.ToMap())
	return string(b)
}

// Label returns a short human-readable description for logs.
func (p ParameterSet) Label() string {
	det := "?"
	if p.Detector != nil {
		det = string(p.Detector.Kind())
	}
	return fmt.Sprintf("%s/%s ratio=%g ransac=%g", det, p.Matcher, p.RatioThresh, p.RansacThresh)
}

func isCommonKey(k string) bool {
	for _, c := range commonKeys {
		if c == k {
			return true
		}
	}
	return false
}
