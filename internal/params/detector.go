// Package params defines the parameter model searched by the optimizer:
// detector configurations, matcher kinds, parameter sets and grids.
package params

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DetectorKind names a keypoint detector family.
type DetectorKind string

const (
	DetectorORB   DetectorKind = "ORB"
	DetectorSIFT  DetectorKind = "SIFT"
	DetectorAKAZE DetectorKind = "AKAZE"
)

// Knob key prefixes, one per detector family.
const (
	prefixORB   = "orb_"
	prefixSIFT  = "sift_"
	prefixAKAZE = "akaze_"
)

// ParseDetectorKind accepts ORB, SIFT or AKAZE in any case.
func ParseDetectorKind(s string) (DetectorKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ORB":
		return DetectorORB, nil
	case "SIFT":
		return DetectorSIFT, nil
	case "AKAZE":
		return DetectorAKAZE, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDetector, s)
}

func (k DetectorKind) prefix() string {
	switch k {
	case DetectorORB:
		return prefixORB
	case DetectorSIFT:
		return prefixSIFT
	case DetectorAKAZE:
		return prefixAKAZE
	}
	return ""
}

// DetectorConfig is the configuration of one detector family. The set of
// implementations is closed: ORBConfig, SIFTConfig and AKAZEConfig.
type DetectorConfig interface {
	Kind() DetectorKind
	Validate() error
	// Knobs returns the knob values keyed by their flat names (orb_nfeatures, ...).
	Knobs() map[string]any
	withKnob(key string, v any) (DetectorConfig, error)
}

// DefaultDetectorConfig returns the default configuration for kind.
func DefaultDetectorConfig(kind DetectorKind) (DetectorConfig, error) {
	switch kind {
	case DetectorORB:
		return DefaultORB(), nil
	case DetectorSIFT:
		return DefaultSIFT(), nil
	case DetectorAKAZE:
		return DefaultAKAZE(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDetector, kind)
}

// KnobNames lists the flat knob names accepted for kind, sorted.
func KnobNames(kind DetectorKind) []string {
	cfg, err := DefaultDetectorConfig(kind)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Knobs()))
	for k := range cfg.Knobs() {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// knobOwner returns the detector a flat knob name belongs to.
func knobOwner(key string) (DetectorKind, bool) {
	for _, kind := range []DetectorKind{DetectorORB, DetectorSIFT, DetectorAKAZE} {
		if strings.HasPrefix(key, kind.prefix()) {
			return kind, true
		}
	}
	return "", false
}

// ORB score types.
const (
	ORBScoreHarris = "HARRIS"
	ORBScoreFAST   = "FAST"
)

// ORBConfig holds the ORB detector knobs.
type ORBConfig struct {
	NFeatures     int
	ScaleFactor   float64
	NLevels       int
	EdgeThreshold int
	FirstLevel    int
	WTAK          int
	ScoreType     string
	PatchSize     int
	FastThreshold int
}

// DefaultORB returns the OpenCV ORB defaults with 2000 features.
func DefaultORB() ORBConfig {
	return ORBConfig{
		NFeatures:     2000,
		ScaleFactor:   1.2,
		NLevels:       8,
		EdgeThreshold: 31,
		FirstLevel:    0,
		WTAK:          2,
		ScoreType:     ORBScoreHarris,
		PatchSize:     31,
		FastThreshold: 20,
	}
}

func (ORBConfig) Kind() DetectorKind { return DetectorORB }

func (c ORBConfig) Validate() error {
	switch {
	case c.NFeatures <= 0:
		return invalid("orb_nfeatures must be positive, got %d", c.NFeatures)
	case c.ScaleFactor <= 1:
		return invalid("orb_scaleFactor must be greater than 1, got %g", c.ScaleFactor)
	case c.NLevels < 1:
		return invalid("orb_nlevels must be at least 1, got %d", c.NLevels)
	case c.EdgeThreshold < 0:
		return invalid("orb_edgeThreshold must not be negative, got %d", c.EdgeThreshold)
	case c.FirstLevel < 0 || c.FirstLevel >= c.NLevels:
		return invalid("orb_firstLevel must be in [0, nlevels), got %d", c.FirstLevel)
	case c.WTAK < 2 || c.WTAK > 4:
		return invalid("orb_WTA_K must be 2, 3 or 4, got %d", c.WTAK)
	case c.ScoreType != ORBScoreHarris && c.ScoreType != ORBScoreFAST:
		return invalid("orb_scoreType must be HARRIS or FAST, got %q", c.ScoreType)
	case c.PatchSize < 2:
		return invalid("orb_patchSize must be at least 2, got %d", c.PatchSize)
	case c.FastThreshold < 0:
		return invalid("orb_fastThreshold must not be negative, got %d", c.FastThreshold)
	}
	return nil
}

func (c ORBConfig) Knobs() map[string]any {
	return map[string]any{
		"orb_nfeatures":     c.NFeatures,
		"orb_scaleFactor":   c.ScaleFactor,
		"orb_nlevels":       c.NLevels,
		"orb_edgeThreshold": c.EdgeThreshold,
		"orb_firstLevel":    c.FirstLevel,
		"orb_WTA_K":         c.WTAK,
		"orb_scoreType":     c.ScoreType,
		"orb_patchSize":     c.PatchSize,
		"orb_fastThreshold": c.FastThreshold,
	}
}

func (c ORBConfig) withKnob(key string, v any) (DetectorConfig, error) {
	var err error
	switch key {
	case "orb_nfeatures":
		c.NFeatures, err = asInt(key, v)
	case "orb_scaleFactor":
		c.ScaleFactor, err = asFloat(key, v)
	case "orb_nlevels":
		c.NLevels, err = asInt(key, v)
	case "orb_edgeThreshold":
		c.EdgeThreshold, err = asInt(key, v)
	case "orb_firstLevel":
		c.FirstLevel, err = asInt(key, v)
	case "orb_WTA_K":
		c.WTAK, err = asInt(key, v)
	case "orb_scoreType":
		c.ScoreType, err = asEnum(key, v, []string{ORBScoreHarris, ORBScoreFAST})
	case "orb_patchSize":
		c.PatchSize, err = asInt(key, v)
	case "orb_fastThreshold":
		c.FastThreshold, err = asInt(key, v)
	default:
		return c, invalid("unknown ORB knob %q", key)
	}
	return c, err
}

// SIFTConfig holds the SIFT detector knobs. NFeatures 0 keeps every keypoint.
type SIFTConfig struct {
	NFeatures         int
	NOctaveLayers     int
	ContrastThreshold float64
	EdgeThreshold     float64
	Sigma             float64
}

// DefaultSIFT returns the OpenCV SIFT defaults.
func DefaultSIFT() SIFTConfig {
	return SIFTConfig{
		NFeatures:         0,
		NOctaveLayers:     3,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
		Sigma:             1.6,
	}
}

func (SIFTConfig) Kind() DetectorKind { return DetectorSIFT }

func (c SIFTConfig) Validate() error {
	switch {
	case c.NFeatures < 0:
		return invalid("sift_nfeatures must not be negative, got %d", c.NFeatures)
	case c.NOctaveLayers < 1:
		return invalid("sift_nOctaveLayers must be at least 1, got %d", c.NOctaveLayers)
	case c.ContrastThreshold < 0:
		return invalid("sift_contrastThreshold must not be negative, got %g", c.ContrastThreshold)
	case c.EdgeThreshold <= 0:
		return invalid("sift_edgeThreshold must be positive, got %g", c.EdgeThreshold)
	case c.Sigma <= 0:
		return invalid("sift_sigma must be positive, got %g", c.Sigma)
	}
	return nil
}

func (c SIFTConfig) Knobs() map[string]any {
	return map[string]any{
		"sift_nfeatures":         c.NFeatures,
		"sift_nOctaveLayers":     c.NOctaveLayers,
		"sift_contrastThreshold": c.ContrastThreshold,
		"sift_edgeThreshold":     c.EdgeThreshold,
		"sift_sigma":             c.Sigma,
	}
}

func (c SIFTConfig) withKnob(key string, v any) (DetectorConfig, error) {
	var err error
	switch key {
	case "sift_nfeatures":
		c.NFeatures, err = asInt(key, v)
	case "sift_nOctaveLayers":
		c.NOctaveLayers, err = asInt(key, v)
	case "sift_contrastThreshold":
		c.ContrastThreshold, err = asFloat(key, v)
	case "sift_edgeThreshold":
		c.EdgeThreshold, err = asFloat(key, v)
	case "sift_sigma":
		c.Sigma, err = asFloat(key, v)
	default:
		return c, invalid("unknown SIFT knob %q", key)
	}
	return c, err
}

// AKAZE descriptor types and diffusivity functions, named as in OpenCV.
const (
	AKAZEDescriptorKAZEUpright = "KAZE_UPRIGHT"
	AKAZEDescriptorKAZE        = "KAZE"
	AKAZEDescriptorMLDBUpright = "MLDB_UPRIGHT"
	AKAZEDescriptorMLDB        = "MLDB"

	DiffusivityPMG1        = "PM_G1"
	DiffusivityPMG2        = "PM_G2"
	DiffusivityWeickert    = "WEICKERT"
	DiffusivityCharbonnier = "CHARBONNIER"
)

var (
	akazeDescriptorTypes = []string{"", "", AKAZEDescriptorKAZEUpright, AKAZEDescriptorKAZE, AKAZEDescriptorMLDBUpright, AKAZEDescriptorMLDB}
	akazeDiffusivities   = []string{DiffusivityPMG1, DiffusivityPMG2, DiffusivityWeickert, DiffusivityCharbonnier}
)

// AKAZEConfig holds the AKAZE detector knobs.
type AKAZEConfig struct {
	DescriptorType     string
	DescriptorSize     int
	DescriptorChannels int
	Threshold          float64
	NOctaves           int
	NOctaveLayers      int
	Diffusivity        string
}

// DefaultAKAZE returns the OpenCV AKAZE defaults.
func DefaultAKAZE() AKAZEConfig {
	return AKAZEConfig{
		DescriptorType:     AKAZEDescriptorMLDB,
		DescriptorSize:     0,
		DescriptorChannels: 3,
		Threshold:          0.001,
		NOctaves:           4,
		NOctaveLayers:      4,
		Diffusivity:        DiffusivityPMG2,
	}
}

func (AKAZEConfig) Kind() DetectorKind { return DetectorAKAZE }

func (c AKAZEConfig) Validate() error {
	switch {
	case indexOf(akazeDescriptorTypes, c.DescriptorType) < 2:
		return invalid("akaze_descriptor_type %q is not supported", c.DescriptorType)
	case c.DescriptorType != AKAZEDescriptorMLDB:
		// The bindings build AKAZE with its defaults, which extract MLDB.
		return invalid("akaze_descriptor_type %q cannot be honoured, only %s is available", c.DescriptorType, AKAZEDescriptorMLDB)
	case c.DescriptorSize < 0:
		return invalid("akaze_descriptor_size must not be negative, got %d", c.DescriptorSize)
	case c.DescriptorChannels < 1 || c.DescriptorChannels > 3:
		return invalid("akaze_descriptor_channels must be 1, 2 or 3, got %d", c.DescriptorChannels)
	case c.Threshold <= 0:
		return invalid("akaze_threshold must be positive, got %g", c.Threshold)
	case c.NOctaves < 1:
		return invalid("akaze_nOctaves must be at least 1, got %d", c.NOctaves)
	case c.NOctaveLayers < 1:
		return invalid("akaze_nOctaveLayers must be at least 1, got %d", c.NOctaveLayers)
	case indexOf(akazeDiffusivities, c.Diffusivity) < 0:
		return invalid("akaze_diffusivity %q is not supported", c.Diffusivity)
	}
	return nil
}

func (c AKAZEConfig) Knobs() map[string]any {
	return map[string]any{
		"akaze_descriptor_type":     c.DescriptorType,
		"akaze_descriptor_size":     c.DescriptorSize,
		"akaze_descriptor_channels": c.DescriptorChannels,
		"akaze_threshold":           c.Threshold,
		"akaze_nOctaves":            c.NOctaves,
		"akaze_nOctaveLayers":       c.NOctaveLayers,
		"akaze_diffusivity":         c.Diffusivity,
	}
}

func (c AKAZEConfig) withKnob(key string, v any) (DetectorConfig, error) {
	var err error
	switch key {
	case "akaze_descriptor_type":
		c.DescriptorType, err = asEnum(key, v, akazeDescriptorTypes)
	case "akaze_descriptor_size":
		c.DescriptorSize, err = asInt(key, v)
	case "akaze_descriptor_channels":
		c.DescriptorChannels, err = asInt(key, v)
	case "akaze_threshold":
		c.Threshold, err = asFloat(key, v)
	case "akaze_nOctaves":
		c.NOctaves, err = asInt(key, v)
	case "akaze_nOctaveLayers":
		c.NOctaveLayers, err = asInt(key, v)
	case "akaze_diffusivity":
		c.Diffusivity, err = asEnum(key, v, akazeDiffusivities)
	default:
		return c, invalid("unknown AKAZE knob %q", key)
	}
	return c, err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

func asFloat(key string, v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, invalid("%s must be a number, got %T", key, v)
}

func asInt(key string, v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, invalid("%s must be an integer, got %g", key, x)
		}
		return int(x), nil
	}
	return 0, invalid("%s must be an integer, got %T", key, v)
}

// asEnum accepts either a name from names (case-insensitive) or the OpenCV
// integer constant, which is the index into names.
func asEnum(key string, v any, names []string) (string, error) {
	switch x := v.(type) {
	case string:
		up := strings.ToUpper(strings.TrimSpace(x))
		if up != "" && indexOf(names, up) >= 0 {
			return up, nil
		}
		return "", invalid("%s: unsupported value %q", key, x)
	default:
		i, err := asInt(key, v)
		if err != nil {
			return "", err
		}
		if i < 0 || i >= len(names) || names[i] == "" {
			return "", invalid("%s: unsupported value %d", key, i)
		}
		return names[i], nil
	}
}

func indexOf(names []string, s string) int {
	for i, n := range names {
		if n != "" && n == s {
			return i
		}
	}
	return -1
}
