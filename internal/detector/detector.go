// Package detector builds OpenCV keypoint detectors from parameter sets and
// converts their output to plain Go keypoints and descriptors.
package detector

import (
	"fmt"

	"gocv.io/x/gocv"

	"autogeoref/internal/features"
	"autogeoref/internal/params"
)

// Detector finds keypoints in a grayscale image and describes them.
type Detector interface {
	Kind() params.DetectorKind
	DescriptorType() features.DescriptorType
	// DetectAndDescribe returns an empty set, not an error, when nothing is found.
	DetectAndDescribe(gray gocv.Mat) (features.KeypointSet, error)
	Close() error
}

type extractor interface {
	DetectAndCompute(src gocv.Mat, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)
	Close() error
}

type cvDetector struct {
	kind   params.DetectorKind
	elem   features.DescriptorType
	ext    extractor
	filter func(features.KeypointSet) features.KeypointSet
}

// New builds the detector described by cfg.
//
// ORB takes every knob. The OpenCV bindings construct SIFT and AKAZE with
// their library defaults only, so for those the knobs that can be expressed
// on the output are applied after detection: the strongest-N cap and the
// response thresholds, plus the octave limit for AKAZE.
func New(cfg params.DetectorConfig) (Detector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing detector config", params.ErrUnknownDetector)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case params.ORBConfig:
		score := gocv.ORBScoreTypeHarris
		if c.ScoreType == params.ORBScoreFAST {
			score = gocv.ORBScoreTypeFAST
		}
		orb := gocv.NewORBWithParams(c.NFeatures, float32(c.ScaleFactor), c.NLevels, c.EdgeThreshold,
			c.FirstLevel, c.WTAK, score, c.PatchSize, c.FastThreshold)
		return &cvDetector{kind: params.DetectorORB, elem: features.Binary, ext: &orb}, nil

	case params.SIFTConfig:
		sift := gocv.NewSIFT()
		return &cvDetector{kind: params.DetectorSIFT, elem: features.Float, ext: &sift, filter: siftFilter(c)}, nil

	case params.AKAZEConfig:
		akaze := gocv.NewAKAZE()
		return &cvDetector{kind: params.DetectorAKAZE, elem: features.Binary, ext: &akaze, filter: akazeFilter(c)}, nil
	}
	return nil, fmt.Errorf("%w: %T", params.ErrUnknownDetector, cfg)
}

func (d *cvDetector) Kind() params.DetectorKind               { return d.kind }
func (d *cvDetector) DescriptorType() features.DescriptorType { return d.elem }
func (d *cvDetector) Close() error                            { return d.ext.Close() }

func (d *cvDetector) DetectAndDescribe(gray gocv.Mat) (features.KeypointSet, error) {
	empty := features.KeypointSet{Descriptors: features.Descriptors{Type: d.elem}}
	if gray.Empty() {
		return empty, fmt.Errorf("detect %s: empty image", d.kind)
	}

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := d.ext.DetectAndCompute(gray, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return empty, nil
	}

	rows, err := convertDescriptors(desc, d.elem)
	if err != nil {
		return empty, fmt.Errorf("detect %s: %w", d.kind, err)
	}
	if rows.Len() != len(kps) {
		return empty, fmt.Errorf("detect %s: %d keypoints but %d descriptor rows", d.kind, len(kps), rows.Len())
	}

	set := features.KeypointSet{Keypoints: make([]features.Keypoint, len(kps)), Descriptors: rows}
	for i, kp := range kps {
		set.Keypoints[i] = features.Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		}
	}
	if d.filter != nil {
		set = d.filter(set)
	}
	return set, nil
}

func siftFilter(c params.SIFTConfig) func(features.KeypointSet) features.KeypointSet {
	def := params.DefaultSIFT()
	return func(s features.KeypointSet) features.KeypointSet {
		// OpenCV rejects extrema below contrastThreshold / nOctaveLayers
		if c.ContrastThreshold > def.ContrastThreshold {
			s = s.MinResponse(c.ContrastThreshold / float64(c.NOctaveLayers))
		}
		return s.StrongestN(c.NFeatures)
	}
}

func akazeFilter(c params.AKAZEConfig) func(features.KeypointSet) features.KeypointSet {
	def := params.DefaultAKAZE()
	return func(s features.KeypointSet) features.KeypointSet {
		if c.Threshold > def.Threshold {
			s = s.MinResponse(c.Threshold)
		}
		if c.NOctaves < def.NOctaves {
			var keep []int
			for i, kp := range s.Keypoints {
				if kp.Octave < c.NOctaves {
					keep = append(keep, i)
				}
			}
			s = s.Select(keep)
		}
		return s
	}
}

// convertDescriptors copies a descriptor Mat into Go rows.
func convertDescriptors(desc gocv.Mat, elem features.DescriptorType) (features.Descriptors, error) {
	rows, cols := desc.Rows(), desc.Cols()
	switch elem {
	case features.Binary:
		if desc.Type() != gocv.MatTypeCV8U {
			return features.Descriptors{}, fmt.Errorf("binary descriptors must be CV_8U, got %v", desc.Type())
		}
		out := make([][]byte, rows)
		for r := 0; r < rows; r++ {
			row := make([]byte, cols)
			for c := 0; c < cols; c++ {
				row[c] = desc.GetUCharAt(r, c)
			}
			out[r] = row
		}
		return features.NewBinaryDescriptors(out), nil

	case features.Float:
		if desc.Type() != gocv.MatTypeCV32F {
			return features.Descriptors{}, fmt.Errorf("float descriptors must be CV_32F, got %v", desc.Type())
		}
		out := make([][]float32, rows)
		for r := 0; r < rows; r++ {
			row := make([]float32, cols)
			for c := 0; c < cols; c++ {
				row[c] = desc.GetFloatAt(r, c)
			}
			out[r] = row
		}
		return features.NewFloatDescriptors(out), nil
	}
	return features.Descriptors{}, fmt.Errorf("unsupported descriptor type %s", elem)
}
