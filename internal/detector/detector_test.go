package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"autogeoref/internal/features"
	"autogeoref/internal/params"
	"autogeoref/internal/synth"
)

func TestNewDetectorDescriptorTypes(t *testing.T) {
	tests := []struct {
		cfg  params.DetectorConfig
		want features.DescriptorType
	}{
		{params.DefaultORB(), features.Binary},
		{params.DefaultSIFT(), features.Float},
		{params.DefaultAKAZE(), features.Binary},
	}
	for _, tt := range tests {
		t.Run(string(tt.cfg.Kind()), func(t *testing.T) {
			d, err := New(tt.cfg)
			require.NoError(t, err)
			defer d.Close()
			assert.Equal(t, tt.want, d.DescriptorType())
			assert.Equal(t, tt.cfg.Kind(), d.Kind())
		})
	}
}

func TestNewDetectorRejectsInvalidConfig(t *testing.T) {
	bad := params.DefaultORB()
	bad.NLevels = 0
	_, err := New(bad)
	assert.ErrorIs(t, err, params.ErrInvalidParams)

	_, err = New(nil)
	assert.ErrorIs(t, err, params.ErrUnknownDetector)
}

func TestORBOnSyntheticScene(t *testing.T) {
	img := synth.BaseScene(1)
	defer img.Close()

	cfg := params.DefaultORB()
	cfg.NFeatures = 500
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	set, err := d.DetectAndDescribe(img)
	require.NoError(t, err)
	assert.Greater(t, set.Len(), 50)
	assert.LessOrEqual(t, set.Len(), 500)
	assert.Equal(t, set.Len(), set.Descriptors.Len())
	assert.Equal(t, 32, set.Descriptors.Width())
}

func TestSIFTFeatureCap(t *testing.T) {
	img := synth.BaseScene(1)
	defer img.Close()

	cfg := params.DefaultSIFT()
	cfg.NFeatures = 40
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	set, err := d.DetectAndDescribe(img)
	require.NoError(t, err)
	assert.LessOrEqual(t, set.Len(), 40)
	assert.Equal(t, 128, set.Descriptors.Width())
}

func TestBlankImageYieldsEmptySet(t *testing.T) {
	blank := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8U)
	defer blank.Close()
	blank.SetTo(gocv.NewScalar(0, 0, 0, 0))

	d, err := New(params.DefaultAKAZE())
	require.NoError(t, err)
	defer d.Close()

	set, err := d.DetectAndDescribe(blank)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, features.Binary, set.Descriptors.Type)
}
