package segment

import (
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// createSolidBuffer fills a buffer with a single opaque color
func createSolidBuffer(width, height int, r, g, b uint8) raster.PixelBuffer {
	buf := raster.NewPixelBuffer(width, height)
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, 255
	}
	return buf
}

// createPlanBuffer mimics a scanned plan: cream paper, green stall outlines, black text
func createPlanBuffer(width, height int) raster.PixelBuffer {
	buf := createSolidBuffer(width, height, 245, 240, 220)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := 4 * (y*width + x)
			switch {
			case x == width/4 || y == height/4:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = 20, 160, 60
			case x > width/2 && x < width/2+3 && y > height/2 && y < height/2+3:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = 10, 10, 10
			}
		}
	}
	return buf
}

func greenParams() types.SegmentationParams {
	return types.SegmentationParams{HueMin: 70, HueMax: 160, SaturationMin: 25, ValueMin: 25, KeepDarkLuminance: true}
}

func TestRGBToHSV(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b uint8
		h, s, v float64
	}{
		{"red", 255, 0, 0, 0, 1, 1},
		{"green", 0, 255, 0, 120, 1, 1},
		{"blue", 0, 0, 255, 240, 1, 1},
		{"magenta wraps below 360", 255, 0, 128, 329.882, 1, 1},
		{"black", 0, 0, 0, 0, 0, 0},
		{"mid gray", 128, 128, 128, 0, 0, 128.0 / 255},
		{"dark yellow", 128, 128, 0, 60, 1, 128.0 / 255},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h, s, v := RGBToHSV(test.r, test.g, test.b)
			assert.InDelta(t, test.h, h, 1e-3)
			assert.InDelta(t, test.s, s, 1e-9)
			assert.InDelta(t, test.v, v, 1e-9)
			assert.GreaterOrEqual(t, h, 0.0)
			assert.Less(t, h, 360.0)
		})
	}
}

func TestLuminance(t *testing.T) {
	assert.InDelta(t, 182.376, Luminance(0, 255, 0), 1e-3)
	assert.InDelta(t, 255.0, Luminance(255, 255, 255), 1e-9)
	assert.Equal(t, 0.0, Luminance(0, 0, 0))
}

func TestInHueBandWrapAround(t *testing.T) {
	assert.True(t, InHueBand(350, 340, 20))
	assert.True(t, InHueBand(5, 340, 20))
	assert.False(t, InHueBand(120, 340, 20))
	assert.True(t, InHueBand(70, 70, 160))
	assert.True(t, InHueBand(160, 70, 160))
	assert.False(t, InHueBand(160.5, 70, 160))
}

func TestPureGreenKeptInGreenBand(t *testing.T) {
	src := createSolidBuffer(100, 100, 0, 255, 0)

	out, stats, err := Apply(src, greenParams())
	require.NoError(t, err)

	for i := 3; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 255 {
			t.Fatalf("pixel %d alpha = %d, want 255", i/4, out.Pix[i])
		}
	}
	assert.Equal(t, 10000, stats.Kept)
	assert.Equal(t, image.Rect(0, 0, 100, 100), stats.OpaqueBounds)
}

func TestPureGreenDroppedInRedBand(t *testing.T) {
	src := createSolidBuffer(100, 100, 0, 255, 0)
	params := greenParams()
	params.HueMin, params.HueMax = 0, 10

	out, stats, err := Apply(src, params)
	require.NoError(t, err)

	for i := 3; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 0 {
			t.Fatalf("pixel %d alpha = %d, want 0", i/4, out.Pix[i])
		}
	}
	assert.Zero(t, stats.Kept)
	assert.True(t, stats.OpaqueBounds.Empty())
}

func TestDarkLuminanceOverridesHue(t *testing.T) {
	src := createSolidBuffer(4, 4, 60, 20, 20)
	params := greenParams()

	out, _, err := Apply(src, params)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.Pix[3])

	params.KeepDarkLuminance = false
	out, _, err = Apply(src, params)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), out.Pix[3])
}

func TestSaturationAndValueThresholds(t *testing.T) {
	params := types.SegmentationParams{HueMin: 70, HueMax: 160, SaturationMin: 50, ValueMin: 50}

	// s = 0.4
	assert.False(t, Keep(150, 250, 150, params))
	// s = 1, v ~ 0.39
	assert.False(t, Keep(0, 100, 0, params))
	assert.True(t, Keep(0, 200, 0, params))
}

func TestApplyOnlyTouchesAlpha(t *testing.T) {
	src := createPlanBuffer(64, 48)
	// make source alpha non-trivial
	for i := 3; i < len(src.Pix); i += 8 {
		src.Pix[i] = 17
	}

	out, _, err := Apply(src, greenParams())
	require.NoError(t, err)

	for i := 0; i < len(src.Pix); i += 4 {
		if src.Pix[i] != out.Pix[i] || src.Pix[i+1] != out.Pix[i+1] || src.Pix[i+2] != out.Pix[i+2] {
			t.Fatalf("pixel %d RGB changed", i/4)
		}
		if a := out.Pix[i+3]; a != 0 && a != 255 {
			t.Fatalf("pixel %d alpha = %d, want 0 or 255", i/4, a)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	src := createPlanBuffer(80, 60)
	before := src.Clone()

	a, statsA, err := Apply(src, greenParams())
	require.NoError(t, err)
	b, statsB, err := Apply(src, greenParams())
	require.NoError(t, err)

	if diff := cmp.Diff(a.Pix, b.Pix); diff != "" {
		t.Errorf("second run differs (-first +second):\n%s", diff)
	}
	assert.Equal(t, statsA, statsB)
	assert.Equal(t, before.Pix, src.Pix, "input must not be modified")
}

func TestPlanSegmentation(t *testing.T) {
	src := createPlanBuffer(40, 40)

	out, stats, err := Apply(src, greenParams())
	require.NoError(t, err)

	// paper dropped, outline kept, text kept
	assert.Equal(t, uint8(0), out.Pix[3])
	_, _, _, a := out.At(10, 5)
	assert.Equal(t, uint8(255), a)
	_, _, _, a = out.At(21, 21)
	assert.Equal(t, uint8(255), a)
	assert.Greater(t, stats.KeptRatio(), 0.0)
	assert.Less(t, stats.KeptRatio(), 0.2)
}

func TestApplyRejectsInvalidParams(t *testing.T) {
	src := createSolidBuffer(2, 2, 0, 0, 0)

	invalid := []types.SegmentationParams{
		{HueMin: -1, HueMax: 10},
		{HueMin: 0, HueMax: 360},
		{HueMin: 0, HueMax: 10, SaturationMin: 101},
		{HueMin: 0, HueMax: 10, ValueMin: -5},
		{HueMin: math.NaN(), HueMax: 10},
	}
	for _, p := range invalid {
		_, _, err := Apply(src, p)
		assert.ErrorIs(t, err, types.ErrInput, "%+v", p)
	}
}

func TestProcessKeepsBuffersAligned(t *testing.T) {
	src := createPlanBuffer(30, 20)

	for _, rot := range []types.Rotation{types.Rotate0, types.Rotate90, types.Rotate180, types.Rotate270} {
		res, err := Process(src, greenParams(), rot)
		require.NoError(t, err)

		assert.Equal(t, res.Reference.Width, res.Filtered.Width)
		assert.Equal(t, res.Reference.Height, res.Filtered.Height)
		if rot.SwapsAxes() {
			assert.Equal(t, 20, res.Filtered.Width)
			assert.Equal(t, 30, res.Filtered.Height)
		} else {
			assert.Equal(t, 30, res.Filtered.Width)
		}

		for i := 0; i < len(res.Reference.Pix); i += 4 {
			if res.Reference.Pix[i] != res.Filtered.Pix[i] || res.Reference.Pix[i+1] != res.Filtered.Pix[i+1] {
				t.Fatalf("rotation %d: pixel %d misaligned", rot, i/4)
			}
		}
	}
}

func TestProcessRejectsOddRotation(t *testing.T) {
	_, err := Process(createSolidBuffer(2, 2, 0, 0, 0), greenParams(), types.Rotation(45))
	assert.ErrorIs(t, err, types.ErrInput)
}

func BenchmarkApply(b *testing.B) {
	src := createPlanBuffer(1920, 1080)
	params := greenParams()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Apply(src, params)
	}
}
