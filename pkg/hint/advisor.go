// Package hint proposes segmentation parameters for a scanned plan without any
// operator input, by locating the dominant printed hue.
package hint

import (
	"fmt"
	"math"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/segment"
	"github.com/menta2k/bushub/pkg/types"
)

// HueAdvisor finds the dominant chromatic hue band of a plan
type HueAdvisor struct {
	config AdvisorConfig
}

// AdvisorConfig holds configuration for the hue analysis
type AdvisorConfig struct {
	BinWidth       float64 // degrees per histogram bin, must divide 360
	MinSaturation  float64 // percent; greyer pixels are paper or ink, not colour
	MinValue       float64 // percent
	ExtendRatio    float64 // neighbour bins above ratio*peak join the band
	MaxBandWidth   float64 // degrees
	MinChromaRatio float64 // below this share of chromatic pixels no band is proposed
}

// New creates a new HueAdvisor with default configuration
func New() *HueAdvisor {
	return &HueAdvisor{
		config: AdvisorConfig{
			BinWidth:       10,
			MinSaturation:  25,
			MinValue:       25,
			ExtendRatio:    0.2,
			MaxBandWidth:   120,
			MinChromaRatio: 0.001,
		},
	}
}

// NewWithConfig creates a new HueAdvisor with custom configuration
func NewWithConfig(config AdvisorConfig) *HueAdvisor {
	return &HueAdvisor{config: config}
}

// Histogram counts chromatic pixels per hue bin. It also returns the number of chromatic pixels.
func (a *HueAdvisor) Histogram(buf raster.PixelBuffer) ([]int, int) {
	bins := make([]int, a.binCount())
	chromatic := 0
	for i := 0; i+3 < len(buf.Pix); i += 4 {
		h, s, v := segment.RGBToHSV(buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2])
		if s*100 < a.config.MinSaturation || v*100 < a.config.MinValue {
			continue
		}
		bin := int(h / a.config.BinWidth)
		if bin >= len(bins) {
			bin = len(bins) - 1
		}
		bins[bin]++
		chromatic++
	}
	return bins, chromatic
}

// Suggest proposes a hue band around the dominant hue. Plans without enough
// colour fall back to the defaults with zero confidence.
func (a *HueAdvisor) Suggest(buf raster.PixelBuffer) (types.ParamSuggestion, error) {
	if err := buf.Validate(); err != nil {
		return types.ParamSuggestion{}, err
	}
	if a.config.BinWidth <= 0 || math.Mod(360, a.config.BinWidth) != 0 {
		return types.ParamSuggestion{}, fmt.Errorf("%w: bin width %v must divide 360", types.ErrInput, a.config.BinWidth)
	}

	fallback := types.ParamSuggestion{
		Params:      types.DefaultSegmentationParams(),
		Source:      "default",
		Description: "no dominant colour found",
	}

	bins, chromatic := a.Histogram(buf)
	total := buf.Width * buf.Height
	if total == 0 || float64(chromatic)/float64(total) < a.config.MinChromaRatio {
		return fallback, nil
	}

	smoothed := smooth(bins)
	peak := 0
	for i := range smoothed {
		if smoothed[i] > smoothed[peak] {
			peak = i
		}
	}

	n := len(bins)
	maxBins := int(a.config.MaxBandWidth / a.config.BinWidth)
	if maxBins < 1 {
		maxBins = 1
	}
	threshold := a.config.ExtendRatio * float64(bins[peak])
	lo, hi := peak, peak
	width := 1
	for width < maxBins && width < n {
		left := (lo - 1 + n) % n
		right := (hi + 1) % n
		extended := false
		if float64(bins[left]) >= threshold && bins[left] > 0 {
			lo = left
			width++
			extended = true
		}
		if width < maxBins && width < n && float64(bins[right]) >= threshold && bins[right] > 0 {
			hi = right
			width++
			extended = true
		}
		if !extended {
			break
		}
	}

	inBand := 0
	for i, j := lo, 0; j < width; i, j = (i+1)%n, j+1 {
		inBand += bins[i]
	}

	params := types.DefaultSegmentationParams()
	params.HueMin = math.Mod(float64(lo)*a.config.BinWidth, 360)
	params.HueMax = math.Mod(float64(hi+1)*a.config.BinWidth, 360)
	params.SaturationMin = a.config.MinSaturation
	params.ValueMin = a.config.MinValue

	return types.ParamSuggestion{
		Params:      params,
		Confidence:  float64(inBand) / float64(chromatic),
		Source:      "histogram",
		Description: fmt.Sprintf("dominant hue %.0f°", (float64(peak)+0.5)*a.config.BinWidth),
	}, nil
}

func (a *HueAdvisor) binCount() int {
	if a.config.BinWidth <= 0 {
		return 1
	}
	return int(360 / a.config.BinWidth)
}

// smooth applies a circular 3-bin box filter
func smooth(bins []int) []float64 {
	n := len(bins)
	out := make([]float64, n)
	for i := range bins {
		out[i] = float64(bins[(i-1+n)%n]+bins[i]+bins[(i+1)%n]) / 3
	}
	return out
}
