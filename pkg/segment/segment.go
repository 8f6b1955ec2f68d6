// Package segment implements the chroma-key matting engine used to strip the
// background from scanned market plans.
//
// The engine is a pure function over raster.PixelBuffer values: RGB bytes are
// copied untouched and only the alpha channel is recomputed. A pixel stays
// opaque when its HSV coordinates fall inside the configured band, or when it
// is dark enough (printed text and outlines) and KeepDarkLuminance is set.
package segment

import (
	"fmt"
	"image"
	"math"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// DarkLuminanceThreshold is the Rec. 709 luminance under which a pixel counts as a dark marking
const DarkLuminanceThreshold = 90

// Stats summarizes a segmentation run
type Stats struct {
	Kept         int             `json:"kept"`
	Total        int             `json:"total"`
	OpaqueBounds image.Rectangle `json:"opaque_bounds"`
}

// KeptRatio is the fraction of pixels left opaque
func (s Stats) KeptRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Kept) / float64(s.Total)
}

// Result holds the rotated reference buffer and its filtered counterpart.
// Both always share dimensions and rotation.
type Result struct {
	Reference raster.PixelBuffer       `json:"-"`
	Filtered  raster.PixelBuffer       `json:"-"`
	Rotation  types.Rotation           `json:"rotation"`
	Params    types.SegmentationParams `json:"params"`
	Stats     Stats                    `json:"stats"`
}

// RGBToHSV converts 8-bit RGB to hue in degrees [0,360) and saturation/value in [0,1]
func RGBToHSV(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	c := maxC - minC

	v = maxC
	if v > 0 {
		s = c / v
	}
	if c == 0 {
		return 0, s, v
	}

	switch maxC {
	case rf:
		h = 60 * math.Mod((gf-bf)/c, 6)
	case gf:
		h = 60 * ((bf-rf)/c + 2)
	default:
		h = 60 * ((rf-gf)/c + 4)
	}
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h -= 360
	}
	return h, s, v
}

// Luminance returns the Rec. 709 luminance of an 8-bit RGB triple
func Luminance(r, g, b uint8) float64 {
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

// InHueBand reports whether h lies in [lo,hi]; lo > hi selects the band crossing 0°
func InHueBand(h, lo, hi float64) bool {
	if lo <= hi {
		return h >= lo && h <= hi
	}
	return h >= lo || h <= hi
}

// Keep decides whether a pixel survives the filter
func Keep(r, g, b uint8, p types.SegmentationParams) bool {
	if p.KeepDarkLuminance && Luminance(r, g, b) < DarkLuminanceThreshold {
		return true
	}
	h, s, v := RGBToHSV(r, g, b)
	return InHueBand(h, p.HueMin, p.HueMax) && s*100 >= p.SaturationMin && v*100 >= p.ValueMin
}

// Apply returns a new buffer with RGB copied from src and alpha set to 255 for
// kept pixels and 0 otherwise
func Apply(src raster.PixelBuffer, p types.SegmentationParams) (raster.PixelBuffer, Stats, error) {
	if err := p.Validate(); err != nil {
		return raster.PixelBuffer{}, Stats{}, err
	}
	if err := src.Validate(); err != nil {
		return raster.PixelBuffer{}, Stats{}, err
	}

	out := raster.NewPixelBuffer(src.Width, src.Height)
	stats := Stats{Total: src.Width * src.Height}
	minX, minY, maxX, maxY := src.Width, src.Height, -1, -1

	for y := 0; y < src.Height; y++ {
		row := 4 * y * src.Width
		for x := 0; x < src.Width; x++ {
			i := row + 4*x
			r, g, b := src.Pix[i], src.Pix[i+1], src.Pix[i+2]
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = r, g, b
			if !Keep(r, g, b, p) {
				out.Pix[i+3] = 0
				continue
			}
			out.Pix[i+3] = 255
			stats.Kept++
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}
	if stats.Kept > 0 {
		stats.OpaqueBounds = image.Rect(minX, minY, maxX+1, maxY+1)
	}
	return out, stats, nil
}

// Process rotates src and filters the rotated copy, so the reference and the
// filtered buffers stay pixel-aligned
func Process(src raster.PixelBuffer, p types.SegmentationParams, rotation types.Rotation) (Result, error) {
	if !rotation.Valid() {
		return Result{}, fmt.Errorf("%w: unsupported rotation %d", types.ErrInput, rotation)
	}
	if err := src.Validate(); err != nil {
		return Result{}, err
	}
	reference := raster.Rotate(src, rotation)
	filtered, stats, err := Apply(reference, p)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Reference: reference,
		Filtered:  filtered,
		Rotation:  rotation,
		Params:    p,
		Stats:     stats,
	}, nil
}
