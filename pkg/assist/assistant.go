// Package assist asks a vision-language model which colour the stall outlines
// of a scanned plan are printed in, and turns the answer into validated
// segmentation parameters.
package assist

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bushub/pkg/client"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/segment"
	"github.com/menta2k/bushub/pkg/types"
)

// SimpleTestPrompt checks that the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the outline colour of the stalls
const DefaultPrompt = `You are looking at a scanned map of a street market. Stalls are drawn as
coloured rectangles or outlines; the rest is paper, text and decorations.

Return JSON only:
{
  "outline_color": "#rrggbb",
  "hue_min": 0,
  "hue_max": 0,
  "saturation_min": 0,
  "value_min": 0,
  "dark_text": true,
  "confidence": 0.0,
  "description": "short neutral sentence"
}

HARD RULES
- outline_color is the dominant colour of the stall outlines, as hex.
- hue_min and hue_max are HSV hue degrees in [0,360) bracketing that colour; hue_min > hue_max means the range wraps through red.
- saturation_min and value_min are percentages in [0,100].
- dark_text is true when stall numbers are printed in black or dark ink.
- If you cannot find stalls, return {"outline_color":"","confidence":0.0,"description":"no stalls found"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ErrNoSuggestion is returned when the model gave nothing usable
var ErrNoSuggestion = errors.New("model gave no usable suggestion")

// Config holds configuration for the assistant
type Config struct {
	Model string
	// MaxSide bounds the longer side of the image sent to the model
	MaxSide int
	// HueSpread is the half width of the band derived from outline_color
	HueSpread     float64
	MinConfidence float64
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return Config{
		Model:         "llava:13b",
		MaxSide:       1024,
		HueSpread:     25,
		MinConfidence: 0.3,
	}
}

// Assistant turns model answers into segmentation parameters
type Assistant struct {
	client client.VisionClient
	config Config
	logger *slog.Logger
}

// New creates an Assistant
func New(c client.VisionClient, config Config, logger *slog.Logger) *Assistant {
	if config.MaxSide <= 0 {
		config.MaxSide = DefaultConfig().MaxSide
	}
	if config.HueSpread <= 0 {
		config.HueSpread = DefaultConfig().HueSpread
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{client: c, config: config, logger: logger.With("component", "assist")}
}

// encode downsizes buf for the model and returns it base64 encoded as PNG
func (a *Assistant) encode(buf raster.PixelBuffer) (string, error) {
	if err := buf.Validate(); err != nil {
		return "", err
	}
	if buf.Empty() {
		return "", fmt.Errorf("%w: empty image", types.ErrInput)
	}
	img := imaging.Fit(buf.Image(), a.config.MaxSide, a.config.MaxSide, imaging.Lanczos)
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// Suggest asks the model about buf and returns validated parameters
func (a *Assistant) Suggest(ctx context.Context, buf raster.PixelBuffer) (types.ParamSuggestion, error) {
	imgB64, err := a.encode(buf)
	if err != nil {
		return types.ParamSuggestion{}, err
	}

	analysis, err := a.client.AnalyzePlan(ctx, a.config.Model, DefaultPrompt, imgB64)
	if err != nil {
		return types.ParamSuggestion{}, err
	}
	a.logger.Debug("plan analysis",
		"model", a.config.Model,
		"outline_color", analysis.OutlineColor,
		"confidence", analysis.Confidence,
		"fallback", analysis.Fallback)

	return a.toSuggestion(analysis)
}

// TestVision checks that the model can see images
func (a *Assistant) TestVision(ctx context.Context, buf raster.PixelBuffer) (string, error) {
	imgB64, err := a.encode(buf)
	if err != nil {
		return "", err
	}
	return a.client.SimpleQuery(ctx, a.config.Model, SimpleTestPrompt, imgB64)
}

// toSuggestion validates the analysis. Explicit hue bounds win over the
// outline colour; out-of-range numbers are clamped.
func (a *Assistant) toSuggestion(an *types.PlanAnalysis) (types.ParamSuggestion, error) {
	if an == nil || an.Fallback {
		return types.ParamSuggestion{}, ErrNoSuggestion
	}
	confidence := clamp(an.Confidence, 0, 1)
	if confidence < a.config.MinConfidence {
		return types.ParamSuggestion{}, fmt.Errorf("%w: confidence %.2f", ErrNoSuggestion, confidence)
	}

	p := types.DefaultSegmentationParams()
	p.KeepDarkLuminance = an.DarkText

	switch {
	case an.HueMin != nil && an.HueMax != nil:
		p.HueMin, p.HueMax = normalizeHue(*an.HueMin), normalizeHue(*an.HueMax)
	case an.OutlineColor != "":
		r, g, b, err := parseHex(an.OutlineColor)
		if err != nil {
			return types.ParamSuggestion{}, fmt.Errorf("%w: %v", ErrNoSuggestion, err)
		}
		h, s, _ := segment.RGBToHSV(r, g, b)
		if s < 0.15 {
			return types.ParamSuggestion{}, fmt.Errorf("%w: outline colour %s is grey", ErrNoSuggestion, an.OutlineColor)
		}
		p.HueMin = normalizeHue(h - a.config.HueSpread)
		p.HueMax = normalizeHue(h + a.config.HueSpread)
	default:
		return types.ParamSuggestion{}, ErrNoSuggestion
	}
	if an.SaturationMin != nil {
		p.SaturationMin = clamp(*an.SaturationMin, 0, 100)
	}
	if an.ValueMin != nil {
		p.ValueMin = clamp(*an.ValueMin, 0, 100)
	}
	if err := p.Validate(); err != nil {
		return types.ParamSuggestion{}, fmt.Errorf("%w: %v", ErrNoSuggestion, err)
	}

	return types.ParamSuggestion{
		Params:      p,
		Confidence:  confidence,
		Source:      "vision",
		Description: strings.TrimSpace(an.Description),
	}, nil
}

// normalizeHue maps any angle into [0,360)
func normalizeHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parseHex reads #rgb or #rrggbb
func parseHex(s string) (uint8, uint8, uint8, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("bad colour %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad colour %q", s)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}
