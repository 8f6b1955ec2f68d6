package types

import (
	"fmt"
	"math"
	"time"
)

// LatLng is a WGS84 coordinate in decimal degrees
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String renders the coordinate with six decimals (~0.1m)
func (p LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Rotation is a clockwise quarter-turn rotation in degrees: 0, 90, 180 or 270
type Rotation int

// Common rotations
const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the four supported quarter turns
func (r Rotation) Valid() bool {
	return r == Rotate0 || r == Rotate90 || r == Rotate180 || r == Rotate270
}

// Add returns r turned further by deg degrees (multiples of 90), normalized to [0,360)
func (r Rotation) Add(deg int) Rotation {
	v := (int(r) + deg) % 360
	if v < 0 {
		v += 360
	}
	return Rotation(v)
}

// SwapsAxes reports whether the rotation exchanges width and height
func (r Rotation) SwapsAxes() bool {
	return r == Rotate90 || r == Rotate270
}

// ParseRotation validates an integer rotation coming from user input
func ParseRotation(deg int) (Rotation, error) {
	r := Rotation(0).Add(deg)
	if !r.Valid() {
		return 0, fmt.Errorf("%w: rotation must be a multiple of 90, got %d", ErrInput, deg)
	}
	return r, nil
}

// SegmentationParams holds the HSV thresholds of the chroma-key filter.
// Hue is in degrees, saturation and value in percent.
type SegmentationParams struct {
	HueMin            float64 `json:"hue_min" yaml:"hue_min" env:"HUE_MIN"`
	HueMax            float64 `json:"hue_max" yaml:"hue_max" env:"HUE_MAX"`
	SaturationMin     float64 `json:"saturation_min" yaml:"saturation_min" env:"SATURATION_MIN"`
	ValueMin          float64 `json:"value_min" yaml:"value_min" env:"VALUE_MIN"`
	KeepDarkLuminance bool    `json:"keep_dark_luminance" yaml:"keep_dark_luminance" env:"KEEP_DARK_LUMINANCE"`
}

// DefaultSegmentationParams targets the green stall outlines of the municipal plans
func DefaultSegmentationParams() SegmentationParams {
	return SegmentationParams{
		HueMin:            70,
		HueMax:            160,
		SaturationMin:     25,
		ValueMin:          25,
		KeepDarkLuminance: true,
	}
}

// Validate checks the parameter ranges
func (p SegmentationParams) Validate() error {
	if p.HueMin < 0 || p.HueMin >= 360 || math.IsNaN(p.HueMin) {
		return fmt.Errorf("%w: hue_min must be in [0,360), got %v", ErrInput, p.HueMin)
	}
	if p.HueMax < 0 || p.HueMax >= 360 || math.IsNaN(p.HueMax) {
		return fmt.Errorf("%w: hue_max must be in [0,360), got %v", ErrInput, p.HueMax)
	}
	if p.SaturationMin < 0 || p.SaturationMin > 100 || math.IsNaN(p.SaturationMin) {
		return fmt.Errorf("%w: saturation_min must be in [0,100], got %v", ErrInput, p.SaturationMin)
	}
	if p.ValueMin < 0 || p.ValueMin > 100 || math.IsNaN(p.ValueMin) {
		return fmt.Errorf("%w: value_min must be in [0,100], got %v", ErrInput, p.ValueMin)
	}
	return nil
}

// Anchor places the overlay on the map
type Anchor struct {
	Center   LatLng  `json:"center"`
	Rotation float64 `json:"rotation"`
	Scale    float64 `json:"scale"`
	Opacity  float64 `json:"opacity"`
}

// DefaultAnchor returns an anchor at center with unit scale and 70% opacity
func DefaultAnchor(center LatLng) Anchor {
	return Anchor{Center: center, Scale: 1, Opacity: 70}
}

// Validate checks scale and opacity
func (a Anchor) Validate() error {
	if !(a.Scale > 0) {
		return fmt.Errorf("%w: anchor scale must be positive, got %v", ErrInput, a.Scale)
	}
	if a.Opacity < 0 || a.Opacity > 100 {
		return fmt.Errorf("%w: anchor opacity must be in [0,100], got %v", ErrInput, a.Opacity)
	}
	return nil
}

// StallStatus is the occupancy state of a stall
type StallStatus string

// Stall statuses
const (
	StallFree     StallStatus = "free"
	StallOccupied StallStatus = "occupied"
)

// Style is the display style shared by markers and areas
type Style struct {
	Color       string  `json:"color,omitempty"`
	FillOpacity float64 `json:"fill_opacity,omitempty"`
	Icon        string  `json:"icon,omitempty"`
}

// Stall is a rectangular market pitch
type Stall struct {
	ID          string      `json:"id"`
	Label       string      `json:"label"`
	Position    LatLng      `json:"position"`
	WidthM      float64     `json:"width_m"`
	HeightM     float64     `json:"height_m"`
	RotationDeg float64     `json:"rotation_deg"`
	Status      StallStatus `json:"status"`
	Kind        string      `json:"kind"`
}

// Marker is a point of interest (entrance, water point, toilets...)
type Marker struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Label       string `json:"label"`
	Position    LatLng `json:"position"`
	Category    string `json:"category"`
	Style       Style  `json:"style"`
	Description string `json:"description,omitempty"`
}

// Area is a free-form polygon (parking, loading zone, ...)
type Area struct {
	ID          string   `json:"id"`
	Index       int      `json:"index"`
	Label       string   `json:"label"`
	Vertices    []LatLng `json:"vertices"`
	Style       Style    `json:"style"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
}

// OverlayMeta describes the transparent overlay stored on the bus
type OverlayMeta struct {
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Rotation Rotation `json:"rotation"`
	MIME     string   `json:"mime"`
}

// Stage is a step of the digitization workflow
type Stage string

// Workflow stages in order
const (
	StageSetup   Stage = "setup"
	StageSegment Stage = "segment"
	StagePlace   Stage = "place"
	StagePersist Stage = "persist"
	StageDone    Stage = "done"
)

// WorkflowState tracks the pipeline progress for one market
type WorkflowState struct {
	Stage        Stage     `json:"stage"`
	SetupDone    bool      `json:"setup_done"`
	SegmentDone  bool      `json:"segment_done"`
	PlaceDone    bool      `json:"place_done"`
	PersistDone  bool      `json:"persist_done"`
	MarketName   string    `json:"market_name"`
	Location     string    `json:"location"`
	MarketID     string    `json:"market_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastModified time.Time `json:"last_modified"`
}

// ParamSuggestion is a proposed set of segmentation parameters
type ParamSuggestion struct {
	Params      SegmentationParams `json:"params"`
	Confidence  float64            `json:"confidence"`
	Source      string             `json:"source"`
	Description string             `json:"description,omitempty"`
}

// PlanAnalysis is what a vision model reports about the colours of a plan.
// Hue fields are optional; OutlineColor is a #rrggbb hex string.
type PlanAnalysis struct {
	OutlineColor  string   `json:"outline_color"`
	HueMin        *float64 `json:"hue_min,omitempty"`
	HueMax        *float64 `json:"hue_max,omitempty"`
	SaturationMin *float64 `json:"saturation_min,omitempty"`
	ValueMin      *float64 `json:"value_min,omitempty"`
	DarkText      bool     `json:"dark_text"`
	Confidence    float64  `json:"confidence"`
	Description   string   `json:"description"`
	Fallback      bool     `json:"-"`
}
