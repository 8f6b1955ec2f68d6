package editor

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/menta2k/bushub/pkg/geodesy"
	"github.com/menta2k/bushub/pkg/types"
)

// Mode is the click mode of the editor
type Mode int

const (
	ModeIdle Mode = iota
	ModeAddingStall
	ModeAddingMarker
	ModeAddingArea
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAddingStall:
		return "adding_stall"
	case ModeAddingMarker:
		return "adding_marker"
	case ModeAddingArea:
		return "adding_area"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeIdle, ModeAddingStall, ModeAddingMarker, ModeAddingArea} {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeIdle, fmt.Errorf("%w: unknown mode %q", types.ErrInput, s)
}

// EntityKind names the kind of a selectable entity
type EntityKind string

const (
	EntityNone   EntityKind = ""
	EntityStall  EntityKind = "stall"
	EntityMarker EntityKind = "marker"
	EntityArea   EntityKind = "area"
)

// Selection is the currently selected entity
type Selection struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Defaults are applied to entities created by clicks
type Defaults struct {
	StallWidthM      float64
	StallHeightM     float64
	StallRotationDeg float64
	StallKind        string
	MarkerCategory   string
	MarkerStyle      types.Style
	AreaCategory     string
	AreaStyle        types.Style
	// HitToleranceM is how close to a marker a click must land to select it
	HitToleranceM float64
}

// DefaultDefaults returns the stock entity defaults
func DefaultDefaults() Defaults {
	return Defaults{
		StallWidthM:    4,
		StallHeightM:   3,
		StallKind:      "standard",
		MarkerCategory: "info",
		MarkerStyle:    types.Style{Color: "#1e88e5", Icon: "info"},
		AreaCategory:   "zone",
		AreaStyle:      types.Style{Color: "#43a047", FillOpacity: 0.3},
		HitToleranceM:  1.5,
	}
}

// State is the complete editor state. HandleMapClick never mutates a State
// in place; slices are copied before they change.
type State struct {
	Mode     Mode
	Session  uuid.UUID
	Stalls   []types.Stall
	Markers  []types.Marker
	Areas    []types.Area
	Pending  []types.LatLng
	Selected Selection

	// next label numbers
	NextStall  int
	NextMarker int
	NextArea   int

	Defaults Defaults
}

// NewState returns an empty Idle state for a fresh session
func NewState(defaults Defaults) State {
	return State{
		Session:    uuid.New(),
		NextStall:  1,
		NextMarker: 1,
		NextArea:   1,
		Defaults:   defaults,
	}
}

// EffectKind describes what a click did
type EffectKind string

const (
	EffectNone          EffectKind = "none"
	EffectStallCreated  EffectKind = "stall_created"
	EffectMarkerCreated EffectKind = "marker_created"
	EffectVertexAdded   EffectKind = "vertex_added"
	EffectSelected      EffectKind = "selected"
	EffectDeselected    EffectKind = "deselected"
)

// Effect is the observable outcome of a transition
type Effect struct {
	Kind   EffectKind `json:"kind"`
	Entity EntityKind `json:"entity,omitempty"`
	ID     string     `json:"id,omitempty"`
	// Pending is the number of pending area vertices after the click
	Pending int `json:"pending,omitempty"`
}

// entityID derives a stable id from the session and a per-kind sequence
// number, so a transition stays a pure function of its inputs
func entityID(session uuid.UUID, kind EntityKind, n int) string {
	return uuid.NewSHA1(session, []byte(string(kind)+":"+strconv.Itoa(n))).String()
}

// HandleMapClick is the click transition of the editor
func HandleMapClick(s State, at types.LatLng) (State, Effect) {
	if geodesy.ValidateCoordinate(at) != nil {
		return s, Effect{Kind: EffectNone}
	}

	switch s.Mode {
	case ModeAddingStall:
		d := s.Defaults
		stall := types.Stall{
			ID:          entityID(s.Session, EntityStall, s.NextStall),
			Label:       strconv.Itoa(s.NextStall),
			Position:    at,
			WidthM:      d.StallWidthM,
			HeightM:     d.StallHeightM,
			RotationDeg: d.StallRotationDeg,
			Status:      types.StallFree,
			Kind:        d.StallKind,
		}
		s.Stalls = append(slices.Clone(s.Stalls), stall)
		s.NextStall++
		s.Selected = Selection{Kind: EntityStall, ID: stall.ID}
		return s, Effect{Kind: EffectStallCreated, Entity: EntityStall, ID: stall.ID}

	case ModeAddingMarker:
		d := s.Defaults
		marker := types.Marker{
			ID:       entityID(s.Session, EntityMarker, s.NextMarker),
			Index:    s.NextMarker,
			Label:    "M" + strconv.Itoa(s.NextMarker),
			Position: at,
			Category: d.MarkerCategory,
			Style:    d.MarkerStyle,
		}
		s.Markers = append(slices.Clone(s.Markers), marker)
		s.NextMarker++
		s.Selected = Selection{Kind: EntityMarker, ID: marker.ID}
		return s, Effect{Kind: EffectMarkerCreated, Entity: EntityMarker, ID: marker.ID}

	case ModeAddingArea:
		s.Pending = append(slices.Clone(s.Pending), at)
		return s, Effect{Kind: EffectVertexAdded, Pending: len(s.Pending)}

	default:
		sel := HitTest(s, at)
		if sel.Kind == EntityNone {
			if s.Selected.Kind == EntityNone {
				return s, Effect{Kind: EffectNone}
			}
			s.Selected = Selection{}
			return s, Effect{Kind: EffectDeselected}
		}
		s.Selected = sel
		return s, Effect{Kind: EffectSelected, Entity: sel.Kind, ID: sel.ID}
	}
}

// CompleteArea finalizes the pending vertices into an area and returns to
// Idle. With fewer than three vertices the state is returned unchanged.
func CompleteArea(s State) (State, types.Area, error) {
	if s.Mode != ModeAddingArea {
		return s, types.Area{}, fmt.Errorf("%w: not adding an area", types.ErrInput)
	}
	if len(s.Pending) < 3 {
		return s, types.Area{}, fmt.Errorf("%w: have %d", types.ErrInsufficientVertices, len(s.Pending))
	}

	d := s.Defaults
	area := types.Area{
		ID:       entityID(s.Session, EntityArea, s.NextArea),
		Index:    s.NextArea,
		Label:    "A" + strconv.Itoa(s.NextArea),
		Vertices: slices.Clone(s.Pending),
		Style:    d.AreaStyle,
		Category: d.AreaCategory,
	}
	s.Areas = append(slices.Clone(s.Areas), area)
	s.NextArea++
	s.Pending = nil
	s.Mode = ModeIdle
	s.Selected = Selection{Kind: EntityArea, ID: area.ID}
	return s, area, nil
}

// SetMode switches the click mode. Leaving AddingArea drops pending vertices.
func SetMode(s State, m Mode) State {
	if s.Mode == ModeAddingArea && m != ModeAddingArea {
		s.Pending = nil
	}
	s.Mode = m
	return s
}

// HitTest returns the topmost entity under at: markers first, then stalls,
// then areas. Later entities are drawn on top of earlier ones.
func HitTest(s State, at types.LatLng) Selection {
	p := toPoint(at)

	for i := len(s.Markers) - 1; i >= 0; i-- {
		m := s.Markers[i]
		if geo.Distance(toPoint(m.Position), p) <= s.Defaults.HitToleranceM {
			return Selection{Kind: EntityMarker, ID: m.ID}
		}
	}
	for i := len(s.Stalls) - 1; i >= 0; i-- {
		st := s.Stalls[i]
		corners, err := geodesy.RectangleCorners(st.Position, st.WidthM, st.HeightM, st.RotationDeg)
		if err != nil {
			continue
		}
		if planar.PolygonContains(orb.Polygon{cornerRing(corners)}, p) {
			return Selection{Kind: EntityStall, ID: st.ID}
		}
	}
	for i := len(s.Areas) - 1; i >= 0; i-- {
		a := s.Areas[i]
		if len(a.Vertices) < 3 {
			continue
		}
		if planar.PolygonContains(orb.Polygon{ring(a.Vertices)}, p) {
			return Selection{Kind: EntityArea, ID: a.ID}
		}
	}
	return Selection{}
}

// toPoint converts to GeoJSON axis order
func toPoint(p types.LatLng) orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// ring builds a closed ring from vertices
func ring(vertices []types.LatLng) orb.Ring {
	r := make(orb.Ring, 0, len(vertices)+1)
	for _, v := range vertices {
		r = append(r, toPoint(v))
	}
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	return r
}

func cornerRing(c [4]types.LatLng) orb.Ring {
	return ring(c[:])
}

// resumeCounters moves the label counters past the highest existing labels
func resumeCounters(s State) State {
	s.NextStall, s.NextMarker, s.NextArea = 1, 1, 1
	for _, st := range s.Stalls {
		if n := trailingNumber(st.Label); n >= s.NextStall {
			s.NextStall = n + 1
		}
	}
	for _, m := range s.Markers {
		n := max(m.Index, trailingNumber(m.Label))
		if n >= s.NextMarker {
			s.NextMarker = n + 1
		}
	}
	for _, a := range s.Areas {
		n := max(a.Index, trailingNumber(a.Label))
		if n >= s.NextArea {
			s.NextArea = n + 1
		}
	}
	return s
}

// trailingNumber parses the digits at the end of label, or returns 0
func trailingNumber(label string) int {
	i := len(label)
	for i > 0 && label[i-1] >= '0' && label[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(label[i:])
	if err != nil {
		return 0
	}
	return n
}
