// Package editor is the placement editor. It anchors the segmented overlay on
// the map and lets an operator author stalls, markers and areas in real-world
// coordinates.
//
// The click handling is a pure state machine (HandleMapClick); Editor wraps it
// with the anchor, the overlay footprint and the artifact bus.
package editor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/geodesy"
	"github.com/menta2k/bushub/pkg/types"
)

// Config holds the editor settings
type Config struct {
	Defaults       Defaults
	MetersPerPixel float64
}

// DefaultConfig returns the stock editor settings
func DefaultConfig() Config {
	return Config{Defaults: DefaultDefaults(), MetersPerPixel: 0.1}
}

// Editor owns the placement state of one session
type Editor struct {
	mu     sync.Mutex
	config Config
	bus    *bus.Bus
	logger *slog.Logger

	state   State
	anchor  types.Anchor
	overlay types.OverlayMeta
	bounds  [4]types.LatLng
}

// New creates an editor anchored at center. b may be nil for an editor that
// never saves.
func New(b *bus.Bus, config Config, center types.LatLng, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MetersPerPixel <= 0 {
		config.MetersPerPixel = DefaultConfig().MetersPerPixel
	}
	e := &Editor{
		config: config,
		bus:    b,
		logger: logger.With("component", "editor"),
		state:  NewState(config.Defaults),
		anchor: types.DefaultAnchor(center),
	}
	e.recomputeBounds()
	return e
}

// Load reads the anchor, overlay metadata and entity lists from the bus, in
// that order, and resumes the label counters
func (e *Editor) Load(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}

	anchor, hasAnchor, err := e.bus.LoadAnchor(ctx)
	if err != nil {
		return err
	}
	var overlay types.OverlayMeta
	hasOverlay, err := e.bus.GetJSON(ctx, bus.KeyOverlayMeta, &overlay)
	if err != nil {
		return err
	}
	stalls, err := e.bus.LoadStalls(ctx)
	if err != nil {
		return err
	}
	markers, err := e.bus.LoadMarkers(ctx)
	if err != nil {
		return err
	}
	areas, err := e.bus.LoadAreas(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if hasAnchor && anchor.Validate() == nil {
		e.anchor = anchor
	}
	if hasOverlay {
		e.overlay = overlay
	}
	s := NewState(e.config.Defaults)
	s.Stalls, s.Markers, s.Areas = stalls, markers, areas
	e.state = resumeCounters(s)
	e.recomputeBounds()

	e.logger.Info("editor loaded",
		"stalls", len(stalls),
		"markers", len(markers),
		"areas", len(areas),
		"next_stall", e.state.NextStall)
	return nil
}

// Save writes the anchor and the three entity collections to the bus
func (e *Editor) Save(ctx context.Context) error {
	if e.bus == nil {
		return fmt.Errorf("%w: editor has no bus", types.ErrStorage)
	}
	e.mu.Lock()
	anchor := e.anchor
	stalls := slices.Clone(e.state.Stalls)
	markers := slices.Clone(e.state.Markers)
	areas := slices.Clone(e.state.Areas)
	e.mu.Unlock()

	if err := e.bus.SaveAnchor(ctx, anchor); err != nil {
		return err
	}
	if err := e.bus.SaveStalls(ctx, stalls); err != nil {
		return err
	}
	if err := e.bus.SaveMarkers(ctx, markers); err != nil {
		return err
	}
	if err := e.bus.SaveAreas(ctx, areas); err != nil {
		return err
	}
	e.logger.Debug("editor saved", "stalls", len(stalls), "markers", len(markers), "areas", len(areas))
	return nil
}

// State returns a copy of the current state
func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.Stalls = slices.Clone(s.Stalls)
	s.Markers = slices.Clone(s.Markers)
	s.Areas = slices.Clone(s.Areas)
	s.Pending = slices.Clone(s.Pending)
	return s
}

// Mode returns the current click mode
func (e *Editor) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Mode
}

func (e *Editor) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = SetMode(e.state, m)
}

// Click dispatches a map click to the active mode
func (e *Editor) Click(at types.LatLng) Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	var eff Effect
	e.state, eff = HandleMapClick(e.state, at)
	return eff
}

// CompleteArea finalizes the pending area
func (e *Editor) CompleteArea() (types.Area, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, area, err := CompleteArea(e.state)
	if err != nil {
		return types.Area{}, err
	}
	e.state = s
	return area, nil
}

// CancelArea drops the pending vertices and returns to Idle
func (e *Editor) CancelArea() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Mode == ModeAddingArea {
		e.state = SetMode(e.state, ModeIdle)
	}
}

// Select selects the entity with id; an empty id clears the selection
func (e *Editor) Select(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		e.state.Selected = Selection{}
		return nil
	}
	kind := e.kindOf(id)
	if kind == EntityNone {
		return fmt.Errorf("%w: %s", types.ErrUnknownEntity, id)
	}
	e.state.Selected = Selection{Kind: kind, ID: id}
	return nil
}

func (e *Editor) kindOf(id string) EntityKind {
	switch {
	case slices.ContainsFunc(e.state.Stalls, func(s types.Stall) bool { return s.ID == id }):
		return EntityStall
	case slices.ContainsFunc(e.state.Markers, func(m types.Marker) bool { return m.ID == id }):
		return EntityMarker
	case slices.ContainsFunc(e.state.Areas, func(a types.Area) bool { return a.ID == id }):
		return EntityArea
	}
	return EntityNone
}

// UpdateStall applies fn to a copy of the stall and keeps the result when it
// is still a valid rectangle
func (e *Editor) UpdateStall(id string, fn func(*types.Stall)) (types.Stall, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.state.Stalls, func(s types.Stall) bool { return s.ID == id })
	if i < 0 {
		return types.Stall{}, fmt.Errorf("%w: stall %s", types.ErrUnknownEntity, id)
	}
	st := e.state.Stalls[i]
	fn(&st)
	st.ID = id
	if _, err := geodesy.RectangleCorners(st.Position, st.WidthM, st.HeightM, st.RotationDeg); err != nil {
		return types.Stall{}, err
	}
	if st.Status != types.StallFree && st.Status != types.StallOccupied {
		return types.Stall{}, fmt.Errorf("%w: stall status %q", types.ErrInput, st.Status)
	}
	stalls := slices.Clone(e.state.Stalls)
	stalls[i] = st
	e.state.Stalls = stalls
	return st, nil
}

// MoveStall drags a stall to pos
func (e *Editor) MoveStall(id string, pos types.LatLng) (types.Stall, error) {
	return e.UpdateStall(id, func(s *types.Stall) { s.Position = pos })
}

// ToggleStallStatus flips a stall between free and occupied
func (e *Editor) ToggleStallStatus(id string) (types.Stall, error) {
	return e.UpdateStall(id, func(s *types.Stall) {
		if s.Status == types.StallOccupied {
			s.Status = types.StallFree
		} else {
			s.Status = types.StallOccupied
		}
	})
}

// UpdateMarker applies fn to a copy of the marker
func (e *Editor) UpdateMarker(id string, fn func(*types.Marker)) (types.Marker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.state.Markers, func(m types.Marker) bool { return m.ID == id })
	if i < 0 {
		return types.Marker{}, fmt.Errorf("%w: marker %s", types.ErrUnknownEntity, id)
	}
	m := e.state.Markers[i]
	fn(&m)
	m.ID = id
	if err := geodesy.ValidateCoordinate(m.Position); err != nil {
		return types.Marker{}, err
	}
	markers := slices.Clone(e.state.Markers)
	markers[i] = m
	e.state.Markers = markers
	return m, nil
}

// MoveMarker drags a marker to pos
func (e *Editor) MoveMarker(id string, pos types.LatLng) (types.Marker, error) {
	return e.UpdateMarker(id, func(m *types.Marker) { m.Position = pos })
}

// UpdateArea applies fn to a copy of the area. The result must keep at least three vertices.
func (e *Editor) UpdateArea(id string, fn func(*types.Area)) (types.Area, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.state.Areas, func(a types.Area) bool { return a.ID == id })
	if i < 0 {
		return types.Area{}, fmt.Errorf("%w: area %s", types.ErrUnknownEntity, id)
	}
	a := e.state.Areas[i]
	a.Vertices = slices.Clone(a.Vertices)
	fn(&a)
	a.ID = id
	if len(a.Vertices) < 3 {
		return types.Area{}, fmt.Errorf("%w: have %d", types.ErrInsufficientVertices, len(a.Vertices))
	}
	for _, v := range a.Vertices {
		if err := geodesy.ValidateCoordinate(v); err != nil {
			return types.Area{}, err
		}
	}
	areas := slices.Clone(e.state.Areas)
	areas[i] = a
	e.state.Areas = areas
	return a, nil
}

// Delete removes an entity from memory. The bus is untouched until Save.
func (e *Editor) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.kindOf(id) {
	case EntityStall:
		e.state.Stalls = slices.DeleteFunc(slices.Clone(e.state.Stalls), func(s types.Stall) bool { return s.ID == id })
	case EntityMarker:
		e.state.Markers = slices.DeleteFunc(slices.Clone(e.state.Markers), func(m types.Marker) bool { return m.ID == id })
	case EntityArea:
		e.state.Areas = slices.DeleteFunc(slices.Clone(e.state.Areas), func(a types.Area) bool { return a.ID == id })
	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownEntity, id)
	}
	if e.state.Selected.ID == id {
		e.state.Selected = Selection{}
	}
	return nil
}

// Anchor returns the current anchor
func (e *Editor) Anchor() types.Anchor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anchor
}

// SetAnchor replaces the anchor and recomputes the overlay bounds
func (e *Editor) SetAnchor(a types.Anchor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := geodesy.ValidateCoordinate(a.Center); err != nil {
		return err
	}
	if math.IsNaN(a.Rotation) || math.IsInf(a.Rotation, 0) {
		return fmt.Errorf("%w: anchor rotation %v", types.ErrInput, a.Rotation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anchor = a
	e.recomputeBounds()
	return nil
}

// MoveAnchor drags the overlay to center
func (e *Editor) MoveAnchor(center types.LatLng) error {
	a := e.Anchor()
	a.Center = center
	return e.SetAnchor(a)
}

// SetOverlay records the pixel size of the overlay being placed
func (e *Editor) SetOverlay(meta types.OverlayMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overlay = meta
	e.recomputeBounds()
}

// OverlayBounds returns the overlay corners, south-west first
func (e *Editor) OverlayBounds() [4]types.LatLng {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bounds
}

// recomputeBounds must be called with mu held. Without an overlay the bounds
// collapse onto the anchor.
func (e *Editor) recomputeBounds() {
	c := e.anchor.Center
	bounds, err := geodesy.OverlayBounds(e.anchor, e.overlay.Width, e.overlay.Height, e.config.MetersPerPixel)
	if err != nil {
		e.bounds = [4]types.LatLng{c, c, c, c}
		return
	}
	e.bounds = bounds
}
