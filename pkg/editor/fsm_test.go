package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bushub/pkg/geodesy"
	"github.com/menta2k/bushub/pkg/types"
)

var origin = types.LatLng{Lat: 42.0, Lng: 11.0}

func at(eastM, northM float64) types.LatLng {
	return geodesy.Offset(origin, eastM, northM)
}

func TestAddingStallCreatesAndSelects(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingStall)

	s1, eff := HandleMapClick(s, at(0, 0))
	assert.Equal(t, EffectStallCreated, eff.Kind)
	require.Len(t, s1.Stalls, 1)
	assert.Equal(t, "1", s1.Stalls[0].Label)
	assert.Equal(t, types.StallFree, s1.Stalls[0].Status)
	assert.Equal(t, 4.0, s1.Stalls[0].WidthM)
	assert.Equal(t, Selection{Kind: EntityStall, ID: eff.ID}, s1.Selected)

	s2, eff2 := HandleMapClick(s1, at(10, 0))
	require.Len(t, s2.Stalls, 2)
	assert.Equal(t, "2", s2.Stalls[1].Label)
	assert.NotEqual(t, eff.ID, eff2.ID)

	assert.Empty(t, s.Stalls, "input state must not change")
	assert.Len(t, s1.Stalls, 1)
}

func TestHandleMapClickIsDeterministic(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingMarker)

	a, effA := HandleMapClick(s, at(1, 1))
	b, effB := HandleMapClick(s, at(1, 1))
	assert.Equal(t, effA, effB)
	assert.Equal(t, a.Markers, b.Markers)
	assert.Equal(t, "M1", a.Markers[0].Label)
	assert.Equal(t, 1, a.Markers[0].Index)
}

func TestAreaNeedsThreeVertices(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingArea)

	s, _ = HandleMapClick(s, at(0, 0))
	s, eff := HandleMapClick(s, at(10, 0))
	assert.Equal(t, EffectVertexAdded, eff.Kind)
	assert.Equal(t, 2, eff.Pending)

	failed, _, err := CompleteArea(s)
	require.ErrorIs(t, err, types.ErrInsufficientVertices)
	assert.ErrorIs(t, err, types.ErrGeometry)
	assert.Len(t, failed.Pending, 2)
	assert.Equal(t, ModeAddingArea, failed.Mode)
	assert.Empty(t, failed.Areas)

	s, _ = HandleMapClick(failed, at(10, 10))
	done, area, err := CompleteArea(s)
	require.NoError(t, err)
	assert.Len(t, area.Vertices, 3)
	assert.Equal(t, "A1", area.Label)
	assert.Equal(t, ModeIdle, done.Mode)
	assert.Empty(t, done.Pending)
	assert.Len(t, done.Areas, 1)
}

func TestLeavingAreaModeDropsPending(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingArea)
	s, _ = HandleMapClick(s, at(0, 0))

	s = SetMode(s, ModeAddingStall)
	assert.Empty(t, s.Pending)
}

func TestIdleClickSelectsTopmost(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingStall)
	s, stallEff := HandleMapClick(s, at(0, 0))

	s = SetMode(s, ModeAddingArea)
	for _, p := range []types.LatLng{at(-20, -20), at(20, -20), at(20, 20), at(-20, 20)} {
		s, _ = HandleMapClick(s, p)
	}
	s, area, err := CompleteArea(s)
	require.NoError(t, err)

	s = SetMode(s, ModeAddingMarker)
	s, markerEff := HandleMapClick(s, at(15, 15))
	s = SetMode(s, ModeIdle)

	tests := []struct {
		name string
		at   types.LatLng
		want Selection
	}{
		{"inside stall", at(1, 1), Selection{Kind: EntityStall, ID: stallEff.ID}},
		{"near marker", at(15.5, 15), Selection{Kind: EntityMarker, ID: markerEff.ID}},
		{"inside area only", at(-10, 10), Selection{Kind: EntityArea, ID: area.ID}},
		{"outside everything", at(100, 100), Selection{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, _ := HandleMapClick(s, test.at)
			assert.Equal(t, test.want, got.Selected)
		})
	}
}

func TestIdleClickOnEmptyMapDeselects(t *testing.T) {
	s := NewState(DefaultDefaults())
	s.Selected = Selection{Kind: EntityStall, ID: "gone"}

	s, eff := HandleMapClick(s, at(0, 0))
	assert.Equal(t, EffectDeselected, eff.Kind)
	assert.Equal(t, Selection{}, s.Selected)

	_, eff = HandleMapClick(s, at(0, 0))
	assert.Equal(t, EffectNone, eff.Kind)
}

func TestRotatedStallHitTest(t *testing.T) {
	s := NewState(DefaultDefaults())
	s.Stalls = []types.Stall{{ID: "s", Label: "1", Position: origin, WidthM: 10, HeightM: 2, RotationDeg: 90, Status: types.StallFree}}

	// the long side now runs north-south
	assert.Equal(t, EntityStall, HitTest(s, at(0, 4)).Kind)
	assert.Equal(t, EntityNone, HitTest(s, at(4, 0)).Kind)
}

func TestInvalidCoordinateIsIgnored(t *testing.T) {
	s := SetMode(NewState(DefaultDefaults()), ModeAddingStall)
	next, eff := HandleMapClick(s, types.LatLng{Lat: 95, Lng: 0})
	assert.Equal(t, EffectNone, eff.Kind)
	assert.Empty(t, next.Stalls)
}

func TestResumeCounters(t *testing.T) {
	s := NewState(DefaultDefaults())
	s.Stalls = []types.Stall{{Label: "3"}, {Label: "B12"}, {Label: "x"}}
	s.Markers = []types.Marker{{Index: 4, Label: "M2"}}
	s.Areas = []types.Area{{Index: 1, Label: "A7"}}

	s = resumeCounters(s)
	assert.Equal(t, 13, s.NextStall)
	assert.Equal(t, 5, s.NextMarker)
	assert.Equal(t, 8, s.NextArea)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeIdle, ModeAddingStall, ModeAddingMarker, ModeAddingArea} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("drawing")
	assert.ErrorIs(t, err, types.ErrInput)
}
