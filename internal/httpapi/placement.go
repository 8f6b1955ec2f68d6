package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/types"
)

// placementView is the editor state as served to clients
type placementView struct {
	Mode     string           `json:"mode"`
	Stalls   []types.Stall    `json:"stalls"`
	Markers  []types.Marker   `json:"markers"`
	Areas    []types.Area     `json:"areas"`
	Pending  []types.LatLng   `json:"pending"`
	Selected editor.Selection `json:"selected"`
	Anchor   types.Anchor     `json:"anchor"`
	Bounds   [4]types.LatLng  `json:"overlay_bounds"`
}

func viewPlacement(ed *editor.Editor) placementView {
	st := ed.State()
	v := placementView{
		Mode:     st.Mode.String(),
		Stalls:   st.Stalls,
		Markers:  st.Markers,
		Areas:    st.Areas,
		Pending:  st.Pending,
		Selected: st.Selected,
		Anchor:   ed.Anchor(),
		Bounds:   ed.OverlayBounds(),
	}
	if v.Stalls == nil {
		v.Stalls = []types.Stall{}
	}
	if v.Markers == nil {
		v.Markers = []types.Marker{}
	}
	if v.Areas == nil {
		v.Areas = []types.Area{}
	}
	if v.Pending == nil {
		v.Pending = []types.LatLng{}
	}
	return v
}

func (s *Server) handleStartPlacement(w http.ResponseWriter, r *http.Request) {
	var center types.LatLng
	if err := decode(r, &center); err != nil {
		s.fail(w, r, err)
		return
	}
	ed, err := s.orch.StartPlacement(r.Context(), center)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPlacement(ed))
}

func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	if ed := s.editorOr(w, r); ed != nil {
		writeJSON(w, http.StatusOK, viewPlacement(ed))
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var req modeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := editor.ParseMode(req.Mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ed.SetMode(m)
	writeJSON(w, http.StatusOK, viewPlacement(ed))
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var at types.LatLng
	if err := decode(r, &at); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ed.Click(at))
}

func (s *Server) handleCompleteArea(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	area, err := ed.CompleteArea()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, area)
}

func (s *Server) handleCancelArea(w http.ResponseWriter, r *http.Request) {
	if ed := s.editorOr(w, r); ed != nil {
		ed.CancelArea()
		writeJSON(w, http.StatusOK, viewPlacement(ed))
	}
}

type selectRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var req selectRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := ed.Select(req.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ed.State().Selected)
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var a types.Anchor
	if err := decode(r, &a); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := ed.SetAnchor(a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPlacement(ed))
}

// stallPatch carries the fields of a stall the client wants to change
type stallPatch struct {
	Label       *string            `json:"label"`
	Position    *types.LatLng      `json:"position"`
	WidthM      *float64           `json:"width_m"`
	HeightM     *float64           `json:"height_m"`
	RotationDeg *float64           `json:"rotation_deg"`
	Status      *types.StallStatus `json:"status"`
	Kind        *string            `json:"kind"`
}

func (p stallPatch) apply(st *types.Stall) {
	set(&st.Label, p.Label)
	set(&st.Position, p.Position)
	set(&st.WidthM, p.WidthM)
	set(&st.HeightM, p.HeightM)
	set(&st.RotationDeg, p.RotationDeg)
	set(&st.Status, p.Status)
	set(&st.Kind, p.Kind)
}

type markerPatch struct {
	Label       *string       `json:"label"`
	Position    *types.LatLng `json:"position"`
	Category    *string       `json:"category"`
	Style       *types.Style  `json:"style"`
	Description *string       `json:"description"`
}

type areaPatch struct {
	Label       *string         `json:"label"`
	Vertices    *[]types.LatLng `json:"vertices"`
	Category    *string         `json:"category"`
	Style       *types.Style    `json:"style"`
	Description *string         `json:"description"`
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) handlePatchStall(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var p stallPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := ed.UpdateStall(chi.URLParam(r, "id"), p.apply)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleToggleStall(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	st, err := ed.ToggleStallStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePatchMarker(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var p markerPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := ed.UpdateMarker(chi.URLParam(r, "id"), func(m *types.Marker) {
		set(&m.Label, p.Label)
		set(&m.Position, p.Position)
		set(&m.Category, p.Category)
		set(&m.Style, p.Style)
		set(&m.Description, p.Description)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePatchArea(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	var p areaPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := ed.UpdateArea(chi.URLParam(r, "id"), func(a *types.Area) {
		set(&a.Label, p.Label)
		set(&a.Vertices, p.Vertices)
		set(&a.Category, p.Category)
		set(&a.Style, p.Style)
		set(&a.Description, p.Description)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	if err := ed.Delete(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	doc, err := ed.Export()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, editor.ExportFilename))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	ed := s.editorOr(w, r)
	if ed == nil {
		return
	}
	if err := ed.Save(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompletePlacement(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CompletePlacement(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}
