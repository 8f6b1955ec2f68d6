// Package httpapi exposes the digitization workflow over HTTP.
//
// Every request is serialized: the workflow has a single writer, and the
// handlers hold the server lock for the whole request.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
	"github.com/menta2k/bushub/pkg/workflow"
)

// DefaultMaxUploadBytes bounds a multipart upload
const DefaultMaxUploadBytes = 64 << 20

// Server serves the workflow API
type Server struct {
	orch      *workflow.Orchestrator
	bus       *bus.Bus
	logger    *slog.Logger
	maxUpload int64

	mu sync.Mutex
}

// New creates a Server. b may be nil, which disables the project endpoints.
func New(orch *workflow.Orchestrator, b *bus.Bus, maxUpload int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Server{orch: orch, bus: b, maxUpload: maxUpload, logger: logger.With("component", "httpapi")}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.serialize)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/start", s.handleStart)
		r.Post("/start-over", s.handleStartOver)

		r.Route("/segmentation", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Put("/params", s.handleParams)
			r.Post("/rotate", s.handleRotate)
			r.Post("/suggest", s.handleSuggest)
			r.Get("/artifact", s.handleArtifact)
			r.Post("/complete", s.handleCompleteSegmentation)
		})

		r.Route("/placement", func(r chi.Router) {
			r.Post("/start", s.handleStartPlacement)
			r.Get("/", s.handlePlacement)
			r.Put("/mode", s.handleMode)
			r.Post("/click", s.handleClick)
			r.Post("/areas/complete", s.handleCompleteArea)
			r.Post("/areas/cancel", s.handleCancelArea)
			r.Post("/select", s.handleSelect)
			r.Put("/anchor", s.handleAnchor)
			r.Patch("/stalls/{id}", s.handlePatchStall)
			r.Post("/stalls/{id}/toggle", s.handleToggleStall)
			r.Patch("/markers/{id}", s.handlePatchMarker)
			r.Patch("/areas/{id}", s.handlePatchArea)
			r.Delete("/entities/{id}", s.handleDelete)
			r.Get("/export", s.handleExport)
			r.Post("/save", s.handleSave)
			r.Post("/complete", s.handleCompletePlacement)
		})

		r.Post("/persist", s.handlePersist)

		r.Get("/project", s.handleProjectExport)
		r.Put("/project", s.handleProjectImport)
	})
	return r
}

func (s *Server) serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var ufe *types.UnsupportedFormatError
	var se *types.ServerError
	switch {
	case errors.As(err, &ufe):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrStageOrder):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInput), errors.Is(err, types.ErrGeometry), errors.Is(err, types.ErrExportPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: types.OperatorMessage(err), Detail: err.Error()})
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrInput, err)
	}
	return nil
}

type stateResponse struct {
	Workflow types.WorkflowState `json:"workflow"`
	Saving   bool                `json:"saving"`
	BusTier  string              `json:"bus_tier,omitempty"`
	Artifact *artifactView       `json:"artifact,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Workflow: s.orch.State(),
		Saving:   s.orch.Saving(),
		Artifact: viewArtifact(s.orch.Session().Current()),
	}
	if s.bus != nil {
		resp.BusTier = s.bus.Tier(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.orch.Start(r.Context(), req.Name, req.Location); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

func (s *Server) handleStartOver(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StartOver(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

func (s *Server) handleCompleteSegmentation(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CompleteSegmentation(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.Persist(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market_id": id})
}

func (s *Server) handleProjectExport(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.fail(w, r, fmt.Errorf("%w: no artifact bus", types.ErrStorage))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="project.json"`)
	if err := s.bus.Export(r.Context(), w); err != nil {
		s.logger.Error("project export failed", "error", err)
	}
}

func (s *Server) handleProjectImport(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.fail(w, r, fmt.Errorf("%w: no artifact bus", types.ErrStorage))
		return
	}
	if err := s.bus.Import(r.Context(), http.MaxBytesReader(w, r.Body, s.maxUpload*2)); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.orch.Resume(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.State())
}

// editorOr fails the request when placement has not started
func (s *Server) editorOr(w http.ResponseWriter, r *http.Request) *editor.Editor {
	ed := s.orch.Editor()
	if ed == nil {
		s.fail(w, r, fmt.Errorf("%w: placement not started", types.ErrStageOrder))
	}
	return ed
}

// artifactView summarizes an artifact without its pixels
type artifactView struct {
	Generation uint64                   `json:"generation"`
	Width      int                      `json:"width"`
	Height     int                      `json:"height"`
	Rotation   types.Rotation           `json:"rotation"`
	Params     types.SegmentationParams `json:"params"`
	Kept       int                      `json:"kept"`
	Total      int                      `json:"total"`
	KeptRatio  float64                  `json:"kept_ratio"`
	Opaque     [4]int                   `json:"opaque_bounds"`
}

func viewArtifact(a *workflow.Artifact) *artifactView {
	if a == nil {
		return nil
	}
	st := a.Result.Stats
	b := st.OpaqueBounds
	return &artifactView{
		Generation: a.Generation,
		Width:      a.Result.Filtered.Width,
		Height:     a.Result.Filtered.Height,
		Rotation:   a.Result.Rotation,
		Params:     a.Result.Params,
		Kept:       st.Kept,
		Total:      st.Total,
		KeptRatio:  st.KeptRatio(),
		Opaque:     [4]int{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y},
	}
}

func artifactFilename(mimeType string) string {
	if mimeType == raster.MIMEWebP {
		return "stalls_transparent.webp"
	}
	return "stalls_transparent.png"
}
