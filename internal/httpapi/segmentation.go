package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
	"github.com/menta2k/bushub/pkg/workflow"
)

// handleUpload accepts a multipart form with a "file" part, or the raw file
// as the request body. A request without a file is a no-op.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	art, err := s.orch.Upload(r.Context(), up)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if art == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, viewArtifact(art))
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (workflow.Upload, error) {
	body := http.MaxBytesReader(w, r.Body, s.maxUpload)
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "multipart/form-data") {
		r.Body = body
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return workflow.Upload{}, fmt.Errorf("%w: invalid multipart form: %v", types.ErrInput, err)
		}
		f, hdr, err := r.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return workflow.Upload{}, nil
		}
		if err != nil {
			return workflow.Upload{}, fmt.Errorf("%w: %v", types.ErrInput, err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return workflow.Upload{}, fmt.Errorf("%w: failed to read upload: %v", types.ErrInput, err)
		}
		return workflow.Upload{Data: data, Filename: hdr.Filename, MIME: hdr.Header.Get("Content-Type")}, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return workflow.Upload{}, fmt.Errorf("%w: failed to read upload: %v", types.ErrInput, err)
	}
	return workflow.Upload{Data: data, Filename: r.URL.Query().Get("filename"), MIME: ct}, nil
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	var p types.SegmentationParams
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	art, err := s.orch.SetParams(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewArtifact(art))
}

type rotateRequest struct {
	Degrees int `json:"degrees"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	art, err := s.orch.Rotate(req.Degrees)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewArtifact(art))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	sug, err := s.orch.Suggest(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

// handleArtifact downloads the current artifact, ?format=webp for WebP
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art := s.orch.Session().Current()
	if art == nil {
		s.fail(w, r, types.ErrNoFile)
		return
	}
	data, mimeType, err := raster.Encode(art.Result.Filtered, r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, artifactFilename(mimeType)))
	_, _ = w.Write(data)
}
