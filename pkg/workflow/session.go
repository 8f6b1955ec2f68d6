package workflow

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/segment"
	"github.com/menta2k/bushub/pkg/types"
)

// ErrSuperseded is returned by a render that finished after a newer one started
var ErrSuperseded = errors.New("render superseded by a newer one")

// Artifact is one complete segmentation output
type Artifact struct {
	Generation uint64
	Result     segment.Result
}

// Session holds the uploaded plan and the artifact derived from it. Every
// change of source, parameters or rotation re-renders the artifact in full;
// the most recently started render wins.
type Session struct {
	mu       sync.Mutex
	source   raster.PixelBuffer
	mime     string
	params   types.SegmentationParams
	rotation types.Rotation

	gen     atomic.Uint64
	floor   atomic.Uint64 // renders at or below this generation were reset away
	current atomic.Pointer[Artifact]
}

// NewSession creates an empty session with params as the initial parameters
func NewSession(params types.SegmentationParams) *Session {
	return &Session{params: params}
}

// Params returns the current parameters
func (s *Session) Params() types.SegmentationParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Rotation returns the current rotation
func (s *Session) Rotation() types.Rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

// Source returns the unrotated upload and its MIME type
func (s *Session) Source() (raster.PixelBuffer, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.mime
}

// HasSource reports whether a plan was uploaded
func (s *Session) HasSource() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.source.Empty()
}

// Current returns the latest artifact, or nil
func (s *Session) Current() *Artifact {
	return s.current.Load()
}

// SetSource replaces the plan wholesale. The rotation resets to 0.
func (s *Session) SetSource(buf raster.PixelBuffer, mimeType string) (*Artifact, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.source, s.mime, s.rotation = buf, mimeType, types.Rotate0
	s.mu.Unlock()
	return s.render()
}

// SetParams changes the thresholds. Invalid parameters leave the session unchanged.
func (s *Session) SetParams(p types.SegmentationParams) (*Artifact, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	return s.render()
}

// SetRotation sets the clockwise rotation of the plan
func (s *Session) SetRotation(r types.Rotation) (*Artifact, error) {
	if !r.Valid() {
		_, err := types.ParseRotation(int(r))
		return nil, err
	}
	s.mu.Lock()
	s.rotation = r
	s.mu.Unlock()
	return s.render()
}

// Rotate turns the plan a further deg degrees clockwise
func (s *Session) Rotate(deg int) (*Artifact, error) {
	if _, err := types.ParseRotation(deg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rotation = s.rotation.Add(deg)
	s.mu.Unlock()
	return s.render()
}

// Reset drops the source and the artifact
func (s *Session) Reset(params types.SegmentationParams) {
	s.mu.Lock()
	s.source, s.mime, s.params, s.rotation = raster.PixelBuffer{}, "", params, types.Rotate0
	s.mu.Unlock()
	s.floor.Store(s.gen.Add(1))
	s.current.Store(nil)
}

func (s *Session) render() (*Artifact, error) {
	gen := s.gen.Add(1)

	s.mu.Lock()
	src, params, rotation := s.source, s.params, s.rotation
	s.mu.Unlock()

	if src.Empty() {
		return nil, nil
	}
	res, err := segment.Process(src, params, rotation)
	if err != nil {
		return nil, err
	}

	next := &Artifact{Generation: gen, Result: res}
	for {
		if gen <= s.floor.Load() {
			return nil, ErrSuperseded
		}
		old := s.current.Load()
		if old != nil && old.Generation > gen {
			return nil, ErrSuperseded
		}
		if s.current.CompareAndSwap(old, next) {
			return next, nil
		}
	}
}
