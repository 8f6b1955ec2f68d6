package bus

import (
	"context"
	"time"

	"github.com/menta2k/bushub/pkg/types"
)

// Semantic keys shared by the workflow stages
const (
	KeyOverlayImage   = "overlay_image"
	KeyOverlayMeta    = "overlay_meta"
	KeyReferenceImage = "reference_image"
	KeyAnchor         = "anchor"
	KeyStalls         = "stalls"
	KeyMarkers        = "markers"
	KeyAreas          = "areas"
	KeyWorkflow       = "workflow"
	KeyProjectMeta    = "project_meta"
)

// ProjectMeta records when the project on the bus was started and last changed
type ProjectMeta struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// touch stamps the project timestamps after a semantic write
func (b *Bus) touch(ctx context.Context) error {
	var meta ProjectMeta
	if _, err := b.GetJSON(ctx, KeyProjectMeta, &meta); err != nil {
		return err
	}
	now := b.opts.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	return b.PutJSON(ctx, KeyProjectMeta, meta)
}

func (b *Bus) putTouched(ctx context.Context, key string, v any) error {
	if err := b.PutJSON(ctx, key, v); err != nil {
		return err
	}
	return b.touch(ctx)
}

// ProjectMeta returns the project timestamps, if any were recorded
func (b *Bus) ProjectMeta(ctx context.Context) (ProjectMeta, bool, error) {
	var meta ProjectMeta
	ok, err := b.GetJSON(ctx, KeyProjectMeta, &meta)
	return meta, ok, err
}

// SaveOverlay stores the transparent artifact and its metadata
func (b *Bus) SaveOverlay(ctx context.Context, png []byte, meta types.OverlayMeta) error {
	if meta.MIME == "" {
		meta.MIME = "image/png"
	}
	if err := b.PutBlob(ctx, KeyOverlayImage, meta.MIME, png); err != nil {
		return err
	}
	return b.putTouched(ctx, KeyOverlayMeta, meta)
}

// LoadOverlay returns the stored artifact and its metadata
func (b *Bus) LoadOverlay(ctx context.Context) ([]byte, types.OverlayMeta, bool, error) {
	var meta types.OverlayMeta
	data, _, ok, err := b.GetBlob(ctx, KeyOverlayImage)
	if err != nil || !ok {
		return nil, meta, false, err
	}
	if _, err := b.GetJSON(ctx, KeyOverlayMeta, &meta); err != nil {
		return nil, meta, false, err
	}
	return data, meta, true, nil
}

// SaveReference stores the rotated, unfiltered plan
func (b *Bus) SaveReference(ctx context.Context, mimeType string, data []byte) error {
	if err := b.PutBlob(ctx, KeyReferenceImage, mimeType, data); err != nil {
		return err
	}
	return b.touch(ctx)
}

// LoadReference returns the reference image
func (b *Bus) LoadReference(ctx context.Context) ([]byte, string, bool, error) {
	return b.GetBlob(ctx, KeyReferenceImage)
}

func (b *Bus) SaveAnchor(ctx context.Context, a types.Anchor) error {
	return b.putTouched(ctx, KeyAnchor, a)
}

func (b *Bus) LoadAnchor(ctx context.Context) (types.Anchor, bool, error) {
	var a types.Anchor
	ok, err := b.GetJSON(ctx, KeyAnchor, &a)
	return a, ok, err
}

func (b *Bus) SaveStalls(ctx context.Context, stalls []types.Stall) error {
	if stalls == nil {
		stalls = []types.Stall{}
	}
	return b.putTouched(ctx, KeyStalls, stalls)
}

func (b *Bus) LoadStalls(ctx context.Context) ([]types.Stall, error) {
	var stalls []types.Stall
	_, err := b.GetJSON(ctx, KeyStalls, &stalls)
	return stalls, err
}

func (b *Bus) SaveMarkers(ctx context.Context, markers []types.Marker) error {
	if markers == nil {
		markers = []types.Marker{}
	}
	return b.putTouched(ctx, KeyMarkers, markers)
}

func (b *Bus) LoadMarkers(ctx context.Context) ([]types.Marker, error) {
	var markers []types.Marker
	_, err := b.GetJSON(ctx, KeyMarkers, &markers)
	return markers, err
}

func (b *Bus) SaveAreas(ctx context.Context, areas []types.Area) error {
	if areas == nil {
		areas = []types.Area{}
	}
	return b.putTouched(ctx, KeyAreas, areas)
}

func (b *Bus) LoadAreas(ctx context.Context) ([]types.Area, error) {
	var areas []types.Area
	_, err := b.GetJSON(ctx, KeyAreas, &areas)
	return areas, err
}

// SaveWorkflow stores the orchestrator state. It does not touch the project timestamps.
func (b *Bus) SaveWorkflow(ctx context.Context, state types.WorkflowState) error {
	return b.PutJSON(ctx, KeyWorkflow, state)
}

func (b *Bus) LoadWorkflow(ctx context.Context) (types.WorkflowState, bool, error) {
	var state types.WorkflowState
	ok, err := b.GetJSON(ctx, KeyWorkflow, &state)
	return state, ok, err
}
