package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// SnapshotVersion is the current project document version
const SnapshotVersion = 1

// Project is every semantic artifact on the bus as a single document. Images
// travel as data URLs.
type Project struct {
	Version        int                  `json:"version"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	OverlayImage   string               `json:"overlay_image,omitempty"`
	OverlayMeta    *types.OverlayMeta   `json:"overlay_meta,omitempty"`
	ReferenceImage string               `json:"reference_image,omitempty"`
	Anchor         *types.Anchor        `json:"anchor,omitempty"`
	Stalls         []types.Stall        `json:"stalls"`
	Markers        []types.Marker       `json:"markers"`
	Areas          []types.Area         `json:"areas"`
	Workflow       *types.WorkflowState `json:"workflow,omitempty"`
}

// Snapshot collects the semantic keys into a Project
func (b *Bus) Snapshot(ctx context.Context) (*Project, error) {
	p := &Project{Version: SnapshotVersion}

	meta, ok, err := b.ProjectMeta(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.CreatedAt, p.UpdatedAt = meta.CreatedAt, meta.UpdatedAt
	}

	png, overlayMeta, ok, err := b.LoadOverlay(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.OverlayImage = raster.DataURL(overlayMeta.MIME, png)
		p.OverlayMeta = &overlayMeta
	}

	ref, refMIME, ok, err := b.LoadReference(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.ReferenceImage = raster.DataURL(refMIME, ref)
	}

	anchor, ok, err := b.LoadAnchor(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.Anchor = &anchor
	}

	if p.Stalls, err = b.LoadStalls(ctx); err != nil {
		return nil, err
	}
	if p.Markers, err = b.LoadMarkers(ctx); err != nil {
		return nil, err
	}
	if p.Areas, err = b.LoadAreas(ctx); err != nil {
		return nil, err
	}
	if p.Stalls == nil {
		p.Stalls = []types.Stall{}
	}
	if p.Markers == nil {
		p.Markers = []types.Marker{}
	}
	if p.Areas == nil {
		p.Areas = []types.Area{}
	}

	state, ok, err := b.LoadWorkflow(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.Workflow = &state
	}
	return p, nil
}

// decodedImage is an image of a Project with its data URL already parsed
type decodedImage struct {
	mime string
	data []byte
}

func decodeImage(field, dataURL string) (*decodedImage, error) {
	if dataURL == "" {
		return nil, nil
	}
	mimeType, data, err := raster.ParseDataURL(dataURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &decodedImage{mime: mimeType, data: data}, nil
}

// Restore replaces the bus contents with p. The document is decoded in full
// before anything on the bus is touched, so a rejected import leaves the bus
// as it was.
func (b *Bus) Restore(ctx context.Context, p *Project) error {
	if p == nil {
		return fmt.Errorf("%w: empty project", types.ErrInput)
	}
	if p.Version > SnapshotVersion {
		return fmt.Errorf("%w: project version %d is newer than supported %d", types.ErrInput, p.Version, SnapshotVersion)
	}
	overlay, err := decodeImage("overlay image", p.OverlayImage)
	if err != nil {
		return err
	}
	reference, err := decodeImage("reference image", p.ReferenceImage)
	if err != nil {
		return err
	}
	if p.Anchor != nil {
		if err := p.Anchor.Validate(); err != nil {
			return fmt.Errorf("anchor: %w", err)
		}
	}

	if err := b.Clear(ctx); err != nil {
		return err
	}

	if overlay != nil {
		meta := types.OverlayMeta{MIME: overlay.mime}
		if p.OverlayMeta != nil {
			meta = *p.OverlayMeta
		}
		if err := b.SaveOverlay(ctx, overlay.data, meta); err != nil {
			return err
		}
	}
	if reference != nil {
		if err := b.SaveReference(ctx, reference.mime, reference.data); err != nil {
			return err
		}
	}
	if p.Anchor != nil {
		if err := b.SaveAnchor(ctx, *p.Anchor); err != nil {
			return err
		}
	}
	if err := b.SaveStalls(ctx, p.Stalls); err != nil {
		return err
	}
	if err := b.SaveMarkers(ctx, p.Markers); err != nil {
		return err
	}
	if err := b.SaveAreas(ctx, p.Areas); err != nil {
		return err
	}
	if p.Workflow != nil {
		if err := b.SaveWorkflow(ctx, *p.Workflow); err != nil {
			return err
		}
	}

	// keep the imported timestamps rather than the ones stamped while restoring
	if !p.CreatedAt.IsZero() {
		return b.PutJSON(ctx, KeyProjectMeta, ProjectMeta{CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt})
	}
	return nil
}

// Export writes the project snapshot as indented JSON
func (b *Bus) Export(ctx context.Context, w io.Writer) error {
	p, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to write project: %w", err)
	}
	return nil
}

// Import reads a project document and restores it
func (b *Bus) Import(ctx context.Context, r io.Reader) error {
	var p Project
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return fmt.Errorf("%w: failed to parse project: %v", types.ErrInput, err)
	}
	return b.Restore(ctx, &p)
}
