// Package workflow sequences the digitization pipeline:
// setup, segment, place, persist.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/hint"
	"github.com/menta2k/bushub/pkg/persist"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// Saver stores a finished market. *persist.Client implements it.
type Saver interface {
	Save(ctx context.Context, req persist.Request) (persist.Result, error)
}

// Assistant proposes segmentation parameters for a plan
type Assistant interface {
	Suggest(ctx context.Context, buf raster.PixelBuffer) (types.ParamSuggestion, error)
}

// Options configures an Orchestrator
type Options struct {
	Bus       *bus.Bus
	Loader    *raster.Loader
	Saver     Saver
	Assistant Assistant
	Advisor   *hint.HueAdvisor
	Editor    editor.Config
	Params    types.SegmentationParams
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator owns one workflow session
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   types.WorkflowState
	session *Session
	editor  *editor.Editor
	saving  atomic.Bool
}

// New creates an Orchestrator in the setup stage
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Loader == nil {
		opts.Loader = raster.New()
	}
	if opts.Advisor == nil {
		opts.Advisor = hint.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Params == (types.SegmentationParams{}) {
		opts.Params = types.DefaultSegmentationParams()
	}
	if opts.Editor.MetersPerPixel == 0 {
		opts.Editor = editor.DefaultConfig()
	}
	o := &Orchestrator{
		opts:    opts,
		logger:  opts.Logger.With("component", "workflow"),
		session: NewSession(opts.Params),
	}
	o.state = o.freshState()
	return o
}

func (o *Orchestrator) freshState() types.WorkflowState {
	now := o.opts.Now().UTC()
	return types.WorkflowState{Stage: types.StageSetup, StartedAt: now, LastModified: now}
}

// State returns the workflow state
func (o *Orchestrator) State() types.WorkflowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the segmentation session
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Saving is true while the final persistence call is in flight
func (o *Orchestrator) Saving() bool {
	return o.saving.Load()
}

// Editor returns the placement editor, or nil before placement starts
func (o *Orchestrator) Editor() *editor.Editor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.editor
}

func (o *Orchestrator) requireStage(stage types.Stage) error {
	if o.state.Stage != stage {
		return fmt.Errorf("%w: in %s, need %s", types.ErrStageOrder, o.state.Stage, stage)
	}
	return nil
}

// commit must be called with mu held
func (o *Orchestrator) commit(ctx context.Context) {
	o.state.LastModified = o.opts.Now().UTC()
	if o.opts.Bus == nil {
		return
	}
	if err := o.opts.Bus.SaveWorkflow(ctx, o.state); err != nil {
		o.logger.Warn("failed to store workflow state", "error", err)
	}
}

// Resume restores the workflow state stored on the bus. In the place stage it
// also reopens the editor from the bus. A bus without a workflow starts over
// from setup.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.opts.Bus == nil {
		return nil
	}
	state, ok, err := o.opts.Bus.LoadWorkflow(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.editor = nil
	if !ok {
		o.session.Reset(o.opts.Params)
		o.state = o.freshState()
		o.logger.Debug("no workflow on the bus, starting from setup")
		return nil
	}
	o.state = state
	if state.Stage == types.StagePlace || state.Stage == types.StagePersist {
		ed := editor.New(o.opts.Bus, o.opts.Editor, types.LatLng{}, o.opts.Logger)
		if err := ed.Load(ctx); err != nil {
			return err
		}
		o.editor = ed
	}
	o.logger.Info("workflow resumed", "stage", state.Stage, "market", state.MarketName)
	return nil
}

// Start records the market name and location and moves to segmentation
func (o *Orchestrator) Start(ctx context.Context, name, location string) error {
	name, location = strings.TrimSpace(name), strings.TrimSpace(location)
	if name == "" {
		return fmt.Errorf("%w: market name is required", types.ErrInput)
	}
	if location == "" {
		return fmt.Errorf("%w: location is required", types.ErrInput)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireStage(types.StageSetup); err != nil {
		return err
	}
	o.state.MarketName, o.state.Location = name, location
	o.state.SetupDone = true
	o.state.Stage = types.StageSegment
	o.commit(ctx)
	o.logger.Info("workflow started", "market", name, "location", location)
	return nil
}

// Upload is an image handed in by the operator
type Upload struct {
	Data     []byte
	Filename string
	MIME     string
}

// Upload decodes the plan and renders the artifact. An upload without data
// does nothing and returns nil.
func (o *Orchestrator) Upload(ctx context.Context, up Upload) (*Artifact, error) {
	o.mu.Lock()
	err := o.requireStage(types.StageSegment)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	mimeType := up.MIME
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = raster.DetectMIME(up.Data, up.Filename)
	}
	img, err := o.opts.Loader.Decode(up.Data, mimeType)
	if errors.Is(err, types.ErrNoFile) {
		o.logger.Debug("upload without file ignored")
		return nil, nil
	}
	if err != nil {
		o.logger.Warn("upload rejected", "filename", up.Filename, "mime", mimeType, "error", err)
		return nil, err
	}

	art, err := o.session.SetSource(raster.FromImage(img), mimeType)
	if err != nil {
		return nil, err
	}
	if art != nil {
		st := art.Result.Stats
		o.logger.Info("plan segmented",
			"filename", up.Filename,
			"width", art.Result.Filtered.Width,
			"height", art.Result.Filtered.Height,
			"kept_ratio", st.KeptRatio())
	}
	return art, nil
}

// SetParams re-renders the artifact with new thresholds
func (o *Orchestrator) SetParams(p types.SegmentationParams) (*Artifact, error) {
	o.mu.Lock()
	err := o.requireStage(types.StageSegment)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.session.SetParams(p)
}

// Rotate turns the plan deg degrees clockwise and re-renders
func (o *Orchestrator) Rotate(deg int) (*Artifact, error) {
	o.mu.Lock()
	err := o.requireStage(types.StageSegment)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.session.Rotate(deg)
}

// Suggest proposes parameters for the uploaded plan. The assistant is asked
// first when configured; the histogram advisor is the fallback.
func (o *Orchestrator) Suggest(ctx context.Context) (types.ParamSuggestion, error) {
	if !o.session.HasSource() {
		return types.ParamSuggestion{}, types.ErrNoFile
	}
	src, _ := o.session.Source()

	if o.opts.Assistant != nil {
		s, err := o.opts.Assistant.Suggest(ctx, src)
		if err == nil && s.Params.Validate() == nil {
			return s, nil
		}
		o.logger.Warn("assistant suggestion failed, using histogram", "error", err)
	}
	return o.opts.Advisor.Suggest(src)
}

// ArtifactPNG encodes the current artifact for download
func (o *Orchestrator) ArtifactPNG() ([]byte, error) {
	art := o.session.Current()
	if art == nil {
		return nil, types.ErrNoFile
	}
	return raster.EncodePNG(art.Result.Filtered)
}

// CompleteSegmentation hands the artifact to the placement stage through the bus
func (o *Orchestrator) CompleteSegmentation(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireStage(types.StageSegment); err != nil {
		return err
	}
	art := o.session.Current()
	if art == nil {
		return types.ErrNoFile
	}
	if o.opts.Bus == nil {
		return fmt.Errorf("%w: no artifact bus", types.ErrStorage)
	}

	overlay, err := raster.EncodePNG(art.Result.Filtered)
	if err != nil {
		return err
	}
	reference, err := raster.EncodePNG(art.Result.Reference)
	if err != nil {
		return err
	}
	meta := types.OverlayMeta{
		Width:    art.Result.Filtered.Width,
		Height:   art.Result.Filtered.Height,
		Rotation: art.Result.Rotation,
		MIME:     raster.MIMEPNG,
	}
	if err := o.opts.Bus.SaveOverlay(ctx, overlay, meta); err != nil {
		return err
	}
	if err := o.opts.Bus.SaveReference(ctx, raster.MIMEPNG, reference); err != nil {
		return err
	}

	o.state.SegmentDone = true
	o.state.Stage = types.StagePlace
	o.commit(ctx)
	return nil
}

// StartPlacement opens the editor anchored at center. Entities and an anchor
// already on the bus take precedence.
func (o *Orchestrator) StartPlacement(ctx context.Context, center types.LatLng) (*editor.Editor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireStage(types.StagePlace); err != nil {
		return nil, err
	}

	ed := editor.New(o.opts.Bus, o.opts.Editor, center, o.opts.Logger)
	if err := ed.Load(ctx); err != nil {
		return nil, err
	}
	o.editor = ed
	return ed, nil
}

// CompletePlacement saves the editor and moves to persistence. The placement
// must be exportable.
func (o *Orchestrator) CompletePlacement(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireStage(types.StagePlace); err != nil {
		return err
	}
	if o.editor == nil {
		return fmt.Errorf("%w: placement not started", types.ErrStageOrder)
	}
	if _, err := o.editor.Export(); err != nil {
		return err
	}
	if err := o.editor.Save(ctx); err != nil {
		return err
	}
	o.state.PlaceDone = true
	o.state.Stage = types.StagePersist
	o.commit(ctx)
	return nil
}

// Persist sends the market to the persistence API. On success the bus is
// cleared and the workflow is done. A refusal is returned as a
// *types.ServerError and the workflow stays in the persist stage.
func (o *Orchestrator) Persist(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireStage(types.StagePersist); err != nil {
		return "", err
	}
	if o.opts.Saver == nil {
		return "", fmt.Errorf("%w: no persistence client configured", types.ErrNetwork)
	}
	if o.editor == nil {
		return "", fmt.Errorf("%w: placement not loaded", types.ErrStageOrder)
	}
	doc, err := o.editor.Export()
	if err != nil {
		return "", err
	}

	o.saving.Store(true)
	defer o.saving.Store(false)

	res, err := o.opts.Saver.Save(ctx, persist.Request{
		Name:           o.state.MarketName,
		Municipality:   o.state.Location,
		SlotEditorData: doc,
	})
	if err != nil {
		o.logger.Error("persist failed", "market", o.state.MarketName, "error", err)
		return "", err
	}

	switch r := res.(type) {
	case persist.Ok:
		if o.opts.Bus != nil {
			if err := o.opts.Bus.Clear(ctx); err != nil {
				o.logger.Warn("failed to clear bus after save", "error", err)
			}
		}
		o.state.PersistDone = true
		o.state.MarketID = r.MarketID
		o.state.Stage = types.StageDone
		o.state.LastModified = o.opts.Now().UTC()
		o.editor = nil
		o.session.Reset(o.opts.Params)
		o.logger.Info("market saved", "market", o.state.MarketName, "market_id", r.MarketID)
		return r.MarketID, nil
	case persist.Err:
		o.logger.Warn("server refused market", "market", o.state.MarketName, "message", r.Message)
		return "", persist.AsError(r)
	default:
		return "", fmt.Errorf("%w: unexpected result %T", types.ErrNetwork, res)
	}
}

// StartOver discards everything and returns to setup
func (o *Orchestrator) StartOver(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.session.Reset(o.opts.Params)
	o.editor = nil
	o.state = o.freshState()
	if o.opts.Bus != nil {
		if err := o.opts.Bus.Clear(ctx); err != nil {
			return err
		}
	}
	o.logger.Info("workflow reset")
	return nil
}
