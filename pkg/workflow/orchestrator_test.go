package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/persist"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// createTestPNG encodes a w x h plan with green outlines on cream paper
func createTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{245, 240, 220, 255}
			if x%8 == 0 || y%8 == 0 {
				c = color.NRGBA{20, 160, 60, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSaver struct {
	mu       sync.Mutex
	requests []persist.Request
	result   persist.Result
	err      error
	saving   func() bool
	sawSave  bool
}

func (f *fakeSaver) Save(ctx context.Context, req persist.Request) (persist.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.saving != nil {
		f.sawSave = f.saving()
	}
	return f.result, f.err
}

func newTestOrchestrator(t *testing.T, saver Saver) (*Orchestrator, *bus.Bus) {
	t.Helper()
	b := bus.NewMemory(nil)
	t.Cleanup(func() { b.Close() })
	return New(Options{Bus: b, Saver: saver}), b
}

var anchor = types.LatLng{Lat: 42.0, Lng: 11.0}

// driveToPersist runs setup, segmentation and placement with one stall
func driveToPersist(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, o.Start(ctx, "Mercato", "Firenze"))
	_, err := o.Upload(ctx, Upload{Data: createTestPNG(t, 32, 24), Filename: "plan.png"})
	require.NoError(t, err)
	require.NoError(t, o.CompleteSegmentation(ctx))
	ed, err := o.StartPlacement(ctx, anchor)
	require.NoError(t, err)
	ed.SetMode(editor.ModeAddingStall)
	ed.Click(anchor)
	require.NoError(t, o.CompletePlacement(ctx))
}

func TestStartValidatesInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	assert.ErrorIs(t, o.Start(t.Context(), "  ", "Firenze"), types.ErrInput)
	assert.ErrorIs(t, o.Start(t.Context(), "Mercato", ""), types.ErrInput)
	assert.Equal(t, types.StageSetup, o.State().Stage)
}

func TestStagesMustRunInOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := t.Context()

	_, err := o.Upload(ctx, Upload{Data: createTestPNG(t, 4, 4)})
	assert.ErrorIs(t, err, types.ErrStageOrder)
	assert.ErrorIs(t, o.CompleteSegmentation(ctx), types.ErrStageOrder)
	_, err = o.StartPlacement(ctx, anchor)
	assert.ErrorIs(t, err, types.ErrStageOrder)
	_, err = o.Persist(ctx)
	assert.ErrorIs(t, err, types.ErrStageOrder)

	require.NoError(t, o.Start(ctx, "Mercato", "Firenze"))
	assert.ErrorIs(t, o.Start(ctx, "Mercato", "Firenze"), types.ErrStageOrder)
}

func TestUploadWithoutFileIsNoop(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	require.NoError(t, o.Start(t.Context(), "Mercato", "Firenze"))

	art, err := o.Upload(t.Context(), Upload{})
	require.NoError(t, err)
	assert.Nil(t, art)
	assert.False(t, o.Session().HasSource())
	assert.ErrorIs(t, o.CompleteSegmentation(t.Context()), types.ErrNoFile)
}

func TestUploadUnsupportedFormat(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	require.NoError(t, o.Start(t.Context(), "Mercato", "Firenze"))

	_, err := o.Upload(t.Context(), Upload{Data: []byte("hello world"), Filename: "notes.txt"})
	var ufe *types.UnsupportedFormatError
	assert.True(t, errors.As(err, &ufe))
	assert.ErrorIs(t, err, types.ErrInput)
}

func TestSegmentationRoundTripsThroughBus(t *testing.T) {
	o, b := newTestOrchestrator(t, nil)
	ctx := t.Context()
	require.NoError(t, o.Start(ctx, "Mercato", "Firenze"))

	art, err := o.Upload(ctx, Upload{Data: createTestPNG(t, 32, 24), Filename: "plan.png"})
	require.NoError(t, err)
	require.NotNil(t, art)

	art, err = o.Rotate(90)
	require.NoError(t, err)
	assert.Equal(t, 24, art.Result.Filtered.Width)

	require.NoError(t, o.CompleteSegmentation(ctx))
	assert.Equal(t, types.StagePlace, o.State().Stage)

	data, meta, ok, err := b.LoadOverlay(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.OverlayMeta{Width: 24, Height: 32, Rotation: types.Rotate90, MIME: "image/png"}, meta)

	img, err := raster.New().Decode(data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, 24, img.Bounds().Dx())

	state, ok, err := b.LoadWorkflow(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, state.SegmentDone)
	assert.Equal(t, "Mercato", state.MarketName)
}

func TestSetParamsRejectsInvalid(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	require.NoError(t, o.Start(t.Context(), "Mercato", "Firenze"))
	_, err := o.Upload(t.Context(), Upload{Data: createTestPNG(t, 8, 8), Filename: "plan.png"})
	require.NoError(t, err)
	before := o.Session().Params()

	_, err = o.SetParams(types.SegmentationParams{HueMin: 400})
	assert.ErrorIs(t, err, types.ErrInput)
	assert.Equal(t, before, o.Session().Params())
}

func TestCompletePlacementNeedsStall(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := t.Context()
	require.NoError(t, o.Start(ctx, "Mercato", "Firenze"))
	_, err := o.Upload(ctx, Upload{Data: createTestPNG(t, 8, 8), Filename: "plan.png"})
	require.NoError(t, err)
	require.NoError(t, o.CompleteSegmentation(ctx))
	_, err = o.StartPlacement(ctx, anchor)
	require.NoError(t, err)

	assert.ErrorIs(t, o.CompletePlacement(ctx), types.ErrNoStalls)
	assert.Equal(t, types.StagePlace, o.State().Stage)
}

func TestPersistSuccessClearsBus(t *testing.T) {
	saver := &fakeSaver{result: persist.Ok{MarketID: "17"}}
	o, b := newTestOrchestrator(t, saver)
	saver.saving = o.Saving
	ctx := t.Context()
	driveToPersist(t, o)

	id, err := o.Persist(ctx)
	require.NoError(t, err)
	assert.Equal(t, "17", id)
	assert.True(t, saver.sawSave, "saving indicator must be on during the call")
	assert.False(t, o.Saving())

	state := o.State()
	assert.Equal(t, types.StageDone, state.Stage)
	assert.True(t, state.PersistDone)
	assert.Equal(t, "17", state.MarketID)

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.Len(t, saver.requests, 1)
	req := saver.requests[0]
	assert.Equal(t, "Mercato", req.Name)
	assert.Equal(t, "Firenze", req.Municipality)
	doc, ok := req.SlotEditorData.(*editor.Document)
	require.True(t, ok)
	assert.Len(t, doc.StallsGeoJSON.Features, 1)
}

func TestPersistRefusalStaysInStage(t *testing.T) {
	saver := &fakeSaver{result: persist.Err{Message: "Nome già in uso"}}
	o, b := newTestOrchestrator(t, saver)
	ctx := t.Context()
	driveToPersist(t, o)

	_, err := o.Persist(ctx)
	var se *types.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Nome già in uso", types.OperatorMessage(err))
	assert.Equal(t, types.StagePersist, o.State().Stage)

	stalls, err := b.LoadStalls(ctx)
	require.NoError(t, err)
	assert.Len(t, stalls, 1, "bus keeps the work for a manual retry")

	saver.result = persist.Ok{MarketID: "18"}
	id, err := o.Persist(ctx)
	require.NoError(t, err)
	assert.Equal(t, "18", id)
	assert.Len(t, saver.requests, 2)
}

func TestPersistTransportFailure(t *testing.T) {
	saver := &fakeSaver{err: types.ErrNetwork}
	o, _ := newTestOrchestrator(t, saver)
	driveToPersist(t, o)

	_, err := o.Persist(t.Context())
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, types.StagePersist, o.State().Stage)
}

func TestResumeReopensEditor(t *testing.T) {
	ctx := t.Context()
	o, b := newTestOrchestrator(t, nil)
	driveToPersist(t, o)

	restarted := New(Options{Bus: b})
	require.NoError(t, restarted.Resume(ctx))
	assert.Equal(t, types.StagePersist, restarted.State().Stage)
	require.NotNil(t, restarted.Editor())
	assert.Len(t, restarted.Editor().State().Stalls, 1)
}

func TestResumeWithoutWorkflowStartsOver(t *testing.T) {
	ctx := t.Context()
	o, b := newTestOrchestrator(t, nil)
	driveToPersist(t, o)

	// a project document without a workflow replaces the bus
	require.NoError(t, b.Import(ctx, strings.NewReader(`{"version":1,"stalls":[]}`)))
	require.NoError(t, o.Resume(ctx))

	assert.Equal(t, types.StageSetup, o.State().Stage)
	assert.Nil(t, o.Editor())
	assert.Nil(t, o.Session().Current())
	assert.ErrorIs(t, o.CompleteSegmentation(ctx), types.ErrStageOrder)
}

func TestStartOver(t *testing.T) {
	ctx := t.Context()
	o, b := newTestOrchestrator(t, nil)
	driveToPersist(t, o)

	require.NoError(t, o.StartOver(ctx))
	assert.Equal(t, types.StageSetup, o.State().Stage)
	assert.Nil(t, o.Editor())
	assert.Nil(t, o.Session().Current())

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

type stubAssistant struct {
	suggestion types.ParamSuggestion
	err        error
}

func (s stubAssistant) Suggest(ctx context.Context, buf raster.PixelBuffer) (types.ParamSuggestion, error) {
	return s.suggestion, s.err
}

func TestSuggestFallsBackToHistogram(t *testing.T) {
	ctx := t.Context()
	b := bus.NewMemory(nil)
	defer b.Close()
	o := New(Options{Bus: b, Assistant: stubAssistant{err: errors.New("model offline")}})

	_, err := o.Suggest(ctx)
	assert.ErrorIs(t, err, types.ErrNoFile)

	require.NoError(t, o.Start(ctx, "Mercato", "Firenze"))
	_, err = o.Upload(ctx, Upload{Data: createTestPNG(t, 64, 64), Filename: "plan.png"})
	require.NoError(t, err)

	s, err := o.Suggest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "histogram", s.Source)

	want := types.ParamSuggestion{Params: types.DefaultSegmentationParams(), Source: "vision", Confidence: 0.8}
	o.opts.Assistant = stubAssistant{suggestion: want}
	s, err = o.Suggest(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, s)
}
