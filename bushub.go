// Package bushub digitizes paper market plans.
//
// A scanned plan is chroma-keyed into a transparent overlay of its stall
// outlines, placed on the map, annotated with stalls, markers and areas, and
// sent to the markets API. The stages hand data to each other through an
// artifact bus backed by SQLite, with a JSON file as fallback.
//
// Basic usage:
//
//	cfg, err := config.Load(config.GetConfigPath())
//	if err != nil {
//		log.Fatal(err)
//	}
//	hub, err := bushub.New(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer hub.Close()
//
//	res, err := hub.SegmentFile(ctx, "plan.pdf", cfg.Segmentation, types.Rotate0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	png, err := raster.EncodePNG(res.Filtered)
//	if err != nil {
//		log.Fatal(err)
//	}
//	_ = os.WriteFile(raster.ArtifactFilename, png, 0644)
//
// The package consists of these main components:
//
// 1. Raster (pkg/raster): decodes uploads, including PDFs, and encodes artifacts
// 2. Segment (pkg/segment): the HSV chroma-key filter
// 3. Geodesy (pkg/geodesy): flat-earth placement of rectangles and overlays
// 4. Bus (pkg/bus): the two-tier artifact store shared by the stages
// 5. Editor (pkg/editor): the placement state machine and its export
// 6. Workflow (pkg/workflow): the stage sequence and persistence hand-off
package bushub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/menta2k/bushub/internal/config"
	"github.com/menta2k/bushub/internal/httpapi"
	"github.com/menta2k/bushub/internal/utils"
	"github.com/menta2k/bushub/pkg/assist"
	"github.com/menta2k/bushub/pkg/bus"
	"github.com/menta2k/bushub/pkg/client"
	"github.com/menta2k/bushub/pkg/hint"
	"github.com/menta2k/bushub/pkg/llamacpp"
	"github.com/menta2k/bushub/pkg/ollama"
	"github.com/menta2k/bushub/pkg/persist"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/segment"
	"github.com/menta2k/bushub/pkg/types"
	"github.com/menta2k/bushub/pkg/workflow"
)

// Version of bushub
const Version = "1.0.0"

// Hub wires the configured components together
type Hub struct {
	config    *config.Config
	logger    *slog.Logger
	loader    *raster.Loader
	advisor   *hint.HueAdvisor
	assistant *assist.Assistant
	bus       *bus.Bus
	orch      *workflow.Orchestrator
}

// Options replaces individual collaborators, mostly for tests
type Options struct {
	// Bus overrides the configured SQLite and file tiers
	Bus *bus.Bus
	// Saver overrides the HTTP persistence client
	Saver workflow.Saver
}

// New creates a Hub from cfg. A nil logger means slog.Default().
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates a Hub with some collaborators replaced
func NewWithOptions(cfg *config.Config, logger *slog.Logger, opts Options) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		config:  cfg,
		logger:  logger,
		loader:  raster.NewWithConfig(cfg.LoaderConfig()),
		advisor: hint.New(),
		bus:     opts.Bus,
	}

	if h.bus == nil {
		h.bus = bus.New(bus.Options{
			Primary:  bus.SQLiteOpener(cfg.Bus.SQLitePath),
			Fallback: bus.FileOpener(cfg.Bus.FallbackPath, cfg.Bus.KeyPrefix),
			Logger:   logger,
		})
	}

	if cfg.Assist.Enabled {
		vc, err := visionClient(cfg.Assist)
		if err != nil {
			return nil, err
		}
		h.assistant = assist.New(vc, cfg.AssistConfig(), logger)
	}

	saver := opts.Saver
	if saver == nil {
		saver = persist.New(cfg.PersistConfig(), nil, logger)
	}

	wopts := workflow.Options{
		Bus:     h.bus,
		Loader:  h.loader,
		Saver:   saver,
		Advisor: h.advisor,
		Editor:  cfg.EditorConfig(),
		Params:  cfg.Segmentation,
		Logger:  logger,
	}
	// a nil *assist.Assistant must not become a non-nil interface
	if h.assistant != nil {
		wopts.Assistant = h.assistant
	}
	h.orch = workflow.New(wopts)
	return h, nil
}

func visionClient(cfg config.AssistConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case config.BackendLlamaCpp:
		c, err := llamacpp.NewClient(cfg.LlamaCppURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		c, err := ollama.NewClient(cfg.OllamaURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return c, nil
	}
}

// Config returns the configuration the hub was built with
func (h *Hub) Config() *config.Config { return h.config }

// Bus returns the artifact bus
func (h *Hub) Bus() *bus.Bus { return h.bus }

// Orchestrator returns the workflow orchestrator
func (h *Hub) Orchestrator() *workflow.Orchestrator { return h.orch }

// Resume restores a workflow left on the bus by a previous process
func (h *Hub) Resume(ctx context.Context) error {
	return h.orch.Resume(ctx)
}

// Handler returns the HTTP API
func (h *Hub) Handler() http.Handler {
	return httpapi.New(h.orch, h.bus, h.config.Raster.MaxUploadBytes, h.logger).Handler()
}

// LoadPlan decodes a plan from a file path, an http(s) URL or a data URL
func (h *Hub) LoadPlan(ctx context.Context, source string) (raster.PixelBuffer, error) {
	img, err := h.loader.LoadSmart(ctx, source)
	if err != nil {
		return raster.PixelBuffer{}, err
	}
	return raster.FromImage(img), nil
}

// SegmentFile runs the chroma-key filter over a plan outside of any workflow
func (h *Hub) SegmentFile(ctx context.Context, source string, p types.SegmentationParams, r types.Rotation) (segment.Result, error) {
	buf, err := h.LoadPlan(ctx, source)
	if err != nil {
		return segment.Result{}, err
	}
	res, err := segment.Process(buf, p, r)
	if err != nil {
		return segment.Result{}, err
	}
	h.logger.Debug("plan segmented",
		"source", source,
		"width", res.Filtered.Width,
		"height", res.Filtered.Height,
		"kept_ratio", res.Stats.KeptRatio())
	return res, nil
}

// SuggestFile proposes parameters for a plan. The vision assistant is asked
// first when enabled; the histogram advisor is the fallback.
func (h *Hub) SuggestFile(ctx context.Context, source string) (types.ParamSuggestion, error) {
	buf, err := h.LoadPlan(ctx, source)
	if err != nil {
		return types.ParamSuggestion{}, err
	}
	if h.assistant != nil {
		s, err := h.assistant.Suggest(ctx, buf)
		if err == nil {
			return s, nil
		}
		h.logger.Warn("vision suggestion failed, using histogram", "error", err)
	}
	return h.advisor.Suggest(buf)
}

// TestVision asks the vision model to describe a plan
func (h *Hub) TestVision(ctx context.Context, source string) (string, error) {
	if h.assistant == nil {
		return "", fmt.Errorf("%w: vision assist is disabled", types.ErrInput)
	}
	buf, err := h.LoadPlan(ctx, source)
	if err != nil {
		return "", err
	}
	return h.assistant.TestVision(ctx, buf)
}

// ProcessPlanFile segments a plan and writes the overlay to outputDir as
// <name>_transparent.<format>. It returns the written path.
func (h *Hub) ProcessPlanFile(ctx context.Context, inputPath, outputDir, format string, p types.SegmentationParams, r types.Rotation) (string, error) {
	res, err := h.SegmentFile(ctx, inputPath, p, r)
	if err != nil {
		return "", fmt.Errorf("failed to segment %s: %w", inputPath, err)
	}

	data, mimeType, err := raster.Encode(res.Filtered, format)
	if err != nil {
		return "", err
	}
	ext := "png"
	if mimeType == raster.MIMEWebP {
		ext = "webp"
	}

	if err := utils.EnsureDir(outputDir); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	out := utils.ArtifactPath(inputPath, outputDir, "_transparent", ext)
	if err := os.WriteFile(out, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	h.logger.Info("wrote artifact", "path", out, "size", utils.FormatFileSize(int64(len(data))))
	return out, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

// Close releases the bus
func (h *Hub) Close() error {
	return h.bus.Close()
}
