package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/bushub/internal/utils"
	"github.com/menta2k/bushub/pkg/types"
)

type segmentFlags struct {
	outDir   string
	format   string
	rotate   int
	suggest  bool
	hueMin   float64
	hueMax   float64
	satMin   float64
	valMin   float64
	keepDark bool
}

func newSegmentCommand(opts *Options) *cobra.Command {
	f := &segmentFlags{}
	cmd := &cobra.Command{
		Use:   "segment <plan|dir>...",
		Short: "Write transparent stall overlays for scanned plans",
		Long:  "segment runs the colour filter over each plan (or every plan found under a directory) and writes <name>_transparent.png next to the others in --out.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := opts.hub()
			if err != nil {
				return err
			}
			defer hub.Close()

			rotation, err := types.ParseRotation(f.rotate)
			if err != nil {
				return err
			}
			params := opts.config.Segmentation
			applyParamFlags(cmd, f, &params)

			inputs, err := expandInputs(args)
			if err != nil {
				return err
			}

			failed := 0
			for _, in := range inputs {
				p := params
				if f.suggest {
					s, err := hub.SuggestFile(cmd.Context(), in)
					if err != nil {
						opts.logger.Error("suggestion failed", "input", in, "error", err)
						failed++
						continue
					}
					p = s.Params
					opts.logger.Info("using suggested parameters", "input", in, "source", s.Source, "confidence", s.Confidence,
						"hue_min", p.HueMin, "hue_max", p.HueMax)
				}
				out, err := hub.ProcessPlanFile(cmd.Context(), in, f.outDir, f.format, p, rotation)
				if err != nil {
					opts.logger.Error("segmentation failed", "input", in, "error", err)
					failed++
					continue
				}
				fmt.Fprintln(opts.out, out)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans failed", failed, len(inputs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.outDir, "out", "o", "out", "Output directory")
	cmd.Flags().StringVar(&f.format, "format", "png", "Output format: png or webp")
	cmd.Flags().IntVar(&f.rotate, "rotate", 0, "Clockwise rotation in degrees (0, 90, 180, 270)")
	cmd.Flags().BoolVar(&f.suggest, "suggest", false, "Derive the thresholds from each plan instead of the configuration")
	cmd.Flags().Float64Var(&f.hueMin, "hue-min", 0, "Lower hue bound in degrees")
	cmd.Flags().Float64Var(&f.hueMax, "hue-max", 0, "Upper hue bound in degrees; below hue-min wraps through red")
	cmd.Flags().Float64Var(&f.satMin, "sat-min", 0, "Minimum saturation in percent")
	cmd.Flags().Float64Var(&f.valMin, "val-min", 0, "Minimum value in percent")
	cmd.Flags().BoolVar(&f.keepDark, "keep-dark", true, "Keep dark pixels such as printed stall numbers")
	return cmd
}

// applyParamFlags overrides only the thresholds given on the command line
func applyParamFlags(cmd *cobra.Command, f *segmentFlags, p *types.SegmentationParams) {
	if cmd.Flags().Changed("hue-min") {
		p.HueMin = f.hueMin
	}
	if cmd.Flags().Changed("hue-max") {
		p.HueMax = f.hueMax
	}
	if cmd.Flags().Changed("sat-min") {
		p.SaturationMin = f.satMin
	}
	if cmd.Flags().Changed("val-min") {
		p.ValueMin = f.valMin
	}
	if cmd.Flags().Changed("keep-dark") {
		p.KeepDarkLuminance = f.keepDark
	}
}

// expandInputs replaces directories with the plans they contain
func expandInputs(args []string) ([]string, error) {
	var inputs []string
	for _, a := range args {
		if !utils.DirExists(a) {
			inputs = append(inputs, a)
			continue
		}
		files, err := utils.ListPlanFiles(a)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", a, err)
		}
		inputs = append(inputs, files...)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no plans found", types.ErrNoFile)
	}
	return inputs, nil
}

func newSuggestCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <plan>",
		Short: "Propose colour thresholds for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := opts.hub()
			if err != nil {
				return err
			}
			defer hub.Close()

			s, err := hub.SuggestFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printJSON(s)
		},
	}
}

func newVisionTestCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "vision-test <plan>",
		Short: "Ask the vision model to describe a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := opts.hub()
			if err != nil {
				return err
			}
			defer hub.Close()

			answer, err := hub.TestVision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.out, answer)
			return err
		},
	}
}
