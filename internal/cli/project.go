package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/menta2k/bushub/internal/utils"
)

func newProjectCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Export or import the work in progress",
	}
	cmd.AddCommand(newProjectExportCommand(opts), newProjectImportCommand(opts))
	return cmd
}

func newProjectExportCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write the artifact bus as a JSON project (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := opts.hub()
			if err != nil {
				return err
			}
			defer hub.Close()

			var w io.Writer = opts.out
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[0], err)
				}
				defer f.Close()
				w = f
			}
			if err := hub.Bus().Export(cmd.Context(), w); err != nil {
				return err
			}
			if len(args) == 1 {
				opts.logger.Info("project exported", "path", args[0])
			}
			return nil
		},
	}
}

func newProjectImportCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the artifact bus with a JSON project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !utils.FileExists(args[0]) {
				return fmt.Errorf("project file %s not found", args[0])
			}
			hub, err := opts.hub()
			if err != nil {
				return err
			}
			defer hub.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := hub.Bus().Import(cmd.Context(), f); err != nil {
				return err
			}
			if err := hub.Resume(cmd.Context()); err != nil {
				return err
			}
			state := hub.Orchestrator().State()
			opts.logger.Info("project imported", "path", args[0], "stage", state.Stage, "market", state.MarketName)
			return nil
		},
	}
}
